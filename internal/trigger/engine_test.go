package trigger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

// stubAlertCounter is a fixed-count AlertCounter.
type stubAlertCounter struct {
	count int
}

func (s stubAlertCounter) CountDeploymentAlerts(deploymentID uuid.UUID, minSeverity models.AlertSeverity, since time.Time) int {
	return s.count
}

func sample(deploymentID, assetID uuid.UUID, healthy bool) *models.HealthSample {
	return &models.HealthSample{
		AssetID:      assetID,
		DeploymentID: deploymentID,
		Healthy:      healthy,
		Timestamp:    time.Now(),
	}
}

func TestEngineObserve(t *testing.T) {
	t.Run("healthy samples never trigger", func(t *testing.T) {
		e := NewEngine(Config{}, nil, testLogger())
		dep, asset := uuid.New(), uuid.New()

		for i := 0; i < 10; i++ {
			decision := e.Observe(sample(dep, asset, true))
			assert.False(t, decision.Trigger)
			assert.Empty(t, decision.Reasons)
			assert.Zero(t, decision.Confidence)
		}
	})

	t.Run("consecutive failures fire at the threshold", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 3, FailureRateThreshold: 2}, nil, testLogger())
		dep, asset := uuid.New(), uuid.New()

		d1 := e.Observe(sample(dep, asset, false))
		d2 := e.Observe(sample(dep, asset, false))
		assert.False(t, d1.Trigger)
		assert.False(t, d2.Trigger)

		d3 := e.Observe(sample(dep, asset, false))
		require.True(t, d3.Trigger)
		require.Len(t, d3.Reasons, 1)
		assert.Equal(t, "consecutive_failures", d3.Reasons[0].Rule)
		assert.Equal(t, models.SeverityHigh, d3.Severity)
		assert.Equal(t, 0.25, d3.Confidence)
	})

	t.Run("a healthy sample resets the consecutive counter", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 3, FailureRateThreshold: 2}, nil, testLogger())
		dep, asset := uuid.New(), uuid.New()

		e.Observe(sample(dep, asset, false))
		e.Observe(sample(dep, asset, false))
		e.Observe(sample(dep, asset, true))
		d := e.Observe(sample(dep, asset, false))
		assert.False(t, d.Trigger)
	})

	t.Run("failure rate counts the latest sample per asset", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 100, FailureRateThreshold: 0.5}, nil, testLogger())
		dep := uuid.New()
		a1, a2, a3 := uuid.New(), uuid.New(), uuid.New()

		e.Observe(sample(dep, a1, false))
		e.Observe(sample(dep, a2, true))
		// 1 of 2 unhealthy: exactly at the threshold, must not fire.
		d := e.Evaluate(dep)
		assert.False(t, d.Trigger)

		e.Observe(sample(dep, a3, false))
		d = e.Evaluate(dep)
		require.True(t, d.Trigger)
		assert.Equal(t, "failure_rate", d.Reasons[0].Rule)
		assert.Equal(t, models.SeverityCritical, d.Severity)

		// The asset recovering flips its latest sample and clears the rule.
		e.Observe(sample(dep, a1, true))
		e.Observe(sample(dep, a3, true))
		d = e.Evaluate(dep)
		assert.False(t, d.Trigger)
	})

	t.Run("service down fires on any non-active service state", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 100, FailureRateThreshold: 2}, nil, testLogger())
		dep := uuid.New()

		s := sample(dep, uuid.New(), false)
		s.ServiceState = "inactive"
		d := e.Observe(s)

		require.True(t, d.Trigger)
		require.Len(t, d.Reasons, 1)
		assert.Equal(t, "service_down", d.Reasons[0].Rule)
		assert.Equal(t, models.SeverityCritical, d.Severity)
	})

	t.Run("resource exhaustion fires on a hot metric", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 100, FailureRateThreshold: 2, ResourceExhaustionThreshold: 90}, nil, testLogger())
		dep := uuid.New()

		s := sample(dep, uuid.New(), true)
		s.Metrics = map[string]float64{models.MetricCPUPercent: 97.5}
		d := e.Observe(s)

		require.True(t, d.Trigger)
		require.Len(t, d.Reasons, 1)
		assert.Equal(t, "resource_exhaustion", d.Reasons[0].Rule)
		assert.Equal(t, models.SeverityMedium, d.Severity)
	})

	t.Run("error rate spike consumes the alert counter", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 100, FailureRateThreshold: 2, ErrorRateSpikeThreshold: 2}, stubAlertCounter{count: 2}, testLogger())
		dep := uuid.New()

		d := e.Observe(sample(dep, uuid.New(), true))
		require.True(t, d.Trigger)
		require.Len(t, d.Reasons, 1)
		assert.Equal(t, "error_rate_spike", d.Reasons[0].Rule)
	})

	t.Run("confidence caps at one and severity takes the max", func(t *testing.T) {
		e := NewEngine(Config{
			ConsecutiveFailures:         1,
			FailureRateThreshold:        0.1,
			ErrorRateSpikeThreshold:     1,
			ResourceExhaustionThreshold: 90,
		}, stubAlertCounter{count: 5}, testLogger())
		dep := uuid.New()

		s := sample(dep, uuid.New(), false)
		s.ServiceState = "failed"
		s.Metrics = map[string]float64{models.MetricMemPercent: 99}
		d := e.Observe(s)

		require.True(t, d.Trigger)
		assert.Len(t, d.Reasons, 5)
		assert.Equal(t, models.SeverityCritical, d.Severity)
		assert.Equal(t, 1.0, d.Confidence)
	})
}

func TestEngineDeterminism(t *testing.T) {
	feed := func(e *Engine, dep uuid.UUID, assets []uuid.UUID) models.RollbackDecision {
		var last models.RollbackDecision
		for i, a := range assets {
			s := sample(dep, a, i%2 == 0)
			s.Timestamp = time.Unix(int64(1000+i), 0)
			last = e.Observe(s)
		}
		return last
	}

	dep := uuid.New()
	assets := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	e1 := NewEngine(Config{ConsecutiveFailures: 2, FailureRateThreshold: 0.3}, nil, testLogger())
	e2 := NewEngine(Config{ConsecutiveFailures: 2, FailureRateThreshold: 0.3}, nil, testLogger())

	d1 := feed(e1, dep, assets)
	d2 := feed(e2, dep, assets)
	assert.Equal(t, d1, d2, "identical sample streams yield identical decisions")

	// Re-evaluating without new samples is a pure function of the window.
	assert.Equal(t, e1.Evaluate(dep), e1.Evaluate(dep))
}

func TestEngineWindow(t *testing.T) {
	t.Run("old samples fall out of the window", func(t *testing.T) {
		e := NewEngine(Config{WindowSize: 3, ConsecutiveFailures: 100, FailureRateThreshold: 2}, nil, testLogger())
		dep, asset := uuid.New(), uuid.New()

		for i := 0; i < 5; i++ {
			e.Observe(sample(dep, asset, true))
		}
		e.mu.Lock()
		n := len(e.windows[dep].samples)
		e.mu.Unlock()
		assert.Equal(t, 3, n)
	})

	t.Run("forget drops the deployment state", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 2, FailureRateThreshold: 2}, nil, testLogger())
		dep, asset := uuid.New(), uuid.New()

		e.Observe(sample(dep, asset, false))
		e.Observe(sample(dep, asset, false))
		require.True(t, e.Evaluate(dep).Trigger)

		e.Forget(dep)
		assert.False(t, e.Evaluate(dep).Trigger)
	})

	t.Run("deployments are isolated", func(t *testing.T) {
		e := NewEngine(Config{ConsecutiveFailures: 2, FailureRateThreshold: 2}, nil, testLogger())
		dep1, dep2 := uuid.New(), uuid.New()

		e.Observe(sample(dep1, uuid.New(), false))
		e.Observe(sample(dep1, uuid.New(), false))

		assert.True(t, e.Evaluate(dep1).Trigger)
		assert.False(t, e.Evaluate(dep2).Trigger)
	})
}

// flagRule fires unconditionally with a fixed severity.
type flagRule struct {
	name     string
	severity models.Severity
}

func (r flagRule) Name() string { return r.name }
func (r flagRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	return true, r.severity, "always"
}

func TestEngineRegisterUnregister(t *testing.T) {
	e := NewEngine(Config{ConsecutiveFailures: 100, FailureRateThreshold: 2}, nil, testLogger())
	dep := uuid.New()

	e.Register(flagRule{name: "custom_gate", severity: models.SeverityLow})
	assert.Contains(t, e.Rules(), "custom_gate")

	d := e.Evaluate(dep)
	require.True(t, d.Trigger)
	assert.Equal(t, "custom_gate", d.Reasons[0].Rule)

	e.Unregister("custom_gate")
	assert.NotContains(t, e.Rules(), "custom_gate")
	assert.False(t, e.Evaluate(dep).Trigger)
}
