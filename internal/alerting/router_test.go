package alerting

import (
	"context"
	"errors"
	"sync"
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

// captureSink records delivered alerts and optionally fails every delivery.
type captureSink struct {
	kind        string
	minSeverity models.AlertSeverity
	err         error

	mu        sync.Mutex
	delivered []*models.Alert
}

func (s *captureSink) Kind() string                      { return s.kind }
func (s *captureSink) MinSeverity() models.AlertSeverity { return s.minSeverity }
func (s *captureSink) Deliver(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, alert)
	return s.err
}

func (s *captureSink) Delivered() []*models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Alert, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func TestRouterCreate(t *testing.T) {
	t.Run("dispatch respects the sink severity floor", func(t *testing.T) {
		r := NewRouter(testLogger())
		all := &captureSink{kind: "all", minSeverity: models.AlertSeverityInfo}
		critical := &captureSink{kind: "pager", minSeverity: models.AlertSeverityCritical}
		r.AddSink(all)
		r.AddSink(critical)

		r.Create(context.Background(), "disk filling", "disk at 85%", models.AlertSeverityWarning, nil, nil)
		r.Create(context.Background(), "service down", "nginx dead", models.AlertSeverityCritical, nil, nil)

		assert.Len(t, all.Delivered(), 2)
		require.Len(t, critical.Delivered(), 1)
		assert.Equal(t, "service down", critical.Delivered()[0].Title)
	})

	t.Run("a failing sink does not block the others", func(t *testing.T) {
		r := NewRouter(testLogger())
		broken := &captureSink{kind: "webhook", minSeverity: models.AlertSeverityInfo, err: errors.New("503")}
		healthy := &captureSink{kind: "log", minSeverity: models.AlertSeverityInfo}
		r.AddSink(broken)
		r.AddSink(healthy)

		alert := r.Create(context.Background(), "t", "m", models.AlertSeverityError, nil, nil)

		require.NotNil(t, alert)
		assert.Len(t, healthy.Delivered(), 1)
		// The alert is recorded even though one sink failed.
		assert.Len(t, r.ActiveAlerts(nil, ""), 1)
	})

	t.Run("a repeatedly failing sink is suppressed by its breaker", func(t *testing.T) {
		r := NewRouter(testLogger())
		broken := &captureSink{kind: "webhook", minSeverity: models.AlertSeverityInfo, err: errors.New("503")}
		healthy := &captureSink{kind: "log", minSeverity: models.AlertSeverityInfo}
		r.AddSink(broken)
		r.AddSink(healthy)

		// The default breaker opens after five consecutive failures.
		for i := 0; i < 6; i++ {
			r.Create(context.Background(), "t", "m", models.AlertSeverityError, nil, nil)
		}

		assert.Len(t, broken.Delivered(), 5, "sixth delivery rejected by the open circuit")
		assert.Len(t, healthy.Delivered(), 6, "healthy sink unaffected")
		assert.Len(t, r.ActiveAlerts(nil, ""), 6)
	})

	t.Run("removed sinks stop receiving", func(t *testing.T) {
		r := NewRouter(testLogger())
		sink := &captureSink{kind: "chat", minSeverity: models.AlertSeverityInfo}
		r.AddSink(sink)
		r.RemoveSink("chat")

		r.Create(context.Background(), "t", "m", models.AlertSeverityInfo, nil, nil)
		assert.Empty(t, sink.Delivered())
	})
}

func TestRouterLifecycle(t *testing.T) {
	t.Run("ack and resolve are idempotent", func(t *testing.T) {
		r := NewRouter(testLogger())
		alert := r.Create(context.Background(), "t", "m", models.AlertSeverityWarning, nil, nil)

		require.NoError(t, r.Ack(alert.ID))
		first := r.ActiveAlerts(nil, "")[0].AcknowledgedAt
		require.NotNil(t, first)

		require.NoError(t, r.Ack(alert.ID))
		assert.Equal(t, first, r.ActiveAlerts(nil, "")[0].AcknowledgedAt, "second ack changes nothing")

		require.NoError(t, r.Resolve(alert.ID))
		assert.Empty(t, r.ActiveAlerts(nil, ""))
		require.NoError(t, r.Resolve(alert.ID), "second resolve is a no-op")
	})

	t.Run("unknown alert id errors", func(t *testing.T) {
		r := NewRouter(testLogger())
		assert.Error(t, r.Ack(uuid.New()))
		assert.Error(t, r.Resolve(uuid.New()))
	})

	t.Run("resolve deployment alerts clears only that deployment", func(t *testing.T) {
		r := NewRouter(testLogger())
		dep1, dep2 := uuid.New(), uuid.New()

		r.CreateDeploymentAlert(context.Background(), dep1, models.DeploymentAlertFailed, "")
		r.CreateDeploymentAlert(context.Background(), dep1, models.DeploymentAlertRollbackTriggered, "")
		r.CreateDeploymentAlert(context.Background(), dep2, models.DeploymentAlertFailed, "")

		assert.Equal(t, 2, r.ResolveDeploymentAlerts(dep1))
		assert.Empty(t, r.ActiveAlerts(&dep1, ""))
		assert.Len(t, r.ActiveAlerts(&dep2, ""), 1)

		// Nothing left to resolve the second time.
		assert.Equal(t, 0, r.ResolveDeploymentAlerts(dep1))
	})
}

func TestActiveAlerts(t *testing.T) {
	r := NewRouter(testLogger())
	dep := uuid.New()

	r.Create(context.Background(), "info", "m", models.AlertSeverityInfo, &dep, nil)
	r.Create(context.Background(), "warn", "m", models.AlertSeverityWarning, &dep, nil)
	r.Create(context.Background(), "crit", "m", models.AlertSeverityCritical, nil, nil)

	t.Run("severity filter", func(t *testing.T) {
		got := r.ActiveAlerts(nil, models.AlertSeverityWarning)
		require.Len(t, got, 2)
	})

	t.Run("deployment filter", func(t *testing.T) {
		got := r.ActiveAlerts(&dep, "")
		require.Len(t, got, 2)
		for _, a := range got {
			assert.Equal(t, dep, *a.DeploymentID)
		}
	})

	t.Run("returned copies do not alias router state", func(t *testing.T) {
		got := r.ActiveAlerts(nil, "")
		got[0].Title = "mutated"
		assert.NotEqual(t, "mutated", r.ActiveAlerts(nil, "")[0].Title)
	})
}

func TestSummary(t *testing.T) {
	r := NewRouter(testLogger())

	a := r.Create(context.Background(), "one", "m", models.AlertSeverityError, nil, nil)
	r.Create(context.Background(), "two", "m", models.AlertSeverityError, nil, nil)
	r.Create(context.Background(), "three", "m", models.AlertSeverityInfo, nil, nil)
	require.NoError(t, r.Resolve(a.ID))

	s := r.Summary(time.Hour)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Resolved)
	assert.Equal(t, 2, s.BySeverity[string(models.AlertSeverityError)])
	assert.Equal(t, 1, s.BySeverity[string(models.AlertSeverityInfo)])
}

func TestCountDeploymentAlerts(t *testing.T) {
	r := NewRouter(testLogger())
	dep := uuid.New()
	since := time.Now().Add(-time.Minute)

	// failed is error severity, health_check_failed is warning.
	r.CreateDeploymentAlert(context.Background(), dep, models.DeploymentAlertFailed, "")
	r.CreateDeploymentAlert(context.Background(), dep, models.DeploymentAlertHealthCheckFailed, "")
	r.CreateDeploymentAlert(context.Background(), uuid.New(), models.DeploymentAlertFailed, "")

	assert.Equal(t, 1, r.CountDeploymentAlerts(dep, models.AlertSeverityError, since))
	assert.Equal(t, 2, r.CountDeploymentAlerts(dep, models.AlertSeverityWarning, since))
	assert.Equal(t, 0, r.CountDeploymentAlerts(dep, models.AlertSeverityError, time.Now().Add(time.Minute)))
}

func TestCreateDeploymentAlert(t *testing.T) {
	r := NewRouter(testLogger())
	dep := uuid.New()

	cases := []struct {
		alertType models.DeploymentAlertType
		severity  models.AlertSeverity
	}{
		{models.DeploymentAlertStarted, models.AlertSeverityInfo},
		{models.DeploymentAlertCompleted, models.AlertSeverityInfo},
		{models.DeploymentAlertFailed, models.AlertSeverityError},
		{models.DeploymentAlertRollbackTriggered, models.AlertSeverityCritical},
		{models.DeploymentAlertRollbackCompleted, models.AlertSeverityWarning},
		{models.DeploymentAlertRollbackFailed, models.AlertSeverityCritical},
		{models.DeploymentAlertHealthCheckFailed, models.AlertSeverityWarning},
	}

	for _, tc := range cases {
		t.Run(string(tc.alertType), func(t *testing.T) {
			alert := r.CreateDeploymentAlert(context.Background(), dep, tc.alertType, "")
			assert.Equal(t, string(tc.severity), alert.Severity)
			require.NotNil(t, alert.DeploymentID)
			assert.Equal(t, dep, *alert.DeploymentID)
			assert.Equal(t, string(tc.alertType), alert.Metadata["type"])
			assert.Contains(t, alert.Message, dep.String())
		})
	}

	t.Run("detail is appended", func(t *testing.T) {
		alert := r.CreateDeploymentAlert(context.Background(), dep, models.DeploymentAlertFailed, "2 hosts unreachable")
		assert.Contains(t, alert.Message, "2 hosts unreachable")
	})
}
