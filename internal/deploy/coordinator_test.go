package deploy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplane/patchplane/internal/alerting"
	"github.com/patchplane/patchplane/internal/analytics"
	"github.com/patchplane/patchplane/internal/health"
	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/internal/rollback"
	"github.com/patchplane/patchplane/internal/store"
	"github.com/patchplane/patchplane/internal/trigger"
	"github.com/patchplane/patchplane/pkg/events"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// fixture wires a coordinator over the in-memory store and the fake runner.
type fixture struct {
	coordinator *Coordinator
	store       *store.Memory
	runner      *remote.FakeRunner
	alerts      *alerting.Router
	patch       *models.Patch
	assets      []*models.Asset
	assetIDs    []uuid.UUID
}

type fixtureOpts struct {
	assetCount     int
	healthInterval time.Duration
	triggerCfg     trigger.Config
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	log := logger.New("error", "text")
	st := store.NewMemory()
	runner := remote.NewFakeRunner()

	patch := &models.Patch{
		ID:            uuid.New(),
		Name:          "openssl-upgrade",
		ForwardScript: []byte("#!/bin/sh\napt-get install -y openssl\n"),
		ReverseScript: []byte("apt-get install -y --allow-downgrades openssl=3.0.1\n"),
		ApprovalState: string(models.PatchApprovalStateApproved),
		Tested:        true,
	}
	st.SeedPatch(patch)

	if opts.assetCount == 0 {
		opts.assetCount = 4
	}
	assets := make([]*models.Asset, opts.assetCount)
	ids := make([]uuid.UUID, opts.assetCount)
	for i := range assets {
		assets[i] = &models.Asset{
			ID:      uuid.New(),
			Name:    "h" + string(rune('1'+i)),
			Address: "10.0.0.1",
		}
		ids[i] = assets[i].ID
		st.SeedAsset(assets[i])
	}

	if opts.healthInterval == 0 {
		opts.healthInterval = time.Minute
	}
	if opts.triggerCfg.ConsecutiveFailures == 0 {
		opts.triggerCfg = trigger.Config{ConsecutiveFailures: 100, FailureRateThreshold: 2}
	}

	alerts := alerting.NewRouter(log)
	prober := health.NewProber(runner, log)
	trig := trigger.NewEngine(opts.triggerCfg, alerts, log)
	rb := rollback.NewExecutor(runner, 4, time.Minute, log)
	rec := analytics.NewRecorder(st, analytics.NewMemoryCache(time.Minute), 30, log)

	c := NewCoordinator(st, runner, prober, trig, rb, rec, alerts, events.NopPublisher{}, Config{
		DeploymentTimeout: time.Minute,
		CommandTimeout:    time.Minute,
		MaxConcurrency:    4,
		HealthInterval:    opts.healthInterval,
	}, log)

	return &fixture{
		coordinator: c,
		store:       st,
		runner:      runner,
		alerts:      alerts,
		patch:       patch,
		assets:      assets,
		assetIDs:    ids,
	}
}

func (f *fixture) eventTypes(deploymentID uuid.UUID) []string {
	var out []string
	for _, ev := range f.store.Events() {
		if ev.DeploymentID == deploymentID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func rollingParams(fraction float64) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"batch_fraction": fraction})
	return raw
}

func TestDeployRollingSucceeds(t *testing.T) {
	f := newFixture(t, fixtureOpts{assetCount: 4})

	d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(0.5), "alice")
	require.NoError(t, err)

	assert.Equal(t, string(models.DeploymentStatusCompleted), d.Status)
	assert.Equal(t, 4, d.TotalAssets)
	assert.Equal(t, 4, d.SuccessfulAssets)
	assert.Equal(t, 0, d.FailedAssets)
	assert.Len(t, d.Results.BatchLogs, 2)
	assert.NotNil(t, d.StartedAt)
	assert.NotNil(t, d.CompletedAt)
	assert.Nil(t, d.ErrorMessage)

	// Terminal state is persisted.
	stored, err := f.coordinator.Status(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.DeploymentStatusCompleted), stored.Status)

	// Lifecycle events landed in the analytics log.
	assert.Equal(t, []string{models.EventDeploymentStarted, models.EventDeploymentSucceeded}, f.eventTypes(d.ID))

	// The operation was audited.
	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, "deploy", entries[0].Action)
	assert.Equal(t, d.ID, entries[0].TargetID)

	// started + completed alerts, both info.
	assert.Len(t, f.alerts.ActiveAlerts(&d.ID, ""), 2)
	assert.Equal(t, 0, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityError, d.CreatedAt))
}

func TestDeployRollingStopsAtThreshold(t *testing.T) {
	f := newFixture(t, fixtureOpts{assetCount: 4})
	f.runner.CommandFunc = func(asset *models.Asset, cmd string, opts remote.ExecOptions) (*remote.Result, error) {
		if strings.HasSuffix(cmd, "/forward.sh") && asset.Name == "h2" {
			return &remote.Result{ExitCode: 1, Stderr: "install failed"}, nil
		}
		return &remote.Result{ExitCode: 0}, nil
	}

	d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(0.5), "alice")
	require.NoError(t, err, "per-host failures are data, not an error")

	assert.Equal(t, string(models.DeploymentStatusFailed), d.Status)
	assert.Equal(t, 1, d.SuccessfulAssets)
	assert.Equal(t, 1, d.FailedAssets)
	require.NotNil(t, d.ErrorMessage)
	assert.Contains(t, *d.ErrorMessage, "max_failures=1")

	// The second batch was never dispatched.
	assert.Empty(t, f.runner.CommandsFor(f.assets[2].ID.String()))
	assert.Empty(t, f.runner.CommandsFor(f.assets[3].ID.String()))

	assert.Equal(t, []string{models.EventDeploymentStarted, models.EventDeploymentFailed}, f.eventTypes(d.ID))
	assert.Equal(t, 1, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityError, d.CreatedAt))
}

func TestDeployPreflightRejections(t *testing.T) {
	params := rollingParams(0.5)

	t.Run("untested patch", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.patch.Tested = false
		f.store.SeedPatch(f.patch)

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), params, "alice")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
		assert.Equal(t, string(models.DeploymentStatusFailed), d.Status)
		assert.Empty(t, f.runner.Calls(), "no host was touched")
	})

	t.Run("unapproved patch", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.patch.ApprovalState = string(models.PatchApprovalStatePending)
		f.store.SeedPatch(f.patch)

		_, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), params, "alice")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
	})

	t.Run("asset in maintenance mode", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.assets[1].MaintenanceMode = true
		f.store.SeedAsset(f.assets[1])

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), params, "alice")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
		assert.Equal(t, string(models.DeploymentStatusFailed), d.Status)
		assert.Empty(t, f.runner.Calls())
	})

	t.Run("invalid strategy params", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		_, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyCanary), json.RawMessage(`{"stages": [0.5, 0.2]}`), "alice")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
	})

	t.Run("unknown patch", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		_, err := f.coordinator.Deploy(context.Background(), uuid.New(), f.assetIDs, string(models.StrategyRolling), params, "alice")
		require.Error(t, err)

		active, err := f.coordinator.ActiveDeployments(context.Background())
		require.NoError(t, err)
		assert.Empty(t, active, "no deployment row without a patch")
	})

	t.Run("rejection is a terminal failed deployment", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.patch.Tested = false
		f.store.SeedPatch(f.patch)

		d, _ := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), params, "alice")
		stored, err := f.coordinator.Status(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.DeploymentStatusFailed), stored.Status)
		assert.Equal(t, 1, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityError, d.CreatedAt))
	})
}

func TestManualRollback(t *testing.T) {
	t.Run("completed deployment rolls back", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 2})

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(1.0), "alice")
		require.NoError(t, err)
		require.Equal(t, string(models.DeploymentStatusCompleted), d.Status)

		rolled, err := f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.NoError(t, err)

		assert.Equal(t, string(models.DeploymentStatusRolledBack), rolled.Status)
		require.Len(t, rolled.Results.RollbackLogs, 2)
		for _, e := range rolled.Results.RollbackLogs {
			assert.Equal(t, string(models.AssetRollbackDone), e.Status)
		}
		for _, o := range rolled.Results.AssetOutcomes {
			assert.Equal(t, string(models.AssetOutcomeRolledBack), o.Status)
		}

		stored, err := f.coordinator.Status(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.DeploymentStatusRolledBack), stored.Status)

		// Rollback events cross-link back to the deployment.
		types := f.eventTypes(d.ID)
		assert.Contains(t, types, models.EventRollbackStarted)
		assert.Contains(t, types, models.EventRollbackSucceeded)
		assert.Contains(t, types, models.EventDeploymentRolledBack)

		entries := f.store.AuditEntries()
		require.Len(t, entries, 2)
		assert.Equal(t, "bob", entries[1].Actor)
		assert.Equal(t, "rollback", entries[1].Action)
	})

	t.Run("already rolled back is a no-op", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 2})

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(1.0), "alice")
		require.NoError(t, err)
		_, err = f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.NoError(t, err)

		before := len(f.runner.Calls())
		again, err := f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, string(models.DeploymentStatusRolledBack), again.Status)
		assert.Equal(t, before, len(f.runner.Calls()), "no host was touched twice")
	})

	t.Run("in-flight deployment is rejected", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 1})

		d := &models.Deployment{
			ID:      uuid.New(),
			PatchID: f.patch.ID,
			Status:  string(models.DeploymentStatusInProgress),
		}
		require.NoError(t, f.store.CreateDeployment(context.Background(), d))

		_, err := f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
	})

	t.Run("no reverse script is rollback_unavailable", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 2})
		f.patch.ReverseScript = nil
		f.store.SeedPatch(f.patch)

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(1.0), "alice")
		require.NoError(t, err)

		_, err = f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindRollbackUnavailable))

		// The deployment keeps its prior status.
		stored, err := f.coordinator.Status(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, string(models.DeploymentStatusCompleted), stored.Status)
		assert.Contains(t, f.eventTypes(d.ID), models.EventRollbackFailed)
	})

	t.Run("no deployed hosts is rejected", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 2})
		f.runner.CommandFunc = func(asset *models.Asset, cmd string, opts remote.ExecOptions) (*remote.Result, error) {
			if strings.HasSuffix(cmd, "/forward.sh") {
				return &remote.Result{ExitCode: 1}, nil
			}
			return &remote.Result{ExitCode: 0}, nil
		}

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(1.0), "alice")
		require.NoError(t, err)
		require.Equal(t, string(models.DeploymentStatusFailed), d.Status)

		_, err = f.coordinator.Rollback(context.Background(), d.ID, "bob")
		require.Error(t, err)
		assert.True(t, remote.IsKind(err, remote.KindValidationFailed))
	})
}

func TestTriggeredRollback(t *testing.T) {
	// Every liveness echo fails, and one unhealthy sample is enough to fire.
	f := newFixture(t, fixtureOpts{
		assetCount:     4,
		healthInterval: 5 * time.Millisecond,
		triggerCfg:     trigger.Config{ConsecutiveFailures: 1, FailureRateThreshold: 2},
	})
	f.runner.PingFunc = func(asset *models.Asset) bool { return false }

	// Batch one lands instantly, then the inter-batch wait gives the watcher
	// time to observe and fire.
	params, _ := json.Marshal(map[string]any{
		"batch_fraction":               0.5,
		"wait_between_batches_seconds": 5.0,
	})

	start := time.Now()
	d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), params, "alice")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second, "trigger cancelled the inter-batch wait")
	assert.Equal(t, string(models.DeploymentStatusRolledBack), d.Status)
	require.NotNil(t, d.ErrorMessage)
	assert.Contains(t, *d.ErrorMessage, "automatic rollback")
	assert.NotEmpty(t, d.Results.RollbackLogs)

	// Hosts past the cancellation point were skipped, not deployed.
	skipped := 0
	for _, o := range d.Results.AssetOutcomes {
		if o.Status == string(models.AssetOutcomeSkipped) {
			skipped++
		}
	}
	assert.Equal(t, 2, skipped)

	types := f.eventTypes(d.ID)
	assert.Contains(t, types, models.EventRollbackStarted)
	assert.Contains(t, types, models.EventDeploymentRolledBack)

	// The critical trigger alert was raised.
	assert.GreaterOrEqual(t, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityCritical, d.CreatedAt), 1)
}

func canaryParams(stages []float64, rollbackOnFailure bool) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"stages":              stages,
		"rollback_on_failure": rollbackOnFailure,
	})
	return raw
}

func TestDeployCanaryRollback(t *testing.T) {
	stages := []float64{0.1, 0.5, 1.0}

	// Stage 1 is h1, stage 2 is h2-h5. Failing h2-h4 breaches the stage 2
	// success gate with h1 and h5 deployed.
	failStageTwo := func(asset *models.Asset, cmd string, opts remote.ExecOptions) (*remote.Result, error) {
		failing := map[string]bool{"h2": true, "h3": true, "h4": true}
		if strings.HasSuffix(cmd, "/forward.sh") && failing[asset.Name] {
			return &remote.Result{ExitCode: 1, Stderr: "install failed"}, nil
		}
		return &remote.Result{ExitCode: 0}, nil
	}

	t.Run("stage breach reverses deployed hosts with alerts and events", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 10})
		f.runner.CommandFunc = failStageTwo

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyCanary), canaryParams(stages, true), "alice")
		require.NoError(t, err)

		assert.Equal(t, string(models.DeploymentStatusRolledBack), d.Status)
		require.NotNil(t, d.ErrorMessage)
		assert.Contains(t, *d.ErrorMessage, "below threshold")

		require.Len(t, d.Results.RollbackLogs, 2)
		for _, e := range d.Results.RollbackLogs {
			assert.Equal(t, string(models.AssetRollbackDone), e.Status)
		}

		types := f.eventTypes(d.ID)
		assert.Contains(t, types, models.EventRollbackStarted)
		assert.Contains(t, types, models.EventRollbackSucceeded)
		assert.Contains(t, types, models.EventDeploymentRolledBack)

		// The rollback raised the critical trigger alert.
		assert.GreaterOrEqual(t, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityCritical, d.CreatedAt), 1)
	})

	t.Run("stage breach without a reverse script stays failed", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{assetCount: 10})
		f.patch.ReverseScript = nil
		f.store.SeedPatch(f.patch)
		f.runner.CommandFunc = failStageTwo

		d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyCanary), canaryParams(stages, true), "alice")
		require.NoError(t, err)

		assert.Equal(t, string(models.DeploymentStatusFailed), d.Status)
		require.NotNil(t, d.ErrorMessage)
		assert.Contains(t, *d.ErrorMessage, "no reverse script")

		require.Len(t, d.Results.RollbackLogs, 2)
		for _, e := range d.Results.RollbackLogs {
			assert.Equal(t, string(models.AssetRollbackUnavailable), e.Status)
		}

		// Nothing was reversed, so deployed hosts keep their success outcome.
		for _, o := range d.Results.AssetOutcomes {
			assert.NotEqual(t, string(models.AssetOutcomeRolledBack), o.Status)
		}
		assert.Equal(t, 2, d.SuccessfulAssets)

		types := f.eventTypes(d.ID)
		assert.Contains(t, types, models.EventRollbackStarted)
		assert.Contains(t, types, models.EventRollbackFailed)
		assert.Contains(t, types, models.EventDeploymentFailed)

		// rollback_triggered plus rollback_failed, both critical.
		assert.GreaterOrEqual(t, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityCritical, d.CreatedAt), 2)
	})
}

func TestVerify(t *testing.T) {
	f := newFixture(t, fixtureOpts{assetCount: 3})

	d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyAllAtOnce), nil, "alice")
	require.NoError(t, err)
	require.Equal(t, string(models.DeploymentStatusCompleted), d.Status)

	samples, err := f.coordinator.Verify(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.True(t, s.Healthy)
		assert.Equal(t, d.ID, s.DeploymentID)
	}

	// Verify never mutates the deployment.
	stored, err := f.coordinator.Status(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.DeploymentStatusCompleted), stored.Status)
}

func TestActiveDeployments(t *testing.T) {
	f := newFixture(t, fixtureOpts{assetCount: 2})

	active, err := f.coordinator.ActiveDeployments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyRolling), rollingParams(1.0), "alice")
	require.NoError(t, err)

	// Deploy is synchronous; nothing stays in flight.
	active, err = f.coordinator.ActiveDeployments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeployPostflightAlert(t *testing.T) {
	f := newFixture(t, fixtureOpts{assetCount: 1})
	f.patch.Metadata = map[string]string{models.PatchMetaServiceName: "nginx"}
	f.store.SeedPatch(f.patch)

	// The deployment itself succeeds but the service never comes back.
	f.runner.ProbeFunc = func(asset *models.Asset, cmd string, opts remote.ExecOptions) (*remote.Result, error) {
		if strings.HasPrefix(cmd, "systemctl is-active") {
			return &remote.Result{ExitCode: 3, Stdout: "failed"}, nil
		}
		return &remote.Result{ExitCode: 0}, nil
	}

	d, err := f.coordinator.Deploy(context.Background(), f.patch.ID, f.assetIDs, string(models.StrategyAllAtOnce), nil, "alice")
	require.NoError(t, err)

	// Post-deployment health problems alert but never flip the status.
	assert.Equal(t, string(models.DeploymentStatusCompleted), d.Status)
	assert.GreaterOrEqual(t, f.alerts.CountDeploymentAlerts(d.ID, models.AlertSeverityWarning, d.CreatedAt), 1)
}
