// Package deploy hosts the deployment coordinator, the single orchestration
// point between persistence, strategies, health probing, the rollback
// trigger, and the rollback executor.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/patchplane/patchplane/internal/alerting"
	"github.com/patchplane/patchplane/internal/analytics"
	"github.com/patchplane/patchplane/internal/health"
	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/internal/rollback"
	"github.com/patchplane/patchplane/internal/store"
	"github.com/patchplane/patchplane/internal/strategy"
	"github.com/patchplane/patchplane/internal/trigger"
	"github.com/patchplane/patchplane/pkg/events"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// TracerName identifies the coordinator's tracer.
const TracerName = "github.com/patchplane/patchplane/internal/deploy"

// DefaultEventTopic is the broker topic for deployment wire events.
const DefaultEventTopic = "patchplane.deployments"

// Span names, one per pipeline step.
const (
	spanDeploy     = "deploy.pipeline"
	spanPreflight  = "deploy.preflight"
	spanExecute    = "deploy.execute"
	spanRollback   = "deploy.rollback"
	spanPostflight = "deploy.postflight"
)

// Config holds the coordinator's timing and concurrency limits.
type Config struct {
	DeploymentTimeout time.Duration
	CommandTimeout    time.Duration
	MaxConcurrency    int
	HealthInterval    time.Duration
	EventTopic        string
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.DeploymentTimeout == 0 {
		c.DeploymentTimeout = time.Hour
	}
	if c.EventTopic == "" {
		c.EventTopic = DefaultEventTopic
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 5 * time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
}

// Coordinator drives the deployment pipeline. It is the sole writer of a
// Deployment's status field.
type Coordinator struct {
	store     store.Store
	runner    remote.Runner
	prober    *health.Prober
	trigger   *trigger.Engine
	rollback  *rollback.Executor
	analytics *analytics.Recorder
	alerts    *alerting.Router
	publisher events.Publisher
	cfg       Config
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewCoordinator wires the coordinator. A nil publisher falls back to the
// no-op publisher.
func NewCoordinator(
	st store.Store,
	runner remote.Runner,
	prober *health.Prober,
	trig *trigger.Engine,
	rb *rollback.Executor,
	rec *analytics.Recorder,
	alerts *alerting.Router,
	publisher events.Publisher,
	cfg Config,
	log *logger.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Coordinator{
		store:     st,
		runner:    runner,
		prober:    prober,
		trigger:   trig,
		rollback:  rb,
		analytics: rec,
		alerts:    alerts,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.WithComponent("deploy-coordinator"),
		tracer:    otel.Tracer(TracerName),
	}
}

// Deploy runs the full pipeline for one patch against one asset list. The
// returned Deployment's status communicates the outcome; the error is non-nil
// only for rejected inputs or infrastructure faults, never for per-host
// failures.
func (c *Coordinator) Deploy(ctx context.Context, patchID uuid.UUID, assetIDs []uuid.UUID, strategyTag string, strategyParams json.RawMessage, actor string) (d *models.Deployment, err error) {
	ctx, span := c.tracer.Start(ctx, spanDeploy,
		trace.WithAttributes(
			attribute.String("patch_id", patchID.String()),
			attribute.String("strategy", strategyTag),
			attribute.Int("asset_count", len(assetIDs)),
		),
	)
	defer span.End()

	// True panics are translated to Internal and a failed deployment; the
	// caller never sees a panic cross this boundary.
	defer func() {
		if r := recover(); r != nil {
			perr := remote.NewError(remote.KindInternal, "deploy", "", fmt.Errorf("panic: %v", r))
			c.logger.Error("panic recovered in deployment pipeline", "panic", r)
			if d != nil {
				c.finalizeFailed(context.WithoutCancel(ctx), d, perr.Error())
			}
			err = perr
		}
	}()

	patch, err := c.store.LoadPatch(ctx, patchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patch %s: %w", patchID, err)
	}
	assets, err := c.store.LoadAssetsByIDs(ctx, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	d = &models.Deployment{
		ID:             uuid.New(),
		PatchID:        patch.ID,
		Strategy:       strategyTag,
		StrategyParams: strategyParams,
		Status:         string(models.DeploymentStatusPending),
		TotalAssets:    len(assets),
		CreatedBy:      actor,
		CreatedAt:      time.Now(),
	}
	for _, a := range assets {
		d.AssetIDs = append(d.AssetIDs, a.ID.String())
	}
	if err := c.store.CreateDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to persist deployment: %w", err)
	}

	c.audit(ctx, actor, "deploy", d.ID, fmt.Sprintf("strategy=%s assets=%d", strategyTag, len(assets)))

	log := c.logger.WithDeployment(d.ID.String())
	log.Info("deployment created",
		"patch_id", patch.ID,
		"strategy", strategyTag,
		"assets", len(assets),
	)

	strat, err := c.preflight(ctx, d, patch, assets, strategyTag, strategyParams)
	if err != nil {
		c.finalizeFailed(ctx, d, err.Error())
		return d, err
	}

	c.markInProgress(ctx, d)

	res, triggered := c.execute(ctx, d, patch, assets, strat)

	if triggered != nil {
		c.runTriggeredRollback(context.WithoutCancel(ctx), d, patch, assets, res, triggered)
	} else {
		c.postflight(ctx, d, patch, assets, res)
	}

	c.finalize(context.WithoutCancel(ctx), d, res)
	c.trigger.Forget(d.ID)
	return d, nil
}

// preflight rejects untested or unapproved patches, undeployable assets, and
// invalid strategy parameters.
func (c *Coordinator) preflight(ctx context.Context, d *models.Deployment, patch *models.Patch, assets []*models.Asset, strategyTag string, strategyParams json.RawMessage) (strategy.Strategy, error) {
	_, span := c.tracer.Start(ctx, spanPreflight)
	defer span.End()

	if !patch.Tested {
		return nil, remote.NewError(remote.KindValidationFailed, "preflight", "", fmt.Errorf("patch %s has not been tested", patch.ID))
	}
	if !patch.Approved() {
		return nil, remote.NewError(remote.KindValidationFailed, "preflight", "", fmt.Errorf("patch %s is not approved (state %s)", patch.ID, patch.ApprovalState))
	}
	if len(assets) == 0 {
		return nil, remote.NewError(remote.KindValidationFailed, "preflight", "", fmt.Errorf("no target assets"))
	}
	for _, a := range assets {
		if !a.Deployable() {
			return nil, remote.NewError(remote.KindValidationFailed, "preflight", a.ID.String(), fmt.Errorf("asset %s is not deployable", a.Name))
		}
	}

	strat, err := strategy.New(strategyTag, strategyParams)
	if err != nil {
		return nil, remote.NewError(remote.KindValidationFailed, "preflight", "", err)
	}
	if err := strat.Validate(assets); err != nil {
		return nil, remote.NewError(remote.KindValidationFailed, "preflight", "", err)
	}
	return strat, nil
}

// markInProgress transitions the deployment and announces the start.
func (c *Coordinator) markInProgress(ctx context.Context, d *models.Deployment) {
	now := time.Now()
	d.Status = string(models.DeploymentStatusInProgress)
	d.StartedAt = &now
	if err := c.store.UpdateDeploymentStatus(ctx, d); err != nil {
		c.logger.Error("failed to persist in_progress status", "deployment_id", d.ID, "error", err)
	}

	c.emitEvent(ctx, d, models.EventDeploymentStarted, nil)
	c.alertDeployment(ctx, d.ID, models.DeploymentAlertStarted, "")
}

// execute runs the strategy while the prober feeds the trigger engine. The
// returned decision is non-nil when the trigger fired and cancelled the run.
func (c *Coordinator) execute(ctx context.Context, d *models.Deployment, patch *models.Patch, assets []*models.Asset, strat strategy.Strategy) (*strategy.Result, *models.RollbackDecision) {
	ctx, span := c.tracer.Start(ctx, spanExecute, trace.WithAttributes(attribute.String("strategy", strat.Name())))
	defer span.End()

	deployCtx, cancelDeploy := context.WithTimeout(ctx, c.cfg.DeploymentTimeout)
	defer cancelDeploy()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	log := c.logger.WithDeployment(d.ID.String())

	samples := c.prober.Watch(watchCtx, d.ID, assets, health.ProbeOptions{
		CollectMetrics: true,
		ServiceName:    patch.ServiceName(),
	}, c.cfg.HealthInterval, c.cfg.DeploymentTimeout)

	decisionCh := make(chan *models.RollbackDecision, 1)
	go func() {
		for sample := range samples {
			decision := c.trigger.Observe(sample)
			if !decision.Trigger {
				continue
			}
			select {
			case decisionCh <- &decision:
				log.Warn("rollback trigger fired, cancelling deployment",
					"severity", decision.Severity,
					"confidence", decision.Confidence,
					"rules", len(decision.Reasons),
				)
				cancelDeploy()
			default:
			}
		}
	}()

	deps := strategy.Deps{
		Runner:         c.runner,
		Prober:         c.prober,
		MaxConcurrency: c.cfg.MaxConcurrency,
		CommandTimeout: c.cfg.CommandTimeout,
		Logger:         c.logger,
		Rollback:       c.strategyRollback(d, patch),
	}

	res := strat.Execute(deployCtx, d.ID, patch, assets, deps)

	cancelWatch()
	var triggered *models.RollbackDecision
	select {
	case triggered = <-decisionCh:
	default:
	}
	return res, triggered
}

// strategyRollback builds the hook a strategy calls when its own policy
// demands a rollback mid-run. It emits the same alerts and wire events as a
// trigger-initiated rollback, so the two paths look identical to operators.
func (c *Coordinator) strategyRollback(d *models.Deployment, patch *models.Patch) strategy.RollbackFunc {
	return func(rbCtx context.Context, deployed []*models.Asset, reason string) []models.RollbackLogEntry {
		ctx, span := c.tracer.Start(context.WithoutCancel(rbCtx), spanRollback)
		defer span.End()

		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackTriggered, reason)
		c.emitEvent(ctx, d, models.EventRollbackStarted, map[string]any{"reason": reason})

		entries := c.rollback.Execute(ctx, d.ID, patch, deployed)

		switch {
		case allUnavailable(entries):
			c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "no reverse script")
			c.emitEvent(ctx, d, models.EventRollbackFailed, map[string]any{"error": "no reverse script"})
		case rollback.AllRolledBack(entries):
			c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackCompleted, "")
			c.emitEvent(ctx, d, models.EventRollbackSucceeded, nil)
			// The condition that raised earlier alerts is gone.
			c.alerts.ResolveDeploymentAlerts(d.ID)
		default:
			c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "one or more hosts did not fully roll back")
			c.emitEvent(ctx, d, models.EventRollbackFailed, nil)
		}
		return entries
	}
}

// runTriggeredRollback reverses the patch on the hosts the cancelled run had
// already deployed and rewrites the result accordingly.
func (c *Coordinator) runTriggeredRollback(ctx context.Context, d *models.Deployment, patch *models.Patch, assets []*models.Asset, res *strategy.Result, decision *models.RollbackDecision) {
	ctx, span := c.tracer.Start(ctx, spanRollback)
	defer span.End()

	reasons := make([]string, 0, len(decision.Reasons))
	for _, r := range decision.Reasons {
		reasons = append(reasons, fmt.Sprintf("%s: %s", r.Rule, r.Details))
	}
	detail := fmt.Sprintf("severity=%s confidence=%.2f", decision.Severity, decision.Confidence)
	for _, r := range reasons {
		detail += "; " + r
	}
	c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackTriggered, detail)
	c.emitEvent(ctx, d, models.EventRollbackStarted, map[string]any{
		"severity":   decision.Severity,
		"confidence": decision.Confidence,
		"reasons":    reasons,
	})

	deployed := deployedAssets(assets, res.Outcomes)
	if len(deployed) == 0 {
		res.Status = models.DeploymentStatusFailed
		if res.ErrorMessage == "" {
			res.ErrorMessage = "rollback triggered before any host was deployed"
		}
		c.emitEvent(ctx, d, models.EventRollbackSucceeded, nil)
		return
	}

	entries := c.rollback.Execute(ctx, d.ID, patch, deployed)
	res.RollbackLogs = append(res.RollbackLogs, entries...)

	if allUnavailable(entries) {
		// No reverse script: the deployment keeps its failed status and the
		// operator gets a critical alert.
		res.Status = models.DeploymentStatusFailed
		res.ErrorMessage = "rollback triggered but patch has no reverse script"
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "no reverse script")
		c.emitEvent(ctx, d, models.EventRollbackFailed, map[string]any{"error": "no reverse script"})
		return
	}

	markRolledBack(res)
	res.Status = models.DeploymentStatusRolledBack
	res.ErrorMessage = fmt.Sprintf("automatic rollback: %s", detail)

	if rollback.AllRolledBack(entries) {
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackCompleted, "")
		c.emitEvent(ctx, d, models.EventRollbackSucceeded, nil)
		// The condition that raised earlier alerts is gone.
		c.alerts.ResolveDeploymentAlerts(d.ID)
	} else {
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "one or more hosts did not fully roll back")
		c.emitEvent(ctx, d, models.EventRollbackFailed, nil)
	}
}

// postflight probes deployed hosts once. Problems are logged and alerted but
// never change the terminal status.
func (c *Coordinator) postflight(ctx context.Context, d *models.Deployment, patch *models.Patch, assets []*models.Asset, res *strategy.Result) {
	ctx, span := c.tracer.Start(ctx, spanPostflight)
	defer span.End()

	log := c.logger.WithDeployment(d.ID.String())
	for _, asset := range deployedAssets(assets, res.Outcomes) {
		sample := c.prober.Probe(ctx, d.ID, asset, health.ProbeOptions{
			CollectMetrics: true,
			ServiceName:    patch.ServiceName(),
		})
		if !sample.Healthy {
			log.Warn("post-deployment health check failed",
				"asset_id", asset.ID,
				"reason", sample.Reason,
			)
			c.alertDeployment(ctx, d.ID, models.DeploymentAlertHealthCheckFailed,
				fmt.Sprintf("asset %s: %s", asset.Name, sample.Reason))
		}
	}
}

// finalize persists the terminal state and emits the terminal event and alert.
func (c *Coordinator) finalize(ctx context.Context, d *models.Deployment, res *strategy.Result) {
	now := time.Now()
	d.Status = string(res.Status)
	d.CompletedAt = &now
	d.SuccessfulAssets = res.Successes()
	d.FailedAssets = res.Failures()
	d.Results = models.DeploymentResults{
		AssetOutcomes: res.Outcomes,
		BatchLogs:     res.Batches,
		RollbackLogs:  res.RollbackLogs,
		Summary:       res.ErrorMessage,
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		d.ErrorMessage = &msg
	}

	if err := c.store.UpdateDeploymentStatus(ctx, d); err != nil {
		c.logger.Error("failed to persist terminal status", "deployment_id", d.ID, "error", err)
	}

	var payload map[string]any
	if res.ErrorMessage != "" {
		payload = map[string]any{"error": res.ErrorMessage}
	}

	switch res.Status {
	case models.DeploymentStatusCompleted:
		c.emitEvent(ctx, d, models.EventDeploymentSucceeded, payload)
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertCompleted, "")
	case models.DeploymentStatusRolledBack:
		c.emitEvent(ctx, d, models.EventDeploymentRolledBack, payload)
	default:
		c.emitEvent(ctx, d, models.EventDeploymentFailed, payload)
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertFailed, res.ErrorMessage)
	}

	c.logger.Info("deployment finished",
		"deployment_id", d.ID,
		"status", d.Status,
		"successful", d.SuccessfulAssets,
		"failed", d.FailedAssets,
		"duration", res.Duration,
	)
}

// finalizeFailed persists a failed terminal state for pipelines that never
// produced a strategy result.
func (c *Coordinator) finalizeFailed(ctx context.Context, d *models.Deployment, reason string) {
	now := time.Now()
	d.Status = string(models.DeploymentStatusFailed)
	d.CompletedAt = &now
	d.FailedAssets = d.TotalAssets - d.SuccessfulAssets
	d.ErrorMessage = &reason
	d.Results.Summary = reason

	if err := c.store.UpdateDeploymentStatus(ctx, d); err != nil {
		c.logger.Error("failed to persist failed status", "deployment_id", d.ID, "error", err)
	}

	c.emitEvent(ctx, d, models.EventDeploymentFailed, map[string]any{"error": reason})
	c.alertDeployment(ctx, d.ID, models.DeploymentAlertFailed, reason)
}

// Rollback manually reverses a terminal deployment. The rollback scope is the
// set of hosts the deployment successfully deployed.
func (c *Coordinator) Rollback(ctx context.Context, deploymentID uuid.UUID, actor string) (*models.Deployment, error) {
	ctx, span := c.tracer.Start(ctx, spanRollback,
		trace.WithAttributes(attribute.String("deployment_id", deploymentID.String())),
	)
	defer span.End()

	d, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %s: %w", deploymentID, err)
	}
	if !models.DeploymentStatus(d.Status).Terminal() {
		return d, remote.NewError(remote.KindValidationFailed, "rollback", "", fmt.Errorf("deployment %s is still %s", d.ID, d.Status))
	}
	if d.Status == string(models.DeploymentStatusRolledBack) {
		return d, nil
	}

	patch, err := c.store.LoadPatch(ctx, d.PatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patch %s: %w", d.PatchID, err)
	}

	c.audit(ctx, actor, "rollback", d.ID, "")
	c.emitEvent(ctx, d, models.EventRollbackStarted, map[string]any{"actor": actor})

	assets, err := c.deploymentAssets(ctx, d)
	if err != nil {
		return nil, err
	}
	deployed := deployedAssets(assets, d.Results.AssetOutcomes)
	if len(deployed) == 0 {
		return d, remote.NewError(remote.KindValidationFailed, "rollback", "", fmt.Errorf("deployment %s has no successfully deployed hosts", d.ID))
	}

	if !patch.HasReverseScript() {
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "no reverse script")
		c.emitEvent(ctx, d, models.EventRollbackFailed, map[string]any{"error": "no reverse script"})
		return d, remote.NewError(remote.KindRollbackUnavailable, "rollback", "", fmt.Errorf("patch %s has no reverse script", patch.ID))
	}

	entries := c.rollback.Execute(ctx, d.ID, patch, deployed)
	d.Results.RollbackLogs = append(d.Results.RollbackLogs, entries...)
	for i, o := range d.Results.AssetOutcomes {
		if o.Status == string(models.AssetOutcomeSuccess) {
			d.Results.AssetOutcomes[i].Status = string(models.AssetOutcomeRolledBack)
		}
	}
	d.Status = string(models.DeploymentStatusRolledBack)
	if err := c.store.UpdateDeploymentStatus(ctx, d); err != nil {
		c.logger.Error("failed to persist rolled_back status", "deployment_id", d.ID, "error", err)
	}

	if rollback.AllRolledBack(entries) {
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackCompleted, "")
		c.emitEvent(ctx, d, models.EventRollbackSucceeded, nil)
		c.alerts.ResolveDeploymentAlerts(d.ID)
	} else {
		c.alertDeployment(ctx, d.ID, models.DeploymentAlertRollbackFailed, "one or more hosts did not fully roll back")
		c.emitEvent(ctx, d, models.EventRollbackFailed, nil)
	}
	c.emitEvent(ctx, d, models.EventDeploymentRolledBack, nil)

	return d, nil
}

// Verify probes every successfully deployed host of a deployment once and
// returns the samples. It never mutates the deployment.
func (c *Coordinator) Verify(ctx context.Context, deploymentID uuid.UUID) ([]*models.HealthSample, error) {
	d, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %s: %w", deploymentID, err)
	}
	patch, err := c.store.LoadPatch(ctx, d.PatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patch %s: %w", d.PatchID, err)
	}
	assets, err := c.deploymentAssets(ctx, d)
	if err != nil {
		return nil, err
	}

	var samples []*models.HealthSample
	for _, asset := range deployedAssets(assets, d.Results.AssetOutcomes) {
		samples = append(samples, c.prober.Probe(ctx, d.ID, asset, health.ProbeOptions{
			CollectMetrics: true,
			ServiceName:    patch.ServiceName(),
		}))
	}
	return samples, nil
}

// Status reads the deployment through to the store.
func (c *Coordinator) Status(ctx context.Context, deploymentID uuid.UUID) (*models.Deployment, error) {
	return c.store.GetDeployment(ctx, deploymentID)
}

// ActiveDeployments lists non-terminal deployments.
func (c *Coordinator) ActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	return c.store.ListActiveDeployments(ctx)
}

// deploymentAssets resolves the deployment's asset id list.
func (c *Coordinator) deploymentAssets(ctx context.Context, d *models.Deployment) ([]*models.Asset, error) {
	ids := make([]uuid.UUID, 0, len(d.AssetIDs))
	for _, raw := range d.AssetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("deployment %s has malformed asset id %q: %w", d.ID, raw, err)
		}
		ids = append(ids, id)
	}
	assets, err := c.store.LoadAssetsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment assets: %w", err)
	}
	return assets, nil
}

// emitEvent records an analytics event and publishes the wire envelope. Both
// are best-effort; failures are logged and the pipeline continues.
func (c *Coordinator) emitEvent(ctx context.Context, d *models.Deployment, eventType string, payload map[string]any) {
	var data json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}

	ev := &models.DeploymentEvent{
		ID:           uuid.New(),
		Type:         eventType,
		DeploymentID: d.ID,
		PatchID:      d.PatchID,
		Strategy:     d.Strategy,
		AssetCount:   d.TotalAssets,
		Status:       d.Status,
		Data:         data,
		Timestamp:    time.Now(),
	}
	if d.StartedAt != nil && d.CompletedAt != nil {
		ev.DurationMS = d.CompletedAt.Sub(*d.StartedAt).Milliseconds()
	}

	if err := c.analytics.Record(ctx, ev); err != nil {
		c.logger.Error("failed to record analytics event", "deployment_id", d.ID, "type", eventType, "error", err)
	}

	env, err := events.NewEnvelope(eventType, "patchplane-deployer", d.ID.String(), ev)
	if err == nil {
		err = c.publisher.Publish(ctx, c.cfg.EventTopic, env)
	}
	if err != nil {
		c.logger.Warn("failed to publish wire event", "deployment_id", d.ID, "type", eventType, "error", err)
	}
}

// alertDeployment creates the preformatted alert and publishes alert.created.
func (c *Coordinator) alertDeployment(ctx context.Context, deploymentID uuid.UUID, alertType models.DeploymentAlertType, detail string) {
	alert := c.alerts.CreateDeploymentAlert(ctx, deploymentID, alertType, detail)

	env, err := events.NewEnvelope(models.EventAlertCreated, "patchplane-deployer", deploymentID.String(), alert)
	if err == nil {
		err = c.publisher.Publish(ctx, c.cfg.EventTopic, env)
	}
	if err != nil {
		c.logger.Warn("failed to publish alert event", "alert_id", alert.ID, "error", err)
	}
}

// audit writes a best-effort audit entry.
func (c *Coordinator) audit(ctx context.Context, actor, action string, targetID uuid.UUID, detail string) {
	entry := &models.AuditEntry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		TargetID:  targetID,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err := c.store.WriteAuditEntry(ctx, entry); err != nil {
		c.logger.Warn("failed to write audit entry", "action", action, "error", err)
	}
}

// deployedAssets returns the assets whose outcome is success, in asset-list
// order.
func deployedAssets(assets []*models.Asset, outcomes []models.AssetOutcome) []*models.Asset {
	ok := make(map[uuid.UUID]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Status == string(models.AssetOutcomeSuccess) {
			ok[o.AssetID] = true
		}
	}
	var out []*models.Asset
	for _, a := range assets {
		if ok[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// markRolledBack rewrites success outcomes as rolled_back.
func markRolledBack(res *strategy.Result) {
	for i, o := range res.Outcomes {
		if o.Status == string(models.AssetOutcomeSuccess) {
			res.Outcomes[i].Status = string(models.AssetOutcomeRolledBack)
		}
	}
}

// allUnavailable reports whether every entry is rollback_unavailable.
func allUnavailable(entries []models.RollbackLogEntry) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if e.Status != string(models.AssetRollbackUnavailable) {
			return false
		}
	}
	return true
}
