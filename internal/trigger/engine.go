// Package trigger implements the rule-based rollback decision engine.
package trigger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// defaultWindowSize is the number of retained samples per deployment.
const defaultWindowSize = 10

// AlertCounter is the narrow alerting surface the error_rate_spike rule
// consumes. The coordinator wires it; the engine never imports its sibling.
type AlertCounter interface {
	CountDeploymentAlerts(deploymentID uuid.UUID, minSeverity models.AlertSeverity, since time.Time) int
}

// Snapshot is the immutable window state a rule evaluates against.
type Snapshot struct {
	DeploymentID         uuid.UUID
	Samples              []*models.HealthSample // oldest first
	LatestByAsset        map[uuid.UUID]*models.HealthSample
	ConsecutiveUnhealthy int
	RecentAlerts         int
}

// Latest returns the newest sample, or nil.
func (s *Snapshot) Latest() *models.HealthSample {
	if len(s.Samples) == 0 {
		return nil
	}
	return s.Samples[len(s.Samples)-1]
}

// Rule is one rollback condition. Rules are pure over the snapshot so the
// decision is deterministic for identical inputs.
type Rule interface {
	Name() string
	Evaluate(snap *Snapshot) (fired bool, severity models.Severity, details string)
}

// window is the per-deployment mutable state. It is mutated by exactly one
// feeder goroutine; readers get snapshots.
type window struct {
	samples              []*models.HealthSample
	latestByAsset        map[uuid.UUID]*models.HealthSample
	consecutiveUnhealthy int
}

// Engine evaluates rollback rules over per-deployment sample windows. It only
// decides; it never executes rollback itself.
type Engine struct {
	mu         sync.Mutex
	windows    map[uuid.UUID]*window
	rules      map[string]Rule
	windowSize int
	alerts     AlertCounter
	logger     *logger.Logger
}

// Config configures the engine's window and built-in rule thresholds.
type Config struct {
	WindowSize                  int
	ConsecutiveFailures         int
	FailureRateThreshold        float64
	ErrorRateSpikeThreshold     int
	ResourceExhaustionThreshold float64
}

// NewEngine creates an engine with the built-in rule set registered.
func NewEngine(cfg Config, alerts AlertCounter, log *logger.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}

	e := &Engine{
		windows:    make(map[uuid.UUID]*window),
		rules:      make(map[string]Rule),
		windowSize: cfg.WindowSize,
		alerts:     alerts,
		logger:     log.WithComponent("rollback-trigger"),
	}

	e.Register(&ConsecutiveFailuresRule{Threshold: cfg.ConsecutiveFailures})
	e.Register(&FailureRateRule{Threshold: cfg.FailureRateThreshold})
	e.Register(&ServiceDownRule{})
	e.Register(&ErrorRateSpikeRule{Threshold: cfg.ErrorRateSpikeThreshold})
	e.Register(&ResourceExhaustionRule{Threshold: cfg.ResourceExhaustionThreshold})

	return e
}

// Register adds a rule, replacing any existing rule with the same name.
func (e *Engine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.Name()] = rule
}

// Unregister removes a rule by name.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, name)
}

// Observe ingests one sample and returns the resulting decision.
func (e *Engine) Observe(sample *models.HealthSample) models.RollbackDecision {
	e.mu.Lock()

	w, ok := e.windows[sample.DeploymentID]
	if !ok {
		w = &window{latestByAsset: make(map[uuid.UUID]*models.HealthSample)}
		e.windows[sample.DeploymentID] = w
	}

	w.samples = append(w.samples, sample)
	if len(w.samples) > e.windowSize {
		w.samples = w.samples[len(w.samples)-e.windowSize:]
	}
	w.latestByAsset[sample.AssetID] = sample
	if sample.Healthy {
		w.consecutiveUnhealthy = 0
	} else {
		w.consecutiveUnhealthy++
	}

	snap := e.snapshotLocked(sample.DeploymentID, w)
	rules := e.rulesLocked()
	e.mu.Unlock()

	return evaluate(snap, rules)
}

// Evaluate re-runs the rules over the current window without a new sample.
func (e *Engine) Evaluate(deploymentID uuid.UUID) models.RollbackDecision {
	e.mu.Lock()
	w, ok := e.windows[deploymentID]
	if !ok {
		w = &window{latestByAsset: make(map[uuid.UUID]*models.HealthSample)}
	}
	snap := e.snapshotLocked(deploymentID, w)
	rules := e.rulesLocked()
	e.mu.Unlock()

	return evaluate(snap, rules)
}

// Forget drops the window for a finished deployment.
func (e *Engine) Forget(deploymentID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, deploymentID)
}

// snapshotLocked copies the window into an immutable snapshot.
func (e *Engine) snapshotLocked(deploymentID uuid.UUID, w *window) *Snapshot {
	samples := make([]*models.HealthSample, len(w.samples))
	copy(samples, w.samples)

	latest := make(map[uuid.UUID]*models.HealthSample, len(w.latestByAsset))
	for k, v := range w.latestByAsset {
		latest[k] = v
	}

	snap := &Snapshot{
		DeploymentID:         deploymentID,
		Samples:              samples,
		LatestByAsset:        latest,
		ConsecutiveUnhealthy: w.consecutiveUnhealthy,
	}

	if e.alerts != nil {
		windowStart := time.Now().Add(-15 * time.Minute)
		snap.RecentAlerts = e.alerts.CountDeploymentAlerts(deploymentID, models.AlertSeverityError, windowStart)
	}

	return snap
}

// Rules returns the registered rule names, sorted.
func (e *Engine) Rules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rulesLocked returns the rules sorted by name for deterministic evaluation.
func (e *Engine) rulesLocked() []Rule {
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rules = append(rules, e.rules[name])
	}
	return rules
}

// evaluate aggregates rule outputs: trigger = OR, severity = max,
// confidence = min(1, 0.25 * fired count).
func evaluate(snap *Snapshot, rules []Rule) models.RollbackDecision {
	decision := models.RollbackDecision{Severity: models.SeverityNone}

	for _, rule := range rules {
		fired, severity, details := rule.Evaluate(snap)
		if !fired {
			continue
		}
		decision.Trigger = true
		decision.Severity = models.MaxSeverity(decision.Severity, severity)
		decision.Reasons = append(decision.Reasons, models.RuleResult{
			Rule:     rule.Name(),
			Severity: severity,
			Details:  details,
		})
	}

	decision.Confidence = 0.25 * float64(len(decision.Reasons))
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}
	return decision
}
