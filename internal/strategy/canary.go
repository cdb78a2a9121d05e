package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// defaultCanarySuccessThreshold is the per-stage success rate below which the
// stage fails.
const defaultCanarySuccessThreshold = 0.8

// CanaryParams configure the canary strategy.
type CanaryParams struct {
	Stages                    []float64 `json:"stages"`
	MonitoringDurationSeconds float64   `json:"monitoring_duration_seconds"`
	AutoPromote               bool      `json:"auto_promote"`
	RollbackOnFailure         bool      `json:"rollback_on_failure"`
	SuccessThreshold          float64   `json:"success_threshold"`
}

func (p *CanaryParams) applyDefaults() {
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = defaultCanarySuccessThreshold
	}
}

// MonitoringDuration returns the per-stage soak time.
func (p *CanaryParams) MonitoringDuration() time.Duration {
	return time.Duration(p.MonitoringDurationSeconds * float64(time.Second))
}

// Canary deploys in ascending stages, gating each promotion on the in-stage
// success rate and a soak-period health check.
type Canary struct {
	Params CanaryParams
}

// Name returns the strategy tag.
func (s *Canary) Name() string { return string(models.StrategyCanary) }

// Validate requires strictly ascending stages in (0,1] ending at 1.0.
func (s *Canary) Validate(assets []*models.Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no target assets")
	}
	stages := s.Params.Stages
	if len(stages) == 0 {
		return fmt.Errorf("stages must not be empty")
	}
	prev := 0.0
	for i, f := range stages {
		if f <= prev {
			return fmt.Errorf("stages must be strictly ascending, got %v at index %d", f, i)
		}
		if f > 1.0 {
			return fmt.Errorf("stage fraction %v exceeds 1.0", f)
		}
		prev = f
	}
	if stages[len(stages)-1] != 1.0 {
		return fmt.Errorf("last stage must be 1.0, got %v", stages[len(stages)-1])
	}
	return nil
}

// stageTargets returns the cumulative host count each stage must reach.
func (s *Canary) stageTargets(n int) []int {
	targets := make([]int, len(s.Params.Stages))
	for i, f := range s.Params.Stages {
		t := int(math.Ceil(f * float64(n)))
		if t > n {
			t = n
		}
		targets[i] = t
	}
	return targets
}

// Execute runs the staged rollout.
func (s *Canary) Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, deps Deps) *Result {
	start := time.Now()
	result := &Result{}

	targets := s.stageTargets(len(assets))
	deployed := 0

	for i, target := range targets {
		stageAssets := assets[deployed:target]
		if len(stageAssets) == 0 && i+1 < len(targets) {
			continue
		}

		if ctx.Err() != nil {
			result.Outcomes = append(result.Outcomes, skipRemaining(assets[deployed:], i, "deployment cancelled")...)
			result.Status = models.DeploymentStatusFailed
			result.ErrorMessage = "deployment cancelled"
			result.Duration = time.Since(start)
			return result
		}

		stageStart := time.Now()
		label := fmt.Sprintf("stage %d (%.0f%%)", i+1, s.Params.Stages[i]*100)
		outcomes := executeBatch(ctx, deps, deploymentID, patch, stageAssets, i)
		result.Outcomes = append(result.Outcomes, outcomes...)
		result.Batches = append(result.Batches, batchLog(i, label, stageAssets, outcomes, stageStart))
		deployed = target

		// In-stage success gate.
		stageSuccesses := 0
		for _, o := range outcomes {
			if o.Status == string(models.AssetOutcomeSuccess) {
				stageSuccesses++
			}
		}
		rate := 1.0
		if len(stageAssets) > 0 {
			rate = float64(stageSuccesses) / float64(len(stageAssets))
		}

		if rate < s.Params.SuccessThreshold {
			result.Outcomes = append(result.Outcomes, skipRemaining(assets[deployed:], i+1, "canary stage failed")...)
			reason := fmt.Sprintf("stage %d success rate %.0f%% below threshold %.0f%%", i+1, rate*100, s.Params.SuccessThreshold*100)

			// Scope: every host successfully deployed in this run, prior
			// stages included.
			scope := successfulAssets(assets, result.Outcomes)
			if s.Params.RollbackOnFailure && deps.Rollback != nil && len(scope) > 0 {
				entries := deps.Rollback(ctx, scope, reason)
				result.RollbackLogs = entries
				if allRollbackUnavailable(entries) {
					// No host was actually reversed; the run stays failed.
					result.Status = models.DeploymentStatusFailed
					reason += "; patch has no reverse script"
				} else {
					markRolledBack(result, scope)
					result.Status = models.DeploymentStatusRolledBack
				}
			} else {
				result.Status = models.DeploymentStatusFailed
			}
			result.ErrorMessage = reason
			result.Duration = time.Since(start)
			return result
		}

		// Soak and health-gate before promoting to the next stage.
		if i+1 < len(targets) {
			if err := sleepCancellable(ctx, s.Params.MonitoringDuration()); err != nil {
				result.Outcomes = append(result.Outcomes, skipRemaining(assets[deployed:], i+1, "deployment cancelled")...)
				result.Status = models.DeploymentStatusFailed
				result.ErrorMessage = "deployment cancelled"
				result.Duration = time.Since(start)
				return result
			}

			if !s.stageHealthy(ctx, deploymentID, stageAssets, outcomes, deps) && !s.Params.AutoPromote {
				result.Outcomes = append(result.Outcomes, skipRemaining(assets[deployed:], i+1, "canary health gate failed")...)
				result.Status = models.DeploymentStatusFailed
				result.ErrorMessage = fmt.Sprintf("stage %d hosts unhealthy after monitoring window", i+1)
				result.Duration = time.Since(start)
				return result
			}
		}
	}

	result.Status = models.DeploymentStatusCompleted
	result.Duration = time.Since(start)
	return result
}

// stageHealthy probes the stage's successful hosts; any unhealthy sample
// fails the gate.
func (s *Canary) stageHealthy(ctx context.Context, deploymentID uuid.UUID, stageAssets []*models.Asset, outcomes []models.AssetOutcome, deps Deps) bool {
	if deps.Prober == nil {
		return true
	}
	for _, asset := range successfulAssets(stageAssets, outcomes) {
		sample := deps.Prober.ProbeOnce(ctx, deploymentID, asset)
		if sample != nil && !sample.Healthy {
			return false
		}
	}
	return true
}

// allRollbackUnavailable reports whether every log entry is
// rollback_unavailable.
func allRollbackUnavailable(entries []models.RollbackLogEntry) bool {
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

// markRolledBack rewrites success outcomes to rolled_back for the assets in
// the rollback scope.
func markRolledBack(result *Result, scope []*models.Asset) {
	inScope := make(map[uuid.UUID]bool, len(scope))
	for _, a := range scope {
		inScope[a.ID] = true
	}
	for i := range result.Outcomes {
		o := &result.Outcomes[i]
		if inScope[o.AssetID] && o.Status == string(models.AssetOutcomeSuccess) {
			o.Status = string(models.AssetOutcomeRolledBack)
		}
	}
}
