package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// AllAtOnce dispatches every host in parallel, bounded only by the global
// concurrency cap. Partial success is still completed; rollback decisions are
// centralized in the trigger engine, the strategy reports facts.
type AllAtOnce struct{}

// Name returns the strategy tag.
func (s *AllAtOnce) Name() string { return string(models.StrategyAllAtOnce) }

// Validate accepts any non-empty asset list.
func (s *AllAtOnce) Validate(assets []*models.Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no target assets")
	}
	return nil
}

// Execute runs the whole fleet as one batch.
func (s *AllAtOnce) Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, deps Deps) *Result {
	start := time.Now()

	outcomes := executeBatch(ctx, deps, deploymentID, patch, assets, 0)

	result := &Result{
		Outcomes: outcomes,
		Batches:  []models.BatchLog{batchLog(0, "all", assets, outcomes, start)},
		Duration: time.Since(start),
	}

	if result.Successes() == 0 {
		result.Status = models.DeploymentStatusFailed
		result.ErrorMessage = "every host failed"
	} else {
		result.Status = models.DeploymentStatusCompleted
	}
	return result
}
