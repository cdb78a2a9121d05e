package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// BlueGreen deploys the green subset first and touches blue only after green
// fully succeeded. No atomicity claim beyond that ordering.
type BlueGreen struct{}

// Name returns the strategy tag.
func (s *BlueGreen) Name() string { return string(models.StrategyBlueGreen) }

// Validate accepts any non-empty asset list; partitioning falls back to a
// positional split when no environment tags are present.
func (s *BlueGreen) Validate(assets []*models.Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no target assets")
	}
	return nil
}

// Partition splits assets into green and blue by environment tag. When
// neither tag is present, the ordered list is split in half with the first
// half green.
func (s *BlueGreen) Partition(assets []*models.Asset) (green, blue []*models.Asset) {
	tagged := false
	for _, a := range assets {
		switch a.Environment {
		case models.EnvironmentGreen:
			green = append(green, a)
			tagged = true
		case models.EnvironmentBlue:
			blue = append(blue, a)
			tagged = true
		}
	}
	if tagged {
		return green, blue
	}

	mid := (len(assets) + 1) / 2
	return assets[:mid], assets[mid:]
}

// Execute deploys green, then blue.
func (s *BlueGreen) Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, deps Deps) *Result {
	start := time.Now()
	result := &Result{}

	green, blue := s.Partition(assets)

	greenStart := time.Now()
	greenOutcomes := executeBatch(ctx, deps, deploymentID, patch, green, 0)
	result.Outcomes = append(result.Outcomes, greenOutcomes...)
	result.Batches = append(result.Batches, batchLog(0, "green", green, greenOutcomes, greenStart))

	for _, o := range greenOutcomes {
		if o.Status != string(models.AssetOutcomeSuccess) {
			result.Outcomes = append(result.Outcomes, skipRemaining(blue, 1, "green phase failed")...)
			result.Status = models.DeploymentStatusFailed
			result.ErrorMessage = "green phase failed; blue untouched"
			result.Duration = time.Since(start)
			return result
		}
	}

	if len(blue) > 0 {
		if ctx.Err() != nil {
			result.Outcomes = append(result.Outcomes, skipRemaining(blue, 1, "deployment cancelled")...)
			result.Status = models.DeploymentStatusFailed
			result.ErrorMessage = "deployment cancelled"
			result.Duration = time.Since(start)
			return result
		}

		blueStart := time.Now()
		blueOutcomes := executeBatch(ctx, deps, deploymentID, patch, blue, 1)
		result.Outcomes = append(result.Outcomes, blueOutcomes...)
		result.Batches = append(result.Batches, batchLog(1, "blue", blue, blueOutcomes, blueStart))
	}

	if result.Successes() == 0 {
		result.Status = models.DeploymentStatusFailed
		result.ErrorMessage = "every host failed"
	} else {
		result.Status = models.DeploymentStatusCompleted
	}
	result.Duration = time.Since(start)
	return result
}
