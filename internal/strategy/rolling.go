package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// RollingParams configure the rolling strategy.
type RollingParams struct {
	BatchFraction             float64 `json:"batch_fraction"`
	WaitBetweenBatchesSeconds float64 `json:"wait_between_batches_seconds"`
	MaxFailures               int     `json:"max_failures"`
	ContinueOnError           bool    `json:"continue_on_error"`
}

// UnmarshalJSON defaults max_failures to 1 only when the field is absent; an
// explicit 0 means zero failure tolerance.
func (p *RollingParams) UnmarshalJSON(b []byte) error {
	type plain RollingParams
	aux := struct {
		MaxFailures *int `json:"max_failures"`
		*plain
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.MaxFailures != nil {
		p.MaxFailures = *aux.MaxFailures
	} else {
		p.MaxFailures = 1
	}
	return nil
}

// Wait returns the inter-batch pause.
func (p *RollingParams) Wait() time.Duration {
	return time.Duration(p.WaitBetweenBatchesSeconds * float64(time.Second))
}

// Rolling deploys in contiguous sequential batches, stopping once cumulative
// failures reach the threshold.
type Rolling struct {
	Params RollingParams
}

// Name returns the strategy tag.
func (s *Rolling) Name() string { return string(models.StrategyRolling) }

// Validate checks the batch fraction and the asset list.
func (s *Rolling) Validate(assets []*models.Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no target assets")
	}
	if s.Params.BatchFraction <= 0 || s.Params.BatchFraction > 1 {
		return fmt.Errorf("batch_fraction must be in (0,1], got %v", s.Params.BatchFraction)
	}
	return nil
}

// Batches partitions assets into ceil(1/f) contiguous batches of size
// ceil(N*f); the last batch may be smaller.
func (s *Rolling) Batches(assets []*models.Asset) [][]*models.Asset {
	n := len(assets)
	count := int(math.Ceil(1 / s.Params.BatchFraction))
	size := int(math.Ceil(float64(n) * s.Params.BatchFraction))

	batches := make([][]*models.Asset, 0, count)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batches = append(batches, assets[start:end])
	}
	// Pad with empty batches so the count invariant holds even when sizes
	// consumed the list early.
	for len(batches) < count {
		batches = append(batches, nil)
	}
	return batches
}

// Execute runs batches sequentially, hosts within a batch in parallel.
func (s *Rolling) Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, deps Deps) *Result {
	start := time.Now()
	result := &Result{}

	batches := s.Batches(assets)
	failures := 0

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}

		if ctx.Err() != nil {
			result.Outcomes = append(result.Outcomes, skipRemaining(remaining(batches, i), i, "deployment cancelled")...)
			result.Status = models.DeploymentStatusFailed
			result.ErrorMessage = "deployment cancelled"
			result.Duration = time.Since(start)
			return result
		}

		batchStart := time.Now()
		outcomes := executeBatch(ctx, deps, deploymentID, patch, batch, i)
		result.Outcomes = append(result.Outcomes, outcomes...)
		result.Batches = append(result.Batches, batchLog(i, fmt.Sprintf("batch %d", i+1), batch, outcomes, batchStart))

		for _, o := range outcomes {
			if o.Status == string(models.AssetOutcomeFailed) {
				failures++
			}
		}

		if failures > 0 && failures >= s.Params.MaxFailures && !s.Params.ContinueOnError {
			if i+1 < len(batches) {
				result.Outcomes = append(result.Outcomes, skipRemaining(remaining(batches, i+1), i+1, "failure threshold reached")...)
			}
			result.Status = models.DeploymentStatusFailed
			result.ErrorMessage = fmt.Sprintf("stopped after batch %d: %d failures reached max_failures=%d", i+1, failures, s.Params.MaxFailures)
			result.Duration = time.Since(start)
			return result
		}

		if i+1 < len(batches) {
			if err := sleepCancellable(ctx, s.Params.Wait()); err != nil {
				result.Outcomes = append(result.Outcomes, skipRemaining(remaining(batches, i+1), i+1, "deployment cancelled")...)
				result.Status = models.DeploymentStatusFailed
				result.ErrorMessage = "deployment cancelled"
				result.Duration = time.Since(start)
				return result
			}
		}
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

// remaining flattens the batches from index on.
func remaining(batches [][]*models.Asset, from int) []*models.Asset {
	var out []*models.Asset
	for _, b := range batches[from:] {
		out = append(out, b...)
	}
	return out
}
