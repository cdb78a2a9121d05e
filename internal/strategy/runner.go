package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/pkg/models"
)

// Per-host run sequence shared by all strategies:
// write scripts 0700 -> forward as root -> optional validation -> record
// outcome -> best-effort cleanup.

const (
	scratchRoot      = "/tmp"
	forwardFileName  = "forward.sh"
	validateFileName = "validate.sh"
)

// scratchDir returns the per-host scratch directory for a deployment.
func scratchDir(deploymentID uuid.UUID, asset *models.Asset) string {
	return fmt.Sprintf("%s/patchplane-%s-%s", scratchRoot, shortID(deploymentID), shortID(asset.ID))
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

// runHost applies the patch to one asset and returns its outcome. Remote
// failures are facts on the outcome, never errors.
func runHost(ctx context.Context, deps Deps, deploymentID uuid.UUID, patch *models.Patch, asset *models.Asset, batchIndex int) models.AssetOutcome {
	outcome := models.AssetOutcome{
		AssetID:    asset.ID,
		BatchIndex: batchIndex,
		Status:     string(models.AssetOutcomeFailed),
		Timestamp:  time.Now(),
	}

	dir := scratchDir(deploymentID, asset)
	forwardPath := dir + "/" + forwardFileName
	validatePath := dir + "/" + validateFileName

	// Scratch directory. mkdir -p tolerates leftovers from an earlier run.
	if res, err := deps.Runner.RunCommand(ctx, asset, fmt.Sprintf("mkdir -p -m 0700 %s", dir), remote.ExecOptions{Timeout: deps.CommandTimeout}); err != nil || !res.OK() {
		outcome.Error = commandFailure("create scratch dir", res, err)
		return outcome
	}

	if err := deps.Runner.PushFile(ctx, asset, forwardPath, patch.ForwardScript, 0700); err != nil {
		outcome.Error = fmt.Sprintf("write forward script: %v", err)
		return outcome
	}
	hasValidation := len(patch.ValidationScript) > 0
	if hasValidation {
		if err := deps.Runner.PushFile(ctx, asset, validatePath, patch.ValidationScript, 0700); err != nil {
			outcome.Error = fmt.Sprintf("write validation script: %v", err)
			return outcome
		}
	}

	defer cleanupScratch(ctx, deps, asset, dir)

	res, err := deps.Runner.RunCommand(ctx, asset, forwardPath, remote.ExecOptions{Sudo: true, Timeout: deps.CommandTimeout})
	if res != nil {
		outcome.Stdout = res.Stdout
		outcome.Stderr = res.Stderr
	}
	if err != nil || !res.OK() {
		outcome.Error = commandFailure("forward script", res, err)
		return outcome
	}

	if hasValidation {
		vres, verr := deps.Runner.RunCommand(ctx, asset, validatePath, remote.ExecOptions{Sudo: true, Timeout: deps.CommandTimeout})
		if verr != nil || !vres.OK() {
			if vres != nil && vres.Stderr != "" {
				outcome.Stderr = vres.Stderr
			}
			outcome.Error = commandFailure("validation script", vres, verr)
			return outcome
		}
	}

	outcome.Status = string(models.AssetOutcomeSuccess)
	outcome.Error = ""
	outcome.Timestamp = time.Now()
	return outcome
}

// cleanupScratch removes the scratch directory. Failure is logged, not fatal;
// a host where forward succeeded still records success.
func cleanupScratch(ctx context.Context, deps Deps, asset *models.Asset, dir string) {
	res, err := deps.Runner.RunCommand(ctx, asset, fmt.Sprintf("rm -rf %s", dir), remote.ExecOptions{Timeout: deps.CommandTimeout})
	if err != nil || !res.OK() {
		deps.Logger.Warn("scratch cleanup failed",
			"asset_id", asset.ID,
			"dir", dir,
			"error", commandFailure("cleanup", res, err),
		)
	}
}

func commandFailure(op string, res *remote.Result, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("%s: %v", op, err)
	case res.TimedOut:
		return fmt.Sprintf("%s: timed out", op)
	default:
		return fmt.Sprintf("%s: exit code %d", op, res.ExitCode)
	}
}

// executeBatch fans the per-host run out across the batch. Concurrency is the
// batch size capped by MaxConcurrency; hosts whose turn comes after
// cancellation are recorded as skipped.
func executeBatch(ctx context.Context, deps Deps, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset, batchIndex int) []models.AssetOutcome {
	limit := int64(deps.MaxConcurrency)
	if limit <= 0 {
		limit = int64(len(assets))
	}
	sem := semaphore.NewWeighted(limit)

	outcomes := make([]models.AssetOutcome, len(assets))
	var wg sync.WaitGroup

	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset *models.Asset) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = skippedOutcome(asset, batchIndex, "deployment cancelled")
				return
			}
			defer sem.Release(1)

			if ctx.Err() != nil {
				outcomes[i] = skippedOutcome(asset, batchIndex, "deployment cancelled")
				return
			}

			outcomes[i] = runHost(ctx, deps, deploymentID, patch, asset, batchIndex)
		}(i, asset)
	}

	wg.Wait()
	return outcomes
}

func skippedOutcome(asset *models.Asset, batchIndex int, reason string) models.AssetOutcome {
	return models.AssetOutcome{
		AssetID:    asset.ID,
		BatchIndex: batchIndex,
		Status:     string(models.AssetOutcomeSkipped),
		Error:      reason,
		Timestamp:  time.Now(),
	}
}

// skipRemaining records skipped outcomes for hosts never attempted.
func skipRemaining(assets []*models.Asset, batchIndex int, reason string) []models.AssetOutcome {
	out := make([]models.AssetOutcome, 0, len(assets))
	for _, a := range assets {
		out = append(out, skippedOutcome(a, batchIndex, reason))
	}
	return out
}

// batchLog summarizes one executed batch.
func batchLog(index int, label string, assets []*models.Asset, outcomes []models.AssetOutcome, startedAt time.Time) models.BatchLog {
	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID.String())
	}

	log := models.BatchLog{
		Index:     index,
		Label:     label,
		AssetIDs:  ids,
		StartedAt: startedAt,
	}
	for _, o := range outcomes {
		switch o.Status {
		case string(models.AssetOutcomeSuccess):
			log.Successes++
		case string(models.AssetOutcomeFailed):
			log.Failures++
		}
	}
	now := time.Now()
	log.FinishedAt = &now
	return log
}

// sleepCancellable waits d unless the context is cancelled first.
func sleepCancellable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// successfulAssets maps success outcomes back to their assets, preserving
// input order.
func successfulAssets(assets []*models.Asset, outcomes []models.AssetOutcome) []*models.Asset {
	succeeded := make(map[uuid.UUID]bool, len(outcomes))
	for _, o := range outcomes {
		if o.Status == string(models.AssetOutcomeSuccess) {
			succeeded[o.AssetID] = true
		}
	}

	var out []*models.Asset
	for _, a := range assets {
		if succeeded[a.ID] {
			out = append(out, a)
		}
	}
	return out
}
