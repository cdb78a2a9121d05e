// Package rollback reverses a deployed patch on its assets and verifies the
// restored state.
package rollback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/patchplane/patchplane/internal/remote"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// Executor runs a patch's reverse script across assets and verifies the
// result. It mutates nothing but the hosts; deployment bookkeeping stays with
// the coordinator.
type Executor struct {
	runner         remote.Runner
	maxConcurrency int
	commandTimeout time.Duration
	logger         *logger.Logger
}

// NewExecutor creates a rollback executor.
func NewExecutor(runner remote.Runner, maxConcurrency int, commandTimeout time.Duration, log *logger.Logger) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if commandTimeout == 0 {
		commandTimeout = 5 * time.Minute
	}
	return &Executor{
		runner:         runner,
		maxConcurrency: maxConcurrency,
		commandTimeout: commandTimeout,
		logger:         log.WithComponent("rollback-executor"),
	}
}

// SplitScript breaks a reverse script into logical command lines on single
// newline boundaries, skipping blanks.
func SplitScript(script []byte) []string {
	var out []string
	for _, line := range strings.Split(string(script), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Execute rolls the patch back on every asset in parallel. A missing reverse
// script yields rollback_unavailable for every asset; the caller is
// responsible for alerting on it.
func (e *Executor) Execute(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, assets []*models.Asset) []models.RollbackLogEntry {
	if !patch.HasReverseScript() {
		entries := make([]models.RollbackLogEntry, 0, len(assets))
		for _, asset := range assets {
			entries = append(entries, models.RollbackLogEntry{
				AssetID:   asset.ID,
				Status:    string(models.AssetRollbackUnavailable),
				Error:     "patch has no reverse script",
				Timestamp: time.Now(),
			})
		}
		return entries
	}

	lines := SplitScript(patch.ReverseScript)
	sem := semaphore.NewWeighted(int64(e.maxConcurrency))
	entries := make([]models.RollbackLogEntry, len(assets))
	var wg sync.WaitGroup

	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset *models.Asset) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				entries[i] = models.RollbackLogEntry{
					AssetID:   asset.ID,
					Status:    string(models.AssetRollbackFailed),
					Error:     fmt.Sprintf("rollback cancelled: %v", err),
					Timestamp: time.Now(),
				}
				return
			}
			defer sem.Release(1)

			entries[i] = e.rollbackAsset(ctx, deploymentID, patch, asset, lines)
		}(i, asset)
	}

	wg.Wait()
	return entries
}

// rollbackAsset executes every reverse line on one asset, continuing past
// command failures, then verifies.
func (e *Executor) rollbackAsset(ctx context.Context, deploymentID uuid.UUID, patch *models.Patch, asset *models.Asset, lines []string) models.RollbackLogEntry {
	entry := models.RollbackLogEntry{
		AssetID:   asset.ID,
		Timestamp: time.Now(),
	}

	log := e.logger.WithDeployment(deploymentID.String()).WithAsset(asset.ID.String())

	commandFailures := 0
	for _, line := range lines {
		res, err := e.runner.RunCommand(ctx, asset, line, remote.ExecOptions{Sudo: true, Timeout: e.commandTimeout})
		if err != nil {
			entry.Status = string(models.AssetRollbackFailed)
			entry.Error = fmt.Sprintf("infrastructure error: %v", err)
			entry.CommandLogs = append(entry.CommandLogs, fmt.Sprintf("%s: error: %v", line, err))
			log.Error("rollback aborted on infrastructure error", "command", line, "error", err)
			return entry
		}

		if res.OK() {
			entry.CommandLogs = append(entry.CommandLogs, fmt.Sprintf("%s: ok", line))
		} else {
			commandFailures++
			entry.CommandLogs = append(entry.CommandLogs, fmt.Sprintf("%s: exit code %d", line, res.ExitCode))
			log.Warn("rollback command failed, continuing", "command", line, "exit_code", res.ExitCode)
		}
	}

	verified, verifyDetail := e.verify(ctx, asset, patch)
	entry.Verified = verified

	switch {
	case commandFailures == 0 && verified:
		entry.Status = string(models.AssetRollbackDone)
	default:
		entry.Status = string(models.AssetRollbackPartial)
		if verifyDetail != "" {
			entry.Error = verifyDetail
		} else {
			entry.Error = fmt.Sprintf("%d reverse commands failed", commandFailures)
		}
	}

	entry.Timestamp = time.Now()
	return entry
}

// verify checks the restored state: service active, package version, and a
// final liveness echo. A package version mismatch warns but does not
// invalidate the rollback.
func (e *Executor) verify(ctx context.Context, asset *models.Asset, patch *models.Patch) (bool, string) {
	if service := patch.ServiceName(); service != "" {
		res, err := e.runner.ProbeCommand(ctx, asset, fmt.Sprintf("systemctl is-active %s", service), remote.ExecOptions{Timeout: e.commandTimeout})
		if err != nil || !res.OK() || strings.TrimSpace(res.Stdout) != "active" {
			return false, fmt.Sprintf("service %s not active after rollback", service)
		}
	}

	if pkg, prev := patch.PackageName(), patch.PreviousVersion(); pkg != "" && prev != "" {
		cmd := fmt.Sprintf("dpkg -s %s 2>/dev/null || rpm -q %s", pkg, pkg)
		res, err := e.runner.ProbeCommand(ctx, asset, cmd, remote.ExecOptions{Timeout: e.commandTimeout})
		if err == nil && res.OK() && !strings.Contains(res.Stdout, prev) {
			e.logger.Warn("package version mismatch after rollback",
				"asset_id", asset.ID,
				"package", pkg,
				"expected_version", prev,
			)
		}
	}

	if !e.runner.Ping(ctx, asset) {
		return false, "liveness probe failed after rollback"
	}

	return true, ""
}

// AllRolledBack reports whether every entry reached rolled_back.
func AllRolledBack(entries []models.RollbackLogEntry) bool {
	for _, entry := range entries {
		if entry.Status != string(models.AssetRollbackDone) {
			return false
		}
	}
	return true
}
