package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/internal/store"
	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// DefaultWindowDays bounds the in-memory event window.
const DefaultWindowDays = 30

// Stats aggregates terminal deployments inside a time window.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"byStatus"`
	ByStrategy   map[string]int `json:"byStrategy"`
	SuccessRate  float64        `json:"successRate"`
	FailureRate  float64        `json:"failureRate"`
	RollbackRate float64        `json:"rollbackRate"`
	AvgDuration  time.Duration  `json:"avgDuration"`
}

// FailureAnalysis breaks down failed deployments inside a window.
type FailureAnalysis struct {
	TotalFailures  int                       `json:"totalFailures"`
	ByReason       map[string]int            `json:"byReason"`
	ByStrategy     map[string]int            `json:"byStrategy"`
	ByPatch        map[string]int            `json:"byPatch"`
	RecentFailures []*models.DeploymentEvent `json:"recentFailures"`
}

// StrategyPerformance is per-strategy timing inside PerformanceMetrics.
type StrategyPerformance struct {
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avgDuration"`
}

// PerformanceMetrics summarizes deployment timing inside a window.
type PerformanceMetrics struct {
	AvgDuration time.Duration                  `json:"avgDuration"`
	MinDuration time.Duration                  `json:"minDuration"`
	MaxDuration time.Duration                  `json:"maxDuration"`
	AvgAssets   float64                        `json:"avgAssets"`
	ByStrategy  map[string]StrategyPerformance `json:"byStrategy"`
}

// PatchStats aggregates all deployments of one patch.
type PatchStats struct {
	PatchID     uuid.UUID      `json:"patchId"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"byStatus"`
	SuccessRate float64        `json:"successRate"`
}

// eventPayload is the common shape of the data field on terminal events.
type eventPayload struct {
	Error string `json:"error,omitempty"`
}

// Recorder is the deployment event log. Record is the single writer of the
// in-memory window; derived queries snapshot it under the same mutex and
// compute outside. Every event is appended durably through the store before
// it enters the window.
type Recorder struct {
	mu     sync.Mutex
	events []*models.DeploymentEvent

	store      store.Store
	cache      Cache
	windowDays int
	logger     *logger.Logger
}

// NewRecorder creates a Recorder. A nil cache disables caching.
func NewRecorder(st store.Store, cache Cache, windowDays int, log *logger.Logger) *Recorder {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Recorder{
		store:      st,
		cache:      cache,
		windowDays: windowDays,
		logger:     log.WithComponent("analytics"),
	}
}

// WarmUp loads the durable event log for the configured window into memory.
// Call once at startup, before Record.
func (r *Recorder) WarmUp(ctx context.Context) error {
	since := time.Now().AddDate(0, 0, -r.windowDays)
	events, err := r.store.ListDeploymentEvents(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to warm up analytics window: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	r.mu.Lock()
	r.events = events
	r.mu.Unlock()

	r.logger.Info("analytics window loaded", "events", len(events), "window_days", r.windowDays)
	return nil
}

// Record appends an event durably and to the in-memory window, then drops the
// derived-query cache so the next read reflects it.
func (r *Recorder) Record(ctx context.Context, ev *models.DeploymentEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := r.store.AppendDeploymentEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to persist deployment event: %w", err)
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.prune()
	r.mu.Unlock()

	if err := r.cache.Flush(ctx); err != nil {
		r.logger.Warn("failed to flush analytics cache", "error", err)
	}
	return nil
}

// prune drops events older than the window. Caller holds the mutex.
func (r *Recorder) prune() {
	cutoff := time.Now().AddDate(0, 0, -r.windowDays)
	i := 0
	for i < len(r.events) && r.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append([]*models.DeploymentEvent(nil), r.events[i:]...)
	}
}

// snapshot copies events newer than the window start, oldest first.
func (r *Recorder) snapshot(window time.Duration) []*models.DeploymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-window)
	out := make([]*models.DeploymentEvent, 0, len(r.events))
	for _, ev := range r.events {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// cached runs compute behind the cache, keyed by query identity.
func cached[T any](ctx context.Context, r *Recorder, key string, compute func() *T) (*T, error) {
	if data, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		var out T
		if err := json.Unmarshal(data, &out); err == nil {
			return &out, nil
		}
	} else if err != nil {
		r.logger.Warn("analytics cache read failed", "key", key, "error", err)
	}

	out := compute()
	if data, err := json.Marshal(out); err == nil {
		if err := r.cache.Put(ctx, key, data, 0); err != nil {
			r.logger.Warn("analytics cache write failed", "key", key, "error", err)
		}
	}
	return out, nil
}

// terminalStatus maps a terminal event type to its deployment status.
func terminalStatus(eventType string) (string, bool) {
	switch eventType {
	case models.EventDeploymentSucceeded:
		return string(models.DeploymentStatusCompleted), true
	case models.EventDeploymentFailed:
		return string(models.DeploymentStatusFailed), true
	case models.EventDeploymentRolledBack:
		return string(models.DeploymentStatusRolledBack), true
	}
	return "", false
}

// Stats computes aggregate deployment statistics for the window. An empty
// strategy matches all strategies.
func (r *Recorder) Stats(ctx context.Context, window time.Duration, strategy string) (*Stats, error) {
	key := fmt.Sprintf("stats:%s:%s", window, strategy)
	return cached(ctx, r, key, func() *Stats {
		stats := &Stats{
			ByStatus:   make(map[string]int),
			ByStrategy: make(map[string]int),
		}

		var totalDuration time.Duration
		for _, ev := range r.snapshot(window) {
			status, terminal := terminalStatus(ev.Type)
			if !terminal {
				continue
			}
			if strategy != "" && ev.Strategy != strategy {
				continue
			}

			stats.Total++
			stats.ByStatus[status]++
			stats.ByStrategy[ev.Strategy]++
			totalDuration += time.Duration(ev.DurationMS) * time.Millisecond
		}

		if stats.Total > 0 {
			stats.SuccessRate = float64(stats.ByStatus[string(models.DeploymentStatusCompleted)]) / float64(stats.Total)
			stats.FailureRate = float64(stats.ByStatus[string(models.DeploymentStatusFailed)]) / float64(stats.Total)
			stats.RollbackRate = float64(stats.ByStatus[string(models.DeploymentStatusRolledBack)]) / float64(stats.Total)
			stats.AvgDuration = totalDuration / time.Duration(stats.Total)
		}
		return stats
	})
}

// FailureAnalysis breaks down failures for the window, newest five included
// verbatim.
func (r *Recorder) FailureAnalysis(ctx context.Context, window time.Duration) (*FailureAnalysis, error) {
	key := fmt.Sprintf("failures:%s", window)
	return cached(ctx, r, key, func() *FailureAnalysis {
		out := &FailureAnalysis{
			ByReason:   make(map[string]int),
			ByStrategy: make(map[string]int),
			ByPatch:    make(map[string]int),
		}

		var failures []*models.DeploymentEvent
		for _, ev := range r.snapshot(window) {
			if ev.Type != models.EventDeploymentFailed {
				continue
			}
			failures = append(failures, ev)
			out.TotalFailures++
			out.ByReason[failureReason(ev)]++
			out.ByStrategy[ev.Strategy]++
			out.ByPatch[ev.PatchID.String()]++
		}

		// Newest first, capped at five.
		for i := len(failures) - 1; i >= 0 && len(out.RecentFailures) < 5; i-- {
			out.RecentFailures = append(out.RecentFailures, failures[i])
		}
		return out
	})
}

// failureReason extracts the error from the event payload.
func failureReason(ev *models.DeploymentEvent) string {
	var payload eventPayload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.Error != "" {
			return payload.Error
		}
	}
	return "unknown"
}

// PerformanceMetrics summarizes timing for the window.
func (r *Recorder) PerformanceMetrics(ctx context.Context, window time.Duration) (*PerformanceMetrics, error) {
	key := fmt.Sprintf("performance:%s", window)
	return cached(ctx, r, key, func() *PerformanceMetrics {
		out := &PerformanceMetrics{
			ByStrategy: make(map[string]StrategyPerformance),
		}

		type acc struct {
			count int
			total time.Duration
		}
		perStrategy := make(map[string]*acc)

		var (
			count         int
			totalDuration time.Duration
			totalAssets   int
		)
		for _, ev := range r.snapshot(window) {
			if _, terminal := terminalStatus(ev.Type); !terminal {
				continue
			}

			d := time.Duration(ev.DurationMS) * time.Millisecond
			count++
			totalDuration += d
			totalAssets += ev.AssetCount

			if count == 1 || d < out.MinDuration {
				out.MinDuration = d
			}
			if d > out.MaxDuration {
				out.MaxDuration = d
			}

			a := perStrategy[ev.Strategy]
			if a == nil {
				a = &acc{}
				perStrategy[ev.Strategy] = a
			}
			a.count++
			a.total += d
		}

		if count > 0 {
			out.AvgDuration = totalDuration / time.Duration(count)
			out.AvgAssets = float64(totalAssets) / float64(count)
		}
		for strategy, a := range perStrategy {
			out.ByStrategy[strategy] = StrategyPerformance{
				Count:       a.count,
				AvgDuration: a.total / time.Duration(a.count),
			}
		}
		return out
	})
}

// PatchStats aggregates every deployment of one patch across the full window.
func (r *Recorder) PatchStats(ctx context.Context, patchID uuid.UUID) (*PatchStats, error) {
	key := fmt.Sprintf("patch:%s", patchID)
	return cached(ctx, r, key, func() *PatchStats {
		out := &PatchStats{
			PatchID:  patchID,
			ByStatus: make(map[string]int),
		}

		window := time.Duration(r.windowDays) * 24 * time.Hour
		for _, ev := range r.snapshot(window) {
			if ev.PatchID != patchID {
				continue
			}
			status, terminal := terminalStatus(ev.Type)
			if !terminal {
				continue
			}
			out.Total++
			out.ByStatus[status]++
		}

		if out.Total > 0 {
			out.SuccessRate = float64(out.ByStatus[string(models.DeploymentStatusCompleted)]) / float64(out.Total)
		}
		return out
	})
}
