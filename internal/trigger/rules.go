package trigger

import (
	"fmt"

	"github.com/patchplane/patchplane/pkg/models"
)

// Built-in rule defaults.
const (
	defaultConsecutiveFailures      = 3
	defaultFailureRateThreshold     = 0.5
	defaultErrorRateSpikeThreshold  = 2
	defaultResourceExhaustThreshold = 90.0
)

// ConsecutiveFailuresRule fires when the last N samples were all unhealthy.
type ConsecutiveFailuresRule struct {
	Threshold int
}

// Name implements Rule.
func (r *ConsecutiveFailuresRule) Name() string { return "consecutive_failures" }

// Evaluate implements Rule.
func (r *ConsecutiveFailuresRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultConsecutiveFailures
	}
	if snap.ConsecutiveUnhealthy >= threshold {
		return true, models.SeverityHigh,
			fmt.Sprintf("%d consecutive unhealthy samples (threshold %d)", snap.ConsecutiveUnhealthy, threshold)
	}
	return false, models.SeverityNone, ""
}

// FailureRateRule fires when the unhealthy fraction across the latest sample
// of every asset exceeds the threshold.
type FailureRateRule struct {
	Threshold float64
}

// Name implements Rule.
func (r *FailureRateRule) Name() string { return "failure_rate" }

// Evaluate implements Rule.
func (r *FailureRateRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultFailureRateThreshold
	}
	if len(snap.LatestByAsset) == 0 {
		return false, models.SeverityNone, ""
	}

	unhealthy := 0
	for _, s := range snap.LatestByAsset {
		if !s.Healthy {
			unhealthy++
		}
	}
	rate := float64(unhealthy) / float64(len(snap.LatestByAsset))
	if rate > threshold {
		return true, models.SeverityCritical,
			fmt.Sprintf("%.0f%% of assets unhealthy (threshold %.0f%%)", rate*100, threshold*100)
	}
	return false, models.SeverityNone, ""
}

// ServiceDownRule fires when any asset's latest sample reports a non-active
// service state.
type ServiceDownRule struct{}

// Name implements Rule.
func (r *ServiceDownRule) Name() string { return "service_down" }

// Evaluate implements Rule.
func (r *ServiceDownRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	for _, s := range snap.LatestByAsset {
		if s.ServiceState != "" && s.ServiceState != "active" {
			return true, models.SeverityCritical,
				fmt.Sprintf("service on asset %s is %s", s.AssetID, s.ServiceState)
		}
	}
	return false, models.SeverityNone, ""
}

// ErrorRateSpikeRule fires when enough error-or-worse alerts were linked to
// the deployment within the window.
type ErrorRateSpikeRule struct {
	Threshold int
}

// Name implements Rule.
func (r *ErrorRateSpikeRule) Name() string { return "error_rate_spike" }

// Evaluate implements Rule.
func (r *ErrorRateSpikeRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultErrorRateSpikeThreshold
	}
	if snap.RecentAlerts >= threshold {
		return true, models.SeverityHigh,
			fmt.Sprintf("%d deployment alerts in window (threshold %d)", snap.RecentAlerts, threshold)
	}
	return false, models.SeverityNone, ""
}

// ResourceExhaustionRule fires when any metric in the newest sample exceeds
// the threshold. Metrics limits the rule to specific metric names; empty
// means all.
type ResourceExhaustionRule struct {
	Threshold float64
	Metrics   []string
}

// Name implements Rule.
func (r *ResourceExhaustionRule) Name() string { return "resource_exhaustion" }

// Evaluate implements Rule.
func (r *ResourceExhaustionRule) Evaluate(snap *Snapshot) (bool, models.Severity, string) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = defaultResourceExhaustThreshold
	}

	latest := snap.Latest()
	if latest == nil {
		return false, models.SeverityNone, ""
	}

	watched := func(name string) bool {
		if len(r.Metrics) == 0 {
			return true
		}
		for _, m := range r.Metrics {
			if m == name {
				return true
			}
		}
		return false
	}

	for name, value := range latest.Metrics {
		if watched(name) && value > threshold {
			return true, models.SeverityMedium,
				fmt.Sprintf("%s at %.1f%% on asset %s (threshold %.0f%%)", name, value, latest.AssetID, threshold)
		}
	}
	return false, models.SeverityNone, ""
}
