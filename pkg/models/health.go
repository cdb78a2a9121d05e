package models

import (
	"time"

	"github.com/google/uuid"
)

// HealthSample is one probe record against one asset at one point in time.
type HealthSample struct {
	AssetID      uuid.UUID          `json:"assetId"`
	DeploymentID uuid.UUID          `json:"deploymentId"`
	Healthy      bool               `json:"healthy"`
	Metrics      map[string]float64 `json:"metrics,omitempty"` // cpu_percent, mem_percent, disk_percent, custom
	ServiceState string             `json:"serviceState,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Well-known metric names.
const (
	MetricCPUPercent  = "cpu_percent"
	MetricMemPercent  = "mem_percent"
	MetricDiskPercent = "disk_percent"
)

// RollbackDecision is the trigger engine output for one evaluation.
type RollbackDecision struct {
	Trigger    bool         `json:"trigger"`
	Severity   Severity     `json:"severity"`
	Reasons    []RuleResult `json:"reasons,omitempty"`
	Confidence float64      `json:"confidence"` // 0-1
}

// RuleResult is one fired rule within a rollback decision.
type RuleResult struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Details  string   `json:"details,omitempty"`
}

// Severity orders rollback-decision and alert severities.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank maps severities onto a comparable scale.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// MaxSeverity returns the more severe of the two.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
