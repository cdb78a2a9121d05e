package models

import (
	"time"

	"github.com/google/uuid"
)

// Alert represents a system alert.
type Alert struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	Severity       string            `json:"severity" db:"severity"` // info, warning, error, critical
	Title          string            `json:"title" db:"title"`
	Message        string            `json:"message" db:"message"`
	DeploymentID   *uuid.UUID        `json:"deploymentId,omitempty" db:"deployment_id"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	Acknowledged   bool              `json:"acknowledged" db:"acknowledged"`
	Resolved       bool              `json:"resolved" db:"resolved"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty" db:"acknowledged_at"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// AlertSeverity represents alert severity levels.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// rank maps alert severities onto a comparable scale.
func (s AlertSeverity) rank() int {
	switch s {
	case AlertSeverityWarning:
		return 1
	case AlertSeverityError:
		return 2
	case AlertSeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s AlertSeverity) AtLeast(other AlertSeverity) bool {
	return s.rank() >= other.rank()
}

// Active reports whether the alert still needs attention.
func (a *Alert) Active() bool {
	return !a.Resolved
}

// AlertSummary aggregates alerts over a window.
type AlertSummary struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Resolved   int            `json:"resolved"`
	BySeverity map[string]int `json:"bySeverity"`
}

// DeploymentAlertType tags the preformatted deployment alerts.
type DeploymentAlertType string

const (
	DeploymentAlertStarted           DeploymentAlertType = "started"
	DeploymentAlertCompleted         DeploymentAlertType = "completed"
	DeploymentAlertFailed            DeploymentAlertType = "failed"
	DeploymentAlertRollbackTriggered DeploymentAlertType = "rollback_triggered"
	DeploymentAlertRollbackCompleted DeploymentAlertType = "rollback_completed"
	DeploymentAlertRollbackFailed    DeploymentAlertType = "rollback_failed"
	DeploymentAlertHealthCheckFailed DeploymentAlertType = "health_check_failed"
)
