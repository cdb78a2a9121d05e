package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// Deployments
// =============================================================================

// Deployment represents one attempt to apply one Patch to an ordered list of
// Assets under one strategy.
type Deployment struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	PatchID          uuid.UUID         `json:"patchId" db:"patch_id"`
	AssetIDs         pq.StringArray    `json:"assetIds" db:"asset_ids"`
	Strategy         string            `json:"strategy" db:"strategy"`
	StrategyParams   json.RawMessage   `json:"strategyParams,omitempty" db:"strategy_params"`
	Status           string            `json:"status" db:"status"`
	TotalAssets      int               `json:"totalAssets" db:"total_assets"`
	SuccessfulAssets int               `json:"successfulAssets" db:"successful_assets"`
	FailedAssets     int               `json:"failedAssets" db:"failed_assets"`
	Results          DeploymentResults `json:"results" db:"results"`
	ErrorMessage     *string           `json:"errorMessage,omitempty" db:"error_message"`
	CreatedBy        string            `json:"createdBy" db:"created_by"`
	StartedAt        *time.Time        `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// DeploymentStatus constants.
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusInProgress DeploymentStatus = "in_progress"
	DeploymentStatusCompleted  DeploymentStatus = "completed"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether the status is a terminal one.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusCompleted, DeploymentStatusFailed, DeploymentStatusRolledBack:
		return true
	}
	return false
}

// Strategy constants.
type Strategy string

const (
	StrategyAllAtOnce Strategy = "all_at_once"
	StrategyRolling   Strategy = "rolling"
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue_green"
)

// =============================================================================
// Deployment Results
// =============================================================================

// DeploymentResults holds the structured per-asset and per-batch record of a
// deployment, including any rollback log appended afterwards.
type DeploymentResults struct {
	AssetOutcomes []AssetOutcome     `json:"assetOutcomes,omitempty"`
	BatchLogs     []BatchLog         `json:"batchLogs,omitempty"`
	RollbackLogs  []RollbackLogEntry `json:"rollbackLogs,omitempty"`
	Summary       string             `json:"summary,omitempty"`
}

// AssetOutcome records the terminal per-asset result within a deployment.
type AssetOutcome struct {
	AssetID    uuid.UUID `json:"assetId"`
	BatchIndex int       `json:"batchIndex"`
	Status     string    `json:"status"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AssetOutcomeStatus constants.
type AssetOutcomeStatus string

const (
	AssetOutcomeSuccess    AssetOutcomeStatus = "success"
	AssetOutcomeFailed     AssetOutcomeStatus = "failed"
	AssetOutcomeRolledBack AssetOutcomeStatus = "rolled_back"
	AssetOutcomeSkipped    AssetOutcomeStatus = "skipped"
)

// BatchLog summarizes one batch or canary stage.
type BatchLog struct {
	Index      int        `json:"index"`
	Label      string     `json:"label,omitempty"` // e.g. "stage 2 (50%)", "green"
	AssetIDs   []string   `json:"assetIds"`
	Successes  int        `json:"successes"`
	Failures   int        `json:"failures"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RollbackLogEntry records the rollback attempt against one asset.
type RollbackLogEntry struct {
	AssetID     uuid.UUID `json:"assetId"`
	Status      string    `json:"status"`
	CommandLogs []string  `json:"commandLogs,omitempty"`
	Verified    bool      `json:"verified"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Per-asset rollback status constants.
type AssetRollbackStatus string

const (
	AssetRollbackDone        AssetRollbackStatus = "rolled_back"
	AssetRollbackPartial     AssetRollbackStatus = "rollback_partial"
	AssetRollbackFailed      AssetRollbackStatus = "rollback_failed"
	AssetRollbackUnavailable AssetRollbackStatus = "rollback_unavailable"
)

// =============================================================================
// Deployment Events
// =============================================================================

// DeploymentEvent is the analytics record emitted at deployment milestones.
type DeploymentEvent struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Type         string          `json:"type" db:"type"`
	DeploymentID uuid.UUID       `json:"deploymentId" db:"deployment_id"`
	PatchID      uuid.UUID       `json:"patchId" db:"patch_id"`
	Strategy     string          `json:"strategy" db:"strategy"`
	AssetCount   int             `json:"assetCount" db:"asset_count"`
	Status       string          `json:"status,omitempty" db:"status"`
	DurationMS   int64           `json:"durationMs,omitempty" db:"duration_ms"`
	Data         json.RawMessage `json:"data,omitempty" db:"data"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// DeploymentEvent type constants.
const (
	EventDeploymentStarted    = "deployment.started"
	EventDeploymentSucceeded  = "deployment.succeeded"
	EventDeploymentFailed     = "deployment.failed"
	EventDeploymentRolledBack = "deployment.rolled_back"
	EventRollbackStarted      = "rollback.started"
	EventRollbackSucceeded    = "rollback.succeeded"
	EventRollbackFailed       = "rollback.failed"
	EventAlertCreated         = "alert.created"
)

// AuditEntry records who invoked a mutating operation.
type AuditEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	TargetID  uuid.UUID `json:"targetId" db:"target_id"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
