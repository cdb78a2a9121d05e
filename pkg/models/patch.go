package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// =============================================================================
// Patches
// =============================================================================

// Patch represents an approved remediation artifact. Scripts are opaque
// payloads intended for a POSIX shell on the target; any syntactic validation
// happened upstream.
type Patch struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	Name             string            `json:"name" db:"name"`
	Description      *string           `json:"description,omitempty" db:"description"`
	ForwardScript    []byte            `json:"forwardScript" db:"forward_script"`
	ReverseScript    []byte            `json:"reverseScript,omitempty" db:"reverse_script"`
	ValidationScript []byte            `json:"validationScript,omitempty" db:"validation_script"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	ConfidenceScore  int               `json:"confidenceScore" db:"confidence_score"` // 0-100
	ApprovalState    string            `json:"approvalState" db:"approval_state"`
	Tested           bool              `json:"tested" db:"tested"`
	CVEIDs           pq.StringArray    `json:"cveIds,omitempty" db:"cve_ids"`
	CreatedBy        string            `json:"createdBy" db:"created_by"`
	CreatedAt        time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// PatchApprovalState constants.
type PatchApprovalState string

const (
	PatchApprovalStatePending  PatchApprovalState = "pending"
	PatchApprovalStateApproved PatchApprovalState = "approved"
	PatchApprovalStateRejected PatchApprovalState = "rejected"
)

// Metadata keys consumed by rollback verification.
const (
	PatchMetaServiceName     = "service_name"
	PatchMetaPackageName     = "package_name"
	PatchMetaPreviousVersion = "previous_version"
)

// Approved reports whether the patch may be deployed.
func (p *Patch) Approved() bool {
	return p.ApprovalState == string(PatchApprovalStateApproved)
}

// HasReverseScript reports whether a rollback artifact exists.
func (p *Patch) HasReverseScript() bool {
	return len(p.ReverseScript) > 0
}

// ServiceName returns the service_name metadata value, if set.
func (p *Patch) ServiceName() string {
	return p.Metadata[PatchMetaServiceName]
}

// PackageName returns the package_name metadata value, if set.
func (p *Patch) PackageName() string {
	return p.Metadata[PatchMetaPackageName]
}

// PreviousVersion returns the previous_version metadata value, if set.
func (p *Patch) PreviousVersion() string {
	return p.Metadata[PatchMetaPreviousVersion]
}
