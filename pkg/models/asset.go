package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Asset represents a deployable target host.
type Asset struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Address         string          `json:"address" db:"address"`
	SSHUser         string          `json:"ssh_user,omitempty" db:"ssh_user"`
	SSHPort         int             `json:"ssh_port,omitempty" db:"ssh_port"`
	CredentialRef   string          `json:"credential_ref,omitempty" db:"credential_ref"` // handle into the secret provider, never a secret
	OSFamily        string          `json:"os_family,omitempty" db:"os_family"`
	Criticality     int             `json:"criticality" db:"criticality"` // 1-10
	Environment     string          `json:"environment,omitempty" db:"environment"`
	MaintenanceMode bool            `json:"maintenance_mode" db:"maintenance_mode"`
	Tags            json.RawMessage `json:"tags,omitempty" db:"tags"`
	DiscoveredAt    time.Time       `json:"discovered_at" db:"discovered_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Environment tag values used by the blue/green strategy.
const (
	EnvironmentBlue  = "blue"
	EnvironmentGreen = "green"
)

// Deployable reports whether the asset can be targeted by a deployment.
func (a *Asset) Deployable() bool {
	return a.Address != "" && !a.MaintenanceMode
}

// GetTags returns the tags as a map.
func (a *Asset) GetTags() map[string]string {
	if a.Tags == nil {
		return nil
	}
	var tags map[string]string
	if err := json.Unmarshal(a.Tags, &tags); err != nil {
		return nil
	}
	return tags
}

// SetTags sets the tags from a map.
func (a *Asset) SetTags(tags map[string]string) error {
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	a.Tags = data
	return nil
}

// AssetFilter represents filters for listing assets.
type AssetFilter struct {
	Environment string `json:"environment,omitempty"`
	OSFamily    string `json:"os_family,omitempty"`
	Criticality *int   `json:"criticality,omitempty"`
}
