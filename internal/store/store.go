// Package store defines the persistence port and its implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the narrow persistence surface the core sees. No SQL dialect is
// assumed; any durable store with atomic row updates can implement it.
type Store interface {
	LoadPatch(ctx context.Context, id uuid.UUID) (*models.Patch, error)
	LoadAssetsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Asset, error)

	CreateDeployment(ctx context.Context, d *models.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error)

	AppendDeploymentEvent(ctx context.Context, ev *models.DeploymentEvent) error
	ListDeploymentEvents(ctx context.Context, since time.Time) ([]*models.DeploymentEvent, error)

	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}
