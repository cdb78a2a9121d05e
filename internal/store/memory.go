package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patchplane/patchplane/pkg/models"
)

// Memory is an in-memory Store for tests and development mode.
type Memory struct {
	mu          sync.RWMutex
	patches     map[uuid.UUID]*models.Patch
	assets      map[uuid.UUID]*models.Asset
	deployments map[uuid.UUID]*models.Deployment
	events      []*models.DeploymentEvent
	audit       []*models.AuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		patches:     make(map[uuid.UUID]*models.Patch),
		assets:      make(map[uuid.UUID]*models.Asset),
		deployments: make(map[uuid.UUID]*models.Deployment),
	}
}

// SeedPatch registers a patch.
func (m *Memory) SeedPatch(p *models.Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches[p.ID] = p
}

// SeedAsset registers an asset.
func (m *Memory) SeedAsset(a *models.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a
}

// LoadPatch implements Store.
func (m *Memory) LoadPatch(ctx context.Context, id uuid.UUID) (*models.Patch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patches[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

// LoadAssetsByIDs implements Store. Order follows the requested IDs; a
// missing asset fails the whole load.
func (m *Memory) LoadAssetsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Asset, 0, len(ids))
	for _, id := range ids {
		a, ok := m.assets[id]
		if !ok {
			return nil, ErrNotFound
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

// CreateDeployment implements Store.
func (m *Memory) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *d
	m.deployments[d.ID] = &copied
	return nil
}

// UpdateDeploymentStatus implements Store.
func (m *Memory) UpdateDeploymentStatus(ctx context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployments[d.ID]; !ok {
		return ErrNotFound
	}
	copied := *d
	copied.UpdatedAt = time.Now()
	m.deployments[d.ID] = &copied
	return nil
}

// GetDeployment implements Store.
func (m *Memory) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

// ListActiveDeployments implements Store.
func (m *Memory) ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Deployment
	for _, d := range m.deployments {
		if !models.DeploymentStatus(d.Status).Terminal() {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

// AppendDeploymentEvent implements Store.
func (m *Memory) AppendDeploymentEvent(ctx context.Context, ev *models.DeploymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *ev
	m.events = append(m.events, &copied)
	return nil
}

// ListDeploymentEvents implements Store.
func (m *Memory) ListDeploymentEvents(ctx context.Context, since time.Time) ([]*models.DeploymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.DeploymentEvent
	for _, ev := range m.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// WriteAuditEntry implements Store.
func (m *Memory) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *entry
	m.audit = append(m.audit, &copied)
	return nil
}

// AuditEntries returns a snapshot of written audit entries.
func (m *Memory) AuditEntries() []*models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Events returns a snapshot of appended events in append order.
func (m *Memory) Events() []*models.DeploymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.DeploymentEvent, len(m.events))
	copy(out, m.events)
	return out
}
