package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/patchplane/patchplane/pkg/database"
	"github.com/patchplane/patchplane/pkg/models"
)

// Postgres implements Store over the shared pgx pool. Deployments are kept as
// one row with the structured results in a JSONB column, upserted on every
// status change.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// LoadPatch implements Store.
func (s *Postgres) LoadPatch(ctx context.Context, id uuid.UUID) (*models.Patch, error) {
	var (
		p        models.Patch
		metadata []byte
		cveIDs   []string
	)

	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, forward_script, reverse_script,
		       validation_script, metadata, confidence_score, approval_state,
		       tested, cve_ids, created_by, created_at, updated_at
		FROM patches
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.ForwardScript, &p.ReverseScript,
		&p.ValidationScript, &metadata, &p.ConfidenceScore, &p.ApprovalState,
		&p.Tested, &cveIDs, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load patch: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode patch metadata: %w", err)
		}
	}
	p.CVEIDs = pq.StringArray(cveIDs)

	return &p, nil
}

// LoadAssetsByIDs implements Store. The returned slice follows the requested
// order; a missing asset fails the load.
func (s *Postgres) LoadAssetsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Asset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, address, ssh_user, ssh_port, credential_ref,
		       os_family, criticality, environment, maintenance_mode, tags,
		       discovered_at, updated_at
		FROM assets
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.Asset, len(ids))
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(
			&a.ID, &a.Name, &a.Address, &a.SSHUser, &a.SSHPort, &a.CredentialRef,
			&a.OSFamily, &a.Criticality, &a.Environment, &a.MaintenanceMode, &a.Tags,
			&a.DiscoveredAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		byID[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset rows failed: %w", err)
	}

	out := make([]*models.Asset, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, a)
	}
	return out, nil
}

// CreateDeployment implements Store.
func (s *Postgres) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	return s.saveDeployment(ctx, d)
}

// UpdateDeploymentStatus implements Store.
func (s *Postgres) UpdateDeploymentStatus(ctx context.Context, d *models.Deployment) error {
	return s.saveDeployment(ctx, d)
}

// saveDeployment upserts the full deployment row.
func (s *Postgres) saveDeployment(ctx context.Context, d *models.Deployment) error {
	results, err := json.Marshal(d.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	err = s.db.Exec(ctx, `
		INSERT INTO deployments (
			id, patch_id, asset_ids, strategy, strategy_params, status,
			total_assets, successful_assets, failed_assets, results,
			error_message, created_by, started_at, completed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_assets = EXCLUDED.total_assets,
			successful_assets = EXCLUDED.successful_assets,
			failed_assets = EXCLUDED.failed_assets,
			results = EXCLUDED.results,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
	`,
		d.ID, d.PatchID, []string(d.AssetIDs), d.Strategy, d.StrategyParams, d.Status,
		d.TotalAssets, d.SuccessfulAssets, d.FailedAssets, results,
		d.ErrorMessage, d.CreatedBy, d.StartedAt, d.CompletedAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}
	return nil
}

// GetDeployment implements Store.
func (s *Postgres) GetDeployment(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, patch_id, asset_ids, strategy, strategy_params, status,
		       total_assets, successful_assets, failed_assets, results,
		       error_message, created_by, started_at, completed_at,
		       created_at, updated_at
		FROM deployments
		WHERE id = $1
	`, id)

	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListActiveDeployments implements Store.
func (s *Postgres) ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, patch_id, asset_ids, strategy, strategy_params, status,
		       total_assets, successful_assets, failed_assets, results,
		       error_message, created_by, started_at, completed_at,
		       created_at, updated_at
		FROM deployments
		WHERE status IN ('pending', 'in_progress')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deployment rows failed: %w", err)
	}
	return out, nil
}

// scanDeployment reads one deployment row.
func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var (
		d        models.Deployment
		assetIDs []string
		results  []byte
	)

	err := row.Scan(
		&d.ID, &d.PatchID, &assetIDs, &d.Strategy, &d.StrategyParams, &d.Status,
		&d.TotalAssets, &d.SuccessfulAssets, &d.FailedAssets, &results,
		&d.ErrorMessage, &d.CreatedBy, &d.StartedAt, &d.CompletedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.AssetIDs = pq.StringArray(assetIDs)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &d.Results); err != nil {
			return nil, fmt.Errorf("failed to decode deployment results: %w", err)
		}
	}
	return &d, nil
}

// AppendDeploymentEvent implements Store.
func (s *Postgres) AppendDeploymentEvent(ctx context.Context, ev *models.DeploymentEvent) error {
	err := s.db.Exec(ctx, `
		INSERT INTO deployment_events (
			id, type, deployment_id, patch_id, strategy, asset_count,
			status, duration_ms, data, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.ID, ev.Type, ev.DeploymentID, ev.PatchID, ev.Strategy, ev.AssetCount,
		ev.Status, ev.DurationMS, ev.Data, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append deployment event: %w", err)
	}
	return nil
}

// ListDeploymentEvents implements Store.
func (s *Postgres) ListDeploymentEvents(ctx context.Context, since time.Time) ([]*models.DeploymentEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, deployment_id, patch_id, strategy, asset_count,
		       status, duration_ms, data, timestamp
		FROM deployment_events
		WHERE timestamp >= $1
		ORDER BY timestamp
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment events: %w", err)
	}
	defer rows.Close()

	var out []*models.DeploymentEvent
	for rows.Next() {
		var ev models.DeploymentEvent
		if err := rows.Scan(
			&ev.ID, &ev.Type, &ev.DeploymentID, &ev.PatchID, &ev.Strategy, &ev.AssetCount,
			&ev.Status, &ev.DurationMS, &ev.Data, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deployment event: %w", err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deployment event rows failed: %w", err)
	}
	return out, nil
}

// WriteAuditEntry implements Store.
func (s *Postgres) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	err := s.db.Exec(ctx, `
		INSERT INTO audit_log (id, actor, action, target_id, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Actor, entry.Action, entry.TargetID, entry.Detail, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}
