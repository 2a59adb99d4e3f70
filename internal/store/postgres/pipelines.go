package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

const pipelineColumns = "id, tenant_id, name, spec, schedule, timezone, max_retries, created_at"

func (s *Store) CreatePipeline(ctx context.Context, tx store.DBTransaction, p *store.Pipeline) error {
	query := `
		INSERT INTO pipelines (id, tenant_id, name, spec, schedule, timezone, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, query,
		p.ID,
		p.TenantID,
		p.Name,
		p.Spec,
		p.Schedule,
		p.Timezone,
		p.MaxRetries,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPipelineByID(ctx context.Context, id uuid.UUID) (*store.Pipeline, error) {
	query := "SELECT " + pipelineColumns + " FROM pipelines WHERE id = $1"

	var p store.Pipeline
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.Spec,
		&p.Schedule,
		&p.Timezone,
		&p.MaxRetries,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListScheduledPipelines(ctx context.Context) ([]store.Pipeline, error) {
	query := "SELECT " + pipelineColumns + " FROM pipelines WHERE schedule IS NOT NULL AND schedule <> '' ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled pipelines: %w", err)
	}
	defer rows.Close()

	var out []store.Pipeline
	for rows.Next() {
		var p store.Pipeline
		if err := rows.Scan(
			&p.ID,
			&p.TenantID,
			&p.Name,
			&p.Spec,
			&p.Schedule,
			&p.Timezone,
			&p.MaxRetries,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
