package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// AcquireLock attempts the conditional insert in a single round trip. The
// no-op DO UPDATE makes the statement return a row in both outcomes: on a
// fresh insert xmax is zero and the returned holder is ours; on conflict
// the existing row (and its holder) comes back untouched.
func (s *Store) AcquireLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, uuid.UUID, error) {
	query := `
		INSERT INTO run_locks AS l (tenant_id, pipeline_id, holder_run_id, acquired_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, pipeline_id) DO UPDATE SET holder_run_id = l.holder_run_id
		RETURNING holder_run_id, (xmax = 0) AS inserted
	`

	var holder uuid.UUID
	var inserted bool
	err := s.db.QueryRowContext(ctx, query, tenantID, pipelineID, runID).Scan(&holder, &inserted)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("failed to acquire lock %s/%s: %w", tenantID, pipelineID, err)
	}
	return inserted, holder, nil
}

func (s *Store) ReleaseLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, error) {
	query := `
		DELETE FROM run_locks
		WHERE tenant_id = $1 AND pipeline_id = $2 AND holder_run_id = $3
	`

	res, err := s.db.ExecContext(ctx, query, tenantID, pipelineID, runID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s/%s: %w", tenantID, pipelineID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ListLocksOlderThan(ctx context.Context, cutoff time.Time) ([]store.Lock, error) {
	query := `
		SELECT tenant_id, pipeline_id, holder_run_id, acquired_at
		FROM run_locks
		WHERE acquired_at < $1
	`

	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale locks: %w", err)
	}
	defer rows.Close()

	var out []store.Lock
	for rows.Next() {
		var l store.Lock
		if err := rows.Scan(&l.TenantID, &l.PipelineID, &l.HolderRunID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ForceReleaseLock(ctx context.Context, tenantID, pipelineID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM run_locks WHERE tenant_id = $1 AND pipeline_id = $2", tenantID, pipelineID)
	if err != nil {
		return fmt.Errorf("failed to force-release lock %s/%s: %w", tenantID, pipelineID, err)
	}
	return nil
}
