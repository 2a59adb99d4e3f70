package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

const runColumns = "id, tenant_id, pipeline_id, status, retry_count, max_retries, quota_released, error_message, created_at, started_at, ended_at"

func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	query := `
		INSERT INTO runs (id, tenant_id, pipeline_id, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, query,
		run.ID,
		run.TenantID,
		run.PipelineID,
		run.Status,
		run.RetryCount,
		run.MaxRetries,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"

	var r store.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID,
		&r.TenantID,
		&r.PipelineID,
		&r.Status,
		&r.RetryCount,
		&r.MaxRetries,
		&r.QuotaReleased,
		&r.ErrorMessage,
		&r.CreatedAt,
		&r.StartedAt,
		&r.EndedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.RunStatus, errMsg *string) error {
	query := `
		UPDATE runs SET
			status = $2,
			started_at = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			ended_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN COALESCE(ended_at, NOW()) ELSE ended_at END,
			error_message = COALESCE($3, error_message)
		WHERE id = $1
	`

	executor := s.getExecutor(tx)
	res, err := executor.ExecContext(ctx, query, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update run %s to %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CancelRun(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE runs SET status = 'CANCELLED', ended_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish "already terminal" from "no such run".
	var exists bool
	err = s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) CountRunningRuns(ctx context.Context, tx store.DBTransaction, tenantID uuid.UUID) (int64, error) {
	executor := s.getExecutor(tx)

	var n int64
	err := executor.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND status = 'RUNNING'", tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running runs for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

func (s *Store) LastRunCreatedAt(ctx context.Context, pipelineID uuid.UUID) (*time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM runs WHERE pipeline_id = $1", pipelineID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to read last run time for pipeline %s: %w", pipelineID, err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

func (s *Store) SaveStepExecution(ctx context.Context, se *store.StepExecution) error {
	query := `
		INSERT INTO step_executions (run_id, step_id, status, attempt_count, started_at, ended_at, output, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			started_at = COALESCE(step_executions.started_at, EXCLUDED.started_at),
			ended_at = EXCLUDED.ended_at,
			output = EXCLUDED.output,
			error_message = EXCLUDED.error_message
	`

	_, err := s.db.ExecContext(ctx, query,
		se.RunID,
		se.StepID,
		se.Status,
		se.AttemptCount,
		se.StartedAt,
		se.EndedAt,
		se.Output,
		se.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %s of run %s: %w", se.StepID, se.RunID, err)
	}
	return nil
}

func (s *Store) ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]store.StepExecution, error) {
	query := `
		SELECT run_id, step_id, status, attempt_count, started_at, ended_at, output, error_message
		FROM step_executions
		WHERE run_id = $1
		ORDER BY step_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []store.StepExecution
	for rows.Next() {
		var se store.StepExecution
		if err := rows.Scan(
			&se.RunID,
			&se.StepID,
			&se.Status,
			&se.AttemptCount,
			&se.StartedAt,
			&se.EndedAt,
			&se.Output,
			&se.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}
