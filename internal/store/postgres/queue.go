package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// Enqueue adds a run to the queue. Called inside the submission transaction
// so the run record and its queue entry land together.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, payload json.RawMessage, priority int) error {
	query := `
		INSERT INTO run_queue (run_id, priority, state, payload)
		VALUES ($1, $2, 'QUEUED', $3)
	`

	executor := s.getExecutor(tx)
	if _, err := executor.ExecContext(ctx, query, runID, priority, payload); err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}
	return nil
}

// DequeueNext atomically claims the highest-priority, oldest QUEUED entry
// using SELECT ... FOR UPDATE SKIP LOCKED and flips the run to RUNNING in
// the same transaction. Returns nil when the queue is empty.
func (s *Store) DequeueNext(ctx context.Context, workerID string) (*store.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var item store.QueueItem
	err = tx.QueryRowContext(ctx, `
		SELECT run_id, priority, payload
		FROM run_queue
		WHERE state = 'QUEUED'
		ORDER BY priority DESC, enqueued_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&item.RunID, &item.Priority, &item.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE run_queue SET state = 'PROCESSING', worker_id = $1 WHERE run_id = $2
	`, workerID, item.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue entry for run %s: %w", item.RunID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = 'RUNNING', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status = 'PENDING'
	`, item.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to start run %s: %w", item.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &item, nil
}

// CompleteEntry moves a PROCESSING entry to COMPLETED or FAILED. Any other
// transition is rejected with ErrInvalidTransition.
func (s *Store) CompleteEntry(ctx context.Context, runID uuid.UUID, state store.QueueState) error {
	if state != store.QueueStateCompleted && state != store.QueueStateFailed {
		return fmt.Errorf("%w: %s is not a terminal queue state", store.ErrInvalidTransition, state)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE run_queue SET state = $1 WHERE run_id = $2 AND state = 'PROCESSING'", state, runID)
	if err != nil {
		return fmt.Errorf("failed to complete queue entry for run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current store.QueueState
	err = s.db.QueryRowContext(ctx,
		"SELECT state FROM run_queue WHERE run_id = $1", runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: queue entry for run %s is %s, not PROCESSING", store.ErrInvalidTransition, runID, current)
}

// CountQueued returns the queue depth. Exported as a gauge.
func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM run_queue WHERE state = 'QUEUED'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued runs: %w", err)
	}
	return n, nil
}
