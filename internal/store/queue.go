// Package store contains the database layer for flowplane.
package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Queue defines the interface for the run queue. Entries move through
// QUEUED -> PROCESSING -> COMPLETED|FAILED, never backwards.
// Implementations must make the claim in DequeueNext a single atomic
// operation (postgres: SELECT ... FOR UPDATE SKIP LOCKED) so two workers
// can never claim the same entry.
type Queue interface {
	// Enqueue adds a new QUEUED entry for a run.
	Enqueue(ctx context.Context, tx DBTransaction, runID uuid.UUID, payload json.RawMessage, priority int) error

	// DequeueNext atomically claims the highest-priority, oldest QUEUED
	// entry, transitions it to PROCESSING recording the worker, and flips
	// the run to RUNNING. Returns nil when the queue is empty.
	DequeueNext(ctx context.Context, workerID string) (*QueueItem, error)

	// CompleteEntry transitions PROCESSING -> COMPLETED|FAILED. Any other
	// transition attempt returns ErrInvalidTransition.
	CompleteEntry(ctx context.Context, runID uuid.UUID, state QueueState) error

	// CountQueued tracks the number of QUEUED entries.
	CountQueued(ctx context.Context) (int64, error)
}

// QueueItem represents a claimed entry handed to a worker.
type QueueItem struct {
	RunID    uuid.UUID
	Priority int
	Payload  json.RawMessage
}
