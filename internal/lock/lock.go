// Package lock grants and releases the exclusive execution claim per
// (tenant, pipeline) pair. The durable LockStore is the source of truth
// across instances; a process-local holder map short-circuits same-instance
// contention before paying the store round-trip.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

type key struct {
	tenantID   uuid.UUID
	pipelineID uuid.UUID
}

// Manager implements the run lock protocol on top of a LockStore.
type Manager struct {
	locks  store.LockStore
	runs   store.RunStore
	logger *slog.Logger

	mu    sync.Mutex
	local map[key]uuid.UUID // fast path: holders acquired by this instance
}

// NewManager creates a lock manager.
func NewManager(locks store.LockStore, runs store.RunStore, logger *slog.Logger) *Manager {
	return &Manager{
		locks:  locks,
		runs:   runs,
		logger: logger,
		local:  make(map[key]uuid.UUID),
	}
}

// Acquire claims the (tenant, pipeline) key for runID. When the key is
// already held it returns granted=false and the existing holder; that is
// the platform's sole duplicate-submission defense, so contenders are
// rejected, never queued. Store failures propagate as errors and never
// grant: rejecting a run beats double-executing it.
func (m *Manager) Acquire(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, uuid.UUID, error) {
	k := key{tenantID, pipelineID}

	m.mu.Lock()
	if holder, held := m.local[k]; held {
		m.mu.Unlock()
		return false, holder, nil
	}
	m.mu.Unlock()

	granted, holder, err := m.locks.AcquireLock(ctx, tenantID, pipelineID, runID)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("lock acquire for %s/%s: %w", tenantID, pipelineID, err)
	}
	if !granted {
		return false, holder, nil
	}

	m.mu.Lock()
	m.local[k] = runID
	m.mu.Unlock()

	m.logger.Info("run lock acquired",
		"tenant_id", tenantID, "pipeline_id", pipelineID, "run_id", runID)
	return true, runID, nil
}

// Release clears the claim only when runID matches the current holder, so
// a delayed or duplicate release from one run can never clear another's
// lock.
func (m *Manager) Release(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) error {
	// Drop the fast-path entry before talking to the store. The store is
	// authoritative: if the remote release fails, or another instance's
	// sweeper already force-released the lock, a cached holder kept past
	// this point would make every later Acquire on this instance report a
	// finished run as the holder. Losing the fast path costs one store
	// round trip on the next Acquire.
	m.mu.Lock()
	if holder, held := m.local[key{tenantID, pipelineID}]; held && holder == runID {
		delete(m.local, key{tenantID, pipelineID})
	}
	m.mu.Unlock()

	released, err := m.locks.ReleaseLock(ctx, tenantID, pipelineID, runID)
	if err != nil {
		return fmt.Errorf("lock release for %s/%s: %w", tenantID, pipelineID, err)
	}
	if !released {
		m.logger.Warn("release skipped, caller is not the holder",
			"tenant_id", tenantID, "pipeline_id", pipelineID, "run_id", runID)
		return nil
	}

	m.logger.Info("run lock released",
		"tenant_id", tenantID, "pipeline_id", pipelineID, "run_id", runID)
	return nil
}

// SweepStale force-releases locks older than maxRunDuration whose holder
// run is no longer actually RUNNING, and marks the stale run FAILED.
// Processes crash while holding locks; this bounds how long such a crash
// blocks the pipeline.
func (m *Manager) SweepStale(ctx context.Context, maxRunDuration time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxRunDuration)
	stale, err := m.locks.ListLocksOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale locks: %w", err)
	}

	reclaimed := 0
	for _, l := range stale {
		run, err := m.runs.GetRunByID(ctx, l.HolderRunID)
		if err != nil && err != store.ErrNotFound {
			m.logger.Error("sweep: failed to load holder run",
				"run_id", l.HolderRunID, "error", err)
			continue
		}
		if run != nil && run.Status == store.RunStatusRunning {
			// Long-running but alive; not stale.
			continue
		}

		if err := m.locks.ForceReleaseLock(ctx, l.TenantID, l.PipelineID); err != nil {
			m.logger.Error("sweep: failed to force-release lock",
				"tenant_id", l.TenantID, "pipeline_id", l.PipelineID, "error", err)
			continue
		}
		m.mu.Lock()
		delete(m.local, key{l.TenantID, l.PipelineID})
		m.mu.Unlock()

		if run != nil && !run.Status.Terminal() {
			msg := fmt.Sprintf("stale lock reclaimed after %s", maxRunDuration)
			if err := m.runs.UpdateRunStatus(ctx, nil, run.ID, store.RunStatusFailed, &msg); err != nil {
				m.logger.Error("sweep: failed to fail stale run",
					"run_id", run.ID, "error", err)
			}
		}

		reclaimed++
		m.logger.Warn("stale lock reclaimed",
			"tenant_id", l.TenantID, "pipeline_id", l.PipelineID,
			"holder_run_id", l.HolderRunID, "acquired_at", l.AcquiredAt)
	}
	return reclaimed, nil
}

// RunSweeper runs SweepStale on a ticker until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxRunDuration time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepStale(ctx, maxRunDuration); err != nil {
				m.logger.Error("stale lock sweep failed", "error", err)
			}
		}
	}
}
