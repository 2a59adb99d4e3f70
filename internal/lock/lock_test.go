package lock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
	"flowplane/internal/store/memory"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(s, s, logger), s
}

func TestAcquire_SingleGrantAcrossConcurrentCallers(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()

	const n = 1000
	var wg sync.WaitGroup
	grants := make([]bool, n)
	holders := make([]uuid.UUID, n)
	runIDs := make([]uuid.UUID, n)
	for i := range runIDs {
		runIDs[i] = uuid.New()
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted, holder, err := m.Acquire(ctx, tenantID, pipelineID, runIDs[i])
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			grants[i] = granted
			holders[i] = holder
		}(i)
	}
	wg.Wait()

	grantedCount := 0
	var winner uuid.UUID
	for i := range grants {
		if grants[i] {
			grantedCount++
			winner = runIDs[i]
		}
	}
	if grantedCount != 1 {
		t.Fatalf("got %d grants, want exactly 1", grantedCount)
	}
	for i := range holders {
		if holders[i] != winner {
			t.Fatalf("caller %d saw holder %s, want %s", i, holders[i], winner)
		}
	}
}

func TestAcquire_DuplicateSubmissionNamesHolder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	first := uuid.New()

	granted, _, err := m.Acquire(ctx, tenantID, pipelineID, first)
	if err != nil || !granted {
		t.Fatalf("first acquire: granted=%v err=%v", granted, err)
	}

	granted, holder, err := m.Acquire(ctx, tenantID, pipelineID, uuid.New())
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if granted {
		t.Fatal("duplicate submission was granted")
	}
	if holder != first {
		t.Errorf("got holder %s, want %s", holder, first)
	}
}

func TestRelease_OnlyHolderClears(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	holder := uuid.New()

	if granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, holder); !granted {
		t.Fatal("acquire not granted")
	}

	// A stranger's release must not clear the lock.
	if err := m.Release(ctx, tenantID, pipelineID, uuid.New()); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	granted, existing, _ := m.Acquire(ctx, tenantID, pipelineID, uuid.New())
	if granted {
		t.Fatal("lock was cleared by a non-holder release")
	}
	if existing != holder {
		t.Errorf("holder changed to %s", existing)
	}

	// The holder's release frees the key for the next run.
	if err := m.Release(ctx, tenantID, pipelineID, holder); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	next := uuid.New()
	granted, _, _ = m.Acquire(ctx, tenantID, pipelineID, next)
	if !granted {
		t.Error("acquire after release not granted")
	}
}

func TestRelease_RecoversAfterRemoteForceRelease(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	first := uuid.New()

	if granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, first); !granted {
		t.Fatal("acquire not granted")
	}

	// Another instance's sweeper reclaims the lock behind this manager's
	// back, so the holder's own release finds nothing to clear.
	if err := s.ForceReleaseLock(ctx, tenantID, pipelineID); err != nil {
		t.Fatalf("ForceReleaseLock failed: %v", err)
	}
	if err := m.Release(ctx, tenantID, pipelineID, first); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The key must be free here: a stale fast-path entry would reject the
	// next submission naming a run that no longer holds anything.
	granted, holder, err := m.Acquire(ctx, tenantID, pipelineID, uuid.New())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !granted {
		t.Fatalf("acquire rejected after remote force-release, cached holder %s", holder)
	}
}

func TestSweepStale_ReclaimsCrashedRunLock(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	crashedRun := uuid.New()

	// A PENDING run whose process died while holding the lock.
	run := &store.Run{
		ID: crashedRun, TenantID: tenantID, PipelineID: pipelineID,
		Status: store.RunStatusPending, CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := s.CreateRun(ctx, nil, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, crashedRun); !granted {
		t.Fatal("acquire not granted")
	}

	// Locks only become stale after the max run duration; a negative
	// cutoff ages the lock out immediately.
	reclaimed, err := m.SweepStale(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed %d locks, want 1", reclaimed)
	}

	got, _ := s.GetRunByID(ctx, crashedRun)
	if got.Status != store.RunStatusFailed {
		t.Errorf("stale run status = %s, want FAILED", got.Status)
	}

	// The key is free again.
	granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, uuid.New())
	if !granted {
		t.Error("key still held after reclamation")
	}
}

func TestSweepStale_LeavesRunningRunsAlone(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	runID := uuid.New()

	run := &store.Run{
		ID: runID, TenantID: tenantID, PipelineID: pipelineID,
		Status: store.RunStatusRunning, CreatedAt: time.Now(),
	}
	if err := s.CreateRun(ctx, nil, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, runID); !granted {
		t.Fatal("acquire not granted")
	}

	reclaimed, err := m.SweepStale(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("reclaimed %d locks for a genuinely RUNNING run, want 0", reclaimed)
	}

	granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, uuid.New())
	if granted {
		t.Error("lock of a RUNNING run was reclaimed")
	}
}

func TestSweepStale_FreshLocksUntouched(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	tenantID := uuid.New()
	pipelineID := uuid.New()
	runID := uuid.New()

	run := &store.Run{
		ID: runID, TenantID: tenantID, PipelineID: pipelineID,
		Status: store.RunStatusPending, CreatedAt: time.Now(),
	}
	if err := s.CreateRun(ctx, nil, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if granted, _, _ := m.Acquire(ctx, tenantID, pipelineID, runID); !granted {
		t.Fatal("acquire not granted")
	}

	reclaimed, err := m.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("reclaimed %d fresh locks, want 0", reclaimed)
	}
}
