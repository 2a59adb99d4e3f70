// Package memory implements the store interfaces with mutex-guarded maps.
// It provides the same atomic conditional create/update semantics as the
// postgres store for single-instance deployments and tests, where a
// process-local map is a correct source of truth.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"sync"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

type lockKey struct {
	tenantID   uuid.UUID
	pipelineID uuid.UUID
}

type queueEntry struct {
	entry   store.QueueEntry
	payload json.RawMessage
	seq     int64
}

// Store is an in-memory implementation of every store interface. A single
// mutex serializes all mutations; the dataset is small enough that finer
// locking buys nothing.
type Store struct {
	mu        sync.Mutex
	seq       int64
	tenants   map[uuid.UUID]*store.Tenant
	apiKeys   map[string]uuid.UUID
	pipelines map[uuid.UUID]*store.Pipeline
	runs      map[uuid.UUID]*store.Run
	steps     map[uuid.UUID]map[string]*store.StepExecution
	locks     map[lockKey]*store.Lock
	quotas    map[uuid.UUID]*store.QuotaCounters
	queue     map[uuid.UUID]*queueEntry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:   make(map[uuid.UUID]*store.Tenant),
		apiKeys:   make(map[string]uuid.UUID),
		pipelines: make(map[uuid.UUID]*store.Pipeline),
		runs:      make(map[uuid.UUID]*store.Run),
		steps:     make(map[uuid.UUID]map[string]*store.StepExecution),
		locks:     make(map[lockKey]*store.Lock),
		quotas:    make(map[uuid.UUID]*store.QuotaCounters),
		queue:     make(map[uuid.UUID]*queueEntry),
	}
}

// noopTx satisfies store.Tx for callers written against the transactional
// contract. The memory store applies every mutation immediately.
type noopTx struct{}

func (noopTx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (noopTx) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (noopTx) QueryRowContext(context.Context, string, ...interface{}) *sql.Row {
	return nil
}
func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }

// BeginTx returns a no-op transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	return noopTx{}, nil
}

// Ping reports the store as always reachable.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close releases nothing.
func (s *Store) Close() error { return nil }

// --- TenantStore ---

func (s *Store) CreateTenant(ctx context.Context, tenant *store.Tenant, hashedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[tenant.ID]; exists {
		return fmt.Errorf("tenant %s already exists", tenant.ID)
	}
	t := *tenant
	s.tenants[tenant.ID] = &t
	s.apiKeys[hashedKey] = tenant.ID
	return nil
}

func (s *Store) GetTenantByID(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *Store) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.apiKeys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s.tenants[id]
	return &out, nil
}

// --- PipelineStore ---

func (s *Store) CreatePipeline(ctx context.Context, tx store.DBTransaction, p *store.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *Store) GetPipelineByID(ctx context.Context, id uuid.UUID) (*store.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) ListScheduledPipelines(ctx context.Context) ([]store.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Pipeline
	for _, p := range s.pipelines {
		if p.Schedule != nil && *p.Schedule != "" {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, tx store.DBTransaction, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	if status == store.RunStatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if status.Terminal() && r.EndedAt == nil {
		r.EndedAt = &now
	}
	if errMsg != nil {
		msg := *errMsg
		r.ErrorMessage = &msg
	}
	return nil
}

func (s *Store) CancelRun(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = store.RunStatusCancelled
	r.EndedAt = &now
	return true, nil
}

func (s *Store) CountRunningRuns(ctx context.Context, tx store.DBTransaction, tenantID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRunningLocked(tenantID), nil
}

func (s *Store) countRunningLocked(tenantID uuid.UUID) int64 {
	var n int64
	for _, r := range s.runs {
		if r.TenantID == tenantID && r.Status == store.RunStatusRunning {
			n++
		}
	}
	return n
}

// countHoldingQuotaLocked counts runs that still hold a concurrent slot:
// non-terminal, or terminal but not yet released.
func (s *Store) countHoldingQuotaLocked(tenantID uuid.UUID) int {
	n := 0
	for _, r := range s.runs {
		if r.TenantID == tenantID && !r.QuotaReleased &&
			(r.Status == store.RunStatusPending || r.Status == store.RunStatusRunning) {
			n++
		}
	}
	return n
}

func (s *Store) LastRunCreatedAt(ctx context.Context, pipelineID uuid.UUID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, r := range s.runs {
		if r.PipelineID != pipelineID {
			continue
		}
		if last == nil || r.CreatedAt.After(*last) {
			t := r.CreatedAt
			last = &t
		}
	}
	return last, nil
}

func (s *Store) SaveStepExecution(ctx context.Context, se *store.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perRun, ok := s.steps[se.RunID]
	if !ok {
		perRun = make(map[string]*store.StepExecution)
		s.steps[se.RunID] = perRun
	}
	cp := *se
	if existing, ok := perRun[se.StepID]; ok && cp.StartedAt == nil {
		cp.StartedAt = existing.StartedAt
	}
	perRun[se.StepID] = &cp
	return nil
}

func (s *Store) ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.StepExecution
	for _, se := range s.steps[runID] {
		out = append(out, *se)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// --- LockStore ---

func (s *Store) AcquireLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey{tenantID, pipelineID}
	if existing, ok := s.locks[key]; ok {
		return false, existing.HolderRunID, nil
	}
	s.locks[key] = &store.Lock{
		TenantID:    tenantID,
		PipelineID:  pipelineID,
		HolderRunID: runID,
		AcquiredAt:  time.Now().UTC(),
	}
	return true, runID, nil
}

func (s *Store) ReleaseLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey{tenantID, pipelineID}
	existing, ok := s.locks[key]
	if !ok || existing.HolderRunID != runID {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *Store) ListLocksOlderThan(ctx context.Context, cutoff time.Time) ([]store.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Lock
	for _, l := range s.locks {
		if l.AcquiredAt.Before(cutoff) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *Store) ForceReleaseLock(ctx context.Context, tenantID, pipelineID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey{tenantID, pipelineID})
	return nil
}

// --- QuotaStore ---

// countersLocked returns the tenant's counters rolled forward to now.
func (s *Store) countersLocked(tenantID uuid.UUID, now time.Time) *store.QuotaCounters {
	day := now.UTC().Format("2006-01-02")
	month := now.UTC().Format("2006-01")
	c, ok := s.quotas[tenantID]
	if !ok {
		c = &store.QuotaCounters{TenantID: tenantID, Day: day, Month: month}
		s.quotas[tenantID] = c
	}
	if c.Day != day {
		c.Day = day
		c.RunsToday = 0
	}
	if c.Month != month {
		c.Month = month
		c.RunsMonth = 0
	}
	return c
}

func (s *Store) ReserveQuota(ctx context.Context, tenantID uuid.UUID, limits store.QuotaLimits, now time.Time) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.countersLocked(tenantID, now)

	if limits.Daily > 0 && c.RunsToday >= limits.Daily {
		return false, "daily", nil
	}
	if limits.Monthly > 0 && c.RunsMonth >= limits.Monthly {
		return false, "monthly", nil
	}
	if limits.Concurrent > 0 && c.ConcurrentRunning >= limits.Concurrent {
		return false, "concurrent", nil
	}

	c.RunsToday++
	c.RunsMonth++
	c.ConcurrentRunning++
	return true, "", nil
}

func (s *Store) ReleaseConcurrentQuota(ctx context.Context, tenantID, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if r.QuotaReleased {
		return nil
	}
	r.QuotaReleased = true
	// The concurrent counter has no time bucket; release decrements in
	// place and never rolls day/month buckets the way reservation does.
	if c, ok := s.quotas[tenantID]; ok && c.ConcurrentRunning > 0 {
		c.ConcurrentRunning--
	}
	return nil
}

func (s *Store) ReconcileConcurrentQuota(ctx context.Context, tenantID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.countersLocked(tenantID, now)
	actual := s.countHoldingQuotaLocked(tenantID)
	if c.ConcurrentRunning != actual {
		c.ConcurrentRunning = actual
	}
	return nil
}

func (s *Store) GetQuotaCounters(ctx context.Context, tenantID uuid.UUID, now time.Time) (*store.QuotaCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.countersLocked(tenantID, now)
	return &out, nil
}

// --- Queue ---

func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, runID uuid.UUID, payload json.RawMessage, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[runID]; exists {
		return fmt.Errorf("run %s already enqueued", runID)
	}
	s.seq++
	s.queue[runID] = &queueEntry{
		entry: store.QueueEntry{
			RunID:      runID,
			Priority:   priority,
			State:      store.QueueStateQueued,
			EnqueuedAt: time.Now().UTC(),
		},
		payload: payload,
		seq:     s.seq,
	}
	return nil
}

func (s *Store) DequeueNext(ctx context.Context, workerID string) (*store.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *queueEntry
	for _, qe := range s.queue {
		if qe.entry.State != store.QueueStateQueued {
			continue
		}
		if best == nil ||
			qe.entry.Priority > best.entry.Priority ||
			(qe.entry.Priority == best.entry.Priority && qe.seq < best.seq) {
			best = qe
		}
	}
	if best == nil {
		return nil, nil
	}

	best.entry.State = store.QueueStateProcessing
	wid := workerID
	best.entry.WorkerID = &wid

	if r, ok := s.runs[best.entry.RunID]; ok && r.Status == store.RunStatusPending {
		now := time.Now().UTC()
		r.Status = store.RunStatusRunning
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	}

	return &store.QueueItem{
		RunID:    best.entry.RunID,
		Priority: best.entry.Priority,
		Payload:  best.payload,
	}, nil
}

func (s *Store) CompleteEntry(ctx context.Context, runID uuid.UUID, state store.QueueState) error {
	if state != store.QueueStateCompleted && state != store.QueueStateFailed {
		return fmt.Errorf("%w: %s is not a terminal queue state", store.ErrInvalidTransition, state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	qe, ok := s.queue[runID]
	if !ok {
		return store.ErrNotFound
	}
	if qe.entry.State != store.QueueStateProcessing {
		return fmt.Errorf("%w: queue entry for run %s is %s, not PROCESSING", store.ErrInvalidTransition, runID, qe.entry.State)
	}
	qe.entry.State = state
	return nil
}

func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, qe := range s.queue {
		if qe.entry.State == store.QueueStateQueued {
			n++
		}
	}
	return n, nil
}
