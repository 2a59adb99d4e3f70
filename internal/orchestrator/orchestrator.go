// Package orchestrator ties admission, locking, quota and queueing into the
// run lifecycle: submit, cancel, finish.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/errclass"
	"flowplane/internal/lock"
	"flowplane/internal/pipeline"
	"flowplane/internal/quota"
	"flowplane/internal/schedule"
	"flowplane/internal/store"
)

// Submission statuses returned by SubmitRun.
const (
	// StatusPending is returned for a freshly admitted run.
	StatusPending = "PENDING"
	// StatusAlreadyRunning is returned when the pipeline's lock is held.
	// The duplicate submission is rejected, not queued; the returned run ID
	// names the holder.
	StatusAlreadyRunning = "ALREADY_RUNNING"
)

// Priority bounds for queue entries. Out-of-range values are clamped.
const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// Submission is the outcome of SubmitRun.
type Submission struct {
	RunID  uuid.UUID
	Status string
}

// QuotaError reports an admission rejection. It travels wrapped in an
// errclass Quota-class error so callers can both classify it and read the
// details.
type QuotaError struct {
	Exceeded   string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded (%s), retry after %s", e.Exceeded, e.RetryAfter)
}

// RunPayload is the queue payload handed to workers. The worker loads the
// run and pipeline from the store; the payload carries only what is not
// persisted elsewhere.
type RunPayload struct {
	PipelineID uuid.UUID         `json:"pipeline_id"`
	Params     map[string]string `json:"params,omitempty"`
}

// TxBeginner starts store transactions. Satisfied by both the postgres and
// the memory store.
type TxBeginner interface {
	BeginTx(ctx context.Context) (store.Tx, error)
}

// Orchestrator owns the run lifecycle around execution: admission at submit
// time and resource return at finish time.
type Orchestrator struct {
	db        TxBeginner
	tenants   store.TenantStore
	pipelines store.PipelineStore
	runs      store.RunStore
	queue     store.Queue
	locks     *lock.Manager
	quotas    *quota.Manager
	notifier  Notifier
	logger    *slog.Logger
}

// New creates an orchestrator.
func New(
	db TxBeginner,
	tenants store.TenantStore,
	pipelines store.PipelineStore,
	runs store.RunStore,
	queue store.Queue,
	locks *lock.Manager,
	quotas *quota.Manager,
	notifier Notifier,
	logger *slog.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Orchestrator{
		db:        db,
		tenants:   tenants,
		pipelines: pipelines,
		runs:      runs,
		queue:     queue,
		locks:     locks,
		quotas:    quotas,
		notifier:  notifier,
		logger:    logger,
	}
}

// CreatePipeline validates and persists a pipeline definition. The spec is
// parsed and re-encoded with every dependency pinned, so the stored form is
// immune to later reordering surprises.
func (o *Orchestrator) CreatePipeline(ctx context.Context, p *store.Pipeline) (*store.Pipeline, error) {
	def, err := pipeline.ParseDefinition(p.Spec)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.BuildLevels(def); err != nil {
		return nil, errclass.Newf(errclass.Validation, "invalid pipeline graph: %v", err)
	}
	normalized, err := def.Encode()
	if err != nil {
		return nil, err
	}

	if p.Schedule != nil && *p.Schedule != "" {
		if err := schedule.Validate(*p.Schedule, p.Timezone); err != nil {
			return nil, errclass.New(errclass.Validation, err)
		}
	}

	created := *p
	created.Spec = normalized
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if created.Timezone == "" {
		created.Timezone = "UTC"
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	if err := o.pipelines.CreatePipeline(ctx, nil, &created); err != nil {
		return nil, fmt.Errorf("failed to persist pipeline: %w", err)
	}
	o.logger.Info("pipeline created",
		"pipeline_id", created.ID, "tenant_id", created.TenantID,
		"name", created.Name, "scheduled", created.Schedule != nil)
	return &created, nil
}

// SubmitRun admits a new run: lock first (duplicate defense), quota second
// (capacity), then run record and queue entry in one transaction. Rejections
// leave no state behind except consumed daily/monthly quota on the rare
// post-reserve failure paths.
func (o *Orchestrator) SubmitRun(ctx context.Context, tenantID, pipelineID uuid.UUID, params map[string]string, priority int) (*Submission, error) {
	tenant, err := o.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	p, err := o.pipelines.GetPipelineByID(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", pipelineID, err)
	}
	// Cross-tenant probing must look identical to a missing pipeline.
	if p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}

	runID := uuid.New()
	granted, holder, err := o.locks.Acquire(ctx, tenantID, pipelineID, runID)
	if err != nil {
		return nil, err
	}
	if !granted {
		o.logger.Info("submission rejected, pipeline already running",
			"tenant_id", tenantID, "pipeline_id", pipelineID, "holder_run_id", holder)
		return &Submission{RunID: holder, Status: StatusAlreadyRunning}, nil
	}

	decision, err := o.quotas.Reserve(ctx, tenant)
	if err != nil {
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, err
	}
	if !decision.Granted {
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, errclass.New(errclass.Quota, &QuotaError{
			Exceeded:   decision.Exceeded,
			RetryAfter: decision.RetryAfter,
		})
	}

	if priority < MinPriority || priority > MaxPriority {
		priority = DefaultPriority
	}
	payload, err := json.Marshal(RunPayload{PipelineID: pipelineID, Params: params})
	if err != nil {
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, fmt.Errorf("failed to encode run payload: %w", err)
	}

	run := &store.Run{
		ID:         runID,
		TenantID:   tenantID,
		PipelineID: pipelineID,
		Status:     store.RunStatusPending,
		MaxRetries: p.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := o.db.BeginTx(ctx)
	if err != nil {
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, fmt.Errorf("failed to begin submission transaction: %w", err)
	}
	if err := o.runs.CreateRun(ctx, tx, run); err != nil {
		tx.Rollback()
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, tx, runID, payload, priority); err != nil {
		tx.Rollback()
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		o.releaseLock(ctx, tenantID, pipelineID, runID)
		return nil, fmt.Errorf("failed to commit submission: %w", err)
	}

	o.logger.Info("run submitted",
		"run_id", runID, "tenant_id", tenantID, "pipeline_id", pipelineID, "priority", priority)
	return &Submission{RunID: runID, Status: StatusPending}, nil
}

// CancelRun marks a PENDING or RUNNING run CANCELLED. Cancelling an already
// terminal run is a no-op, not an error. A RUNNING run aborts at its next
// level boundary; a PENDING run is skipped when a worker claims it, which is
// also where its lock and quota are returned.
func (o *Orchestrator) CancelRun(ctx context.Context, tenantID, runID uuid.UUID) (*store.Run, error) {
	run, err := o.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, store.ErrNotFound
	}

	cancelled, err := o.runs.CancelRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cancelled {
		o.logger.Info("run cancelled", "run_id", runID, "tenant_id", tenantID)
	}
	return o.runs.GetRunByID(ctx, runID)
}

// GetRun returns a run with its step executions, scoped to the tenant.
func (o *Orchestrator) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*store.Run, []store.StepExecution, error) {
	run, err := o.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.TenantID != tenantID {
		return nil, nil, store.ErrNotFound
	}
	steps, err := o.runs.ListStepExecutions(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// FinishRun returns the resources a run held: queue entry closed, lock
// released, concurrent quota slot given back, event emitted. Every step is
// independent; one failing must not stop the others, so failures are logged
// and swallowed.
func (o *Orchestrator) FinishRun(ctx context.Context, run *store.Run, status store.RunStatus, runErr error) {
	qstate := store.QueueStateCompleted
	if status == store.RunStatusFailed {
		qstate = store.QueueStateFailed
	}
	if err := o.queue.CompleteEntry(ctx, run.ID, qstate); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Error("failed to close queue entry", "run_id", run.ID, "error", err)
	}

	o.releaseLock(ctx, run.TenantID, run.PipelineID, run.ID)

	if err := o.quotas.Release(ctx, run.TenantID, run.ID); err != nil {
		o.logger.Error("failed to release quota", "run_id", run.ID, "error", err)
	}

	ev := RunEvent{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		PipelineID: run.PipelineID,
		Status:     status,
		FinishedAt: time.Now().UTC(),
	}
	if runErr != nil {
		msg := runErr.Error()
		ev.Error = &msg
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Error("failed to deliver run notification", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) releaseLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) {
	if err := o.locks.Release(ctx, tenantID, pipelineID, runID); err != nil {
		o.logger.Error("failed to release run lock",
			"tenant_id", tenantID, "pipeline_id", pipelineID, "run_id", runID, "error", err)
	}
}
