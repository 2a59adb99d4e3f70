package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a state-machine transition is
// attempted out of order (e.g. completing a queue entry that is not
// PROCESSING). Callers must log it as an invariant violation, never
// swallow it.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TenantStore handles tenant records and API-key authentication lookups.
type TenantStore interface {
	// CreateTenant inserts a new tenant to the database.
	CreateTenant(ctx context.Context, tenant *Tenant, hashedKey string) error

	// GetTenantByID returns a tenant by its ID.
	GetTenantByID(ctx context.Context, id uuid.UUID) (*Tenant, error)

	// GetTenantByAPIKeyHash returns a tenant by its API key hash.
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)
}

// PipelineStore handles the persistence of pipeline definitions.
type PipelineStore interface {
	// CreatePipeline inserts a new pipeline definition.
	CreatePipeline(ctx context.Context, tx DBTransaction, p *Pipeline) error

	// GetPipelineByID returns a pipeline by its ID.
	GetPipelineByID(ctx context.Context, id uuid.UUID) (*Pipeline, error)

	// ListScheduledPipelines returns every pipeline with a non-empty
	// cron schedule. Used by the scheduler loop.
	ListScheduledPipelines(ctx context.Context) ([]Pipeline, error)
}

// RunStore handles run lifecycle and per-step execution records.
type RunStore interface {
	// CreateRun inserts the initial PENDING state of a new run.
	CreateRun(ctx context.Context, tx DBTransaction, run *Run) error

	// GetRunByID returns a run by its ID.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// UpdateRunStatus transitions a run to the given status, stamping
	// started_at/ended_at as appropriate. errMsg is attached on failure.
	UpdateRunStatus(ctx context.Context, tx DBTransaction, id uuid.UUID, status RunStatus, errMsg *string) error

	// CancelRun marks a PENDING or RUNNING run CANCELLED. Returns false
	// when the run was already terminal.
	CancelRun(ctx context.Context, id uuid.UUID) (bool, error)

	// CountRunningRuns returns the number of runs currently RUNNING for a
	// tenant. Used by quota reconciliation.
	CountRunningRuns(ctx context.Context, tx DBTransaction, tenantID uuid.UUID) (int64, error)

	// LastRunCreatedAt returns the created_at of the most recent run of a
	// pipeline, or nil when the pipeline has never run.
	LastRunCreatedAt(ctx context.Context, pipelineID uuid.UUID) (*time.Time, error)

	// SaveStepExecution upserts a per-run, per-step record.
	SaveStepExecution(ctx context.Context, se *StepExecution) error

	// ListStepExecutions returns all step records for a run.
	ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]StepExecution, error)
}

// LockStore is the atomic conditional create/delete contract backing the
// run lock manager. Implementations must guarantee compare-and-set
// semantics per (tenant_id, pipeline_id) key across instances.
type LockStore interface {
	// AcquireLock creates the Lock for the key if none exists and reports
	// granted=true. When a Lock already exists it reports granted=false
	// together with the existing holder's run ID.
	AcquireLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (granted bool, holder uuid.UUID, err error)

	// ReleaseLock deletes the Lock only when holder_run_id matches runID.
	// Returns whether a lock was actually released.
	ReleaseLock(ctx context.Context, tenantID, pipelineID, runID uuid.UUID) (bool, error)

	// ListLocksOlderThan returns locks acquired before the cutoff. Used by
	// the staleness sweeper.
	ListLocksOlderThan(ctx context.Context, cutoff time.Time) ([]Lock, error)

	// ForceReleaseLock deletes the Lock regardless of holder. Reserved for
	// staleness reclamation.
	ForceReleaseLock(ctx context.Context, tenantID, pipelineID uuid.UUID) error
}

// QuotaStore holds per-tenant admission counters. Reserve and
// ReleaseConcurrent must be atomic per tenant; many tenants proceed
// concurrently but one tenant's counters serialize.
type QuotaStore interface {
	// ReserveQuota atomically checks runs_today/runs_month/concurrent_running
	// against limits and increments all three when every check passes.
	// When rejected, exceeded names the limit that failed
	// ("daily", "monthly" or "concurrent").
	ReserveQuota(ctx context.Context, tenantID uuid.UUID, limits QuotaLimits, now time.Time) (granted bool, exceeded string, err error)

	// ReleaseConcurrentQuota decrements concurrent_running for the tenant,
	// at most once per run (guarded by the run's quota_released flag).
	ReleaseConcurrentQuota(ctx context.Context, tenantID, runID uuid.UUID) error

	// ReconcileConcurrentQuota corrects concurrent_running to the actual
	// count of RUNNING and PENDING runs for the tenant. Self-healing for
	// counters left behind by crashed runs.
	ReconcileConcurrentQuota(ctx context.Context, tenantID uuid.UUID, now time.Time) error

	// GetQuotaCounters returns the current counters for a tenant, rolled
	// forward to now's day and month.
	GetQuotaCounters(ctx context.Context, tenantID uuid.UUID, now time.Time) (*QuotaCounters, error)
}
