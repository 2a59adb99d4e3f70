// Package store contains the database layer for flowplane.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a tenant in the multi-tenant system.
// All operations must be scoped by TenantID. Quota limits live on the
// tenant record; a limit of 0 means unlimited.
type Tenant struct {
	ID              uuid.UUID
	Name            string
	DailyLimit      int
	MonthlyLimit    int
	ConcurrentLimit int
	RateLimit       float64
	RateLimitBurst  int
	CreatedAt       time.Time
}

// Pipeline is a persisted pipeline definition submitted by a tenant.
// Spec holds the YAML-encoded step list; Schedule, when set, is a standard
// 5-field cron expression evaluated in Timezone.
type Pipeline struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Spec       []byte
	Schedule   *string
	Timezone   string
	MaxRetries int
	CreatedAt  time.Time
}

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents a single execution instance of a pipeline.
// QuotaReleased guards the concurrent-quota decrement so a run can never
// give back its slot more than once.
type Run struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	PipelineID    uuid.UUID
	Status        RunStatus
	RetryCount    int
	MaxRetries    int
	QuotaReleased bool
	ErrorMessage  *string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
}

// StepStatus represents the state of a single step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// StepExecution is the per-run, per-step record. It is immutable once the
// status is COMPLETED or FAILED.
type StepExecution struct {
	RunID        uuid.UUID
	StepID       string
	Status       StepStatus
	AttemptCount int
	StartedAt    *time.Time
	EndedAt      *time.Time
	Output       []byte
	ErrorMessage *string
}

// Lock is the exclusive execution claim for a (tenant, pipeline) pair.
// At most one Lock row may exist per key; that is the core mutual-exclusion
// invariant of the platform.
type Lock struct {
	TenantID    uuid.UUID
	PipelineID  uuid.UUID
	HolderRunID uuid.UUID
	AcquiredAt  time.Time
}

// QuotaCounters tracks per-tenant admission counters. ConcurrentRunning must
// never go negative and, outside crash windows, equals the number of RUNNING
// runs for the tenant.
type QuotaCounters struct {
	TenantID          uuid.UUID
	Day               string // YYYY-MM-DD
	Month             string // YYYY-MM
	RunsToday         int
	RunsMonth         int
	ConcurrentRunning int
}

// QuotaLimits are the admission limits checked by Reserve. Zero means
// unlimited for that dimension.
type QuotaLimits struct {
	Daily      int
	Monthly    int
	Concurrent int
}

// QueueState represents the state of a queue entry. Transitions are
// one-directional: QUEUED -> PROCESSING -> COMPLETED|FAILED.
type QueueState string

const (
	QueueStateQueued     QueueState = "QUEUED"
	QueueStateProcessing QueueState = "PROCESSING"
	QueueStateCompleted  QueueState = "COMPLETED"
	QueueStateFailed     QueueState = "FAILED"
)

// QueueEntry corresponds 1:1 to a Run while it is queued or processing.
type QueueEntry struct {
	RunID      uuid.UUID
	Priority   int
	State      QueueState
	WorkerID   *string
	EnqueuedAt time.Time
}
