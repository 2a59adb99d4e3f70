// Package quota admits or rejects new runs against per-tenant limits.
// Admission is counter-based and atomic in the QuotaStore; this manager
// layers crash-drift healing and rejection hints on top.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// Exceeded dimension names returned in Decision. They match the values the
// QuotaStore reports and appear verbatim in API responses.
const (
	ExceededDaily      = "daily"
	ExceededMonthly    = "monthly"
	ExceededConcurrent = "concurrent"
)

// concurrentRetryHint is returned for concurrent-limit rejections, where
// the real wait depends on running pipelines we cannot predict.
const concurrentRetryHint = 30 * time.Second

// Decision is the outcome of a reservation attempt. When Granted is false,
// Exceeded names the limit that rejected the run and RetryAfter estimates
// when a retry could succeed.
type Decision struct {
	Granted    bool
	Exceeded   string
	RetryAfter time.Duration
}

// Manager performs quota admission for run submissions. Reserve happens
// before a run record exists; Release happens when the run reaches a
// terminal state and is idempotent.
type Manager struct {
	quotas store.QuotaStore
	runs   store.RunStore
	logger *slog.Logger

	now func() time.Time // test seam
}

// NewManager creates a quota manager.
func NewManager(quotas store.QuotaStore, runs store.RunStore, logger *slog.Logger) *Manager {
	return &Manager{
		quotas: quotas,
		runs:   runs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reserve atomically claims one slot in every dimension of the tenant's
// limits. A run that crashed without releasing leaves concurrent_running
// higher than reality, which would starve the tenant forever; so a
// concurrent-limit rejection triggers one reconcile against actual run
// state followed by a single retry. Reconciliation is deliberately not
// done up front: it would race with reservations made by other submissions
// whose run records do not exist yet.
// Store failures reject the run: admission fails closed.
func (m *Manager) Reserve(ctx context.Context, tenant *store.Tenant) (Decision, error) {
	now := m.now()
	limits := store.QuotaLimits{
		Daily:      tenant.DailyLimit,
		Monthly:    tenant.MonthlyLimit,
		Concurrent: tenant.ConcurrentLimit,
	}

	granted, exceeded, err := m.quotas.ReserveQuota(ctx, tenant.ID, limits, now)
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve for tenant %s: %w", tenant.ID, err)
	}

	if !granted && exceeded == ExceededConcurrent {
		if err := m.quotas.ReconcileConcurrentQuota(ctx, tenant.ID, now); err != nil {
			return Decision{}, fmt.Errorf("quota reconcile for tenant %s: %w", tenant.ID, err)
		}
		granted, exceeded, err = m.quotas.ReserveQuota(ctx, tenant.ID, limits, now)
		if err != nil {
			return Decision{}, fmt.Errorf("quota reserve retry for tenant %s: %w", tenant.ID, err)
		}
	}

	if !granted {
		d := Decision{Exceeded: exceeded, RetryAfter: retryAfter(exceeded, now)}
		m.logger.Info("quota rejected run submission",
			"tenant_id", tenant.ID, "exceeded", exceeded, "retry_after", d.RetryAfter)
		return d, nil
	}
	return Decision{Granted: true}, nil
}

// Release gives back the concurrent slot held by a finished run. The store
// guards it with the run's quota_released flag, so calling it twice (or from
// both the executor and the sweeper) decrements once. Daily and monthly
// counters are consumption records and are never given back.
func (m *Manager) Release(ctx context.Context, tenantID, runID uuid.UUID) error {
	if err := m.quotas.ReleaseConcurrentQuota(ctx, tenantID, runID); err != nil {
		return fmt.Errorf("quota release for run %s: %w", runID, err)
	}
	return nil
}

// Counters returns the tenant's current counters rolled forward to today.
func (m *Manager) Counters(ctx context.Context, tenantID uuid.UUID) (*store.QuotaCounters, error) {
	return m.quotas.GetQuotaCounters(ctx, tenantID, m.now())
}

// retryAfter estimates when the exceeded dimension resets.
func retryAfter(exceeded string, now time.Time) time.Duration {
	switch exceeded {
	case ExceededDaily:
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return midnight.Sub(now)
	case ExceededMonthly:
		nextMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return nextMonth.Sub(now)
	default:
		return concurrentRetryHint
	}
}
