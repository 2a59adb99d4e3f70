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

// rollCounters upserts the tenant's counter row, zeroing runs_today and
// runs_month when the day or month bucket has moved on. Must run inside a
// transaction holding the tenant's advisory lock.
const rollCountersQuery = `
	INSERT INTO quota_counters (tenant_id, day_bucket, month_bucket, runs_today, runs_month, concurrent_running)
	VALUES ($1, $2, $3, 0, 0, 0)
	ON CONFLICT (tenant_id) DO UPDATE SET
		runs_today = CASE WHEN quota_counters.day_bucket = $2 THEN quota_counters.runs_today ELSE 0 END,
		runs_month = CASE WHEN quota_counters.month_bucket = $3 THEN quota_counters.runs_month ELSE 0 END,
		day_bucket = $2,
		month_bucket = $3
`

// lockTenantQuota serializes quota mutations per tenant for the duration of
// the transaction. Different tenants never contend with each other.
func lockTenantQuota(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1::text))", tenantID)
	return err
}

func dayMonth(now time.Time) (string, string) {
	return now.UTC().Format("2006-01-02"), now.UTC().Format("2006-01")
}

func (s *Store) ReserveQuota(ctx context.Context, tenantID uuid.UUID, limits store.QuotaLimits, now time.Time) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	if err := lockTenantQuota(ctx, tx, tenantID); err != nil {
		return false, "", fmt.Errorf("failed to lock quota for tenant %s: %w", tenantID, err)
	}

	day, month := dayMonth(now)
	if _, err := tx.ExecContext(ctx, rollCountersQuery, tenantID, day, month); err != nil {
		return false, "", fmt.Errorf("failed to roll counters for tenant %s: %w", tenantID, err)
	}

	var c store.QuotaCounters
	err = tx.QueryRowContext(ctx,
		"SELECT runs_today, runs_month, concurrent_running FROM quota_counters WHERE tenant_id = $1",
		tenantID).Scan(&c.RunsToday, &c.RunsMonth, &c.ConcurrentRunning)
	if err != nil {
		return false, "", fmt.Errorf("failed to read counters for tenant %s: %w", tenantID, err)
	}

	exceeded := ""
	switch {
	case limits.Daily > 0 && c.RunsToday >= limits.Daily:
		exceeded = "daily"
	case limits.Monthly > 0 && c.RunsMonth >= limits.Monthly:
		exceeded = "monthly"
	case limits.Concurrent > 0 && c.ConcurrentRunning >= limits.Concurrent:
		exceeded = "concurrent"
	}
	if exceeded != "" {
		// Keep the rolled buckets even on rejection.
		if err := tx.Commit(); err != nil {
			return false, "", err
		}
		return false, exceeded, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE quota_counters
		SET runs_today = runs_today + 1, runs_month = runs_month + 1, concurrent_running = concurrent_running + 1
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return false, "", fmt.Errorf("failed to increment counters for tenant %s: %w", tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, "", nil
}

func (s *Store) ReleaseConcurrentQuota(ctx context.Context, tenantID, runID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockTenantQuota(ctx, tx, tenantID); err != nil {
		return fmt.Errorf("failed to lock quota for tenant %s: %w", tenantID, err)
	}

	// The quota_released flag makes the decrement once-per-run no matter how
	// many paths (executor, sweeper, cancel) ask for it.
	res, err := tx.ExecContext(ctx,
		"UPDATE runs SET quota_released = TRUE WHERE id = $1 AND quota_released = FALSE", runID)
	if err != nil {
		return fmt.Errorf("failed to flag quota release for run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)", runID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		// Already released.
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE quota_counters
		SET concurrent_running = GREATEST(concurrent_running - 1, 0)
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to decrement concurrent counter for tenant %s: %w", tenantID, err)
	}

	return tx.Commit()
}

func (s *Store) ReconcileConcurrentQuota(ctx context.Context, tenantID uuid.UUID, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockTenantQuota(ctx, tx, tenantID); err != nil {
		return fmt.Errorf("failed to lock quota for tenant %s: %w", tenantID, err)
	}

	day, month := dayMonth(now)
	if _, err := tx.ExecContext(ctx, rollCountersQuery, tenantID, day, month); err != nil {
		return fmt.Errorf("failed to roll counters for tenant %s: %w", tenantID, err)
	}

	// PENDING runs hold admission slots too: reservation happens at submit
	// time, before the run ever starts.
	_, err = tx.ExecContext(ctx, `
		UPDATE quota_counters SET concurrent_running = (
			SELECT COUNT(*) FROM runs
			WHERE tenant_id = $1 AND status IN ('PENDING', 'RUNNING') AND quota_released = FALSE
		)
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to reconcile concurrent counter for tenant %s: %w", tenantID, err)
	}

	return tx.Commit()
}

func (s *Store) GetQuotaCounters(ctx context.Context, tenantID uuid.UUID, now time.Time) (*store.QuotaCounters, error) {
	day, month := dayMonth(now)
	c := store.QuotaCounters{TenantID: tenantID, Day: day, Month: month}

	var storedDay, storedMonth string
	err := s.db.QueryRowContext(ctx, `
		SELECT day_bucket, month_bucket, runs_today, runs_month, concurrent_running
		FROM quota_counters WHERE tenant_id = $1
	`, tenantID).Scan(&storedDay, &storedMonth, &c.RunsToday, &c.RunsMonth, &c.ConcurrentRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read counters for tenant %s: %w", tenantID, err)
	}

	// Present the counters as of now without writing the roll back.
	if storedDay != day {
		c.RunsToday = 0
	}
	if storedMonth != month {
		c.RunsMonth = 0
	}
	return &c, nil
}
