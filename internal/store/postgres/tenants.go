package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

const tenantColumns = "id, name, daily_limit, monthly_limit, concurrent_limit, rate_limit, rate_limit_burst, created_at"

func (s *Store) CreateTenant(ctx context.Context, tenant *store.Tenant, hashedKey string) error {
	query := `
		INSERT INTO tenants (id, name, api_key_hash, daily_limit, monthly_limit, concurrent_limit, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		hashedKey,
		tenant.DailyLimit,
		tenant.MonthlyLimit,
		tenant.ConcurrentLimit,
		tenant.RateLimit,
		tenant.RateLimitBurst,
		tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant %s: %w", tenant.ID, err)
	}
	return nil
}

func (s *Store) GetTenantByID(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = $1"
	return s.scanTenant(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE api_key_hash = $1"
	return s.scanTenant(s.db.QueryRowContext(ctx, query, hash))
}

func (s *Store) scanTenant(row *sql.Row) (*store.Tenant, error) {
	var t store.Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.DailyLimit,
		&t.MonthlyLimit,
		&t.ConcurrentLimit,
		&t.RateLimit,
		&t.RateLimitBurst,
		&t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
