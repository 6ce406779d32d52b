package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

// tenantsRepo implements TenantRepo for PostgreSQL
type tenantsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTenantsRepo creates a new PostgreSQL tenants repository
func NewTenantsRepo(db *sqlx.DB, timeout time.Duration) persistence.TenantRepo {
	return &tenantsRepo{db: db, timeout: timeout}
}

func (r *tenantsRepo) GetByID(ctx context.Context, id int64) (*domain.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, tier, parent_id, opcode, secret, token, balance
		FROM tenants
		WHERE id = $1`

	var t domain.Tenant
	if err := r.db.GetContext(ctx, &t, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tenant %d: %w", id, err)
	}
	return &t, nil
}

func (r *tenantsRepo) ListTopLevel(ctx context.Context) ([]domain.Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, tier, parent_id, opcode, secret, token, balance
		FROM tenants
		WHERE tier = $1
		ORDER BY id`

	var tenants []domain.Tenant
	if err := r.db.SelectContext(ctx, &tenants, query, domain.RootTier+1); err != nil {
		return nil, fmt.Errorf("failed to list top-level tenants: %w", err)
	}
	return tenants, nil
}

func (r *tenantsRepo) UpdateBalance(ctx context.Context, id int64, balance float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE tenants SET balance = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, balance); err != nil {
		return fmt.Errorf("failed to update tenant %d balance: %w", id, err)
	}
	return nil
}
