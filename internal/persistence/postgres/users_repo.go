package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

// usersRepo implements UserRepo for PostgreSQL
type usersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsersRepo creates a new PostgreSQL end-user repository
func NewUsersRepo(db *sqlx.DB, timeout time.Duration) persistence.UserRepo {
	return &usersRepo{db: db, timeout: timeout}
}

const userColumns = `id, tenant_id, username, balance, poll_count, online`

func (r *usersRepo) ListByTenant(ctx context.Context, tenantID int64) ([]domain.EndUser, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + userColumns + `
		FROM end_users
		WHERE tenant_id = $1
		ORDER BY id`

	var users []domain.EndUser
	if err := r.db.SelectContext(ctx, &users, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list users for tenant %d: %w", tenantID, err)
	}
	return users, nil
}

func (r *usersRepo) ListOnlineByTenant(ctx context.Context, tenantID int64) ([]domain.EndUser, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + userColumns + `
		FROM end_users
		WHERE tenant_id = $1 AND online = TRUE
		ORDER BY id`

	var users []domain.EndUser
	if err := r.db.SelectContext(ctx, &users, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list online users for tenant %d: %w", tenantID, err)
	}
	return users, nil
}

func (r *usersRepo) CountOnline(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM end_users WHERE online = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

func (r *usersRepo) UpdateBalance(ctx context.Context, id int64, balance float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE end_users SET balance = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, balance); err != nil {
		return fmt.Errorf("failed to update user %d balance: %w", id, err)
	}
	return nil
}

// ApplyPoll writes balance, poll count and online flag in a single statement
// so that forced session expiry cannot be torn from its final balance update.
func (r *usersRepo) ApplyPoll(ctx context.Context, id int64, balance float64, pollCount int, online bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE end_users SET balance = $2, poll_count = $3, online = $4 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, balance, pollCount, online); err != nil {
		return fmt.Errorf("failed to apply poll for user %d: %w", id, err)
	}
	return nil
}
