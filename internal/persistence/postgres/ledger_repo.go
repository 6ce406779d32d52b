package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
// The constraint on (tenant_id, external_id) is load-bearing: it converts
// duplicate ingestion attempts into no-ops.
const uniqueViolation = "23505"

// ledgerRepo implements LedgerRepo for PostgreSQL
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a new PostgreSQL ledger-record repository
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

func (r *ledgerRepo) MaxExternalID(ctx context.Context, tenantID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT COALESCE(MAX(external_id), 0) FROM ledger_records WHERE tenant_id = $1`

	var cursor int64
	if err := r.db.GetContext(ctx, &cursor, query, tenantID); err != nil {
		return 0, fmt.Errorf("failed to compute cursor for tenant %d: %w", tenantID, err)
	}
	return cursor, nil
}

func (r *ledgerRepo) Insert(ctx context.Context, rec domain.LedgerRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO ledger_records
			(tenant_id, external_id, user_id, stake, payout, balance_before, balance_after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		rec.TenantID, rec.ExternalID, rec.UserID,
		rec.Stake, rec.Payout, rec.BalanceBefore, rec.BalanceAfter, rec.OccurredAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to insert ledger record %d/%d: %w", rec.TenantID, rec.ExternalID, err)
	}
	return nil
}
