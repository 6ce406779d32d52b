package persistence

import (
	"context"

	"github.com/pulsebet/ledgersync/internal/domain"
)

// TenantRepo provides read access to the partner ownership tree plus the
// balance overwrite the reconciler performs.
type TenantRepo interface {
	// GetByID fetches one tenant; returns nil when the id does not exist.
	GetByID(ctx context.Context, id int64) (*domain.Tenant, error)

	// ListTopLevel returns every tenant directly below the root tier.
	ListTopLevel(ctx context.Context) ([]domain.Tenant, error)

	// UpdateBalance overwrites a tenant's cached balance (last write wins).
	UpdateBalance(ctx context.Context, id int64, balance float64) error
}

// UserRepo provides end-user reads plus the combined balance/poll write used
// by session expiry. The user population is always read fresh per tick.
type UserRepo interface {
	// ListByTenant returns all users owned by tenant, online or not.
	ListByTenant(ctx context.Context, tenantID int64) ([]domain.EndUser, error)

	// ListOnlineByTenant returns tenant's users with an active session.
	ListOnlineByTenant(ctx context.Context, tenantID int64) ([]domain.EndUser, error)

	// CountOnline reports active sessions system-wide; the history loop
	// gates on this being non-zero.
	CountOnline(ctx context.Context) (int, error)

	// UpdateBalance overwrites a user's cached balance.
	UpdateBalance(ctx context.Context, id int64, balance float64) error

	// ApplyPoll writes balance, poll count and online flag in one statement,
	// so forced expiry lands atomically with the final balance update.
	ApplyPoll(ctx context.Context, id int64, balance float64, pollCount int, online bool) error
}

// LedgerRepo mirrors a slice of the external append-only log.
type LedgerRepo interface {
	// MaxExternalID computes the ingestion cursor for a tenant: the highest
	// external id already stored, 0 when none exist.
	MaxExternalID(ctx context.Context, tenantID int64) (int64, error)

	// Insert writes one record keyed by (tenant, external id). A uniqueness
	// violation is returned as domain.ErrDuplicateRecord.
	Insert(ctx context.Context, rec domain.LedgerRecord) error
}

// Repository bundles the store's repositories for injection.
type Repository struct {
	Tenants TenantRepo
	Users   UserRepo
	Ledger  LedgerRepo
}
