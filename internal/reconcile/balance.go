package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/feed"
	"github.com/pulsebet/ledgersync/internal/metrics"
	"github.com/pulsebet/ledgersync/internal/persistence"
	"github.com/pulsebet/ledgersync/internal/session"
)

// balanceEpsilon filters floating-point restatement of the same value out of
// the audit feed.
const balanceEpsilon = 1e-6

// BalanceReconciler pulls balance snapshots from the external ledger and
// overwrites the local cache. The external ledger is the single source of
// truth for this field: writes are last-write-wins, no concurrency check.
type BalanceReconciler struct {
	repos    *persistence.Repository
	resolver Resolver
	client   LedgerClient
	sessions *session.Monitor
	feed     feed.Publisher
	metrics  *metrics.Metrics
}

// NewBalanceReconciler wires a balance reconciler.
func NewBalanceReconciler(repos *persistence.Repository, resolver Resolver, client LedgerClient, sessions *session.Monitor, publisher feed.Publisher, m *metrics.Metrics) *BalanceReconciler {
	return &BalanceReconciler{
		repos:    repos,
		resolver: resolver,
		client:   client,
		sessions: sessions,
		feed:     publisher,
		metrics:  m,
	}
}

// Reconcile refreshes balances for tenant. Each resolved bundle gets one
// whole-tenant snapshot, fanned out to local users by username; accounts not
// matching a local user are outside this tenant's scope and skipped silently.
// Currently-online users are polled individually afterwards, because
// accuracy for active sessions matters more than batch efficiency, and those
// per-user polls drive session expiry.
func (b *BalanceReconciler) Reconcile(ctx context.Context, tenant *domain.Tenant) error {
	res, err := b.resolver.Resolve(ctx, tenant)
	if err != nil {
		return err
	}

	for _, bundle := range res.Bundles {
		if err := b.reconcileBundle(ctx, tenant, bundle); err != nil {
			if res.Fanout {
				log.Warn().Err(err).Int64("tenant", bundle.TenantID).
					Msg("balance fan-out branch failed")
				continue
			}
			return err
		}
	}
	return nil
}

func (b *BalanceReconciler) reconcileBundle(ctx context.Context, tenant *domain.Tenant, bundle domain.CredentialBundle) error {
	users, err := b.repos.Users.ListByTenant(ctx, bundle.TenantID)
	if err != nil {
		return fmt.Errorf("balance reconcile tenant %d: %w", bundle.TenantID, err)
	}
	byUsername := make(map[string]domain.EndUser, len(users))
	online := make([]domain.EndUser, 0)
	for _, u := range users {
		byUsername[u.Username] = u
		if u.Online {
			online = append(online, u)
		}
	}

	accounts, err := b.client.FetchBalance(ctx, bundle, "")
	if err != nil {
		return err
	}

	for _, acct := range accounts {
		if tenant != nil && acct.Username == tenant.Name {
			if err := b.applyTenantBalance(ctx, tenant, acct.Balance); err != nil {
				log.Warn().Err(err).Int64("tenant", tenant.ID).Msg("tenant balance write failed")
			}
			continue
		}

		u, ok := byUsername[acct.Username]
		if !ok {
			// The external ledger may report accounts outside this tenant's
			// scope; not an error.
			continue
		}
		if u.Online {
			// Covered by the per-user poll below; avoid a second stomp.
			continue
		}
		if err := b.applyUserBalance(ctx, u, acct.Balance); err != nil {
			log.Warn().Err(err).Int64("user", u.ID).Msg("user balance write failed")
		}
	}

	b.pollOnlineUsers(ctx, bundle, online)
	b.metrics.OnlineUsers.Set(float64(len(online)))
	return nil
}

// pollOnlineUsers performs per-user snapshot calls for active sessions and
// feeds the poll counter. A failed poll leaves the counter and the online
// flag untouched for that user on that tick.
func (b *BalanceReconciler) pollOnlineUsers(ctx context.Context, bundle domain.CredentialBundle, online []domain.EndUser) {
	for _, u := range online {
		accounts, err := b.client.FetchBalance(ctx, bundle, u.Username)
		if err != nil || len(accounts) == 0 {
			log.Warn().Err(err).Int64("user", u.ID).Str("username", u.Username).
				Msg("online balance poll failed")
			continue
		}

		count, stillOnline := b.sessions.Advance(u)
		newBalance := accounts[0].Balance

		if err := b.repos.Users.ApplyPoll(ctx, u.ID, newBalance, count, stillOnline); err != nil {
			log.Warn().Err(err).Int64("user", u.ID).Msg("poll write failed")
			continue
		}

		if !stillOnline {
			b.metrics.SessionsExpired.Inc()
			log.Info().Int64("user", u.ID).Str("username", u.Username).
				Msg("session expired by poll threshold")
		}
		if math.Abs(newBalance-u.Balance) > balanceEpsilon {
			b.publishChange(ctx, feed.BalanceChange{
				TenantID: u.TenantID,
				UserID:   u.ID,
				Username: u.Username,
				Old:      u.Balance,
				New:      newBalance,
				At:       time.Now().UTC(),
			})
		}
	}
}

func (b *BalanceReconciler) applyUserBalance(ctx context.Context, u domain.EndUser, balance float64) error {
	if math.Abs(balance-u.Balance) <= balanceEpsilon {
		return nil
	}
	if err := b.repos.Users.UpdateBalance(ctx, u.ID, balance); err != nil {
		return err
	}
	b.publishChange(ctx, feed.BalanceChange{
		TenantID: u.TenantID,
		UserID:   u.ID,
		Username: u.Username,
		Old:      u.Balance,
		New:      balance,
		At:       time.Now().UTC(),
	})
	return nil
}

func (b *BalanceReconciler) applyTenantBalance(ctx context.Context, tenant *domain.Tenant, balance float64) error {
	if math.Abs(balance-tenant.Balance) <= balanceEpsilon {
		return nil
	}
	if err := b.repos.Tenants.UpdateBalance(ctx, tenant.ID, balance); err != nil {
		return err
	}
	b.publishChange(ctx, feed.BalanceChange{
		TenantID: tenant.ID,
		Username: tenant.Name,
		Old:      tenant.Balance,
		New:      balance,
		At:       time.Now().UTC(),
	})
	return nil
}

func (b *BalanceReconciler) publishChange(ctx context.Context, change feed.BalanceChange) {
	b.metrics.BalanceChanges.Inc()
	log.Info().Int64("tenant", change.TenantID).Int64("user", change.UserID).
		Str("username", change.Username).
		Float64("old", change.Old).Float64("new", change.New).
		Msg("balance changed")
	if err := b.feed.PublishBalanceChange(ctx, change); err != nil {
		log.Warn().Err(err).Msg("change feed publish failed")
	}
}
