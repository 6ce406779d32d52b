package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/metrics"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

// LedgerClient is the slice of the external ledger API the reconcilers use.
type LedgerClient interface {
	FetchBalance(ctx context.Context, creds domain.CredentialBundle, username string) ([]domain.AccountBalance, error)
	FetchHistoryPage(ctx context.Context, creds domain.CredentialBundle, afterID int64, pageSize int) ([]domain.LedgerRecord, error)
}

// Resolver is the credential resolution dependency.
type Resolver interface {
	Resolve(ctx context.Context, tenant *domain.Tenant) (domain.Resolution, error)
}

// Result aggregates one history run for observability. Per-record failures
// are isolated here instead of aborting the batch.
type Result struct {
	Inserted int                  `json:"inserted"`
	Skipped  int                  `json:"skipped"`
	Errors   []domain.RecordError `json:"errors,omitempty"`
}

func (r *Result) merge(other Result) {
	r.Inserted += other.Inserted
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// HistoryReconciler pulls new history pages since the stored cursor and
// performs idempotent writes into the append-only local mirror.
type HistoryReconciler struct {
	repos    *persistence.Repository
	resolver Resolver
	client   LedgerClient
	pageSize int
	metrics  *metrics.Metrics
}

// NewHistoryReconciler wires a history reconciler.
func NewHistoryReconciler(repos *persistence.Repository, resolver Resolver, client LedgerClient, pageSize int, m *metrics.Metrics) *HistoryReconciler {
	return &HistoryReconciler{
		repos:    repos,
		resolver: resolver,
		client:   client,
		pageSize: pageSize,
		metrics:  m,
	}
}

// Reconcile ingests one page of new history for tenant. A fan-out resolution
// (root tier) runs one page per credentialed tenant; counts are aggregated.
// Single bad records never abort the batch and never propagate as errors.
func (h *HistoryReconciler) Reconcile(ctx context.Context, tenant *domain.Tenant) (Result, error) {
	res, err := h.resolver.Resolve(ctx, tenant)
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, bundle := range res.Bundles {
		r, err := h.reconcileBundle(ctx, bundle)
		if err != nil {
			if res.Fanout {
				// One uncredentialed or unreachable sub-tenant must not
				// starve the rest of the fan-out.
				log.Warn().Err(err).Int64("tenant", bundle.TenantID).
					Msg("history fan-out branch failed")
				continue
			}
			return total, err
		}
		total.merge(r)
	}

	h.metrics.RecordsInserted.Add(float64(total.Inserted))
	h.metrics.RecordsSkipped.Add(float64(total.Skipped))
	return total, nil
}

func (h *HistoryReconciler) reconcileBundle(ctx context.Context, bundle domain.CredentialBundle) (Result, error) {
	cursor, err := h.repos.Ledger.MaxExternalID(ctx, bundle.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("history reconcile tenant %d: %w", bundle.TenantID, err)
	}

	page, err := h.client.FetchHistoryPage(ctx, bundle, cursor, h.pageSize)
	if err != nil {
		return Result{}, err
	}
	if len(page) == 0 {
		return Result{}, nil
	}

	// One full user-table pull bounds round trips regardless of page size.
	users, err := h.repos.Users.ListByTenant(ctx, bundle.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("history reconcile tenant %d: %w", bundle.TenantID, err)
	}
	byUsername := make(map[string]int64, len(users))
	for _, u := range users {
		byUsername[u.Username] = u.ID
	}

	// Descending external-id order makes the cursor reflect real progress if
	// the run is interrupted mid-batch: the newest records are durable first,
	// so the next run does not re-fetch them forever.
	sort.Slice(page, func(i, j int) bool {
		return page[i].ExternalID > page[j].ExternalID
	})

	var result Result
	for _, rec := range page {
		if rec.ExternalID <= 0 {
			result.Skipped++
			result.Errors = append(result.Errors, domain.RecordError{
				Username: rec.Username,
				Reason:   "missing external id",
			})
			continue
		}

		userID, ok := byUsername[rec.Username]
		if !ok {
			result.Skipped++
			result.Errors = append(result.Errors, domain.RecordError{
				ExternalID: rec.ExternalID,
				Username:   rec.Username,
				Reason:     "no matching local user",
			})
			log.Debug().Int64("tenant", bundle.TenantID).Int64("external_id", rec.ExternalID).
				Str("username", rec.Username).Msg("history record unresolvable")
			continue
		}

		rec.TenantID = bundle.TenantID
		rec.UserID = userID
		rec.BalanceBefore = rec.BalanceAfter - (rec.Payout - rec.Stake)

		if err := h.repos.Ledger.Insert(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrDuplicateRecord) {
				// Already ingested by a prior run or a concurrent loop.
				result.Skipped++
				continue
			}
			result.Skipped++
			result.Errors = append(result.Errors, domain.RecordError{
				ExternalID: rec.ExternalID,
				Username:   rec.Username,
				Reason:     err.Error(),
			})
			log.Warn().Err(err).Int64("tenant", bundle.TenantID).
				Int64("external_id", rec.ExternalID).Msg("ledger record insert failed")
			continue
		}
		result.Inserted++
	}

	log.Info().Int64("tenant", bundle.TenantID).Int64("cursor", cursor).
		Int("inserted", result.Inserted).Int("skipped", result.Skipped).
		Msg("history page reconciled")
	return result, nil
}
