package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/feed"
	"github.com/pulsebet/ledgersync/internal/persistence"
)

type stubResolver struct {
	res domain.Resolution
	err error
}

func (s stubResolver) Resolve(context.Context, *domain.Tenant) (domain.Resolution, error) {
	return s.res, s.err
}

type fakeTenants struct {
	tenants  map[int64]*domain.Tenant
	balances map[int64]float64
}

func (f *fakeTenants) GetByID(_ context.Context, id int64) (*domain.Tenant, error) {
	return f.tenants[id], nil
}

func (f *fakeTenants) ListTopLevel(context.Context) ([]domain.Tenant, error) { return nil, nil }

func (f *fakeTenants) UpdateBalance(_ context.Context, id int64, balance float64) error {
	if f.balances == nil {
		f.balances = map[int64]float64{}
	}
	f.balances[id] = balance
	return nil
}

type pollWrite struct {
	userID    int64
	balance   float64
	pollCount int
	online    bool
}

type fakeUsers struct {
	users    []domain.EndUser
	balances map[int64]float64
	polls    []pollWrite
}

func (f *fakeUsers) ListByTenant(_ context.Context, tenantID int64) ([]domain.EndUser, error) {
	var out []domain.EndUser
	for _, u := range f.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUsers) ListOnlineByTenant(ctx context.Context, tenantID int64) ([]domain.EndUser, error) {
	all, _ := f.ListByTenant(ctx, tenantID)
	var out []domain.EndUser
	for _, u := range all {
		if u.Online {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUsers) CountOnline(context.Context) (int, error) {
	n := 0
	for _, u := range f.users {
		if u.Online {
			n++
		}
	}
	return n, nil
}

func (f *fakeUsers) UpdateBalance(_ context.Context, id int64, balance float64) error {
	if f.balances == nil {
		f.balances = map[int64]float64{}
	}
	f.balances[id] = balance
	return nil
}

func (f *fakeUsers) ApplyPoll(_ context.Context, id int64, balance float64, pollCount int, online bool) error {
	f.polls = append(f.polls, pollWrite{userID: id, balance: balance, pollCount: pollCount, online: online})
	for i := range f.users {
		if f.users[i].ID == id {
			f.users[i].Balance = balance
			f.users[i].PollCount = pollCount
			f.users[i].Online = online
		}
	}
	return nil
}

// fakeLedger is an in-memory append-only mirror with the same uniqueness
// semantics as the Postgres table.
type fakeLedger struct {
	mu          sync.Mutex
	rows        map[int64]map[int64]domain.LedgerRecord
	insertOrder []int64
	failOn      map[int64]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[int64]map[int64]domain.LedgerRecord{}}
}

func (f *fakeLedger) MaxExternalID(_ context.Context, tenantID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max int64
	for id := range f.rows[tenantID] {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (f *fakeLedger) Insert(_ context.Context, rec domain.LedgerRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[rec.ExternalID]; ok {
		return err
	}
	tenant, ok := f.rows[rec.TenantID]
	if !ok {
		tenant = map[int64]domain.LedgerRecord{}
		f.rows[rec.TenantID] = tenant
	}
	if _, exists := tenant[rec.ExternalID]; exists {
		return domain.ErrDuplicateRecord
	}
	tenant[rec.ExternalID] = rec
	f.insertOrder = append(f.insertOrder, rec.ExternalID)
	return nil
}

type balanceCall struct {
	tenantID int64
	username string
}

type fakeClient struct {
	mu       sync.Mutex
	pages    map[int64][]domain.LedgerRecord
	pageErr  error
	replay   bool // re-offer the full page regardless of the cursor
	balances map[string][]domain.AccountBalance
	balErr   map[string]error
	calls    []balanceCall
}

func (f *fakeClient) FetchHistoryPage(_ context.Context, creds domain.CredentialBundle, afterID int64, _ int) ([]domain.LedgerRecord, error) {
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	var out []domain.LedgerRecord
	for _, rec := range f.pages[creds.TenantID] {
		if f.replay || rec.ExternalID > afterID || rec.ExternalID == 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeClient) FetchBalance(_ context.Context, creds domain.CredentialBundle, username string) ([]domain.AccountBalance, error) {
	f.mu.Lock()
	f.calls = append(f.calls, balanceCall{tenantID: creds.TenantID, username: username})
	f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", creds.TenantID, username)
	if err, ok := f.balErr[key]; ok {
		return nil, err
	}
	return f.balances[key], nil
}

type recordedChange = feed.BalanceChange

type fakeFeed struct {
	mu      sync.Mutex
	changes []recordedChange
}

func (f *fakeFeed) PublishBalanceChange(_ context.Context, change feed.BalanceChange) error {
	f.mu.Lock()
	f.changes = append(f.changes, change)
	f.mu.Unlock()
	return nil
}

func repoSet(tenants persistence.TenantRepo, users persistence.UserRepo, ledger persistence.LedgerRepo) *persistence.Repository {
	return &persistence.Repository{Tenants: tenants, Users: users, Ledger: ledger}
}
