package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsebet/ledgersync/internal/domain"
	"github.com/pulsebet/ledgersync/internal/metrics"
)

func historyFixture() (*fakeLedger, *fakeUsers, *fakeClient, *HistoryReconciler, *domain.Tenant) {
	ledger := newFakeLedger()
	users := &fakeUsers{users: []domain.EndUser{
		{ID: 1, TenantID: 7, Username: "alice"},
		{ID: 2, TenantID: 7, Username: "bob"},
	}}
	client := &fakeClient{pages: map[int64][]domain.LedgerRecord{}}
	tenant := &domain.Tenant{ID: 7, Name: "acme", Tier: 2}
	bundle := domain.CredentialBundle{TenantID: 7, Opcode: "OP", Secret: "s", Token: "t"}
	h := NewHistoryReconciler(
		repoSet(&fakeTenants{}, users, ledger),
		stubResolver{res: domain.Single(bundle)},
		client, 500, metrics.NewUnregistered(),
	)
	return ledger, users, client, h, tenant
}

func rec(extID int64, username string, stake, payout, after float64) domain.LedgerRecord {
	return domain.LedgerRecord{
		ExternalID:   extID,
		Username:     username,
		Stake:        stake,
		Payout:       payout,
		BalanceAfter: after,
		OccurredAt:   time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func TestHistory_CursorAdvancesAndIsIdempotent(t *testing.T) {
	ledger, _, client, h, tenant := historyFixture()

	// Stored cursor 102; upstream offers 105, 103, 104 out of order.
	ledger.rows[7] = map[int64]domain.LedgerRecord{102: {ExternalID: 102}}
	client.pages[7] = []domain.LedgerRecord{
		rec(105, "alice", 5, 12, 107),
		rec(103, "bob", 2, 0, 48),
		rec(104, "alice", 1, 1, 100),
	}

	result, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)
	assert.Equal(t, 0, result.Skipped)
	assert.Empty(t, result.Errors)

	cursor, err := ledger.MaxExternalID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(105), cursor)

	// At-least-once delivery: the upstream re-offers the same page. Every
	// attempt hits the uniqueness constraint and counts as a skip.
	client.replay = true
	result, err = h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 3, result.Skipped)
	assert.Empty(t, result.Errors)
	assert.Len(t, ledger.rows[7], 4)
}

func TestHistory_WritesNewestFirst(t *testing.T) {
	ledger, _, client, h, tenant := historyFixture()
	client.pages[7] = []domain.LedgerRecord{
		rec(103, "bob", 1, 0, 10),
		rec(105, "alice", 1, 0, 20),
		rec(104, "alice", 1, 0, 30),
	}

	_, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)

	// Descending order: if the run dies mid-batch the cursor still reflects
	// real progress.
	assert.Equal(t, []int64{105, 104, 103}, ledger.insertOrder)
}

func TestHistory_DerivesBalanceBefore(t *testing.T) {
	ledger, _, client, h, tenant := historyFixture()
	client.pages[7] = []domain.LedgerRecord{rec(201, "alice", 5, 12, 107)}

	_, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)

	stored := ledger.rows[7][201]
	assert.Equal(t, 100.0, stored.BalanceBefore) // 107 - (12 - 5)
	assert.Equal(t, int64(1), stored.UserID)
	assert.Equal(t, int64(7), stored.TenantID)
}

func TestHistory_GhostUserSkippedNotFatal(t *testing.T) {
	_, _, client, h, tenant := historyFixture()
	client.pages[7] = []domain.LedgerRecord{rec(301, "ghost", 1, 0, 10)}

	result, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "ghost", result.Errors[0].Username)
	assert.Equal(t, "no matching local user", result.Errors[0].Reason)
}

func TestHistory_MissingExternalIDSkipped(t *testing.T) {
	_, _, client, h, tenant := historyFixture()
	client.pages[7] = []domain.LedgerRecord{rec(0, "alice", 1, 0, 10)}

	result, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "missing external id", result.Errors[0].Reason)
}

func TestHistory_PoisonedRecordDoesNotAbortBatch(t *testing.T) {
	ledger, _, client, h, tenant := historyFixture()
	ledger.failOn = map[int64]error{402: errors.New("value out of range")}
	client.pages[7] = []domain.LedgerRecord{
		rec(401, "alice", 1, 0, 10),
		rec(402, "bob", 1, 0, 20),
		rec(403, "alice", 1, 0, 30),
	}

	result, err := h.Reconcile(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(402), result.Errors[0].ExternalID)
}

func TestHistory_ExternalCallFailureAborts(t *testing.T) {
	_, _, client, h, tenant := historyFixture()
	client.pageErr = domain.NewExternalCallError("history", errors.New("timeout"))

	_, err := h.Reconcile(context.Background(), tenant)
	assert.ErrorIs(t, err, domain.ErrExternalCall)
}

func TestHistory_CredentialFailurePropagates(t *testing.T) {
	ledger := newFakeLedger()
	h := NewHistoryReconciler(
		repoSet(&fakeTenants{}, &fakeUsers{}, ledger),
		stubResolver{err: domain.ErrCredentialNotFound},
		&fakeClient{}, 500, metrics.NewUnregistered(),
	)

	_, err := h.Reconcile(context.Background(), &domain.Tenant{ID: 9})
	assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
}

func TestHistory_FanoutAggregatesAcrossTenants(t *testing.T) {
	ledger := newFakeLedger()
	users := &fakeUsers{users: []domain.EndUser{
		{ID: 1, TenantID: 10, Username: "alice"},
		{ID: 2, TenantID: 12, Username: "dora"},
	}}
	client := &fakeClient{pages: map[int64][]domain.LedgerRecord{
		10: {rec(11, "alice", 1, 0, 5)},
		12: {rec(21, "dora", 1, 2, 9)},
	}}
	res := domain.FanoutOf([]domain.CredentialBundle{
		{TenantID: 10, Opcode: "A", Secret: "s", Token: "t"},
		{TenantID: 12, Opcode: "B", Secret: "s", Token: "t"},
	})
	h := NewHistoryReconciler(
		repoSet(&fakeTenants{}, users, ledger),
		stubResolver{res: res},
		client, 500, metrics.NewUnregistered(),
	)

	result, err := h.Reconcile(context.Background(), &domain.Tenant{ID: 1, Tier: domain.RootTier})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Len(t, ledger.rows[10], 1)
	assert.Len(t, ledger.rows[12], 1)
}
