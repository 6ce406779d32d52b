package domain

import (
	"database/sql"
	"time"
)

// RootTier is the tier rank of the superuser node. Lower tier means closer
// to the root of the ownership tree.
const RootTier = 0

// Tenant is a partner node in the ownership tree. A tenant may hold delegated
// API credentials for itself and its descendants.
type Tenant struct {
	ID       int64           `json:"id" db:"id"`
	Name     string          `json:"name" db:"name"`
	Tier     int             `json:"tier" db:"tier"`
	ParentID sql.NullInt64   `json:"parent_id" db:"parent_id"`
	Opcode   sql.NullString  `json:"opcode" db:"opcode"`
	Secret   sql.NullString  `json:"secret" db:"secret"`
	Token    sql.NullString  `json:"token" db:"token"`
	Balance  float64         `json:"balance" db:"balance"`
}

// Bundle returns the tenant's credential bundle and whether it is complete.
// A bundle with any empty field does not authorize calls and counts as absent.
func (t Tenant) Bundle() (CredentialBundle, bool) {
	b := CredentialBundle{
		TenantID: t.ID,
		Opcode:   t.Opcode.String,
		Secret:   t.Secret.String,
		Token:    t.Token.String,
	}
	return b, b.Complete()
}

// EndUser is a player account owned by a tenant. Balance is a cache of the
// external ledger's value; PollCount and Online drive session expiry.
type EndUser struct {
	ID        int64   `json:"id" db:"id"`
	TenantID  int64   `json:"tenant_id" db:"tenant_id"`
	Username  string  `json:"username" db:"username"`
	Balance   float64 `json:"balance" db:"balance"`
	PollCount int     `json:"poll_count" db:"poll_count"`
	Online    bool    `json:"online" db:"online"`
}

// LedgerRecord mirrors one immutable betting round from the external ledger.
// (TenantID, ExternalID) is unique; rows are never updated or deleted.
type LedgerRecord struct {
	ID            int64     `json:"id" db:"id"`
	TenantID      int64     `json:"tenant_id" db:"tenant_id"`
	ExternalID    int64     `json:"external_id" db:"external_id"`
	UserID        int64     `json:"user_id" db:"user_id"`
	Username      string    `json:"username" db:"-"`
	Stake         float64   `json:"stake" db:"stake"`
	Payout        float64   `json:"payout" db:"payout"`
	BalanceBefore float64   `json:"balance_before" db:"balance_before"`
	BalanceAfter  float64   `json:"balance_after" db:"balance_after"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
}

// CredentialBundle is the (opcode, secret, token) triple authorizing calls to
// the external ledger on a tenant's behalf.
type CredentialBundle struct {
	TenantID int64
	Opcode   string
	Secret   string
	Token    string
}

// Complete reports whether all three fields are present.
func (b CredentialBundle) Complete() bool {
	return b.Opcode != "" && b.Secret != "" && b.Token != ""
}

// Resolution is the outcome of credential resolution: either a single bundle
// inherited down the ownership chain, or a fan-out list for the root tier.
type Resolution struct {
	Fanout  bool
	Bundles []CredentialBundle
}

// Single wraps one bundle.
func Single(b CredentialBundle) Resolution {
	return Resolution{Bundles: []CredentialBundle{b}}
}

// FanoutOf wraps the root tier's per-tenant bundle list.
func FanoutOf(bs []CredentialBundle) Resolution {
	return Resolution{Fanout: true, Bundles: bs}
}

// AccountBalance is one account's balance as reported by the external ledger.
type AccountBalance struct {
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
}

// SyncKind names one of the two reconciliation loops.
type SyncKind string

const (
	SyncBalance SyncKind = "balance"
	SyncHistory SyncKind = "history"
)
