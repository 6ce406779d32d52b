package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reconciliation engine. None of these is fatal to
// the scheduler: the worst outcome of any failure is stale data for one
// tenant until the next tick.
var (
	// ErrCredentialNotFound means the tenant's ownership chain was exhausted
	// (or exceeded the depth limit) without a complete credential bundle.
	ErrCredentialNotFound = errors.New("credentials not found")

	// ErrExternalCall wraps transport errors, timeouts and unparseable
	// responses from the external ledger. A parse failure is never reported
	// as a zero balance.
	ErrExternalCall = errors.New("external ledger call failed")

	// ErrRecordUnresolvable marks a single history record that cannot be
	// mapped to a local user; the record is dropped, the batch continues.
	ErrRecordUnresolvable = errors.New("record unresolvable")

	// ErrDuplicateRecord is the repo-layer translation of a uniqueness
	// violation on (tenant, external id). Callers treat it as a no-op.
	ErrDuplicateRecord = errors.New("duplicate ledger record")
)

// ExternalCallError carries the failing operation alongside ErrExternalCall.
type ExternalCallError struct {
	Op    string
	Cause error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external ledger call failed: %s: %v", e.Op, e.Cause)
}

func (e *ExternalCallError) Unwrap() error { return ErrExternalCall }

// NewExternalCallError wraps cause as an ErrExternalCall for operation op.
func NewExternalCallError(op string, cause error) error {
	return &ExternalCallError{Op: op, Cause: cause}
}

// RecordError records why one history record was skipped during ingestion.
type RecordError struct {
	ExternalID int64  `json:"external_id"`
	Username   string `json:"username"`
	Reason     string `json:"reason"`
}
