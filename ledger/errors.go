/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Outer layers (api, store) classify errors with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Construction errors - Malformed transactions, rejected before replay
  2. Replay errors       - Out-of-order application without a prior rollback
  3. Warnings            - Recoverable conditions that never abort a replay
  4. Store errors        - Missing rows, missing store capabilities

PROPAGATION:
  A malformed transaction aborts the whole replay batch for its item before
  anything is applied. An out-of-order transaction aborts the current replay,
  but execution log entries that were already committed stay valid. The
  recovery path is always rollback, then replay.

SEE ALSO:
  - engine.go: Raises ErrOutOfOrderReplay
  - taxonomy.go: Raises ErrMalformedTransaction
  - transition.go: Emits warnings
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMalformedTransaction is returned for an unknown variant tag, a missing
	// or invalid required field, or an item mismatch.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrUnknownTag is returned when a tag does not map to one of the seven kinds.
	ErrUnknownTag = fmt.Errorf("%w: unknown tag", ErrMalformedTransaction)

	// ErrItemMismatch is returned when a transaction targets another item's state.
	ErrItemMismatch = fmt.Errorf("%w: item mismatch", ErrMalformedTransaction)

	// ErrOutOfOrderReplay is returned when a transaction precedes the last
	// applied one and no rollback was performed first.
	ErrOutOfOrderReplay = errors.New("out of order replay")

	// ErrArithmeticDegeneracy marks an acquisition with zero total quantity.
	// Only ever surfaced as a Warning.
	ErrArithmeticDegeneracy = errors.New("arithmetic degeneracy")

	// ErrReconciliationAmbiguity marks a stock count carrying both a cost
	// override and a quantity deficit. Only ever surfaced as a Warning.
	ErrReconciliationAmbiguity = errors.New("reconciliation ambiguity")

	// ErrTransactionNotFound is returned when a transaction id is unknown to the store.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrStoreRequired is returned when an operation requires a store capability
	// the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedTransactionError describes why a transaction was rejected.
type MalformedTransactionError struct {
	ID     TransactionID
	Field  string
	Reason string
	Cause  error // defaults to ErrMalformedTransaction
}

func (e *MalformedTransactionError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("malformed transaction %d: %s: %s", e.ID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed transaction: %s: %s", e.Field, e.Reason)
}

func (e *MalformedTransactionError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrMalformedTransaction
}

// OutOfOrderError reports the offending transaction and the last applied one.
type OutOfOrderError struct {
	ID     TransactionID
	At     time.Time
	LastID TransactionID
	LastAt time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("transaction %d at %d precedes last applied transaction %d at %d",
		e.ID, e.At.Unix(), e.LastID, e.LastAt.Unix())
}

func (e *OutOfOrderError) Unwrap() error {
	return ErrOutOfOrderReplay
}

// Warning is a recoverable condition raised while applying a transaction.
// Code is one of ErrArithmeticDegeneracy or ErrReconciliationAmbiguity.
type Warning struct {
	Code          error
	TransactionID TransactionID
	Message       string
}

func (w Warning) Error() string {
	return fmt.Sprintf("%v (transaction %d): %s", w.Code, w.TransactionID, w.Message)
}

func (w Warning) Unwrap() error {
	return w.Code
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedTransaction)
}

// IsConflict returns true if the ledger refused to apply out of order.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOutOfOrderReplay)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}

func malformed(id TransactionID, field, reason string) error {
	return &MalformedTransactionError{ID: id, Field: field, Reason: reason}
}
