/*
errors.go - Centralized error types for the invest domain

ERROR CATEGORIES:
  1. Validation errors - rejected before any state change
  2. Not-found errors  - referenced wallet/plan/position/transaction missing
  3. State errors      - illegal lifecycle transitions, frozen locks
  4. Accounting errors - insufficient balance, duplicate references

The settlement engine is the only component that swallows errors: it
converts per-position failures into counts. Everything else propagates to
the caller, which translates to HTTP status codes at the API layer.
*/
package invest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrWalletNotFound is returned when a user has no wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrPlanNotFound is returned when a plan doesn't exist or is not open
	// for investment.
	ErrPlanNotFound = errors.New("investment plan not found")

	// ErrPositionNotFound is returned when a referenced position doesn't exist.
	ErrPositionNotFound = errors.New("position not found")

	// ErrTransactionNotFound is returned when no transaction carries the
	// given reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrWalletFrozen blocks all credit/debit on an administratively
	// frozen wallet.
	ErrWalletFrozen = errors.New("wallet is frozen")

	// ErrPositionFrozen blocks completion and settlement of a frozen position.
	ErrPositionFrozen = errors.New("position is frozen")

	// ErrInsufficientBalance is returned when a debit exceeds the available
	// balance. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidStateTransition is returned for illegal lifecycle moves:
	// completing a non-active position, unfreezing a non-frozen one,
	// terminating a completed one, rewinding a transaction status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrDuplicateReference is returned when a transaction reference
	// collides with an existing one. The ledger regenerates and retries;
	// exhausting retries is a hard failure.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrAlreadyInvested is returned when a plan disallows multiple
	// positions and the user already holds an active one.
	ErrAlreadyInvested = errors.New("user already has an active position on this plan")

	// ErrPlanCapacityReached is returned when a plan's MaxActiveUsers cap
	// is exhausted.
	ErrPlanCapacityReached = errors.New("plan has reached its active user limit")

	// ErrBatchInProgress is returned by the settlement engine's
	// non-blocking trigger when a batch is already running.
	ErrBatchInProgress = errors.New("settlement batch already in progress")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input to an operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StateTransitionError provides details about an illegal lifecycle move.
type StateTransitionError struct {
	Entity string // "position", "wallet", "transaction"
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s cannot move from %s to %s: %s", e.Entity, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsClientError returns true if the error is due to invalid client input or
// a business-rule rejection, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrWalletFrozen) ||
		errors.Is(err, ErrPositionFrozen) ||
		errors.Is(err, ErrAlreadyInvested) ||
		errors.Is(err, ErrPlanCapacityReached)
}
