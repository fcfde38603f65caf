/*
ledger.go - Transaction recording and reference generation

PURPOSE:
  The transaction ledger is the append-mostly audit trail of every money
  movement. Each record carries a globally unique reference of the form
  {TYPE}_{random-suffix} which doubles as an idempotency key: the store
  enforces uniqueness, so a collision is surfaced as ErrDuplicateReference
  rather than a silent overwrite.

STATUS LIFECYCLE:
  pending -> completed
  pending -> failed

  Nothing else. A mistake in a completed transaction is corrected by
  setting the Reversed flag (and usually emitting a compensating
  transaction), never by rewinding status.

SCOPING:
  Every method takes the caller's Store so that the ledger write joins
  whatever unit of work the caller is running. The ledger never commits
  on its own.
*/
package invest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// referenceAttempts bounds how many times Record regenerates a reference
// after a collision before giving up.
const referenceAttempts = 3

// Entry describes the transaction a money movement should emit.
type Entry struct {
	Type            TransactionType
	Source          Endpoint
	Destination     Endpoint
	Description     string
	RelatedPosition PositionID
}

// Ledger records transactions. Zero value is usable; Clock defaults to
// time.Now.
type Ledger struct {
	Clock func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{Clock: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// Record appends a new pending transaction for the user. On a reference
// collision it regenerates the reference and retries a bounded number of
// times; exhausting the retries returns ErrDuplicateReference.
func (l *Ledger) Record(ctx context.Context, s Store, userID UserID, amount decimal.Decimal, e Entry) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "amount must be positive"}
	}

	var lastErr error
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		tx := &Transaction{
			ID:              uuid.NewString(),
			UserID:          userID,
			Type:            e.Type,
			Amount:          amount,
			Source:          e.Source,
			Destination:     e.Destination,
			Reference:       NewReference(e.Type),
			Status:          TxPending,
			Description:     e.Description,
			RelatedPosition: e.RelatedPosition,
			CreatedAt:       l.now(),
		}

		err := s.AppendTransaction(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrDuplicateReference) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reference generation exhausted after %d attempts: %w", referenceAttempts, lastErr)
}

// Complete moves a pending transaction to completed.
func (l *Ledger) Complete(ctx context.Context, s Store, reference string) error {
	return s.SetTransactionStatus(ctx, reference, TxPending, TxCompleted)
}

// Fail moves a pending transaction to failed.
func (l *Ledger) Fail(ctx context.Context, s Store, reference string) error {
	return s.SetTransactionStatus(ctx, reference, TxPending, TxFailed)
}

// Reverse flags a completed transaction as reversed. Status is untouched;
// reversal is a separate dimension, not a status rewind.
func (l *Ledger) Reverse(ctx context.Context, s Store, reference string, by UserID, reason string) (*Transaction, error) {
	tx, err := s.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Status != TxCompleted {
		return nil, &StateTransitionError{
			Entity: "transaction",
			From:   string(tx.Status),
			To:     "reversed",
			Reason: "only completed transactions can be reversed",
		}
	}
	if tx.Reversed {
		return nil, &StateTransitionError{
			Entity: "transaction",
			From:   "reversed",
			To:     "reversed",
			Reason: "transaction is already reversed",
		}
	}

	at := l.now()
	if err := s.MarkTransactionReversed(ctx, reference, by, reason, at); err != nil {
		return nil, err
	}
	tx.Reversed = true
	tx.ReversedAt = &at
	tx.ReversedBy = by
	tx.ReversalReason = reason
	return tx, nil
}

// FindByReference looks a transaction up by its unique reference.
func (l *Ledger) FindByReference(ctx context.Context, s Store, reference string) (*Transaction, error) {
	return s.GetTransactionByReference(ctx, reference)
}

// NewReference builds a {TYPE}_{suffix} reference. The suffix is 12 hex
// characters drawn from a fresh UUID, which keeps collisions statistically
// negligible while the store's unique index backstops the guarantee.
func NewReference(t TransactionType) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return fmt.Sprintf("%s_%s", strings.ToUpper(string(t)), suffix)
}
