/*
wallet.go - Wallet accounting primitives

PURPOSE:
  Credit and Debit are the ONLY ways a wallet balance changes. Each call
  mutates the balance, updates the deposit/withdrawal totals, stamps
  LastActivity, and emits exactly one Transaction through the ledger.

CONTRACT:
  - amount must be > 0 (ValidationError before any state change)
  - a frozen wallet rejects both operations (ErrWalletFrozen)
  - a debit that would go negative is rejected (InsufficientBalanceError)
    and the balance is unchanged - never silently clamped

SCOPING:
  Both operations take the caller's Store and never commit on their own.
  When settlement credits profit inside a unit of work, the balance
  mutation and the transaction record land in the same atomic unit.
*/
package invest

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Accounting performs wallet credit/debit with frozen-state guards and
// audit-trail transaction emission.
type Accounting struct {
	Ledger *Ledger
	Clock  func() time.Time
}

func NewAccounting(ledger *Ledger) *Accounting {
	return &Accounting{Ledger: ledger, Clock: time.Now}
}

func (a *Accounting) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

// Credit adds amount to the user's wallet and records the transaction
// described by e. Returns the updated wallet and the emitted transaction.
func (a *Accounting) Credit(ctx context.Context, s Store, userID UserID, amount decimal.Decimal, e Entry) (*Wallet, *Transaction, error) {
	if !amount.IsPositive() {
		return nil, nil, &ValidationError{Field: "amount", Message: "amount must be positive"}
	}

	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if w.Frozen {
		return nil, nil, fmt.Errorf("credit %s to user %s: %w", amount.String(), userID, ErrWalletFrozen)
	}

	now := a.now()
	w.Balance = w.Balance.Add(amount)
	w.TotalDeposited = w.TotalDeposited.Add(amount)
	w.LastActivity = &now

	if err := s.SaveWallet(ctx, w); err != nil {
		return nil, nil, err
	}

	tx, err := a.Ledger.Record(ctx, s, userID, amount, e)
	if err != nil {
		return nil, nil, err
	}
	if err := a.Ledger.Complete(ctx, s, tx.Reference); err != nil {
		return nil, nil, err
	}
	tx.Status = TxCompleted
	return w, tx, nil
}

// Debit removes amount from the user's wallet and records the transaction
// described by e. Fails with InsufficientBalanceError when the balance
// cannot cover the amount.
func (a *Accounting) Debit(ctx context.Context, s Store, userID UserID, amount decimal.Decimal, e Entry) (*Wallet, *Transaction, error) {
	if !amount.IsPositive() {
		return nil, nil, &ValidationError{Field: "amount", Message: "amount must be positive"}
	}

	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if w.Frozen {
		return nil, nil, fmt.Errorf("debit %s from user %s: %w", amount.String(), userID, ErrWalletFrozen)
	}
	if w.Balance.LessThan(amount) {
		return nil, nil, &InsufficientBalanceError{
			UserID:    userID,
			Available: w.Balance,
			Requested: amount,
		}
	}

	now := a.now()
	w.Balance = w.Balance.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	w.LastActivity = &now

	if err := s.SaveWallet(ctx, w); err != nil {
		return nil, nil, err
	}

	tx, err := a.Ledger.Record(ctx, s, userID, amount, e)
	if err != nil {
		return nil, nil, err
	}
	if err := a.Ledger.Complete(ctx, s, tx.Reference); err != nil {
		return nil, nil, err
	}
	tx.Status = TxCompleted
	return w, tx, nil
}

// FreezeWallet places an administrative lock on the wallet. Freezing an
// already frozen wallet is an invalid transition.
func (a *Accounting) FreezeWallet(ctx context.Context, s Store, userID UserID, by UserID, reason string) (*Wallet, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.Frozen {
		return nil, &StateTransitionError{Entity: "wallet", From: "frozen", To: "frozen", Reason: "wallet is already frozen"}
	}

	now := a.now()
	w.Frozen = true
	w.FrozenAt = &now
	w.FrozenBy = by
	w.FreezeReason = reason
	w.LastActivity = &now

	if err := s.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// UnfreezeWallet lifts the administrative lock.
func (a *Accounting) UnfreezeWallet(ctx context.Context, s Store, userID UserID) (*Wallet, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !w.Frozen {
		return nil, &StateTransitionError{Entity: "wallet", From: "unfrozen", To: "unfrozen", Reason: "wallet is not frozen"}
	}

	now := a.now()
	w.Frozen = false
	w.FrozenAt = nil
	w.FrozenBy = ""
	w.FreezeReason = ""
	w.LastActivity = &now

	if err := s.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// refreshActivityFlag recomputes HasActiveInvestments from the position
// table. Called after any operation that opens or closes a position.
func refreshActivityFlag(ctx context.Context, s Store, userID UserID, now time.Time) error {
	n, err := s.CountActivePositions(ctx, userID)
	if err != nil {
		return err
	}
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	w.HasActiveInvestments = n > 0
	w.LastActivity = &now
	return s.SaveWallet(ctx, w)
}
