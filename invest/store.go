/*
store.go - Persistence interface for the ledger store

PURPOSE:
  Defines the boundary between domain logic and the database. Domain code
  never sees SQL; it sees this interface. The settlement path additionally
  requires TxStore, whose WithTx gives callers a unit of work: every write
  made through the scoped Store commits or rolls back together.

UNIT OF WORK:
  Operations that must be atomic (per-position settlement, invest,
  terminate, profit adjustment) run as:

    err := store.WithTx(ctx, func(s invest.Store) error {
        // reads and writes through s are one atomic unit
        return nil // commit; non-nil = rollback
    })

  Wallet accounting and the transaction ledger accept a plain Store and
  never commit on their own - they always write through whatever scope the
  caller hands them.

IMPLEMENTATIONS:
  - store/sqlite: production implementation (also used in-memory by tests)
*/
package invest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary for wallets, plans, positions and
// transactions. Implementations map domain errors (ErrWalletNotFound,
// ErrDuplicateReference, ...) from their storage-level equivalents.
type Store interface {
	// Wallets
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error

	// Plans
	GetPlan(ctx context.Context, id PlanID) (*Plan, error)
	SavePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context, status PlanStatus) ([]Plan, error)

	// Positions
	GetPosition(ctx context.Context, id PositionID) (*Position, error)
	SavePosition(ctx context.Context, p *Position) error
	ListPositionsByUser(ctx context.Context, userID UserID, status PositionStatus) ([]Position, error)

	// ListMaturedUnsettled returns active positions whose term has ended
	// and which still have at least one payout half pending. This is the
	// settlement engine's scan query; it is a point-in-time snapshot.
	ListMaturedUnsettled(ctx context.Context, asOf time.Time) ([]Position, error)

	CountActivePositions(ctx context.Context, userID UserID) (int, error)
	HasActivePosition(ctx context.Context, userID UserID, planID PlanID) (bool, error)
	CountActiveInvestors(ctx context.Context, planID PlanID) (int, error)

	// Transactions. AppendTransaction returns ErrDuplicateReference when
	// the reference collides; it never overwrites. SetTransactionStatus
	// only applies when the current status matches from (forward-only).
	AppendTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	SetTransactionStatus(ctx context.Context, reference string, from, to TransactionStatus) error
	MarkTransactionReversed(ctx context.Context, reference string, by UserID, reason string, at time.Time) error
	ListTransactionsByUser(ctx context.Context, userID UserID, txType TransactionType) ([]Transaction, error)

	// Settlement audit + reporting
	SaveSettlementRun(ctx context.Context, run *SettlementRun) error
	ListSettlementRuns(ctx context.Context, limit int) ([]SettlementRun, error)
	SettlementStats(ctx context.Context, now time.Time) (*SettlementStats, error)
}

// TxStore extends Store with unit-of-work support.
type TxStore interface {
	Store

	// WithTx executes fn within a storage transaction. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SettlementRun is the persisted audit record of one settlement batch.
type SettlementRun struct {
	ID          string
	Trigger     string // "scheduled" or "manual"
	Status      string // "running", "completed", "failed"
	Processed   int
	Failed      int
	Skipped     int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SettlementStats is a read-only snapshot of pending settlement work.
type SettlementStats struct {
	TotalActiveInvestments         int             `json:"totalActiveInvestments"`
	MaturedButNotCredited          int             `json:"maturedButNotCredited"`
	MaturedButNotPrincipalReturned int             `json:"maturedButNotPrincipalReturned"`
	DueInNext24Hours               int             `json:"dueInNext24Hours"`
	TotalProfitPending             decimal.Decimal `json:"totalProfitPending"`
	TotalPrincipalPending          decimal.Decimal `json:"totalPrincipalPending"`
}
