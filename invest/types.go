/*
Package invest contains the core domain model and algorithms for the
investment platform: wallets, fixed-term plans, user positions, the
transaction ledger, and the settlement engine that closes out matured
positions.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plan:        A fixed-term investment product (rate over a duration)
  - Position:    One user's money placed into a plan
  - Wallet:      A user's balance, mutated only via accounting operations
  - Transaction: An audit record of every money movement

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for all money. Floats never touch a balance.
  2. Type Safety: Strong typing for IDs prevents mixing user/plan/position IDs.
  3. Auditability: Every balance change emits a Transaction with a unique reference.
  4. Idempotency: Positions carry flags (IsProfitCredited, IsPrincipalReturned)
     that gate re-processing, so a retried settlement never double-credits.

SEE ALSO:
  - wallet.go:     Credit/debit primitives
  - ledger.go:     Transaction recording and reference generation
  - position.go:   Position lifecycle (invest, freeze, terminate, adjust)
  - settlement.go: The matured-position settlement engine
*/
package invest

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PlanID string
type PositionID string

// =============================================================================
// PLAN - A fixed-term investment product
// =============================================================================

type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanInactive PlanStatus = "inactive"
	PlanArchived PlanStatus = "archived"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Plan is an investment product configured by an admin. Rate is the percent
// return over the full term, not an annualized figure: a 15% plan over 14
// days pays amount*0.15 at maturity.
type Plan struct {
	ID           PlanID
	Name         string
	Rate         decimal.Decimal // percent over the term, in [0, 100]
	DurationDays int
	MinAmount    decimal.Decimal
	MaxAmount    *decimal.Decimal // nil = uncapped
	Status       PlanStatus
	Visibility   Visibility
	Description  string

	// Optional cap on how many distinct users may hold an active position.
	MaxActiveUsers *int

	// Whether one user may hold several active positions on this plan.
	AllowMultipleInvestments bool

	RiskLevel RiskLevel

	// Running counters, maintained by invest/terminate/settle operations.
	TotalInvested   decimal.Decimal
	ActivePositions int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the plan's internal invariants.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if p.Rate.IsNegative() || p.Rate.GreaterThan(decimal.NewFromInt(100)) {
		return &ValidationError{Field: "rate", Message: "rate must be between 0 and 100"}
	}
	if p.DurationDays < 1 {
		return &ValidationError{Field: "durationDays", Message: "duration must be at least 1 day"}
	}
	if p.MinAmount.IsNegative() {
		return &ValidationError{Field: "minAmount", Message: "minimum amount cannot be negative"}
	}
	if p.MaxAmount != nil && p.MaxAmount.LessThan(p.MinAmount) {
		return &ValidationError{Field: "maxAmount", Message: "maximum amount must be >= minimum amount"}
	}
	return nil
}

// ExpectedProfit computes the profit a principal of amount earns over the
// full term: amount * rate / 100.
func (p *Plan) ExpectedProfit(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.Rate).Div(decimal.NewFromInt(100))
}

// =============================================================================
// POSITION - One user's investment into a plan
// =============================================================================

type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
	PositionCancelled PositionStatus = "cancelled"
)

// Position tracks a single placement of funds from creation to settlement.
//
// The two idempotency flags are the heart of the settlement contract:
// IsProfitCredited and IsPrincipalReturned are only ever set true after the
// corresponding wallet credit has succeeded, and a position is only
// completed once both are true. Re-running settlement on a half-settled
// position performs only the still-pending half.
type Position struct {
	ID     PositionID
	UserID UserID
	PlanID PlanID

	Amount         decimal.Decimal // principal
	StartDate      time.Time
	EndDate        time.Time       // StartDate + plan.DurationDays
	ExpectedProfit decimal.Decimal // Amount * rate/100, fixed at creation
	ActualProfit   decimal.Decimal // set at settlement; admin may adjust later

	Status              PositionStatus
	IsProfitCredited    bool
	IsPrincipalReturned bool
	ProfitCreditedAt    *time.Time
	PrincipalReturnedAt *time.Time

	// Administrative lock, orthogonal to Status. A frozen position is
	// invisible to settlement and cannot be completed.
	IsFrozen     bool
	FrozenAt     *time.Time
	FrozenBy     UserID
	FreezeReason string

	ManuallyCompleted bool
	CompletedBy       UserID
	AdminNotes        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matured reports whether the position's term has ended as of now.
func (p *Position) Matured(now time.Time) bool {
	return !p.EndDate.After(now)
}

// Settled reports whether both halves of the payout have been credited.
func (p *Position) Settled() bool {
	return p.IsProfitCredited && p.IsPrincipalReturned
}

// =============================================================================
// WALLET - A user's balance
// =============================================================================

// Wallet holds a user's settlement-currency balance. It is mutated
// exclusively through Accounting.Credit/Debit, which also emit the audit
// Transaction inside the caller's unit of work.
type Wallet struct {
	ID     string
	UserID UserID // unique per user

	Balance        decimal.Decimal
	TotalDeposited decimal.Decimal
	TotalWithdrawn decimal.Decimal

	Frozen       bool
	FrozenAt     *time.Time
	FrozenBy     UserID
	FreezeReason string

	// Derived flag, recomputed whenever a position opens or closes.
	HasActiveInvestments bool

	LastActivity *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// TRANSACTION - Audit record of money movement
// =============================================================================

type TransactionType string

const (
	TxDeposit             TransactionType = "deposit"
	TxWithdrawal          TransactionType = "withdrawal"
	TxTradeToInvestment   TransactionType = "trade_to_investment"
	TxInvestmentProfit    TransactionType = "investment_profit"
	TxInvestmentPrincipal TransactionType = "investment_principal"
	TxAdminAdjustment     TransactionType = "admin_adjustment"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Endpoint names the logical side of a money movement.
type Endpoint string

const (
	EndpointWallet     Endpoint = "wallet"
	EndpointInvestment Endpoint = "investment"
	EndpointExternal   Endpoint = "external"
)

// Transaction is append-mostly: once written, only its status moves forward
// (pending -> completed or pending -> failed) and the Reversed flag may be
// set. Reversal never rewinds status.
type Transaction struct {
	ID     string
	UserID UserID

	Type        TransactionType
	Amount      decimal.Decimal
	Source      Endpoint
	Destination Endpoint

	// Reference is the globally unique idempotency key, formatted as
	// {TYPE}_{random-suffix}. The store enforces uniqueness.
	Reference string

	Status      TransactionStatus
	Description string

	// Weak link back to the position this movement belongs to, if any.
	RelatedPosition PositionID

	Reversed       bool
	ReversedAt     *time.Time
	ReversedBy     UserID
	ReversalReason string

	CreatedAt time.Time
}
