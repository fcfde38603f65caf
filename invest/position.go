/*
position.go - Position lifecycle

STATE MACHINE:
  active ──settlement / manual completion──▶ completed   (requires !IsFrozen)
  active ──admin termination──────────────▶ cancelled   (never from completed)

  IsFrozen is an orthogonal administrative lock: settable true only from
  active & not-already-frozen, false only from frozen. A frozen position
  blocks completion and settlement but does not change Status.

  completed is terminal except for AdjustProfit, which rewrites
  ActualProfit post-hoc without touching Status.

Manual admin completion reuses SettlePosition, the exact routine the
settlement engine runs, so the two paths cannot drift apart.
*/
package invest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Positions manages the lifecycle of user positions.
type Positions struct {
	Accounting *Accounting
	Clock      func() time.Time
}

func NewPositions(accounting *Accounting) *Positions {
	return &Positions{Accounting: accounting, Clock: time.Now}
}

func (ps *Positions) now() time.Time {
	if ps.Clock != nil {
		return ps.Clock()
	}
	return time.Now()
}

// Invest opens a new position: validates the plan's rules, debits the
// wallet, and creates the position and its trade_to_investment transaction
// in one unit of work.
func (ps *Positions) Invest(ctx context.Context, store TxStore, userID UserID, planID PlanID, amount decimal.Decimal) (*Position, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "amount must be positive"}
	}

	var created *Position
	err := store.WithTx(ctx, func(s Store) error {
		plan, err := s.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != PlanActive {
			return fmt.Errorf("plan %s is %s: %w", planID, plan.Status, ErrPlanNotFound)
		}
		if amount.LessThan(plan.MinAmount) {
			return &ValidationError{Field: "amount",
				Message: fmt.Sprintf("minimum investment amount is %s", plan.MinAmount.String())}
		}
		if plan.MaxAmount != nil && amount.GreaterThan(*plan.MaxAmount) {
			return &ValidationError{Field: "amount",
				Message: fmt.Sprintf("maximum investment amount is %s", plan.MaxAmount.String())}
		}

		hasActive, err := s.HasActivePosition(ctx, userID, planID)
		if err != nil {
			return err
		}
		if hasActive && !plan.AllowMultipleInvestments {
			return ErrAlreadyInvested
		}
		if plan.MaxActiveUsers != nil && !hasActive {
			investors, err := s.CountActiveInvestors(ctx, planID)
			if err != nil {
				return err
			}
			if investors >= *plan.MaxActiveUsers {
				return ErrPlanCapacityReached
			}
		}

		now := ps.now()
		pos := &Position{
			ID:             PositionID(uuid.NewString()),
			UserID:         userID,
			PlanID:         planID,
			Amount:         amount,
			StartDate:      now,
			EndDate:        now.AddDate(0, 0, plan.DurationDays),
			ExpectedProfit: plan.ExpectedProfit(amount),
			Status:         PositionActive,
			CreatedAt:      now,
		}

		w, _, err := ps.Accounting.Debit(ctx, s, userID, amount, Entry{
			Type:            TxTradeToInvestment,
			Source:          EndpointWallet,
			Destination:     EndpointInvestment,
			Description:     fmt.Sprintf("Investment in %s - %s", plan.Name, amount.String()),
			RelatedPosition: pos.ID,
		})
		if err != nil {
			return err
		}

		if err := s.SavePosition(ctx, pos); err != nil {
			return err
		}

		w.HasActiveInvestments = true
		if err := s.SaveWallet(ctx, w); err != nil {
			return err
		}

		plan.TotalInvested = plan.TotalInvested.Add(amount)
		plan.ActivePositions++
		if err := s.SavePlan(ctx, plan); err != nil {
			return err
		}

		created = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Freeze places an administrative lock on an active position.
func (ps *Positions) Freeze(ctx context.Context, s Store, id PositionID, by UserID, reason string) (*Position, error) {
	pos, err := s.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != PositionActive {
		return nil, &StateTransitionError{Entity: "position", From: string(pos.Status), To: "frozen",
			Reason: "only active positions can be frozen"}
	}
	if pos.IsFrozen {
		return nil, &StateTransitionError{Entity: "position", From: "frozen", To: "frozen",
			Reason: "position is already frozen"}
	}

	now := ps.now()
	pos.IsFrozen = true
	pos.FrozenAt = &now
	pos.FrozenBy = by
	pos.FreezeReason = reason

	if err := s.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// Unfreeze lifts the administrative lock.
func (ps *Positions) Unfreeze(ctx context.Context, s Store, id PositionID) (*Position, error) {
	pos, err := s.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pos.IsFrozen {
		return nil, &StateTransitionError{Entity: "position", From: "unfrozen", To: "unfrozen",
			Reason: "position is not frozen"}
	}

	pos.IsFrozen = false
	pos.FrozenAt = nil
	pos.FrozenBy = ""
	pos.FreezeReason = ""

	if err := s.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// CompleteManually settles one position synchronously, outside the
// scheduled batch, via the identical SettlePosition routine. Blocked when
// the position is frozen.
func (ps *Positions) CompleteManually(ctx context.Context, store TxStore, id PositionID, adminID UserID) (*Position, error) {
	var settled *Position
	err := store.WithTx(ctx, func(s Store) error {
		pos, err := s.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if pos.IsFrozen {
			return fmt.Errorf("position %s: %w", id, ErrPositionFrozen)
		}
		if pos.Status != PositionActive {
			return &StateTransitionError{Entity: "position", From: string(pos.Status), To: string(PositionCompleted),
				Reason: "only active positions can be completed"}
		}

		pos.ManuallyCompleted = true
		pos.CompletedBy = adminID
		if err := SettlePosition(ctx, s, ps.Accounting, pos, ps.now()); err != nil {
			return err
		}
		settled = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// Terminate cancels a position. Allowed any time before completion,
// including while frozen; not reversible. The principal is returned to the
// wallet unless it was already returned; any unearned profit is forfeited.
func (ps *Positions) Terminate(ctx context.Context, store TxStore, id PositionID, adminID UserID, reason string) (*Position, error) {
	var cancelled *Position
	err := store.WithTx(ctx, func(s Store) error {
		pos, err := s.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if pos.Status == PositionCompleted {
			return &StateTransitionError{Entity: "position", From: string(PositionCompleted), To: string(PositionCancelled),
				Reason: "cannot terminate a completed position"}
		}
		if pos.Status == PositionCancelled {
			return &StateTransitionError{Entity: "position", From: string(PositionCancelled), To: string(PositionCancelled),
				Reason: "position is already cancelled"}
		}

		now := ps.now()
		if !pos.IsPrincipalReturned {
			_, _, err := ps.Accounting.Credit(ctx, s, pos.UserID, pos.Amount, Entry{
				Type:            TxInvestmentPrincipal,
				Source:          EndpointInvestment,
				Destination:     EndpointWallet,
				Description:     fmt.Sprintf("Principal returned on terminated position - %s", pos.Amount.String()),
				RelatedPosition: pos.ID,
			})
			if err != nil {
				return err
			}
			pos.IsPrincipalReturned = true
			pos.PrincipalReturnedAt = &now
		}

		pos.Status = PositionCancelled
		if reason == "" {
			reason = "Terminated by admin"
		}
		pos.AdminNotes = reason

		if err := s.SavePosition(ctx, pos); err != nil {
			return err
		}
		if err := decrementPlanActive(ctx, s, pos.PlanID); err != nil {
			return err
		}
		if err := refreshActivityFlag(ctx, s, pos.UserID, now); err != nil {
			return err
		}
		cancelled = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// AdjustProfit rewrites ActualProfit on a completed position. An upward
// adjustment credits the wallet the difference via an admin_adjustment
// transaction. A downward adjustment updates the record only; the wallet
// is deliberately left untouched (money already paid out stays paid).
func (ps *Positions) AdjustProfit(ctx context.Context, store TxStore, id PositionID, newProfit decimal.Decimal, adminID UserID, reason string) (*Position, error) {
	if newProfit.IsNegative() {
		return nil, &ValidationError{Field: "newProfit", Message: "profit cannot be negative"}
	}

	var adjusted *Position
	err := store.WithTx(ctx, func(s Store) error {
		pos, err := s.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if pos.Status != PositionCompleted {
			return &StateTransitionError{Entity: "position", From: string(pos.Status), To: string(PositionCompleted),
				Reason: "only completed positions can have profit adjusted"}
		}

		diff := newProfit.Sub(pos.ActualProfit)
		pos.ActualProfit = newProfit
		if reason != "" {
			pos.AdminNotes = reason
		}

		if err := s.SavePosition(ctx, pos); err != nil {
			return err
		}

		if diff.IsPositive() {
			_, _, err := ps.Accounting.Credit(ctx, s, pos.UserID, diff, Entry{
				Type:            TxAdminAdjustment,
				Source:          EndpointInvestment,
				Destination:     EndpointWallet,
				Description:     fmt.Sprintf("Profit adjustment on position %s - %s", pos.ID, diff.String()),
				RelatedPosition: pos.ID,
			})
			if err != nil {
				return err
			}
		}
		adjusted = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adjusted, nil
}
