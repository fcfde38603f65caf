/*
settlement.go - Matured-position settlement engine

PURPOSE:
  The settlement engine is the core of the platform: it finds positions
  whose term has ended, credits the profit and returns the principal to the
  user's wallet, records the ledger entries, and marks the position
  completed.

BATCH SEMANTICS:
  - The scan is a point-in-time snapshot. Positions maturing after the
    scan started are left for the next run.
  - Positions are settled sequentially and independently. One position's
    failure is logged and counted, never propagated; the batch keeps going.
  - Every batch persists a SettlementRun audit record.

ATOMICITY:
  Each position settles inside its own WithTx unit of work: the wallet
  credits, ledger entries, and position update commit or roll back as one.
  The idempotency flags (IsProfitCredited/IsPrincipalReturned) are the
  second line of defense: should a half-settled position ever survive, the
  next run performs only the still-pending half.

MUTUAL EXCLUSION:
  RunBatch serializes behind a mutex, so a manual trigger fired during a
  scheduled run waits its turn instead of interleaving. TryRunBatch is the
  non-blocking variant used by the scheduler tick; it skips when a batch
  is already running.

SEE ALSO:
  - position.go: manual admin completion reuses SettlePosition
  - api/scheduler.go: the periodic trigger
*/
package invest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errPositionNotSettleable marks positions the per-position routine declines
// to touch (already closed by another path, or frozen). The batch loop
// counts these as skipped, not failed.
var errPositionNotSettleable = errors.New("position not settleable")

// BatchResult reports the outcome of one settlement batch.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// SettlementEngine scans for matured positions and settles them.
type SettlementEngine struct {
	Store      TxStore
	Accounting *Accounting
	Clock      func() time.Time
	Logger     *log.Logger

	mu sync.Mutex // serializes batches
}

func NewSettlementEngine(store TxStore, accounting *Accounting) *SettlementEngine {
	return &SettlementEngine{
		Store:      store,
		Accounting: accounting,
		Clock:      time.Now,
		Logger:     log.Default(),
	}
}

func (e *SettlementEngine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *SettlementEngine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf("[Settlement] "+format, args...)
	}
}

// RunBatch settles all currently matured, unsettled positions. It blocks
// until any in-flight batch finishes, then runs. Always returns counts;
// the error is non-nil only for batch-level failures (the scan itself, or
// run-record persistence), never for individual positions.
func (e *SettlementEngine) RunBatch(ctx context.Context, trigger string) (BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runLocked(ctx, trigger)
}

// TryRunBatch is the non-blocking variant: if a batch is already running
// it returns ErrBatchInProgress instead of waiting.
func (e *SettlementEngine) TryRunBatch(ctx context.Context, trigger string) (BatchResult, error) {
	if !e.mu.TryLock() {
		return BatchResult{}, ErrBatchInProgress
	}
	defer e.mu.Unlock()
	return e.runLocked(ctx, trigger)
}

func (e *SettlementEngine) runLocked(ctx context.Context, trigger string) (BatchResult, error) {
	now := e.now()
	run := &SettlementRun{
		ID:        fmt.Sprintf("run-%s", uuid.NewString()),
		Trigger:   trigger,
		Status:    "running",
		StartedAt: now,
	}
	if err := e.Store.SaveSettlementRun(ctx, run); err != nil {
		return BatchResult{}, fmt.Errorf("failed to save run record: %w", err)
	}

	positions, err := e.Store.ListMaturedUnsettled(ctx, now)
	if err != nil {
		e.finishRun(ctx, run, BatchResult{}, err)
		return BatchResult{}, err
	}

	e.logf("found %d matured positions to settle (%s)", len(positions), trigger)

	var result BatchResult
	for _, pos := range positions {
		if pos.IsFrozen {
			result.Skipped++
			e.logf("skipping frozen position %s (user %s)", pos.ID, pos.UserID)
			continue
		}

		err := e.settleOne(ctx, pos.ID, now)
		switch {
		case err == nil:
			result.Processed++
			e.logf("settled position %s for user %s", pos.ID, pos.UserID)
		case errors.Is(err, errPositionNotSettleable):
			result.Skipped++
			e.logf("skipping position %s: %v", pos.ID, err)
		default:
			result.Failed++
			e.logf("failed to settle position %s for user %s: %v", pos.ID, pos.UserID, err)
		}
	}

	e.finishRun(ctx, run, result, nil)
	e.logf("batch completed: %d processed, %d failed, %d skipped", result.Processed, result.Failed, result.Skipped)
	return result, nil
}

// settleOne settles a single position inside its own unit of work. The
// position is re-read within the transaction so a concurrent close by
// another path (e.g. manual admin completion) is observed.
func (e *SettlementEngine) settleOne(ctx context.Context, id PositionID, now time.Time) error {
	return e.Store.WithTx(ctx, func(s Store) error {
		pos, err := s.GetPosition(ctx, id)
		if err != nil {
			return err
		}
		if pos.Status != PositionActive {
			return fmt.Errorf("%w: status is %s", errPositionNotSettleable, pos.Status)
		}
		if pos.IsFrozen {
			return fmt.Errorf("%w: frozen", errPositionNotSettleable)
		}
		return SettlePosition(ctx, s, e.Accounting, pos, now)
	})
}

func (e *SettlementEngine) finishRun(ctx context.Context, run *SettlementRun, result BatchResult, batchErr error) {
	done := e.now()
	run.CompletedAt = &done
	run.Processed = result.Processed
	run.Failed = result.Failed
	run.Skipped = result.Skipped
	if batchErr != nil {
		run.Status = "failed"
		run.Error = batchErr.Error()
	} else {
		run.Status = "completed"
	}
	if err := e.Store.SaveSettlementRun(ctx, run); err != nil {
		e.logf("failed to update run record %s: %v", run.ID, err)
	}
}

// Stats returns a read-only snapshot of pending settlement work.
func (e *SettlementEngine) Stats(ctx context.Context) (*SettlementStats, error) {
	return e.Store.SettlementStats(ctx, e.now())
}

// SettlePosition performs the per-position settlement routine against the
// caller's store scope. The scheduled batch and manual admin completion
// both funnel through here so the bookkeeping can never diverge.
//
// Steps, in order (later steps depend on earlier ones having committed):
//  1. credit ExpectedProfit, record investment_profit, set IsProfitCredited
//  2. credit principal, record investment_principal, set IsPrincipalReturned
//  3. when both halves are credited, mark the position completed
//  4. recompute the wallet's HasActiveInvestments flag
//
// Each half is guarded by its idempotency flag, so re-running on a
// half-settled position performs only the pending half.
func SettlePosition(ctx context.Context, s Store, acct *Accounting, pos *Position, now time.Time) error {
	if pos.Status != PositionActive {
		return &StateTransitionError{
			Entity: "position",
			From:   string(pos.Status),
			To:     string(PositionCompleted),
			Reason: "only active positions can be settled",
		}
	}
	if pos.IsFrozen {
		return fmt.Errorf("position %s: %w", pos.ID, ErrPositionFrozen)
	}

	if !pos.IsProfitCredited {
		_, _, err := acct.Credit(ctx, s, pos.UserID, pos.ExpectedProfit, Entry{
			Type:            TxInvestmentProfit,
			Source:          EndpointInvestment,
			Destination:     EndpointWallet,
			Description:     fmt.Sprintf("Profit credited from matured position - %s", pos.ExpectedProfit.String()),
			RelatedPosition: pos.ID,
		})
		if err != nil {
			return fmt.Errorf("crediting profit: %w", err)
		}
		pos.ActualProfit = pos.ExpectedProfit
		pos.IsProfitCredited = true
		pos.ProfitCreditedAt = &now
	}

	if !pos.IsPrincipalReturned {
		_, _, err := acct.Credit(ctx, s, pos.UserID, pos.Amount, Entry{
			Type:            TxInvestmentPrincipal,
			Source:          EndpointInvestment,
			Destination:     EndpointWallet,
			Description:     fmt.Sprintf("Principal returned from matured position - %s", pos.Amount.String()),
			RelatedPosition: pos.ID,
		})
		if err != nil {
			return fmt.Errorf("returning principal: %w", err)
		}
		pos.IsPrincipalReturned = true
		pos.PrincipalReturnedAt = &now
	}

	if pos.Settled() {
		pos.Status = PositionCompleted
	}
	if err := s.SavePosition(ctx, pos); err != nil {
		return err
	}

	if pos.Status == PositionCompleted {
		if err := decrementPlanActive(ctx, s, pos.PlanID); err != nil {
			return err
		}
	}

	return refreshActivityFlag(ctx, s, pos.UserID, now)
}

func decrementPlanActive(ctx context.Context, s Store, planID PlanID) error {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		// Plan records can be archived out from under old positions;
		// counters on a missing plan are not worth failing a payout over.
		if errors.Is(err, ErrPlanNotFound) {
			return nil
		}
		return err
	}
	if plan.ActivePositions > 0 {
		plan.ActivePositions--
	}
	return s.SavePlan(ctx, plan)
}
