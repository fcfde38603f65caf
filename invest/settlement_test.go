package invest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage/invest-engine/invest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// openPosition invests and hands back the created position.
func openPosition(t *testing.T, env *testEnv, userID invest.UserID, planID invest.PlanID, amount string) *invest.Position {
	pos, err := env.positions.Invest(context.Background(), env.store, userID, planID, amt(amount))
	require.NoError(t, err)
	return pos
}

// =============================================================================
// THE CORE SCENARIO
// =============================================================================

func TestSettlement_MaturedPosition_FullPayout(t *testing.T) {
	// GIVEN: User invests 1000 into a 15%/14-day plan (balance 5000 -> 4000)
	// WHEN: 14 days pass and a settlement batch runs
	// THEN: Wallet is 5150 (principal 1000 + profit 150 returned), the
	//       position is completed, and both ledger entries exist

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")

	pos := openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(14*24*time.Hour + time.Minute)

	result, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{Processed: 1}, result)

	w, err := env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("5150")), "balance: %s", w.Balance)
	assert.False(t, w.HasActiveInvestments)

	settled, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, invest.PositionCompleted, settled.Status)
	assert.True(t, settled.IsProfitCredited)
	assert.True(t, settled.IsPrincipalReturned)
	assert.True(t, settled.ActualProfit.Equal(amt("150")))
	require.NotNil(t, settled.ProfitCreditedAt)
	require.NotNil(t, settled.PrincipalReturnedAt)

	profits, err := env.store.ListTransactionsByUser(ctx, "user-1", invest.TxInvestmentProfit)
	require.NoError(t, err)
	require.Len(t, profits, 1)
	assert.True(t, profits[0].Amount.Equal(amt("150")))
	assert.Equal(t, pos.ID, profits[0].RelatedPosition)

	principals, err := env.store.ListTransactionsByUser(ctx, "user-1", invest.TxInvestmentPrincipal)
	require.NoError(t, err)
	require.Len(t, principals, 1)
	assert.True(t, principals[0].Amount.Equal(amt("1000")))
}

func TestSettlement_UnmaturedPositionUntouched(t *testing.T) {
	// A position one minute short of maturity is not settled.
	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")

	pos := openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(14*24*time.Hour - time.Minute)

	result, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{}, result)

	current, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, invest.PositionActive, current.Status)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestSettlement_SecondRunIsNoOp(t *testing.T) {
	// GIVEN: A batch already settled the only matured position
	// WHEN: Running again
	// THEN: Nothing is processed and the balance does not move

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")
	openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(15 * 24 * time.Hour)

	first, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)

	second, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{}, second)

	w, err := env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("5150")), "no double credit")
}

func TestSettlement_HalfSettledPosition_OnlyPendingHalfPerformed(t *testing.T) {
	// GIVEN: A matured position whose profit half already settled (flag set)
	// WHEN: A batch runs
	// THEN: Only the principal is credited

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")
	pos := openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(15 * 24 * time.Hour)

	// Simulate a historical half-settlement
	stored, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	stored.IsProfitCredited = true
	stored.ActualProfit = amt("150")
	at := env.now
	stored.ProfitCreditedAt = &at
	require.NoError(t, env.store.SavePosition(ctx, stored))

	result, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	w, err := env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("5000")), "only the 1000 principal was credited")

	profits, err := env.store.ListTransactionsByUser(ctx, "user-1", invest.TxInvestmentProfit)
	require.NoError(t, err)
	assert.Empty(t, profits, "profit half must not re-run")
}

// =============================================================================
// FROZEN EXCLUSION
// =============================================================================

func TestSettlement_FrozenPositionSkipped(t *testing.T) {
	// GIVEN: Two matured positions, one frozen
	// WHEN: A batch runs
	// THEN: The frozen one is skipped and untouched; unfreezing and
	//       re-running settles it

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedWallet(t, env.store, "user-2", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")

	frozen := openPosition(t, env, "user-1", "plan-15", "1000")
	openPosition(t, env, "user-2", "plan-15", "1000")

	_, err := env.positions.Freeze(ctx, env.store, frozen.ID, "admin-1", "dispute")
	require.NoError(t, err)

	env.advance(15 * 24 * time.Hour)

	result, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{Processed: 1, Skipped: 1}, result)

	w1, err := env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w1.Balance.Equal(amt("4000")), "frozen position pays nothing")

	// Thaw and settle
	_, err = env.positions.Unfreeze(ctx, env.store, frozen.ID)
	require.NoError(t, err)

	result, err = env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{Processed: 1}, result)

	w1, err = env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w1.Balance.Equal(amt("5150")))
}

// =============================================================================
// PARTIAL-BATCH TOLERANCE
// =============================================================================

func TestSettlement_OneFailureDoesNotStopTheBatch(t *testing.T) {
	// GIVEN: Three matured positions; one user's wallet is frozen so their
	//        payout will fail
	// WHEN: A batch runs
	// THEN: The other two settle; the failure is a count, not an abort

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedWallet(t, env.store, "user-2", "5000")
	seedWallet(t, env.store, "user-3", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")

	openPosition(t, env, "user-1", "plan-15", "1000")
	broken := openPosition(t, env, "user-2", "plan-15", "1000")
	openPosition(t, env, "user-3", "plan-15", "1000")

	_, err := env.acct.FreezeWallet(ctx, env.store, "user-2", "admin-1", "review")
	require.NoError(t, err)

	env.advance(15 * 24 * time.Hour)

	result, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err, "per-position failures never fail the batch")
	assert.Equal(t, invest.BatchResult{Processed: 2, Failed: 1}, result)

	// The failed position is fully intact for a later retry
	pos, err := env.store.GetPosition(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, invest.PositionActive, pos.Status)
	assert.False(t, pos.IsProfitCredited)
	assert.False(t, pos.IsPrincipalReturned)

	w2, err := env.store.GetWallet(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, w2.Balance.Equal(amt("4000")))
}

// =============================================================================
// ATOMICITY UNDER INJECTED FAILURE
// =============================================================================

// faultStore wraps a TxStore and fails AppendTransaction for one
// transaction type, simulating a mid-settlement storage failure between the
// profit credit and the principal return.
type faultStore struct {
	invest.TxStore
	failType invest.TransactionType
}

var errInjected = errors.New("injected storage failure")

func (fs *faultStore) WithTx(ctx context.Context, fn func(invest.Store) error) error {
	return fs.TxStore.WithTx(ctx, func(s invest.Store) error {
		return fn(&faultTxView{Store: s, failType: fs.failType})
	})
}

type faultTxView struct {
	invest.Store
	failType invest.TransactionType
}

func (fv *faultTxView) AppendTransaction(ctx context.Context, tx *invest.Transaction) error {
	if tx.Type == fv.failType {
		return errInjected
	}
	return fv.Store.AppendTransaction(ctx, tx)
}

func TestSettlement_MidSettlementFailureRollsBackWholePosition(t *testing.T) {
	// GIVEN: Settlement whose principal-return write fails after the profit
	//        credit succeeded inside the same unit of work
	// WHEN: The batch runs
	// THEN: The whole position rolls back: no balance change, no flags, no
	//       profit transaction. A later clean run settles it fully.

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")
	pos := openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(15 * 24 * time.Hour)

	faulty := invest.NewSettlementEngine(
		&faultStore{TxStore: env.store, failType: invest.TxInvestmentPrincipal},
		env.acct,
	)
	faulty.Clock = env.engine.Clock

	result, err := faulty.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{Failed: 1}, result)

	// Everything rolled back
	w, err := env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("4000")), "profit credit must have rolled back")

	current, err := env.store.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, invest.PositionActive, current.Status)
	assert.False(t, current.IsProfitCredited)
	assert.False(t, current.IsPrincipalReturned)

	profits, err := env.store.ListTransactionsByUser(ctx, "user-1", invest.TxInvestmentProfit)
	require.NoError(t, err)
	assert.Empty(t, profits)

	// A clean retry completes the payout
	retry, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, invest.BatchResult{Processed: 1}, retry)

	w, err = env.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("5150")))
}

// =============================================================================
// MUTUAL EXCLUSION
// =============================================================================

// gateStore blocks ListMaturedUnsettled until released, letting a test hold
// a batch open while probing the engine from another goroutine.
type gateStore struct {
	invest.TxStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (gs *gateStore) ListMaturedUnsettled(ctx context.Context, asOf time.Time) ([]invest.Position, error) {
	gs.once.Do(func() {
		close(gs.entered)
		<-gs.release
	})
	return gs.TxStore.ListMaturedUnsettled(ctx, asOf)
}

func TestSettlement_TickSkipsWhileBatchInProgress(t *testing.T) {
	// GIVEN: A batch currently running
	// WHEN: The non-blocking trigger fires
	// THEN: ErrBatchInProgress; once the batch finishes, triggers work again

	env := newTestEnv(t)
	ctx := context.Background()

	gate := &gateStore{
		TxStore: env.store,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := invest.NewSettlementEngine(gate, env.acct)
	engine.Clock = env.engine.Clock

	done := make(chan error, 1)
	go func() {
		_, err := engine.RunBatch(ctx, "manual")
		done <- err
	}()

	<-gate.entered

	_, err := engine.TryRunBatch(ctx, "scheduled")
	assert.ErrorIs(t, err, invest.ErrBatchInProgress)

	close(gate.release)
	require.NoError(t, <-done)

	_, err = engine.TryRunBatch(ctx, "scheduled")
	assert.NoError(t, err, "lock released after the batch")
}

// =============================================================================
// AUDIT RECORDS + STATS
// =============================================================================

func TestSettlement_RunRecordsPersisted(t *testing.T) {
	// Every batch leaves a completed audit record with its counts.
	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedPlan(t, env.store, "plan-15", "15", 14, "100", "")
	openPosition(t, env, "user-1", "plan-15", "1000")
	env.advance(15 * 24 * time.Hour)

	_, err := env.engine.RunBatch(ctx, "manual")
	require.NoError(t, err)
	_, err = env.engine.RunBatch(ctx, "scheduled")
	require.NoError(t, err)

	runs, err := env.store.ListSettlementRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first: the empty scheduled run, then the manual payout run
	assert.Equal(t, "scheduled", runs[0].Trigger)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 0, runs[0].Processed)

	assert.Equal(t, "manual", runs[1].Trigger)
	assert.Equal(t, "completed", runs[1].Status)
	assert.Equal(t, 1, runs[1].Processed)
	assert.NotNil(t, runs[1].CompletedAt)
}

func TestSettlement_Stats(t *testing.T) {
	// GIVEN: One matured unsettled position (1000 @ 15%) and one far from
	//        maturity
	// WHEN: Reading stats
	// THEN: Counts and pending sums reflect only the matured one

	env := newTestEnv(t)
	ctx := context.Background()
	seedWallet(t, env.store, "user-1", "5000")
	seedWallet(t, env.store, "user-2", "5000")
	seedPlan(t, env.store, "plan-short", "15", 14, "100", "")
	seedPlan(t, env.store, "plan-long", "30", 365, "100", "")

	openPosition(t, env, "user-1", "plan-short", "1000")
	openPosition(t, env, "user-2", "plan-long", "2000")

	env.advance(15 * 24 * time.Hour)

	stats, err := env.engine.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalActiveInvestments)
	assert.Equal(t, 1, stats.MaturedButNotCredited)
	assert.Equal(t, 1, stats.MaturedButNotPrincipalReturned)
	assert.Equal(t, 1, stats.DueInNext24Hours)
	assert.True(t, stats.TotalProfitPending.Equal(amt("750")), "150 + 600 profit pending: %s", stats.TotalProfitPending)
	assert.True(t, stats.TotalPrincipalPending.Equal(amt("3000")), "1000 + 2000 principal pending")
}
