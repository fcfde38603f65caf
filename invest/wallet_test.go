package invest_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage/invest-engine/invest"
	"github.com/vantage/invest-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestAccounting(t *testing.T) (*invest.Accounting, *sqlite.Store) {
	store := newTestStore(t)
	return invest.NewAccounting(invest.NewLedger()), store
}

// seedWallet creates a wallet with the given balance.
func seedWallet(t *testing.T, store invest.Store, userID invest.UserID, balance string) *invest.Wallet {
	w := &invest.Wallet{
		ID:             uuid.NewString(),
		UserID:         userID,
		Balance:        amt(balance),
		TotalDeposited: amt(balance),
		TotalWithdrawn: decimal.Zero,
	}
	require.NoError(t, store.SaveWallet(context.Background(), w))
	return w
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestAccounting_Credit_UpdatesBalanceAndEmitsTransaction(t *testing.T) {
	// GIVEN: A wallet with 100
	// WHEN: Crediting 50
	// THEN: Balance is 150 and a completed deposit transaction exists

	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	w, tx, err := acct.Credit(ctx, store, "user-1", amt("50"), invest.Entry{
		Type:        invest.TxDeposit,
		Source:      invest.EndpointExternal,
		Destination: invest.EndpointWallet,
	})
	require.NoError(t, err)

	assert.True(t, w.Balance.Equal(amt("150")), "balance: %s", w.Balance)
	assert.True(t, w.TotalDeposited.Equal(amt("150")))
	assert.NotNil(t, w.LastActivity)

	assert.Equal(t, invest.TxCompleted, tx.Status)
	stored, err := store.GetTransactionByReference(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, invest.TxCompleted, stored.Status)
	assert.Equal(t, invest.TxDeposit, stored.Type)
}

func TestAccounting_Debit_UpdatesBalanceAndTotals(t *testing.T) {
	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	w, tx, err := acct.Debit(ctx, store, "user-1", amt("30"), invest.Entry{
		Type:        invest.TxWithdrawal,
		Source:      invest.EndpointWallet,
		Destination: invest.EndpointExternal,
	})
	require.NoError(t, err)

	assert.True(t, w.Balance.Equal(amt("70")))
	assert.True(t, w.TotalWithdrawn.Equal(amt("30")))
	assert.Equal(t, invest.TxWithdrawal, tx.Type)
}

func TestAccounting_Debit_InsufficientBalance(t *testing.T) {
	// GIVEN: A wallet with 100
	// WHEN: Debiting 100.01
	// THEN: InsufficientBalanceError with details; balance unchanged; no transaction

	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	_, _, err := acct.Debit(ctx, store, "user-1", amt("100.01"), invest.Entry{
		Type: invest.TxWithdrawal,
	})

	var ibe *invest.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.ErrorIs(t, err, invest.ErrInsufficientBalance)
	assert.True(t, ibe.Available.Equal(amt("100")))
	assert.True(t, ibe.Requested.Equal(amt("100.01")))

	w, err := store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("100")), "balance must be untouched")

	txs, err := store.ListTransactionsByUser(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, txs, "no transaction for a rejected debit")
}

func TestAccounting_Debit_ExactBalanceAllowed(t *testing.T) {
	// Draining the wallet to exactly zero is legal.
	acct, store := newTestAccounting(t)
	seedWallet(t, store, "user-1", "100")

	w, _, err := acct.Debit(context.Background(), store, "user-1", amt("100"), invest.Entry{
		Type: invest.TxWithdrawal,
	})
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestAccounting_NonPositiveAmountsRejected(t *testing.T) {
	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	var ve *invest.ValidationError

	_, _, err := acct.Credit(ctx, store, "user-1", amt("0"), invest.Entry{Type: invest.TxDeposit})
	assert.ErrorAs(t, err, &ve)

	_, _, err = acct.Debit(ctx, store, "user-1", amt("-5"), invest.Entry{Type: invest.TxWithdrawal})
	assert.ErrorAs(t, err, &ve)
}

func TestAccounting_MissingWallet(t *testing.T) {
	acct, store := newTestAccounting(t)

	_, _, err := acct.Credit(context.Background(), store, "ghost", amt("10"), invest.Entry{Type: invest.TxDeposit})
	assert.ErrorIs(t, err, invest.ErrWalletNotFound)
}

// =============================================================================
// FREEZE / UNFREEZE
// =============================================================================

func TestAccounting_FrozenWalletRejectsBothDirections(t *testing.T) {
	// GIVEN: A frozen wallet
	// WHEN: Crediting or debiting
	// THEN: ErrWalletFrozen, balance unchanged

	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	frozen, err := acct.FreezeWallet(ctx, store, "user-1", "admin-1", "fraud review")
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)
	assert.Equal(t, "fraud review", frozen.FreezeReason)

	_, _, err = acct.Credit(ctx, store, "user-1", amt("10"), invest.Entry{Type: invest.TxDeposit})
	assert.ErrorIs(t, err, invest.ErrWalletFrozen)

	_, _, err = acct.Debit(ctx, store, "user-1", amt("10"), invest.Entry{Type: invest.TxWithdrawal})
	assert.ErrorIs(t, err, invest.ErrWalletFrozen)

	w, err := store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(amt("100")))
}

func TestAccounting_FreezeTransitions(t *testing.T) {
	// Double freeze and unfreezing a non-frozen wallet are invalid moves.
	acct, store := newTestAccounting(t)
	ctx := context.Background()
	seedWallet(t, store, "user-1", "100")

	_, err := acct.UnfreezeWallet(ctx, store, "user-1")
	assert.ErrorIs(t, err, invest.ErrInvalidStateTransition)

	_, err = acct.FreezeWallet(ctx, store, "user-1", "admin-1", "")
	require.NoError(t, err)

	_, err = acct.FreezeWallet(ctx, store, "user-1", "admin-1", "")
	assert.ErrorIs(t, err, invest.ErrInvalidStateTransition)

	unfrozen, err := acct.UnfreezeWallet(ctx, store, "user-1")
	require.NoError(t, err)
	assert.False(t, unfrozen.Frozen)
	assert.Empty(t, unfrozen.FreezeReason)

	// Thawed wallet works again
	_, _, err = acct.Credit(ctx, store, "user-1", amt("1"), invest.Entry{Type: invest.TxDeposit})
	assert.NoError(t, err)
}
