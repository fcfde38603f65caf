package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage/invest-engine/api"
	"github.com/vantage/invest-engine/invest"
	"github.com/vantage/invest-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router  http.Handler
	handler *api.Handler
	store   *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler := api.NewHandler(store)
	return &testServer{
		router:  api.NewRouter(handler),
		handler: handler,
		store:   store,
	}
}

// do performs a request with an optional JSON body and decodes the response
// into out (if non-nil).
func (ts *testServer) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func (ts *testServer) seedWallet(t *testing.T, userID, balance string) {
	w := &invest.Wallet{
		ID:             uuid.NewString(),
		UserID:         invest.UserID(userID),
		Balance:        decimal.RequireFromString(balance),
		TotalDeposited: decimal.RequireFromString(balance),
		TotalWithdrawn: decimal.Zero,
	}
	require.NoError(t, ts.store.SaveWallet(context.Background(), w))
}

func (ts *testServer) seedPlan(t *testing.T, id, rate string, days int) {
	plan := &invest.Plan{
		ID:           invest.PlanID(id),
		Name:         "Plan " + id,
		Rate:         decimal.RequireFromString(rate),
		DurationDays: days,
		MinAmount:    decimal.RequireFromString("100"),
		Status:       invest.PlanActive,
		Visibility:   invest.VisibilityPublic,
		RiskLevel:    invest.RiskLow,
	}
	require.NoError(t, ts.store.SavePlan(context.Background(), plan))
}

// =============================================================================
// WALLET ENDPOINTS
// =============================================================================

func TestAPI_WalletLifecycle(t *testing.T) {
	// GIVEN: No wallet for the user
	// WHEN: Creating, duplicating, and fetching
	// THEN: 201, then 409, then 200 with a zero balance

	ts := newTestServer(t)

	var created api.WalletDTO
	rec := ts.do(t, "POST", "/api/wallets", map[string]string{"user_id": "user-1"}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-1", created.UserID)
	assert.Equal(t, "0", created.Balance)

	rec = ts.do(t, "POST", "/api/wallets", map[string]string{"user_id": "user-1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var fetched api.WalletDTO
	rec = ts.do(t, "GET", "/api/wallets/user-1", nil, &fetched)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, fetched.ID)

	rec = ts.do(t, "GET", "/api/wallets/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CreditAndDebit(t *testing.T) {
	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "100")

	var resp struct {
		Wallet      api.WalletDTO      `json:"wallet"`
		Transaction api.TransactionDTO `json:"transaction"`
	}
	rec := ts.do(t, "POST", "/api/wallets/user-1/credit",
		api.AmountRequest{Amount: "50.25", Description: "top-up"}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "150.25", resp.Wallet.Balance)
	assert.Equal(t, "deposit", resp.Transaction.Type)
	assert.Equal(t, "completed", resp.Transaction.Status)

	rec = ts.do(t, "POST", "/api/wallets/user-1/debit",
		api.AmountRequest{Amount: "150.25"}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", resp.Wallet.Balance)
}

func TestAPI_Debit_InsufficientBalance(t *testing.T) {
	// Overdrawing returns 400 with the shortfall details.
	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "100")

	rec := ts.do(t, "POST", "/api/wallets/user-1/debit",
		api.AmountRequest{Amount: "100.01"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "insufficient_balance", errResp.Code)
}

func TestAPI_WalletFreeze(t *testing.T) {
	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "100")

	rec := ts.do(t, "POST", "/api/wallets/user-1/freeze",
		api.FreezeRequest{By: "admin-1", Reason: "review"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Frozen wallet rejects money movement
	rec = ts.do(t, "POST", "/api/wallets/user-1/credit",
		api.AmountRequest{Amount: "10"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Double freeze is a conflict too
	rec = ts.do(t, "POST", "/api/wallets/user-1/freeze",
		api.FreezeRequest{By: "admin-1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "POST", "/api/wallets/user-1/unfreeze", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// PLAN ENDPOINTS
// =============================================================================

func TestAPI_PlanValidation(t *testing.T) {
	ts := newTestServer(t)

	// Rate above 100 is rejected
	rec := ts.do(t, "POST", "/api/plans", api.CreatePlanRequest{
		Name: "Bad", Rate: "150", DurationDays: 30, MinAmount: "100",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Zero-day duration is rejected
	rec = ts.do(t, "POST", "/api/plans", api.CreatePlanRequest{
		Name: "Bad", Rate: "10", DurationDays: 0, MinAmount: "100",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A valid plan is created and listable
	var plan api.PlanDTO
	rec = ts.do(t, "POST", "/api/plans", api.CreatePlanRequest{
		Name: "Growth", Rate: "15", DurationDays: 14, MinAmount: "100",
	}, &plan)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, "active", plan.Status)

	var plans []api.PlanDTO
	rec = ts.do(t, "GET", "/api/plans?status=active", nil, &plans)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, plans, 1)
}

// =============================================================================
// INVESTMENT FLOW
// =============================================================================

func TestAPI_InvestFlow(t *testing.T) {
	// GIVEN: A funded wallet and an active plan
	// WHEN: Investing via the API
	// THEN: 201 with the position; the wallet shows the debit; the position
	//       appears in the user's list

	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "5000")
	ts.seedPlan(t, "plan-15", "15", 14)

	var pos api.PositionDTO
	rec := ts.do(t, "POST", "/api/positions", api.InvestRequest{
		UserID: "user-1", PlanID: "plan-15", Amount: "1000",
	}, &pos)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "active", pos.Status)
	assert.Equal(t, "150", pos.ExpectedProfit)

	var wallet api.WalletDTO
	ts.do(t, "GET", "/api/wallets/user-1", nil, &wallet)
	assert.Equal(t, "4000", wallet.Balance)
	assert.True(t, wallet.HasActiveInvestments)

	var positions []api.PositionDTO
	rec = ts.do(t, "GET", "/api/wallets/user-1/positions?status=active", nil, &positions)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, positions, 1)
	assert.Equal(t, pos.ID, positions[0].ID)

	// Second investment on a single-position plan conflicts
	rec = ts.do(t, "POST", "/api/positions", api.InvestRequest{
		UserID: "user-1", PlanID: "plan-15", Amount: "1000",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown plan is a 404
	rec = ts.do(t, "POST", "/api/positions", api.InvestRequest{
		UserID: "user-1", PlanID: "ghost", Amount: "1000",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_PositionAdminActions(t *testing.T) {
	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "5000")
	ts.seedPlan(t, "plan-15", "15", 14)

	var pos api.PositionDTO
	rec := ts.do(t, "POST", "/api/positions", api.InvestRequest{
		UserID: "user-1", PlanID: "plan-15", Amount: "1000",
	}, &pos)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Freeze, then completion is blocked
	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/freeze",
		api.FreezeRequest{By: "admin-1", Reason: "dispute"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/complete",
		map[string]string{"by": "admin-1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unfreeze and complete
	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/unfreeze", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var completed api.PositionDTO
	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/complete",
		map[string]string{"by": "admin-1"}, &completed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", completed.Status)
	assert.True(t, completed.ManuallyCompleted)

	// Adjust profit upward
	var adjusted api.PositionDTO
	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/adjust-profit",
		api.AdjustProfitRequest{NewProfit: "200", By: "admin-1", Reason: "bonus"}, &adjusted)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "200", adjusted.ActualProfit)

	var wallet api.WalletDTO
	ts.do(t, "GET", "/api/wallets/user-1", nil, &wallet)
	assert.Equal(t, "5200", wallet.Balance)

	// Terminating a completed position is rejected
	rec = ts.do(t, "POST", "/api/positions/"+pos.ID+"/terminate",
		api.TerminateRequest{By: "admin-1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func TestAPI_TransactionLookupAndReversal(t *testing.T) {
	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "100")

	var resp struct {
		Transaction api.TransactionDTO `json:"transaction"`
	}
	rec := ts.do(t, "POST", "/api/wallets/user-1/credit",
		api.AmountRequest{Amount: "50"}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	ref := resp.Transaction.Reference

	var tx api.TransactionDTO
	rec = ts.do(t, "GET", "/api/transactions/"+ref, nil, &tx)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ref, tx.Reference)

	rec = ts.do(t, "GET", "/api/transactions/DEPOSIT_MISSING00000", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var reversed api.TransactionDTO
	rec = ts.do(t, "POST", "/api/transactions/"+ref+"/reverse",
		api.ReverseRequest{By: "admin-1", Reason: "chargeback"}, &reversed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reversed.Reversed)

	rec = ts.do(t, "POST", "/api/transactions/"+ref+"/reverse",
		api.ReverseRequest{By: "admin-1", Reason: "again"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// SETTLEMENT ENDPOINTS
// =============================================================================

func TestAPI_SettlementRunAndStats(t *testing.T) {
	// GIVEN: A matured position seeded directly in the store
	// WHEN: POSTing a manual settlement run
	// THEN: 200 with the counts; stats and history reflect the batch

	ts := newTestServer(t)
	ts.seedWallet(t, "user-1", "4000")
	ts.seedPlan(t, "plan-15", "15", 14)

	past := time.Now().Add(-15 * 24 * time.Hour)
	pos := &invest.Position{
		ID:             invest.PositionID(uuid.NewString()),
		UserID:         "user-1",
		PlanID:         "plan-15",
		Amount:         decimal.RequireFromString("1000"),
		StartDate:      past,
		EndDate:        past.AddDate(0, 0, 14),
		ExpectedProfit: decimal.RequireFromString("150"),
		ActualProfit:   decimal.Zero,
		Status:         invest.PositionActive,
	}
	require.NoError(t, ts.store.SavePosition(context.Background(), pos))

	var result invest.BatchResult
	rec := ts.do(t, "POST", "/api/settlement/run", nil, &result)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invest.BatchResult{Processed: 1}, result)

	var wallet api.WalletDTO
	ts.do(t, "GET", "/api/wallets/user-1", nil, &wallet)
	assert.Equal(t, "5150", wallet.Balance)

	var runs struct {
		Runs []api.SettlementRunDTO `json:"runs"`
	}
	rec = ts.do(t, "GET", "/api/settlement/runs", nil, &runs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "manual", runs.Runs[0].Trigger)
	assert.Equal(t, 1, runs.Runs[0].Processed)

	var stats invest.SettlementStats
	rec = ts.do(t, "GET", "/api/settlement/stats", nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, stats.TotalActiveInvestments)
	assert.Equal(t, 0, stats.MaturedButNotCredited)
}
