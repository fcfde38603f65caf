/*
handlers.go - HTTP API handlers for the investment platform

PURPOSE:
  Exposes the investment engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Plans:
    GET    /api/plans                     List plans (?status=)
    POST   /api/plans                     Create plan (admin)
    GET    /api/plans/{id}                Get plan
    PUT    /api/plans/{id}                Update plan (admin)

  Wallets:
    POST   /api/wallets                   Create wallet
    GET    /api/wallets/{userID}          Get wallet
    POST   /api/wallets/{userID}/credit   Deposit
    POST   /api/wallets/{userID}/debit    Withdraw
    POST   /api/wallets/{userID}/freeze   Freeze (admin)
    POST   /api/wallets/{userID}/unfreeze Unfreeze (admin)
    GET    /api/wallets/{userID}/transactions  Transaction history (?type=)
    GET    /api/wallets/{userID}/positions     Position list (?status=)

  Positions:
    POST   /api/positions                      Invest (open a position)
    GET    /api/positions/{id}                 Get position
    POST   /api/positions/{id}/freeze          Freeze (admin)
    POST   /api/positions/{id}/unfreeze        Unfreeze (admin)
    POST   /api/positions/{id}/complete        Manual completion (admin)
    POST   /api/positions/{id}/terminate       Early termination (admin)
    POST   /api/positions/{id}/adjust-profit   Profit adjustment (admin)

  Transactions:
    GET    /api/transactions/{reference}          Lookup by reference
    POST   /api/transactions/{reference}/reverse  Flag as reversed (admin)

  Settlement:
    POST   /api/settlement/run            Trigger a batch now (admin)
    GET    /api/settlement/runs           Batch history (?limit=)
    GET    /api/settlement/stats          Pending-work snapshot

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, insufficient balance, invalid input
  - 404: Resource not found
  - 409: Conflict (frozen, illegal transition, duplicate, batch running)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. Admin endpoints take the
  acting admin's ID in the request body for the audit trail only.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vantage/invest-engine/invest"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      invest.TxStore
	Accounting *invest.Accounting
	Positions  *invest.Positions
	Engine     *invest.SettlementEngine
}

// NewHandler wires the domain services on top of the given store.
func NewHandler(store invest.TxStore) *Handler {
	accounting := invest.NewAccounting(invest.NewLedger())
	return &Handler{
		Store:      store,
		Accounting: accounting,
		Positions:  invest.NewPositions(accounting),
		Engine:     invest.NewSettlementEngine(store, accounting),
	}
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns plans, optionally filtered by status.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	status := invest.PlanStatus(r.URL.Query().Get("status"))

	plans, err := h.Store.ListPlans(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i := range plans {
		dtos[i] = toPlanDTO(&plans[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPlan returns a single plan.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Store.GetPlan(r.Context(), invest.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// CreatePlan creates a new investment plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plan, err := planFromRequest(&req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if plan.ID == "" {
		plan.ID = invest.PlanID(uuid.NewString())
	}

	if err := h.Store.SavePlan(r.Context(), plan); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(plan))
}

// UpdatePlan replaces a plan's configuration. Counters (total invested,
// active positions) are preserved from the stored record.
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := invest.PlanID(chi.URLParam(r, "id"))

	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var updated *invest.Plan
	err := h.Store.WithTx(r.Context(), func(s invest.Store) error {
		existing, err := s.GetPlan(r.Context(), id)
		if err != nil {
			return err
		}
		plan, err := planFromRequest(&req)
		if err != nil {
			return err
		}
		plan.ID = id
		plan.TotalInvested = existing.TotalInvested
		plan.ActivePositions = existing.ActivePositions
		plan.CreatedAt = existing.CreatedAt
		if err := s.SavePlan(r.Context(), plan); err != nil {
			return err
		}
		updated = plan
		return nil
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(updated))
}

func planFromRequest(req *CreatePlanRequest) (*invest.Plan, error) {
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		return nil, &invest.ValidationError{Field: "rate", Message: "invalid decimal"}
	}
	minAmount, err := decimal.NewFromString(req.MinAmount)
	if err != nil {
		return nil, &invest.ValidationError{Field: "min_amount", Message: "invalid decimal"}
	}

	plan := &invest.Plan{
		ID:                       invest.PlanID(req.ID),
		Name:                     req.Name,
		Rate:                     rate,
		DurationDays:             req.DurationDays,
		MinAmount:                minAmount,
		Status:                   invest.PlanActive,
		Visibility:               invest.VisibilityPublic,
		Description:              req.Description,
		MaxActiveUsers:           req.MaxActiveUsers,
		AllowMultipleInvestments: req.AllowMultiple,
		RiskLevel:                invest.RiskLow,
	}
	if req.MaxAmount != nil {
		maxAmount, err := decimal.NewFromString(*req.MaxAmount)
		if err != nil {
			return nil, &invest.ValidationError{Field: "max_amount", Message: "invalid decimal"}
		}
		plan.MaxAmount = &maxAmount
	}
	if req.Status != "" {
		plan.Status = invest.PlanStatus(req.Status)
	}
	if req.Visibility != "" {
		plan.Visibility = invest.Visibility(req.Visibility)
	}
	if req.RiskLevel != "" {
		plan.RiskLevel = invest.RiskLevel(req.RiskLevel)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// CreateWallet opens a zero-balance wallet for a user.
func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetWallet(ctx, invest.UserID(req.UserID)); err == nil {
		writeError(w, http.StatusConflict, "Wallet already exists", nil)
		return
	} else if !errors.Is(err, invest.ErrWalletNotFound) {
		writeDomainError(w, err)
		return
	}

	wallet := &invest.Wallet{
		ID:             uuid.NewString(),
		UserID:         invest.UserID(req.UserID),
		Balance:        decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
	}
	if err := h.Store.SaveWallet(ctx, wallet); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(wallet))
}

// GetWallet returns a user's wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Store.GetWallet(r.Context(), invest.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// CreditWallet deposits funds into a wallet.
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, invest.Entry{
		Type:        invest.TxDeposit,
		Source:      invest.EndpointExternal,
		Destination: invest.EndpointWallet,
	})
}

// DebitWallet withdraws funds from a wallet.
func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, invest.Entry{
		Type:        invest.TxWithdrawal,
		Source:      invest.EndpointWallet,
		Destination: invest.EndpointExternal,
	})
}

// moveMoney is the shared body of CreditWallet and DebitWallet. The entry's
// Type decides the direction; both run inside one unit of work so the
// balance mutation and the ledger record commit together.
func (h *Handler) moveMoney(w http.ResponseWriter, r *http.Request, entry invest.Entry) {
	userID := invest.UserID(chi.URLParam(r, "userID"))

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}
	entry.Description = req.Description

	var (
		wallet *invest.Wallet
		tx     *invest.Transaction
	)
	err = h.Store.WithTx(r.Context(), func(s invest.Store) error {
		var opErr error
		if entry.Type == invest.TxDeposit {
			wallet, tx, opErr = h.Accounting.Credit(r.Context(), s, userID, amount, entry)
		} else {
			wallet, tx, opErr = h.Accounting.Debit(r.Context(), s, userID, amount, entry)
		}
		return opErr
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"wallet":      toWalletDTO(wallet),
		"transaction": toTransactionDTO(tx),
	})
}

// FreezeWallet places an administrative lock on a wallet.
func (h *Handler) FreezeWallet(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "userID"))

	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wallet, err := h.Accounting.FreezeWallet(r.Context(), h.Store, userID, invest.UserID(req.By), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// UnfreezeWallet lifts the administrative lock on a wallet.
func (h *Handler) UnfreezeWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Accounting.UnfreezeWallet(r.Context(), h.Store, invest.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// ListTransactions returns a user's transaction history, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "userID"))
	txType := invest.TransactionType(r.URL.Query().Get("type"))

	txs, err := h.Store.ListTransactionsByUser(r.Context(), userID, txType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListUserPositions returns a user's positions, optionally filtered by status.
func (h *Handler) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	userID := invest.UserID(chi.URLParam(r, "userID"))
	status := invest.PositionStatus(r.URL.Query().Get("status"))

	positions, err := h.Store.ListPositionsByUser(r.Context(), userID, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]PositionDTO, len(positions))
	for i := range positions {
		dtos[i] = toPositionDTO(&positions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POSITION HANDLERS
// =============================================================================

// Invest opens a new position.
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}

	pos, err := h.Positions.Invest(r.Context(), h.Store,
		invest.UserID(req.UserID), invest.PlanID(req.PlanID), amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionDTO(pos))
}

// GetPosition returns a single position.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Store.GetPosition(r.Context(), invest.PositionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// FreezePosition places an administrative lock on a position.
func (h *Handler) FreezePosition(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pos, err := h.Positions.Freeze(r.Context(), h.Store, id, invest.UserID(req.By), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// UnfreezePosition lifts the administrative lock on a position.
func (h *Handler) UnfreezePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Positions.Unfreeze(r.Context(), h.Store, invest.PositionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// CompletePosition settles a position immediately (admin).
func (h *Handler) CompletePosition(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	var req struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pos, err := h.Positions.CompleteManually(r.Context(), h.Store, id, invest.UserID(req.By))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// TerminatePosition cancels a position early, returning the principal (admin).
func (h *Handler) TerminatePosition(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	var req TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pos, err := h.Positions.Terminate(r.Context(), h.Store, id, invest.UserID(req.By), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// AdjustProfit rewrites a completed position's actual profit (admin).
func (h *Handler) AdjustProfit(w http.ResponseWriter, r *http.Request) {
	id := invest.PositionID(chi.URLParam(r, "id"))

	var req AdjustProfitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	newProfit, err := decimal.NewFromString(req.NewProfit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid new_profit (use a decimal string)", err)
		return
	}

	pos, err := h.Positions.AdjustProfit(r.Context(), h.Store, id, newProfit, invest.UserID(req.By), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionDTO(pos))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransaction looks a transaction up by its unique reference.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Store.GetTransactionByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// ReverseTransaction flags a completed transaction as reversed (admin).
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Accounting.Ledger.Reverse(r.Context(), h.Store, reference, invest.UserID(req.By), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// TriggerSettlement runs a settlement batch now. Returns 200 with the counts
// even when individual positions failed; a failed position is a count, not
// an HTTP error.
func (h *Handler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.RunBatch(r.Context(), "manual")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListSettlementRuns returns the batch audit history, newest first.
func (h *Handler) ListSettlementRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}

	runs, err := h.Store.ListSettlementRuns(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]SettlementRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSettlementRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// SettlementStats returns the pending-work snapshot.
func (h *Handler) SettlementStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *invest.ValidationError
	var ibe *invest.InsufficientBalanceError

	switch {
	case invest.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error(), nil)
	case errors.As(err, &ibe):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ibe.Error(),
			Code:  "insufficient_balance",
			Details: map[string]string{
				"available": ibe.Available.String(),
				"requested": ibe.Requested.String(),
				"shortfall": ibe.Requested.Sub(ibe.Available).String(),
			},
		})
	case errors.Is(err, invest.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, invest.ErrWalletFrozen),
		errors.Is(err, invest.ErrPositionFrozen),
		errors.Is(err, invest.ErrInvalidStateTransition),
		errors.Is(err, invest.ErrAlreadyInvested),
		errors.Is(err, invest.ErrPlanCapacityReached),
		errors.Is(err, invest.ErrDuplicateReference),
		errors.Is(err, invest.ErrBatchInProgress):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
