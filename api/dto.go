/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All amounts cross the wire as decimal strings ("1000.50"), never floats.
  Parsing happens in handlers; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/vantage/invest-engine/invest"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PlanDTO represents an investment plan in API responses.
type PlanDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Rate           string  `json:"rate"`
	DurationDays   int     `json:"duration_days"`
	MinAmount      string  `json:"min_amount"`
	MaxAmount      *string `json:"max_amount,omitempty"`
	Status         string  `json:"status"`
	Visibility     string  `json:"visibility"`
	Description    string  `json:"description,omitempty"`
	MaxActiveUsers *int    `json:"max_active_users,omitempty"`
	AllowMultiple  bool    `json:"allow_multiple_investments"`
	RiskLevel      string  `json:"risk_level"`
	TotalInvested  string  `json:"total_invested"`
	ActiveCount    int     `json:"active_positions"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// CreatePlanRequest is the request to create or update a plan.
type CreatePlanRequest struct {
	ID             string  `json:"id,omitempty"`
	Name           string  `json:"name"`
	Rate           string  `json:"rate"`
	DurationDays   int     `json:"duration_days"`
	MinAmount      string  `json:"min_amount"`
	MaxAmount      *string `json:"max_amount,omitempty"`
	Status         string  `json:"status,omitempty"`
	Visibility     string  `json:"visibility,omitempty"`
	Description    string  `json:"description,omitempty"`
	MaxActiveUsers *int    `json:"max_active_users,omitempty"`
	AllowMultiple  bool    `json:"allow_multiple_investments"`
	RiskLevel      string  `json:"risk_level,omitempty"`
}

// WalletDTO represents a wallet in API responses.
type WalletDTO struct {
	ID                   string `json:"id"`
	UserID               string `json:"user_id"`
	Balance              string `json:"balance"`
	TotalDeposited       string `json:"total_deposited"`
	TotalWithdrawn       string `json:"total_withdrawn"`
	Frozen               bool   `json:"frozen"`
	FreezeReason         string `json:"freeze_reason,omitempty"`
	HasActiveInvestments bool   `json:"has_active_investments"`
	LastActivity         string `json:"last_activity,omitempty"`
}

// AmountRequest is the request body for wallet credit/debit.
type AmountRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// FreezeRequest is the request body for wallet/position freeze.
type FreezeRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// InvestRequest is the request to open a position.
type InvestRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
	Amount string `json:"amount"`
}

// PositionDTO represents a position in API responses.
type PositionDTO struct {
	ID                  string `json:"id"`
	UserID              string `json:"user_id"`
	PlanID              string `json:"plan_id"`
	Amount              string `json:"amount"`
	StartDate           string `json:"start_date"`
	EndDate             string `json:"end_date"`
	ExpectedProfit      string `json:"expected_profit"`
	ActualProfit        string `json:"actual_profit"`
	Status              string `json:"status"`
	IsProfitCredited    bool   `json:"is_profit_credited"`
	IsPrincipalReturned bool   `json:"is_principal_returned"`
	IsFrozen            bool   `json:"is_frozen"`
	FreezeReason        string `json:"freeze_reason,omitempty"`
	ManuallyCompleted   bool   `json:"manually_completed"`
	AdminNotes          string `json:"admin_notes,omitempty"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// TerminateRequest is the request body for admin position termination.
type TerminateRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// AdjustProfitRequest is the request body for admin profit adjustment.
type AdjustProfitRequest struct {
	NewProfit string `json:"new_profit"`
	By        string `json:"by"`
	Reason    string `json:"reason,omitempty"`
}

// TransactionDTO represents a ledger transaction.
type TransactionDTO struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	Description     string `json:"description,omitempty"`
	RelatedPosition string `json:"related_position,omitempty"`
	Reversed        bool   `json:"reversed"`
	ReversalReason  string `json:"reversal_reason,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// ReverseRequest is the request body for transaction reversal.
type ReverseRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// SettlementRunDTO represents one batch run in the audit history.
type SettlementRunDTO struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPlanDTO(p *invest.Plan) PlanDTO {
	dto := PlanDTO{
		ID:            string(p.ID),
		Name:          p.Name,
		Rate:          p.Rate.String(),
		DurationDays:  p.DurationDays,
		MinAmount:     p.MinAmount.String(),
		Status:        string(p.Status),
		Visibility:    string(p.Visibility),
		Description:   p.Description,
		AllowMultiple: p.AllowMultipleInvestments,
		RiskLevel:     string(p.RiskLevel),
		TotalInvested: p.TotalInvested.String(),
		ActiveCount:   p.ActivePositions,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
	if p.MaxAmount != nil {
		s := p.MaxAmount.String()
		dto.MaxAmount = &s
	}
	if p.MaxActiveUsers != nil {
		n := *p.MaxActiveUsers
		dto.MaxActiveUsers = &n
	}
	return dto
}

func toWalletDTO(w *invest.Wallet) WalletDTO {
	dto := WalletDTO{
		ID:                   w.ID,
		UserID:               string(w.UserID),
		Balance:              w.Balance.String(),
		TotalDeposited:       w.TotalDeposited.String(),
		TotalWithdrawn:       w.TotalWithdrawn.String(),
		Frozen:               w.Frozen,
		FreezeReason:         w.FreezeReason,
		HasActiveInvestments: w.HasActiveInvestments,
	}
	if w.LastActivity != nil {
		dto.LastActivity = w.LastActivity.Format(time.RFC3339)
	}
	return dto
}

func toPositionDTO(p *invest.Position) PositionDTO {
	return PositionDTO{
		ID:                  string(p.ID),
		UserID:              string(p.UserID),
		PlanID:              string(p.PlanID),
		Amount:              p.Amount.String(),
		StartDate:           p.StartDate.Format(time.RFC3339),
		EndDate:             p.EndDate.Format(time.RFC3339),
		ExpectedProfit:      p.ExpectedProfit.String(),
		ActualProfit:        p.ActualProfit.String(),
		Status:              string(p.Status),
		IsProfitCredited:    p.IsProfitCredited,
		IsPrincipalReturned: p.IsPrincipalReturned,
		IsFrozen:            p.IsFrozen,
		FreezeReason:        p.FreezeReason,
		ManuallyCompleted:   p.ManuallyCompleted,
		AdminNotes:          p.AdminNotes,
		CreatedAt:           p.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx *invest.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              tx.ID,
		UserID:          string(tx.UserID),
		Type:            string(tx.Type),
		Amount:          tx.Amount.String(),
		Source:          string(tx.Source),
		Destination:     string(tx.Destination),
		Reference:       tx.Reference,
		Status:          string(tx.Status),
		Description:     tx.Description,
		RelatedPosition: string(tx.RelatedPosition),
		Reversed:        tx.Reversed,
		ReversalReason:  tx.ReversalReason,
		CreatedAt:       tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []invest.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toTransactionDTO(&txs[i])
	}
	return dtos
}

func toSettlementRunDTO(run invest.SettlementRun) SettlementRunDTO {
	dto := SettlementRunDTO{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Status:    run.Status,
		Processed: run.Processed,
		Failed:    run.Failed,
		Skipped:   run.Skipped,
		Error:     run.Error,
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
