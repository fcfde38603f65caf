/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/plans/*          Plan management
  /api/wallets/*        Wallet operations and per-user history
  /api/positions/*      Position lifecycle and admin actions
  /api/transactions/*   Ledger lookup and reversal
  /api/settlement/*     Batch trigger, history, stats

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Put("/{id}", h.UpdatePlan)
		})

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.CreateWallet)
			r.Get("/{userID}", h.GetWallet)
			r.Post("/{userID}/credit", h.CreditWallet)
			r.Post("/{userID}/debit", h.DebitWallet)
			r.Post("/{userID}/freeze", h.FreezeWallet)
			r.Post("/{userID}/unfreeze", h.UnfreezeWallet)
			r.Get("/{userID}/transactions", h.ListTransactions)
			r.Get("/{userID}/positions", h.ListUserPositions)
		})

		// Position routes
		r.Route("/positions", func(r chi.Router) {
			r.Post("/", h.Invest)
			r.Get("/{id}", h.GetPosition)
			r.Post("/{id}/freeze", h.FreezePosition)
			r.Post("/{id}/unfreeze", h.UnfreezePosition)
			r.Post("/{id}/complete", h.CompletePosition)
			r.Post("/{id}/terminate", h.TerminatePosition)
			r.Post("/{id}/adjust-profit", h.AdjustProfit)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{reference}", h.GetTransaction)
			r.Post("/{reference}/reverse", h.ReverseTransaction)
		})

		// Settlement routes
		r.Route("/settlement", func(r chi.Router) {
			r.Post("/run", h.TriggerSettlement)
			r.Get("/runs", h.ListSettlementRuns)
			r.Get("/stats", h.SettlementStats)
		})
	})

	return r
}
