/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the gate terminals

ROUTE GROUPS:
  /api/tickets/*              Ticket lifecycle and items
  /api/re-entries/*           Re-entry lifecycle and items
  /api/items/*                Item edits and history
  /api/payments/*             Settlement
  /api/refunds/*              Refund engine
  /api/allocations/*          Exit counting
  /api/refund-transactions/*  Reversal processing

SECURITY NOTE:
  No authentication middleware currently. The acting operator rides on
  request headers; see handlers.go.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/farmgate/entry-engine/entrance"
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-User-Name", "X-Shift-ID", "X-Manager"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ticket routes
		r.Route("/tickets", func(r chi.Router) {
			r.Post("/", h.CreateTicket)
			r.Get("/", h.ListTickets)
			r.Get("/{id}", h.GetTicket)
			r.Post("/{id}/status", h.UpdateTicketStatus)
			r.Post("/{id}/re-entries", h.CreateReEntry)
			r.Post("/{id}/items", h.AddItem(entrance.KindTicket))
			r.Get("/{id}/items", h.ListItems(entrance.KindTicket))
			r.Get("/{id}/history", h.ListStatusHistory(entrance.KindTicket))
		})

		// Re-entry routes
		r.Route("/re-entries", func(r chi.Router) {
			r.Get("/{id}", h.GetReEntry)
			r.Post("/{id}/status", h.UpdateReEntryStatus)
			r.Post("/{id}/return", h.ProcessReturn)
			r.Post("/{id}/items", h.AddItem(entrance.KindReEntry))
			r.Get("/{id}/items", h.ListItems(entrance.KindReEntry))
			r.Get("/{id}/history", h.ListStatusHistory(entrance.KindReEntry))
		})

		// Item routes
		r.Route("/items", func(r chi.Router) {
			r.Put("/{id}", h.EditItem)
			r.Delete("/{id}", h.RemoveItem)
			r.Get("/{id}/history", h.ListEditHistory)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.InitiatePayment)
			r.Get("/", h.ListPayments)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/records", h.AddEntranceRecord)
			r.Delete("/{id}/records", h.RemoveEntranceRecord)
			r.Post("/{id}/transactions", h.AddTransaction)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Post("/{id}/refunds", h.InitiateRefund)
		})

		// Refund routes
		r.Route("/refunds", func(r chi.Router) {
			r.Get("/{id}", h.GetRefund)
			r.Post("/{id}/allocations", h.AddAllocation)
			r.Post("/{id}/transactions", h.AddRefundTransactions)
			r.Post("/{id}/settle", h.SettleRefund)
			r.Post("/{id}/deny", h.DenyRefund)
			r.Post("/{id}/cancel", h.CancelRefund)
		})

		// Exit counting
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/{id}/count", h.CountAllocation)
		})

		// Reversal processing
		r.Route("/refund-transactions", func(r chi.Router) {
			r.Post("/{id}/process", h.ProcessRefundTransaction)
		})
	})

	return r
}
