/*
handlers.go - HTTP API handlers for the entry engine

PURPOSE:
  Exposes the entrance and payment engines via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Tickets:
    POST   /api/tickets                       Open a ticket for a vehicle
    GET    /api/tickets?status=|vehicle_id=|day=  Gate office queries
    GET    /api/tickets/{id}                  Get ticket details
    POST   /api/tickets/{id}/status           Move the ticket's status
    GET    /api/tickets/{id}/items            List line items
    GET    /api/tickets/{id}/history          Status trail
    POST   /api/tickets/{id}/re-entries       Open a re-entry pass

  Re-entries:
    GET    /api/re-entries/{id}               Get re-entry details
    POST   /api/re-entries/{id}/status        Move the re-entry's status
    POST   /api/re-entries/{id}/return        Record the vehicle's return

  Items:
    POST   /api/{kind}/{id}/items             Add a line item
    PUT    /api/items/{id}                    Edit category / visitor count
    DELETE /api/items/{id}                    Soft-remove
    GET    /api/items/{id}/history            Edit trail

  Payments:
    POST   /api/payments                      Open a payment
    GET    /api/payments?shift_id=|open=true  Cash office queries
    GET    /api/payments/{id}                 Get payment + balance
    POST   /api/payments/{id}/records         Link an entrance record
    DELETE /api/payments/{id}/records         Unlink a record
    POST   /api/payments/{id}/transactions    Take cash/card money
    GET    /api/payments/{id}/transactions    List transactions
    POST   /api/payments/{id}/refunds         Open a refund

  Refunds:
    GET    /api/refunds/{id}                  Get refund details
    POST   /api/refunds/{id}/allocations      Earmark a record
    POST   /api/allocations/{id}/count        Record the exit count
    POST   /api/refunds/{id}/transactions     Add reversal rows
    POST   /api/refund-transactions/{id}/process  Hand the money back
    POST   /api/refunds/{id}/settle           Manager settles
    POST   /api/refunds/{id}/deny             Manager denies
    POST   /api/refunds/{id}/cancel           Cancel a pending refund

ACTOR CONTEXT:
  The acting operator rides on headers (no auth middleware yet):
    X-User-ID, X-User-Name, X-Shift-ID, X-Manager: true|false

ERROR HANDLING:
  Domain errors map to HTTP status via the core taxonomy:
  - 400: rule violations, invalid transitions
  - 403: authorization failures
  - 404: not found
  - 409: stale state (re-read and retry)
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Entrance *entrance.Service
	Payments *payments.Service
}

// NewHandler creates a new handler over the two domain services.
func NewHandler(entranceSvc *entrance.Service, paymentsSvc *payments.Service) *Handler {
	return &Handler{Entrance: entranceSvc, Payments: paymentsSvc}
}

// actorFromRequest builds the acting operator from request headers.
func actorFromRequest(r *http.Request) core.UserRef {
	return core.UserRef{
		ID:            core.ID(r.Header.Get("X-User-ID")),
		Name:          r.Header.Get("X-User-Name"),
		IsManager:     r.Header.Get("X-Manager") == "true",
		ActiveShiftID: core.ID(r.Header.Get("X-Shift-ID")),
	}
}

// =============================================================================
// TICKET HANDLERS
// =============================================================================

// CreateTicket opens a ticket for an arriving vehicle.
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	vehicle := core.VehicleRef{
		ID:            core.ID(req.VehicleID),
		PlateNumber:   req.PlateNumber,
		IsBlacklisted: req.IsBlacklisted,
	}
	t, err := h.Entrance.CreateTicket(r.Context(), vehicle, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTicketDTO(t))
}

// ListTickets filters tickets by ?status=, ?vehicle_id= or ?day=YYYY-MM-DD.
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	var status *entrance.TicketStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := entrance.TicketStatus(s)
		status = &st
	}
	var day *time.Time
	if d := r.URL.Query().Get("day"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid day, want YYYY-MM-DD", err)
			return
		}
		day = &parsed
	}

	tickets, err := h.Entrance.ListTickets(r.Context(), status, core.ID(r.URL.Query().Get("vehicle_id")), day)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]TicketDTO, len(tickets))
	for i := range tickets {
		dtos[i] = toTicketDTO(&tickets[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTicket returns a single ticket.
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.Entrance.GetTicket(r.Context(), core.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(t))
}

// UpdateTicketStatus moves a ticket along its lifecycle.
func (h *Handler) UpdateTicketStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	t, err := h.Entrance.UpdateTicketStatus(r.Context(), core.ID(chi.URLParam(r, "id")),
		entrance.TicketStatus(req.Status), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(t))
}

// CreateReEntry opens a re-entry pass against a processed ticket.
func (h *Handler) CreateReEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateReEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	re, err := h.Entrance.CreateReEntry(r.Context(), core.ID(chi.URLParam(r, "id")),
		req.VisitorsLeft, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReEntryDTO(re))
}

// GetReEntry returns a single re-entry.
func (h *Handler) GetReEntry(w http.ResponseWriter, r *http.Request) {
	re, err := h.Entrance.GetReEntry(r.Context(), core.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReEntryDTO(re))
}

// UpdateReEntryStatus moves a re-entry along its lifecycle.
func (h *Handler) UpdateReEntryStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	re, err := h.Entrance.UpdateReEntryStatus(r.Context(), core.ID(chi.URLParam(r, "id")),
		entrance.ReEntryStatus(req.Status), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReEntryDTO(re))
}

// ProcessReturn records the vehicle coming back through the gate.
func (h *Handler) ProcessReturn(w http.ResponseWriter, r *http.Request) {
	var req ProcessReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	re, err := h.Entrance.ProcessReturn(r.Context(), core.ID(chi.URLParam(r, "id")),
		req.VisitorsReturned, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReEntryDTO(re))
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// AddItem adds a line item to a ticket or re-entry.
func (h *Handler) AddItem(kind entrance.RecordKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}

		var price *core.Money
		if req.Price != nil {
			m, err := parseMoney(*req.Price)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid price", err)
				return
			}
			price = &m
		}

		item, err := h.Entrance.AddItem(r.Context(), kind, core.ID(chi.URLParam(r, "id")),
			entrance.Category(req.Category), req.VisitorCount, price, actorFromRequest(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toItemDTO(item))
	}
}

// EditItem changes an item's category and/or visitor count.
func (h *Handler) EditItem(w http.ResponseWriter, r *http.Request) {
	var req EditItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var category *entrance.Category
	if req.Category != nil {
		c := entrance.Category(*req.Category)
		category = &c
	}

	item, err := h.Entrance.EditItem(r.Context(), core.ID(chi.URLParam(r, "id")),
		category, req.VisitorCount, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// RemoveItem soft-removes an item.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Entrance.RemoveItem(r.Context(), core.ID(chi.URLParam(r, "id")), actorFromRequest(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListItems returns a record's live line items plus its totals. Audit
// paths pass ?include_removed=true to see soft-removed lines too.
func (h *Handler) ListItems(kind entrance.RecordKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recordID := core.ID(chi.URLParam(r, "id"))
		includeRemoved := r.URL.Query().Get("include_removed") == "true"
		items, err := h.Entrance.Store.ListItems(r.Context(), kind, recordID, includeRemoved)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		due, visitors, err := h.Entrance.Totals(r.Context(), kind, recordID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		dtos := make([]ItemDTO, len(items))
		for i := range items {
			dtos[i] = toItemDTO(&items[i])
		}
		writeJSON(w, http.StatusOK, struct {
			Items  []ItemDTO `json:"items"`
			Totals TotalsDTO `json:"totals"`
		}{dtos, TotalsDTO{TotalDue: due.String(), TotalVisitors: visitors}})
	}
}

// ListStatusHistory returns a record's status trail.
func (h *Handler) ListStatusHistory(kind entrance.RecordKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := h.Entrance.Store.ListStatusHistory(r.Context(), kind, core.ID(chi.URLParam(r, "id")))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		dtos := make([]StatusHistoryDTO, len(rows))
		for i, row := range rows {
			dtos[i] = StatusHistoryDTO{
				ID:          string(row.ID),
				PrevStatus:  row.PrevStatus,
				NewStatus:   row.NewStatus,
				PerformedBy: string(row.PerformedBy),
				CreatedAt:   row.CreatedAt.Format(timeFormat),
			}
		}
		writeJSON(w, http.StatusOK, dtos)
	}
}

// ListEditHistory returns an item's edit trail.
func (h *Handler) ListEditHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Entrance.Store.ListEditHistory(r.Context(), core.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]EditHistoryDTO, len(rows))
	for i, row := range rows {
		dtos[i] = EditHistoryDTO{
			ID:          string(row.ID),
			Field:       string(row.Field),
			PrevValue:   row.PrevValue,
			NewValue:    row.NewValue,
			PerformedBy: string(row.PerformedBy),
			CreatedAt:   row.CreatedAt.Format(timeFormat),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// InitiatePayment opens an empty payment owned by the acting operator.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.InitiatePayment(r.Context(), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

// ListPayments filters payments by ?shift_id= or ?open=true.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Payments.ListPayments(r.Context(),
		core.ID(r.URL.Query().Get("shift_id")), r.URL.Query().Get("open") == "true")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]PaymentDTO, len(list))
	for i := range list {
		dtos[i] = toPaymentDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPayment returns a payment together with its recomputed balance.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := core.ID(chi.URLParam(r, "id"))
	p, err := h.Payments.GetPayment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bal, err := h.Payments.Balance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		PaymentDTO
		Balance BalanceDTO `json:"balance"`
	}{toPaymentDTO(p), BalanceDTO{
		TotalDue:    bal.TotalDue.String(),
		TotalPaid:   bal.TotalPaid.String(),
		Outstanding: bal.Outstanding.String(),
	}})
}

// AddEntranceRecord links a record to the payment.
func (h *Handler) AddEntranceRecord(w http.ResponseWriter, r *http.Request) {
	var req LinkRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Payments.AddEntranceRecord(r.Context(), core.ID(chi.URLParam(r, "id")),
		entrance.RecordKind(req.RecordKind), core.ID(req.RecordID), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveEntranceRecord unlinks a record from the payment.
func (h *Handler) RemoveEntranceRecord(w http.ResponseWriter, r *http.Request) {
	var req LinkRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Payments.RemoveEntranceRecord(r.Context(), core.ID(chi.URLParam(r, "id")),
		entrance.RecordKind(req.RecordKind), core.ID(req.RecordID), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddTransaction takes money against the payment.
func (h *Handler) AddTransaction(w http.ResponseWriter, r *http.Request) {
	var req AddTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	params := payments.TransactionParams{
		Method:            payments.Method(req.Method),
		Amount:            amount,
		VisitorCount:      req.VisitorCount,
		RRN:               req.RRN,
		CardTransactionID: req.CardTransactionID,
		CardNumber:        req.CardNumber,
		CardholderName:    req.CardholderName,
	}
	if req.CashTendered != nil {
		tendered, err := parseMoney(*req.CashTendered)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid cash_tendered", err)
			return
		}
		params.CashTendered = &tendered
	}

	tx, err := h.Payments.AddTransaction(r.Context(), core.ID(chi.URLParam(r, "id")), params, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// ListTransactions returns the payment's transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Payments.Store.ListTransactions(r.Context(), core.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toTransactionDTO(&txs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

// InitiateRefund opens a refund against a settled payment for a vehicle.
func (h *Handler) InitiateRefund(w http.ResponseWriter, r *http.Request) {
	var req InitiateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	refund, err := h.Payments.InitiateRefund(r.Context(), core.ID(chi.URLParam(r, "id")),
		core.ID(req.VehicleID), req.Reason, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRefundDTO(refund))
}

// GetRefund returns a refund with its allocations and reversal rows.
func (h *Handler) GetRefund(w http.ResponseWriter, r *http.Request) {
	id := core.ID(chi.URLParam(r, "id"))
	refund, err := h.Payments.Store.GetRefund(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	allocs, err := h.Payments.Store.ListAllocations(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rows, err := h.Payments.Store.ListRefundTransactions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	allocDTOs := make([]AllocationDTO, len(allocs))
	for i := range allocs {
		allocDTOs[i] = toAllocationDTO(&allocs[i])
	}
	rowDTOs := make([]RefundTransactionDTO, len(rows))
	for i := range rows {
		rowDTOs[i] = toRefundTransactionDTO(&rows[i])
	}
	writeJSON(w, http.StatusOK, struct {
		RefundDTO
		Allocations  []AllocationDTO        `json:"allocations"`
		Transactions []RefundTransactionDTO `json:"transactions"`
	}{toRefundDTO(refund), allocDTOs, rowDTOs})
}

// AddAllocation earmarks another vehicle on the refund.
func (h *Handler) AddAllocation(w http.ResponseWriter, r *http.Request) {
	var req AddAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	a, err := h.Payments.AddAllocation(r.Context(), core.ID(chi.URLParam(r, "id")),
		core.ID(req.VehicleID), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(a))
}

// CountAllocation records the exit count for an allocation.
func (h *Handler) CountAllocation(w http.ResponseWriter, r *http.Request) {
	var req CountAllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	a, err := h.Payments.CountAllocation(r.Context(), core.ID(chi.URLParam(r, "id")),
		req.VisitorCount, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// AddRefundTransactions adds reversal rows against the refund.
func (h *Handler) AddRefundTransactions(w http.ResponseWriter, r *http.Request) {
	var req AddRefundTransactionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	batch := make([]payments.RefundTransactionParams, 0, len(req.Transactions))
	for _, row := range req.Transactions {
		amount, err := parseMoney(row.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		batch = append(batch, payments.RefundTransactionParams{
			TransactionID: core.ID(row.TransactionID),
			VisitorCount:  row.VisitorCount,
			Amount:        amount,
		})
	}

	rows, err := h.Payments.AddRefundTransactions(r.Context(), core.ID(chi.URLParam(r, "id")),
		batch, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]RefundTransactionDTO, len(rows))
	for i := range rows {
		dtos[i] = toRefundTransactionDTO(&rows[i])
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// ProcessRefundTransaction hands the money back for one reversal row.
func (h *Handler) ProcessRefundTransaction(w http.ResponseWriter, r *http.Request) {
	rt, err := h.Payments.ProcessRefundTransaction(r.Context(), core.ID(chi.URLParam(r, "id")), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundTransactionDTO(rt))
}

// SettleRefund completes the refund (manager only).
func (h *Handler) SettleRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Payments.CompleteRefund(r.Context(), core.ID(chi.URLParam(r, "id")), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

// DenyRefund denies the built refund (manager only).
func (h *Handler) DenyRefund(w http.ResponseWriter, r *http.Request) {
	var req DenyRefundRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	refund, err := h.Payments.DenyRefund(r.Context(), core.ID(chi.URLParam(r, "id")), req.Note, actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

// CancelRefund abandons a refund still in a pending stage.
func (h *Handler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Payments.CancelRefund(r.Context(), core.ID(chi.URLParam(r, "id")), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundDTO(refund))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

const timeFormat = time.RFC3339

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Error = msg + ": " + err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the core error taxonomy to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case core.IsAuthorization(err):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "forbidden"})
	case core.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case core.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid"})
	default:
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
