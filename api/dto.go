/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts cross the wire as decimal strings ("150.00"), never floats.
  Floats lose cents; decimal strings round-trip exactly.

VALIDATION:
  Validation is done in the domain services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - core/types.go: Money type
*/
package api

import (
	"time"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
)

// =============================================================================
// ENTRANCE RECORDS
// =============================================================================

// TicketDTO represents a ticket in API responses.
type TicketDTO struct {
	ID        string `json:"id"`
	RefNumber string `json:"ref_number"`
	Status    string `json:"status"`
	VehicleID string `json:"vehicle_id"`
	PaymentID string `json:"payment_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateTicketRequest is the request to open a ticket for a vehicle.
type CreateTicketRequest struct {
	VehicleID     string `json:"vehicle_id"`
	PlateNumber   string `json:"plate_number"`
	IsBlacklisted bool   `json:"is_blacklisted"`
}

// UpdateStatusRequest moves a record to a new lifecycle status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// ReEntryDTO represents a re-entry in API responses.
type ReEntryDTO struct {
	ID               string `json:"id"`
	RefNumber        string `json:"ref_number"`
	Status           string `json:"status"`
	TicketID         string `json:"ticket_id"`
	VehicleID        string `json:"vehicle_id"`
	PaymentID        string `json:"payment_id,omitempty"`
	VisitorsLeft     int    `json:"visitors_left"`
	VisitorsReturned *int   `json:"visitors_returned,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// CreateReEntryRequest opens a re-entry pass against a processed ticket.
type CreateReEntryRequest struct {
	TicketID     string `json:"ticket_id"`
	VisitorsLeft int    `json:"visitors_left"`
}

// ProcessReturnRequest records the vehicle coming back through the gate.
type ProcessReturnRequest struct {
	VisitorsReturned int `json:"visitors_returned"`
}

// =============================================================================
// ITEMS
// =============================================================================

// ItemDTO represents a priced line item in API responses.
type ItemDTO struct {
	ID           string `json:"id"`
	RecordKind   string `json:"record_kind"`
	RecordID     string `json:"record_id"`
	Category     string `json:"category"`
	VisitorCount int    `json:"visitor_count"`
	AppliedPrice string `json:"applied_price,omitempty"`
	AmountDue    string `json:"amount_due"`
	Removed      bool   `json:"removed,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AddItemRequest adds a line item to an entrance record.
type AddItemRequest struct {
	Category     string  `json:"category"`
	VisitorCount int     `json:"visitor_count"`
	Price        *string `json:"price,omitempty"`
}

// EditItemRequest changes an item's category and/or visitor count.
type EditItemRequest struct {
	Category     *string `json:"category,omitempty"`
	VisitorCount *int    `json:"visitor_count,omitempty"`
}

// TotalsDTO is the record's recomputed financial position.
type TotalsDTO struct {
	TotalDue      string `json:"total_due"`
	TotalVisitors int    `json:"total_visitors"`
}

// StatusHistoryDTO is one row of a record's status trail.
type StatusHistoryDTO struct {
	ID          string `json:"id"`
	PrevStatus  string `json:"prev_status,omitempty"`
	NewStatus   string `json:"new_status"`
	PerformedBy string `json:"performed_by"`
	CreatedAt   string `json:"created_at"`
}

// EditHistoryDTO is one row of an item's edit trail.
type EditHistoryDTO struct {
	ID          string `json:"id"`
	Field       string `json:"field"`
	PrevValue   string `json:"prev_value"`
	NewValue    string `json:"new_value"`
	PerformedBy string `json:"performed_by"`
	CreatedAt   string `json:"created_at"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID          string `json:"id"`
	RefNumber   string `json:"ref_number"`
	Status      string `json:"status"`
	OwnerID     string `json:"owner_id"`
	ShiftID     string `json:"shift_id"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// LinkRecordRequest links or unlinks an entrance record on a payment.
type LinkRecordRequest struct {
	RecordKind string `json:"record_kind"`
	RecordID   string `json:"record_id"`
}

// BalanceDTO is a payment's recomputed financial position.
type BalanceDTO struct {
	TotalDue    string `json:"total_due"`
	TotalPaid   string `json:"total_paid"`
	Outstanding string `json:"outstanding"`
}

// AddTransactionRequest takes money against a payment.
type AddTransactionRequest struct {
	Method            string  `json:"method"`
	Amount            string  `json:"amount"`
	VisitorCount      int     `json:"visitor_count"`
	CashTendered      *string `json:"cash_tendered,omitempty"`
	RRN               string  `json:"rrn,omitempty"`
	CardTransactionID string  `json:"card_transaction_id,omitempty"`
	CardNumber        string  `json:"card_number,omitempty"`
	CardholderName    string  `json:"cardholder_name,omitempty"`
}

// TransactionDTO represents a settlement transaction.
type TransactionDTO struct {
	ID           string `json:"id"`
	PaymentID    string `json:"payment_id"`
	Method       string `json:"method"`
	Amount       string `json:"amount"`
	VisitorCount int    `json:"visitor_count"`
	Status       string `json:"status"`
	CashTendered string `json:"cash_tendered,omitempty"`
	ChangeDue    string `json:"change_due,omitempty"`
	RRN          string `json:"rrn,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// =============================================================================
// REFUNDS
// =============================================================================

// InitiateRefundRequest opens a refund against a settled payment for the
// vehicle asking for its money back.
type InitiateRefundRequest struct {
	VehicleID string `json:"vehicle_id"`
	Reason    string `json:"reason"`
}

// RefundDTO represents a refund in API responses.
type RefundDTO struct {
	ID          string `json:"id"`
	RefNumber   string `json:"ref_number"`
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
	SettledBy   string `json:"settled_by,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// DenyRefundRequest carries the manager's optional denial note.
type DenyRefundRequest struct {
	Note string `json:"note,omitempty"`
}

// AddAllocationRequest earmarks another vehicle on a refund.
type AddAllocationRequest struct {
	VehicleID string `json:"vehicle_id"`
}

// CountAllocationRequest records the exit count for an allocation.
type CountAllocationRequest struct {
	VisitorCount int `json:"visitor_count"`
}

// AllocationDTO represents a vehicle allocation.
type AllocationDTO struct {
	ID           string `json:"id"`
	RefundID     string `json:"refund_id"`
	RecordKind   string `json:"record_kind"`
	RecordID     string `json:"record_id"`
	VisitorCount int    `json:"visitor_count"`
	Status       string `json:"status"`
}

// AddRefundTransactionsRequest reverses original transactions.
type AddRefundTransactionsRequest struct {
	Transactions []RefundTransactionParamsDTO `json:"transactions"`
}

// RefundTransactionParamsDTO is one reversal row in the request.
type RefundTransactionParamsDTO struct {
	TransactionID string `json:"transaction_id"`
	VisitorCount  int    `json:"visitor_count"`
	Amount        string `json:"amount"`
}

// RefundTransactionDTO represents a refund transaction row.
type RefundTransactionDTO struct {
	ID            string `json:"id"`
	RefundID      string `json:"refund_id"`
	TransactionID string `json:"transaction_id"`
	VisitorCount  int    `json:"visitor_count"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	ProcessedBy   string `json:"processed_by,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTicketDTO(t *entrance.Ticket) TicketDTO {
	return TicketDTO{
		ID:        string(t.ID),
		RefNumber: t.RefNumber,
		Status:    string(t.Status),
		VehicleID: string(t.VehicleID),
		PaymentID: string(t.Payment),
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

func toReEntryDTO(r *entrance.ReEntry) ReEntryDTO {
	dto := ReEntryDTO{
		ID:               string(r.ID),
		RefNumber:        r.RefNumber,
		Status:           string(r.Status),
		TicketID:         string(r.TicketID),
		VehicleID:        string(r.VehicleID),
		PaymentID:        string(r.Payment),
		VisitorsLeft:     r.VisitorsLeft,
		VisitorsReturned: r.VisitorsReturned,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        r.UpdatedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toItemDTO(item *entrance.Item) ItemDTO {
	dto := ItemDTO{
		ID:           string(item.ID),
		RecordKind:   string(item.RecordKind),
		RecordID:     string(item.RecordID),
		Category:     string(item.Category),
		VisitorCount: item.VisitorCount,
		AmountDue:    item.AmountDue().String(),
		Removed:      item.Removed,
		CreatedAt:    item.CreatedAt.Format(time.RFC3339),
	}
	if item.AppliedPrice != nil {
		dto.AppliedPrice = item.AppliedPrice.String()
	}
	return dto
}

func toPaymentDTO(p *payments.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:        string(p.ID),
		RefNumber: p.RefNumber,
		Status:    string(p.Status),
		OwnerID:   string(p.OwnerID),
		ShiftID:   string(p.ShiftID),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
	if p.CompletedAt != nil {
		dto.CompletedAt = p.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(t *payments.TransactionItem) TransactionDTO {
	dto := TransactionDTO{
		ID:           string(t.ID),
		PaymentID:    string(t.PaymentID),
		Method:       string(t.Method),
		Amount:       t.Amount.String(),
		VisitorCount: t.VisitorCount,
		Status:       string(t.Status),
		RRN:          t.RRN,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
	}
	if t.CashTendered != nil {
		dto.CashTendered = t.CashTendered.String()
		dto.ChangeDue = t.ChangeDue().String()
	}
	return dto
}

func toRefundDTO(r *payments.Refund) RefundDTO {
	dto := RefundDTO{
		ID:          string(r.ID),
		RefNumber:   r.RefNumber,
		PaymentID:   string(r.PaymentID),
		Status:      string(r.Status),
		Reason:      r.Reason,
		RequestedBy: string(r.RequestedBy),
		SettledBy:   string(r.SettledBy),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toAllocationDTO(a *payments.VehicleAllocation) AllocationDTO {
	return AllocationDTO{
		ID:           string(a.ID),
		RefundID:     string(a.RefundID),
		RecordKind:   string(a.RecordKind),
		RecordID:     string(a.RecordID),
		VisitorCount: a.VisitorCount,
		Status:       string(a.Status),
	}
}

func toRefundTransactionDTO(rt *payments.RefundTransaction) RefundTransactionDTO {
	return RefundTransactionDTO{
		ID:            string(rt.ID),
		RefundID:      string(rt.RefundID),
		TransactionID: string(rt.TransactionID),
		VisitorCount:  rt.VisitorCount,
		Amount:        rt.Amount.String(),
		Status:        string(rt.Status),
		ProcessedBy:   string(rt.ProcessedBy),
	}
}

func parseMoney(s string) (core.Money, error) {
	return core.MoneyFromString(s)
}
