/*
service.go - Payment settlement operations

PURPOSE:
  The settlement write path: open a payment, link the entrance records it
  covers, and take cash or card transactions until paid covers total due.
  When the covering transaction lands, the payment settles and every
  linked record moves to processed in the same atomic unit.

OWNERSHIP:
  A payment belongs to the operator who opened it. Only the owner may add
  transactions; the owner must be clocked into a shift for every money
  movement.

USAGE:
  svc := payments.NewService(store)
  p, err := svc.InitiatePayment(ctx, actor)
  err = svc.AddEntranceRecord(ctx, p.ID, entrance.KindTicket, ticketID, actor)
  _, err = svc.AddTransaction(ctx, p.ID, payments.TransactionParams{...}, actor)
*/
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
)

// DefaultRefundWindow bounds how long after completion a payment stays
// refundable unless the service is configured otherwise.
const DefaultRefundWindow = 24 * time.Hour

// Service owns the payment and refund write paths.
type Service struct {
	Store Store
	// RefundWindow is measured from the payment's CompletedAt.
	RefundWindow time.Duration
	// Now supplies timestamps; overridable in tests.
	Now func() time.Time
}

func NewService(store Store) *Service {
	return &Service{Store: store, RefundWindow: DefaultRefundWindow, Now: time.Now}
}

// =============================================================================
// PAYMENT LIFECYCLE
// =============================================================================

// InitiatePayment opens an empty payment owned by the acting operator.
func (s *Service) InitiatePayment(ctx context.Context, actor core.UserRef) (*Payment, error) {
	if !actor.HasActiveShift() {
		return nil, core.Rulef("user %s has no active shift", actor.Name)
	}

	now := s.Now()
	p := &Payment{
		ID:        core.NewID(),
		Status:    PaymentPendingSettlement,
		OwnerID:   actor.ID,
		ShiftID:   actor.ActiveShiftID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ref, err := core.GenerateRef(now, func(ref string) error {
		p.RefNumber = ref
		return s.Store.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payment: %w", err)
	}
	p.RefNumber = ref
	return p, nil
}

// AddEntranceRecord links a record to the payment. The record must owe
// payment (a counted ticket, or a returned re-entry with extra visitors)
// and must not already sit on another payment.
func (s *Service) AddEntranceRecord(ctx context.Context, paymentID core.ID, kind entrance.RecordKind, recordID core.ID, actor core.UserRef) error {
	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != PaymentPendingSettlement {
		return core.Rulef("records can only be added to a pending payment, %s is %s", p.RefNumber, p.Status)
	}

	rec, err := s.Store.GetRecord(ctx, kind, recordID)
	if err != nil {
		return err
	}
	if !rec.PaymentID().IsZero() {
		return core.Rulef("record %s is already assigned to a payment", rec.Ref())
	}
	if err := recordOwesPayment(rec); err != nil {
		return err
	}

	rec.SetPaymentID(p.ID)
	return s.Store.UpdateRecordPayment(ctx, rec)
}

// RemoveEntranceRecord unlinks a record from a payment that has not taken
// any money yet.
func (s *Service) RemoveEntranceRecord(ctx context.Context, paymentID core.ID, kind entrance.RecordKind, recordID core.ID, actor core.UserRef) error {
	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != PaymentPendingSettlement {
		return core.Rulef("records can only be removed from a pending payment, %s is %s", p.RefNumber, p.Status)
	}

	rec, err := s.Store.GetRecord(ctx, kind, recordID)
	if err != nil {
		return err
	}
	if rec.PaymentID() != p.ID {
		return core.Rulef("record %s is not on payment %s", rec.Ref(), p.RefNumber)
	}

	rec.SetPaymentID("")
	return s.Store.UpdateRecordPayment(ctx, rec)
}

func recordOwesPayment(rec entrance.Record) error {
	switch r := rec.(type) {
	case *entrance.Ticket:
		if r.Status != entrance.TicketCounted {
			return core.Rulef("ticket %s must be counted before payment, is %s", r.RefNumber, r.Status)
		}
	case *entrance.ReEntry:
		if r.Status != entrance.ReEntryPendingPayment {
			return core.Rulef("re-entry %s does not owe payment, is %s", r.RefNumber, r.Status)
		}
	default:
		return core.Rulef("record %s cannot take payment", rec.Ref())
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionParams carries the tender details for one transaction.
type TransactionParams struct {
	Method Method
	Amount core.Money
	// VisitorCount is how many visitors this tender covers.
	VisitorCount int

	// Cash.
	CashTendered *core.Money

	// Card terminal slip.
	RRN               string
	CardTransactionID string
	CardNumber        string
	CardholderName    string
}

// AddTransaction takes money against the payment. The amount may never
// exceed the outstanding balance. When paid covers total due the payment
// settles, CompletedAt is stamped, and every linked record moves to
// processed in the same unit.
func (s *Service) AddTransaction(ctx context.Context, paymentID core.ID, params TransactionParams, actor core.UserRef) (*TransactionItem, error) {
	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != actor.ID {
		return nil, &core.AuthorizationError{ActorID: actor.ID, Reason: "payment managed by another user"}
	}
	if !actor.HasActiveShift() {
		return nil, core.Rulef("user %s has no active shift", actor.Name)
	}
	if !p.Open() {
		return nil, core.Rulef("payment %s is not open for transactions", p)
	}
	if !params.Amount.IsPositive() {
		return nil, core.Rulef("transaction amount must be positive, got R %s", params.Amount)
	}
	if params.VisitorCount < 0 {
		return nil, core.Rulef("transaction visitor count cannot be negative, got %d", params.VisitorCount)
	}
	if err := validateTender(params); err != nil {
		return nil, err
	}

	bal, records, err := s.balance(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if params.Amount.GreaterThan(bal.Outstanding) {
		return nil, core.Rulef("amount exceeds outstanding balance of R %s", bal.Outstanding)
	}

	now := s.Now()
	tx := &TransactionItem{
		ID:                core.NewID(),
		PaymentID:         p.ID,
		Method:            params.Method,
		Amount:            params.Amount,
		VisitorCount:      params.VisitorCount,
		Status:            TransactionProcessed,
		CashTendered:      params.CashTendered,
		RRN:               params.RRN,
		CardTransactionID: params.CardTransactionID,
		CardNumber:        params.CardNumber,
		CardholderName:    params.CardholderName,
		PerformedBy:       actor.ID,
		ShiftID:           actor.ActiveShiftID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	newPaid := bal.TotalPaid.Add(params.Amount)
	next := PaymentPartiallySettled
	if !bal.TotalDue.GreaterThan(newPaid) {
		next = PaymentSettled
	}

	var settled []entrance.Record
	var histories []*entrance.StatusHistory
	if next != p.Status {
		if err := PaymentTransitions.Validate("payment", p.Status, next); err != nil {
			return nil, err
		}
		p.Status = next
		if next == PaymentSettled {
			p.CompletedAt = &now
			settled, histories, err = s.processRecords(records, actor, now)
			if err != nil {
				return nil, err
			}
		}
	}
	p.UpdatedAt = now

	if err := s.Store.InsertTransaction(ctx, tx, p, settled, histories); err != nil {
		return nil, err
	}
	return tx, nil
}

func validateTender(params TransactionParams) error {
	switch params.Method {
	case MethodCash:
		if params.CashTendered == nil {
			return core.Rulef("cash transactions require the tendered amount")
		}
		if params.CashTendered.LessThan(params.Amount) {
			return core.Rulef("cash tendered R %s does not cover R %s", params.CashTendered, params.Amount)
		}
	case MethodCard:
		if params.RRN == "" || params.CardTransactionID == "" {
			return core.Rulef("card transactions require an RRN and a terminal transaction id")
		}
	default:
		return core.Rulef("unknown payment method %q", params.Method)
	}
	return nil
}

// processRecords builds the settlement transitions for the payment's
// linked records. Every record must be in its payable state; the tables
// make anything else unreachable.
func (s *Service) processRecords(records []entrance.Record, actor core.UserRef, now time.Time) ([]entrance.Record, []*entrance.StatusHistory, error) {
	histories := make([]*entrance.StatusHistory, 0, len(records))
	for _, rec := range records {
		var prev, next string
		switch r := rec.(type) {
		case *entrance.Ticket:
			if err := entrance.TicketTransitions.Validate("ticket", r.Status, entrance.TicketProcessed); err != nil {
				return nil, nil, err
			}
			prev, next = string(r.Status), string(entrance.TicketProcessed)
			r.Status = entrance.TicketProcessed
			r.UpdatedAt = now
		case *entrance.ReEntry:
			if err := entrance.ReEntryTransitions.Validate("re-entry", r.Status, entrance.ReEntryProcessed); err != nil {
				return nil, nil, err
			}
			prev, next = string(r.Status), string(entrance.ReEntryProcessed)
			r.Status = entrance.ReEntryProcessed
			r.CompletedAt = &now
			r.UpdatedAt = now
		}
		histories = append(histories, &entrance.StatusHistory{
			ID:          core.NewID(),
			RecordKind:  rec.Kind(),
			RecordID:    rec.RecordID(),
			PrevStatus:  prev,
			NewStatus:   next,
			PerformedBy: actor.ID,
			CreatedAt:   now,
		})
	}
	return records, histories, nil
}

// =============================================================================
// BALANCES
// =============================================================================

// Balance recomputes the payment's financial position from its linked
// records and transactions.
func (s *Service) Balance(ctx context.Context, paymentID core.ID) (Balance, error) {
	bal, _, err := s.balance(ctx, paymentID)
	return bal, err
}

func (s *Service) balance(ctx context.Context, paymentID core.ID) (Balance, []entrance.Record, error) {
	records, err := s.Store.ListRecordsByPayment(ctx, paymentID)
	if err != nil {
		return Balance{}, nil, err
	}
	due := core.ZeroMoney()
	for _, rec := range records {
		items, err := s.Store.ListRecordItems(ctx, rec.Kind(), rec.RecordID())
		if err != nil {
			return Balance{}, nil, err
		}
		due = due.Add(entrance.TotalDue(items))
	}

	txs, err := s.Store.ListTransactions(ctx, paymentID)
	if err != nil {
		return Balance{}, nil, err
	}
	paid := core.ZeroMoney()
	for i := range txs {
		paid = paid.Add(txs[i].Amount)
	}

	return Balance{
		TotalDue:    due,
		TotalPaid:   paid,
		Outstanding: due.Sub(paid).FlooredAtZero(),
	}, records, nil
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id core.ID) (*Payment, error) {
	return s.Store.GetPayment(ctx, id)
}

// ListPayments answers the cash-office queries: a shift's payments, or
// every payment still waiting on money.
func (s *Service) ListPayments(ctx context.Context, shiftID core.ID, openOnly bool) ([]Payment, error) {
	if !shiftID.IsZero() {
		return s.Store.ListPaymentsByShift(ctx, shiftID)
	}
	if openOnly {
		return s.Store.ListOpenPayments(ctx)
	}
	return nil, core.Rulef("a shift or open filter is required")
}
