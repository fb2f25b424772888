/*
Package payments implements payment settlement and the refund engine.

PURPOSE:
  A Payment collects one or more entrance records and settles their total
  due through cash and card transactions. A Refund reverses part or all of
  a settled payment through vehicle allocations (who gets refunded) and
  refund transactions (which original transactions are reversed).

DERIVED BALANCES:
  Total due, total paid and outstanding are never stored. They are
  recomputed from the payment's linked records and transactions on every
  read, so a stored aggregate can never drift from its lines.

STATUS DERIVATION:
  Payment status is derived from its transactions, never set by callers:
  paid below total due is partially_settled, paid covering total due is
  settled (stamping CompletedAt). Refund completion moves the payment to
  partially_refunded or refunded. Every derived move is still validated
  against the transition table.

SEE ALSO:
  - refund.go: Refund, allocations and refund transactions
  - service.go: Settlement operations
  - refunds.go: The refund engine
*/
package payments

import (
	"fmt"
	"time"

	"github.com/farmgate/entry-engine/core"
)

// =============================================================================
// PAYMENT
// =============================================================================

// PaymentStatus is the Payment lifecycle state.
type PaymentStatus string

const (
	PaymentPendingSettlement PaymentStatus = "pending_settlement"
	PaymentPartiallySettled  PaymentStatus = "partially_settled"
	PaymentSettled           PaymentStatus = "settled"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

// PaymentTransitions is the Payment transition table. All edges are driven
// by derivation from transactions and refunds; none are caller-settable.
var PaymentTransitions = core.Table[PaymentStatus]{
	PaymentPendingSettlement: {PaymentPartiallySettled, PaymentSettled},
	PaymentPartiallySettled:  {PaymentSettled},
	PaymentSettled:           {PaymentPartiallyRefunded, PaymentRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded},
	PaymentRefunded:          {},
}

// Payment settles the amount due across its linked entrance records.
// Only the owning user may add transactions to it.
type Payment struct {
	ID        core.ID
	RefNumber string
	Status    PaymentStatus
	OwnerID   core.ID
	ShiftID   core.ID
	// CompletedAt is stamped when paid covers total due. The refund window
	// is measured from it.
	CompletedAt *time.Time
	Removed     bool
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Open reports whether the payment can still take transactions.
func (p *Payment) Open() bool {
	return p.Status == PaymentPendingSettlement || p.Status == PaymentPartiallySettled
}

func (p *Payment) String() string {
	return p.RefNumber + " - " + string(p.Status)
}

// Balance is the derived financial position of a payment.
type Balance struct {
	TotalDue    core.Money
	TotalPaid   core.Money
	Outstanding core.Money
}

// =============================================================================
// TRANSACTION ITEMS (append-only)
// =============================================================================

// Method is the tender type of a transaction.
type Method string

const (
	MethodCash Method = "cash"
	MethodCard Method = "card"
)

// TransactionStatus tracks how much of a transaction has been refunded.
type TransactionStatus string

const (
	TransactionProcessed         TransactionStatus = "processed"
	TransactionPartiallyRefunded TransactionStatus = "partially_refunded"
	TransactionRefunded          TransactionStatus = "refunded"
)

// TransactionTransitions is the TransactionItem transition table.
var TransactionTransitions = core.Table[TransactionStatus]{
	TransactionProcessed:         {TransactionPartiallyRefunded, TransactionRefunded},
	TransactionPartiallyRefunded: {TransactionRefunded},
	TransactionRefunded:          {},
}

// TransactionItem is one tender against a payment. Rows are append-only:
// a mistaken transaction is corrected by refund, never by deletion.
type TransactionItem struct {
	ID        core.ID
	PaymentID core.ID
	Method    Method
	Amount    core.Money
	// VisitorCount is how many visitors this tender covers. Refund rows
	// claim visitors against it the same way they claim amounts.
	VisitorCount int
	Status       TransactionStatus

	// Cash fields.
	CashTendered *core.Money

	// Card terminal fields, as printed on the merchant slip.
	RRN               string
	CardTransactionID string
	CardNumber        string
	CardholderName    string

	PerformedBy core.ID
	ShiftID     core.ID
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ChangeDue is tendered cash minus the transaction amount. Zero for card
// transactions.
func (t *TransactionItem) ChangeDue() core.Money {
	if t.Method != MethodCash || t.CashTendered == nil {
		return core.ZeroMoney()
	}
	return t.CashTendered.Sub(t.Amount).FlooredAtZero()
}

func (t *TransactionItem) String() string {
	return fmt.Sprintf("%s - R %s", t.Method, t.Amount)
}
