/*
refund.go - Refund, vehicle allocations and refund transactions

PURPOSE:
  A refund reverses part or all of a settled payment. It is built in three
  stages, each gated by the refund's status:

    pending_allocations   which entrance records get refunded, how many
                          visitors each (allocations are counted by a
                          second operator as the vehicles leave)
    pending_transactions  which original transactions are reversed, for
                          how much
    pending_settlement    a manager settles or denies the built refund

  Canceling is allowed from any pending stage and cascades to the
  refund's non-terminal allocations and pending refund transactions.

CAPS:
  A record's refundable visitor count is its live item visitor total minus
  visitors already claimed by counted or settled allocations on other
  refunds. A transaction's refundable amount and visitor count are its own
  amount and visitor count minus what pending and processed refund
  transactions already claim against it. Refund rows are additionally
  capped by the refund's own counted allocation total. Every cap is
  enforced on write, so over-refunding is impossible; where the allocation
  cap and the transaction cap disagree, the tighter one governs.
*/
package payments

import (
	"time"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
)

// =============================================================================
// REFUND
// =============================================================================

// RefundStatus is the Refund lifecycle state.
type RefundStatus string

const (
	RefundPendingAllocations  RefundStatus = "pending_allocations"
	RefundPendingTransactions RefundStatus = "pending_transactions"
	RefundPendingSettlement   RefundStatus = "pending_settlement"
	RefundSettled             RefundStatus = "settled"
	RefundDenied              RefundStatus = "denied"
	RefundCanceled            RefundStatus = "canceled"
)

// RefundTransitions is the Refund transition table.
var RefundTransitions = core.Table[RefundStatus]{
	RefundPendingAllocations:  {RefundPendingTransactions, RefundCanceled},
	RefundPendingTransactions: {RefundPendingSettlement, RefundCanceled},
	RefundPendingSettlement:   {RefundSettled, RefundDenied, RefundCanceled},
	RefundSettled:             {},
	RefundDenied:              {},
	RefundCanceled:            {},
}

// Active reports whether the refund is still in a pending stage. A payment
// may have at most one active refund.
func (s RefundStatus) Active() bool {
	return s == RefundPendingAllocations ||
		s == RefundPendingTransactions ||
		s == RefundPendingSettlement
}

// Refund reverses part or all of one settled payment.
type Refund struct {
	ID          core.ID
	RefNumber   string
	PaymentID   core.ID
	Status      RefundStatus
	Reason      string
	RequestedBy core.ID
	// SettledBy is the manager who settled or denied the refund.
	SettledBy   core.ID
	CompletedAt *time.Time
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r *Refund) String() string {
	return "Refund " + r.RefNumber + " - " + string(r.Status)
}

// =============================================================================
// VEHICLE ALLOCATIONS
// =============================================================================

// AllocationStatus is the VehicleAllocation lifecycle state.
type AllocationStatus string

const (
	AllocationPendingCount AllocationStatus = "pending_count"
	AllocationCounted      AllocationStatus = "counted"
	AllocationSettled      AllocationStatus = "settled"
	AllocationDenied       AllocationStatus = "denied"
	AllocationCanceled     AllocationStatus = "canceled"
)

// AllocationTransitions is the VehicleAllocation transition table.
var AllocationTransitions = core.Table[AllocationStatus]{
	AllocationPendingCount: {AllocationCounted, AllocationCanceled},
	AllocationCounted:      {AllocationSettled, AllocationDenied, AllocationCanceled},
	AllocationSettled:      {},
	AllocationDenied:       {},
	AllocationCanceled:     {},
}

// Claims reports whether the allocation's visitor count holds a claim
// against its record's refundable visitors.
func (s AllocationStatus) Claims() bool {
	return s == AllocationCounted || s == AllocationSettled
}

// VehicleAllocation earmarks one entrance record on the refund's payment
// for a counted number of refunded visitors. Exactly one record per
// allocation; exactly one allocation per record within a refund.
type VehicleAllocation struct {
	ID         core.ID
	RefundID   core.ID
	RecordKind entrance.RecordKind
	RecordID   core.ID
	// VisitorCount is zero until counted.
	VisitorCount int
	Status       AllocationStatus
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// REFUND TRANSACTIONS
// =============================================================================

// RefundTransactionStatus is the RefundTransaction lifecycle state.
type RefundTransactionStatus string

const (
	RefundTxPending   RefundTransactionStatus = "pending"
	RefundTxProcessed RefundTransactionStatus = "processed"
	RefundTxCanceled  RefundTransactionStatus = "canceled"
)

// RefundTxTransitions is the RefundTransaction transition table.
var RefundTxTransitions = core.Table[RefundTransactionStatus]{
	RefundTxPending:   {RefundTxProcessed, RefundTxCanceled},
	RefundTxProcessed: {},
	RefundTxCanceled:  {},
}

// Claims reports whether the row holds a claim against its original
// transaction's refundable amount.
func (s RefundTransactionStatus) Claims() bool {
	return s == RefundTxPending || s == RefundTxProcessed
}

// RefundTransaction reverses part of one original transaction. The money
// is handed back when a manager processes the row.
type RefundTransaction struct {
	ID            core.ID
	RefundID      core.ID
	TransactionID core.ID
	// VisitorCount is how many of the refund's counted visitors this row
	// pays back. Settlement requires the processed rows to cover the
	// counted allocation total exactly.
	VisitorCount int
	Amount       core.Money
	Status       RefundTransactionStatus
	ProcessedBy  core.ID
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
