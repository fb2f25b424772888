/*
store.go - Persistence contract for payments and refunds

PURPOSE:
  The settlement and refund engines talk to storage through this
  interface. Operations that must land together (a transaction plus the
  payment's derived status, a refund completion plus every row it
  cascades to) are single methods taking all rows of the unit, so an
  implementation commits them in one transaction or not at all.

CONSISTENCY RULES IMPLEMENTATIONS MUST UPHOLD:
  - Insert* fails with core.ErrReferenceCollision only for a taken
    reference number.
  - Every update compares the caller's Version against the stored row and
    fails with core.ErrStaleState on mismatch.
  - Transaction items and refund rows are never deleted.
*/
package payments

import (
	"context"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
)

// Store persists payments, transactions, refunds and their cascades. It
// also reads and relinks the entrance records a payment settles; record
// rows themselves are owned by the entrance store.
type Store interface {
	// ---- payments ----

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id core.ID) (*Payment, error)
	GetPaymentByRef(ctx context.Context, ref string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPaymentsByShift(ctx context.Context, shiftID core.ID) ([]Payment, error)
	// ListOpenPayments returns payments still able to take transactions.
	ListOpenPayments(ctx context.Context) ([]Payment, error)

	// ---- entrance record linkage ----

	GetRecord(ctx context.Context, kind entrance.RecordKind, id core.ID) (entrance.Record, error)
	// UpdateRecordPayment persists only the record's payment reference.
	UpdateRecordPayment(ctx context.Context, rec entrance.Record) error
	ListRecordsByPayment(ctx context.Context, paymentID core.ID) ([]entrance.Record, error)
	ListRecordItems(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]entrance.Item, error)

	// ---- transactions ----

	// InsertTransaction writes the transaction, the payment's derived
	// status, and, when the payment settles, every linked record's move to
	// processed with its history row, in one unit.
	InsertTransaction(ctx context.Context, tx *TransactionItem, p *Payment,
		records []entrance.Record, histories []*entrance.StatusHistory) error
	GetTransaction(ctx context.Context, id core.ID) (*TransactionItem, error)
	ListTransactions(ctx context.Context, paymentID core.ID) ([]TransactionItem, error)

	// ---- refunds ----

	// InsertRefund writes the refund together with its seeding vehicle
	// allocation in one unit. seed may be nil.
	InsertRefund(ctx context.Context, r *Refund, seed *VehicleAllocation) error
	GetRefund(ctx context.Context, id core.ID) (*Refund, error)
	// GetActiveRefund returns the payment's refund in a pending stage, or
	// core.ErrNotFound when there is none.
	GetActiveRefund(ctx context.Context, paymentID core.ID) (*Refund, error)
	ListRefundsByPayment(ctx context.Context, paymentID core.ID) ([]Refund, error)

	InsertAllocation(ctx context.Context, a *VehicleAllocation) error
	GetAllocation(ctx context.Context, id core.ID) (*VehicleAllocation, error)
	ListAllocations(ctx context.Context, refundID core.ID) ([]VehicleAllocation, error)
	// ListAllocationsByRecord returns every allocation referencing the
	// record across all refunds.
	ListAllocationsByRecord(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]VehicleAllocation, error)
	// UpdateAllocation persists the allocation and, when the count
	// completes the allocation stage, the refund's advance in one unit.
	// r may be nil when the refund does not change.
	UpdateAllocation(ctx context.Context, a *VehicleAllocation, r *Refund) error

	InsertRefundTransactions(ctx context.Context, rows []RefundTransaction) error
	GetRefundTransaction(ctx context.Context, id core.ID) (*RefundTransaction, error)
	ListRefundTransactions(ctx context.Context, refundID core.ID) ([]RefundTransaction, error)
	// ListRefundTransactionsByTransaction returns every refund row claiming
	// against the original transaction, across all refunds.
	ListRefundTransactionsByTransaction(ctx context.Context, transactionID core.ID) ([]RefundTransaction, error)
	// UpdateRefundTransaction persists the row and, when processing it
	// advances the refund, the refund update in one unit. r may be nil.
	UpdateRefundTransaction(ctx context.Context, rt *RefundTransaction, r *Refund) error

	// UpdateRefundCascade persists a refund status change together with
	// the allocation and refund-transaction rows it cascades to (cancel,
	// deny, stage advance).
	UpdateRefundCascade(ctx context.Context, r *Refund,
		allocs []VehicleAllocation, refundTxs []RefundTransaction) error

	// CompleteRefund settles the refund: the refund row, its allocations,
	// its refund transactions, the original transactions' new statuses,
	// the payment's move to (partially_)refunded, and each fully-refunded
	// record's move to refunded with its history row, all in one unit.
	CompleteRefund(ctx context.Context, r *Refund,
		allocs []VehicleAllocation, refundTxs []RefundTransaction,
		txs []TransactionItem, p *Payment,
		records []entrance.Record, histories []*entrance.StatusHistory) error
}
