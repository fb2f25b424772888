/*
refunds.go - The refund engine

PURPOSE:
  Builds and settles refunds against settled payments in three gated
  stages: allocate records, count visitors, reverse transactions, then a
  manager settles or denies the result. Money only moves when a manager
  processes a refund transaction; settlement then cascades the final
  statuses to the allocations, the original transactions, the payment and
  the fully-refunded entrance records in one atomic unit.

AUTHORIZATION:
  Any clocked-in operator may initiate and build a refund. Processing
  refund transactions, settling and denying are manager-only.
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
)

// =============================================================================
// INITIATION
// =============================================================================

// InitiateRefund opens a refund against a settled payment for the vehicle
// asking for its money back. The payment must be inside the refund window,
// must still have a refundable amount, and must not already have an active
// refund; the vehicle must be linked to the payment through one of its
// entrance records. The refund and its first allocation land in one unit.
func (s *Service) InitiateRefund(ctx context.Context, paymentID core.ID, vehicleID core.ID, reason string, actor core.UserRef) (*Refund, error) {
	if !actor.HasActiveShift() {
		return nil, core.Rulef("user %s has no active shift", actor.Name)
	}
	if reason == "" {
		return nil, core.Rulef("refund reason is required")
	}
	if vehicleID.IsZero() {
		return nil, core.Rulef("a vehicle is required to initiate a refund")
	}

	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentSettled && p.Status != PaymentPartiallyRefunded {
		return nil, core.Rulef("only settled payments can be refunded, %s is %s", p.RefNumber, p.Status)
	}
	if p.CompletedAt == nil || s.Now().After(p.CompletedAt.Add(s.RefundWindow)) {
		return nil, core.Rulef("payment %s is outside the refund window", p.RefNumber)
	}

	if active, err := s.Store.GetActiveRefund(ctx, p.ID); err == nil && active != nil {
		return nil, core.Rulef("payment %s already has an active refund", p.RefNumber)
	} else if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	refundable, err := s.paymentRefundable(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !refundable.IsPositive() {
		return nil, core.Rulef("payment %s has no refundable amount left", p.RefNumber)
	}

	rec, err := s.recordForVehicle(ctx, p.ID, vehicleID, nil)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	r := &Refund{
		ID:          core.NewID(),
		PaymentID:   p.ID,
		Status:      RefundPendingAllocations,
		Reason:      reason,
		RequestedBy: actor.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seed := &VehicleAllocation{
		ID:         core.NewID(),
		RefundID:   r.ID,
		RecordKind: rec.Kind(),
		RecordID:   rec.RecordID(),
		Status:     AllocationPendingCount,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ref, err := core.GenerateRef(now, func(ref string) error {
		r.RefNumber = ref
		return s.Store.InsertRefund(ctx, r, seed)
	})
	if err != nil {
		return nil, fmt.Errorf("initiate refund: %w", err)
	}
	r.RefNumber = ref
	return r, nil
}

// paymentRefundable sums the refundable remainder across the payment's
// transactions.
func (s *Service) paymentRefundable(ctx context.Context, paymentID core.ID) (core.Money, error) {
	txs, err := s.Store.ListTransactions(ctx, paymentID)
	if err != nil {
		return core.Money{}, err
	}
	remaining := core.ZeroMoney()
	for i := range txs {
		left, err := s.TransactionRefundable(ctx, &txs[i])
		if err != nil {
			return core.Money{}, err
		}
		remaining = remaining.Add(left)
	}
	return remaining, nil
}

// recordForVehicle resolves which of the payment's entrance records the
// vehicle is refunded through: the first of its records with refundable
// visitors that taken does not already name. Vehicles with a ticket and a
// re-entry on the same payment are allocated one record at a time.
func (s *Service) recordForVehicle(ctx context.Context, paymentID core.ID, vehicleID core.ID, taken []VehicleAllocation) (entrance.Record, error) {
	records, err := s.Store.ListRecordsByPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	linked := false
	for _, rec := range records {
		if rec.Vehicle() != vehicleID {
			continue
		}
		linked = true
		allocated := false
		for i := range taken {
			if taken[i].RecordID == rec.RecordID() && taken[i].Status != AllocationCanceled {
				allocated = true
				break
			}
		}
		if allocated {
			continue
		}
		refundable, err := s.RefundableVisitors(ctx, rec.Kind(), rec.RecordID())
		if err != nil {
			return nil, err
		}
		if refundable <= 0 {
			continue
		}
		return rec, nil
	}
	if !linked {
		return nil, core.Rulef("vehicle %s has no entrance record on this payment", vehicleID)
	}
	return nil, core.Rulef("vehicle %s has no unallocated record with refundable visitors on this payment", vehicleID)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

// AddAllocation earmarks another vehicle on the refund. The vehicle's
// record is resolved within the refund's payment, must still have
// refundable visitors, and may appear on the refund only once.
func (s *Service) AddAllocation(ctx context.Context, refundID core.ID, vehicleID core.ID, actor core.UserRef) (*VehicleAllocation, error) {
	r, err := s.Store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != RefundPendingAllocations {
		return nil, core.Rulef("allocations can only be added while pending allocations, refund %s is %s", r.RefNumber, r.Status)
	}

	existing, err := s.Store.ListAllocations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	rec, err := s.recordForVehicle(ctx, r.PaymentID, vehicleID, existing)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	a := &VehicleAllocation{
		ID:         core.NewID(),
		RefundID:   r.ID,
		RecordKind: rec.Kind(),
		RecordID:   rec.RecordID(),
		Status:     AllocationPendingCount,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.InsertAllocation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CountAllocation records how many visitors leave with the allocated
// vehicle. Counting the last pending allocation advances the refund to
// pending_transactions in the same unit.
func (s *Service) CountAllocation(ctx context.Context, allocationID core.ID, visitorCount int, actor core.UserRef) (*VehicleAllocation, error) {
	a, err := s.Store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if err := AllocationTransitions.Validate("allocation", a.Status, AllocationCounted); err != nil {
		return nil, err
	}
	r, err := s.Store.GetRefund(ctx, a.RefundID)
	if err != nil {
		return nil, err
	}
	if r.Status != RefundPendingAllocations {
		return nil, core.Rulef("allocations can only be counted while pending allocations, refund %s is %s", r.RefNumber, r.Status)
	}
	if visitorCount <= 0 {
		return nil, core.Rulef("refunded visitor count must be greater than 0, got %d", visitorCount)
	}
	refundable, err := s.RefundableVisitors(ctx, a.RecordKind, a.RecordID)
	if err != nil {
		return nil, err
	}
	if visitorCount > refundable {
		return nil, core.Rulef("refunded visitor count %d exceeds the %d refundable visitors", visitorCount, refundable)
	}

	now := s.Now()
	a.VisitorCount = visitorCount
	a.Status = AllocationCounted
	a.UpdatedAt = now

	all, err := s.Store.ListAllocations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	complete := true
	for i := range all {
		if all[i].ID == a.ID || all[i].Status == AllocationCanceled {
			continue
		}
		if all[i].Status == AllocationPendingCount {
			complete = false
			break
		}
	}

	var advanced *Refund
	if complete {
		if err := RefundTransitions.Validate("refund", r.Status, RefundPendingTransactions); err != nil {
			return nil, err
		}
		r.Status = RefundPendingTransactions
		r.UpdatedAt = now
		advanced = r
	}
	if err := s.Store.UpdateAllocation(ctx, a, advanced); err != nil {
		return nil, err
	}
	return a, nil
}

// RefundableVisitors is the record's live visitor total minus the visitors
// already claimed by counted or settled allocations across all refunds.
func (s *Service) RefundableVisitors(ctx context.Context, kind entrance.RecordKind, recordID core.ID) (int, error) {
	items, err := s.Store.ListRecordItems(ctx, kind, recordID)
	if err != nil {
		return 0, err
	}
	total := entrance.TotalVisitors(items)

	allocs, err := s.Store.ListAllocationsByRecord(ctx, kind, recordID)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for i := range allocs {
		if allocs[i].Status.Claims() {
			claimed += allocs[i].VisitorCount
		}
	}
	if remaining := total - claimed; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// =============================================================================
// REFUND TRANSACTIONS
// =============================================================================

// RefundTransactionParams names one original transaction and the visitors
// and amount to reverse against it.
type RefundTransactionParams struct {
	TransactionID core.ID
	VisitorCount  int
	Amount        core.Money
}

// AddRefundTransactions appends reversal rows to a refund in the
// transaction stage. Only the refund's requester may build them. Each
// amount is capped by its original transaction's refundable remainder;
// each visitor count by the tighter of the refund's remaining counted
// visitors and the original transaction's remaining refundable visitors.
// The whole batch lands atomically or not at all.
func (s *Service) AddRefundTransactions(ctx context.Context, refundID core.ID, batch []RefundTransactionParams, actor core.UserRef) ([]RefundTransaction, error) {
	if len(batch) == 0 {
		return nil, core.Rulef("at least one refund transaction is required")
	}
	r, err := s.Store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != RefundPendingTransactions {
		return nil, core.Rulef("transactions can only be added while pending transactions, refund %s is %s", r.RefNumber, r.Status)
	}
	if r.RequestedBy != actor.ID {
		return nil, &core.AuthorizationError{ActorID: actor.ID, Reason: "refund " + r.RefNumber + " is managed by its requester"}
	}

	allocated, err := s.refundAllocatedVisitors(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	claimedInBatch := map[core.ID]core.Money{}
	visitorsInBatch := map[core.ID]int{}
	batchVisitors := 0
	rows := make([]RefundTransaction, 0, len(batch))
	for _, params := range batch {
		if !params.Amount.IsPositive() {
			return nil, core.Rulef("refund amount must be positive, got R %s", params.Amount)
		}
		if params.VisitorCount < 0 {
			return nil, core.Rulef("refund visitor count cannot be negative, got %d", params.VisitorCount)
		}
		tx, err := s.Store.GetTransaction(ctx, params.TransactionID)
		if err != nil {
			return nil, err
		}
		if tx.PaymentID != r.PaymentID {
			return nil, core.Rulef("transaction %s is not on payment being refunded", tx.ID)
		}

		refundable, err := s.TransactionRefundable(ctx, tx)
		if err != nil {
			return nil, err
		}
		prior, ok := claimedInBatch[tx.ID]
		if !ok {
			prior = core.ZeroMoney()
		}
		refundable = refundable.Sub(prior)
		if params.Amount.GreaterThan(refundable) {
			return nil, core.Rulef("refund amount R %s exceeds the R %s refundable on transaction %s",
				params.Amount, refundable, tx.ID)
		}
		claimedInBatch[tx.ID] = prior.Add(params.Amount)

		// The visitor cap is the tighter of the refund's remaining counted
		// visitors and the transaction's own remaining visitors.
		txVisitors, err := s.transactionRefundableVisitors(ctx, tx)
		if err != nil {
			return nil, err
		}
		txVisitors -= visitorsInBatch[tx.ID]
		limit := allocated - batchVisitors
		if txVisitors < limit {
			limit = txVisitors
		}
		if limit < 0 {
			limit = 0
		}
		if params.VisitorCount > limit {
			return nil, core.Rulef("refund visitor count %d exceeds the %d still refundable on transaction %s",
				params.VisitorCount, limit, tx.ID)
		}
		visitorsInBatch[tx.ID] += params.VisitorCount
		batchVisitors += params.VisitorCount

		rows = append(rows, RefundTransaction{
			ID:            core.NewID(),
			RefundID:      r.ID,
			TransactionID: tx.ID,
			VisitorCount:  params.VisitorCount,
			Amount:        params.Amount,
			Status:        RefundTxPending,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.Store.InsertRefundTransactions(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// AddRefundTransaction appends a single reversal row.
func (s *Service) AddRefundTransaction(ctx context.Context, refundID core.ID, transactionID core.ID, visitorCount int, amount core.Money, actor core.UserRef) (*RefundTransaction, error) {
	rows, err := s.AddRefundTransactions(ctx, refundID,
		[]RefundTransactionParams{{TransactionID: transactionID, VisitorCount: visitorCount, Amount: amount}}, actor)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ProcessRefundTransaction hands the money back for one reversal row.
// Manager-only. Processing the last pending row advances the refund to
// pending_settlement in the same unit.
func (s *Service) ProcessRefundTransaction(ctx context.Context, refundTxID core.ID, actor core.UserRef) (*RefundTransaction, error) {
	if !actor.IsManager {
		return nil, &core.AuthorizationError{ActorID: actor.ID, Reason: "only managers can process refund transactions"}
	}
	if !actor.HasActiveShift() {
		return nil, core.Rulef("user %s has no active shift", actor.Name)
	}

	rt, err := s.Store.GetRefundTransaction(ctx, refundTxID)
	if err != nil {
		return nil, err
	}
	if err := RefundTxTransitions.Validate("refund transaction", rt.Status, RefundTxProcessed); err != nil {
		return nil, err
	}
	r, err := s.Store.GetRefund(ctx, rt.RefundID)
	if err != nil {
		return nil, err
	}
	if r.Status != RefundPendingTransactions {
		return nil, core.Rulef("transactions can only be processed while pending transactions, refund %s is %s", r.RefNumber, r.Status)
	}

	now := s.Now()
	rt.Status = RefundTxProcessed
	rt.ProcessedBy = actor.ID
	rt.UpdatedAt = now

	all, err := s.Store.ListRefundTransactions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	complete := true
	for i := range all {
		if all[i].ID == rt.ID {
			continue
		}
		if all[i].Status == RefundTxPending {
			complete = false
			break
		}
	}

	var advanced *Refund
	if complete {
		if err := RefundTransitions.Validate("refund", r.Status, RefundPendingSettlement); err != nil {
			return nil, err
		}
		r.Status = RefundPendingSettlement
		r.UpdatedAt = now
		advanced = r
	}
	if err := s.Store.UpdateRefundTransaction(ctx, rt, advanced); err != nil {
		return nil, err
	}
	return rt, nil
}

// TransactionRefundable is the transaction's amount minus what pending and
// processed refund rows already claim against it, across all refunds.
func (s *Service) TransactionRefundable(ctx context.Context, tx *TransactionItem) (core.Money, error) {
	rows, err := s.Store.ListRefundTransactionsByTransaction(ctx, tx.ID)
	if err != nil {
		return core.Money{}, err
	}
	claimed := core.ZeroMoney()
	for i := range rows {
		if rows[i].Status.Claims() {
			claimed = claimed.Add(rows[i].Amount)
		}
	}
	return tx.Amount.Sub(claimed).FlooredAtZero(), nil
}

// transactionRefundableVisitors is the transaction's visitor count minus
// the visitors pending and processed refund rows already claim against it,
// across all refunds.
func (s *Service) transactionRefundableVisitors(ctx context.Context, tx *TransactionItem) (int, error) {
	rows, err := s.Store.ListRefundTransactionsByTransaction(ctx, tx.ID)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for i := range rows {
		if rows[i].Status.Claims() {
			claimed += rows[i].VisitorCount
		}
	}
	if remaining := tx.VisitorCount - claimed; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// refundAllocatedVisitors is the refund's counted allocation total minus
// the visitors its own pending and processed reversal rows already cover.
func (s *Service) refundAllocatedVisitors(ctx context.Context, refundID core.ID) (int, error) {
	allocs, err := s.Store.ListAllocations(ctx, refundID)
	if err != nil {
		return 0, err
	}
	allocated := 0
	for i := range allocs {
		if allocs[i].Status.Claims() {
			allocated += allocs[i].VisitorCount
		}
	}
	rows, err := s.Store.ListRefundTransactions(ctx, refundID)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if rows[i].Status.Claims() {
			allocated -= rows[i].VisitorCount
		}
	}
	if allocated > 0 {
		return allocated, nil
	}
	return 0, nil
}

// =============================================================================
// SETTLEMENT, DENIAL, CANCELLATION
// =============================================================================

// CompleteRefund settles a built refund. Manager-only. In one unit: the
// refund settles, its allocations settle, the original transactions move
// to (partially_)refunded by their remaining refundable amount, the
// payment moves to (partially_)refunded by its remaining paid total, and
// every fully-refunded record moves to refunded with a history row.
func (s *Service) CompleteRefund(ctx context.Context, refundID core.ID, actor core.UserRef) (*Refund, error) {
	if !actor.IsManager {
		return nil, &core.AuthorizationError{ActorID: actor.ID, Reason: "only managers can settle refunds"}
	}

	r, err := s.Store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := RefundTransitions.Validate("refund", r.Status, RefundSettled); err != nil {
		return nil, err
	}

	allocs, err := s.Store.ListAllocations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	refundTxs, err := s.Store.ListRefundTransactions(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	// The processed reversals must pay back exactly the counted visitors.
	allocated, processed := 0, 0
	for i := range allocs {
		if allocs[i].Status == AllocationCounted {
			allocated += allocs[i].VisitorCount
		}
	}
	for i := range refundTxs {
		if refundTxs[i].Status == RefundTxProcessed {
			processed += refundTxs[i].VisitorCount
		}
	}
	if processed != allocated {
		return nil, core.Rulef("refund %s pays back %d visitors but %d were counted", r.RefNumber, processed, allocated)
	}

	now := s.Now()
	r.Status = RefundSettled
	r.SettledBy = actor.ID
	r.CompletedAt = &now
	r.UpdatedAt = now

	settledAllocs := make([]VehicleAllocation, 0, len(allocs))
	for i := range allocs {
		if allocs[i].Status != AllocationCounted {
			continue
		}
		allocs[i].Status = AllocationSettled
		allocs[i].UpdatedAt = now
		settledAllocs = append(settledAllocs, allocs[i])
	}

	txs, err := s.retiredTransactions(ctx, refundTxs, now)
	if err != nil {
		return nil, err
	}

	p, err := s.refundedPayment(ctx, r.PaymentID, now)
	if err != nil {
		return nil, err
	}

	records, histories, err := s.refundedRecords(ctx, settledAllocs, actor, now)
	if err != nil {
		return nil, err
	}

	if err := s.Store.CompleteRefund(ctx, r, settledAllocs, refundTxs, txs, p, records, histories); err != nil {
		return nil, err
	}
	return r, nil
}

// DenyRefund rejects a built refund. Manager-only. The allocations are
// denied; the payment, transactions and records are untouched. A non-empty
// note is appended to the refund's reason for the audit trail.
func (s *Service) DenyRefund(ctx context.Context, refundID core.ID, note string, actor core.UserRef) (*Refund, error) {
	if !actor.IsManager {
		return nil, &core.AuthorizationError{ActorID: actor.ID, Reason: "only managers can deny refunds"}
	}

	r, err := s.Store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := RefundTransitions.Validate("refund", r.Status, RefundDenied); err != nil {
		return nil, err
	}

	now := s.Now()
	r.Status = RefundDenied
	r.SettledBy = actor.ID
	if note != "" {
		r.Reason = r.Reason + " | denied: " + note
	}
	r.UpdatedAt = now

	allocs, err := s.Store.ListAllocations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	denied := make([]VehicleAllocation, 0, len(allocs))
	for i := range allocs {
		if allocs[i].Status != AllocationCounted {
			continue
		}
		allocs[i].Status = AllocationDenied
		allocs[i].UpdatedAt = now
		denied = append(denied, allocs[i])
	}

	if err := s.Store.UpdateRefundCascade(ctx, r, denied, nil); err != nil {
		return nil, err
	}
	return r, nil
}

// CancelRefund abandons a refund from any pending stage, before any money
// has moved. Non-terminal allocations and pending reversal rows are
// canceled with it.
func (s *Service) CancelRefund(ctx context.Context, refundID core.ID, actor core.UserRef) (*Refund, error) {
	r, err := s.Store.GetRefund(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := RefundTransitions.Validate("refund", r.Status, RefundCanceled); err != nil {
		return nil, err
	}

	refundTxs, err := s.Store.ListRefundTransactions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	canceledTxs := make([]RefundTransaction, 0, len(refundTxs))
	for i := range refundTxs {
		if refundTxs[i].Status == RefundTxProcessed {
			return nil, core.Rulef("refund %s has processed transactions and can no longer be canceled", r.RefNumber)
		}
		if refundTxs[i].Status != RefundTxPending {
			continue
		}
		refundTxs[i].Status = RefundTxCanceled
		refundTxs[i].UpdatedAt = s.Now()
		canceledTxs = append(canceledTxs, refundTxs[i])
	}

	allocs, err := s.Store.ListAllocations(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	canceledAllocs := make([]VehicleAllocation, 0, len(allocs))
	for i := range allocs {
		if AllocationTransitions.IsTerminal(allocs[i].Status) {
			continue
		}
		allocs[i].Status = AllocationCanceled
		allocs[i].UpdatedAt = s.Now()
		canceledAllocs = append(canceledAllocs, allocs[i])
	}

	r.Status = RefundCanceled
	r.UpdatedAt = s.Now()
	if err := s.Store.UpdateRefundCascade(ctx, r, canceledAllocs, canceledTxs); err != nil {
		return nil, err
	}
	return r, nil
}

// =============================================================================
// SETTLEMENT CASCADE HELPERS
// =============================================================================

// retiredTransactions derives the new status of each original transaction
// touched by the refund, from its remaining refundable amount.
func (s *Service) retiredTransactions(ctx context.Context, refundTxs []RefundTransaction, now time.Time) ([]TransactionItem, error) {
	touched := map[core.ID]bool{}
	for i := range refundTxs {
		if refundTxs[i].Status == RefundTxProcessed {
			touched[refundTxs[i].TransactionID] = true
		}
	}

	txs := make([]TransactionItem, 0, len(touched))
	for txID := range touched {
		tx, err := s.Store.GetTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		refundable, err := s.TransactionRefundable(ctx, tx)
		if err != nil {
			return nil, err
		}
		next := TransactionPartiallyRefunded
		if refundable.IsZero() {
			next = TransactionRefunded
		}
		if next == tx.Status {
			continue
		}
		if err := TransactionTransitions.Validate("transaction", tx.Status, next); err != nil {
			return nil, err
		}
		tx.Status = next
		tx.UpdatedAt = now
		txs = append(txs, *tx)
	}
	return txs, nil
}

// refundedPayment derives the payment's post-refund status from its total
// paid against the total claimed by processed reversals across all refunds.
func (s *Service) refundedPayment(ctx context.Context, paymentID core.ID, now time.Time) (*Payment, error) {
	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	txs, err := s.Store.ListTransactions(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	paid := core.ZeroMoney()
	refunded := core.ZeroMoney()
	for i := range txs {
		paid = paid.Add(txs[i].Amount)
		rows, err := s.Store.ListRefundTransactionsByTransaction(ctx, txs[i].ID)
		if err != nil {
			return nil, err
		}
		for j := range rows {
			if rows[j].Status == RefundTxProcessed {
				refunded = refunded.Add(rows[j].Amount)
			}
		}
	}

	next := PaymentPartiallyRefunded
	if !refunded.LessThan(paid) {
		next = PaymentRefunded
	}
	if err := PaymentTransitions.Validate("payment", p.Status, next); err != nil {
		return nil, err
	}
	p.Status = next
	p.UpdatedAt = now
	return p, nil
}

// refundedRecords moves every record whose settled allocations now cover
// all of its visitors to refunded. Partially-refunded records stay
// processed.
func (s *Service) refundedRecords(ctx context.Context, settled []VehicleAllocation, actor core.UserRef, now time.Time) ([]entrance.Record, []*entrance.StatusHistory, error) {
	var records []entrance.Record
	var histories []*entrance.StatusHistory
	for i := range settled {
		items, err := s.Store.ListRecordItems(ctx, settled[i].RecordKind, settled[i].RecordID)
		if err != nil {
			return nil, nil, err
		}
		total := entrance.TotalVisitors(items)

		allocs, err := s.Store.ListAllocationsByRecord(ctx, settled[i].RecordKind, settled[i].RecordID)
		if err != nil {
			return nil, nil, err
		}
		claimed := 0
		for j := range allocs {
			if allocs[j].ID == settled[i].ID {
				claimed += settled[i].VisitorCount
				continue
			}
			if allocs[j].Status == AllocationSettled {
				claimed += allocs[j].VisitorCount
			}
		}
		if claimed < total {
			continue
		}

		rec, err := s.Store.GetRecord(ctx, settled[i].RecordKind, settled[i].RecordID)
		if err != nil {
			return nil, nil, err
		}
		var prev, next string
		switch rr := rec.(type) {
		case *entrance.Ticket:
			if err := entrance.TicketTransitions.Validate("ticket", rr.Status, entrance.TicketRefunded); err != nil {
				return nil, nil, err
			}
			prev, next = string(rr.Status), string(entrance.TicketRefunded)
			rr.Status = entrance.TicketRefunded
			rr.UpdatedAt = now
		case *entrance.ReEntry:
			if err := entrance.ReEntryTransitions.Validate("re-entry", rr.Status, entrance.ReEntryRefunded); err != nil {
				return nil, nil, err
			}
			prev, next = string(rr.Status), string(entrance.ReEntryRefunded)
			rr.Status = entrance.ReEntryRefunded
			rr.UpdatedAt = now
		}
		records = append(records, rec)
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
