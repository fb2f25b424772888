/*
Package memory provides the in-memory store (for testing/dev).

PURPOSE:
  Implements entrance.Store, entrance.PriceStore and payments.Store over
  plain maps guarded by one mutex. Composite methods validate every row of
  the unit before touching state, so a failed unit leaves nothing behind.

GUARANTEES:
  - Reference uniqueness across all entities (tickets, re-entries,
    payments, refunds) in one namespace, as the shared ref_number index
    does in SQL.
  - Optimistic versioning: updates require the caller's Version to match
    the stored row; the version increments on success.
  - Reads return copies; callers never alias store-owned rows.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
)

// Store is the in-memory implementation of every persistence contract in
// the engine.
type Store struct {
	mu sync.RWMutex

	tickets   map[core.ID]*entrance.Ticket
	reEntries map[core.ID]*entrance.ReEntry
	items     map[core.ID]*entrance.Item

	statusHistory []entrance.StatusHistory
	editHistory   []entrance.EditHistory

	payments     map[core.ID]*payments.Payment
	transactions map[core.ID]*payments.TransactionItem
	refunds      map[core.ID]*payments.Refund
	allocations  map[core.ID]*payments.VehicleAllocation
	refundTxs    map[core.ID]*payments.RefundTransaction

	priceRules []entrance.PriceRule

	// refs holds every issued reference number; one namespace for all
	// entity kinds.
	refs map[string]bool
}

var (
	_ entrance.Store      = (*Store)(nil)
	_ entrance.PriceStore = (*Store)(nil)
	_ payments.Store      = (*Store)(nil)
)

func New() *Store {
	return &Store{
		tickets:      make(map[core.ID]*entrance.Ticket),
		reEntries:    make(map[core.ID]*entrance.ReEntry),
		items:        make(map[core.ID]*entrance.Item),
		payments:     make(map[core.ID]*payments.Payment),
		transactions: make(map[core.ID]*payments.TransactionItem),
		refunds:      make(map[core.ID]*payments.Refund),
		allocations:  make(map[core.ID]*payments.VehicleAllocation),
		refundTxs:    make(map[core.ID]*payments.RefundTransaction),
		refs:         make(map[string]bool),
	}
}

// =============================================================================
// TICKETS
// =============================================================================

func (s *Store) InsertTicket(_ context.Context, t *entrance.Ticket, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimRef(t.RefNumber); err != nil {
		return err
	}
	s.tickets[t.ID] = cloneTicket(t)
	s.statusHistory = append(s.statusHistory, *h)
	return nil
}

func (s *Store) GetTicket(_ context.Context, id core.ID) (*entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "ticket", ID: id}
	}
	return cloneTicket(t), nil
}

func (s *Store) GetTicketByRef(_ context.Context, ref string) (*entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tickets {
		if t.RefNumber == ref {
			return cloneTicket(t), nil
		}
	}
	return nil, &core.NotFoundError{Entity: "ticket", ID: core.ID(ref)}
}

func (s *Store) UpdateTicket(_ context.Context, t *entrance.Ticket, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateTicketLocked(t); err != nil {
		return err
	}
	if h != nil {
		s.statusHistory = append(s.statusHistory, *h)
	}
	return nil
}

func (s *Store) updateTicketLocked(t *entrance.Ticket) error {
	stored, ok := s.tickets[t.ID]
	if !ok {
		return &core.NotFoundError{Entity: "ticket", ID: t.ID}
	}
	if stored.Version != t.Version {
		return core.ErrStaleState
	}
	t.Version++
	s.tickets[t.ID] = cloneTicket(t)
	return nil
}

func (s *Store) ListTicketsByStatus(_ context.Context, status entrance.TicketStatus) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.Ticket
	for _, t := range s.tickets {
		if t.Status == status && !t.Removed {
			out = append(out, *cloneTicket(t))
		}
	}
	sortByCreated(out, func(t entrance.Ticket) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) ListTicketsByVehicle(_ context.Context, vehicleID core.ID) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.Ticket
	for _, t := range s.tickets {
		if t.VehicleID == vehicleID && !t.Removed {
			out = append(out, *cloneTicket(t))
		}
	}
	sortByCreated(out, func(t entrance.Ticket) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) ListTicketsByDay(_ context.Context, day time.Time) ([]entrance.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	y, m, d := day.UTC().Date()
	var out []entrance.Ticket
	for _, t := range s.tickets {
		ty, tm, td := t.CreatedAt.UTC().Date()
		if ty == y && tm == m && td == d && !t.Removed {
			out = append(out, *cloneTicket(t))
		}
	}
	sortByCreated(out, func(t entrance.Ticket) time.Time { return t.CreatedAt })
	return out, nil
}

// =============================================================================
// RE-ENTRIES
// =============================================================================

func (s *Store) InsertReEntry(_ context.Context, r *entrance.ReEntry, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimRef(r.RefNumber); err != nil {
		return err
	}
	s.reEntries[r.ID] = cloneReEntry(r)
	s.statusHistory = append(s.statusHistory, *h)
	return nil
}

func (s *Store) GetReEntry(_ context.Context, id core.ID) (*entrance.ReEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reEntries[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "re-entry", ID: id}
	}
	return cloneReEntry(r), nil
}

func (s *Store) UpdateReEntry(_ context.Context, r *entrance.ReEntry, h *entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateReEntryLocked(r); err != nil {
		return err
	}
	if h != nil {
		s.statusHistory = append(s.statusHistory, *h)
	}
	return nil
}

func (s *Store) updateReEntryLocked(r *entrance.ReEntry) error {
	stored, ok := s.reEntries[r.ID]
	if !ok {
		return &core.NotFoundError{Entity: "re-entry", ID: r.ID}
	}
	if stored.Version != r.Version {
		return core.ErrStaleState
	}
	r.Version++
	s.reEntries[r.ID] = cloneReEntry(r)
	return nil
}

func (s *Store) ListReEntriesByTicket(_ context.Context, ticketID core.ID) ([]entrance.ReEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.ReEntry
	for _, r := range s.reEntries {
		if r.TicketID == ticketID && !r.Removed {
			out = append(out, *cloneReEntry(r))
		}
	}
	sortByCreated(out, func(r entrance.ReEntry) time.Time { return r.CreatedAt })
	return out, nil
}

// =============================================================================
// ITEMS AND HISTORY
// =============================================================================

func (s *Store) InsertItem(_ context.Context, item *entrance.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *Store) GetItem(_ context.Context, id core.ID) (*entrance.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "item", ID: id}
	}
	return cloneItem(item), nil
}

func (s *Store) UpdateItem(_ context.Context, item *entrance.Item, edits []entrance.EditHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[item.ID]
	if !ok {
		return &core.NotFoundError{Entity: "item", ID: item.ID}
	}
	if stored.Version != item.Version {
		return core.ErrStaleState
	}
	item.Version++
	s.items[item.ID] = cloneItem(item)
	s.editHistory = append(s.editHistory, edits...)
	return nil
}

func (s *Store) ListItems(_ context.Context, kind entrance.RecordKind, recordID core.ID, includeRemoved bool) ([]entrance.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listItemsLocked(kind, recordID, includeRemoved), nil
}

func (s *Store) listItemsLocked(kind entrance.RecordKind, recordID core.ID, includeRemoved bool) []entrance.Item {
	var out []entrance.Item
	for _, item := range s.items {
		if item.RecordKind != kind || item.RecordID != recordID {
			continue
		}
		if item.Removed && !includeRemoved {
			continue
		}
		out = append(out, *cloneItem(item))
	}
	sortByCreated(out, func(i entrance.Item) time.Time { return i.CreatedAt })
	return out
}

func (s *Store) ListStatusHistory(_ context.Context, kind entrance.RecordKind, recordID core.ID) ([]entrance.StatusHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.StatusHistory
	for _, h := range s.statusHistory {
		if h.RecordKind == kind && h.RecordID == recordID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) ListEditHistory(_ context.Context, itemID core.ID) ([]entrance.EditHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.EditHistory
	for _, h := range s.editHistory {
		if h.ItemID == itemID {
			out = append(out, h)
		}
	}
	return out, nil
}

// =============================================================================
// PRICE CALENDAR
// =============================================================================

// SeedPriceRules loads calendar rows. Dev and test helper.
func (s *Store) SeedPriceRules(rules []entrance.PriceRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceRules = append(s.priceRules, rules...)
}

func (s *Store) ListPriceRules(_ context.Context, at time.Time) ([]entrance.PriceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.PriceRule
	for i := range s.priceRules {
		if s.priceRules[i].Covers(at) {
			out = append(out, s.priceRules[i])
		}
	}
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) InsertPayment(_ context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimRef(p.RefNumber); err != nil {
		return err
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) GetPayment(_ context.Context, id core.ID) (*payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "payment", ID: id}
	}
	return clonePayment(p), nil
}

func (s *Store) GetPaymentByRef(_ context.Context, ref string) (*payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.RefNumber == ref {
			return clonePayment(p), nil
		}
	}
	return nil, &core.NotFoundError{Entity: "payment", ID: core.ID(ref)}
}

func (s *Store) UpdatePayment(_ context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePaymentLocked(p)
}

func (s *Store) updatePaymentLocked(p *payments.Payment) error {
	stored, ok := s.payments[p.ID]
	if !ok {
		return &core.NotFoundError{Entity: "payment", ID: p.ID}
	}
	if stored.Version != p.Version {
		return core.ErrStaleState
	}
	p.Version++
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func (s *Store) ListPaymentsByShift(_ context.Context, shiftID core.ID) ([]payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.Payment
	for _, p := range s.payments {
		if p.ShiftID == shiftID && !p.Removed {
			out = append(out, *clonePayment(p))
		}
	}
	sortByCreated(out, func(p payments.Payment) time.Time { return p.CreatedAt })
	return out, nil
}

func (s *Store) ListOpenPayments(_ context.Context) ([]payments.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.Payment
	for _, p := range s.payments {
		if p.Open() && !p.Removed {
			out = append(out, *clonePayment(p))
		}
	}
	sortByCreated(out, func(p payments.Payment) time.Time { return p.CreatedAt })
	return out, nil
}

// =============================================================================
// RECORD LINKAGE
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, kind entrance.RecordKind, id core.ID) (entrance.Record, error) {
	switch kind {
	case entrance.KindTicket:
		return s.GetTicket(ctx, id)
	case entrance.KindReEntry:
		return s.GetReEntry(ctx, id)
	}
	return nil, &core.NotFoundError{Entity: string(kind), ID: id}
}

func (s *Store) UpdateRecordPayment(_ context.Context, rec entrance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecordLocked(rec)
}

func (s *Store) updateRecordLocked(rec entrance.Record) error {
	switch r := rec.(type) {
	case *entrance.Ticket:
		return s.updateTicketLocked(r)
	case *entrance.ReEntry:
		return s.updateReEntryLocked(r)
	}
	return &core.NotFoundError{Entity: "record", ID: rec.RecordID()}
}

func (s *Store) ListRecordsByPayment(_ context.Context, paymentID core.ID) ([]entrance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []entrance.Record
	for _, t := range s.tickets {
		if t.Payment == paymentID && !t.Removed {
			out = append(out, cloneTicket(t))
		}
	}
	for _, r := range s.reEntries {
		if r.Payment == paymentID && !r.Removed {
			out = append(out, cloneReEntry(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out, nil
}

func (s *Store) ListRecordItems(ctx context.Context, kind entrance.RecordKind, recordID core.ID) ([]entrance.Item, error) {
	return s.ListItems(ctx, kind, recordID, false)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) InsertTransaction(_ context.Context, tx *payments.TransactionItem, p *payments.Payment,
	records []entrance.Record, histories []*entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Version checks before any mutation so a failed unit writes nothing.
	stored, ok := s.payments[p.ID]
	if !ok {
		return &core.NotFoundError{Entity: "payment", ID: p.ID}
	}
	if stored.Version != p.Version {
		return core.ErrStaleState
	}
	for _, rec := range records {
		if err := s.checkRecordVersionLocked(rec); err != nil {
			return err
		}
	}

	s.transactions[tx.ID] = cloneTransaction(tx)
	p.Version++
	s.payments[p.ID] = clonePayment(p)
	for _, rec := range records {
		if err := s.updateRecordLocked(rec); err != nil {
			return err
		}
	}
	for _, h := range histories {
		s.statusHistory = append(s.statusHistory, *h)
	}
	return nil
}

func (s *Store) checkRecordVersionLocked(rec entrance.Record) error {
	switch r := rec.(type) {
	case *entrance.Ticket:
		stored, ok := s.tickets[r.ID]
		if !ok {
			return &core.NotFoundError{Entity: "ticket", ID: r.ID}
		}
		if stored.Version != r.Version {
			return core.ErrStaleState
		}
	case *entrance.ReEntry:
		stored, ok := s.reEntries[r.ID]
		if !ok {
			return &core.NotFoundError{Entity: "re-entry", ID: r.ID}
		}
		if stored.Version != r.Version {
			return core.ErrStaleState
		}
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id core.ID) (*payments.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "transaction", ID: id}
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, paymentID core.ID) ([]payments.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.TransactionItem
	for _, tx := range s.transactions {
		if tx.PaymentID == paymentID {
			out = append(out, *cloneTransaction(tx))
		}
	}
	sortByCreated(out, func(t payments.TransactionItem) time.Time { return t.CreatedAt })
	return out, nil
}

// =============================================================================
// REFUNDS
// =============================================================================

func (s *Store) InsertRefund(_ context.Context, r *payments.Refund, seed *payments.VehicleAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimRef(r.RefNumber); err != nil {
		return err
	}
	s.refunds[r.ID] = cloneRefund(r)
	if seed != nil {
		s.allocations[seed.ID] = cloneAllocation(seed)
	}
	return nil
}

func (s *Store) GetRefund(_ context.Context, id core.ID) (*payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "refund", ID: id}
	}
	return cloneRefund(r), nil
}

func (s *Store) GetActiveRefund(_ context.Context, paymentID core.ID) (*payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.refunds {
		if r.PaymentID == paymentID && r.Status.Active() {
			return cloneRefund(r), nil
		}
	}
	return nil, &core.NotFoundError{Entity: "refund", ParentID: paymentID}
}

func (s *Store) ListRefundsByPayment(_ context.Context, paymentID core.ID) ([]payments.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, *cloneRefund(r))
		}
	}
	sortByCreated(out, func(r payments.Refund) time.Time { return r.CreatedAt })
	return out, nil
}

func (s *Store) updateRefundLocked(r *payments.Refund) error {
	stored, ok := s.refunds[r.ID]
	if !ok {
		return &core.NotFoundError{Entity: "refund", ID: r.ID}
	}
	if stored.Version != r.Version {
		return core.ErrStaleState
	}
	r.Version++
	s.refunds[r.ID] = cloneRefund(r)
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *Store) InsertAllocation(_ context.Context, a *payments.VehicleAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations[a.ID] = cloneAllocation(a)
	return nil
}

func (s *Store) GetAllocation(_ context.Context, id core.ID) (*payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocations[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "allocation", ID: id}
	}
	return cloneAllocation(a), nil
}

func (s *Store) ListAllocations(_ context.Context, refundID core.ID) ([]payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.VehicleAllocation
	for _, a := range s.allocations {
		if a.RefundID == refundID {
			out = append(out, *cloneAllocation(a))
		}
	}
	sortByCreated(out, func(a payments.VehicleAllocation) time.Time { return a.CreatedAt })
	return out, nil
}

func (s *Store) ListAllocationsByRecord(_ context.Context, kind entrance.RecordKind, recordID core.ID) ([]payments.VehicleAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.VehicleAllocation
	for _, a := range s.allocations {
		if a.RecordKind == kind && a.RecordID == recordID {
			out = append(out, *cloneAllocation(a))
		}
	}
	sortByCreated(out, func(a payments.VehicleAllocation) time.Time { return a.CreatedAt })
	return out, nil
}

func (s *Store) UpdateAllocation(_ context.Context, a *payments.VehicleAllocation, r *payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.allocations[a.ID]
	if !ok {
		return &core.NotFoundError{Entity: "allocation", ID: a.ID}
	}
	if stored.Version != a.Version {
		return core.ErrStaleState
	}
	if r != nil {
		storedRefund, ok := s.refunds[r.ID]
		if !ok {
			return &core.NotFoundError{Entity: "refund", ID: r.ID}
		}
		if storedRefund.Version != r.Version {
			return core.ErrStaleState
		}
	}

	a.Version++
	s.allocations[a.ID] = cloneAllocation(a)
	if r != nil {
		r.Version++
		s.refunds[r.ID] = cloneRefund(r)
	}
	return nil
}

// =============================================================================
// REFUND TRANSACTIONS
// =============================================================================

func (s *Store) InsertRefundTransactions(_ context.Context, rows []payments.RefundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		s.refundTxs[rows[i].ID] = cloneRefundTx(&rows[i])
	}
	return nil
}

func (s *Store) GetRefundTransaction(_ context.Context, id core.ID) (*payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.refundTxs[id]
	if !ok {
		return nil, &core.NotFoundError{Entity: "refund transaction", ID: id}
	}
	return cloneRefundTx(rt), nil
}

func (s *Store) ListRefundTransactions(_ context.Context, refundID core.ID) ([]payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.RefundTransaction
	for _, rt := range s.refundTxs {
		if rt.RefundID == refundID {
			out = append(out, *cloneRefundTx(rt))
		}
	}
	sortByCreated(out, func(r payments.RefundTransaction) time.Time { return r.CreatedAt })
	return out, nil
}

func (s *Store) ListRefundTransactionsByTransaction(_ context.Context, transactionID core.ID) ([]payments.RefundTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payments.RefundTransaction
	for _, rt := range s.refundTxs {
		if rt.TransactionID == transactionID {
			out = append(out, *cloneRefundTx(rt))
		}
	}
	sortByCreated(out, func(r payments.RefundTransaction) time.Time { return r.CreatedAt })
	return out, nil
}

func (s *Store) UpdateRefundTransaction(_ context.Context, rt *payments.RefundTransaction, r *payments.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refundTxs[rt.ID]
	if !ok {
		return &core.NotFoundError{Entity: "refund transaction", ID: rt.ID}
	}
	if stored.Version != rt.Version {
		return core.ErrStaleState
	}
	if r != nil {
		storedRefund, ok := s.refunds[r.ID]
		if !ok {
			return &core.NotFoundError{Entity: "refund", ID: r.ID}
		}
		if storedRefund.Version != r.Version {
			return core.ErrStaleState
		}
	}

	rt.Version++
	s.refundTxs[rt.ID] = cloneRefundTx(rt)
	if r != nil {
		r.Version++
		s.refunds[r.ID] = cloneRefund(r)
	}
	return nil
}

// =============================================================================
// COMPOSITE REFUND UNITS
// =============================================================================

func (s *Store) UpdateRefundCascade(_ context.Context, r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRefundCascadeLocked(r, allocs, refundTxs); err != nil {
		return err
	}
	s.applyRefundCascadeLocked(r, allocs, refundTxs)
	return nil
}

func (s *Store) CompleteRefund(_ context.Context, r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction,
	txs []payments.TransactionItem, p *payments.Payment,
	records []entrance.Record, histories []*entrance.StatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRefundCascadeLocked(r, allocs, refundTxs); err != nil {
		return err
	}
	for i := range txs {
		stored, ok := s.transactions[txs[i].ID]
		if !ok {
			return &core.NotFoundError{Entity: "transaction", ID: txs[i].ID}
		}
		if stored.Version != txs[i].Version {
			return core.ErrStaleState
		}
	}
	storedPayment, ok := s.payments[p.ID]
	if !ok {
		return &core.NotFoundError{Entity: "payment", ID: p.ID}
	}
	if storedPayment.Version != p.Version {
		return core.ErrStaleState
	}
	for _, rec := range records {
		if err := s.checkRecordVersionLocked(rec); err != nil {
			return err
		}
	}

	s.applyRefundCascadeLocked(r, allocs, refundTxs)
	for i := range txs {
		txs[i].Version++
		s.transactions[txs[i].ID] = cloneTransaction(&txs[i])
	}
	p.Version++
	s.payments[p.ID] = clonePayment(p)
	for _, rec := range records {
		if err := s.updateRecordLocked(rec); err != nil {
			return err
		}
	}
	for _, h := range histories {
		s.statusHistory = append(s.statusHistory, *h)
	}
	return nil
}

func (s *Store) checkRefundCascadeLocked(r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction) error {
	stored, ok := s.refunds[r.ID]
	if !ok {
		return &core.NotFoundError{Entity: "refund", ID: r.ID}
	}
	if stored.Version != r.Version {
		return core.ErrStaleState
	}
	for i := range allocs {
		storedAlloc, ok := s.allocations[allocs[i].ID]
		if !ok {
			return &core.NotFoundError{Entity: "allocation", ID: allocs[i].ID}
		}
		if storedAlloc.Version != allocs[i].Version {
			return core.ErrStaleState
		}
	}
	for i := range refundTxs {
		storedTx, ok := s.refundTxs[refundTxs[i].ID]
		if !ok {
			return &core.NotFoundError{Entity: "refund transaction", ID: refundTxs[i].ID}
		}
		if storedTx.Version != refundTxs[i].Version {
			return core.ErrStaleState
		}
	}
	return nil
}

func (s *Store) applyRefundCascadeLocked(r *payments.Refund,
	allocs []payments.VehicleAllocation, refundTxs []payments.RefundTransaction) {
	r.Version++
	s.refunds[r.ID] = cloneRefund(r)
	for i := range allocs {
		allocs[i].Version++
		s.allocations[allocs[i].ID] = cloneAllocation(&allocs[i])
	}
	for i := range refundTxs {
		refundTxs[i].Version++
		s.refundTxs[refundTxs[i].ID] = cloneRefundTx(&refundTxs[i])
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) claimRef(ref string) error {
	if s.refs[ref] {
		return core.ErrReferenceCollision
	}
	s.refs[ref] = true
	return nil
}

func sortByCreated[T any](rows []T, at func(T) time.Time) {
	sort.SliceStable(rows, func(i, j int) bool { return at(rows[i]).Before(at(rows[j])) })
}

func cloneTicket(t *entrance.Ticket) *entrance.Ticket {
	c := *t
	return &c
}

func cloneReEntry(r *entrance.ReEntry) *entrance.ReEntry {
	c := *r
	if r.VisitorsReturned != nil {
		v := *r.VisitorsReturned
		c.VisitorsReturned = &v
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneItem(i *entrance.Item) *entrance.Item {
	c := *i
	if i.AppliedPrice != nil {
		p := *i.AppliedPrice
		c.AppliedPrice = &p
	}
	return &c
}

func clonePayment(p *payments.Payment) *payments.Payment {
	c := *p
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneTransaction(t *payments.TransactionItem) *payments.TransactionItem {
	c := *t
	if t.CashTendered != nil {
		m := *t.CashTendered
		c.CashTendered = &m
	}
	return &c
}

func cloneRefund(r *payments.Refund) *payments.Refund {
	c := *r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneAllocation(a *payments.VehicleAllocation) *payments.VehicleAllocation {
	c := *a
	return &c
}

func cloneRefundTx(rt *payments.RefundTransaction) *payments.RefundTransaction {
	c := *rt
	return &c
}
