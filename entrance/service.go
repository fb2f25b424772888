/*
service.go - Entrance record operations

PURPOSE:
  All writes to tickets, re-entries and items go through this service.
  Each public method is one atomic unit: rule checks happen up front, and
  the store call commits every row of the unit together.

OPERATIONS:
  - CreateTicket / CreateReEntry: new records with creation history rows
  - UpdateTicketStatus / UpdateReEntryStatus: table-validated transitions
  - ProcessReturn: counts returning visitors and branches the re-entry
  - AddItem / EditItem / RemoveItem: line item maintenance with audit rows
  - Totals: derived amount due and visitor count, never stored

USAGE:
  svc := entrance.NewService(store, resolver)
  ticket, err := svc.CreateTicket(ctx, vehicle, actor)
*/
package entrance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/farmgate/entry-engine/core"
)

// Service owns the entrance-record write path.
type Service struct {
	Store  Store
	Prices PriceResolver
	// Now supplies timestamps; overridable in tests.
	Now func() time.Time
}

func NewService(store Store, prices PriceResolver) *Service {
	return &Service{Store: store, Prices: prices, Now: time.Now}
}

// =============================================================================
// RECORD CREATION
// =============================================================================

// CreateTicket opens a new admission record for a vehicle at the gate.
// Blacklisted vehicles are rejected before any write. The public reference
// number is drawn with a bounded collision retry.
func (s *Service) CreateTicket(ctx context.Context, vehicle core.VehicleRef, actor core.UserRef) (*Ticket, error) {
	if vehicle.IsBlacklisted {
		return nil, core.Rulef("vehicle %s is blacklisted", vehicle.PlateNumber)
	}

	now := s.Now()
	ticket := &Ticket{
		ID:        core.NewID(),
		Status:    TicketPendingSecurity,
		VehicleID: vehicle.ID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ref, err := core.GenerateRef(now, func(ref string) error {
		ticket.RefNumber = ref
		return s.Store.InsertTicket(ctx, ticket, &StatusHistory{
			ID:          core.NewID(),
			RecordKind:  KindTicket,
			RecordID:    ticket.ID,
			PrevStatus:  "",
			NewStatus:   string(TicketPendingSecurity),
			PerformedBy: actor.ID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	ticket.RefNumber = ref
	return ticket, nil
}

// CreateReEntry issues a re-entry pass against a processed ticket, counting
// the visitors leaving the venue.
func (s *Service) CreateReEntry(ctx context.Context, ticketID core.ID, visitorsLeft int, actor core.UserRef) (*ReEntry, error) {
	if visitorsLeft <= 0 {
		return nil, core.Rulef("visitors leaving must be greater than 0, got %d", visitorsLeft)
	}
	ticket, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !ticket.IsProcessed() {
		return nil, core.Rulef("re-entry requires a processed ticket, %s is %s", ticket.RefNumber, ticket.Status)
	}

	now := s.Now()
	re := &ReEntry{
		ID:           core.NewID(),
		Status:       ReEntryPending,
		TicketID:     ticket.ID,
		VehicleID:    ticket.VehicleID,
		VisitorsLeft: visitorsLeft,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ref, err := core.GenerateRef(now, func(ref string) error {
		re.RefNumber = ref
		return s.Store.InsertReEntry(ctx, re, &StatusHistory{
			ID:          core.NewID(),
			RecordKind:  KindReEntry,
			RecordID:    re.ID,
			PrevStatus:  "",
			NewStatus:   string(ReEntryPending),
			PerformedBy: actor.ID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create re-entry: %w", err)
	}
	re.RefNumber = ref
	return re, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// UpdateTicketStatus moves a ticket along its lifecycle, writing the status
// and its history row in one unit.
func (s *Service) UpdateTicketStatus(ctx context.Context, ticketID core.ID, to TicketStatus, actor core.UserRef) (*Ticket, error) {
	ticket, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := TicketTransitions.Validate("ticket", ticket.Status, to); err != nil {
		return nil, err
	}
	prev := ticket.Status
	ticket.Status = to
	ticket.UpdatedAt = s.Now()
	if err := s.Store.UpdateTicket(ctx, ticket, s.historyRow(KindTicket, ticket.ID, string(prev), string(to), actor)); err != nil {
		return nil, err
	}
	return ticket, nil
}

// UpdateReEntryStatus moves a re-entry along its lifecycle. The branch out
// of pending is owned by ProcessReturn; this method covers the remaining
// edges (payment settlement, refund completion).
func (s *Service) UpdateReEntryStatus(ctx context.Context, reEntryID core.ID, to ReEntryStatus, actor core.UserRef) (*ReEntry, error) {
	re, err := s.Store.GetReEntry(ctx, reEntryID)
	if err != nil {
		return nil, err
	}
	if err := ReEntryTransitions.Validate("re-entry", re.Status, to); err != nil {
		return nil, err
	}
	prev := re.Status
	re.Status = to
	re.UpdatedAt = s.Now()
	if to == ReEntryProcessed && re.CompletedAt == nil {
		now := s.Now()
		re.CompletedAt = &now
	}
	if err := s.Store.UpdateReEntry(ctx, re, s.historyRow(KindReEntry, re.ID, string(prev), string(to), actor)); err != nil {
		return nil, err
	}
	return re, nil
}

// ProcessReturn records how many visitors came back. More returns than
// departures moves the pass to pending_payment so the excess can be
// invoiced; otherwise the pass completes immediately.
func (s *Service) ProcessReturn(ctx context.Context, reEntryID core.ID, visitorsReturned int, actor core.UserRef) (*ReEntry, error) {
	if visitorsReturned <= 0 {
		return nil, core.Rulef("visitors returned must be greater than 0, got %d", visitorsReturned)
	}
	re, err := s.Store.GetReEntry(ctx, reEntryID)
	if err != nil {
		return nil, err
	}
	if re.Status != ReEntryPending {
		return nil, core.Rulef("return already processed for re-entry %s", re.RefNumber)
	}

	to := ReEntryProcessed
	if visitorsReturned > re.VisitorsLeft {
		to = ReEntryPendingPayment
	}
	if err := ReEntryTransitions.Validate("re-entry", re.Status, to); err != nil {
		return nil, err
	}

	now := s.Now()
	prev := re.Status
	re.VisitorsReturned = &visitorsReturned
	re.Status = to
	re.UpdatedAt = now
	if to == ReEntryProcessed {
		re.CompletedAt = &now
	}
	if err := s.Store.UpdateReEntry(ctx, re, s.historyRow(KindReEntry, re.ID, string(prev), string(to), actor)); err != nil {
		return nil, err
	}
	return re, nil
}

func (s *Service) historyRow(kind RecordKind, recordID core.ID, prev, next string, actor core.UserRef) *StatusHistory {
	return &StatusHistory{
		ID:          core.NewID(),
		RecordKind:  kind,
		RecordID:    recordID,
		PrevStatus:  prev,
		NewStatus:   next,
		PerformedBy: actor.ID,
		CreatedAt:   s.Now(),
	}
}

// =============================================================================
// ITEM MAINTENANCE
// =============================================================================

// AddItem appends a line item to an open record. The public category gets
// the gate price for today unless price overrides it; unpriced categories
// carry no amount. Re-entries cap total item visitors at the number of
// additional visitors who returned.
func (s *Service) AddItem(ctx context.Context, kind RecordKind, recordID core.ID, category Category, visitorCount int, price *core.Money, actor core.UserRef) (*Item, error) {
	if !ValidCategory(category) {
		return nil, core.Rulef("invalid item type %q", category)
	}
	if visitorCount <= 0 {
		return nil, core.Rulef("visitor count must be greater than 0, got %d", visitorCount)
	}

	rec, err := s.loadRecord(ctx, kind, recordID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpenForItems(rec); err != nil {
		return nil, err
	}

	if re, ok := rec.(*ReEntry); ok {
		existing, err := s.Store.ListItems(ctx, kind, recordID, false)
		if err != nil {
			return nil, err
		}
		if TotalVisitors(existing)+visitorCount > re.AdditionalVisitors() {
			return nil, core.Rulef("item visitors exceed the %d additional visitors on re-entry %s",
				re.AdditionalVisitors(), re.RefNumber)
		}
	}

	applied, err := s.resolvePrice(ctx, category, price)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	item := &Item{
		ID:           core.NewID(),
		RecordKind:   kind,
		RecordID:     recordID,
		Category:     category,
		VisitorCount: visitorCount,
		AppliedPrice: applied,
		CreatedBy:    actor.ID,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.InsertItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// EditItem changes an item's category and/or visitor count, writing one
// edit history row per changed field in the same unit. A category change
// re-resolves the unit price for today.
func (s *Service) EditItem(ctx context.Context, itemID core.ID, newCategory *Category, newCount *int, actor core.UserRef) (*Item, error) {
	item, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	rec, err := s.loadRecord(ctx, item.RecordKind, item.RecordID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpenForItems(rec); err != nil {
		return nil, err
	}

	now := s.Now()
	var edits []EditHistory
	if newCategory != nil && *newCategory != item.Category {
		edits = append(edits, EditHistory{
			ID:          core.NewID(),
			ItemID:      item.ID,
			Field:       FieldCategory,
			PrevValue:   string(item.Category),
			NewValue:    string(*newCategory),
			PerformedBy: actor.ID,
			CreatedAt:   now,
		})
	}
	if newCount != nil && *newCount != item.VisitorCount {
		edits = append(edits, EditHistory{
			ID:          core.NewID(),
			ItemID:      item.ID,
			Field:       FieldVisitorCount,
			PrevValue:   strconv.Itoa(item.VisitorCount),
			NewValue:    strconv.Itoa(*newCount),
			PerformedBy: actor.ID,
			CreatedAt:   now,
		})
	}
	if len(edits) == 0 {
		return item, nil
	}
	for i := range edits {
		if err := edits[i].Validate(); err != nil {
			return nil, err
		}
	}

	if newCount != nil {
		item.VisitorCount = *newCount
	}
	if newCategory != nil && *newCategory != item.Category {
		item.Category = *newCategory
		applied, err := s.resolvePrice(ctx, *newCategory, nil)
		if err != nil {
			return nil, err
		}
		item.AppliedPrice = applied
	}

	if rec.Kind() == KindReEntry {
		if err := s.checkReEntryCap(ctx, rec.(*ReEntry), item); err != nil {
			return nil, err
		}
	}

	item.UpdatedAt = now
	if err := s.Store.UpdateItem(ctx, item, edits); err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveItem soft-removes a line item from an open record. The row remains
// visible to audit queries.
func (s *Service) RemoveItem(ctx context.Context, itemID core.ID, actor core.UserRef) error {
	item, err := s.Store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Removed {
		return nil
	}
	rec, err := s.loadRecord(ctx, item.RecordKind, item.RecordID)
	if err != nil {
		return err
	}
	if err := s.checkOpenForItems(rec); err != nil {
		return err
	}
	item.Removed = true
	item.UpdatedAt = s.Now()
	return s.Store.UpdateItem(ctx, item, nil)
}

func (s *Service) checkOpenForItems(rec Record) error {
	if rec.OpenForItems() {
		return nil
	}
	switch r := rec.(type) {
	case *Ticket:
		if r.Status == TicketPendingSecurity {
			return core.Rulef("ticket %s needs to pass the security check first", r.RefNumber)
		}
		return core.Rulef("cannot change items, ticket %s is %s", r.RefNumber, r.Status)
	case *ReEntry:
		return core.Rulef("only re-entries pending payment can change items, %s is %s", r.RefNumber, r.Status)
	}
	return core.Rulef("record %s is closed for items", rec.Ref())
}

func (s *Service) checkReEntryCap(ctx context.Context, re *ReEntry, edited *Item) error {
	items, err := s.Store.ListItems(ctx, KindReEntry, re.ID, false)
	if err != nil {
		return err
	}
	total := 0
	for i := range items {
		if items[i].Removed || items[i].Category == CategoryVoided {
			continue
		}
		if items[i].ID == edited.ID {
			continue
		}
		total += items[i].VisitorCount
	}
	if edited.Category != CategoryVoided {
		total += edited.VisitorCount
	}
	if total > re.AdditionalVisitors() {
		return core.Rulef("item visitors exceed the %d additional visitors on re-entry %s",
			re.AdditionalVisitors(), re.RefNumber)
	}
	return nil
}

func (s *Service) resolvePrice(ctx context.Context, category Category, explicit *core.Money) (*core.Money, error) {
	if explicit != nil {
		return explicit, nil
	}
	if !category.Priced() {
		return nil, nil
	}
	amount, err := s.Prices.Resolve(ctx, s.Now())
	if err != nil {
		return nil, err
	}
	return &amount, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetTicket(ctx context.Context, id core.ID) (*Ticket, error) {
	return s.Store.GetTicket(ctx, id)
}

func (s *Service) GetReEntry(ctx context.Context, id core.ID) (*ReEntry, error) {
	return s.Store.GetReEntry(ctx, id)
}

// ListTickets answers the gate office queries: by lifecycle status, by
// vehicle, or everything opened on one calendar day. Exactly one filter
// applies; status wins over vehicle, vehicle over day.
func (s *Service) ListTickets(ctx context.Context, status *TicketStatus, vehicleID core.ID, day *time.Time) ([]Ticket, error) {
	switch {
	case status != nil:
		if _, ok := TicketTransitions[*status]; !ok {
			return nil, core.Rulef("unknown ticket status %q", *status)
		}
		return s.Store.ListTicketsByStatus(ctx, *status)
	case !vehicleID.IsZero():
		return s.Store.ListTicketsByVehicle(ctx, vehicleID)
	case day != nil:
		return s.Store.ListTicketsByDay(ctx, *day)
	}
	return nil, core.Rulef("a status, vehicle or day filter is required")
}

// Totals recomputes the record's amount due and countable visitor total
// from its live items. Neither value is ever stored.
func (s *Service) Totals(ctx context.Context, kind RecordKind, recordID core.ID) (core.Money, int, error) {
	items, err := s.Store.ListItems(ctx, kind, recordID, false)
	if err != nil {
		return core.Money{}, 0, err
	}
	return TotalDue(items), TotalVisitors(items), nil
}

func (s *Service) loadRecord(ctx context.Context, kind RecordKind, id core.ID) (Record, error) {
	switch kind {
	case KindTicket:
		return s.Store.GetTicket(ctx, id)
	case KindReEntry:
		return s.Store.GetReEntry(ctx, id)
	}
	return nil, core.Rulef("unknown record kind %q", kind)
}
