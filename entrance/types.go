/*
Package entrance implements the admission-record lifecycle.

PURPOSE:
  An entrance record is one admission event that needs payment: a Ticket
  (vehicle arriving at the gate) or a ReEntry (vehicle coming back after
  leaving). Both carry priced line items, an append-only status history,
  and move through a per-variant transition table.

LIFECYCLES:
  Ticket:  pending_security -> passed_security -> counted -> processed -> refunded
  ReEntry: pending -> {pending_payment | processed} -> processed -> refunded

  Items may only be added, edited or removed while the record is open for
  items (Ticket: passed_security/counted; ReEntry: pending_payment).
  Processed and refunded records are closed: item mutations fail with a
  rule error naming the reason.

PAYMENT LINKAGE:
  A record links to at most one payment at a time. Linking and unlinking
  are driven by the payments package, which owns the settlement rules;
  this package only stores the reference.

SEE ALSO:
  - item.go: Line items and history rows
  - service.go: The operations (create, transition, add/edit/remove items)
  - pricing.go: Unit price resolution
*/
package entrance

import (
	"time"

	"github.com/farmgate/entry-engine/core"
)

// =============================================================================
// RECORD KINDS AND STATUSES
// =============================================================================

// RecordKind discriminates the two entrance record variants.
type RecordKind string

const (
	KindTicket  RecordKind = "ticket"
	KindReEntry RecordKind = "re_entry"
)

// TicketStatus is the Ticket lifecycle state.
type TicketStatus string

const (
	TicketPendingSecurity TicketStatus = "pending_security"
	TicketPassedSecurity  TicketStatus = "passed_security"
	TicketCounted         TicketStatus = "counted"
	TicketProcessed       TicketStatus = "processed"
	TicketRefunded        TicketStatus = "refunded"
)

// TicketTransitions is the Ticket transition table.
var TicketTransitions = core.Table[TicketStatus]{
	TicketPendingSecurity: {TicketPassedSecurity},
	TicketPassedSecurity:  {TicketCounted},
	TicketCounted:         {TicketProcessed},
	TicketProcessed:       {TicketRefunded},
	TicketRefunded:        {},
}

// ReEntryStatus is the ReEntry lifecycle state.
type ReEntryStatus string

const (
	ReEntryPending        ReEntryStatus = "pending"
	ReEntryPendingPayment ReEntryStatus = "pending_payment"
	ReEntryProcessed      ReEntryStatus = "processed"
	ReEntryRefunded       ReEntryStatus = "refunded"
)

// ReEntryTransitions is the ReEntry transition table. The branch out of
// pending depends on whether more visitors returned than left.
var ReEntryTransitions = core.Table[ReEntryStatus]{
	ReEntryPending:        {ReEntryPendingPayment, ReEntryProcessed},
	ReEntryPendingPayment: {ReEntryProcessed},
	ReEntryProcessed:      {ReEntryRefunded},
	ReEntryRefunded:       {},
}

// =============================================================================
// RECORD - Common surface of Ticket and ReEntry
// =============================================================================

// Record is what the payments engine needs from an entrance record.
// The concrete variant is passed explicitly; variant-specific checks
// type-switch on *Ticket / *ReEntry at the call site.
type Record interface {
	RecordID() core.ID
	Kind() RecordKind
	Ref() string
	Vehicle() core.ID
	PaymentID() core.ID
	SetPaymentID(id core.ID)
	StatusString() string
	// IsProcessed is true for processed and refunded records.
	IsProcessed() bool
	// OpenForItems is true while items may be added, edited or removed.
	OpenForItems() bool
}

// =============================================================================
// TICKET
// =============================================================================

// Ticket is a vehicle's admission record for the day.
type Ticket struct {
	ID        core.ID
	RefNumber string
	Status    TicketStatus
	VehicleID core.ID
	Payment   core.ID // zero until assigned
	Removed   bool
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

var _ Record = (*Ticket)(nil)

func (t *Ticket) RecordID() core.ID       { return t.ID }
func (t *Ticket) Kind() RecordKind        { return KindTicket }
func (t *Ticket) Ref() string             { return t.RefNumber }
func (t *Ticket) Vehicle() core.ID        { return t.VehicleID }
func (t *Ticket) PaymentID() core.ID      { return t.Payment }
func (t *Ticket) SetPaymentID(id core.ID) { t.Payment = id }
func (t *Ticket) StatusString() string    { return string(t.Status) }

func (t *Ticket) IsProcessed() bool {
	return t.Status == TicketProcessed || t.Status == TicketRefunded
}

func (t *Ticket) OpenForItems() bool {
	return t.Status == TicketPassedSecurity || t.Status == TicketCounted
}

func (t *Ticket) String() string {
	return t.RefNumber + " - " + string(t.Status)
}

// =============================================================================
// RE-ENTRY
// =============================================================================

// ReEntry is issued against a processed ticket when a vehicle leaves and
// intends to come back. VisitorsLeft is counted on exit; VisitorsReturned
// on return. Visitors in excess of those who left owe payment.
type ReEntry struct {
	ID        core.ID
	RefNumber string
	Status    ReEntryStatus
	TicketID  core.ID
	VehicleID core.ID
	Payment   core.ID

	VisitorsLeft     int
	VisitorsReturned *int // nil until the vehicle returns
	CompletedAt      *time.Time

	Removed   bool
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

var _ Record = (*ReEntry)(nil)

func (r *ReEntry) RecordID() core.ID       { return r.ID }
func (r *ReEntry) Kind() RecordKind        { return KindReEntry }
func (r *ReEntry) Ref() string             { return r.RefNumber }
func (r *ReEntry) Vehicle() core.ID        { return r.VehicleID }
func (r *ReEntry) PaymentID() core.ID      { return r.Payment }
func (r *ReEntry) SetPaymentID(id core.ID) { r.Payment = id }
func (r *ReEntry) StatusString() string    { return string(r.Status) }

func (r *ReEntry) IsProcessed() bool {
	return r.Status == ReEntryProcessed || r.Status == ReEntryRefunded
}

func (r *ReEntry) OpenForItems() bool {
	return r.Status == ReEntryPendingPayment
}

// AdditionalVisitors is how many more visitors returned than left.
// Zero until the return has been processed.
func (r *ReEntry) AdditionalVisitors() int {
	if r.VisitorsReturned == nil {
		return 0
	}
	if extra := *r.VisitorsReturned - r.VisitorsLeft; extra > 0 {
		return extra
	}
	return 0
}

func (r *ReEntry) String() string {
	return "Re-Entry " + r.RefNumber + " - " + string(r.Status)
}
