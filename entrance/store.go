/*
store.go - Persistence contract for entrance records

PURPOSE:
  The service talks to storage through this interface. Methods that must
  be atomic take every row of the unit as arguments, so an implementation
  commits them in a single transaction or not at all.

CONSISTENCY RULES IMPLEMENTATIONS MUST UPHOLD:
  - Insert* fails with core.ErrReferenceCollision when the record's
    reference number is already taken, and with no other meaning.
  - Update* compares the caller's Version against the stored row and
    fails with core.ErrStaleState on mismatch; on success the stored
    version increments.
  - History rows are insert-only. There is no API to change or delete
    them.
  - Reads exclude soft-removed rows unless the query says otherwise.
*/
package entrance

import (
	"context"
	"time"

	"github.com/farmgate/entry-engine/core"
)

// Store persists entrance records, their items and their audit history.
type Store interface {
	// InsertTicket writes the ticket and its creation history row
	// atomically.
	InsertTicket(ctx context.Context, t *Ticket, h *StatusHistory) error
	GetTicket(ctx context.Context, id core.ID) (*Ticket, error)
	GetTicketByRef(ctx context.Context, ref string) (*Ticket, error)
	// UpdateTicket persists a status change together with its history row.
	// h may be nil for changes that do not touch status (payment linkage).
	UpdateTicket(ctx context.Context, t *Ticket, h *StatusHistory) error
	ListTicketsByStatus(ctx context.Context, status TicketStatus) ([]Ticket, error)
	ListTicketsByVehicle(ctx context.Context, vehicleID core.ID) ([]Ticket, error)
	// ListTicketsByDay returns the tickets opened on the given calendar day
	// (UTC).
	ListTicketsByDay(ctx context.Context, day time.Time) ([]Ticket, error)

	// InsertReEntry writes the re-entry and its creation history row
	// atomically.
	InsertReEntry(ctx context.Context, r *ReEntry, h *StatusHistory) error
	GetReEntry(ctx context.Context, id core.ID) (*ReEntry, error)
	UpdateReEntry(ctx context.Context, r *ReEntry, h *StatusHistory) error
	ListReEntriesByTicket(ctx context.Context, ticketID core.ID) ([]ReEntry, error)

	InsertItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id core.ID) (*Item, error)
	// UpdateItem persists an item change together with its edit history
	// rows. Soft removal passes edits as nil.
	UpdateItem(ctx context.Context, item *Item, edits []EditHistory) error
	// ListItems returns the record's items, excluding removed lines unless
	// includeRemoved is set.
	ListItems(ctx context.Context, kind RecordKind, recordID core.ID, includeRemoved bool) ([]Item, error)

	ListStatusHistory(ctx context.Context, kind RecordKind, recordID core.ID) ([]StatusHistory, error)
	ListEditHistory(ctx context.Context, itemID core.ID) ([]EditHistory, error)
}
