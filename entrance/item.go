/*
item.go - Line items and audit history rows

PURPOSE:
  Items are the priced lines on an entrance record: a visitor category,
  a head count, and the unit price applied when the item was created.
  Amounts due are never stored; they are recomputed from items on read.

AUDIT TRAIL:
  Every item edit synthesizes one EditHistory row per changed field, and
  every record status change writes one StatusHistory row. Both tables
  are append-only. Items themselves are soft-removed (tombstoned), never
  deleted, so a removed line remains visible to audit queries.

PRICING:
  Only the public category gets a resolved unit price; group, school and
  online admissions are invoiced out of band and carry no price unless
  one is supplied explicitly. Voided items never carry a price.
*/
package entrance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/farmgate/entry-engine/core"
)

// =============================================================================
// ITEM CATEGORIES
// =============================================================================

// Category classifies the visitors on a line item.
type Category string

const (
	CategoryPublic Category = "public"
	CategoryGroup  Category = "group"
	CategorySchool Category = "school"
	CategoryOnline Category = "online"
	CategoryVoided Category = "voided"
)

var categories = map[Category]bool{
	CategoryPublic: true,
	CategoryGroup:  true,
	CategorySchool: true,
	CategoryOnline: true,
	CategoryVoided: true,
}

// ValidCategory reports whether c is a known item category.
func ValidCategory(c Category) bool { return categories[c] }

// Priced reports whether the category takes a gate-resolved unit price.
func (c Category) Priced() bool { return c == CategoryPublic }

// =============================================================================
// ITEM
// =============================================================================

// Item is one priced line on an entrance record.
type Item struct {
	ID         core.ID
	RecordKind RecordKind
	RecordID   core.ID
	Category   Category
	VisitorCount int
	// AppliedPrice is the unit price captured at creation or last category
	// change. Nil for categories invoiced out of band.
	AppliedPrice *core.Money
	CreatedBy    core.ID
	Removed      bool
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AmountDue is visitor count times applied unit price, zero when unpriced.
func (i *Item) AmountDue() core.Money {
	if i.AppliedPrice == nil {
		return core.ZeroMoney()
	}
	return i.AppliedPrice.MulInt(i.VisitorCount)
}

func (i *Item) String() string {
	return fmt.Sprintf("%s x%d", i.Category, i.VisitorCount)
}

// =============================================================================
// ITEM AGGREGATES
// =============================================================================

// TotalDue sums AmountDue over the given items, skipping removed lines.
func TotalDue(items []Item) core.Money {
	total := core.ZeroMoney()
	for i := range items {
		if items[i].Removed {
			continue
		}
		total = total.Add(items[i].AmountDue())
	}
	return total
}

// TotalVisitors sums visitor counts over the given items, skipping removed
// and voided lines.
func TotalVisitors(items []Item) int {
	n := 0
	for i := range items {
		if items[i].Removed || items[i].Category == CategoryVoided {
			continue
		}
		n += items[i].VisitorCount
	}
	return n
}

// =============================================================================
// STATUS HISTORY (append-only)
// =============================================================================

// StatusHistory is one audit row per record status change. The creation
// row has an empty PrevStatus. Rows are written in the same atomic unit
// as the status change itself and are never deleted.
type StatusHistory struct {
	ID          core.ID
	RecordKind  RecordKind
	RecordID    core.ID
	PrevStatus  string
	NewStatus   string
	PerformedBy core.ID
	CreatedAt   time.Time
}

// =============================================================================
// EDIT HISTORY (append-only)
// =============================================================================

// EditField names an item field tracked by edit history.
type EditField string

const (
	FieldCategory     EditField = "item_type"
	FieldVisitorCount EditField = "visitor_count"
)

// EditHistory is one audit row per changed item field. One edit touching
// both fields yields two rows in the same atomic unit.
type EditHistory struct {
	ID          core.ID
	ItemID      core.ID
	Field       EditField
	PrevValue   string
	NewValue    string
	PerformedBy core.ID
	CreatedAt   time.Time
}

// Validate checks the row's new value against its field's domain before
// the row is committed alongside the item change.
func (e *EditHistory) Validate() error {
	switch e.Field {
	case FieldCategory:
		if !ValidCategory(Category(e.NewValue)) {
			return core.Rulef("invalid item type %q", e.NewValue)
		}
	case FieldVisitorCount:
		n, err := strconv.Atoi(e.NewValue)
		if err != nil || n <= 0 {
			return core.Rulef("visitor count must be a positive integer, got %q", e.NewValue)
		}
	default:
		return core.Rulef("unknown edit field %q", e.Field)
	}
	return nil
}
