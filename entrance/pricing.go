/*
pricing.go - Gate price resolution

PURPOSE:
  Public admission is priced per visitor from a date-ranged calendar.
  Special rows (peak day, public holiday, school holiday) take precedence
  over the seasonal weekday/weekend rows covering the same date.

RESOLUTION:
  1. Collect the price rows whose [start, end] range covers the date.
  2. If any special row matches, use it (peak day first, then public
     holiday, then school holiday).
  3. Otherwise pick the weekend or weekday row depending on the date.
  4. No match is an error, never a default amount.
*/
package entrance

import (
	"context"
	"time"

	"github.com/farmgate/entry-engine/core"
)

// PriceKind classifies a calendar row.
type PriceKind string

const (
	PriceWeekday       PriceKind = "weekday"
	PriceWeekend       PriceKind = "weekend"
	PricePeakDay       PriceKind = "peak_day"
	PricePublicHoliday PriceKind = "public_holiday"
	PriceSchoolHoliday PriceKind = "school_holiday"
)

// specialPrecedence orders the override kinds, strongest first.
var specialPrecedence = []PriceKind{PricePeakDay, PricePublicHoliday, PriceSchoolHoliday}

// PriceRule is one dated row in the price calendar. Start and End are
// inclusive calendar dates.
type PriceRule struct {
	ID     core.ID
	Kind   PriceKind
	Start  time.Time
	End    time.Time
	Amount core.Money
}

// Covers reports whether the rule's date range includes the given date.
// Comparison is by calendar day in the rule's location.
func (r *PriceRule) Covers(at time.Time) bool {
	day := at.Truncate(24 * time.Hour)
	start := r.Start.Truncate(24 * time.Hour)
	end := r.End.Truncate(24 * time.Hour)
	return !day.Before(start) && !day.After(end)
}

// PriceResolver resolves the public per-visitor admission price for a date.
type PriceResolver interface {
	Resolve(ctx context.Context, at time.Time) (core.Money, error)
}

// PriceStore lists calendar rows covering a date.
type PriceStore interface {
	ListPriceRules(ctx context.Context, at time.Time) ([]PriceRule, error)
}

// CalendarResolver resolves prices from a PriceStore with special-day
// precedence over seasonal rows.
type CalendarResolver struct {
	Store PriceStore
}

func NewCalendarResolver(store PriceStore) *CalendarResolver {
	return &CalendarResolver{Store: store}
}

func (c *CalendarResolver) Resolve(ctx context.Context, at time.Time) (core.Money, error) {
	rules, err := c.Store.ListPriceRules(ctx, at)
	if err != nil {
		return core.Money{}, err
	}

	byKind := map[PriceKind]*PriceRule{}
	for i := range rules {
		if rules[i].Covers(at) {
			byKind[rules[i].Kind] = &rules[i]
		}
	}

	for _, kind := range specialPrecedence {
		if r, ok := byKind[kind]; ok {
			return r.Amount, nil
		}
	}

	seasonal := PriceWeekday
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		seasonal = PriceWeekend
	}
	if r, ok := byKind[seasonal]; ok {
		return r.Amount, nil
	}
	return core.Money{}, core.ErrPriceNotFound
}

// FixedResolver always returns the same price. Test and bootstrap helper.
type FixedResolver struct {
	Amount core.Money
}

func (f FixedResolver) Resolve(context.Context, time.Time) (core.Money, error) {
	return f.Amount, nil
}
