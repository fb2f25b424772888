package entrance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	gateOperator = core.UserRef{ID: "op-1", Name: "Thandi", ActiveShiftID: "shift-1"}
	testVehicle  = core.VehicleRef{ID: "veh-1", PlateNumber: "CA 123-456"}
)

func newTestService(t *testing.T) (*entrance.Service, *memory.Store) {
	store := memory.New()
	svc := entrance.NewService(store, entrance.FixedResolver{Amount: core.MustMoney("150.00")})
	return svc, store
}

// passedTicket walks a fresh ticket to passed_security.
func passedTicket(t *testing.T, svc *entrance.Service) *entrance.Ticket {
	ctx := context.Background()
	ticket, err := svc.CreateTicket(ctx, testVehicle, gateOperator)
	require.NoError(t, err)
	ticket, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketPassedSecurity, gateOperator)
	require.NoError(t, err)
	return ticket
}

// processedTicket walks a fresh ticket all the way to processed.
func processedTicket(t *testing.T, svc *entrance.Service) *entrance.Ticket {
	ctx := context.Background()
	ticket := passedTicket(t, svc)
	ticket, err := svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketCounted, gateOperator)
	require.NoError(t, err)
	ticket, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketProcessed, gateOperator)
	require.NoError(t, err)
	return ticket
}

// =============================================================================
// TICKET LIFECYCLE
// =============================================================================

func TestCreateTicket_StartsPendingSecurityWithRef(t *testing.T) {
	// GIVEN: A vehicle at the gate
	// WHEN: Opening a ticket
	// THEN: Status is pending_security, a reference is assigned, and the
	//       creation lands in the status trail

	svc, store := newTestService(t)
	ctx := context.Background()

	ticket, err := svc.CreateTicket(ctx, testVehicle, gateOperator)

	require.NoError(t, err)
	assert.Equal(t, entrance.TicketPendingSecurity, ticket.Status)
	assert.NotEmpty(t, ticket.RefNumber)
	assert.Equal(t, 1, ticket.Version)

	trail, err := store.ListStatusHistory(ctx, entrance.KindTicket, ticket.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Empty(t, trail[0].PrevStatus)
	assert.Equal(t, string(entrance.TicketPendingSecurity), trail[0].NewStatus)
	assert.Equal(t, gateOperator.ID, trail[0].PerformedBy)
}

func TestCreateTicket_BlacklistedVehicleRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateTicket(context.Background(),
		core.VehicleRef{ID: "veh-2", PlateNumber: "CA 999", IsBlacklisted: true}, gateOperator)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
}

func TestUpdateTicketStatus_FollowsTheTable(t *testing.T) {
	// GIVEN: A freshly opened ticket
	// WHEN: Walking pending_security -> passed_security -> counted -> processed
	// THEN: Each step succeeds and is recorded; a skip is rejected

	svc, store := newTestService(t)
	ctx := context.Background()

	ticket, err := svc.CreateTicket(ctx, testVehicle, gateOperator)
	require.NoError(t, err)

	// Skipping straight to counted is not an edge
	_, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketCounted, gateOperator)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	for _, next := range []entrance.TicketStatus{
		entrance.TicketPassedSecurity, entrance.TicketCounted, entrance.TicketProcessed,
	} {
		ticket, err = svc.UpdateTicketStatus(ctx, ticket.ID, next, gateOperator)
		require.NoError(t, err)
		assert.Equal(t, next, ticket.Status)
	}

	trail, err := store.ListStatusHistory(ctx, entrance.KindTicket, ticket.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 4) // creation + three moves
}

func TestUpdateTicketStatus_NoBackwardEdges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	_, err := svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketPendingSecurity, gateOperator)

	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

// =============================================================================
// RE-ENTRY LIFECYCLE
// =============================================================================

func TestCreateReEntry_RequiresProcessedTicket(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	_, err := svc.CreateReEntry(ctx, ticket.ID, 4, gateOperator)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	processed := processedTicket(t, svc)
	re, err := svc.CreateReEntry(ctx, processed.ID, 4, gateOperator)
	require.NoError(t, err)
	assert.Equal(t, entrance.ReEntryPending, re.Status)
	assert.Equal(t, processed.VehicleID, re.VehicleID)
	assert.Equal(t, 4, re.VisitorsLeft)
}

func TestProcessReturn_SameOrFewerCompletesImmediately(t *testing.T) {
	// GIVEN: A re-entry where 4 visitors left
	// WHEN: 4 come back
	// THEN: The pass completes with no payment owed

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := processedTicket(t, svc)
	re, err := svc.CreateReEntry(ctx, ticket.ID, 4, gateOperator)
	require.NoError(t, err)

	re, err = svc.ProcessReturn(ctx, re.ID, 4, gateOperator)

	require.NoError(t, err)
	assert.Equal(t, entrance.ReEntryProcessed, re.Status)
	require.NotNil(t, re.CompletedAt)
	assert.Equal(t, 0, re.AdditionalVisitors())
}

func TestProcessReturn_ExtraVisitorsOwePayment(t *testing.T) {
	// GIVEN: A re-entry where 4 visitors left
	// WHEN: 7 come back
	// THEN: The pass waits for payment with 3 additional visitors

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := processedTicket(t, svc)
	re, err := svc.CreateReEntry(ctx, ticket.ID, 4, gateOperator)
	require.NoError(t, err)

	re, err = svc.ProcessReturn(ctx, re.ID, 7, gateOperator)

	require.NoError(t, err)
	assert.Equal(t, entrance.ReEntryPendingPayment, re.Status)
	assert.Nil(t, re.CompletedAt)
	assert.Equal(t, 3, re.AdditionalVisitors())
}

func TestProcessReturn_OnlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := processedTicket(t, svc)
	re, err := svc.CreateReEntry(ctx, ticket.ID, 4, gateOperator)
	require.NoError(t, err)
	_, err = svc.ProcessReturn(ctx, re.ID, 4, gateOperator)
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, re.ID, 9, gateOperator)
	assert.ErrorIs(t, err, core.ErrRuleViolation)
}

// =============================================================================
// ITEMS
// =============================================================================

func TestAddItem_PublicGetsTheGatePrice(t *testing.T) {
	// GIVEN: A ticket past security and a R 150.00 gate price
	// WHEN: Adding a public item for 3 visitors
	// THEN: The resolved price is stamped and the amount due is 450.00

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 3, nil, gateOperator)

	require.NoError(t, err)
	require.NotNil(t, item.AppliedPrice)
	assert.Equal(t, "150.00", item.AppliedPrice.String())
	assert.Equal(t, "450.00", item.AmountDue().String())
}

func TestAddItem_ExplicitPriceWins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	override := core.MustMoney("99.00")
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 2, &override, gateOperator)

	require.NoError(t, err)
	assert.Equal(t, "99.00", item.AppliedPrice.String())
}

func TestAddItem_UnpricedCategoriesCarryNoAmount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	for _, cat := range []entrance.Category{entrance.CategoryGroup, entrance.CategorySchool, entrance.CategoryOnline} {
		item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, cat, 5, nil, gateOperator)
		require.NoError(t, err)
		assert.Nil(t, item.AppliedPrice)
		assert.True(t, item.AmountDue().IsZero())
	}
}

func TestAddItem_RejectedBeforeSecurityCheck(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket, err := svc.CreateTicket(ctx, testVehicle, gateOperator)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 1, nil, gateOperator)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
	assert.Contains(t, err.Error(), "security check")
}

func TestAddItem_RejectedOnProcessedTicket(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := processedTicket(t, svc)
	_, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 1, nil, gateOperator)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
}

func TestAddItem_ValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ticket := passedTicket(t, svc)

	_, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, "vip", 1, nil, gateOperator)
	assert.ErrorIs(t, err, core.ErrRuleViolation, "unknown category")

	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 0, nil, gateOperator)
	assert.ErrorIs(t, err, core.ErrRuleViolation, "zero visitors")
}

func TestAddItem_ReEntryCapsAtAdditionalVisitors(t *testing.T) {
	// GIVEN: A re-entry with 3 additional visitors (4 left, 7 returned)
	// WHEN: Adding items totaling more than 3 visitors
	// THEN: The excess item is rejected

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := processedTicket(t, svc)
	re, err := svc.CreateReEntry(ctx, ticket.ID, 4, gateOperator)
	require.NoError(t, err)
	re, err = svc.ProcessReturn(ctx, re.ID, 7, gateOperator)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, entrance.KindReEntry, re.ID, entrance.CategoryPublic, 2, nil, gateOperator)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, entrance.KindReEntry, re.ID, entrance.CategoryPublic, 2, nil, gateOperator)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	_, err = svc.AddItem(ctx, entrance.KindReEntry, re.ID, entrance.CategoryPublic, 1, nil, gateOperator)
	assert.NoError(t, err, "filling the cap exactly is fine")
}

// =============================================================================
// ITEM EDITS
// =============================================================================

func TestEditItem_WritesOneHistoryRowPerField(t *testing.T) {
	// GIVEN: A public item for 3 visitors
	// WHEN: Changing both category and count in one call
	// THEN: Two edit rows land, each naming old and new values

	svc, store := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 3, nil, gateOperator)
	require.NoError(t, err)

	group := entrance.CategoryGroup
	five := 5
	item, err = svc.EditItem(ctx, item.ID, &group, &five, gateOperator)
	require.NoError(t, err)
	assert.Equal(t, entrance.CategoryGroup, item.Category)
	assert.Equal(t, 5, item.VisitorCount)
	assert.Nil(t, item.AppliedPrice, "group is unpriced after the category change")

	edits, err := store.ListEditHistory(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	assert.Equal(t, entrance.FieldCategory, edits[0].Field)
	assert.Equal(t, "public", edits[0].PrevValue)
	assert.Equal(t, "group", edits[0].NewValue)
	assert.Equal(t, entrance.FieldVisitorCount, edits[1].Field)
	assert.Equal(t, "3", edits[1].PrevValue)
	assert.Equal(t, "5", edits[1].NewValue)
}

func TestEditItem_NoChangeWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 3, nil, gateOperator)
	require.NoError(t, err)

	same := entrance.CategoryPublic
	three := 3
	_, err = svc.EditItem(ctx, item.ID, &same, &three, gateOperator)
	require.NoError(t, err)

	edits, err := store.ListEditHistory(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, edits)
}

func TestEditItem_CategoryChangeRepricesForToday(t *testing.T) {
	// GIVEN: A group (unpriced) item
	// WHEN: Changing it to public
	// THEN: The gate price is resolved and stamped

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryGroup, 3, nil, gateOperator)
	require.NoError(t, err)
	require.Nil(t, item.AppliedPrice)

	public := entrance.CategoryPublic
	item, err = svc.EditItem(ctx, item.ID, &public, nil, gateOperator)

	require.NoError(t, err)
	require.NotNil(t, item.AppliedPrice)
	assert.Equal(t, "150.00", item.AppliedPrice.String())
}

func TestRemoveItem_SoftRemovesAndDropsFromTotals(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	item, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 3, nil, gateOperator)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 1, nil, gateOperator)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveItem(ctx, item.ID, gateOperator))
	// Idempotent
	require.NoError(t, svc.RemoveItem(ctx, item.ID, gateOperator))

	due, visitors, err := svc.Totals(ctx, entrance.KindTicket, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "150.00", due.String())
	assert.Equal(t, 1, visitors)

	// The row is still there for audit
	all, err := store.ListItems(ctx, entrance.KindTicket, ticket.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTotals_VoidedCountsNoVisitors(t *testing.T) {
	// GIVEN: A public item and a voided item
	// WHEN: Recomputing totals
	// THEN: The voided item's visitors are excluded

	svc, _ := newTestService(t)
	ctx := context.Background()

	ticket := passedTicket(t, svc)
	_, err := svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 2, nil, gateOperator)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryVoided, 4, nil, gateOperator)
	require.NoError(t, err)

	due, visitors, err := svc.Totals(ctx, entrance.KindTicket, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, "300.00", due.String())
	assert.Equal(t, 2, visitors)
}

// =============================================================================
// PRICE CALENDAR
// =============================================================================

func priceRule(kind entrance.PriceKind, start, end time.Time, amount string) entrance.PriceRule {
	return entrance.PriceRule{
		ID:     core.NewID(),
		Kind:   kind,
		Start:  start,
		End:    end,
		Amount: core.MustMoney(amount),
	}
}

func TestCalendarResolver_SpecialDaysBeatSeasonal(t *testing.T) {
	// GIVEN: Weekday, weekend and public-holiday rows covering the same date
	// WHEN: Resolving a holiday that falls on a Saturday
	// THEN: The holiday price wins

	store := memory.New()
	year := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	holiday := time.Date(2026, time.September, 26, 0, 0, 0, 0, time.UTC) // a Saturday
	store.SeedPriceRules([]entrance.PriceRule{
		priceRule(entrance.PriceWeekday, year, yearEnd, "120.00"),
		priceRule(entrance.PriceWeekend, year, yearEnd, "150.00"),
		priceRule(entrance.PricePublicHoliday, holiday, holiday, "200.00"),
	})
	resolver := entrance.NewCalendarResolver(store)
	ctx := context.Background()

	got, err := resolver.Resolve(ctx, holiday.Add(14*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "200.00", got.String())
}

func TestCalendarResolver_WeekendVsWeekday(t *testing.T) {
	store := memory.New()
	year := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := time.Date(2026, time.December, 31, 0, 0, 0, 0, time.UTC)
	store.SeedPriceRules([]entrance.PriceRule{
		priceRule(entrance.PriceWeekday, year, yearEnd, "120.00"),
		priceRule(entrance.PriceWeekend, year, yearEnd, "150.00"),
	})
	resolver := entrance.NewCalendarResolver(store)
	ctx := context.Background()

	monday := time.Date(2026, time.September, 21, 9, 0, 0, 0, time.UTC)
	got, err := resolver.Resolve(ctx, monday)
	require.NoError(t, err)
	assert.Equal(t, "120.00", got.String())

	sunday := time.Date(2026, time.September, 20, 9, 0, 0, 0, time.UTC)
	got, err = resolver.Resolve(ctx, sunday)
	require.NoError(t, err)
	assert.Equal(t, "150.00", got.String())
}

func TestCalendarResolver_PeakDayBeatsPublicHoliday(t *testing.T) {
	store := memory.New()
	day := time.Date(2026, time.December, 16, 0, 0, 0, 0, time.UTC)
	store.SeedPriceRules([]entrance.PriceRule{
		priceRule(entrance.PricePublicHoliday, day, day, "200.00"),
		priceRule(entrance.PricePeakDay, day, day, "250.00"),
	})
	resolver := entrance.NewCalendarResolver(store)

	got, err := resolver.Resolve(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, "250.00", got.String())
}

func TestCalendarResolver_NoCoverageIsAnError(t *testing.T) {
	// No default amount, ever.
	resolver := entrance.NewCalendarResolver(memory.New())

	_, err := resolver.Resolve(context.Background(), time.Now())
	assert.ErrorIs(t, err, core.ErrPriceNotFound)
}

func TestAddItem_PriceGapSurfacesToTheCaller(t *testing.T) {
	// GIVEN: An empty price calendar
	// WHEN: Adding a public item
	// THEN: The gap propagates instead of defaulting

	store := memory.New()
	svc := entrance.NewService(store, entrance.NewCalendarResolver(store))
	ctx := context.Background()

	ticket, err := svc.CreateTicket(ctx, testVehicle, gateOperator)
	require.NoError(t, err)
	_, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketPassedSecurity, gateOperator)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, 1, nil, gateOperator)
	assert.ErrorIs(t, err, core.ErrPriceNotFound)
}

// =============================================================================
// GATE OFFICE QUERIES
// =============================================================================

func TestListTickets_Filters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	processed := processedTicket(t, svc)
	fresh, err := svc.CreateTicket(ctx, core.VehicleRef{ID: "veh-2", PlateNumber: "CA 99"}, gateOperator)
	require.NoError(t, err)

	status := entrance.TicketPendingSecurity
	byStatus, err := svc.ListTickets(ctx, &status, "", nil)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, fresh.ID, byStatus[0].ID)

	byVehicle, err := svc.ListTickets(ctx, nil, testVehicle.ID, nil)
	require.NoError(t, err)
	require.Len(t, byVehicle, 1)
	assert.Equal(t, processed.ID, byVehicle[0].ID)

	today := time.Now().UTC()
	byDay, err := svc.ListTickets(ctx, nil, "", &today)
	require.NoError(t, err)
	assert.Len(t, byDay, 2)

	_, err = svc.ListTickets(ctx, nil, "", nil)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	bogus := entrance.TicketStatus("teleported")
	_, err = svc.ListTickets(ctx, &bogus, "", nil)
	assert.ErrorIs(t, err, core.ErrRuleViolation)
}
