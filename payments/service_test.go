package payments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
	"github.com/farmgate/entry-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	cashier     = core.UserRef{ID: "op-1", Name: "Thandi", ActiveShiftID: "shift-1"}
	otherUser   = core.UserRef{ID: "op-2", Name: "Sipho", ActiveShiftID: "shift-2"}
	gateManager = core.UserRef{ID: "mgr-1", Name: "Naledi", IsManager: true, ActiveShiftID: "shift-3"}
	offDuty     = core.UserRef{ID: "op-9", Name: "Lwazi"}
)

func newTestEngine(t *testing.T) (*entrance.Service, *payments.Service, *memory.Store) {
	store := memory.New()
	entranceSvc := entrance.NewService(store, entrance.FixedResolver{Amount: core.MustMoney("150.00")})
	paymentsSvc := payments.NewService(store)
	return entranceSvc, paymentsSvc, store
}

// countedTicket walks a ticket to counted with one public item.
func countedTicket(t *testing.T, svc *entrance.Service, visitors int) *entrance.Ticket {
	ctx := context.Background()
	ticket, err := svc.CreateTicket(ctx, core.VehicleRef{ID: core.NewID(), PlateNumber: "CA 123"}, cashier)
	require.NoError(t, err)
	ticket, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketPassedSecurity, cashier)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, entrance.KindTicket, ticket.ID, entrance.CategoryPublic, visitors, nil, cashier)
	require.NoError(t, err)
	ticket, err = svc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketCounted, cashier)
	require.NoError(t, err)
	return ticket
}

// pendingPayment opens a payment carrying the given counted tickets.
func pendingPayment(t *testing.T, svc *payments.Service, tickets ...*entrance.Ticket) *payments.Payment {
	ctx := context.Background()
	p, err := svc.InitiatePayment(ctx, cashier)
	require.NoError(t, err)
	for _, ticket := range tickets {
		require.NoError(t, svc.AddEntranceRecord(ctx, p.ID, entrance.KindTicket, ticket.ID, cashier))
	}
	return p
}

func cashParams(amount string, visitors int) payments.TransactionParams {
	m := core.MustMoney(amount)
	return payments.TransactionParams{
		Method: payments.MethodCash, Amount: m, VisitorCount: visitors, CashTendered: &m,
	}
}

func cardParams(amount string, visitors int) payments.TransactionParams {
	return payments.TransactionParams{
		Method:            payments.MethodCard,
		Amount:            core.MustMoney(amount),
		VisitorCount:      visitors,
		RRN:               "000123",
		CardTransactionID: "term-9",
	}
}

// =============================================================================
// PAYMENT LIFECYCLE
// =============================================================================

func TestInitiatePayment_RequiresActiveShift(t *testing.T) {
	_, svc, _ := newTestEngine(t)

	_, err := svc.InitiatePayment(context.Background(), offDuty)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	p, err := svc.InitiatePayment(context.Background(), cashier)
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentPendingSettlement, p.Status)
	assert.Equal(t, cashier.ID, p.OwnerID)
	assert.Equal(t, cashier.ActiveShiftID, p.ShiftID)
	assert.NotEmpty(t, p.RefNumber)
}

func TestAddEntranceRecord_OnlyCountedTickets(t *testing.T) {
	// GIVEN: A ticket still at passed_security
	// WHEN: Linking it to a payment
	// THEN: Rejected; counting must happen first

	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket, err := entranceSvc.CreateTicket(ctx, core.VehicleRef{ID: "veh-1", PlateNumber: "CA 1"}, cashier)
	require.NoError(t, err)
	ticket, err = entranceSvc.UpdateTicketStatus(ctx, ticket.ID, entrance.TicketPassedSecurity, cashier)
	require.NoError(t, err)

	p, err := svc.InitiatePayment(ctx, cashier)
	require.NoError(t, err)
	err = svc.AddEntranceRecord(ctx, p.ID, entrance.KindTicket, ticket.ID, cashier)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
}

func TestAddEntranceRecord_RecordCannotSitOnTwoPayments(t *testing.T) {
	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 2)
	pendingPayment(t, svc, ticket)

	other, err := svc.InitiatePayment(ctx, cashier)
	require.NoError(t, err)
	err = svc.AddEntranceRecord(ctx, other.ID, entrance.KindTicket, ticket.ID, cashier)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
	assert.Contains(t, err.Error(), "already assigned")
}

func TestRemoveEntranceRecord_UnlinksBeforeMoneyMoves(t *testing.T) {
	entranceSvc, svc, store := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 2)
	p := pendingPayment(t, svc, ticket)

	require.NoError(t, svc.RemoveEntranceRecord(ctx, p.ID, entrance.KindTicket, ticket.ID, cashier))

	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.True(t, got.Payment.IsZero())
}

// =============================================================================
// TRANSACTIONS AND SETTLEMENT
// =============================================================================

func TestAddTransaction_SettlementCascadesToRecords(t *testing.T) {
	// GIVEN: A payment over two counted tickets worth 300.00 + 150.00
	// WHEN: Paying 450.00 in one cash transaction
	// THEN: The payment settles, CompletedAt is stamped, and both tickets
	//       move to processed with history rows, all in one unit

	entranceSvc, svc, store := newTestEngine(t)
	ctx := context.Background()

	t1 := countedTicket(t, entranceSvc, 2)
	t2 := countedTicket(t, entranceSvc, 1)
	p := pendingPayment(t, svc, t1, t2)

	tx, err := svc.AddTransaction(ctx, p.ID, cashParams("450.00", 3), cashier)
	require.NoError(t, err)
	assert.Equal(t, payments.TransactionProcessed, tx.Status)

	p, err = svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentSettled, p.Status)
	require.NotNil(t, p.CompletedAt)

	for _, id := range []core.ID{t1.ID, t2.ID} {
		got, err := store.GetTicket(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, entrance.TicketProcessed, got.Status)

		trail, err := store.ListStatusHistory(ctx, entrance.KindTicket, id)
		require.NoError(t, err)
		last := trail[len(trail)-1]
		assert.Equal(t, string(entrance.TicketCounted), last.PrevStatus)
		assert.Equal(t, string(entrance.TicketProcessed), last.NewStatus)
	}
}

func TestAddTransaction_PartialThenSettle(t *testing.T) {
	entranceSvc, svc, store := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 2) // 300.00 due
	p := pendingPayment(t, svc, ticket)

	_, err := svc.AddTransaction(ctx, p.ID, cashParams("100.00", 0), cashier)
	require.NoError(t, err)

	p, err = svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentPartiallySettled, p.Status)
	assert.Nil(t, p.CompletedAt)

	// The ticket does not process until paid covers due
	got, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, entrance.TicketCounted, got.Status)

	_, err = svc.AddTransaction(ctx, p.ID, cardParams("200.00", 2), cashier)
	require.NoError(t, err)

	p, err = svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.PaymentSettled, p.Status)
}

func TestAddTransaction_OverpaymentRejected(t *testing.T) {
	// GIVEN: 300.00 due and 100.00 already paid
	// WHEN: Paying 250.00
	// THEN: Rejected; the amount exceeds the 200.00 outstanding

	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 2)
	p := pendingPayment(t, svc, ticket)
	_, err := svc.AddTransaction(ctx, p.ID, cashParams("100.00", 0), cashier)
	require.NoError(t, err)

	_, err = svc.AddTransaction(ctx, p.ID, cashParams("250.00", 2), cashier)

	assert.ErrorIs(t, err, core.ErrRuleViolation)
	assert.Contains(t, err.Error(), "exceeds outstanding balance")
}

func TestAddTransaction_OnlyTheOwnerTakesMoney(t *testing.T) {
	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 1)
	p := pendingPayment(t, svc, ticket)

	_, err := svc.AddTransaction(ctx, p.ID, cashParams("150.00", 1), otherUser)

	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestAddTransaction_TenderValidation(t *testing.T) {
	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 1)
	p := pendingPayment(t, svc, ticket)

	// Cash without the tendered amount
	_, err := svc.AddTransaction(ctx, p.ID, payments.TransactionParams{
		Method: payments.MethodCash, Amount: core.MustMoney("150.00"),
	}, cashier)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	// Cash tendered short of the amount
	short := core.MustMoney("100.00")
	_, err = svc.AddTransaction(ctx, p.ID, payments.TransactionParams{
		Method: payments.MethodCash, Amount: core.MustMoney("150.00"), CashTendered: &short,
	}, cashier)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	// Card without the terminal slip
	_, err = svc.AddTransaction(ctx, p.ID, payments.TransactionParams{
		Method: payments.MethodCard, Amount: core.MustMoney("150.00"),
	}, cashier)
	assert.ErrorIs(t, err, core.ErrRuleViolation)

	// Unknown method
	_, err = svc.AddTransaction(ctx, p.ID, payments.TransactionParams{
		Method: "voucher", Amount: core.MustMoney("150.00"),
	}, cashier)
	assert.ErrorIs(t, err, core.ErrRuleViolation)
}

func TestAddTransaction_CashChange(t *testing.T) {
	// GIVEN: 150.00 due and 200.00 handed over
	// WHEN: Taking 150.00 cash
	// THEN: Change due is 50.00

	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 1)
	p := pendingPayment(t, svc, ticket)

	tendered := core.MustMoney("200.00")
	tx, err := svc.AddTransaction(ctx, p.ID, payments.TransactionParams{
		Method: payments.MethodCash, Amount: core.MustMoney("150.00"), CashTendered: &tendered,
	}, cashier)

	require.NoError(t, err)
	assert.Equal(t, "50.00", tx.ChangeDue().String())
}

// =============================================================================
// BALANCES
// =============================================================================

func TestBalance_RecomputedNeverStored(t *testing.T) {
	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	t1 := countedTicket(t, entranceSvc, 2) // 300.00
	t2 := countedTicket(t, entranceSvc, 1) // 150.00
	p := pendingPayment(t, svc, t1, t2)

	bal, err := svc.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "450.00", bal.TotalDue.String())
	assert.Equal(t, "0.00", bal.TotalPaid.String())
	assert.Equal(t, "450.00", bal.Outstanding.String())

	_, err = svc.AddTransaction(ctx, p.ID, cashParams("300.00", 2), cashier)
	require.NoError(t, err)

	bal, err = svc.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "300.00", bal.TotalPaid.String())
	assert.Equal(t, "150.00", bal.Outstanding.String())
}

func TestBalance_OutstandingFlooredAtZero(t *testing.T) {
	// Items can be voided after partial payment; outstanding never goes
	// negative even when paid exceeds the recomputed due.

	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	ticket := countedTicket(t, entranceSvc, 2) // 300.00 due
	p := pendingPayment(t, svc, ticket)
	_, err := svc.AddTransaction(ctx, p.ID, cashParams("300.00", 2), cashier)
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", bal.Outstanding.String())
}

// =============================================================================
// CASH OFFICE QUERIES
// =============================================================================

func TestListPayments_Filters(t *testing.T) {
	entranceSvc, svc, _ := newTestEngine(t)
	ctx := context.Background()

	open := pendingPayment(t, svc, countedTicket(t, entranceSvc, 1))
	settled := pendingPayment(t, svc, countedTicket(t, entranceSvc, 1))
	_, err := svc.AddTransaction(ctx, settled.ID, cashParams("150.00", 1), cashier)
	require.NoError(t, err)

	openOnly, err := svc.ListPayments(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, open.ID, openOnly[0].ID)

	byShift, err := svc.ListPayments(ctx, cashier.ActiveShiftID, false)
	require.NoError(t, err)
	assert.Len(t, byShift, 2)

	_, err = svc.ListPayments(ctx, "", false)
	assert.ErrorIs(t, err, core.ErrRuleViolation)
}
