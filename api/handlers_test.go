/*
handlers_test.go - HTTP tests over the full router

Tests for:
- Domain error to status code mapping
- Gate-to-settlement flow through the REST surface
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmgate/entry-engine/core"
	"github.com/farmgate/entry-engine/entrance"
	"github.com/farmgate/entry-engine/payments"
	"github.com/farmgate/entry-engine/store/memory"
)

func newTestRouter(t *testing.T) http.Handler {
	store := memory.New()
	entranceSvc := entrance.NewService(store, entrance.FixedResolver{Amount: core.MustMoney("150.00")})
	paymentsSvc := payments.NewService(store)
	return NewRouter(NewHandler(entranceSvc, paymentsSvc))
}

// do sends one request as the given operator and returns the recorder.
func do(t *testing.T, router http.Handler, method, path string, body any, manager bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "op-1")
	req.Header.Set("X-User-Name", "Thandi")
	req.Header.Set("X-Shift-ID", "shift-1")
	if manager {
		req.Header.Set("X-Manager", "true")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestCreateTicketEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/tickets", CreateTicketRequest{
		VehicleID: "veh-1", PlateNumber: "CA 123-456",
	}, false)

	require.Equal(t, http.StatusCreated, rec.Code)
	dto := decode[TicketDTO](t, rec)
	assert.Equal(t, "pending_security", dto.Status)
	assert.NotEmpty(t, dto.RefNumber)
	assert.Equal(t, "veh-1", dto.VehicleID)
}

func TestCreateTicketEndpoint_BlacklistedVehicle(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/tickets", CreateTicketRequest{
		VehicleID: "veh-1", PlateNumber: "CA 123-456", IsBlacklisted: true,
	}, false)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid", resp.Code)
}

func TestGetTicketEndpoint_NotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/tickets/no-such-id", nil, false)

	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "not_found", resp.Code)
}

func TestStatusEndpoint_InvalidTransition(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/tickets", CreateTicketRequest{
		VehicleID: "veh-1", PlateNumber: "CA 123-456",
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	ticket := decode[TicketDTO](t, rec)

	// pending_security cannot jump straight to processed
	rec = do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/status",
		UpdateStatusRequest{Status: "processed"}, false)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid", resp.Code)
}

func TestGateToSettlementFlow(t *testing.T) {
	// GIVEN: A vehicle with two public visitors moving through the gate
	// WHEN: Driving ticket, items, payment and transaction over the API
	// THEN: The payment settles and the ticket comes out processed

	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/tickets", CreateTicketRequest{
		VehicleID: "veh-1", PlateNumber: "CA 123-456",
	}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	ticket := decode[TicketDTO](t, rec)

	rec = do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/status",
		UpdateStatusRequest{Status: "passed_security"}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/items",
		AddItemRequest{Category: "public", VisitorCount: 2}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	item := decode[ItemDTO](t, rec)
	assert.Equal(t, "150.00", item.AppliedPrice)
	assert.Equal(t, "300.00", item.AmountDue)

	rec = do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/status",
		UpdateStatusRequest{Status: "counted"}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/payments", nil, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	payment := decode[PaymentDTO](t, rec)

	rec = do(t, router, http.MethodPost, "/api/payments/"+payment.ID+"/records",
		LinkRecordRequest{RecordKind: "ticket", RecordID: ticket.ID}, false)
	require.Equal(t, http.StatusNoContent, rec.Code)

	tendered := "350.00"
	rec = do(t, router, http.MethodPost, "/api/payments/"+payment.ID+"/transactions",
		AddTransactionRequest{Method: "cash", Amount: "300.00", VisitorCount: 2, CashTendered: &tendered}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "50.00", tx.ChangeDue)

	rec = do(t, router, http.MethodGet, "/api/payments/"+payment.ID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		PaymentDTO
		Balance BalanceDTO `json:"balance"`
	}](t, rec)
	assert.Equal(t, "settled", got.Status)
	assert.Equal(t, "300.00", got.Balance.TotalPaid)
	assert.Equal(t, "0.00", got.Balance.Outstanding)

	rec = do(t, router, http.MethodGet, "/api/tickets/"+ticket.ID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	gotTicket := decode[TicketDTO](t, rec)
	assert.Equal(t, "processed", gotTicket.Status)
	assert.Equal(t, payment.ID, gotTicket.PaymentID)
}

func TestSettleRefundEndpoint_ErrorMapping(t *testing.T) {
	// GIVEN: A freshly initiated refund
	// WHEN: Settling as a non-manager, then as a manager too early
	// THEN: 403 for the operator, 400 for the premature settle

	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/tickets", CreateTicketRequest{
		VehicleID: "veh-1", PlateNumber: "CA 123-456",
	}, false)
	ticket := decode[TicketDTO](t, rec)
	do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/status",
		UpdateStatusRequest{Status: "passed_security"}, false)
	do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/items",
		AddItemRequest{Category: "public", VisitorCount: 1}, false)
	do(t, router, http.MethodPost, "/api/tickets/"+ticket.ID+"/status",
		UpdateStatusRequest{Status: "counted"}, false)

	rec = do(t, router, http.MethodPost, "/api/payments", nil, false)
	payment := decode[PaymentDTO](t, rec)
	do(t, router, http.MethodPost, "/api/payments/"+payment.ID+"/records",
		LinkRecordRequest{RecordKind: "ticket", RecordID: ticket.ID}, false)
	tendered := "150.00"
	rec = do(t, router, http.MethodPost, "/api/payments/"+payment.ID+"/transactions",
		AddTransactionRequest{Method: "cash", Amount: "150.00", VisitorCount: 1, CashTendered: &tendered}, false)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/payments/"+payment.ID+"/refunds",
		InitiateRefundRequest{VehicleID: "veh-1", Reason: "rained out"}, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	refund := decode[RefundDTO](t, rec)

	rec = do(t, router, http.MethodPost, "/api/refunds/"+refund.ID+"/settle", nil, false)
	require.Equal(t, http.StatusForbidden, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "forbidden", resp.Code)

	rec = do(t, router, http.MethodPost, "/api/refunds/"+refund.ID+"/settle", nil, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
