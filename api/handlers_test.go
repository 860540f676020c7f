/*
handlers_test.go - Tests for the HTTP surface

Tests for:
- Payment routes (general, targeted, idempotency, rate limiting)
- Error mapping (400/401/404/409/503/500)
- Invoice recording and cancellation
- Credit reporting and manual reconciliation
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/credit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func march(d int) time.Time {
	return time.Date(2025, time.March, d, 10, 0, 0, 0, time.UTC)
}

type apiFixture struct {
	router  http.Handler
	handler *Handler
	mem     *store.Memory
	clock   *fixedClock
}

func newAPI(t *testing.T, opts RouterOptions) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := store.NewMemory()
	clock := &fixedClock{now: march(1)}
	ledger := credit.NewLedger(mem, credit.WithLogger(logger), credit.WithClock(clock.Now))
	h := NewHandler(ledger, NewMetrics(), nil, logger)
	return &apiFixture{router: NewRouter(h, opts), handler: h, mem: mem, clock: clock}
}

// do sends a request as cashier "u1" unless headers override X-User-ID.
func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, "u1")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) customer(t *testing.T, name string) int64 {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/customers", map[string]any{"name": name, "credit_limit": "500"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CustomerDTO](t, rec).ID
}

func (f *apiFixture) invoice(t *testing.T, customerID int64, on time.Time, total string) int64 {
	t.Helper()
	f.clock.Set(on)
	rec := f.do(t, http.MethodPost, "/api/invoices", map[string]any{"customer_id": customerID, "grand_total": total}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InvoiceDTO](t, rec).ID
}

func (f *apiFixture) balance(t *testing.T, customerID int64) string {
	t.Helper()
	rec := f.do(t, http.MethodGet, path("/api/customers/%d", customerID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[CustomerDTO](t, rec).CurrentBalance
}

func path(format string, id int64) string {
	return fmt.Sprintf(format, id)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_OldestFirstWaterfall(t *testing.T) {
	// GIVEN: A customer with invoices of 100.00 (day 1) and 50.00 (day 2)
	// WHEN: Paying 120 as a JSON number on the general route
	// THEN: The older invoice is paid, the newer one is partial, balance is 30.00

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Amal")
	first := f.invoice(t, cid, march(1), "100.00")
	second := f.invoice(t, cid, march(2), "50.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{
		"amount":         120,
		"payment_method": "cash",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "oldest_first", res.Mode)
	assert.Equal(t, "120.00", res.Amount)
	assert.Equal(t, "120.00", res.Applied)
	assert.Equal(t, "0.00", res.Unapplied)
	assert.Equal(t, "150.00", res.PreviousBalance)
	assert.Equal(t, "30.00", res.NewCustomerBalance)
	assert.Equal(t, []int64{first}, res.PaidInvoiceIDs)
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, first, res.Allocations[0].InvoiceID)
	assert.Equal(t, "paid", res.Allocations[0].NewStatus)
	assert.Equal(t, second, res.Allocations[1].InvoiceID)
	assert.Equal(t, "20.00", res.Allocations[1].AmountApplied)
	assert.Equal(t, "partial", res.Allocations[1].NewStatus)
	assert.True(t, strings.HasPrefix(res.Reference, "PAY-"))

	assert.Equal(t, "30.00", f.balance(t, cid))
}

func TestCreatePayment_InvoiceIDsSwitchToTargeted(t *testing.T) {
	// GIVEN: Two open invoices
	// WHEN: Paying the newer one by id, with the amount as a string
	// THEN: Only that invoice is touched

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Bilal")
	older := f.invoice(t, cid, march(1), "40.00")
	newer := f.invoice(t, cid, march(2), "25.50")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{
		"amount":      "25.50",
		"invoice_ids": []int64{newer},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "targeted", res.Mode)
	assert.Equal(t, []int64{newer}, res.PaidInvoiceIDs)
	assert.Equal(t, "40.00", res.NewCustomerBalance)

	open := decode[[]InvoiceDTO](t, f.do(t, http.MethodGet, path("/api/customers/%d/invoices/open", cid), nil, nil))
	require.Len(t, open, 1)
	assert.Equal(t, older, open[0].ID)
}

func TestCreateTargetedPayment_RequiresInvoices(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Chadi")
	f.invoice(t, cid, march(1), "10.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments/targeted", cid), map[string]any{"amount": "10"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, credit.CodeNoInvoices, decode[ErrorResponse](t, rec).Code)
}

func TestCreateTargetedPayment_UpToPolicy(t *testing.T) {
	// GIVEN: Invoices of 30.00 and 20.00
	// WHEN: Paying 35.00 against both with policy up_to
	// THEN: The older is paid and 5.00 lands on the newer

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Dina")
	a := f.invoice(t, cid, march(1), "30.00")
	b := f.invoice(t, cid, march(2), "20.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments/targeted", cid), map[string]any{
		"amount":      "35.00",
		"invoice_ids": []int64{b, a},
		"policy":      "up_to",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[PaymentResultDTO](t, rec)
	assert.Equal(t, "up_to", res.Policy)
	assert.Equal(t, []int64{a}, res.PaidInvoiceIDs)
	assert.Equal(t, "15.00", res.NewCustomerBalance)
}

func TestCreatePayment_ValidationErrors(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Elias")
	f.invoice(t, cid, march(1), "10.00")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"zero amount", path("/api/customers/%d/payments", cid), map[string]any{"amount": 0}, http.StatusBadRequest, credit.CodeInvalidAmount},
		{"three decimals", path("/api/customers/%d/payments", cid), map[string]any{"amount": "1.005"}, http.StatusBadRequest, credit.CodeInvalidAmount},
		{"over balance", path("/api/customers/%d/payments", cid), map[string]any{"amount": "10.01"}, http.StatusBadRequest, credit.CodeBalanceExceeded},
		{"bad method", path("/api/customers/%d/payments", cid), map[string]any{"amount": "1", "payment_method": "barter"}, http.StatusBadRequest, credit.CodeInvalidMethod},
		{"unknown customer", "/api/customers/999/payments", map[string]any{"amount": "1"}, http.StatusNotFound, credit.CodeCustomerNotFound},
		{"unknown invoice", path("/api/customers/%d/payments", cid), map[string]any{"amount": "1", "invoice_ids": []int64{999}}, http.StatusNotFound, credit.CodeInvoiceNotFound},
		{"bad policy", path("/api/customers/%d/payments", cid), map[string]any{"amount": "1", "invoice_ids": []int64{1}, "policy": "most"}, http.StatusBadRequest, credit.CodeInvalidPolicy},
		{"bad id", "/api/customers/abc/payments", map[string]any{"amount": "1"}, http.StatusBadRequest, "invalid_id"},
		{"bad json", path("/api/customers/%d/payments", cid), "{not json", http.StatusBadRequest, "invalid_body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	// Nothing was recorded and the balance is untouched.
	assert.Equal(t, 0, f.mem.PaymentCount())
	assert.Equal(t, "10.00", f.balance(t, cid))
}

func TestCreatePayment_RequiresIdentity(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Farah")
	f.invoice(t, cid, march(1), "10.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "5"},
		map[string]string{UserIDHeader: ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, credit.CodeMissingIdentity, decode[ErrorResponse](t, rec).Code)

	// Reads stay open.
	rec = f.do(t, http.MethodGet, path("/api/customers/%d", cid), nil, map[string]string{UserIDHeader: ""})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePayment_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: A payment submitted with an Idempotency-Key header
	// WHEN: The same key is submitted again
	// THEN: The second attempt is rejected with 409 and nothing changes

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Ghada")
	f.invoice(t, cid, march(1), "50.00")

	hdr := map[string]string{IdempotencyHeader: "till-1-0001"}
	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "10"}, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "10"}, hdr)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_payment", decode[ErrorResponse](t, rec).Code)

	assert.Equal(t, 1, f.mem.PaymentCount())
	assert.Equal(t, "40.00", f.balance(t, cid))
}

func TestCreatePayment_BusyStorageIs503WithRetryAfter(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Hadi")
	f.invoice(t, cid, march(1), "50.00")

	f.mem.Fail("InsertPayment", &credit.BusyError{Attempts: 5, Err: errors.New("database is locked")})
	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "10"}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "storage_busy", decode[ErrorResponse](t, rec).Code)
	assert.Equal(t, "50.00", f.balance(t, cid))
}

func TestCreatePayment_StorageFailureHidesDetails(t *testing.T) {
	// GIVEN: The allocation insert fails after the payment row was written
	// WHEN: A payment is submitted
	// THEN: 500 with a generic message; the unit of work rolled back

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Iman")
	f.invoice(t, cid, march(1), "50.00")

	f.mem.Fail("InsertAllocation", &credit.StorageError{Op: "insert allocation", Err: errors.New("disk I/O error at sector 7")})
	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "10"}, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal_error", body.Code)
	assert.Empty(t, body.Details)
	assert.NotContains(t, rec.Body.String(), "sector 7")

	assert.Equal(t, 0, f.mem.PaymentCount())
	assert.Equal(t, "50.00", f.balance(t, cid))
}

func TestCreatePayment_RateLimited(t *testing.T) {
	f := newAPI(t, RouterOptions{Limiter: NewPaymentLimiter(0.001, 1)})
	cid := f.customer(t, "Jad")
	f.invoice(t, cid, march(1), "50.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "1"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another cashier has their own bucket.
	rec = f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "1"},
		map[string]string{UserIDHeader: "u2"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetPaymentHistory(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Karim")
	inv := f.invoice(t, cid, march(1), "30.00")

	for _, amt := range []string{"10.00", "5.00"} {
		rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": amt, "notes": "till"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, path("/api/customers/%d/payments", cid)+"?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[PaymentHistoryResponse](t, rec)
	assert.Equal(t, 2, hist.Total)
	assert.Equal(t, 1, hist.Limit)
	require.Len(t, hist.Payments, 1)
	assert.Equal(t, "u1", hist.Payments[0].ReceivedBy)
	require.Len(t, hist.Payments[0].Allocations, 1)
	assert.Equal(t, inv, hist.Payments[0].Allocations[0].InvoiceID)

	rec = f.do(t, http.MethodGet, path("/api/customers/%d/payments", cid)+"?offset=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestRecordInvoice_WalkInAndPartlyPaid(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Lina")

	// Walk-in sale: no customer, no balance change.
	rec := f.do(t, http.MethodPost, "/api/invoices", map[string]any{"grand_total": "12.00", "amount_paid": "12.00"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	walkIn := decode[InvoiceDTO](t, rec)
	assert.Nil(t, walkIn.CustomerID)
	assert.Equal(t, "paid", walkIn.Status)

	// Credit sale, 20.00 paid at the till.
	rec = f.do(t, http.MethodPost, "/api/invoices", map[string]any{
		"customer_id": cid, "grand_total": "80.00", "amount_paid": "20.00", "invoice_number": "INV-77",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode[InvoiceDTO](t, rec)
	assert.Equal(t, "INV-77", inv.Number)
	assert.Equal(t, "60.00", inv.BalanceDue)
	assert.Equal(t, "partial", inv.Status)
	assert.Equal(t, "60.00", f.balance(t, cid))

	rec = f.do(t, http.MethodPost, "/api/invoices", map[string]any{"customer_id": cid, "grand_total": "-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelInvoice(t *testing.T) {
	// GIVEN: An unpaid invoice and one with a payment against it
	// WHEN: Cancelling each
	// THEN: The unpaid one is cancelled and leaves the balance; the other is refused

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Maya")
	paid := f.invoice(t, cid, march(1), "20.00")
	unpaid := f.invoice(t, cid, march(2), "30.00")

	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "5"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, path("/api/invoices/%d/cancel", unpaid), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[InvoiceDTO](t, rec).Status)
	assert.Equal(t, "15.00", f.balance(t, cid))

	rec = f.do(t, http.MethodPost, path("/api/invoices/%d/cancel", paid), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, credit.CodeInvoiceHasPayments, decode[ErrorResponse](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/invoices/999/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REPORTING + RECONCILIATION
// =============================================================================

func TestCreditReporting(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	small := f.customer(t, "Nour")
	big := f.customer(t, "Omar")
	f.customer(t, "Paid-up")
	f.invoice(t, small, march(1), "10.00")
	f.invoice(t, big, march(2), "90.00")

	rec := f.do(t, http.MethodGet, "/api/credit/customers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	owing := decode[[]CustomerDTO](t, rec)
	require.Len(t, owing, 2)
	assert.Equal(t, big, owing[0].ID)
	assert.Equal(t, small, owing[1].ID)

	rec = f.do(t, http.MethodGet, "/api/credit/summary?as_of=2025-04-15", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decode[CreditSummaryDTO](t, rec)
	assert.Equal(t, "100.00", s.TotalOutstanding)
	assert.Equal(t, 2, s.CustomersWithCredit)
	assert.Equal(t, 2, s.OpenInvoices)
	assert.Equal(t, 2, s.OverdueInvoices)
	assert.Equal(t, "100.00", s.OverdueAmount)
	assert.Equal(t, "0.00", s.TodaysPending)

	rec = f.do(t, http.MethodGet, "/api/credit/summary?as_of=2025-03-02", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "90.00", decode[CreditSummaryDTO](t, rec).TodaysPending)

	rec = f.do(t, http.MethodGet, "/api/credit/summary?as_of=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCreditInvoices(t *testing.T) {
	// GIVEN: Nour owes on day 1 and day 3, Omar on day 2, Nour's day 1 sale
	//        is paid and a walk-in sale is still pending
	// WHEN: Listing credit invoices with various query strings
	// THEN: Open sales come back newest first and every filter narrows them

	f := newAPI(t, RouterOptions{})
	nour := f.customer(t, "Nour")
	omar := f.customer(t, "Omar")
	paid := f.invoice(t, nour, march(1), "10.00")
	omars := f.invoice(t, omar, march(2), "90.00")
	latest := f.invoice(t, nour, march(3), "25.00")
	rec := f.do(t, http.MethodPost, "/api/invoices", map[string]any{"grand_total": "12.00"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, path("/api/customers/%d/payments/targeted", nour), map[string]any{
		"amount": "10.00", "invoice_ids": []int64{paid},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ids := func(rec *httptest.ResponseRecorder) []int64 {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []int64
		for _, inv := range decode[InvoiceListResponse](t, rec).Invoices {
			out = append(out, inv.ID)
		}
		return out
	}

	rec = f.do(t, http.MethodGet, "/api/credit/invoices", nil, nil)
	list := decode[InvoiceListResponse](t, rec)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, credit.DefaultPage.Limit, list.Limit)
	assert.Equal(t, []int64{latest, omars}, ids(rec))

	assert.Equal(t, []int64{latest}, ids(f.do(t, http.MethodGet, path("/api/credit/invoices?customer_id=%d", nour), nil, nil)))
	assert.Equal(t, []int64{latest, paid},
		ids(f.do(t, http.MethodGet, path("/api/credit/invoices?customer_id=%d&status=pending,%%20paid", nour), nil, nil)))
	assert.Equal(t, []int64{omars},
		ids(f.do(t, http.MethodGet, "/api/credit/invoices?start_date=2025-03-02&end_date=2025-03-02", nil, nil)),
		"a bare end date includes that day")
	assert.Equal(t, []int64{latest},
		ids(f.do(t, http.MethodGet, "/api/credit/invoices?start_date=2025-03-02T12:00:00Z", nil, nil)))
	assert.Equal(t, []int64{omars}, ids(f.do(t, http.MethodGet, "/api/credit/invoices?offset=1&limit=1", nil, nil)))

	rec = f.do(t, http.MethodGet, "/api/credit/invoices?limit=5000", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, credit.MaxPageLimit, decode[InvoiceListResponse](t, rec).Limit)

	for query, code := range map[string]string{
		"status=settled":                            credit.CodeInvalidFilter,
		"start_date=2025-03-05&end_date=2025-03-01": credit.CodeInvalidFilter,
		"start_date=soon":                           "invalid_query",
		"customer_id=abc":                           "invalid_query",
		"limit=0":                                   "invalid_query",
	} {
		rec = f.do(t, http.MethodGet, "/api/credit/invoices?"+query, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		assert.Equal(t, code, decode[ErrorResponse](t, rec).Code, query)
	}

	rec = f.do(t, http.MethodGet, "/api/credit/invoices?customer_id=999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCreditPayments(t *testing.T) {
	// GIVEN: Nour pays on day 4 and Omar pays against one invoice on day 5
	// WHEN: Listing payments across customers
	// THEN: Both show newest first with their customer, and the date, type
	//       and customer filters narrow the list

	f := newAPI(t, RouterOptions{})
	nour := f.customer(t, "Nour")
	omar := f.customer(t, "Omar")
	f.invoice(t, nour, march(1), "40.00")
	omars := f.invoice(t, omar, march(2), "60.00")

	f.clock.Set(march(4))
	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments", nour), map[string]any{"amount": "15.00"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.clock.Set(march(5))
	rec = f.do(t, http.MethodPost, path("/api/customers/%d/payments/targeted", omar), map[string]any{
		"amount": "60.00", "invoice_ids": []int64{omars},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	list := func(query string) PaymentListResponse {
		t.Helper()
		rec := f.do(t, http.MethodGet, "/api/credit/payments"+query, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[PaymentListResponse](t, rec)
	}

	all := list("")
	assert.Equal(t, 2, all.Total)
	require.Len(t, all.Payments, 2)
	assert.Equal(t, omar, all.Payments[0].CustomerID)
	assert.Equal(t, string(credit.PaymentTypeSpecificSales), all.Payments[0].Type)
	require.Len(t, all.Payments[0].Allocations, 1)
	assert.Equal(t, omars, all.Payments[0].Allocations[0].InvoiceID)
	assert.Equal(t, nour, all.Payments[1].CustomerID)

	day4 := list("?start_date=2025-03-04&end_date=2025-03-04")
	require.Len(t, day4.Payments, 1)
	assert.Equal(t, nour, day4.Payments[0].CustomerID)

	general := list("?type=credit_payment")
	require.Len(t, general.Payments, 1)
	assert.Equal(t, "15.00", general.Payments[0].Amount)

	assert.Empty(t, list(path("?customer_id=%d&end_date=2025-03-04", omar)).Payments)

	rec = f.do(t, http.MethodGet, "/api/credit/payments?type=barter", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, credit.CodeInvalidFilter, decode[ErrorResponse](t, rec).Code)
}

func TestGetCreditHistory(t *testing.T) {
	// GIVEN: A customer with a paid sale in March and an open sale in April
	// WHEN: Asking for March's credit history
	// THEN: The paid sale and its payment come back, April's sale does not

	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Rami")
	march5 := f.invoice(t, cid, march(5), "30.00")
	f.invoice(t, cid, march(1).AddDate(0, 1, 0), "45.00")

	f.clock.Set(march(20))
	rec := f.do(t, http.MethodPost, path("/api/customers/%d/payments/targeted", cid), map[string]any{
		"amount": "30.00", "invoice_ids": []int64{march5},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, path("/api/customers/%d/credit-history?start_date=2025-03-01&end_date=2025-03-31", cid), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h := decode[CreditHistoryResponse](t, rec)
	assert.Equal(t, cid, h.Customer.ID)
	assert.Equal(t, "45.00", h.Customer.CurrentBalance)
	require.Len(t, h.Invoices.Invoices, 1)
	assert.Equal(t, march5, h.Invoices.Invoices[0].ID)
	assert.Equal(t, "paid", h.Invoices.Invoices[0].Status)
	require.Len(t, h.Payments.Payments, 1)
	assert.Equal(t, "30.00", h.Payments.Payments[0].Amount)

	rec = f.do(t, http.MethodGet, path("/api/customers/%d/credit-history", cid), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[CreditHistoryResponse](t, rec).Invoices.Invoices, 2)

	rec = f.do(t, http.MethodGet, "/api/customers/999/credit-history", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunReconciliation(t *testing.T) {
	// GIVEN: Two customers, one whose stored balance drifted to 99.99
	// WHEN: Reconciliation is triggered by hand
	// THEN: Exactly one customer is corrected back to the open invoice total

	f := newAPI(t, RouterOptions{})
	ok := f.customer(t, "Rami")
	drifted := f.customer(t, "Sara")
	f.invoice(t, ok, march(1), "10.00")
	f.invoice(t, drifted, march(1), "40.00")
	f.mem.SetBalance(credit.CustomerID(drifted), credit.MustParseMoney("99.99"))

	rec := f.do(t, http.MethodPost, "/api/reconciliation/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ReconcileResponse](t, rec)
	assert.Equal(t, 2, res.CustomersChecked)
	assert.Equal(t, 1, res.CustomersCorrected)
	require.Len(t, res.Corrections, 1)
	assert.Equal(t, drifted, res.Corrections[0].CustomerID)
	assert.Equal(t, "99.99", res.Corrections[0].Previous)
	assert.Equal(t, "40.00", res.Corrections[0].Computed)
	assert.Equal(t, "40.00", f.balance(t, drifted))

	// A second run finds nothing to fix.
	res = decode[ReconcileResponse](t, f.do(t, http.MethodPost, "/api/reconciliation/run", nil, nil))
	assert.Equal(t, 0, res.CustomersCorrected)
}

// =============================================================================
// OPERATIONS
// =============================================================================

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database is closed") }

func TestHealthzAndMetrics(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	cid := f.customer(t, "Tala")
	f.invoice(t, cid, march(1), "10.00")
	f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "4"}, nil)
	f.do(t, http.MethodPost, path("/api/customers/%d/payments", cid), map[string]any{"amount": "400"}, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ledger_payments_total{mode="oldest_first",outcome="success"} 1`)
	assert.Contains(t, body, `ledger_payments_total{mode="oldest_first",outcome="rejected"} 1`)
	assert.Contains(t, body, "ledger_payment_amount_bucket")
}

func TestHealthz_StorageDown(t *testing.T) {
	f := newAPI(t, RouterOptions{})
	f.handler.Health = failingPinger{}

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
