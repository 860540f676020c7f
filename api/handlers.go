/*
handlers.go - HTTP request handlers for the credit ledger API

PURPOSE:
  Implements the HTTP handlers for all API endpoints. Each handler:
  1. Parses and validates the request
  2. Calls the Ledger
  3. Maps the result to a DTO
  4. Returns JSON

ENDPOINTS:
  Customers:
    POST   /api/customers                         Create a customer
    GET    /api/customers/{id}                    Customer with balance
    GET    /api/customers/{id}/invoices/open      Open invoices, oldest first
    GET    /api/customers/{id}/payments           Payment history + allocations
    GET    /api/customers/{id}/credit-history     Sales of every status + payments by date
    POST   /api/customers/{id}/payments           General payment (targeted when invoice_ids given)
    POST   /api/customers/{id}/payments/targeted  Targeted payment

  Invoices:
    POST   /api/invoices                          Record a sale
    POST   /api/invoices/{id}/cancel              Cancel an unpaid sale

  Credit:
    GET    /api/credit/customers                  Customers that owe money
    GET    /api/credit/summary                    Dashboard summary
    GET    /api/credit/invoices                   Credit sales across customers
    GET    /api/credit/payments                   Payments across customers

LISTING QUERIES:
  offset, limit            Page window (limit capped at 200)
  customer_id              Narrow to one customer
  start_date, end_date     RFC3339 or YYYY-MM-DD. A bare end date includes
                           the whole day.
  status                   Invoices only, comma separated (default pending,partial)
  type                     Payments only: credit_payment or specific_sales_payment

  Reconciliation:
    POST   /api/reconciliation/run                Recompute every balance

ERROR HANDLING:
  - 400 Bad Request: Malformed body or a business rule violation
  - 401 Unauthorized: Mutation without X-User-ID
  - 404 Not Found: Customer or invoice doesn't exist
  - 409 Conflict: Duplicate idempotency key, or concurrent update retries exhausted
  - 429 Too Many Requests: Payment rate limit hit
  - 503 Service Unavailable: Database stayed busy; Retry-After is set
  - 500 Internal Server Error: Anything else. Details go to the log only.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Router configuration
  - credit/ledger.go: The operations behind every mutation
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/logging"
)

const maxBodyBytes = 1 << 20

// IdempotencyHeader may carry the payment idempotency key instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// Pinger reports storage liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Ledger    *credit.Ledger
	Metrics   *Metrics
	Scheduler *ReconciliationScheduler
	Health    Pinger
	Logger    *zap.Logger
}

// NewHandler creates a new handler. metrics may be nil. The returned handler
// owns a stopped ReconciliationScheduler; manual runs go through it so they
// never overlap scheduled ones.
func NewHandler(ledger *credit.Ledger, metrics *Metrics, health Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Ledger:    ledger,
		Metrics:   metrics,
		Scheduler: NewReconciliationScheduler(ledger, metrics, logger),
		Health:    health,
		Logger:    logger,
	}
}

// =============================================================================
// CUSTOMER ENDPOINTS
// =============================================================================

// CreateCustomer registers a customer.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := h.Ledger.CreateCustomer(r.Context(), credit.NewCustomer{
		Name:        req.Name,
		Phone:       req.Phone,
		CreditLimit: req.CreditLimit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(*c))
}

// GetCustomer returns a customer with balance and available credit.
// GET /api/customers/{id}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := customerParam(w, r)
	if !ok {
		return
	}
	c, err := h.Ledger.Customer(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// ListOpenInvoices returns the customer's pending and partial invoices.
// GET /api/customers/{id}/invoices/open
func (h *Handler) ListOpenInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := customerParam(w, r)
	if !ok {
		return
	}
	invs, err := h.Ledger.OpenInvoices(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invs))
}

// GetPaymentHistory returns a page of payments, newest first.
// GET /api/customers/{id}/payments?offset=0&limit=50
func (h *Handler) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := customerParam(w, r)
	if !ok {
		return
	}
	page, ok := pageQuery(w, r)
	if !ok {
		return
	}

	hist, err := h.Ledger.PaymentHistory(r.Context(), id, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentHistoryResponse(hist))
}

// GetCreditHistory returns the customer's sales of every status and their
// payments over a date range.
// GET /api/customers/{id}/credit-history?start_date=2025-03-01&end_date=2025-03-31
func (h *Handler) GetCreditHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := customerParam(w, r)
	if !ok {
		return
	}
	page, ok := pageQuery(w, r)
	if !ok {
		return
	}
	within, ok := dateRangeQuery(w, r)
	if !ok {
		return
	}
	hist, err := h.Ledger.CreditHistory(r.Context(), id, within, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditHistoryResponse(hist))
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// CreatePayment records a payment. Oldest-first unless invoice_ids is set.
// POST /api/customers/{id}/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, false)
}

// CreateTargetedPayment records a payment against the listed invoices.
// POST /api/customers/{id}/payments/targeted
func (h *Handler) CreateTargetedPayment(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, true)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request, targeted bool) {
	id, ok := customerParam(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyHeader)
	}

	ctx := r.Context()
	details := req.details(logging.UserID(ctx))

	var (
		result *credit.PaymentResult
		err    error
		mode   = credit.ModeOldestFirst
	)
	if targeted || len(req.InvoiceIDs) > 0 {
		mode = credit.ModeTargeted
		result, err = h.Ledger.PayInvoices(ctx, credit.TargetedPaymentRequest{
			CustomerID:     id,
			Amount:         req.Amount,
			InvoiceIDs:     req.invoiceIDs(),
			Policy:         credit.TargetPolicy(req.Policy),
			PaymentDetails: details,
		})
	} else {
		result, err = h.Ledger.PayOutstanding(ctx, credit.GeneralPaymentRequest{
			CustomerID:     id,
			Amount:         req.Amount,
			PaymentDetails: details,
		})
	}
	h.Metrics.ObservePayment(mode, result, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResultDTO(result))
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// RecordInvoice stores a sale and puts its unpaid part on the customer's account.
// POST /api/invoices
func (h *Handler) RecordInvoice(w http.ResponseWriter, r *http.Request) {
	var req RecordInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ni := credit.NewInvoice{
		Number:     req.Number,
		GrandTotal: req.GrandTotal,
		AmountPaid: req.AmountPaid,
	}
	if req.CustomerID != nil {
		cid := credit.CustomerID(*req.CustomerID)
		ni.CustomerID = &cid
	}
	inv, err := h.Ledger.RecordInvoice(r.Context(), ni)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*inv))
}

// CancelInvoice voids an invoice that has received no payments.
// POST /api/invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	raw, ok := idParam(w, r, "invoice")
	if !ok {
		return
	}
	inv, err := h.Ledger.CancelInvoice(r.Context(), credit.InvoiceID(raw))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// CREDIT REPORTING
// =============================================================================

// ListCustomersWithCredit returns customers that owe money, largest first.
// GET /api/credit/customers
func (h *Handler) ListCustomersWithCredit(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Ledger.CustomersWithCredit(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]CustomerDTO, 0, len(customers))
	for _, c := range customers {
		out = append(out, toCustomerDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListCreditInvoices returns credit sales across customers, newest first.
// GET /api/credit/invoices?customer_id=7&status=pending,partial&start_date=2025-03-01
func (h *Handler) ListCreditInvoices(w http.ResponseWriter, r *http.Request) {
	var (
		f  credit.InvoiceFilter
		ok bool
	)
	if f.Page, ok = pageQuery(w, r); !ok {
		return
	}
	if f.CustomerID, ok = customerQuery(w, r); !ok {
		return
	}
	if f.Created, ok = dateRangeQuery(w, r); !ok {
		return
	}
	for _, st := range strings.Split(r.URL.Query().Get("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			f.Statuses = append(f.Statuses, credit.InvoiceStatus(st))
		}
	}

	list, err := h.Ledger.ListCreditInvoices(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceListResponse(list))
}

// ListCreditPayments returns payments across customers, newest first.
// GET /api/credit/payments?start_date=2025-03-01&end_date=2025-03-31&type=credit_payment
func (h *Handler) ListCreditPayments(w http.ResponseWriter, r *http.Request) {
	var (
		f  credit.PaymentFilter
		ok bool
	)
	if f.Page, ok = pageQuery(w, r); !ok {
		return
	}
	if f.CustomerID, ok = customerQuery(w, r); !ok {
		return
	}
	if f.Dated, ok = dateRangeQuery(w, r); !ok {
		return
	}
	f.Type = credit.PaymentType(strings.TrimSpace(r.URL.Query().Get("type")))

	list, err := h.Ledger.ListPayments(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentListResponse(list))
}

// GetCreditSummary returns the credit dashboard.
// GET /api/credit/summary?as_of=2025-03-31
func (h *Handler) GetCreditSummary(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := parseAsOf(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("invalid as_of: %s", v), err)
			return
		}
		asOf = t
	}
	s, err := h.Ledger.CreditSummary(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditSummaryDTO(s))
}

func parseAsOf(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	// End of the named day.
	return t.Add(24*time.Hour - time.Microsecond), nil
}

// pageQuery reads offset and limit. Ledger listings clamp the limit.
func pageQuery(w http.ResponseWriter, r *http.Request) (credit.Page, bool) {
	page := credit.DefaultPage
	q := r.URL.Query()
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "offset must be a non-negative integer", nil)
			return page, false
		}
		page.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be a positive integer", nil)
			return page, false
		}
		page.Limit = n
	}
	return page, true
}

func customerQuery(w http.ResponseWriter, r *http.Request) (*credit.CustomerID, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("customer_id"))
	if v == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("invalid customer_id: %q", v), nil)
		return nil, false
	}
	id := credit.CustomerID(n)
	return &id, true
}

// dateRangeQuery reads start_date and end_date into a half-open range.
func dateRangeQuery(w http.ResponseWriter, r *http.Request) (credit.DateRange, bool) {
	var dr credit.DateRange
	q := r.URL.Query()
	for _, p := range []struct {
		name  string
		dst   *time.Time
		endOf bool
	}{
		{"start_date", &dr.From, false},
		{"end_date", &dr.To, true},
	} {
		v := strings.TrimSpace(q.Get(p.name))
		if v == "" {
			continue
		}
		t, err := parseBound(v, p.endOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("invalid %s: %s", p.name, v), err)
			return dr, false
		}
		*p.dst = t
	}
	return dr, true
}

// parseBound accepts RFC3339 or a bare date. A bare end date moves to the
// next midnight so the named day is included.
func parseBound(v string, endOf bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOf {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RunReconciliation recomputes every customer balance from open invoices.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("manual reconciliation",
		zap.Int("checked", report.Checked),
		zap.Int("corrected", report.Corrected))
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness, including a storage ping when configured.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Error("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unhealthy", "storage unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// fail maps a ledger error to a response. Server-side details are logged,
// never returned.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())

	var ve *credit.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if ve.IsNotFound() {
			status = http.StatusNotFound
		}
		writeError(w, status, ve.Code, ve.Message, nil)
	case credit.IsConflict(err):
		writeError(w, http.StatusConflict, "duplicate_payment", "a payment with this idempotency key was already recorded", nil)
	case errors.Is(err, credit.ErrStorageBusy):
		log.Warn("storage busy", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage_busy", "the ledger is busy, retry shortly", nil)
	case errors.Is(err, credit.ErrConcurrentModification):
		log.Warn("concurrent modification", zap.Error(err))
		writeError(w, http.StatusConflict, "concurrent_modification", "the customer was updated concurrently, retry", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("request abandoned", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled", nil)
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return false
	}
	return true
}

func customerParam(w http.ResponseWriter, r *http.Request) (credit.CustomerID, bool) {
	id, ok := idParam(w, r, "customer")
	return credit.CustomerID(id), ok
}

func idParam(w http.ResponseWriter, r *http.Request, what string) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("invalid %s id: %q", what, raw), nil)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
