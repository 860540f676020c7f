/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Request amounts accept either a JSON number (12.5) or a string ("12.50").
  Response amounts are always strings with two decimals so clients never
  round-trip through float.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - credit/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateCustomerRequest is the body of POST /api/customers.
type CreateCustomerRequest struct {
	Name        string          `json:"name"`
	Phone       string          `json:"phone,omitempty"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

// RecordInvoiceRequest is the body of POST /api/invoices.
// A nil customer_id records a walk-in sale.
type RecordInvoiceRequest struct {
	Number     string          `json:"invoice_number,omitempty"`
	CustomerID *int64          `json:"customer_id,omitempty"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
}

// PaymentRequest is the body of both payment routes. On the general route a
// non-empty invoice_ids switches to targeted mode.
type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	InvoiceIDs     []int64         `json:"invoice_ids,omitempty"`
	Policy         string          `json:"policy,omitempty"`
	Method         string          `json:"payment_method,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (r PaymentRequest) details(receivedBy string) credit.PaymentDetails {
	return credit.PaymentDetails{
		Method:         credit.PaymentMethod(r.Method),
		Notes:          r.Notes,
		ReceivedBy:     receivedBy,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func (r PaymentRequest) invoiceIDs() []credit.InvoiceID {
	ids := make([]credit.InvoiceID, len(r.InvoiceIDs))
	for i, id := range r.InvoiceIDs {
		ids[i] = credit.InvoiceID(id)
	}
	return ids
}

// =============================================================================
// RESPONSES
// =============================================================================

// CustomerDTO represents a customer in API responses.
type CustomerDTO struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	CreditLimit     string    `json:"credit_limit"`
	CurrentBalance  string    `json:"current_balance"`
	AvailableCredit string    `json:"available_credit"`
	OverLimit       bool      `json:"over_limit"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toCustomerDTO(c credit.Customer) CustomerDTO {
	return CustomerDTO{
		ID:              int64(c.ID),
		Name:            c.Name,
		Phone:           c.Phone,
		CreditLimit:     credit.FormatMoney(c.CreditLimit),
		CurrentBalance:  credit.FormatMoney(c.CurrentBalance),
		AvailableCredit: credit.FormatMoney(c.AvailableCredit()),
		OverLimit:       c.OverLimit(),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// InvoiceDTO represents a sale invoice.
type InvoiceDTO struct {
	ID         int64     `json:"id"`
	Number     string    `json:"invoice_number"`
	CustomerID *int64    `json:"customer_id"`
	GrandTotal string    `json:"grand_total"`
	BalanceDue string    `json:"balance_due"`
	Status     string    `json:"payment_status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toInvoiceDTO(inv credit.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:         int64(inv.ID),
		Number:     inv.Number,
		GrandTotal: credit.FormatMoney(inv.GrandTotal),
		BalanceDue: credit.FormatMoney(inv.Outstanding()),
		Status:     string(inv.Status),
		CreatedAt:  inv.CreatedAt,
		UpdatedAt:  inv.UpdatedAt,
	}
	if inv.CustomerID != nil {
		id := int64(*inv.CustomerID)
		dto.CustomerID = &id
	}
	return dto
}

func toInvoiceDTOs(invs []credit.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInvoiceDTO(inv))
	}
	return out
}

// AllocationLineDTO is one invoice touched by a payment.
type AllocationLineDTO struct {
	InvoiceID       int64  `json:"invoice_id"`
	PreviousBalance string `json:"previous_balance"`
	AmountApplied   string `json:"amount_applied"`
	NewBalance      string `json:"new_balance"`
	NewStatus       string `json:"new_status"`
}

// PaymentResultDTO is the response of a successful payment.
type PaymentResultDTO struct {
	PaymentID          int64               `json:"payment_id"`
	Reference          string              `json:"reference"`
	CustomerID         int64               `json:"customer_id"`
	Mode               string              `json:"mode"`
	Policy             string              `json:"policy,omitempty"`
	Amount             string              `json:"amount"`
	Applied            string              `json:"applied"`
	Unapplied          string              `json:"unapplied"`
	PreviousBalance    string              `json:"previous_balance"`
	NewCustomerBalance string              `json:"new_customer_balance"`
	Allocations        []AllocationLineDTO `json:"allocations"`
	PaidInvoiceIDs     []int64             `json:"paid_invoice_ids"`
	PaymentDate        time.Time           `json:"payment_date"`
}

func toPaymentResultDTO(r *credit.PaymentResult) PaymentResultDTO {
	dto := PaymentResultDTO{
		PaymentID:          int64(r.PaymentID),
		Reference:          r.Reference,
		CustomerID:         int64(r.CustomerID),
		Mode:               string(r.Mode),
		Policy:             string(r.Policy),
		Amount:             credit.FormatMoney(r.Amount),
		Applied:            credit.FormatMoney(r.Applied),
		Unapplied:          credit.FormatMoney(r.Unapplied),
		PreviousBalance:    credit.FormatMoney(r.PreviousBalance),
		NewCustomerBalance: credit.FormatMoney(r.NewCustomerBalance),
		Allocations:        make([]AllocationLineDTO, 0, len(r.Lines)),
		PaidInvoiceIDs:     make([]int64, 0, len(r.PaidInvoiceIDs)),
		PaymentDate:        r.PaymentDate,
	}
	for _, l := range r.Lines {
		dto.Allocations = append(dto.Allocations, AllocationLineDTO{
			InvoiceID:       int64(l.InvoiceID),
			PreviousBalance: credit.FormatMoney(l.PreviousBalance),
			AmountApplied:   credit.FormatMoney(l.AmountApplied),
			NewBalance:      credit.FormatMoney(l.NewBalance),
			NewStatus:       string(l.NewStatus),
		})
	}
	for _, id := range r.PaidInvoiceIDs {
		dto.PaidInvoiceIDs = append(dto.PaidInvoiceIDs, int64(id))
	}
	return dto
}

// AllocationDTO is a stored allocation row.
type AllocationDTO struct {
	InvoiceID int64  `json:"invoice_id"`
	Amount    string `json:"amount"`
}

// PaymentDTO is a stored payment with its allocations.
type PaymentDTO struct {
	ID          int64           `json:"id"`
	Reference   string          `json:"reference"`
	CustomerID  int64           `json:"customer_id"`
	Amount      string          `json:"amount"`
	Method      string          `json:"payment_method"`
	Type        string          `json:"payment_type"`
	Notes       string          `json:"notes,omitempty"`
	ReceivedBy  string          `json:"received_by"`
	PaymentDate time.Time       `json:"payment_date"`
	Allocations []AllocationDTO `json:"allocations"`
}

func toPaymentDTO(rec credit.PaymentRecord) PaymentDTO {
	p := PaymentDTO{
		ID:          int64(rec.ID),
		Reference:   rec.Reference,
		CustomerID:  int64(rec.CustomerID),
		Amount:      credit.FormatMoney(rec.Amount),
		Method:      string(rec.Method),
		Type:        string(rec.Type),
		Notes:       rec.Notes,
		ReceivedBy:  rec.ReceivedBy,
		PaymentDate: rec.PaymentDate,
		Allocations: make([]AllocationDTO, 0, len(rec.Allocations)),
	}
	for _, a := range rec.Allocations {
		p.Allocations = append(p.Allocations, AllocationDTO{
			InvoiceID: int64(a.InvoiceID),
			Amount:    credit.FormatMoney(a.Amount),
		})
	}
	return p
}

func toPaymentDTOs(recs []credit.PaymentRecord) []PaymentDTO {
	out := make([]PaymentDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toPaymentDTO(rec))
	}
	return out
}

// PaymentHistoryResponse wraps a page of payments.
type PaymentHistoryResponse struct {
	CustomerID int64        `json:"customer_id"`
	Payments   []PaymentDTO `json:"payments"`
	Total      int          `json:"total"`
	Offset     int          `json:"offset"`
	Limit      int          `json:"limit"`
}

func toPaymentHistoryResponse(h *credit.PaymentHistory) PaymentHistoryResponse {
	return PaymentHistoryResponse{
		CustomerID: int64(h.CustomerID),
		Payments:   toPaymentDTOs(h.Payments),
		Total:      h.Total,
		Offset:     h.Page.Offset,
		Limit:      h.Page.Limit,
	}
}

// InvoiceListResponse is a page of GET /api/credit/invoices.
type InvoiceListResponse struct {
	Invoices []InvoiceDTO `json:"invoices"`
	Total    int          `json:"total"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
}

func toInvoiceListResponse(l *credit.InvoiceList) InvoiceListResponse {
	return InvoiceListResponse{
		Invoices: toInvoiceDTOs(l.Invoices),
		Total:    l.Total,
		Offset:   l.Page.Offset,
		Limit:    l.Page.Limit,
	}
}

// PaymentListResponse is a page of GET /api/credit/payments.
type PaymentListResponse struct {
	Payments []PaymentDTO `json:"payments"`
	Total    int          `json:"total"`
	Offset   int          `json:"offset"`
	Limit    int          `json:"limit"`
}

func toPaymentListResponse(l *credit.PaymentList) PaymentListResponse {
	return PaymentListResponse{
		Payments: toPaymentDTOs(l.Payments),
		Total:    l.Total,
		Offset:   l.Page.Offset,
		Limit:    l.Page.Limit,
	}
}

// CreditHistoryResponse is a customer's sales and payments over a date range.
type CreditHistoryResponse struct {
	Customer CustomerDTO         `json:"customer"`
	Invoices InvoiceListResponse `json:"invoices"`
	Payments PaymentListResponse `json:"payments"`
}

func toCreditHistoryResponse(h *credit.CreditHistory) CreditHistoryResponse {
	return CreditHistoryResponse{
		Customer: toCustomerDTO(h.Customer),
		Invoices: toInvoiceListResponse(h.Invoices),
		Payments: toPaymentListResponse(h.Payments),
	}
}

// CreditSummaryDTO is the dashboard summary.
type CreditSummaryDTO struct {
	AsOf                time.Time `json:"as_of"`
	TotalOutstanding    string    `json:"total_outstanding"`
	CustomersWithCredit int       `json:"customers_with_credit"`
	OverLimitCustomers  int       `json:"over_limit_customers"`
	OpenInvoices        int       `json:"open_invoices"`
	OverdueInvoices     int       `json:"overdue_invoices"`
	OverdueAmount       string    `json:"overdue_amount"`
	TodaysPending       string    `json:"todays_pending"`
	RecentPayments      string    `json:"recent_payments"`
}

func toCreditSummaryDTO(s *credit.CreditSummary) CreditSummaryDTO {
	return CreditSummaryDTO{
		AsOf:                s.AsOf,
		TotalOutstanding:    credit.FormatMoney(s.TotalOutstanding),
		CustomersWithCredit: s.CustomersWithCredit,
		OverLimitCustomers:  s.OverLimitCustomers,
		OpenInvoices:        s.OpenInvoices,
		OverdueInvoices:     s.OverdueInvoices,
		OverdueAmount:       credit.FormatMoney(s.OverdueAmount),
		TodaysPending:       credit.FormatMoney(s.TodaysPending),
		RecentPayments:      credit.FormatMoney(s.RecentPayments),
	}
}

// CorrectionDTO is one balance fixed by reconciliation.
type CorrectionDTO struct {
	CustomerID int64  `json:"customer_id"`
	Previous   string `json:"previous_balance"`
	Computed   string `json:"computed_balance"`
	Difference string `json:"difference"`
}

// ReconcileResponse is the result of POST /api/reconciliation/run.
type ReconcileResponse struct {
	CustomersChecked   int             `json:"customers_checked"`
	CustomersCorrected int             `json:"customers_corrected_count"`
	Corrections        []CorrectionDTO `json:"corrections"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
}

func toReconcileResponse(r *credit.ReconcileReport) ReconcileResponse {
	resp := ReconcileResponse{
		CustomersChecked:   r.Checked,
		CustomersCorrected: r.Corrected,
		Corrections:        make([]CorrectionDTO, 0, len(r.Corrections)),
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
	for _, c := range r.Corrections {
		resp.Corrections = append(resp.Corrections, CorrectionDTO{
			CustomerID: int64(c.CustomerID),
			Previous:   credit.FormatMoney(c.Previous),
			Computed:   credit.FormatMoney(c.Computed),
			Difference: credit.FormatMoney(c.Difference()),
		})
	}
	return resp
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
