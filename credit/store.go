/*
store.go - Persistence interfaces for the credit ledger

PURPOSE:
  Defines the boundary between the ledger logic and the database. The ledger
  never issues SQL; it asks a Repository for a unit of work and performs
  typed reads and writes through the Tx it is handed.

KEY INTERFACES:
  Repository: Opens units of work and serves read-only queries
  Tx:         Typed operations inside one atomic unit of work

ATOMICITY:
  Everything done through one Tx commits or rolls back together: invoice
  updates, the customer balance, the payment record and its allocation rows.
  There is no best-effort write anywhere in a payment.

WRITE RULES:
  - customer_payments and sale_payments are insert-only
  - invoice grand_total is never written after insert
  - customer balance writes are compare-and-swap on BalanceVersion

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (WAL, pooled, busy retry)
  - credit/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Uses Repository
*/
package credit

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT OF WORK
// =============================================================================

// Repository opens units of work and serves read-only queries.
type Repository interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// Implementations may re-run fn when the store reports a transient lock,
	// so fn must not have side effects outside the Tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one unit of work.
type Tx interface {
	Reader

	CreateCustomer(ctx context.Context, c Customer) (CustomerID, error)

	// UpdateCustomerBalance writes a new balance if the stored version still
	// equals expectedVersion, and bumps the version. Returns
	// ErrConcurrentModification otherwise.
	UpdateCustomerBalance(ctx context.Context, id CustomerID, balance decimal.Decimal, expectedVersion int64) error

	InsertInvoice(ctx context.Context, inv Invoice) (InvoiceID, error)
	UpdateInvoice(ctx context.Context, u InvoiceUpdate) error

	InsertPayment(ctx context.Context, p Payment) (PaymentID, error)
	InsertAllocation(ctx context.Context, a Allocation) error
}

// Reader holds the queries usable both inside and outside a unit of work.
type Reader interface {
	// GetCustomer returns nil, nil when the customer does not exist.
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)

	// GetInvoice returns nil, nil when the invoice does not exist.
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// GetInvoices returns the invoices that exist among ids, in any order,
	// regardless of owner or status.
	GetInvoices(ctx context.Context, ids []InvoiceID) ([]Invoice, error)

	// OpenInvoices returns the customer's pending/partial invoices ordered
	// by created_at ascending, then id ascending.
	OpenInvoices(ctx context.Context, customerID CustomerID) ([]Invoice, error)

	HasAllocations(ctx context.Context, invoiceID InvoiceID) (bool, error)

	// ListInvoices returns one page of the customer-owned invoices matching
	// f, newest first (created_at, then id, descending), and the number of
	// matches. Walk-in sales are never listed.
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, int, error)

	// ListPayments returns one page of the payments matching f, newest first
	// (payment_date, then id, descending), and the number of matches.
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, int, error)
	ListAllocations(ctx context.Context, paymentID PaymentID) ([]Allocation, error)

	// PaymentsReceivedSince sums payment amounts dated on or after since.
	PaymentsReceivedSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// InvoiceUpdate is the only mutable part of an invoice.
type InvoiceUpdate struct {
	ID         InvoiceID
	BalanceDue decimal.Decimal
	Status     InvoiceStatus
	UpdatedAt  time.Time
}

// Page is an offset/limit window.
type Page struct {
	Offset int
	Limit  int
}

// MaxPageLimit caps every listing.
const MaxPageLimit = 200

// DefaultPage is used when a caller sends no window.
var DefaultPage = Page{Offset: 0, Limit: 50}

// Normalize clamps the window to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPage.Limit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// =============================================================================
// LISTING FILTERS
// =============================================================================

// DateRange is the half-open interval [From, To). A zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// InvoiceFilter selects invoices for a listing. Empty Statuses matches every
// status; a nil CustomerID matches every customer.
type InvoiceFilter struct {
	CustomerID *CustomerID
	Statuses   []InvoiceStatus
	Created    DateRange
	Page       Page
}

// Matches applies the filter to one invoice, ignoring the page.
func (f InvoiceFilter) Matches(inv Invoice) bool {
	if inv.IsWalkIn() {
		return false
	}
	if f.CustomerID != nil && !inv.OwnedBy(*f.CustomerID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inv.Status) {
		return false
	}
	return f.Created.Contains(inv.CreatedAt)
}

// PaymentFilter selects payments for a listing. An empty Type matches both
// payment types.
type PaymentFilter struct {
	CustomerID *CustomerID
	Type       PaymentType
	Dated      DateRange
	Page       Page
}

// Matches applies the filter to one payment, ignoring the page.
func (f PaymentFilter) Matches(p Payment) bool {
	if f.CustomerID != nil && p.CustomerID != *f.CustomerID {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	return f.Dated.Contains(p.PaymentDate)
}
