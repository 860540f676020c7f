/*
ledger.go - Credit ledger service

PURPOSE:
  The Ledger is the only writer of customer balances, invoice balances and
  payment records. Every mutation runs as one unit of work against a
  Repository, so a payment either lands completely (invoices, balance,
  payment row, allocation rows) or not at all.

PAYMENT FLOW:
  1. Validate the request (amount, method, identity)
  2. Take the per-customer lock
  3. In one transaction: re-read the customer and candidate invoices,
     run the allocation engine, write invoice balances, compare-and-swap the
     customer balance, insert the payment and one allocation per line
  4. On a lost compare-and-swap, repeat step 3 (bounded)

CONCURRENCY:
  Three layers keep two payments for the same customer from both reading
  the old balance:
  - CustomerLocks serializes callers in this process
  - BalanceVersion compare-and-swap catches writers outside this process
  - the SQLite store opens every unit of work with BEGIN IMMEDIATE

DRIFT:
  If a general payment exceeds what the open invoices actually add up to
  (the stored balance drifted), the remainder is reported as Unapplied.
  The payment is still recorded in full and the balance reduced in full;
  Reconcile repairs the balance afterwards.

SEE ALSO:
  - allocation.go: The pure allocation engine
  - reconcile.go: Balance drift repair
  - store.go: Repository contract
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxConflictAttempts bounds retries after a lost balance compare-and-swap.
const maxConflictAttempts = 3

// OverdueAfter is the age past which an open invoice counts as overdue.
const OverdueAfter = 30 * 24 * time.Hour

// RecentPaymentsWindow is the window used for "payments received lately".
const RecentPaymentsWindow = 7 * 24 * time.Hour

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	repo   Repository
	locks  *CustomerLocks
	logger *zap.Logger
	now    func() time.Time
	policy TargetPolicy
}

type LedgerOption func(*Ledger)

func WithLogger(logger *zap.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTargetPolicy sets the policy used when a targeted request names none.
func WithTargetPolicy(p TargetPolicy) LedgerOption {
	return func(l *Ledger) {
		if p.IsValid() {
			l.policy = p
		}
	}
}

func NewLedger(repo Repository, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:   repo,
		locks:  NewCustomerLocks(),
		logger: zap.NewNop(),
		now:    time.Now,
		policy: TargetExact,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TargetPolicy returns the default targeted-payment policy.
func (l *Ledger) TargetPolicy() TargetPolicy {
	return l.policy
}

// withCustomer runs fn as one unit of work while holding the customer's lock,
// retrying when the balance compare-and-swap loses.
func (l *Ledger) withCustomer(ctx context.Context, id CustomerID, op string, fn func(tx Tx) error) error {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = l.repo.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		l.logger.Warn("customer balance changed concurrently, retrying",
			zap.String("op", op),
			zap.Int64("customer_id", int64(id)),
			zap.Int("attempt", attempt))
	}
	return err
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDetails are the bookkeeping fields shared by both payment modes.
type PaymentDetails struct {
	Method         PaymentMethod
	Notes          string
	ReceivedBy     string // user id of the cashier, required
	IdempotencyKey string
}

func (d *PaymentDetails) normalize() error {
	d.ReceivedBy = strings.TrimSpace(d.ReceivedBy)
	if d.ReceivedBy == "" {
		return validationf(CodeMissingIdentity, "received_by is required")
	}
	if d.Method == "" {
		d.Method = MethodCash
	}
	if !d.Method.IsValid() {
		return validationf(CodeInvalidMethod, "unknown payment method %q", d.Method)
	}
	d.Notes = strings.TrimSpace(d.Notes)
	d.IdempotencyKey = strings.TrimSpace(d.IdempotencyKey)
	return nil
}

// GeneralPaymentRequest pays down a customer's debt, oldest invoice first.
type GeneralPaymentRequest struct {
	CustomerID CustomerID
	Amount     decimal.Decimal
	PaymentDetails
}

// TargetedPaymentRequest settles an explicit list of invoices.
type TargetedPaymentRequest struct {
	CustomerID CustomerID
	Amount     decimal.Decimal
	InvoiceIDs []InvoiceID
	Policy     TargetPolicy // empty means the ledger default
	PaymentDetails
}

// PaymentResult reports what a recorded payment did.
type PaymentResult struct {
	PaymentID          PaymentID
	Reference          string
	CustomerID         CustomerID
	Mode               AllocationMode
	Policy             TargetPolicy
	Amount             decimal.Decimal
	Applied            decimal.Decimal
	Unapplied          decimal.Decimal
	PreviousBalance    decimal.Decimal
	NewCustomerBalance decimal.Decimal
	Lines              []AllocationLine
	PaidInvoiceIDs     []InvoiceID
	PaymentDate        time.Time
}

// PayOutstanding records a general payment and spreads it over the
// customer's open invoices, oldest first.
func (l *Ledger) PayOutstanding(ctx context.Context, req GeneralPaymentRequest) (*PaymentResult, error) {
	if err := req.PaymentDetails.normalize(); err != nil {
		return nil, err
	}
	if _, err := checkAmount(req.Amount); err != nil {
		return nil, err
	}

	return l.pay(ctx, req.CustomerID, req.Amount, PaymentTypeCredit, req.PaymentDetails,
		func(ctx context.Context, tx Tx, c Customer) (*AllocationPlan, error) {
			open, err := tx.OpenInvoices(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			return AllocateOldestFirst(c, open, req.Amount)
		})
}

// PayInvoices records a payment against the listed invoices.
func (l *Ledger) PayInvoices(ctx context.Context, req TargetedPaymentRequest) (*PaymentResult, error) {
	if err := req.PaymentDetails.normalize(); err != nil {
		return nil, err
	}
	if len(req.InvoiceIDs) == 0 {
		return nil, validationf(CodeNoInvoices, "at least one invoice id is required")
	}
	if _, err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	policy := req.Policy
	if policy == "" {
		policy = l.policy
	}
	if !policy.IsValid() {
		return nil, validationf(CodeInvalidPolicy, "unknown target policy %q", policy)
	}

	return l.pay(ctx, req.CustomerID, req.Amount, PaymentTypeSpecificSales, req.PaymentDetails,
		func(ctx context.Context, tx Tx, c Customer) (*AllocationPlan, error) {
			found, err := tx.GetInvoices(ctx, req.InvoiceIDs)
			if err != nil {
				return nil, err
			}
			return AllocateTargeted(c, found, req.InvoiceIDs, req.Amount, policy)
		})
}

type planFunc func(ctx context.Context, tx Tx, c Customer) (*AllocationPlan, error)

func (l *Ledger) pay(ctx context.Context, customerID CustomerID, amount decimal.Decimal, typ PaymentType, details PaymentDetails, plan planFunc) (*PaymentResult, error) {
	reference := newPaymentReference(l.clock())
	log := l.logger.With(
		zap.Int64("customer_id", int64(customerID)),
		zap.String("reference", reference),
		zap.String("amount", FormatMoney(amount)),
		zap.String("type", string(typ)))

	var result *PaymentResult
	err := l.withCustomer(ctx, customerID, "payment", func(tx Tx) error {
		result = nil
		now := l.clock()

		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return validationf(CodeCustomerNotFound, "customer %d not found", customerID)
		}

		p, err := plan(ctx, tx, *customer)
		if err != nil {
			return err
		}

		for _, line := range p.Lines {
			if err := tx.UpdateInvoice(ctx, InvoiceUpdate{
				ID:         line.InvoiceID,
				BalanceDue: line.NewBalance,
				Status:     line.NewStatus,
				UpdatedAt:  now,
			}); err != nil {
				return err
			}
		}

		if err := tx.UpdateCustomerBalance(ctx, customer.ID, p.NewCustomerBalance, customer.BalanceVersion); err != nil {
			return err
		}

		paymentID, err := tx.InsertPayment(ctx, Payment{
			Reference:      reference,
			CustomerID:     customer.ID,
			Amount:         p.Amount,
			Method:         details.Method,
			Type:           typ,
			Notes:          details.Notes,
			ReceivedBy:     details.ReceivedBy,
			PaymentDate:    now,
			IdempotencyKey: details.IdempotencyKey,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}

		for _, line := range p.Lines {
			// Zero lines only close an invoice; allocation rows carry money.
			if !line.AmountApplied.IsPositive() {
				continue
			}
			if err := tx.InsertAllocation(ctx, Allocation{
				PaymentID: paymentID,
				InvoiceID: line.InvoiceID,
				Amount:    line.AmountApplied,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		result = &PaymentResult{
			PaymentID:          paymentID,
			Reference:          reference,
			CustomerID:         customer.ID,
			Mode:               p.Mode,
			Policy:             p.Policy,
			Amount:             p.Amount,
			Applied:            p.Applied,
			Unapplied:          p.Unapplied,
			PreviousBalance:    p.PreviousBalance,
			NewCustomerBalance: p.NewCustomerBalance,
			Lines:              p.Lines,
			PaidInvoiceIDs:     p.PaidInvoiceIDs,
			PaymentDate:        now,
		}
		return nil
	})
	if err != nil {
		l.logFailure(log, "payment rejected", err)
		return nil, err
	}

	if result.Unapplied.IsPositive() {
		log.Warn("payment exceeds open invoice balances, customer balance has drifted",
			zap.String("unapplied", FormatMoney(result.Unapplied)))
	}
	log.Info("payment recorded",
		zap.Int64("payment_id", int64(result.PaymentID)),
		zap.String("mode", string(result.Mode)),
		zap.String("new_balance", FormatMoney(result.NewCustomerBalance)),
		zap.Int("invoices_touched", len(result.Lines)),
		zap.Int("invoices_paid", len(result.PaidInvoiceIDs)))
	return result, nil
}

// logFailure logs client errors at Info and everything else at Error.
func (l *Ledger) logFailure(log *zap.Logger, msg string, err error) {
	switch {
	case IsClientError(err), IsConflict(err):
		log.Info(msg, zap.Error(err))
	case errors.Is(err, ErrStorageBusy):
		log.Warn(msg, zap.Error(err))
	default:
		log.Error(msg, zap.Error(err))
	}
}

func newPaymentReference(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("PAY-%s-%s", now.Format("20060102"), id[:10])
}

// =============================================================================
// CUSTOMERS
// =============================================================================

type NewCustomer struct {
	Name        string
	Phone       string
	CreditLimit decimal.Decimal
}

// CreateCustomer registers a customer with a zero balance.
func (l *Ledger) CreateCustomer(ctx context.Context, nc NewCustomer) (*Customer, error) {
	name := strings.TrimSpace(nc.Name)
	if name == "" {
		return nil, validationf(CodeInvalidCustomer, "customer name is required")
	}
	limit := RoundMoney(nc.CreditLimit)
	if limit.IsNegative() {
		return nil, validationf(CodeInvalidCustomer, "credit limit cannot be negative")
	}

	now := l.clock()
	c := Customer{
		Name:           name,
		Phone:          strings.TrimSpace(nc.Phone),
		CreditLimit:    limit,
		CurrentBalance: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := l.repo.WithTx(ctx, func(tx Tx) error {
		id, err := tx.CreateCustomer(ctx, c)
		if err != nil {
			return err
		}
		c.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("customer created", zap.Int64("customer_id", int64(c.ID)))
	return &c, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// NewInvoice describes a sale at the moment it is rung up.
type NewInvoice struct {
	Number     string // generated when empty
	CustomerID *CustomerID
	GrandTotal decimal.Decimal
	AmountPaid decimal.Decimal // paid at the till; the rest goes on credit
}

// RecordInvoice stores a sale. For a registered customer the unpaid part is
// added to their balance in the same unit of work. Walk-in sales are stored
// but never touch a balance.
func (l *Ledger) RecordInvoice(ctx context.Context, ni NewInvoice) (*Invoice, error) {
	total := RoundMoney(ni.GrandTotal)
	paid := RoundMoney(ni.AmountPaid)
	if !total.IsPositive() {
		return nil, validationf(CodeInvalidInvoice, "grand total must be greater than zero")
	}
	if paid.IsNegative() || paid.GreaterThan(total) {
		return nil, validationf(CodeInvalidInvoice, "amount paid must be between 0 and %s", FormatMoney(total))
	}

	balance := RoundMoney(total.Sub(paid))
	status := InvoicePending
	switch {
	case balance.Sign() == 0:
		status = InvoicePaid
	case paid.IsPositive():
		status = InvoicePartial
	}

	now := l.clock()
	number := strings.TrimSpace(ni.Number)
	if number == "" {
		number = "INV-" + now.Format("20060102") + "-" + strings.ToUpper(uuid.NewString()[:8])
	}
	inv := Invoice{
		Number:     number,
		CustomerID: ni.CustomerID,
		GrandTotal: total,
		BalanceDue: decimal.NewNullDecimal(balance),
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	insert := func(tx Tx) error {
		id, err := tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		inv.ID = id
		return nil
	}

	if inv.IsWalkIn() {
		if err := l.repo.WithTx(ctx, insert); err != nil {
			return nil, err
		}
		l.logger.Info("walk-in invoice recorded", zap.Int64("invoice_id", int64(inv.ID)))
		return &inv, nil
	}

	customerID := *inv.CustomerID
	err := l.withCustomer(ctx, customerID, "record_invoice", func(tx Tx) error {
		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return validationf(CodeCustomerNotFound, "customer %d not found", customerID)
		}
		if err := insert(tx); err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return nil
		}
		newBalance := RoundMoney(customer.CurrentBalance.Add(balance))
		return tx.UpdateCustomerBalance(ctx, customerID, newBalance, customer.BalanceVersion)
	})
	if err != nil {
		l.logFailure(l.logger.With(zap.Int64("customer_id", int64(customerID))), "invoice rejected", err)
		return nil, err
	}
	l.logger.Info("credit invoice recorded",
		zap.Int64("customer_id", int64(customerID)),
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.String("balance_due", FormatMoney(balance)))
	return &inv, nil
}

// CancelInvoice voids an invoice no payment has been allocated to. Its
// outstanding amount leaves the customer's balance in the same unit of work.
func (l *Ledger) CancelInvoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	current, err := l.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, validationf(CodeInvoiceNotFound, "invoice %d not found", id)
	}

	var cancelled *Invoice
	cancel := func(tx Tx) (*Invoice, decimal.Decimal, error) {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if inv == nil {
			return nil, decimal.Zero, validationf(CodeInvoiceNotFound, "invoice %d not found", id)
		}
		switch inv.Status {
		case InvoicePaid:
			return nil, decimal.Zero, validationf(CodeInvoiceAlreadyPaid, "invoice %d is already paid", id)
		case InvoiceCancelled:
			return nil, decimal.Zero, validationf(CodeInvoiceCancelled, "invoice %d is already cancelled", id)
		}
		allocated, err := tx.HasAllocations(ctx, id)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if allocated {
			return nil, decimal.Zero, validationf(CodeInvoiceHasPayments, "invoice %d has payments allocated to it", id)
		}

		outstanding := inv.Outstanding()
		now := l.clock()
		if err := tx.UpdateInvoice(ctx, InvoiceUpdate{
			ID:         id,
			BalanceDue: decimal.Zero,
			Status:     InvoiceCancelled,
			UpdatedAt:  now,
		}); err != nil {
			return nil, decimal.Zero, err
		}
		inv.BalanceDue = decimal.NewNullDecimal(decimal.Zero)
		inv.Status = InvoiceCancelled
		inv.UpdatedAt = now
		return inv, outstanding, nil
	}

	if current.IsWalkIn() {
		err = l.repo.WithTx(ctx, func(tx Tx) error {
			inv, _, err := cancel(tx)
			cancelled = inv
			return err
		})
		if err != nil {
			return nil, err
		}
		return cancelled, nil
	}

	customerID := *current.CustomerID
	err = l.withCustomer(ctx, customerID, "cancel_invoice", func(tx Tx) error {
		inv, outstanding, err := cancel(tx)
		if err != nil {
			return err
		}
		if !inv.OwnedBy(customerID) {
			return validationf(CodeInvoiceNotOwned, "invoice %d changed owner", id)
		}
		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return validationf(CodeCustomerNotFound, "customer %d not found", customerID)
		}
		newBalance := RoundMoney(customer.CurrentBalance.Sub(outstanding))
		if newBalance.IsNegative() {
			newBalance = decimal.Zero
		}
		if err := tx.UpdateCustomerBalance(ctx, customerID, newBalance, customer.BalanceVersion); err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	if err != nil {
		l.logFailure(l.logger.With(zap.Int64("invoice_id", int64(id))), "invoice cancellation rejected", err)
		return nil, err
	}
	l.logger.Info("invoice cancelled",
		zap.Int64("customer_id", int64(customerID)),
		zap.Int64("invoice_id", int64(id)))
	return cancelled, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (l *Ledger) Customer(ctx context.Context, id CustomerID) (*Customer, error) {
	c, err := l.repo.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, validationf(CodeCustomerNotFound, "customer %d not found", id)
	}
	return c, nil
}

func (l *Ledger) Invoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	inv, err := l.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, validationf(CodeInvoiceNotFound, "invoice %d not found", id)
	}
	return inv, nil
}

// OpenInvoices lists the customer's pending and partial invoices, oldest first.
func (l *Ledger) OpenInvoices(ctx context.Context, id CustomerID) ([]Invoice, error) {
	if _, err := l.Customer(ctx, id); err != nil {
		return nil, err
	}
	return l.repo.OpenInvoices(ctx, id)
}

// PaymentRecord is a payment with the allocation lines it produced.
type PaymentRecord struct {
	Payment
	Allocations []Allocation
}

type PaymentHistory struct {
	CustomerID CustomerID
	Payments   []PaymentRecord
	Total      int
	Page       Page
}

// PaymentHistory returns the customer's payments, newest first.
func (l *Ledger) PaymentHistory(ctx context.Context, id CustomerID, page Page) (*PaymentHistory, error) {
	list, err := l.ListPayments(ctx, PaymentFilter{CustomerID: &id, Page: page})
	if err != nil {
		return nil, err
	}
	return &PaymentHistory{CustomerID: id, Payments: list.Payments, Total: list.Total, Page: list.Page}, nil
}

// InvoiceList is one page of an invoice listing.
type InvoiceList struct {
	Invoices []Invoice
	Total    int
	Page     Page
}

// PaymentList is one page of a payment listing.
type PaymentList struct {
	Payments []PaymentRecord
	Total    int
	Page     Page
}

// ListCreditInvoices lists credit sales across customers, newest first.
// Without statuses only open (pending, partial) invoices are listed.
func (l *Ledger) ListCreditInvoices(ctx context.Context, f InvoiceFilter) (*InvoiceList, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = []InvoiceStatus{InvoicePending, InvoicePartial}
	}
	for _, st := range f.Statuses {
		if !st.IsValid() {
			return nil, validationf(CodeInvalidFilter, "unknown invoice status %q", st)
		}
	}
	if err := l.checkListing(ctx, f.CustomerID, f.Created); err != nil {
		return nil, err
	}
	f.Page = f.Page.Normalize()
	invoices, total, err := l.repo.ListInvoices(ctx, f)
	if err != nil {
		return nil, err
	}
	return &InvoiceList{Invoices: invoices, Total: total, Page: f.Page}, nil
}

// ListPayments lists payments with their allocations, newest first.
func (l *Ledger) ListPayments(ctx context.Context, f PaymentFilter) (*PaymentList, error) {
	if f.Type != "" && !f.Type.IsValid() {
		return nil, validationf(CodeInvalidFilter, "unknown payment type %q", f.Type)
	}
	if err := l.checkListing(ctx, f.CustomerID, f.Dated); err != nil {
		return nil, err
	}
	f.Page = f.Page.Normalize()
	payments, total, err := l.repo.ListPayments(ctx, f)
	if err != nil {
		return nil, err
	}
	list := &PaymentList{Total: total, Page: f.Page, Payments: make([]PaymentRecord, 0, len(payments))}
	for _, p := range payments {
		allocs, err := l.repo.ListAllocations(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		list.Payments = append(list.Payments, PaymentRecord{Payment: p, Allocations: allocs})
	}
	return list, nil
}

// CreditHistory is a customer's sales of every status and their payments
// over one date range.
type CreditHistory struct {
	Customer Customer
	Invoices *InvoiceList
	Payments *PaymentList
}

// CreditHistory returns the customer's invoices (paid and cancelled included)
// created in the range and the payments dated in it, each newest first. The
// page applies to both lists.
func (l *Ledger) CreditHistory(ctx context.Context, id CustomerID, within DateRange, page Page) (*CreditHistory, error) {
	c, err := l.Customer(ctx, id)
	if err != nil {
		return nil, err
	}
	invoices, err := l.ListCreditInvoices(ctx, InvoiceFilter{
		CustomerID: &id,
		Statuses:   []InvoiceStatus{InvoicePending, InvoicePartial, InvoicePaid, InvoiceCancelled},
		Created:    within,
		Page:       page,
	})
	if err != nil {
		return nil, err
	}
	payments, err := l.ListPayments(ctx, PaymentFilter{CustomerID: &id, Dated: within, Page: page})
	if err != nil {
		return nil, err
	}
	return &CreditHistory{Customer: *c, Invoices: invoices, Payments: payments}, nil
}

func (l *Ledger) checkListing(ctx context.Context, customer *CustomerID, within DateRange) error {
	if !within.From.IsZero() && !within.To.IsZero() && !within.From.Before(within.To) {
		return validationf(CodeInvalidFilter, "date range start must be before its end")
	}
	if customer != nil {
		if _, err := l.Customer(ctx, *customer); err != nil {
			return err
		}
	}
	return nil
}

// CustomersWithCredit lists customers that owe money, largest balance first.
func (l *Ledger) CustomersWithCredit(ctx context.Context) ([]Customer, error) {
	all, err := l.repo.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}
	owing := make([]Customer, 0, len(all))
	for _, c := range all {
		if c.CurrentBalance.IsPositive() {
			owing = append(owing, c)
		}
	}
	sort.SliceStable(owing, func(i, j int) bool {
		if !owing[i].CurrentBalance.Equal(owing[j].CurrentBalance) {
			return owing[i].CurrentBalance.GreaterThan(owing[j].CurrentBalance)
		}
		return owing[i].ID < owing[j].ID
	})
	return owing, nil
}

// CreditSummary is the shop-wide credit dashboard.
type CreditSummary struct {
	AsOf                time.Time
	TotalOutstanding    decimal.Decimal
	CustomersWithCredit int
	OverLimitCustomers  int
	OpenInvoices        int
	OverdueInvoices     int
	OverdueAmount       decimal.Decimal
	TodaysPending       decimal.Decimal // due on pending invoices created on AsOf's day (UTC)
	RecentPayments      decimal.Decimal // received within RecentPaymentsWindow
}

// CreditSummary aggregates balances as of asOf. A zero asOf means now.
func (l *Ledger) CreditSummary(ctx context.Context, asOf time.Time) (*CreditSummary, error) {
	if asOf.IsZero() {
		asOf = l.clock()
	}
	owing, err := l.CustomersWithCredit(ctx)
	if err != nil {
		return nil, err
	}

	s := &CreditSummary{
		AsOf:             asOf,
		TotalOutstanding: decimal.Zero,
		OverdueAmount:    decimal.Zero,
		TodaysPending:    decimal.Zero,
	}
	cutoff := asOf.Add(-OverdueAfter)
	dayStart := asOf.UTC().Truncate(24 * time.Hour)
	today := DateRange{From: dayStart, To: dayStart.Add(24 * time.Hour)}
	for _, c := range owing {
		s.CustomersWithCredit++
		s.TotalOutstanding = s.TotalOutstanding.Add(c.CurrentBalance)
		if c.OverLimit() {
			s.OverLimitCustomers++
		}
		open, err := l.repo.OpenInvoices(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		s.OpenInvoices += len(open)
		for _, inv := range open {
			if inv.CreatedAt.Before(cutoff) {
				s.OverdueInvoices++
				s.OverdueAmount = s.OverdueAmount.Add(inv.Outstanding())
			}
			if inv.Status == InvoicePending && today.Contains(inv.CreatedAt) {
				s.TodaysPending = s.TodaysPending.Add(inv.Outstanding())
			}
		}
	}
	s.TotalOutstanding = RoundMoney(s.TotalOutstanding)
	s.OverdueAmount = RoundMoney(s.OverdueAmount)
	s.TodaysPending = RoundMoney(s.TodaysPending)

	recent, err := l.repo.PaymentsReceivedSince(ctx, asOf.Add(-RecentPaymentsWindow))
	if err != nil {
		return nil, err
	}
	s.RecentPayments = RoundMoney(recent)
	return s, nil
}
