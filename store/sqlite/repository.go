package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/credit"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. Store runs them on the pool, txStore on
// the open transaction.
type queries struct {
	q querier
}

// timeLayout sorts lexicographically in UTC, which ORDER BY relies on.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts RFC3339 for rows written by other tools.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var rfcErr error
		if t, rfcErr = time.Parse(time.RFC3339Nano, s); rfcErr != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func formatMoney(d decimal.Decimal) string {
	return credit.FormatMoney(credit.RoundMoney(d))
}

func parseMoney(s string) (decimal.Decimal, error) {
	return credit.ParseMoney(s)
}

// columns collects the first parse error across a row's stored text.
type columns struct {
	err error
}

func (c *columns) money(s string) decimal.Decimal {
	d, err := parseMoney(s)
	if err != nil && c.err == nil {
		c.err = err
	}
	return d
}

func (c *columns) timestamp(s string) time.Time {
	t, err := parseTime(s)
	if err != nil && c.err == nil {
		c.err = err
	}
	return t
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, phone, credit_limit, current_balance, balance_version, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (credit.Customer, error) {
	var (
		c                  credit.Customer
		limit, balance     string
		createdAt, updated string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &limit, &balance, &c.BalanceVersion, &createdAt, &updated)
	if err != nil {
		return c, err
	}
	var cols columns
	c.CreditLimit = cols.money(limit)
	c.CurrentBalance = cols.money(balance)
	c.CreatedAt = cols.timestamp(createdAt)
	c.UpdatedAt = cols.timestamp(updated)
	if cols.err != nil {
		return c, fmt.Errorf("customer %d: %w", c.ID, cols.err)
	}
	return c, nil
}

func (r queries) GetCustomer(ctx context.Context, id credit.CustomerID) (*credit.Customer, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get customer", err)
	}
	return &c, nil
}

func (r queries) ListCustomers(ctx context.Context) ([]credit.Customer, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, storageErr("list customers", err)
	}
	defer rows.Close()

	customers := []credit.Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, storageErr("scan customer", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list customers", err)
	}
	return customers, nil
}

func (r queries) CreateCustomer(ctx context.Context, c credit.Customer) (credit.CustomerID, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO customers (name, phone, credit_limit, current_balance, balance_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		c.Name, c.Phone, formatMoney(c.CreditLimit), formatMoney(c.CurrentBalance),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return 0, storageErr("create customer", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("create customer", err)
	}
	return credit.CustomerID(id), nil
}

// UpdateCustomerBalance is a compare-and-swap on balance_version.
func (r queries) UpdateCustomerBalance(ctx context.Context, id credit.CustomerID, balance decimal.Decimal, expectedVersion int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE customers
		SET current_balance = ?, balance_version = balance_version + 1, updated_at = ?
		WHERE id = ? AND balance_version = ?`,
		formatMoney(balance), formatTime(time.Now()), id, expectedVersion,
	)
	if err != nil {
		return storageErr("update customer balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update customer balance", err)
	}
	if n != 1 {
		return credit.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// INVOICES (sales)
// =============================================================================

const invoiceColumns = `id, invoice_number, customer_id, grand_total, balance_due, payment_status, created_at, updated_at`

func scanInvoice(row interface{ Scan(...any) error }) (credit.Invoice, error) {
	var (
		inv                credit.Invoice
		customerID         sql.NullInt64
		total              string
		balanceDue         sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&inv.ID, &inv.Number, &customerID, &total, &balanceDue, &inv.Status, &createdAt, &updated)
	if err != nil {
		return inv, err
	}
	if customerID.Valid {
		id := credit.CustomerID(customerID.Int64)
		inv.CustomerID = &id
	}
	var cols columns
	inv.GrandTotal = cols.money(total)
	if balanceDue.Valid {
		inv.BalanceDue = decimal.NewNullDecimal(cols.money(balanceDue.String))
	}
	inv.CreatedAt = cols.timestamp(createdAt)
	inv.UpdatedAt = cols.timestamp(updated)
	if cols.err != nil {
		return inv, fmt.Errorf("invoice %d: %w", inv.ID, cols.err)
	}
	return inv, nil
}

func (r queries) queryInvoices(ctx context.Context, op, query string, args ...any) ([]credit.Invoice, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	invoices := []credit.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, storageErr("scan invoice", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return invoices, nil
}

func (r queries) GetInvoice(ctx context.Context, id credit.InvoiceID) (*credit.Invoice, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM sales WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get invoice", err)
	}
	return &inv, nil
}

func (r queries) GetInvoices(ctx context.Context, ids []credit.InvoiceID) ([]credit.Invoice, error) {
	if len(ids) == 0 {
		return []credit.Invoice{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryInvoices(ctx, "get invoices",
		`SELECT `+invoiceColumns+` FROM sales WHERE id IN (`+placeholders(len(ids))+`)`, args...)
}

func (r queries) OpenInvoices(ctx context.Context, customerID credit.CustomerID) ([]credit.Invoice, error) {
	return r.queryInvoices(ctx, "open invoices", `
		SELECT `+invoiceColumns+`
		FROM sales
		WHERE customer_id = ? AND payment_status IN ('pending', 'partial')
		ORDER BY created_at ASC, id ASC`, customerID)
}

// ListInvoices returns one page of the matching customer invoices, newest
// first, and the total count.
func (r queries) ListInvoices(ctx context.Context, f credit.InvoiceFilter) ([]credit.Invoice, int, error) {
	var w where
	w.add("customer_id IS NOT NULL")
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		args := make([]any, len(f.Statuses))
		for i, st := range f.Statuses {
			args[i] = string(st)
		}
		w.add("payment_status IN ("+placeholders(len(args))+")", args...)
	}
	w.dateRange("created_at", f.Created)
	page := f.Page.Normalize()

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sales`+w.sql(), w.args...,
	).Scan(&total); err != nil {
		return nil, 0, storageErr("count invoices", err)
	}

	invoices, err := r.queryInvoices(ctx, "list invoices", `
		SELECT `+invoiceColumns+`
		FROM sales`+w.sql()+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, append(w.args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

func (r queries) InsertInvoice(ctx context.Context, inv credit.Invoice) (credit.InvoiceID, error) {
	var customerID sql.NullInt64
	if inv.CustomerID != nil {
		customerID = sql.NullInt64{Int64: int64(*inv.CustomerID), Valid: true}
	}
	var balanceDue sql.NullString
	if inv.BalanceDue.Valid {
		balanceDue = sql.NullString{String: formatMoney(inv.BalanceDue.Decimal), Valid: true}
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO sales (invoice_number, customer_id, grand_total, balance_due, payment_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.Number, customerID, formatMoney(inv.GrandTotal), balanceDue, string(inv.Status),
		formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		return 0, storageErr("insert invoice", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert invoice", err)
	}
	return credit.InvoiceID(id), nil
}

func (r queries) UpdateInvoice(ctx context.Context, u credit.InvoiceUpdate) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE sales SET balance_due = ?, payment_status = ?, updated_at = ?
		WHERE id = ?`,
		formatMoney(u.BalanceDue), string(u.Status), formatTime(u.UpdatedAt), u.ID,
	)
	if err != nil {
		return storageErr("update invoice", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update invoice", err)
	}
	if n != 1 {
		return storageErr("update invoice", fmt.Errorf("invoice %d: %w", u.ID, sql.ErrNoRows))
	}
	return nil
}

func (r queries) HasAllocations(ctx context.Context, invoiceID credit.InvoiceID) (bool, error) {
	var exists int
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sale_payments WHERE sale_id = ?)`, invoiceID,
	).Scan(&exists)
	if err != nil {
		return false, storageErr("check allocations", err)
	}
	return exists == 1, nil
}

// =============================================================================
// PAYMENTS + ALLOCATIONS (insert-only)
// =============================================================================

const paymentColumns = `id, reference, customer_id, amount, payment_method, payment_type, notes, received_by, payment_date, idempotency_key, created_at`

func scanPayment(row interface{ Scan(...any) error }) (credit.Payment, error) {
	var (
		p                      credit.Payment
		amount                 string
		idempotencyKey         sql.NullString
		paymentDate, createdAt string
	)
	err := row.Scan(&p.ID, &p.Reference, &p.CustomerID, &amount, &p.Method, &p.Type,
		&p.Notes, &p.ReceivedBy, &paymentDate, &idempotencyKey, &createdAt)
	if err != nil {
		return p, err
	}
	var cols columns
	p.Amount = cols.money(amount)
	p.PaymentDate = cols.timestamp(paymentDate)
	p.IdempotencyKey = idempotencyKey.String
	p.CreatedAt = cols.timestamp(createdAt)
	if cols.err != nil {
		return p, fmt.Errorf("payment %d: %w", p.ID, cols.err)
	}
	return p, nil
}

// InsertPayment maps a UNIQUE violation to credit.ErrDuplicatePayment; the
// reference is random, so in practice only the idempotency key collides.
func (r queries) InsertPayment(ctx context.Context, p credit.Payment) (credit.PaymentID, error) {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO customer_payments
		(reference, customer_id, amount, payment_method, payment_type, notes, received_by, payment_date, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Reference, p.CustomerID, formatMoney(p.Amount), string(p.Method), string(p.Type),
		p.Notes, p.ReceivedBy, formatTime(p.PaymentDate), nullString(p.IdempotencyKey), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, credit.ErrDuplicatePayment
		}
		return 0, storageErr("insert payment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("insert payment", err)
	}
	return credit.PaymentID(id), nil
}

func (r queries) InsertAllocation(ctx context.Context, a credit.Allocation) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sale_payments (payment_id, sale_id, amount, created_at)
		VALUES (?, ?, ?, ?)`,
		a.PaymentID, a.InvoiceID, formatMoney(a.Amount), formatTime(a.CreatedAt),
	)
	if err != nil {
		return storageErr("insert allocation", err)
	}
	return nil
}

// ListPayments returns one page of the matching payments, newest first, and
// the total count.
func (r queries) ListPayments(ctx context.Context, f credit.PaymentFilter) ([]credit.Payment, int, error) {
	var w where
	if f.CustomerID != nil {
		w.add("customer_id = ?", *f.CustomerID)
	}
	if f.Type != "" {
		w.add("payment_type = ?", string(f.Type))
	}
	w.dateRange("payment_date", f.Dated)
	page := f.Page.Normalize()

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM customer_payments`+w.sql(), w.args...,
	).Scan(&total); err != nil {
		return nil, 0, storageErr("count payments", err)
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM customer_payments`+w.sql()+`
		ORDER BY payment_date DESC, id DESC
		LIMIT ? OFFSET ?`, append(w.args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, storageErr("list payments", err)
	}
	defer rows.Close()

	payments := []credit.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, storageErr("scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list payments", err)
	}
	return payments, total, nil
}

func (r queries) ListAllocations(ctx context.Context, paymentID credit.PaymentID) ([]credit.Allocation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, payment_id, sale_id, amount, created_at
		FROM sale_payments
		WHERE payment_id = ?
		ORDER BY id`, paymentID)
	if err != nil {
		return nil, storageErr("list allocations", err)
	}
	defer rows.Close()

	allocations := []credit.Allocation{}
	for rows.Next() {
		var (
			a                 credit.Allocation
			amount, createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &amount, &createdAt); err != nil {
			return nil, storageErr("scan allocation", err)
		}
		var cols columns
		a.Amount = cols.money(amount)
		a.CreatedAt = cols.timestamp(createdAt)
		if cols.err != nil {
			return nil, storageErr("scan allocation", fmt.Errorf("allocation %d: %w", a.ID, cols.err))
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list allocations", err)
	}
	return allocations, nil
}

// PaymentsReceivedSince sums in Go; SQLite would sum the TEXT amounts as floats.
func (r queries) PaymentsReceivedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT amount FROM customer_payments WHERE payment_date >= ?`, formatTime(since))
	if err != nil {
		return decimal.Zero, storageErr("sum payments", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, storageErr("sum payments", err)
		}
		d, err := parseMoney(amount)
		if err != nil {
			return decimal.Zero, storageErr("sum payments", err)
		}
		sum = sum.Add(d)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, storageErr("sum payments", err)
	}
	return credit.RoundMoney(sum), nil
}

// =============================================================================
// QUERY BUILDING
// =============================================================================

// where accumulates AND-ed conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// dateRange filters column to [From, To). Stored timestamps share one UTC
// layout, so string comparison orders them correctly.
func (w *where) dateRange(column string, r credit.DateRange) {
	if !r.From.IsZero() {
		w.add(column+" >= ?", formatTime(r.From))
	}
	if !r.To.IsZero() {
		w.add(column+" < ?", formatTime(r.To))
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
