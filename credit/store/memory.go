// Package store provides an in-memory credit.Repository.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger in maps. WithTx holds the write lock for the
// entire unit of work and restores a snapshot on error, so it behaves like a
// serializable database with a single writer.
type Memory struct {
	mu          sync.RWMutex
	customers   map[credit.CustomerID]credit.Customer
	invoices    map[credit.InvoiceID]credit.Invoice
	payments    []credit.Payment
	allocations []credit.Allocation
	idempotency map[string]credit.PaymentID

	nextCustomer credit.CustomerID
	nextInvoice  credit.InvoiceID
	nextPayment  credit.PaymentID
	nextAlloc    int64

	faults map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		customers:   make(map[credit.CustomerID]credit.Customer),
		invoices:    make(map[credit.InvoiceID]credit.Invoice),
		idempotency: make(map[string]credit.PaymentID),
		faults:      make(map[string]error),
	}
}

var _ credit.Repository = (*Memory)(nil)

// Fail makes every later call of the named Tx operation (for example
// "InsertAllocation") return err. A nil err clears the fault.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

// SetBalance overwrites a stored balance without touching invoices. It exists
// to simulate drift.
func (m *Memory) SetBalance(id credit.CustomerID, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return
	}
	c.CurrentBalance = balance
	m.customers[id] = c
}

// PaymentCount and AllocationCount let tests count stored rows.
func (m *Memory) PaymentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payments)
}

func (m *Memory) AllocationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocations)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(credit.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
		if err != nil {
			m.restore(snap)
		}
	}()

	return fn(&txView{m: m})
}

type memorySnapshot struct {
	customers    map[credit.CustomerID]credit.Customer
	invoices     map[credit.InvoiceID]credit.Invoice
	payments     []credit.Payment
	allocations  []credit.Allocation
	idempotency  map[string]credit.PaymentID
	nextCustomer credit.CustomerID
	nextInvoice  credit.InvoiceID
	nextPayment  credit.PaymentID
	nextAlloc    int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		customers:    make(map[credit.CustomerID]credit.Customer, len(m.customers)),
		invoices:     make(map[credit.InvoiceID]credit.Invoice, len(m.invoices)),
		payments:     append([]credit.Payment{}, m.payments...),
		allocations:  append([]credit.Allocation{}, m.allocations...),
		idempotency:  make(map[string]credit.PaymentID, len(m.idempotency)),
		nextCustomer: m.nextCustomer,
		nextInvoice:  m.nextInvoice,
		nextPayment:  m.nextPayment,
		nextAlloc:    m.nextAlloc,
	}
	for k, v := range m.customers {
		s.customers[k] = v
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.customers = s.customers
	m.invoices = s.invoices
	m.payments = s.payments
	m.allocations = s.allocations
	m.idempotency = s.idempotency
	m.nextCustomer = s.nextCustomer
	m.nextInvoice = s.nextInvoice
	m.nextPayment = s.nextPayment
	m.nextAlloc = s.nextAlloc
}

// =============================================================================
// READS (outside a unit of work)
// =============================================================================

func (m *Memory) GetCustomer(ctx context.Context, id credit.CustomerID) (*credit.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCustomer(id), nil
}

func (m *Memory) ListCustomers(ctx context.Context) ([]credit.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCustomers(), nil
}

func (m *Memory) GetInvoice(ctx context.Context, id credit.InvoiceID) (*credit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoice(id), nil
}

func (m *Memory) GetInvoices(ctx context.Context, ids []credit.InvoiceID) ([]credit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoices(ids), nil
}

func (m *Memory) OpenInvoices(ctx context.Context, id credit.CustomerID) ([]credit.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openInvoices(id), nil
}

func (m *Memory) HasAllocations(ctx context.Context, id credit.InvoiceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasAllocations(id), nil
}

func (m *Memory) ListInvoices(ctx context.Context, f credit.InvoiceFilter) ([]credit.Invoice, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, total := m.listInvoices(f)
	return out, total, nil
}

func (m *Memory) ListPayments(ctx context.Context, f credit.PaymentFilter) ([]credit.Payment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, total := m.listPayments(f)
	return out, total, nil
}

func (m *Memory) ListAllocations(ctx context.Context, id credit.PaymentID) ([]credit.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAllocations(id), nil
}

func (m *Memory) PaymentsReceivedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentsSince(since), nil
}

// =============================================================================
// LOCKED HELPERS (caller holds mu)
// =============================================================================

func (m *Memory) getCustomer(id credit.CustomerID) *credit.Customer {
	c, ok := m.customers[id]
	if !ok {
		return nil
	}
	return &c
}

func (m *Memory) listCustomers() []credit.Customer {
	out := make([]credit.Customer, 0, len(m.customers))
	for _, c := range m.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) getInvoice(id credit.InvoiceID) *credit.Invoice {
	inv, ok := m.invoices[id]
	if !ok {
		return nil
	}
	return &inv
}

func (m *Memory) getInvoices(ids []credit.InvoiceID) []credit.Invoice {
	out := make([]credit.Invoice, 0, len(ids))
	seen := make(map[credit.InvoiceID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if inv, ok := m.invoices[id]; ok {
			out = append(out, inv)
		}
	}
	return out
}

func (m *Memory) openInvoices(id credit.CustomerID) []credit.Invoice {
	var out []credit.Invoice
	for _, inv := range m.invoices {
		if inv.OwnedBy(id) && inv.Status.IsOpen() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) hasAllocations(id credit.InvoiceID) bool {
	for _, a := range m.allocations {
		if a.InvoiceID == id {
			return true
		}
	}
	return false
}

// listInvoices returns newest first.
func (m *Memory) listInvoices(f credit.InvoiceFilter) ([]credit.Invoice, int) {
	all := []credit.Invoice{}
	for _, inv := range m.invoices {
		if f.Matches(inv) {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	return window(all, f.Page)
}

// listPayments returns newest first.
func (m *Memory) listPayments(f credit.PaymentFilter) ([]credit.Payment, int) {
	all := []credit.Payment{}
	for _, p := range m.payments {
		if f.Matches(p) {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].PaymentDate.Equal(all[j].PaymentDate) {
			return all[i].PaymentDate.After(all[j].PaymentDate)
		}
		return all[i].ID > all[j].ID
	})
	return window(all, f.Page)
}

// window cuts one page out of a sorted listing and reports the full count.
func window[T any](all []T, page credit.Page) ([]T, int) {
	page = page.Normalize()
	total := len(all)
	if page.Offset >= total {
		return []T{}, total
	}
	end := min(page.Offset+page.Limit, total)
	return append([]T{}, all[page.Offset:end]...), total
}

func (m *Memory) listAllocations(id credit.PaymentID) []credit.Allocation {
	out := []credit.Allocation{}
	for _, a := range m.allocations {
		if a.PaymentID == id {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) paymentsSince(since time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range m.payments {
		if !p.PaymentDate.Before(since) {
			sum = sum.Add(p.Amount)
		}
	}
	return credit.RoundMoney(sum)
}

// =============================================================================
// TX VIEW
// =============================================================================

type txView struct {
	m *Memory
}

func (tv *txView) fault(op string) error {
	return tv.m.faults[op]
}

func (tv *txView) GetCustomer(ctx context.Context, id credit.CustomerID) (*credit.Customer, error) {
	return tv.m.getCustomer(id), nil
}

func (tv *txView) ListCustomers(ctx context.Context) ([]credit.Customer, error) {
	return tv.m.listCustomers(), nil
}

func (tv *txView) GetInvoice(ctx context.Context, id credit.InvoiceID) (*credit.Invoice, error) {
	return tv.m.getInvoice(id), nil
}

func (tv *txView) GetInvoices(ctx context.Context, ids []credit.InvoiceID) ([]credit.Invoice, error) {
	return tv.m.getInvoices(ids), nil
}

func (tv *txView) OpenInvoices(ctx context.Context, id credit.CustomerID) ([]credit.Invoice, error) {
	return tv.m.openInvoices(id), nil
}

func (tv *txView) HasAllocations(ctx context.Context, id credit.InvoiceID) (bool, error) {
	return tv.m.hasAllocations(id), nil
}

func (tv *txView) ListInvoices(ctx context.Context, f credit.InvoiceFilter) ([]credit.Invoice, int, error) {
	out, total := tv.m.listInvoices(f)
	return out, total, nil
}

func (tv *txView) ListPayments(ctx context.Context, f credit.PaymentFilter) ([]credit.Payment, int, error) {
	out, total := tv.m.listPayments(f)
	return out, total, nil
}

func (tv *txView) ListAllocations(ctx context.Context, id credit.PaymentID) ([]credit.Allocation, error) {
	return tv.m.listAllocations(id), nil
}

func (tv *txView) PaymentsReceivedSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return tv.m.paymentsSince(since), nil
}

func (tv *txView) CreateCustomer(ctx context.Context, c credit.Customer) (credit.CustomerID, error) {
	if err := tv.fault("CreateCustomer"); err != nil {
		return 0, err
	}
	tv.m.nextCustomer++
	c.ID = tv.m.nextCustomer
	c.BalanceVersion = 0
	tv.m.customers[c.ID] = c
	return c.ID, nil
}

func (tv *txView) UpdateCustomerBalance(ctx context.Context, id credit.CustomerID, balance decimal.Decimal, expectedVersion int64) error {
	if err := tv.fault("UpdateCustomerBalance"); err != nil {
		return err
	}
	c, ok := tv.m.customers[id]
	if !ok {
		return credit.ErrConcurrentModification
	}
	if c.BalanceVersion != expectedVersion {
		return credit.ErrConcurrentModification
	}
	c.CurrentBalance = credit.RoundMoney(balance)
	c.BalanceVersion++
	c.UpdatedAt = time.Now().UTC()
	tv.m.customers[id] = c
	return nil
}

func (tv *txView) InsertInvoice(ctx context.Context, inv credit.Invoice) (credit.InvoiceID, error) {
	if err := tv.fault("InsertInvoice"); err != nil {
		return 0, err
	}
	for _, existing := range tv.m.invoices {
		if existing.Number == inv.Number {
			return 0, &credit.StorageError{Op: "insert invoice", Err: errDuplicateNumber}
		}
	}
	tv.m.nextInvoice++
	inv.ID = tv.m.nextInvoice
	tv.m.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (tv *txView) UpdateInvoice(ctx context.Context, u credit.InvoiceUpdate) error {
	if err := tv.fault("UpdateInvoice"); err != nil {
		return err
	}
	inv, ok := tv.m.invoices[u.ID]
	if !ok {
		return &credit.StorageError{Op: "update invoice", Err: errMissingRow}
	}
	if u.BalanceDue.IsNegative() || u.BalanceDue.GreaterThan(inv.GrandTotal) {
		return &credit.StorageError{Op: "update invoice", Err: errBalanceRange}
	}
	inv.BalanceDue = decimal.NewNullDecimal(credit.RoundMoney(u.BalanceDue))
	inv.Status = u.Status
	inv.UpdatedAt = u.UpdatedAt
	tv.m.invoices[u.ID] = inv
	return nil
}

func (tv *txView) InsertPayment(ctx context.Context, p credit.Payment) (credit.PaymentID, error) {
	if err := tv.fault("InsertPayment"); err != nil {
		return 0, err
	}
	if p.IdempotencyKey != "" {
		if _, dup := tv.m.idempotency[p.IdempotencyKey]; dup {
			return 0, credit.ErrDuplicatePayment
		}
	}
	tv.m.nextPayment++
	p.ID = tv.m.nextPayment
	tv.m.payments = append(tv.m.payments, p)
	if p.IdempotencyKey != "" {
		tv.m.idempotency[p.IdempotencyKey] = p.ID
	}
	return p.ID, nil
}

func (tv *txView) InsertAllocation(ctx context.Context, a credit.Allocation) error {
	if err := tv.fault("InsertAllocation"); err != nil {
		return err
	}
	if !a.Amount.IsPositive() {
		return &credit.StorageError{Op: "insert allocation", Err: errNonPositive}
	}
	tv.m.nextAlloc++
	a.ID = tv.m.nextAlloc
	tv.m.allocations = append(tv.m.allocations, a)
	return nil
}
