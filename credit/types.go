/*
Package credit provides the customer credit ledger and payment allocation engine.

PURPOSE:
  Tracks how much each customer owes across their open invoices and applies
  incoming payments against those invoices. The customer's current balance is
  a derived cache of the invoices' outstanding balances; every mutation keeps
  the two in step, and the reconciliation job repairs any drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal rounded to 2 places after every operation
  - Customer: credit limit (advisory) and current balance (derived cache)
  - Invoice: a sale with grand total, balance due and payment status
  - Payment: immutable record of money received
  - Allocation: audit line linking a payment to an invoice

DESIGN PRINCIPLES:
  1. Precision: all arithmetic is fixed-point to 2 decimals (no float drift)
  2. Immutability: payments and allocations are never updated or deleted
  3. Derived state: current_balance must equal the sum of open balances
  4. Type safety: distinct ID types prevent mixing customers and invoices

USAGE:
  amount := credit.MustParseMoney("120.00")
  plan, err := credit.AllocateOldestFirst(customer, invoices, amount)

SEE ALSO:
  - allocation.go: The allocation engine
  - ledger.go: Transactional orchestration over a Repository
  - reconcile.go: Drift repair
*/
package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point, 2 decimal places
// =============================================================================

// MoneyPlaces is the number of decimal places kept for every amount.
const MoneyPlaces = 2

// ReconcileTolerance is the largest difference between a stored balance and
// the computed one that is still considered consistent.
var ReconcileTolerance = decimal.New(1, -MoneyPlaces)

// RoundMoney rounds to 2 decimal places, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ParseMoney parses a decimal string and rounds it to 2 places.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return RoundMoney(d), nil
}

// MustParseMoney is ParseMoney for constants and tests. It panics on bad input.
func MustParseMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MoneyFromFloat converts a float amount (e.g. from JSON) to money.
func MoneyFromFloat(f float64) decimal.Decimal {
	return RoundMoney(decimal.NewFromFloat(f))
}

// FormatMoney renders an amount with exactly 2 decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID int64
type InvoiceID int64
type PaymentID int64

// =============================================================================
// CUSTOMER
// =============================================================================

// Customer is a registered buyer who may purchase on credit.
//
// INVARIANT: CurrentBalance >= 0 and equals the sum of Outstanding() over the
// customer's pending/partial invoices (within ReconcileTolerance).
type Customer struct {
	ID             CustomerID
	Name           string
	Phone          string
	CreditLimit    decimal.Decimal // advisory only
	CurrentBalance decimal.Decimal
	BalanceVersion int64 // bumped on every balance write; used for compare-and-swap
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AvailableCredit is the headroom under the credit limit. Negative when over.
func (c Customer) AvailableCredit() decimal.Decimal {
	return RoundMoney(c.CreditLimit.Sub(c.CurrentBalance))
}

// OverLimit reports whether the balance exceeds a non-zero credit limit.
func (c Customer) OverLimit() bool {
	return c.CreditLimit.IsPositive() && c.CurrentBalance.GreaterThan(c.CreditLimit)
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// IsOpen reports whether the invoice still carries debt.
func (s InvoiceStatus) IsOpen() bool {
	return s == InvoicePending || s == InvoicePartial
}

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoicePending, InvoicePartial, InvoicePaid, InvoiceCancelled:
		return true
	}
	return false
}

// Invoice is a sale. Walk-in sales have no customer and never enter the ledger.
//
// INVARIANT: 0 <= BalanceDue <= GrandTotal. GrandTotal never changes.
type Invoice struct {
	ID         InvoiceID
	Number     string
	CustomerID *CustomerID
	GrandTotal decimal.Decimal
	BalanceDue decimal.NullDecimal // NULL on legacy rows; treated as GrandTotal
	Status     InvoiceStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Outstanding returns the amount still owed on the invoice.
func (inv Invoice) Outstanding() decimal.Decimal {
	if inv.BalanceDue.Valid {
		return RoundMoney(inv.BalanceDue.Decimal)
	}
	return RoundMoney(inv.GrandTotal)
}

// OwnedBy reports whether the invoice belongs to the given customer.
func (inv Invoice) OwnedBy(id CustomerID) bool {
	return inv.CustomerID != nil && *inv.CustomerID == id
}

// IsWalkIn reports whether the invoice is a cash sale without a customer.
func (inv Invoice) IsWalkIn() bool {
	return inv.CustomerID == nil
}

// StatusFor derives the payment status for a remaining balance.
func StatusFor(balance decimal.Decimal) InvoiceStatus {
	if balance.Sign() <= 0 {
		return InvoicePaid
	}
	return InvoicePartial
}

// =============================================================================
// PAYMENT + ALLOCATION
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodCheque       PaymentMethod = "cheque"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileWallet PaymentMethod = "mobile_wallet"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCash, MethodCard, MethodCheque, MethodBankTransfer, MethodMobileWallet:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentTypeCredit        PaymentType = "credit_payment"
	PaymentTypeSpecificSales PaymentType = "specific_sales_payment"
)

func (t PaymentType) IsValid() bool {
	return t == PaymentTypeCredit || t == PaymentTypeSpecificSales
}

// Payment is an immutable record of money received from a customer.
type Payment struct {
	ID             PaymentID
	Reference      string
	CustomerID     CustomerID
	Amount         decimal.Decimal
	Method         PaymentMethod
	Type           PaymentType
	Notes          string
	ReceivedBy     string
	PaymentDate    time.Time
	IdempotencyKey string
	CreatedAt      time.Time
}

// Allocation links part of a payment to one invoice. Additive-only.
type Allocation struct {
	ID        int64
	PaymentID PaymentID
	InvoiceID InvoiceID
	Amount    decimal.Decimal
	CreatedAt time.Time
}
