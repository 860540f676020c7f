/*
allocation.go - Payment allocation engine

PURPOSE:
  Decides how a payment is spread over a customer's invoices. Pure: it takes
  a customer snapshot, candidate invoices and an amount, and returns a plan.
  It never touches storage; the Ledger applies the plan inside one transaction.

MODES:
  oldest_first: Waterfall over every open invoice, earliest created first
                (ties broken by id). Rejects amounts above the customer's
                current balance.
  targeted:     An explicit invoice set. Every id must exist, belong to the
                customer and still be open.

TARGET POLICIES (targeted mode only):
  exact:  The amount must equal the selection's outstanding total. Every
          selected invoice ends paid. This is the default.
  up_to:  The amount may be less than the selection total but never more.
          It is spread oldest-first within the selection.

ROUNDING:
  Every intermediate balance is rounded to 2 decimals right after each
  subtraction, so many small invoices cannot accumulate drift.

EXAMPLE:
  Invoices A (day 1, 50.00) and B (day 2, 30.00), payment 60.00:
    A: applied 50.00, balance 0.00, paid
    B: applied 10.00, balance 20.00, partial

SEE ALSO:
  - ledger.go: Loads candidates and persists the plan
*/
package credit

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MODES AND POLICIES
// =============================================================================

type AllocationMode string

const (
	ModeOldestFirst AllocationMode = "oldest_first"
	ModeTargeted    AllocationMode = "targeted"
)

type TargetPolicy string

const (
	TargetExact TargetPolicy = "exact"
	TargetUpTo  TargetPolicy = "up_to"
)

func (p TargetPolicy) IsValid() bool {
	return p == TargetExact || p == TargetUpTo
}

// =============================================================================
// PLAN
// =============================================================================

// AllocationLine is the effect of a payment on one invoice.
type AllocationLine struct {
	InvoiceID       InvoiceID
	PreviousBalance decimal.Decimal
	AmountApplied   decimal.Decimal
	NewBalance      decimal.Decimal
	NewStatus       InvoiceStatus
}

// AllocationPlan is the engine's output. Applying it is the Ledger's job.
//
// INVARIANTS:
//   - sum(Lines.AmountApplied) == Applied
//   - Applied + Unapplied == Amount
//   - NewCustomerBalance == max(0, PreviousBalance - Amount)
type AllocationPlan struct {
	Mode               AllocationMode
	Policy             TargetPolicy // empty in oldest_first mode
	CustomerID         CustomerID
	Amount             decimal.Decimal
	Applied            decimal.Decimal
	Unapplied          decimal.Decimal
	PreviousBalance    decimal.Decimal
	NewCustomerBalance decimal.Decimal
	Lines              []AllocationLine
	PaidInvoiceIDs     []InvoiceID
}

// AllocationRequest bundles the engine inputs.
type AllocationRequest struct {
	Mode       AllocationMode
	Policy     TargetPolicy
	Customer   Customer
	Invoices   []Invoice   // candidates as loaded from the store
	InvoiceIDs []InvoiceID // targeted mode only
	Amount     decimal.Decimal
}

// Allocate dispatches on the request mode.
func Allocate(req AllocationRequest) (*AllocationPlan, error) {
	switch req.Mode {
	case ModeOldestFirst:
		return AllocateOldestFirst(req.Customer, req.Invoices, req.Amount)
	case ModeTargeted:
		policy := req.Policy
		if policy == "" {
			policy = TargetExact
		}
		return AllocateTargeted(req.Customer, req.Invoices, req.InvoiceIDs, req.Amount, policy)
	default:
		return nil, validationf(CodeInvalidAmount, "unknown allocation mode %q", req.Mode)
	}
}

// =============================================================================
// OLDEST-FIRST WATERFALL
// =============================================================================

// AllocateOldestFirst spreads amount over the customer's open invoices,
// earliest first. Invoices that are not open or not owned are ignored.
func AllocateOldestFirst(customer Customer, invoices []Invoice, amount decimal.Decimal) (*AllocationPlan, error) {
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}
	previous := RoundMoney(customer.CurrentBalance)
	if amount.GreaterThan(previous) {
		return nil, validationf(CodeBalanceExceeded,
			"payment amount %s exceeds outstanding balance of %s",
			FormatMoney(amount), FormatMoney(previous))
	}

	candidates := make([]Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.OwnedBy(customer.ID) && inv.Status.IsOpen() {
			candidates = append(candidates, inv)
		}
	}
	sortOldestFirst(candidates)

	plan := newPlan(ModeOldestFirst, "", customer.ID, amount, previous)
	waterfall(plan, candidates)
	return plan, nil
}

// =============================================================================
// TARGETED
// =============================================================================

// AllocateTargeted settles an explicit set of invoices. invoices is whatever
// the store found for ids; anything requested but absent is reported missing.
func AllocateTargeted(customer Customer, invoices []Invoice, ids []InvoiceID, amount decimal.Decimal, policy TargetPolicy) (*AllocationPlan, error) {
	if len(ids) == 0 {
		return nil, validationf(CodeNoInvoices, "at least one invoice id is required")
	}
	if !policy.IsValid() {
		return nil, validationf(CodeInvalidPolicy, "unknown target policy %q", policy)
	}
	amount, err := checkAmount(amount)
	if err != nil {
		return nil, err
	}

	found := make(map[InvoiceID]Invoice, len(invoices))
	for _, inv := range invoices {
		found[inv.ID] = inv
	}

	seen := make(map[InvoiceID]bool, len(ids))
	selected := make([]Invoice, 0, len(ids))
	total := decimal.Zero
	for _, id := range ids {
		if seen[id] {
			return nil, validationf(CodeDuplicateInvoice, "invoice %d requested more than once", id)
		}
		seen[id] = true

		inv, ok := found[id]
		if !ok {
			return nil, validationf(CodeInvoiceNotFound, "invoice %d not found", id)
		}
		if !inv.OwnedBy(customer.ID) {
			return nil, validationf(CodeInvoiceNotOwned, "invoice %d does not belong to customer %d", id, customer.ID)
		}
		switch inv.Status {
		case InvoicePaid:
			return nil, validationf(CodeInvoiceAlreadyPaid, "invoice %d is already paid", id)
		case InvoiceCancelled:
			return nil, validationf(CodeInvoiceCancelled, "invoice %d is cancelled", id)
		}
		selected = append(selected, inv)
		total = RoundMoney(total.Add(inv.Outstanding()))
	}

	switch policy {
	case TargetExact:
		if !amount.Equal(total) {
			return nil, validationf(CodeTargetTotalMismatch,
				"payment amount %s must equal the selected invoices' balance of %s",
				FormatMoney(amount), FormatMoney(total))
		}
	case TargetUpTo:
		if amount.GreaterThan(total) {
			return nil, validationf(CodeTargetTotalExceeded,
				"payment amount %s exceeds the selected invoices' balance of %s",
				FormatMoney(amount), FormatMoney(total))
		}
	}

	previous := RoundMoney(customer.CurrentBalance)
	if amount.GreaterThan(previous) {
		return nil, validationf(CodeBalanceExceeded,
			"payment amount %s exceeds outstanding balance of %s",
			FormatMoney(amount), FormatMoney(previous))
	}

	sortOldestFirst(selected)
	plan := newPlan(ModeTargeted, policy, customer.ID, amount, previous)
	waterfall(plan, selected)
	return plan, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func checkAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := RoundMoney(amount)
	if !rounded.IsPositive() {
		return decimal.Zero, validationf(CodeInvalidAmount, "payment amount must be greater than zero")
	}
	if !rounded.Equal(amount) {
		return decimal.Zero, validationf(CodeInvalidAmount, "payment amount %s has more than %d decimal places", amount, MoneyPlaces)
	}
	return rounded, nil
}

func newPlan(mode AllocationMode, policy TargetPolicy, customerID CustomerID, amount, previous decimal.Decimal) *AllocationPlan {
	newBalance := RoundMoney(previous.Sub(amount))
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}
	return &AllocationPlan{
		Mode:               mode,
		Policy:             policy,
		CustomerID:         customerID,
		Amount:             amount,
		Applied:            decimal.Zero,
		Unapplied:          amount,
		PreviousBalance:    previous,
		NewCustomerBalance: newBalance,
		Lines:              []AllocationLine{},
		PaidInvoiceIDs:     []InvoiceID{},
	}
}

// waterfall walks invoices in order, applying min(remaining, balance) to each.
// An open invoice that already owes nothing gets a zero-amount line that only
// closes it as paid.
func waterfall(plan *AllocationPlan, invoices []Invoice) {
	remaining := plan.Amount
	for _, inv := range invoices {
		balance := inv.Outstanding()
		if balance.Sign() <= 0 {
			plan.Lines = append(plan.Lines, AllocationLine{
				InvoiceID:       inv.ID,
				PreviousBalance: decimal.Zero,
				AmountApplied:   decimal.Zero,
				NewBalance:      decimal.Zero,
				NewStatus:       InvoicePaid,
			})
			plan.PaidInvoiceIDs = append(plan.PaidInvoiceIDs, inv.ID)
			continue
		}
		if remaining.Sign() <= 0 {
			continue
		}

		applied := decimal.Min(remaining, balance)
		newBalance := RoundMoney(balance.Sub(applied))
		if newBalance.IsNegative() {
			newBalance = decimal.Zero
		}
		remaining = RoundMoney(remaining.Sub(applied))

		status := StatusFor(newBalance)
		plan.Lines = append(plan.Lines, AllocationLine{
			InvoiceID:       inv.ID,
			PreviousBalance: balance,
			AmountApplied:   applied,
			NewBalance:      newBalance,
			NewStatus:       status,
		})
		plan.Applied = RoundMoney(plan.Applied.Add(applied))
		if status == InvoicePaid {
			plan.PaidInvoiceIDs = append(plan.PaidInvoiceIDs, inv.ID)
		}
	}
	plan.Unapplied = remaining
}

func sortOldestFirst(invoices []Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		if !invoices[i].CreatedAt.Equal(invoices[j].CreatedAt) {
			return invoices[i].CreatedAt.Before(invoices[j].CreatedAt)
		}
		return invoices[i].ID < invoices[j].ID
	})
}
