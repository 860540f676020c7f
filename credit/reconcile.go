/*
reconcile.go - Customer balance drift repair

PURPOSE:
  A customer's current balance is a cache of the outstanding balances of
  their open invoices. Reconcile recomputes that sum and overwrites the
  cached value wherever the two disagree by more than ReconcileTolerance.

GUARANTEES:
  - Invoices, payments and allocations are never written
  - Each customer is checked under its lock, in its own short transaction,
    so a long run never blocks payments for more than one customer at a time
  - Idempotent: a second run over unchanged data corrects nothing

SEE ALSO:
  - api/scheduler.go: Periodic runs
  - ledger.go: The writers whose drift this repairs
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Correction records one overwritten balance.
type Correction struct {
	CustomerID CustomerID
	Previous   decimal.Decimal
	Computed   decimal.Decimal
}

// Difference is Previous - Computed.
func (c Correction) Difference() decimal.Decimal {
	return RoundMoney(c.Previous.Sub(c.Computed))
}

type ReconcileReport struct {
	Checked     int
	Corrected   int
	Corrections []Correction
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Reconcile checks every customer. It stops at the first storage error and
// returns the partial report alongside it.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: l.clock(), Corrections: []Correction{}}

	customers, err := l.repo.ListCustomers(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range customers {
		correction, err := l.ReconcileCustomer(ctx, c.ID)
		if err != nil {
			report.FinishedAt = l.clock()
			return report, err
		}
		report.Checked++
		if correction != nil {
			report.Corrected++
			report.Corrections = append(report.Corrections, *correction)
		}
	}
	report.FinishedAt = l.clock()

	l.logger.Info("reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("corrected", report.Corrected),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// ReconcileCustomer repairs one customer's balance. It returns nil when the
// stored balance was already within tolerance.
func (l *Ledger) ReconcileCustomer(ctx context.Context, id CustomerID) (*Correction, error) {
	var correction *Correction
	err := l.withCustomer(ctx, id, "reconcile", func(tx Tx) error {
		correction = nil

		customer, err := tx.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if customer == nil {
			return validationf(CodeCustomerNotFound, "customer %d not found", id)
		}

		open, err := tx.OpenInvoices(ctx, id)
		if err != nil {
			return err
		}
		computed := decimal.Zero
		for _, inv := range open {
			computed = computed.Add(inv.Outstanding())
		}
		computed = RoundMoney(computed)

		stored := RoundMoney(customer.CurrentBalance)
		if stored.Sub(computed).Abs().LessThanOrEqual(ReconcileTolerance) {
			return nil
		}
		if err := tx.UpdateCustomerBalance(ctx, id, computed, customer.BalanceVersion); err != nil {
			return err
		}
		correction = &Correction{CustomerID: id, Previous: stored, Computed: computed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if correction != nil {
		l.logger.Warn("customer balance corrected",
			zap.Int64("customer_id", int64(id)),
			zap.String("previous", FormatMoney(correction.Previous)),
			zap.String("computed", FormatMoney(correction.Computed)))
	}
	return correction, nil
}
