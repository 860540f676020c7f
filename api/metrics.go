package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/credit"
)

// Payment outcomes as reported on ledger_payments_total.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeBusy      = "busy"
	OutcomeError     = "error"
)

// Metrics holds the ledger's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	payments          *prometheus.CounterVec
	paymentAmount     *prometheus.HistogramVec
	unapplied         prometheus.Counter
	corrections       prometheus.Counter
	reconcileRuns     *prometheus.CounterVec
	busyRetries       prometheus.Counter
	reconcileDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_payments_total",
			Help: "Payments handled, by allocation mode and outcome.",
		}, []string{"mode", "outcome"}),
		paymentAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_payment_amount",
			Help:    "Amount of recorded payments.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"mode"}),
		unapplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_payment_unapplied_total",
			Help: "Payments that left an unapplied remainder because balances drifted.",
		}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconcile_corrections_total",
			Help: "Customer balances overwritten by reconciliation.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reconcile_runs_total",
			Help: "Reconciliation runs, by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_reconcile_duration_seconds",
			Help:    "Wall time of a full reconciliation run.",
			Buckets: prometheus.DefBuckets,
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_store_busy_retries_total",
			Help: "Units of work retried because the database was busy or locked.",
		}),
	}
	m.registry.MustRegister(
		m.payments,
		m.paymentAmount,
		m.unapplied,
		m.corrections,
		m.reconcileRuns,
		m.reconcileDuration,
		m.busyRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePayment records one payment attempt.
func (m *Metrics) ObservePayment(mode credit.AllocationMode, result *credit.PaymentResult, err error) {
	m.payments.WithLabelValues(string(mode), paymentOutcome(err)).Inc()
	if err != nil || result == nil {
		return
	}
	amount, _ := result.Amount.Float64()
	m.paymentAmount.WithLabelValues(string(mode)).Observe(amount)
	if result.Unapplied.GreaterThan(decimal.Zero) {
		m.unapplied.Inc()
	}
}

// ObserveReconcile records a reconciliation run.
func (m *Metrics) ObserveReconcile(trigger string, report *credit.ReconcileReport, err error, elapsed time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.reconcileRuns.WithLabelValues(trigger, outcome).Inc()
	m.reconcileDuration.Observe(elapsed.Seconds())
	if report != nil {
		m.corrections.Add(float64(report.Corrected))
	}
}

// BusyRetry matches sqlite.Config.OnBusyRetry.
func (m *Metrics) BusyRetry(int, time.Duration) {
	m.busyRetries.Inc()
}

func paymentOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case credit.IsConflict(err):
		return OutcomeDuplicate
	case credit.IsClientError(err):
		return OutcomeRejected
	case errors.Is(err, credit.ErrStorageBusy):
		return OutcomeBusy
	default:
		return OutcomeError
	}
}
