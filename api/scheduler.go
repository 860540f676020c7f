/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically recomputes every customer balance from open invoices and
  overwrites the ones that drifted. The same job can be triggered by hand
  through POST /api/reconciliation/run or `credit-ledger reconcile`.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Optionally runs once immediately on start
  - A run in progress is cancelled when the scheduler stops
  - Runs never overlap; a tick that lands during a run is skipped

CONFIGURATION:
  - Interval: How often to run (0 disables the scheduler)
  - OnStartup: Whether to run once right away

USAGE:
  scheduler := NewReconciliationScheduler(ledger, metrics, logger)
  scheduler.Interval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual reconciliation)
  - credit/reconcile.go: The reconciliation itself
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-ledger/credit"
)

// ReconciliationScheduler handles automated balance reconciliation.
type ReconciliationScheduler struct {
	Ledger    *credit.Ledger
	Metrics   *Metrics
	Interval  time.Duration
	OnStartup bool

	logger  *zap.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
}

// NewReconciliationScheduler creates a new scheduler. It is disabled until
// Interval is set.
func NewReconciliationScheduler(ledger *credit.Ledger, metrics *Metrics, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Ledger:  ledger,
		Metrics: metrics,
		logger:  logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.Interval))
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		rs.cancel()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("reconciliation scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	if rs.OnStartup {
		rs.tick(ctx)
	}

	for {
		select {
		case <-rs.ticker.C:
			rs.tick(ctx)
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) tick(ctx context.Context) {
	if !rs.running.TryLock() {
		rs.logger.Warn("previous reconciliation still running, skipping tick")
		return
	}
	defer rs.running.Unlock()
	rs.reconcile(ctx, "scheduled")
}

// RunNow runs a reconciliation immediately, waiting for any scheduled run in
// progress to finish first.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*credit.ReconcileReport, error) {
	rs.running.Lock()
	defer rs.running.Unlock()
	return rs.reconcile(ctx, "manual")
}

func (rs *ReconciliationScheduler) reconcile(ctx context.Context, trigger string) (*credit.ReconcileReport, error) {
	start := time.Now()
	report, err := rs.Ledger.Reconcile(ctx)
	if rs.Metrics != nil {
		rs.Metrics.ObserveReconcile(trigger, report, err, time.Since(start))
	}

	rs.lastMu.Lock()
	rs.lastRun = start
	rs.lastMu.Unlock()

	if err != nil {
		rs.logger.Error("reconciliation failed", zap.String("trigger", trigger), zap.Error(err))
		return report, err
	}
	for _, c := range report.Corrections {
		rs.logger.Warn("customer balance corrected",
			zap.Int64("customer_id", int64(c.CustomerID)),
			zap.String("previous", credit.FormatMoney(c.Previous)),
			zap.String("computed", credit.FormatMoney(c.Computed)))
	}
	return report, nil
}

// LastRun returns when the most recent run started; zero if none has.
func (rs *ReconciliationScheduler) LastRun() time.Time {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastRun
}

// GetNextRunTime returns when the next scheduled run will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	last := rs.LastRun()
	if last.IsZero() {
		return time.Now().Add(rs.Interval)
	}
	return last.Add(rs.Interval)
}
