package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/credit/store"
)

func driftedLedger(t *testing.T) (*credit.Ledger, *store.Memory, credit.CustomerID) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	ledger := credit.NewLedger(mem, credit.WithLogger(zaptest.NewLogger(t)))

	c, err := ledger.CreateCustomer(ctx, credit.NewCustomer{Name: "Walid"})
	require.NoError(t, err)
	_, err = ledger.RecordInvoice(ctx, credit.NewInvoice{CustomerID: &c.ID, GrandTotal: credit.MustParseMoney("25.00")})
	require.NoError(t, err)
	mem.SetBalance(c.ID, credit.MustParseMoney("30.00"))
	return ledger, mem, c.ID
}

func TestScheduler_DisabledWithoutInterval(t *testing.T) {
	ledger, _, _ := driftedLedger(t)
	rs := NewReconciliationScheduler(ledger, nil, zaptest.NewLogger(t))

	rs.Start()
	rs.Stop()
	assert.True(t, rs.LastRun().IsZero())
}

func TestScheduler_RunsOnStartupAndCorrects(t *testing.T) {
	// GIVEN: A customer whose stored balance drifted from 25.00 to 30.00
	// WHEN: The scheduler starts with OnStartup and a long interval
	// THEN: The startup run corrects the balance and counts the correction

	ledger, _, cid := driftedLedger(t)
	metrics := NewMetrics()
	rs := NewReconciliationScheduler(ledger, metrics, zaptest.NewLogger(t))
	rs.Interval = time.Hour
	rs.OnStartup = true

	rs.Start()
	require.Eventually(t, func() bool { return !rs.LastRun().IsZero() }, 2*time.Second, 10*time.Millisecond)
	rs.Stop()

	c, err := ledger.Customer(context.Background(), cid)
	require.NoError(t, err)
	assert.Equal(t, "25.00", credit.FormatMoney(c.CurrentBalance))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.corrections))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("scheduled", OutcomeSuccess)))
}

func TestScheduler_TicksRepeatedly(t *testing.T) {
	ledger, _, _ := driftedLedger(t)
	metrics := NewMetrics()
	rs := NewReconciliationScheduler(ledger, metrics, zaptest.NewLogger(t))
	rs.Interval = 10 * time.Millisecond

	rs.Start()
	rs.Start() // second Start is a no-op
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("scheduled", OutcomeSuccess)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	rs.Stop()
	rs.Stop()

	// Only the first run had anything to fix.
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.corrections))
	assert.False(t, rs.GetNextRunTime().Before(rs.LastRun()))
}

func TestScheduler_RunNowReportsFailure(t *testing.T) {
	ledger, mem, _ := driftedLedger(t)
	metrics := NewMetrics()
	rs := NewReconciliationScheduler(ledger, metrics, zaptest.NewLogger(t))

	mem.Fail("UpdateCustomerBalance", &credit.StorageError{Op: "update balance", Err: assert.AnError})
	report, err := rs.RunNow(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Corrected)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconcileRuns.WithLabelValues("manual", OutcomeError)))
}

func TestMetrics_BusyRetryCounter(t *testing.T) {
	m := NewMetrics()
	m.BusyRetry(1, time.Millisecond)
	m.BusyRetry(2, 2*time.Millisecond)

	expected := `
# HELP ledger_store_busy_retries_total Units of work retried because the database was busy or locked.
# TYPE ledger_store_busy_retries_total counter
ledger_store_busy_retries_total 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "ledger_store_busy_retries_total"))
}
