package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records usage billing, purchase, lock and reconciliation
// activity. A nil receiver or a receiver built without a registerer is a no-op.
type BillingMetrics struct {
	usage         *prometheus.CounterVec
	debited       prometheus.Counter
	credited      *prometheus.CounterVec
	lockWait      prometheus.Histogram
	lockTimeouts  prometheus.Counter
	mismatches    prometheus.Gauge
	reconcileRuns *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	m := &BillingMetrics{
		usage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_billing_requests_total",
			Help: "Usage billing requests by outcome.",
		}, []string{"status"}),
		debited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Credits debited for usage.",
		}),
		credited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_credited_total",
			Help: "Credits granted by source.",
		}, []string{"source"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "account_lock_wait_seconds",
			Help:    "Time spent waiting for a per-user account lock.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "account_lock_timeouts_total",
			Help: "Account lock acquisitions that timed out.",
		}),
		mismatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_reconciliation_mismatches",
			Help: "Accounts whose balance diverged from the ledger in the last audit.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reconciliation_runs_total",
			Help: "Reconciliation audits by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.usage, m.debited, m.credited, m.lockWait, m.lockTimeouts, m.mismatches, m.reconcileRuns)
	return m
}

// ObserveUsage counts one billing request by its outcome status.
func (m *BillingMetrics) ObserveUsage(status string) {
	if m == nil || m.usage == nil {
		return
	}
	m.usage.WithLabelValues(normalizeLabel(status)).Inc()
}

// AddDebited adds debited credits. Amounts arrive as float only for export.
func (m *BillingMetrics) AddDebited(amount float64) {
	if m == nil || m.debited == nil || amount <= 0 {
		return
	}
	m.debited.Add(amount)
}

// AddCredited adds granted credits for a source such as purchase or adjustment.
func (m *BillingMetrics) AddCredited(source string, amount float64) {
	if m == nil || m.credited == nil || amount <= 0 {
		return
	}
	m.credited.WithLabelValues(normalizeLabel(source)).Add(amount)
}

// ObserveLockWait records how long a caller waited for an account lock.
func (m *BillingMetrics) ObserveLockWait(wait time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(wait.Seconds())
}

// IncLockTimeout counts a lock acquisition that gave up.
func (m *BillingMetrics) IncLockTimeout() {
	if m == nil || m.lockTimeouts == nil {
		return
	}
	m.lockTimeouts.Inc()
}

// SetMismatches publishes the mismatch count of the latest audit.
func (m *BillingMetrics) SetMismatches(count int) {
	if m == nil || m.mismatches == nil {
		return
	}
	m.mismatches.Set(float64(count))
}

// IncReconcileRun counts a finished audit.
func (m *BillingMetrics) IncReconcileRun(result string) {
	if m == nil || m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(normalizeLabel(result)).Inc()
}
