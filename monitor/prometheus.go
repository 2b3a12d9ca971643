package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn-coordinator/common"
)

// PromMonitor exposes lifecycle counters and commit latency as
// Prometheus metrics.
type PromMonitor struct {
	started   prometheus.Counter
	finalized *prometheus.CounterVec
	latency   prometheus.Histogram
}

func NewPromMonitor(reg prometheus.Registerer) *PromMonitor {
	m := &PromMonitor{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txn_started_total",
			Help: "Number of transactions begun.",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_finalized_total",
			Help: "Number of transactions finalized, by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txn_commit_duration_seconds",
			Help:    "Time from begin to successful commit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.started, m.finalized, m.latency)
	return m
}

func (m *PromMonitor) RecordStarted(txid, ownerID string, txType common.TxType, participants []string) {
	m.started.Inc()
}

func (m *PromMonitor) RecordCommitted(txid string, elapsed time.Duration) {
	m.finalized.WithLabelValues(string(common.Success)).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *PromMonitor) RecordRolledBack(txid string, elapsed time.Duration, reason string) {
	m.finalized.WithLabelValues(string(common.Rollback)).Inc()
}

func (m *PromMonitor) RecordFailed(txid string, elapsed time.Duration, err error) {
	m.finalized.WithLabelValues(string(common.Failed)).Inc()
}

func (m *PromMonitor) RecordTimeout(txid string, configured, actual time.Duration) {
	m.finalized.WithLabelValues(string(common.Timeout)).Inc()
}
