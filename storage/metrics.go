package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the storage engine. A nil *Metrics records nothing.
type Metrics struct {
	commits        *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	recovered      prometheus.Counter
	stagedBytes    prometheus.Counter
	commitDuration prometheus.Histogram
}

// NewMetrics creates engine metrics and registers them in reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "commits_total",
			Help:      "File session commits by result.",
		}, []string{"result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "rollbacks_total",
			Help:      "File session rollbacks by result.",
		}, []string{"result"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "write_failures_total",
			Help:      "Failed artifact operations by operation.",
		}, []string{"op"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "recovered_artifacts_total",
			Help:      "Orphaned staging artifacts removed by recovery.",
		}),
		stagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "staged_bytes_total",
			Help:      "Bytes written to staging artifacts.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "monostore",
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Duration of file session commits.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.rollbacks, m.writeFailures, m.recovered, m.stagedBytes, m.commitDuration)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) commit(start time.Time, err error) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result(err)).Inc()
	m.commitDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) rollback(err error) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) writeFailure(op string) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) purged(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) staged(n int) {
	if m == nil {
		return
	}
	m.stagedBytes.Add(float64(n))
}
