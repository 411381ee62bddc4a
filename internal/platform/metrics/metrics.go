package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
type Metrics struct {
	RecordsIngested      *prometheus.CounterVec
	VaultOperations      *prometheus.CounterVec
	TransactionsScored   *prometheus.CounterVec
	BucketsApplied       prometheus.Counter
	BucketsRejected      prometheus.Counter
	BucketsClosed        prometheus.Counter
	AuditEntries         *prometheus.CounterVec
	AuditPersistFailures prometheus.Counter
	AuditForwardFailures prometheus.Counter
	StageDuration        *prometheus.HistogramVec
}

// New creates and registers all engine metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carfengine_records_ingested_total",
			Help: "Raw transaction records seen by the normalizer, by outcome",
		}, []string{"outcome"}),
		VaultOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carfengine_vault_operations_total",
			Help: "Identity vault operations, by operation and outcome",
		}, []string{"op", "outcome"}),
		TransactionsScored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carfengine_transactions_scored_total",
			Help: "Transactions scored against the CARF rule set, by tier",
		}, []string{"tier"}),
		BucketsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "carfengine_bucket_applies_total",
			Help: "Transactions folded into aggregation buckets",
		}),
		BucketsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "carfengine_bucket_rejections_total",
			Help: "Late transactions rejected by closed buckets",
		}),
		BucketsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "carfengine_buckets_closed_total",
			Help: "Aggregation buckets frozen at period close",
		}),
		AuditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carfengine_audit_entries_total",
			Help: "Audit log entries appended, by kind",
		}, []string{"kind"}),
		AuditPersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carfengine_audit_persist_failures_total",
			Help: "Audit log appends that failed to persist (fatal)",
		}),
		AuditForwardFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carfengine_audit_forward_failures_total",
			Help: "Audit entries that could not be forwarded to the external sink",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carfengine_stage_duration_seconds",
			Help:    "Latency of pipeline stages",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"stage"}),
	}
}

func (m *Metrics) IncRecordsIngested(outcome string) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncVaultOp(op, outcome string) {
	if m == nil {
		return
	}
	m.VaultOperations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncScored(tier string) {
	if m == nil {
		return
	}
	m.TransactionsScored.WithLabelValues(tier).Inc()
}

func (m *Metrics) IncBucketsApplied() {
	if m == nil {
		return
	}
	m.BucketsApplied.Inc()
}

func (m *Metrics) IncBucketsRejected() {
	if m == nil {
		return
	}
	m.BucketsRejected.Inc()
}

func (m *Metrics) AddBucketsClosed(n int) {
	if m == nil {
		return
	}
	m.BucketsClosed.Add(float64(n))
}

func (m *Metrics) IncAuditEntries(kind string) {
	if m == nil {
		return
	}
	m.AuditEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncAuditPersistFailures() {
	if m == nil {
		return
	}
	m.AuditPersistFailures.Inc()
}

func (m *Metrics) IncAuditForwardFailures() {
	if m == nil {
		return
	}
	m.AuditForwardFailures.Inc()
}

func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}
