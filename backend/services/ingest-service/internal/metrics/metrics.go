package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ingest"

// IngestMetrics contains Prometheus metrics for the ingestion service.
// A nil *IngestMetrics is valid and records nothing.
type IngestMetrics struct {
	SessionsActive      prometheus.Gauge
	MessagesTotal       *prometheus.CounterVec
	ProtocolErrorsTotal *prometheus.CounterVec
	ReadingsCommitted   *prometheus.CounterVec
	RecordErrorsTotal   *prometheus.CounterVec
	CommitFailuresTotal *prometheus.CounterVec
	CommitDuration      *prometheus.HistogramVec
	BufferFlushesTotal  *prometheus.CounterVec
	BufferRejectedTotal prometheus.Counter
}

// NewIngestMetrics creates the metrics and registers them with reg.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Number of open streaming sessions",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Total number of inbound streaming messages",
		}, []string{"kind", "type"}), // kind: text, binary
		ProtocolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "protocol_errors_total",
			Help:      "Total number of rejected streaming messages",
		}, []string{"code"}),
		ReadingsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "readings_total",
			Help:      "Total number of readings written to the store",
		}, []string{"source"}),
		RecordErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "record_errors_total",
			Help:      "Total number of records rejected during validation",
		}, []string{"source"}),
		CommitFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "failures_total",
			Help:      "Total number of batches the store rejected",
		}, []string{"source"}),
		CommitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Duration of batch commits",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		BufferFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "flushes_total",
			Help:      "Total number of buffer flushes",
		}, []string{"status"}), // status: success, error
		BufferRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "rejected_total",
			Help:      "Total number of readings rejected by a full buffer",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.MessagesTotal,
			m.ProtocolErrorsTotal,
			m.ReadingsCommitted,
			m.RecordErrorsTotal,
			m.CommitFailuresTotal,
			m.CommitDuration,
			m.BufferFlushesTotal,
			m.BufferRejectedTotal,
		)
	}
	return m
}

func (m *IngestMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *IngestMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *IngestMetrics) Message(kind, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind, msgType).Inc()
}

func (m *IngestMetrics) ProtocolError(code string) {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.WithLabelValues(code).Inc()
}

// Commit records the outcome of one batch commit.
func (m *IngestMetrics) Commit(source string, stored, recordErrors int, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if recordErrors > 0 {
		m.RecordErrorsTotal.WithLabelValues(source).Add(float64(recordErrors))
	}
	if failed {
		m.CommitFailuresTotal.WithLabelValues(source).Inc()
		return
	}
	m.ReadingsCommitted.WithLabelValues(source).Add(float64(stored))
}

func (m *IngestMetrics) BufferFlush(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BufferFlushesTotal.WithLabelValues(status).Inc()
}

func (m *IngestMetrics) BufferRejected() {
	if m == nil {
		return
	}
	m.BufferRejectedTotal.Inc()
}
