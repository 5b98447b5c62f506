package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *IngestMetrics
	m.SessionOpened()
	m.SessionClosed()
	m.Message("text", "batch_data")
	m.ProtocolError("protocol_error")
	m.Commit("stream", 1, 0, false, time.Millisecond)
	m.BufferFlush(nil)
	m.BufferRejected()
}

func TestCommitCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngestMetrics(reg)

	m.Commit("stream", 3, 2, false, 10*time.Millisecond)
	m.Commit("stream", 0, 0, true, time.Millisecond)
	m.BufferFlush(errors.New("boom"))

	if got := testutil.ToFloat64(m.ReadingsCommitted.WithLabelValues("stream")); got != 3 {
		t.Fatalf("readings committed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RecordErrorsTotal.WithLabelValues("stream")); got != 2 {
		t.Fatalf("record errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CommitFailuresTotal.WithLabelValues("stream")); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BufferFlushesTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("flush errors = %v, want 1", got)
	}
}
