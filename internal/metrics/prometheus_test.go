package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordSessionStarted()
	m.RecordSessionStopped(1)
	m.RecordSessionFailed("Internal")
	m.RecordSegment(10)
	m.RecordHTTPRequest("GET", "/health", "200", 0.1)
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStarted()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %f", got)
	}

	m.RecordSessionStopped(12)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("Expected 0 active sessions, got %f", got)
	}
	if got := testutil.ToFloat64(m.SessionsStopped); got != 1 {
		t.Errorf("Expected 1 stopped session, got %f", got)
	}

	m.RecordSessionFailed("HostUnresponsive")
	m.RecordSessionFailed("HostUnresponsive")
	if got := testutil.ToFloat64(m.SessionsFailed.WithLabelValues("HostUnresponsive")); got != 2 {
		t.Errorf("Expected 2 failures, got %f", got)
	}
}
