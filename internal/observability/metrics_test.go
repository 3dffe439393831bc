package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserveOperation(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveOperation("merge", "ok", 20*time.Millisecond)
	metrics.ObserveOperation("merge", "ok", 10*time.Millisecond)
	metrics.ObserveOperation("push", "unauthorized", time.Millisecond)

	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("merge", "ok")); got != 2 {
		t.Fatalf("expected two merge observations, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.operations.WithLabelValues("push", "unauthorized")); got != 1 {
		t.Fatalf("expected one unauthorized push, got %v", got)
	}
}

func TestMetricsStreamGauge(t *testing.T) {
	metrics := NewMetrics()
	metrics.StreamOpened()
	metrics.StreamOpened()
	metrics.StreamClosed()
	if got := testutil.ToFloat64(metrics.streams); got != 1 {
		t.Fatalf("expected one open stream, got %v", got)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveOperation("pull", "ok", time.Millisecond)
	metrics.StreamOpened()
	metrics.StreamClosed()
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveOperation("pull", "ok", time.Millisecond)

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `vocabloop_sync_operations_total{action="pull",outcome="ok"} 1`) {
		t.Fatalf("counter missing from exposition:\n%s", body)
	}
}
