package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSendMetricsExistAndIncrement(t *testing.T) {
	lbl := "test-transport"

	SendSuccess.WithLabelValues(lbl).Inc()
	if v := testutil.ToFloat64(SendSuccess.WithLabelValues(lbl)); v < 1 {
		t.Fatalf("expected SendSuccess >= 1, got %v", v)
	}

	SendFailure.WithLabelValues(lbl, "AUTH_FAILED").Add(2)
	if v := testutil.ToFloat64(SendFailure.WithLabelValues(lbl, "AUTH_FAILED")); v < 2 {
		t.Fatalf("expected SendFailure >= 2, got %v", v)
	}

	SendRetries.WithLabelValues(lbl).Inc()
	if v := testutil.ToFloat64(SendRetries.WithLabelValues(lbl)); v < 1 {
		t.Fatalf("expected SendRetries >= 1, got %v", v)
	}
}

func TestBreakerStateGauge(t *testing.T) {
	BreakerState.WithLabelValues("someone@example.com").Set(1)
	if v := testutil.ToFloat64(BreakerState.WithLabelValues("someone@example.com")); v != 1 {
		t.Fatalf("expected breaker state 1, got %v", v)
	}
	BreakerState.DeleteLabelValues("someone@example.com")
}

func TestListenerMetrics(t *testing.T) {
	ListenerReconnects.WithLabelValues("gave_up").Inc()
	if v := testutil.ToFloat64(ListenerReconnects.WithLabelValues("gave_up")); v < 1 {
		t.Fatalf("expected gave_up >= 1, got %v", v)
	}
}

func TestMetricsHandlerExposesCourierMetrics(t *testing.T) {
	CampaignsStarted.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "courier_campaigns_started_total") {
		t.Fatalf("expected courier_campaigns_started_total in output")
	}
}
