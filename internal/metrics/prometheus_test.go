package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusCountersExposed(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.FailsafeCloses.Inc()

	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, "funding_bot_orders_placed_total 2") {
		t.Fatalf("expected orders counter in output:\n%s", body)
	}
	if !strings.Contains(body, "funding_bot_failsafe_closes_total 1") {
		t.Fatalf("expected failsafe counter in output:\n%s", body)
	}
}

func TestNoopMetricsDoNotPanic(t *testing.T) {
	m := NewNoop()
	m.StrategiesStarted.Inc()
	m.FundingCollections.Inc()
}
