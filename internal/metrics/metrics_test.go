package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRecordingAndHandler(t *testing.T) {
	m := NewMetrics("test")

	m.RecordRequestLatency("/health", "GET", "200", 0.01)
	m.RecordHTTPRequest("/health", "GET", "200")
	m.IncHTTPRequestsInFlight()
	m.DecHTTPRequestsInFlight()
	m.RecordError("timeout", "/health", "GET")
	m.RecordSyncCycle("activities", "completed", 12.5)
	m.RecordUpstreamCall("activities", "detail", "200")
	m.SetWindowUsage(42, 300)
	m.RecordItemFetch("activities", "ok")
	m.RecordStoreWrite("sqlite", "ok")
	m.SetDatasetDegraded("activities", true)
	m.SetDatasetItems("activities", 80)
	m.RecordTokenRefresh("ok")
	m.RecordReconcileDecision("activities", "photos_retained")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"test_request_latency_seconds",
		"test_sync_cycles_total",
		"test_upstream_calls_total",
		"test_window_calls_used",
		"test_dataset_degraded",
		"test_reconcile_decisions_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected metrics output to contain %s", name)
		}
	}
}

func TestDegradedGaugeToggles(t *testing.T) {
	m := NewMetrics("toggle")

	m.SetDatasetDegraded("donations", true)
	m.SetDatasetDegraded("donations", false)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if v := gaugeValue(families, "toggle_dataset_degraded", "dataset", "donations"); v != 0 {
		t.Fatalf("expected degraded gauge to be reset, got %v", v)
	}
}

func gaugeValue(families []*dto.MetricFamily, name, key, value string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == key && label.GetValue() == value {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
