package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec

	// SyncCycles counts finished refresh cycles by dataset and outcome
	SyncCycles *prometheus.CounterVec
	// SyncCycleDuration tracks wall time of a cycle from Checking back to Idle
	SyncCycleDuration *prometheus.HistogramVec
	// UpstreamCalls counts upstream API calls by dataset, call kind and status
	UpstreamCalls *prometheus.CounterVec
	// WindowCallsUsed is the number of calls in the current rolling window
	WindowCallsUsed *prometheus.GaugeVec
	// DailyCallsUsed is the number of calls since UTC midnight
	DailyCallsUsed prometheus.Gauge
	// ItemsFetched counts item fetches by dataset and result
	ItemsFetched *prometheus.CounterVec
	// StoreWrites counts durable store writes by backend and status
	StoreWrites *prometheus.CounterVec
	// DatasetDegraded is 1 while a dataset is only held in memory
	DatasetDegraded *prometheus.GaugeVec
	// DatasetItems is the number of records in each snapshot
	DatasetItems *prometheus.GaugeVec
	// TokenRefreshes counts access token refreshes by status
	TokenRefreshes *prometheus.CounterVec
	// ReconcileDecisions counts reconciliation decisions by dataset and kind
	ReconcileDecisions *prometheus.CounterVec

	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_cycles_total",
				Help:      "Total number of refresh cycles by outcome",
			},
			[]string{"dataset", "outcome"},
		),
		SyncCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_cycle_duration_seconds",
				Help:      "Duration of refresh cycle segments",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"dataset"},
		),
		UpstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "Total number of upstream API calls",
			},
			[]string{"dataset", "call", "status"},
		),
		WindowCallsUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "window_calls_used",
				Help:      "Calls consumed in the current rolling quota window",
			},
			[]string{"window"},
		),
		DailyCallsUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "daily_calls_used",
				Help:      "Calls consumed since UTC midnight",
			},
		),
		ItemsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_fetched_total",
				Help:      "Total number of item fetches by result",
			},
			[]string{"dataset", "result"},
		),
		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_writes_total",
				Help:      "Total number of durable store writes",
			},
			[]string{"backend", "status"},
		),
		DatasetDegraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dataset_degraded",
				Help:      "Whether a dataset is held only in memory (1=degraded)",
			},
			[]string{"dataset"},
		),
		DatasetItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dataset_items",
				Help:      "Number of cached records per dataset",
			},
			[]string{"dataset"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Total number of access token refresh attempts",
			},
			[]string{"status"},
		),
		ReconcileDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_decisions_total",
				Help:      "Total number of reconciliation decisions",
			},
			[]string{"dataset", "decision"},
		),
	}

	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.SyncCycles,
		m.SyncCycleDuration,
		m.UpstreamCalls,
		m.WindowCallsUsed,
		m.DailyCallsUsed,
		m.ItemsFetched,
		m.StoreWrites,
		m.DatasetDegraded,
		m.DatasetItems,
		m.TokenRefreshes,
		m.ReconcileDecisions,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordSyncCycle records a finished cycle
func (m *Metrics) RecordSyncCycle(dataset, outcome string, durationSeconds float64) {
	m.SyncCycles.WithLabelValues(dataset, outcome).Inc()
	m.SyncCycleDuration.WithLabelValues(dataset).Observe(durationSeconds)
}

// RecordUpstreamCall records one upstream API call
func (m *Metrics) RecordUpstreamCall(dataset, call, status string) {
	m.UpstreamCalls.WithLabelValues(dataset, call, status).Inc()
}

// SetWindowUsage publishes quota consumption
func (m *Metrics) SetWindowUsage(windowUsed, dailyUsed int) {
	m.WindowCallsUsed.WithLabelValues("rolling").Set(float64(windowUsed))
	m.DailyCallsUsed.Set(float64(dailyUsed))
}

// RecordItemFetch records the result of fetching one item
func (m *Metrics) RecordItemFetch(dataset, result string) {
	m.ItemsFetched.WithLabelValues(dataset, result).Inc()
}

// RecordStoreWrite records a durable store write
func (m *Metrics) RecordStoreWrite(backend, status string) {
	m.StoreWrites.WithLabelValues(backend, status).Inc()
}

// SetDatasetDegraded sets the degraded flag for a dataset
func (m *Metrics) SetDatasetDegraded(dataset string, degraded bool) {
	value := 0.0
	if degraded {
		value = 1.0
	}
	m.DatasetDegraded.WithLabelValues(dataset).Set(value)
}

// SetDatasetItems sets the cached record count for a dataset
func (m *Metrics) SetDatasetItems(dataset string, count int) {
	m.DatasetItems.WithLabelValues(dataset).Set(float64(count))
}

// RecordTokenRefresh records a token refresh attempt
func (m *Metrics) RecordTokenRefresh(status string) {
	m.TokenRefreshes.WithLabelValues(status).Inc()
}

// RecordReconcileDecision records one reconciliation decision
func (m *Metrics) RecordReconcileDecision(dataset, decision string) {
	m.ReconcileDecisions.WithLabelValues(dataset, decision).Inc()
}
