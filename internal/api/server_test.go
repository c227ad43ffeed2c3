package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/coordinator"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
)

type fakeDataset struct {
	name models.Dataset

	mu         sync.Mutex
	outcome    string
	stats      coordinator.Stats
	invalidErr error
	triggers   []models.Trigger
	invalidate int
}

func (f *fakeDataset) Dataset() models.Dataset { return f.name }

func (f *fakeDataset) CheckAndRefresh(_ context.Context, trigger models.Trigger) coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return coordinator.Status{
		Dataset: f.name.String(),
		State:   coordinator.StateSyncing,
		Outcome: f.outcome,
		Trigger: string(trigger),
		CycleID: "cycle-1",
	}
}

func (f *fakeDataset) Stats() coordinator.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats
	st.Dataset = f.name.String()
	return st
}

func (f *fakeDataset) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidate++
	return f.invalidErr
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func setupTestServer(t *testing.T, apiCfg config.APIConfig, opts ...Option) (*Server, *fakeDataset, *fakeDataset) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	activities := &fakeDataset{name: models.DatasetActivities, outcome: coordinator.OutcomeStarted}
	donations := &fakeDataset{name: models.DatasetDonations, outcome: coordinator.OutcomeFresh}

	opts = append([]Option{WithLogger(logging.Nop()), WithMetrics(metrics.NewMetrics("test"))}, opts...)
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", HTTPPort: 0}, apiCfg, []Dataset{activities, donations}, opts...)
	return s, activities, donations
}

func serve(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s, activities, _ := setupTestServer(t, config.APIConfig{})

	w := serve(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Empty(t, body.Degraded)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))

	activities.stats.Degraded = true
	w = serve(s, http.MethodGet, "/health", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, []string{"activities"}, body.Degraded)
}

func TestHandleHealth_StoreUnreachable(t *testing.T) {
	s, _, _ := setupTestServer(t, config.APIConfig{}, WithStore(fakePinger{err: errors.New("connection refused")}))

	w := serve(s, http.MethodGet, "/health", nil)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Store)
}

func TestHandleRefresh(t *testing.T) {
	s, activities, donations := setupTestServer(t, config.APIConfig{})

	w := serve(s, http.MethodPost, "/api/v1/datasets/activities/refresh", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var st coordinator.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, coordinator.OutcomeStarted, st.Outcome)
	assert.Equal(t, coordinator.StateSyncing, st.State)
	assert.Equal(t, []models.Trigger{models.TriggerManual}, activities.triggers)

	w = serve(s, http.MethodPost, "/api/v1/datasets/donations/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, donations.triggers, 1)

	donations.outcome = coordinator.OutcomeBusy
	w = serve(s, http.MethodPost, "/api/v1/datasets/donations/refresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"busy"`)
}

func TestHandleRefresh_Failures(t *testing.T) {
	s, activities, donations := setupTestServer(t, config.APIConfig{})

	activities.outcome = coordinator.OutcomeFailed
	activities.stats.LastError = "snapshot store unreachable"
	w := serve(s, http.MethodPost, "/api/v1/datasets/activities/refresh", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "refresh_failed", body.Error)
	assert.Equal(t, "snapshot store unreachable", body.Message)
	assert.Equal(t, http.StatusInternalServerError, body.Code)

	donations.outcome = coordinator.OutcomeClosed
	w = serve(s, http.MethodPost, "/api/v1/datasets/donations/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(s, http.MethodPost, "/api/v1/datasets/routes/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_dataset")
}

func TestHandleStats(t *testing.T) {
	s, activities, _ := setupTestServer(t, config.APIConfig{})
	activities.stats = coordinator.Stats{
		State:    coordinator.StateSyncingPartial,
		Items:    12,
		Coverage: 0.5,
		LastSync: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
		Window:   coordinator.WindowStats{Used: 48, Limit: 80},
	}

	w := serve(s, http.MethodGet, "/api/v1/datasets/activities/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st coordinator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "activities", st.Dataset)
	assert.Equal(t, coordinator.StateSyncingPartial, st.State)
	assert.Equal(t, 12, st.Items)
	assert.Equal(t, 48, st.Window.Used)

	w = serve(s, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all.Datasets, 2)
	assert.Equal(t, "activities", all.Datasets[0].Dataset)
	assert.Equal(t, "donations", all.Datasets[1].Dataset)
}

func TestHandleInvalidate(t *testing.T) {
	s, activities, donations := setupTestServer(t, config.APIConfig{})

	w := serve(s, http.MethodDelete, "/api/v1/datasets/activities", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, activities.invalidate)

	donations.invalidErr = coordinator.ErrBusy
	w = serve(s, http.MethodDelete, "/api/v1/datasets/donations", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"busy"`)

	donations.invalidErr = errors.New("disk full")
	w = serve(s, http.MethodDelete, "/api/v1/datasets/donations", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRoutesRequireAPIKey(t *testing.T) {
	s, activities, _ := setupTestServer(t, config.APIConfig{
		Auth: config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}},
	})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/metrics", nil).Code)

	w := serve(s, http.MethodPost, "/api/v1/datasets/activities/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, activities.triggers)

	w = serve(s, http.MethodPost, "/api/v1/datasets/activities/refresh", map[string]string{DefaultAPIKeyHeader: "secret"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	s, _, _ := setupTestServer(t, config.APIConfig{})

	serve(s, http.MethodGet, "/api/v1/stats", nil)
	w := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `endpoint="/api/v1/stats"`)
}

func TestCustomBasePath(t *testing.T) {
	s, _, _ := setupTestServer(t, config.APIConfig{BasePath: "/cache"})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/cache/stats", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/api/v1/stats", nil).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _, _ := setupTestServer(t, config.APIConfig{RateLimit: config.RateLimitConfig{RequestsPerMinute: 1, Burst: 2}})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health", nil).Code)

	w := serve(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestIPRateLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(time.Second, 2)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("a")
	assert.True(t, ok)
	ok, _ = l.allow("a")
	assert.True(t, ok)
	ok, wait := l.allow("a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	ok, _ = l.allow("b")
	assert.True(t, ok, "buckets are per IP")

	now = now.Add(1500 * time.Millisecond)
	ok, _ = l.allow("a")
	assert.True(t, ok)

	now = now.Add(time.Hour)
	l.sweep(time.Minute)
	l.mu.Lock()
	assert.Empty(t, l.limits)
	l.mu.Unlock()
}

func TestServerRunAndShutdown(t *testing.T) {
	s, _, _ := setupTestServer(t, config.APIConfig{})

	srv := NewHTTPServer("127.0.0.1:0", s.Router())
	done := make(chan error, 1)
	go func() { done <- s.StartWithServer(srv) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.httpServer != nil
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
	require.NoError(t, s.Shutdown(ctx), "shutdown is idempotent")
}
