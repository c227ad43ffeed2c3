// Package api exposes dataset refresh, statistics and health over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/coordinator"
	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/middleware"
	"github.com/trailcache/trailcache/internal/models"
)

// Dataset is the per-dataset surface the API drives. *coordinator.Coordinator
// implements it.
type Dataset interface {
	Dataset() models.Dataset
	CheckAndRefresh(ctx context.Context, trigger models.Trigger) coordinator.Status
	Stats() coordinator.Stats
	Invalidate(ctx context.Context) error
}

var _ Dataset = (*coordinator.Coordinator)(nil)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	datasets    map[models.Dataset]Dataset
	order       []models.Dataset
	store       Pinger
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	now         func() time.Time

	mu         sync.Mutex
	httpServer *http.Server
	stop       chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m on /metrics and records request metrics into it.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStore lets /health check the durable store.
func WithStore(p Pinger) Option {
	return func(s *Server) { s.store = p }
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, datasets []Dataset, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1000
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 100
	}
	if apiCfg.BasePath == "" {
		apiCfg.BasePath = "/api/v1"
	}

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		datasets:    make(map[models.Dataset]Dataset, len(datasets)),
		rateLimiter: newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.logger == nil {
		server.logger = logging.NewLogger()
	}
	if server.metrics == nil {
		server.metrics = metrics.NewMetrics("trailcache")
	}
	server.logger = server.logger.With("component", "api")

	for _, d := range datasets {
		server.datasets[d.Dataset()] = d
		server.order = append(server.order, d.Dataset())
	}

	server.router.HandleMethodNotAllowed = true
	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(server.rateLimiter))
	server.router.Use(metrics.Middleware(server.metrics, server.logger))
	server.router.Use(loggingMiddleware(server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewID()
		}
		c.Header("X-Correlation-ID", correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.DebugWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	// NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group(s.apiConfig.BasePath)
	v1.Use(APIKeyAuth(s.apiConfig.Auth, s.logger))
	{
		v1.GET("/stats", s.handleAllStats)
		v1.GET("/datasets/:dataset/stats", s.handleDatasetStats)
		v1.POST("/datasets/:dataset/refresh",
			middleware.AuditAdminAction(s.logger, "refresh"), s.handleRefresh)
		v1.DELETE("/datasets/:dataset",
			middleware.AuditAdminAction(s.logger, "invalidate"), s.handleInvalidate)
	}
}

// Run listens on the configured address until Shutdown.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	return s.StartWithServer(NewHTTPServer(addr, s.router))
}

// StartWithServer starts the server with a pre-configured http.Server
func (s *Server) StartWithServer(srv *http.Server) error {
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go s.sweepLimiter(10 * time.Minute)

	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return &errors.ErrServerStart{Addr: srv.Addr, Err: err}
	}
	return nil
}

func (s *Server) sweepLimiter(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.rateLimiter.sweep(every)
		}
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return &errors.ErrServerShutdown{Err: err}
	}
	return nil
}

var _ Shutdownable = (*Server)(nil)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Degraded  []string  `json:"degraded,omitempty"`
	Store     string    `json:"store,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Timestamp: s.now().UTC()}
	for _, name := range s.order {
		if s.datasets[name].Stats().Degraded {
			resp.Degraded = append(resp.Degraded, name.String())
		}
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			resp.Store = err.Error()
			resp.Status = "degraded"
		}
	}
	if len(resp.Degraded) > 0 {
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) lookup(c *gin.Context) (Dataset, bool) {
	name := models.Dataset(c.Param("dataset"))
	d, ok := s.datasets[name]
	if !ok {
		_ = c.Error(&errors.ErrUnknownDataset{Name: name.String()})
		abortError(c, http.StatusNotFound, "unknown_dataset", fmt.Sprintf("dataset %q is not configured", name))
		return nil, false
	}
	middleware.SetAuditResource(c, name.String())
	return d, true
}

func (s *Server) handleRefresh(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	st := d.CheckAndRefresh(c.Request.Context(), models.TriggerManual)
	switch st.Outcome {
	case coordinator.OutcomeStarted:
		c.JSON(http.StatusAccepted, st)
	case coordinator.OutcomeFresh, coordinator.OutcomeBusy:
		c.JSON(http.StatusOK, st)
	case coordinator.OutcomeClosed:
		abortError(c, http.StatusServiceUnavailable, "shutting_down", "dataset is shutting down")
	default:
		msg := d.Stats().LastError
		if msg == "" {
			msg = "refresh check failed"
		}
		_ = c.Error(stderrors.New(msg))
		abortError(c, http.StatusInternalServerError, "refresh_failed", msg)
	}
}

func (s *Server) handleDatasetStats(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d.Stats())
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Datasets []coordinator.Stats `json:"datasets"`
}

func (s *Server) handleAllStats(c *gin.Context) {
	resp := StatsResponse{Datasets: make([]coordinator.Stats, 0, len(s.order))}
	for _, name := range s.order {
		resp.Datasets = append(resp.Datasets, s.datasets[name].Stats())
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInvalidate(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}

	err := d.Invalidate(c.Request.Context())
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case stderrors.Is(err, coordinator.ErrBusy):
		_ = c.Error(err)
		abortError(c, http.StatusConflict, "busy", "a refresh cycle is running; retry when it finishes")
	case stderrors.Is(err, coordinator.ErrClosed):
		_ = c.Error(err)
		abortError(c, http.StatusServiceUnavailable, "shutting_down", "dataset is shutting down")
	default:
		_ = c.Error(err)
		abortError(c, http.StatusInternalServerError, "invalidate_failed", err.Error())
	}
}
