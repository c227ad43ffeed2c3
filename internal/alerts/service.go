// Package alerts notifies operators when a dataset degrades, recovers or
// stops syncing.
package alerts

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/models"
)

// ErrThrottled is returned by Notify when the per-minute budget is spent.
var ErrThrottled = stderrors.New("alert rate limit exceeded")

// Sender delivers a rendered alert.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config represents alert service configuration
type Config struct {
	Enabled            bool
	Debounce           time.Duration
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration
	SendTimeout        time.Duration
}

// Service queues alerts and delivers them from a single worker.
type Service struct {
	config    Config
	sender    Sender
	logger    *logging.Logger
	now       func() time.Time
	dedup     *DedupStore
	throttler *Throttler

	alertChan chan Alert

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption is a functional option for Service
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for dedup and throttling.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new alert service
func NewService(config Config, sender Sender, opts ...ServiceOption) *Service {
	if config.Debounce <= 0 {
		config.Debounce = 30 * time.Minute
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}

	s := &Service{
		config:    config,
		sender:    sender,
		now:       time.Now,
		alertChan: make(chan Alert, 100),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger()
	}
	s.logger = s.logger.With("component", "alerts")
	s.dedup = NewDedupStore(config.Debounce, s.now)
	s.throttler = NewThrottler(config.RateLimitPerMinute, s.now)
	return s
}

// Start starts the delivery worker.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.processAlerts()
}

// Stop delivers what is already queued and stops the worker.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.alertChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.cancel()
		return fmt.Errorf("timeout waiting for alert service to stop")
	}
}

// Notify queues alert unless an identical one was sent within the debounce
// window.
func (s *Service) Notify(alert Alert) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return fmt.Errorf("alert service is not running")
	}

	key := alert.AlertKey()
	if s.dedup.IsDuplicate(key) {
		return nil
	}
	if !s.throttler.Allow() {
		s.logger.Warn("alert dropped by rate limit",
			"dataset", alert.Dataset.String(),
			"type", string(alert.Type),
			"retry_after", s.throttler.RetryAfter().String(),
		)
		return ErrThrottled
	}

	if alert.ID == "" {
		alert.ID = logging.NewID()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now()
	}

	select {
	case s.alertChan <- alert:
		s.dedup.Record(key)
		return nil
	default:
		return fmt.Errorf("alert channel is full")
	}
}

// DatasetDegraded reports that dataset is served from memory only.
func (s *Service) DatasetDegraded(dataset models.Dataset, err error) {
	s.dedup.Forget(alertKey(dataset, AlertTypeRecovered))
	s.notify(Alert{
		Dataset:  dataset,
		Type:     AlertTypeDegraded,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("snapshot store unreachable, serving %s from memory: %v", dataset, err),
	})
}

// DatasetRecovered reports that a degraded dataset is durable again.
func (s *Service) DatasetRecovered(dataset models.Dataset) {
	s.dedup.Forget(alertKey(dataset, AlertTypeDegraded))
	s.notify(Alert{
		Dataset:  dataset,
		Type:     AlertTypeRecovered,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("snapshot store reachable again, %s is durable", dataset),
	})
}

// CycleFinished alerts on cycles that ended on an auth or hard failure.
func (s *Service) CycleFinished(dataset models.Dataset, outcome string, err error) {
	switch outcome {
	case "auth_failed":
		s.notify(Alert{
			Dataset:  dataset,
			Type:     AlertTypeAuth,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%s sync stopped: %v. Re-import credentials with `trailcache auth import`.", dataset, err),
		})
	case "failed":
		s.notify(Alert{
			Dataset:  dataset,
			Type:     AlertTypeSyncFailed,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s sync failed: %v", dataset, err),
		})
	case "synced":
		s.dedup.Forget(alertKey(dataset, AlertTypeAuth))
		s.dedup.Forget(alertKey(dataset, AlertTypeSyncFailed))
	}
}

func (s *Service) notify(alert Alert) {
	if err := s.Notify(alert); err != nil && !stderrors.Is(err, ErrThrottled) {
		s.logger.Warn("alert not queued", "dataset", alert.Dataset.String(), "type", string(alert.Type), "error", err)
	}
}

func (s *Service) processAlerts() {
	defer s.wg.Done()

	for alert := range s.alertChan {
		s.sendAlert(alert)
	}
}

func (s *Service) sendAlert(alert Alert) {
	if s.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.config.SendTimeout)
	defer cancel()

	if err := s.sender.Send(ctx, FormatAlert(alert)); err != nil {
		s.logger.Error("alert delivery failed",
			"dataset", alert.Dataset.String(),
			"type", string(alert.Type),
			"error", err,
		)
	}
}

// FormatAlert renders alert as Telegram HTML.
func FormatAlert(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Severity {
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityCritical:
		emoji = "🔴"
	}
	return fmt.Sprintf("%s <b>trailcache %s</b>\n\n%s\n\n🕒 %s",
		emoji,
		htmlEscape(string(alert.Type)),
		htmlEscape(alert.Message),
		alert.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"),
	)
}
