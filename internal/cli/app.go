package cli

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/trailcache/trailcache/internal/alerts"
	"github.com/trailcache/trailcache/internal/auth"
	"github.com/trailcache/trailcache/internal/config"
	"github.com/trailcache/trailcache/internal/coordinator"
	"github.com/trailcache/trailcache/internal/credentials"
	"github.com/trailcache/trailcache/internal/database"
	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
	"github.com/trailcache/trailcache/internal/scheduler"
	"github.com/trailcache/trailcache/internal/staleness"
	"github.com/trailcache/trailcache/internal/store"
	"github.com/trailcache/trailcache/internal/upstream"
)

// defaultInterval applies to datasets without a configured interval.
const defaultInterval = 24 * time.Hour

// app is the wired sync engine shared by serve and the one-shot commands.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	store  *store.HybridStore
	creds  credentials.Store
	credDB *sql.DB
	auth   *auth.Manager
	window *scheduler.Window
	policy *staleness.Policy
	alerts *alerts.Service

	coords []*coordinator.Coordinator
}

type appOptions struct {
	alerts bool
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyDBPath(cfg, globalFlags.DBPath)
	return loader, cfg, nil
}

// applyDBPath points every SQLite consumer at the --db path.
func applyDBPath(cfg *config.Config, path string) {
	if path == "" {
		return
	}
	if cfg.Store.Backend == "sqlite" || cfg.Store.Backend == "" {
		cfg.Store.SQLitePath = path
	}
	if cfg.Credentials.Backend == "sqlite" {
		cfg.Credentials.Path = path
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(logging.WithLevel(level), logging.WithService("trailcache"))
}

func openCredentials(ctx context.Context, cfg config.CredentialsConfig, logger *logging.Logger) (credentials.Store, *sql.DB, error) {
	switch cfg.Backend {
	case "memory":
		return credentials.NewMemoryStore(nil), nil, nil
	case "file":
		return credentials.NewFileStore(cfg.Path), nil, nil
	case "sqlite", "":
		db, err := database.OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return credentials.NewSQLiteStore(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}

func newAuthManager(cfg *config.Config, creds credentials.Store, logger *logging.Logger, m *metrics.Metrics) *auth.Manager {
	return auth.NewManager(creds, auth.Options{
		TokenURL:      cfg.Upstream.TokenURL,
		ClientID:      cfg.Upstream.ClientID,
		ClientSecret:  cfg.Upstream.ClientSecret,
		RefreshBuffer: cfg.Upstream.RefreshBuffer,
		CallTimeout:   cfg.Upstream.CallTimeout,
		Logger:        logger,
		Metrics:       m,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics("trailcache"),
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	if opts.alerts {
		a.alerts = newAlerts(cfg.Alerts, cfg.Server.ShutdownTimeout, logger)
	}

	backend, err := store.OpenBackend(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	a.store = store.NewHybridStore(backend, store.Options{
		RetryAttempts: cfg.Store.RetryAttempts,
		RetryBackoff:  cfg.Store.RetryBackoff,
		FlushInterval: cfg.Store.FlushInterval,
		OpTimeout:     cfg.Store.OpTimeout,
		Logger:        logger,
		Metrics:       a.metrics,
		OnDegraded: func(d models.Dataset, err error) {
			if a.alerts != nil {
				a.alerts.DatasetDegraded(d, err)
			}
		},
		OnRecovered: func(d models.Dataset) {
			if a.alerts != nil {
				a.alerts.DatasetRecovered(d)
			}
		},
	})
	a.store.Start()

	a.creds, a.credDB, err = openCredentials(ctx, cfg.Credentials, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}
	a.auth = newAuthManager(cfg, a.creds, logger, a.metrics)

	client := upstream.New(cfg.Upstream, cfg.Datasets, a.auth,
		upstream.WithLogger(logger),
		upstream.WithMetrics(a.metrics),
	)
	a.window = scheduler.NewWindow(scheduler.WindowConfig{
		MaxCalls: cfg.Upstream.MaxCallsPerWindow,
		Size:     cfg.Upstream.Window,
		DailyCap: cfg.Upstream.DailyCap,
	})
	sched := scheduler.New(a.window, client, scheduler.Options{
		Concurrency:      cfg.Upstream.Concurrency,
		FailureThreshold: cfg.Upstream.FailureThreshold,
		FailureCooldown:  cfg.Upstream.FailureCooldown,
		Logger:           logger,
		Metrics:          a.metrics,
	})

	intervals := make(map[models.Dataset]time.Duration, len(cfg.Datasets))
	for _, ds := range cfg.Datasets {
		intervals[models.Dataset(ds.Name)] = ds.Interval
	}
	a.policy = staleness.NewPolicy(intervals, defaultInterval)

	for _, ds := range cfg.Datasets {
		a.coords = append(a.coords, coordinator.New(a.store, sched, a.policy, coordinator.Options{
			Dataset:      models.Dataset(ds.Name),
			CallsPerItem: ds.CallsPerItem,
			Logger:       logger,
			Metrics:      a.metrics,
			OnCycleEnd: func(d models.Dataset, outcome string, err error) {
				if a.alerts != nil {
					a.alerts.CycleFinished(d, outcome, err)
				}
			},
		}))
	}
	return a, nil
}

// newAlerts returns nil when Telegram alerts are off or the bot cannot be
// reached; the engine runs without them.
func newAlerts(cfg config.AlertsConfig, shutdownTimeout time.Duration, logger *logging.Logger) *alerts.Service {
	if !cfg.Enabled || !cfg.Telegram.Enabled {
		return nil
	}
	sender, err := alerts.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, "")
	if err != nil {
		logger.Warn("telegram alerts disabled", "error", err)
		return nil
	}
	svc := alerts.NewService(alerts.Config{
		Enabled:            true,
		Debounce:           cfg.Debounce,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		ShutdownTimeout:    shutdownTimeout,
	}, sender, alerts.WithLogger(logger))
	svc.Start()
	return svc
}

func (a *app) coordinator(name string) (*coordinator.Coordinator, error) {
	for _, c := range a.coords {
		if c.Dataset().String() == name {
			return c, nil
		}
	}
	return nil, &errors.ErrUnknownDataset{Name: name}
}

// selected returns the named coordinator, or all of them when name is empty.
func (a *app) selected(name string) ([]*coordinator.Coordinator, error) {
	if name == "" {
		return a.coords, nil
	}
	c, err := a.coordinator(name)
	if err != nil {
		return nil, err
	}
	return []*coordinator.Coordinator{c}, nil
}

// reloadable applies the fields that can change without a restart.
func (a *app) reloadable(next *config.Config) {
	a.logger.SetLevel(logging.ParseLevel(next.Server.LogLevel))
	for _, ds := range next.Datasets {
		a.policy.SetInterval(models.Dataset(ds.Name), ds.Interval)
	}
	a.logger.Info("configuration reloaded", "log_level", next.Server.LogLevel, "datasets", len(next.Datasets))
}

// Shutdown stops every coordinator, letting running cycles persist their
// progress, then closes the stores.
func (a *app) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		for _, c := range a.coords {
			c.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("coordinators did not stop in time", "error", ctx.Err())
	}

	var errs []error
	if a.alerts != nil {
		if err := a.alerts.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if a.credDB != nil {
		if err := a.credDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("credentials close: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
