package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailcache/trailcache/internal/api"
	"github.com/trailcache/trailcache/internal/models"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "run"},
	Short:   "Start the API server and auto-refresh loops",
	Long: `Start trailcache in server mode.

Every configured dataset gets a refresh coordinator. Datasets with
auto_refresh run a staleness check every check_interval; the others are
synced at startup only when their cache is empty. The HTTP API exposes
manual refresh, statistics, health and Prometheus metrics.

Example:
  trailcache serve --config config.yaml --db ./data/trailcache.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("TRAILCACHE_SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (overrides config)")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}

	logger := newLogger(cfg)
	ctx, stop := api.SignalContext(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{alerts: true})
	if err != nil {
		return err
	}
	logger.Info("trailcache starting",
		"version", GetVersionInfo().Version,
		"config", loader.Path(),
		"store", a.store.BackendName(),
		"credentials", cfg.Credentials.Backend,
		"datasets", len(a.coords),
	)

	loader.SetOnChange(a.reloadable)
	loader.SetOnError(func(err error) {
		logger.Warn("configuration reload failed, keeping previous config", "error", err)
	})
	go func() {
		if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	startRefreshLoops(ctx, a)

	components := []api.Shutdownable{}
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		datasets := make([]api.Dataset, 0, len(a.coords))
		for _, c := range a.coords {
			datasets = append(datasets, c)
		}
		server := api.NewServer(cfg.Server, cfg.API, datasets,
			api.WithLogger(logger),
			api.WithMetrics(a.metrics),
			api.WithStore(a.store),
		)
		if cfg.API.Auth.Enabled {
			logger.Info("API key authentication enabled", "keys", strings.Join(api.MaskAPIKeys(cfg.API.Auth.APIKeys), ","))
		}
		go func() { errCh <- server.Run() }()
		components = append(components, server)
	}
	components = append(components, a)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}
	stop()

	if shutdownErr := api.ShutdownWithComponents(cfg.Server.ShutdownTimeout, components...); shutdownErr != nil {
		logger.Error("shutdown incomplete", "error", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}
	logger.Info("trailcache stopped")
	return err
}

// startRefreshLoops seeds every coordinator from the store, then starts the
// auto-refresh loops. Datasets without auto_refresh get one startup check
// when their cache is empty.
func startRefreshLoops(ctx context.Context, a *app) {
	for _, c := range a.coords {
		if err := c.Load(ctx); err != nil {
			a.logger.Warn("snapshot load failed", "dataset", c.Dataset().String(), "error", err)
		}

		ds, _ := a.cfg.Dataset(c.Dataset().String())
		if ds.AutoRefresh {
			go c.Run(ctx, ds.CheckInterval)
			continue
		}
		if c.Stats().Items == 0 {
			c.CheckAndRefresh(ctx, models.TriggerStartup)
		}
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	fmt.Fprintf(os.Stderr, "ignoring invalid %s=%q\n", key, value)
	return fallback
}
