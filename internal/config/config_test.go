package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
version: "1"
upstream:
  base_url: "https://api.example.test"
  client_id: "cid"
  client_secret: "secret"
datasets:
  - name: activities
    interval: 24h
    calls_per_item: 4
    auto_refresh: true
  - name: donations
    interval: 1h
`

func validConfig() Config {
	return Config{
		Version: "1",
		Server: ServerConfig{
			Host:     "127.0.0.1",
			HTTPPort: 8420,
		},
		Upstream: UpstreamConfig{BaseURL: "https://api.example.test"},
		Datasets: []DatasetConfig{
			{Name: "activities", Interval: 24 * time.Hour, CallsPerItem: 4},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Version = "" },
			wantErr: true,
			errMsg:  "version is required",
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
			errMsg:  "host is required",
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.Upstream.BaseURL = "" },
			wantErr: true,
			errMsg:  "base_url is required",
		},
		{
			name:    "no datasets",
			mutate:  func(c *Config) { c.Datasets = nil },
			wantErr: true,
			errMsg:  "at least one dataset is required",
		},
		{
			name: "duplicate dataset",
			mutate: func(c *Config) {
				c.Datasets = append(c.Datasets, DatasetConfig{Name: "activities", Interval: time.Hour})
			},
			wantErr: true,
			errMsg:  "duplicate dataset",
		},
		{
			name: "item cost above window",
			mutate: func(c *Config) {
				c.Upstream.MaxCallsPerWindow = 3
				c.Datasets[0].CallsPerItem = 4
			},
			wantErr: true,
			errMsg:  "exceeds max_calls_per_window",
		},
		{
			name: "daily cap below window",
			mutate: func(c *Config) {
				c.Upstream.MaxCallsPerWindow = 100
				c.Upstream.DailyCap = 50
			},
			wantErr: true,
			errMsg:  "daily_cap",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: true,
			errMsg:  "backend must be one of",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Backend = "postgres" },
			wantErr: true,
			errMsg:  "postgres_dsn is required",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Store.Backend = "s3" },
			wantErr: true,
			errMsg:  "s3.bucket is required",
		},
		{
			name:    "telegram without token",
			mutate:  func(c *Config) { c.Alerts.Telegram.Enabled = true },
			wantErr: true,
			errMsg:  "bot_token is required",
		},
		{
			name: "api auth without keys",
			mutate: func(c *Config) {
				c.API.Auth.Enabled = true
			},
			wantErr: true,
			errMsg:  "api_keys is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "/api/v1", cfg.API.BasePath)
	assert.Equal(t, "X-API-Key", cfg.API.Auth.HeaderName)

	assert.Equal(t, "https://api.example.test/oauth/token", cfg.Upstream.TokenURL)
	assert.Equal(t, 100, cfg.Upstream.MaxCallsPerWindow)
	assert.Equal(t, 15*time.Minute, cfg.Upstream.Window)
	assert.Equal(t, 4, cfg.Upstream.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Upstream.RefreshBuffer)

	ds := cfg.Datasets[0]
	assert.Equal(t, "/activities", ds.ListPath)
	assert.Equal(t, "/activities/{id}", ds.ItemPath)
	assert.Equal(t, time.Minute, ds.CheckInterval)

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Store.RetryAttempts)
	assert.Equal(t, "sqlite", cfg.Credentials.Backend)
	assert.NotEmpty(t, cfg.Credentials.Path)
}

func TestConfig_Dataset(t *testing.T) {
	cfg := validConfig()
	ds, ok := cfg.Dataset("activities")
	require.True(t, ok)
	assert.Equal(t, 4, ds.CallsPerItem)

	_, ok = cfg.Dataset("donations")
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.HTTPPort)
	require.Len(t, cfg.Datasets, 2)
	assert.Equal(t, 24*time.Hour, cfg.Datasets[0].Interval)
	assert.True(t, cfg.Datasets[0].AutoRefresh)
	assert.Equal(t, 1, cfg.Datasets[1].CallsPerItem)
}

func TestDatasetConfig_DefaultCallsPerItem(t *testing.T) {
	activities := DatasetConfig{Name: "activities", Interval: time.Hour}
	require.NoError(t, activities.Validate(100))
	assert.Equal(t, 4, activities.CallsPerItem)

	donations := DatasetConfig{Name: "donations", Interval: time.Hour}
	require.NoError(t, donations.Validate(100))
	assert.Equal(t, 1, donations.CallsPerItem)

	explicit := DatasetConfig{Name: "activities", Interval: time.Hour, CallsPerItem: 2}
	require.NoError(t, explicit.Validate(100))
	assert.Equal(t, 2, explicit.CallsPerItem)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_InvalidConfig(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TRAILCACHE_TEST_SECRET", "s3cr3t")
	out := substituteEnvVars([]byte("client_secret: ${TRAILCACHE_TEST_SECRET}"))
	assert.Equal(t, "client_secret: s3cr3t", string(out))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader(t *testing.T) {
	loader := NewLoader(writeConfig(t, minimalConfig))

	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "1", config.Version)
	assert.Equal(t, config, loader.Get())

	changeCalled := false
	loader.SetOnChange(func(c *Config) {
		changeCalled = true
	})
	_, err = loader.Reload()
	require.NoError(t, err)
	assert.True(t, changeCalled)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoader_WatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var reloads atomic.Int32
	loader.SetOnChange(func(c *Config) {
		if c.Server.LogLevel == "debug" {
			reloads.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, loader.Watch(ctx))

	// mtime resolution on some filesystems is one second
	time.Sleep(1100 * time.Millisecond)
	updated := minimalConfig + "server:\n  log_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

	assert.Eventually(t, func() bool {
		return reloads.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "debug", loader.Get().Server.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, writeConfig(t, minimalConfig))
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Len(t, cfg.Datasets, 2)
}

func TestMustLoad_Panic(t *testing.T) {
	assert.Panics(t, func() {
		MustLoad(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
