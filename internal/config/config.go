package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Datasets    []DatasetConfig   `yaml:"datasets"`
	Store       StoreConfig       `yaml:"store"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig contains API key authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains per-client rate limiting for the HTTP API.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// UpstreamConfig describes the rate-limited source of truth.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// CallTimeout bounds every single upstream call, token refresh included.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxCallsPerWindow is the upstream's short-term quota; Window its length.
	MaxCallsPerWindow int           `yaml:"max_calls_per_window"`
	Window            time.Duration `yaml:"window"`

	// DailyCap is the upstream's daily quota, reset at UTC midnight. Zero disables it.
	DailyCap int `yaml:"daily_cap"`

	// Concurrency is the number of items fetched in parallel.
	Concurrency int `yaml:"concurrency"`

	// RefreshBuffer is how long before expiry an access token is refreshed.
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`

	// FailureThreshold consecutive failures park an item for FailureCooldown.
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureCooldown  time.Duration `yaml:"failure_cooldown"`
}

// DatasetConfig configures one cached dataset.
type DatasetConfig struct {
	Name         string        `yaml:"name"`
	Interval     time.Duration `yaml:"interval"`
	CallsPerItem int           `yaml:"calls_per_item"`
	AutoRefresh  bool          `yaml:"auto_refresh"`
	// CheckInterval is how often the auto-refresh loop asks for a staleness check.
	CheckInterval time.Duration `yaml:"check_interval"`
	ListPath      string        `yaml:"list_path"`
	ItemPath      string        `yaml:"item_path"`
}

// StoreConfig selects and configures the durable snapshot store.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlite_path"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	S3            S3Config      `yaml:"s3"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
}

// S3Config configures the object storage backend.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// CredentialsConfig selects where the OAuth credential pair is kept.
type CredentialsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AlertsConfig contains degraded-mode alert configuration.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Debounce is the minimum time between duplicate alerts.
	// Default: 30m
	Debounce time.Duration `yaml:"debounce"`
	// RateLimitPerMinute limits the number of alerts per minute.
	// Default: 30
	RateLimitPerMinute int            `yaml:"rate_limit_per_minute"`
	Telegram           TelegramConfig `yaml:"telegram"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset is required")
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i := range c.Datasets {
		ds := &c.Datasets[i]
		if err := ds.Validate(c.Upstream.MaxCallsPerWindow); err != nil {
			return fmt.Errorf("datasets[%d]: %w", i, err)
		}
		if seen[ds.Name] {
			return fmt.Errorf("datasets[%d]: duplicate dataset %q", i, ds.Name)
		}
		seen[ds.Name] = true
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	return nil
}

// Dataset returns the configuration for the named dataset.
func (c *Config) Dataset(name string) (DatasetConfig, bool) {
	for _, ds := range c.Datasets {
		if ds.Name == name {
			return ds, true
		}
	}
	return DatasetConfig{}, false
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/api/v1"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	if a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 600
	}
	if a.RateLimit.Burst <= 0 {
		a.RateLimit.Burst = 60
	}
	return nil
}

// Validate validates upstream configuration and applies defaults.
func (u *UpstreamConfig) Validate() error {
	if u.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if u.TokenURL == "" {
		u.TokenURL = strings.TrimRight(u.BaseURL, "/") + "/oauth/token"
	}
	if u.CallTimeout <= 0 {
		u.CallTimeout = 15 * time.Second
	}
	if u.MaxCallsPerWindow <= 0 {
		u.MaxCallsPerWindow = 100
	}
	if u.Window <= 0 {
		u.Window = 15 * time.Minute
	}
	if u.DailyCap < 0 {
		return fmt.Errorf("daily_cap cannot be negative")
	}
	if u.DailyCap > 0 && u.DailyCap < u.MaxCallsPerWindow {
		return fmt.Errorf("daily_cap (%d) must not be below max_calls_per_window (%d)", u.DailyCap, u.MaxCallsPerWindow)
	}
	if u.Concurrency <= 0 {
		u.Concurrency = 4
	}
	if u.RefreshBuffer <= 0 {
		u.RefreshBuffer = 5 * time.Minute
	}
	if u.FailureThreshold <= 0 {
		u.FailureThreshold = 3
	}
	if u.FailureCooldown <= 0 {
		u.FailureCooldown = 6 * time.Hour
	}
	return nil
}

// defaultCallsPerItem is the number of upstream calls a full fetch takes:
// summary, detail, photos and comments for activities, one call otherwise.
func defaultCallsPerItem(name string) int {
	if name == "activities" {
		return 4
	}
	return 1
}

// Validate validates a dataset entry against the upstream call budget.
func (d *DatasetConfig) Validate(maxCallsPerWindow int) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if d.CallsPerItem <= 0 {
		d.CallsPerItem = defaultCallsPerItem(d.Name)
	}
	if maxCallsPerWindow > 0 && d.CallsPerItem > maxCallsPerWindow {
		return fmt.Errorf("calls_per_item (%d) exceeds max_calls_per_window (%d)", d.CallsPerItem, maxCallsPerWindow)
	}
	if d.CheckInterval <= 0 {
		d.CheckInterval = time.Minute
	}
	if d.ListPath == "" {
		d.ListPath = "/" + d.Name
	}
	if d.ItemPath == "" {
		d.ItemPath = "/" + d.Name + "/{id}"
	}
	return nil
}

// Validate validates store configuration and applies defaults.
func (s *StoreConfig) Validate() error {
	if s.Backend == "" {
		s.Backend = "sqlite"
	}
	switch s.Backend {
	case "sqlite":
		if s.SQLitePath == "" {
			s.SQLitePath = "./data/trailcache.db"
		}
	case "postgres":
		if s.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for postgres backend")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for s3 backend")
		}
		if s.S3.Region == "" {
			s.S3.Region = "us-east-1"
		}
		if s.S3.Prefix == "" {
			s.S3.Prefix = "trailcache/"
		}
	case "memory":
	default:
		return fmt.Errorf("backend must be one of: sqlite, postgres, s3, memory")
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = 3
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 200 * time.Millisecond
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = 30 * time.Second
	}
	if s.OpTimeout <= 0 {
		s.OpTimeout = 10 * time.Second
	}
	return nil
}

// Validate validates credential storage configuration.
func (c *CredentialsConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	switch c.Backend {
	case "memory":
	case "sqlite":
		if c.Path == "" {
			c.Path = "./data/trailcache.db"
		}
	case "file":
		if c.Path == "" {
			c.Path = "./data/credentials.json"
		}
	default:
		return fmt.Errorf("backend must be one of: sqlite, file, memory")
	}
	return nil
}

// Validate validates alerts configuration and applies defaults.
func (a *AlertsConfig) Validate() error {
	if a.Debounce <= 0 {
		a.Debounce = 30 * time.Minute
	}
	if a.RateLimitPerMinute <= 0 {
		a.RateLimitPerMinute = 30
	}
	if a.Telegram.Enabled {
		if a.Telegram.BotToken == "" {
			return fmt.Errorf("telegram: bot_token is required when telegram is enabled")
		}
		if a.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram: chat_id is required when telegram is enabled")
		}
	}
	return nil
}
