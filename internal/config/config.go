// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage, archive and notification backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
)

// maxPageSize is the largest limit the images API accepts.
const maxPageSize = 200

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	API      APIConfig      `mapstructure:"api"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Collect  CollectConfig  `mapstructure:"collect"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the state API server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines state API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig describes the upstream images API.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	UserAgent      string `mapstructure:"user_agent"`
	Sort           string `mapstructure:"sort"`
	NSFW           string `mapstructure:"nsfw"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// FetchConfig governs retries, backoff and pacing.
type FetchConfig struct {
	MaxAttempts              int `mapstructure:"max_attempts"`
	BackoffInitialMs         int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs             int `mapstructure:"backoff_max_ms"`
	RateLimitCooldownSeconds int `mapstructure:"rate_limit_cooldown_seconds"`
	PageDelayMs              int `mapstructure:"page_delay_ms"`
}

// CollectConfig tunes the collection loop.
type CollectConfig struct {
	PageSize           int    `mapstructure:"page_size"`
	MaxItems           int    `mapstructure:"max_items"`
	SampleSize         int    `mapstructure:"sample_size"`
	Concurrency        int    `mapstructure:"concurrency"`
	FetchTotal         bool   `mapstructure:"fetch_total"`
	RefreshKnown       bool   `mapstructure:"refresh_known"`
	StrictVersionMatch bool   `mapstructure:"strict_version_match"`
	StopDir            string `mapstructure:"stop_dir"`
}

// StorageConfig selects where job state and items are persisted.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// ArchiveConfig selects where raw page bodies are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig holds run summary notification settings.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig controls the progress event hub and its sinks.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEvents      bool `mapstructure:"log_events"`
	Metrics        bool `mapstructure:"metrics"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("api.base_url", "https://civitai.com/api/v1/images")
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", "CivitaiPromptCollector/2.0")
	v.SetDefault("api.sort", "Newest")
	v.SetDefault("api.nsfw", "")
	v.SetDefault("api.timeout_seconds", 100)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 3000)
	v.SetDefault("fetch.backoff_max_ms", 15000)
	v.SetDefault("fetch.rate_limit_cooldown_seconds", 120)
	v.SetDefault("fetch.page_delay_ms", 1200)
	v.SetDefault("collect.page_size", 100)
	v.SetDefault("collect.max_items", 0)
	v.SetDefault("collect.sample_size", 10)
	v.SetDefault("collect.concurrency", 2)
	v.SetDefault("collect.fetch_total", true)
	v.SetDefault("collect.refresh_known", true)
	v.SetDefault("collect.strict_version_match", false)
	v.SetDefault("collect.stop_dir", "data/stop")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite.path", "data/collector.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("storage.postgres.ensure_schema", true)
	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.local_dir", "data/pages")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("notify.backend", BackendNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.metrics", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("logging.development", true)
}

func validNSFW(level string) bool {
	switch level {
	case "", "true", "false", "None", "Soft", "Mature", "X":
		return true
	}
	return false
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL")
	}
	if !validNSFW(c.API.NSFW) {
		return fmt.Errorf("api.nsfw must be empty or one of true, false, None, Soft, Mature, X")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffInitialMs < 0 || c.Fetch.BackoffMaxMs < c.Fetch.BackoffInitialMs {
		return fmt.Errorf("fetch.backoff_max_ms must be >= fetch.backoff_initial_ms >= 0")
	}
	if c.Fetch.RateLimitCooldownSeconds < 0 || c.Fetch.PageDelayMs < 0 {
		return fmt.Errorf("fetch.rate_limit_cooldown_seconds and fetch.page_delay_ms must be >= 0")
	}
	if c.Collect.PageSize <= 0 || c.Collect.PageSize > maxPageSize {
		return fmt.Errorf("collect.page_size must be between 1 and %d", maxPageSize)
	}
	if c.Collect.MaxItems < 0 {
		return fmt.Errorf("collect.max_items must be >= 0")
	}
	if c.Collect.Concurrency <= 0 {
		return fmt.Errorf("collect.concurrency must be > 0")
	}
	if strings.TrimSpace(c.Collect.StopDir) == "" {
		return fmt.Errorf("collect.stop_dir is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, postgres")
	}

	switch c.Archive.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, memory, local, gcs")
	}

	switch c.Notify.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("notify.backend must be one of none, memory, pubsub")
	}

	p := c.Progress
	if p.BufferSize < 0 || p.MaxBatchEvents < 0 || p.MaxBatchWaitMs < 0 || p.SinkTimeoutMs < 0 {
		return fmt.Errorf("progress buffer and batch settings must be >= 0")
	}
	return nil
}

// RequestTimeout bounds one upstream HTTP call.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// RateLimitCooldown is the fixed wait after an HTTP 429.
func (c Config) RateLimitCooldown() time.Duration {
	return time.Duration(c.Fetch.RateLimitCooldownSeconds) * time.Second
}

// PageDelay is the minimum spacing between page requests.
func (c Config) PageDelay() time.Duration {
	return time.Duration(c.Fetch.PageDelayMs) * time.Millisecond
}

// ServerRequestTimeout bounds one state API request.
func (c Config) ServerRequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ProgressBatchWait is the longest a partial progress batch waits before flushing.
func (c Config) ProgressBatchWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}

// ProgressSinkTimeout bounds one progress sink call.
func (c Config) ProgressSinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}

// ConnMaxLifetime converts the Postgres connection lifetime.
func (c Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Storage.Postgres.MaxConnLifetimeMinutes) * time.Minute
}
