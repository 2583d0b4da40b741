package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "https://civitai.com/api/v1/images", cfg.API.BaseURL)
	require.Empty(t, cfg.API.NSFW)
	require.Equal(t, 100*time.Second, cfg.RequestTimeout())
	require.Equal(t, 3, cfg.Fetch.MaxAttempts)
	require.Equal(t, 120*time.Second, cfg.RateLimitCooldown())
	require.Equal(t, 1200*time.Millisecond, cfg.PageDelay())
	require.Equal(t, 100, cfg.Collect.PageSize)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, BackendNone, cfg.Archive.Backend)
	require.Equal(t, BackendNone, cfg.Notify.Backend)
	require.True(t, cfg.Progress.Enabled)
	require.True(t, cfg.Progress.Metrics)
	require.False(t, cfg.Progress.LogEvents)
	require.Equal(t, 500*time.Millisecond, cfg.ProgressBatchWait())
	require.Equal(t, 5*time.Second, cfg.ProgressSinkTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
api:
  base_url: https://api.example.com/v1/images
  token: upstream-token
  sort: Most Reactions
  nsfw: Soft
  timeout_seconds: 45
fetch:
  max_attempts: 5
  backoff_initial_ms: 100
  backoff_max_ms: 500
  rate_limit_cooldown_seconds: 30
  page_delay_ms: 0
collect:
  page_size: 50
  max_items: 1000
  fetch_total: false
  strict_version_match: true
  stop_dir: /tmp/stop
storage:
  backend: postgres
  postgres:
    dsn: postgres://localhost/collector
    max_conns: 8
    max_conn_lifetime_minutes: 5
archive:
  backend: gcs
  gcs_bucket: raw-pages
  prefix: civitai
notify:
  backend: pubsub
  project_id: proj
  topic: collector-runs
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "upstream-token", cfg.API.Token)
	require.Equal(t, "Most Reactions", cfg.API.Sort)
	require.Equal(t, "Soft", cfg.API.NSFW)
	require.Equal(t, 45*time.Second, cfg.RequestTimeout())
	require.Equal(t, 100*time.Millisecond, cfg.BackoffInitial())
	require.Equal(t, 500*time.Millisecond, cfg.BackoffMax())
	require.Equal(t, 30*time.Second, cfg.RateLimitCooldown())
	require.Zero(t, cfg.PageDelay())
	require.Equal(t, 50, cfg.Collect.PageSize)
	require.Equal(t, 1000, cfg.Collect.MaxItems)
	require.False(t, cfg.Collect.FetchTotal)
	require.True(t, cfg.Collect.StrictVersionMatch)
	require.Equal(t, BackendPostgres, cfg.Storage.Backend)
	require.Equal(t, int32(8), cfg.Storage.Postgres.MaxConns)
	require.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime())
	require.Equal(t, "raw-pages", cfg.Archive.GCSBucket)
	require.Equal(t, "collector-runs", cfg.Notify.Topic)
	require.False(t, cfg.Logging.Development)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		API:     APIConfig{BaseURL: "https://civitai.com/api/v1/images", TimeoutSeconds: 10},
		Fetch:   FetchConfig{MaxAttempts: 3, BackoffInitialMs: 100, BackoffMaxMs: 200},
		Collect: CollectConfig{PageSize: 100, Concurrency: 1, StopDir: "stop"},
		Storage: StorageConfig{Backend: BackendMemory},
		Archive: ArchiveConfig{Backend: BackendNone},
		Notify:  NotifyConfig{Backend: BackendNone},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"relative base url", func(c *Config) { c.API.BaseURL = "/v1/images" }, "api.base_url"},
		{"unknown nsfw level", func(c *Config) { c.API.NSFW = "spicy" }, "api.nsfw"},
		{"invalid timeout", func(c *Config) { c.API.TimeoutSeconds = 0 }, "api.timeout_seconds"},
		{"no attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "fetch.max_attempts"},
		{"backoff inverted", func(c *Config) { c.Fetch.BackoffMaxMs = 50 }, "fetch.backoff_max_ms"},
		{"page size too large", func(c *Config) { c.Collect.PageSize = 500 }, "collect.page_size"},
		{"negative max items", func(c *Config) { c.Collect.MaxItems = -1 }, "collect.max_items"},
		{"no concurrency", func(c *Config) { c.Collect.Concurrency = 0 }, "collect.concurrency"},
		{"no stop dir", func(c *Config) { c.Collect.StopDir = " " }, "collect.stop_dir"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.postgres.dsn"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = BackendSQLite }, "storage.sqlite.path"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = BackendGCS }, "archive.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Archive.Backend = BackendLocal }, "archive.local_dir"},
		{"unknown archive", func(c *Config) { c.Archive.Backend = "s3" }, "archive.backend"},
		{"pubsub without topic", func(c *Config) { c.Notify.Backend = BackendPubSub }, "notify.project_id"},
		{"unknown notify", func(c *Config) { c.Notify.Backend = "kafka" }, "notify.backend"},
		{"negative progress buffer", func(c *Config) { c.Progress.BufferSize = -1 }, "progress"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}
