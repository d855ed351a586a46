package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/searchsync/internal/config"
	"github.com/lllypuk/searchsync/internal/domain/mutation"
	"github.com/lllypuk/searchsync/internal/domain/outbox"
	"github.com/lllypuk/searchsync/internal/worker"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	require.NoError(t, cfg.Validate())

	// Server defaults
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, config.DefaultHost, cfg.Server.Host)
	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, config.DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, config.DefaultBodyLimit, cfg.Server.BodyLimit)

	// Store defaults
	assert.Equal(t, config.StoreMongoDB, cfg.Store.Type)
	assert.Equal(t, "searchsync", cfg.MongoDB.Database)
	assert.Equal(t, uint64(config.DefaultMongoDBMaxPoolSize), cfg.MongoDB.MaxPoolSize)

	// Backend defaults
	assert.Equal(t, config.BackendRedis, cfg.Backend.Type)
	assert.Equal(t, mutation.FormatJSON, cfg.Codec())

	// Processing defaults match the worker package
	assert.Equal(t, worker.DefaultProcessorConfig(), cfg.ProcessorConfig())
	assert.Equal(t, outbox.ReprocessReset, cfg.ReprocessPolicy())
	assert.False(t, cfg.MultiTenant())

	defaults := worker.DefaultAgentConfig()
	agent := cfg.AgentConfig()
	assert.Equal(t, defaults.TotalShards, agent.TotalShards)
	assert.Equal(t, defaults.LeasePeriod, agent.LeasePeriod)
	assert.Equal(t, defaults.RenewInterval, agent.RenewInterval)
	assert.Equal(t, defaults.RenewTimeout, agent.RenewTimeout)

	// Log defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestServerConfig_Address(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8090", config.DefaultConfig().Server.Address())
	assert.Equal(t, "127.0.0.1:9000", config.ServerConfig{Host: "127.0.0.1", Port: 9000}.Address())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
		wantMsg string
	}{
		{"invalid port", func(c *config.Config) { c.Server.Port = 70000 }, nil, "server.port"},
		{"disabled server skips port check", func(c *config.Config) {
			c.Server.Enabled = false
			c.Server.Port = 0
		}, nil, ""},
		{"unknown store", func(c *config.Config) { c.Store.Type = "cassandra" }, config.ErrInvalidStoreType, ""},
		{"mongodb without uri", func(c *config.Config) { c.MongoDB.URI = "" }, nil, "mongodb.uri"},
		{"postgres without dsn", func(c *config.Config) {
			c.Store.Type = config.StorePostgres
			c.Postgres.DSN = ""
		}, nil, "postgres.dsn"},
		{"inmemory store", func(c *config.Config) { c.Store.Type = config.StoreInMemory }, nil, ""},
		{"redis backend without addr", func(c *config.Config) { c.Redis.Addr = "" }, nil, "redis.addr"},
		{"log backend without redis", func(c *config.Config) {
			c.Backend.Type = config.BackendLog
			c.Redis.Addr = ""
		}, nil, ""},
		{"unknown backend", func(c *config.Config) { c.Backend.Type = "solr" }, config.ErrInvalidBackendType, ""},
		{"unknown codec", func(c *config.Config) { c.Backend.Codec = "xml" }, config.ErrInvalidCodec, ""},
		{"zero batch size", func(c *config.Config) { c.Outbox.BatchSize = 0 }, nil, "outbox.batch_size"},
		{"zero max retries", func(c *config.Config) { c.Outbox.MaxRetries = 0 }, nil, "outbox.max_retries"},
		{"unknown reprocess policy", func(c *config.Config) { c.Outbox.ReprocessPolicy = "drop" },
			config.ErrInvalidReprocessPolicy, ""},
		{"empty tenant id", func(c *config.Config) { c.Outbox.Tenants = []string{"a", " "} }, nil, "outbox.tenants"},
		{"poll tenant outside tenant set", func(c *config.Config) {
			c.Outbox.Tenants = []string{"a"}
			c.Outbox.PollTenant = "b"
		}, nil, "outbox.poll_tenant"},
		{"poll tenant in tenant set", func(c *config.Config) {
			c.Outbox.Tenants = []string{"a", "b"}
			c.Outbox.PollTenant = "b"
		}, nil, ""},
		{"renewal does not fit in lease", func(c *config.Config) {
			c.Cluster.LeasePeriod = 5 * time.Second
			c.Cluster.RenewInterval = 4 * time.Second
			c.Cluster.RenewTimeout = 2 * time.Second
		}, nil, "cluster"},
		{"invalid log level", func(c *config.Config) { c.Log.Level = "trace" }, config.ErrInvalidLogLevel, ""},
		{"invalid log format", func(c *config.Config) { c.Log.Format = "xml" }, config.ErrInvalidLogFormat, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr == nil && tt.wantMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, config.ErrConfigInvalid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestConfig_Validate_JoinsAllErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "trace"
	cfg.Backend.Type = "solr"

	err := cfg.Validate()

	require.ErrorIs(t, err, config.ErrInvalidLogLevel)
	require.ErrorIs(t, err, config.ErrInvalidBackendType)
}

func TestLogConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}

	for level, want := range tests {
		assert.Equal(t, want, config.LogConfig{Level: level}.SlogLevel(), level)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.False(t, cfg.IsDevelopment())

	cfg.Log.Level = "DEBUG"
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromPath_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  enabled: true
  host: "127.0.0.1"
  port: 9090
  read_timeout: 45s
  write_timeout: 45s

store:
  type: postgres

postgres:
  dsn: "postgres://u:p@db:5432/search"
  max_conns: 20

backend:
  type: log
  codec: zstd

outbox:
  poll_interval: 250ms
  batch_size: 50
  max_retries: 5
  max_backoff: 1m
  shutdown_grace: 3s
  reprocess_policy: preserve
  tenants: [tenant-a, tenant-b]

cluster:
  agent_name: node-1
  total_shards: 32
  lease_period: 30s
  renew_interval: 10s
  renew_timeout: 3s

admin:
  token: "s3cret"

log:
  level: "debug"
  format: "text"
`)

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, config.StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://u:p@db:5432/search", cfg.Postgres.DSN)
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)

	assert.Equal(t, config.BackendLog, cfg.Backend.Type)
	assert.Equal(t, mutation.FormatZstd, cfg.Codec())

	proc := cfg.ProcessorConfig()
	assert.Equal(t, 250*time.Millisecond, proc.PollInterval)
	assert.Equal(t, 50, proc.BatchSize)
	assert.Equal(t, 5, proc.MaxRetries)
	assert.Equal(t, time.Minute, proc.MaxBackoff)
	assert.Equal(t, 3*time.Second, proc.ShutdownGrace)
	assert.Equal(t, outbox.ReprocessPreserve, cfg.ReprocessPolicy())
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Outbox.Tenants)
	assert.True(t, cfg.MultiTenant())

	agent := cfg.AgentConfig()
	assert.Equal(t, "node-1", agent.Name)
	assert.Equal(t, 32, agent.TotalShards)
	assert.Equal(t, 30*time.Second, agent.LeasePeriod)
	assert.Equal(t, proc, agent.Processor)

	assert.Equal(t, "s3cret", cfg.Admin.Token)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	cfg, err := config.LoadFromPath("/non/existent/path/config.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoadFromPath_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "localhost"
  port: this-is-not-a-number
`)

	cfg, err := config.LoadFromPath(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadFromPath_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
outbox:
  reprocess_policy: discard
`)

	cfg, err := config.LoadFromPath(path)
	require.ErrorIs(t, err, config.ErrInvalidReprocessPolicy)
	assert.Nil(t, cfg)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	// Arrange
	t.Setenv("SERVER_HOST", "env-host")
	t.Setenv("SERVER_PORT", "3333")
	t.Setenv("MONGODB_URI", "mongodb://env-mongo:27017")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("OUTBOX_TENANTS", " tenant-a, tenant-b,,tenant-c ")
	t.Setenv("CLUSTER_TOTAL_SHARDS", "16")
	t.Setenv("POSTGRES_MAX_CONNS", "7")
	t.Setenv("ADMIN_TOKEN", "env-token")
	t.Setenv("LOG_LEVEL", "warn")
	path := writeConfig(t, `
server:
  host: "file-host"
  port: 8080
outbox:
  tenants: [file-tenant]
`)

	// Act
	cfg, err := config.LoadFromPath(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Server.Host)
	assert.Equal(t, 3333, cfg.Server.Port)
	assert.Equal(t, "mongodb://env-mongo:27017", cfg.MongoDB.URI)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, []string{"tenant-a", "tenant-b", "tenant-c"}, cfg.Outbox.Tenants)
	assert.Equal(t, 16, cfg.Cluster.TotalShards)
	assert.Equal(t, int32(7), cfg.Postgres.MaxConns)
	assert.Equal(t, "env-token", cfg.Admin.Token)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_LoadFromEnv_Duration(t *testing.T) {
	t.Setenv("OUTBOX_POLL_INTERVAL", "2m30s")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute+30*time.Second, cfg.Outbox.PollInterval)
}

func TestLoader_LoadFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("CLUSTER_LEASE_PERIOD", "not-a-duration")

	cfg, err := config.Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoader_ConfigPathEnvVar(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "config-path-host"
  port: 7777
store:
  type: inmemory
`)
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "config-path-host", cfg.Server.Host)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, config.StoreInMemory, cfg.Store.Type)
}

func TestLoader_WithConfigPaths(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	second := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(second, []byte("cluster:\n  total_shards: 12\n"), 0o644))

	// Act
	cfg, err := config.NewLoader().
		WithConfigPaths([]string{filepath.Join(dir, "missing.yaml"), second}).
		Load("")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Cluster.TotalShards)
}
