package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/depot/pkg/config"
)

var envKeys = []string{
	"DEPOT_CONFIG", "PORT", "LOG_LEVEL", "LOG_FORMAT", "DEPOT_ROOT", "DEPOT_ARTIFACT_BASE",
	"DEPOT_CHUNK_SIZE", "DEPOT_LOCK_MODE", "DEPOT_USERNAME", "DEPOT_PASSWORD", "DEPOT_PASSWORD_HASH",
	"DEPOT_TOKEN_SECRET", "DEPOT_TOKEN_TTL", "DEPOT_RATE_LIMIT_RPS", "DEPOT_RATE_LIMIT_BURST",
	"DEPOT_MIN_CLIENT_VERSION", "REDIS_ADDR", "REDIS_PASSWORD", "DATABASE_URL", "DEPOT_EVENTS_DB",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_INSECURE", "CORS_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, ":8000", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "update", cfg.ArtifactBase)
	assert.Equal(t, 32*1024, cfg.ChunkSize)
	assert.Equal(t, config.LockLocal, cfg.LockMode)
	assert.False(t, cfg.AuthEnabled())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.EventsDB)
	assert.False(t, cfg.OTelEnabled)
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("DEPOT_ROOT", "/srv/depot")
	t.Setenv("DEPOT_ARTIFACT_BASE", "firmware")
	t.Setenv("DEPOT_CHUNK_SIZE", "1024")
	t.Setenv("DEPOT_LOCK_MODE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DEPOT_USERNAME", "ci")
	t.Setenv("DEPOT_PASSWORD", "pw")
	t.Setenv("DEPOT_TOKEN_TTL", "30m")
	t.Setenv("DEPOT_RATE_LIMIT_RPS", "2.5")
	t.Setenv("DEPOT_RATE_LIMIT_BURST", "5")
	t.Setenv("DATABASE_URL", "postgres://depot@db:5432/depot")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/srv/depot", cfg.RootDir)
	assert.Equal(t, "firmware", cfg.ArtifactBase)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, config.LockRedis, cfg.LockMode)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.True(t, cfg.AuthEnabled())
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "depot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
root_dir: /data/projects
artifact_base: image
token_ttl: 2h
lock_mode: none
events_db: /data/events.db
min_client_version: "0.3.0"
`), 0o600))
	t.Setenv("DEPOT_CONFIG", path)
	t.Setenv("PORT", "7001")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Port, "env wins over file")
	assert.Equal(t, "/data/projects", cfg.RootDir)
	assert.Equal(t, "image", cfg.ArtifactBase)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, config.LockNone, cfg.LockMode)
	assert.Equal(t, "/data/events.db", cfg.EventsDB)
	assert.Equal(t, ">= 0.3.0", cfg.ClientConstraint())
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPOT_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_BadNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEPOT_CHUNK_SIZE", "big")
	t.Setenv("OTEL_ENABLED", "maybe")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEPOT_CHUNK_SIZE")
	assert.Contains(t, err.Error(), "OTEL_ENABLED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"port", func(c *config.Config) { c.Port = "http" }, "port"},
		{"log level", func(c *config.Config) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }, "log format"},
		{"root", func(c *config.Config) { c.RootDir = " " }, "root_dir"},
		{"base", func(c *config.Config) { c.ArtifactBase = "a_b" }, "artifact_base"},
		{"chunk", func(c *config.Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"lock mode", func(c *config.Config) { c.LockMode = "etcd" }, "lock_mode"},
		{"redis addr", func(c *config.Config) { c.LockMode = config.LockRedis }, "redis_addr"},
		{"password", func(c *config.Config) { c.Username = "ci" }, "password"},
		{"secret", func(c *config.Config) { c.TokenSecret = "short" }, "token_secret"},
		{"ttl", func(c *config.Config) { c.TokenTTL = 0 }, "token_ttl"},
		{"burst", func(c *config.Config) { c.RateLimitBurst = 0 }, "rate_limit_burst"},
		{"constraint", func(c *config.Config) { c.MinClientVersion = ">>> nope" }, "min_client_version"},
		{"journal", func(c *config.Config) { c.DatabaseURL = "postgres://x"; c.EventsDB = "x.db" }, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, config.Default().Validate())
}

func TestClientConstraint(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "", cfg.ClientConstraint())
	cfg.MinClientVersion = "v1.2.0"
	assert.Equal(t, ">= v1.2.0", cfg.ClientConstraint())
	cfg.MinClientVersion = "~1.2"
	assert.Equal(t, "~1.2", cfg.ClientConstraint())
}

func TestLoad_RelativeRootBecomesAbsolute(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.RootDir), cfg.RootDir)

	want, err := filepath.Abs(filepath.Join(dir, "projects"))
	require.NoError(t, err)
	assert.Equal(t, want, cfg.RootDir)
}
