// Package config loads depot server settings from the environment, optionally
// layered over a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/depot/pkg/observability"
	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// Lock modes for concurrent uploads to one project.
const (
	LockNone  = "none"
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds server configuration.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RootDir      string `yaml:"root_dir"`
	ArtifactBase string `yaml:"artifact_base"`
	ChunkSize    int    `yaml:"chunk_size"`
	LockMode     string `yaml:"lock_mode"`

	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	PasswordHash string        `yaml:"password_hash"`
	TokenSecret  string        `yaml:"token_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`

	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	CORSOrigins    []string `yaml:"cors_origins"`

	MinClientVersion string `yaml:"min_client_version"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// DatabaseURL selects Postgres for the event journal; EventsDB selects a
	// SQLite file. With neither the journal is off.
	DatabaseURL string `yaml:"database_url"`
	EventsDB    string `yaml:"events_db"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otel_endpoint"`
	OTelInsecure bool   `yaml:"otel_insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:           "8000",
		LogLevel:       "info",
		LogFormat:      "json",
		RootDir:        "./projects",
		ArtifactBase:   versioning.DefaultBase,
		ChunkSize:      storage.DefaultChunkSize,
		LockMode:       LockLocal,
		TokenTTL:       12 * time.Hour,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		OTLPEndpoint:   "localhost:4317",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// DEPOT_CONFIG if set, then environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("DEPOT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("root_dir: %w", err)
	}
	cfg.RootDir = root
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DEPOT_ROOT", &c.RootDir)
	str("DEPOT_ARTIFACT_BASE", &c.ArtifactBase)
	str("DEPOT_LOCK_MODE", &c.LockMode)
	str("DEPOT_USERNAME", &c.Username)
	str("DEPOT_PASSWORD", &c.Password)
	str("DEPOT_PASSWORD_HASH", &c.PasswordHash)
	str("DEPOT_TOKEN_SECRET", &c.TokenSecret)
	str("DEPOT_MIN_CLIENT_VERSION", &c.MinClientVersion)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DEPOT_EVENTS_DB", &c.EventsDB)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	var errs []error
	if v := os.Getenv("DEPOT_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEPOT_CHUNK_SIZE: %w", err))
		}
		c.ChunkSize = n
	}
	if v := os.Getenv("DEPOT_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEPOT_TOKEN_TTL: %w", err))
		}
		c.TokenTTL = d
	}
	if v := os.Getenv("DEPOT_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEPOT_RATE_LIMIT_RPS: %w", err))
		}
		c.RateLimitRPS = f
	}
	if v := os.Getenv("DEPOT_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEPOT_RATE_LIMIT_BURST: %w", err))
		}
		c.RateLimitBurst = n
	}
	for key, dst := range map[string]*bool{
		"OTEL_ENABLED":  &c.OTelEnabled,
		"OTEL_INSECURE": &c.OTelInsecure,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
			*dst = b
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Port))
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or text", c.LogFormat))
	}
	if strings.TrimSpace(c.RootDir) == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	if err := versioning.CheckBase(c.ArtifactBase); err != nil {
		errs = append(errs, fmt.Errorf("artifact_base: %w", err))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}

	switch c.LockMode {
	case LockNone, LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("lock_mode redis requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock_mode %q must be none, local or redis", c.LockMode))
	}

	if c.Username != "" && c.Password == "" && c.PasswordHash == "" {
		errs = append(errs, errors.New("username is set but neither password nor password_hash is"))
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("token_secret must be at least 32 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token_ttl must be positive, got %s", c.TokenTTL))
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_rps must not be negative, got %g", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit_burst must be at least 1, got %d", c.RateLimitBurst))
	}

	if c.MinClientVersion != "" {
		if _, err := semver.NewConstraint(c.ClientConstraint()); err != nil {
			errs = append(errs, fmt.Errorf("min_client_version: %w", err))
		}
	}
	if c.DatabaseURL != "" && c.EventsDB != "" {
		errs = append(errs, errors.New("database_url and events_db are mutually exclusive"))
	}

	return errors.Join(errs...)
}

// ClientConstraint returns the semver constraint clients must satisfy. A bare
// version such as "0.4.0" means ">= 0.4.0".
func (c *Config) ClientConstraint() string {
	v := strings.TrimSpace(c.MinClientVersion)
	if v == "" {
		return ""
	}
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(v, "v")); err == nil {
		return ">= " + v
	}
	return v
}

// AuthEnabled reports whether the credential gate is on.
func (c *Config) AuthEnabled() bool {
	return c.Username != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}
