package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/depot/pkg/api"
	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/auth"
	"github.com/Mindburn-Labs/depot/pkg/config"
	"github.com/Mindburn-Labs/depot/pkg/observability"
	"github.com/Mindburn-Labs/depot/pkg/projects"
	"github.com/Mindburn-Labs/depot/pkg/server"
	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/store"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

const redisLockTTL = 5 * time.Minute

// runServer wires the configured components and serves until ctx is done.
func runServer(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("depot starting", "version", versioning.Build, "root", cfg.RootDir, "artifact", cfg.ArtifactBase)

	telemetry, err := newTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	backend := storage.NewFSBackend()
	if err := backend.MkdirAll(ctx, cfg.RootDir); err != nil {
		return fmt.Errorf("create root %s: %w", cfg.RootDir, err)
	}

	journal, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	opts := []artifacts.Option{
		artifacts.WithBase(cfg.ArtifactBase),
		artifacts.WithChunkSize(cfg.ChunkSize),
		artifacts.WithLocker(locker),
		artifacts.WithTelemetry(telemetry),
	}
	if journal != nil {
		opts = append(opts, artifacts.WithEventRecorder(journal))
	}
	st, err := artifacts.New(backend, cfg.RootDir, opts...)
	if err != nil {
		return err
	}

	creds := auth.Credentials{Username: cfg.Username, Password: cfg.Password, PasswordHash: cfg.PasswordHash}
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	var tokens *auth.TokenIssuer
	if cfg.TokenSecret != "" {
		if tokens, err = auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL); err != nil {
			return err
		}
	}
	if creds.Enabled() && tokens == nil {
		logger.Warn("no token secret configured; only HTTP Basic auth is accepted")
	}
	if !creds.Enabled() {
		logger.Warn("authentication disabled; set DEPOT_USERNAME to enable it")
	}

	var limiter *api.GlobalRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewGlobalRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srvOpts := server.Options{
		Store:            st,
		Tree:             projects.NewTree(backend),
		Credentials:      creds,
		Tokens:           tokens,
		RateLimiter:      limiter,
		ClientConstraint: cfg.ClientConstraint(),
		CORSOrigins:      cfg.CORSOrigins,
		Telemetry:        telemetry,
		SLO:              observability.DefaultSLOTracker(),
		Logger:           logger.With("component", "server"),
	}
	if journal != nil {
		srvOpts.Journal = journal
	}

	err = server.New(srvOpts).ListenAndServe(ctx, cfg.Addr())
	logger.Info("depot stopped")
	return err
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.OTelEnabled {
		return observability.Disabled(), nil
	}
	oc := observability.DefaultConfig()
	oc.ServiceVersion = versioning.Build
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	oc.Insecure = cfg.OTelInsecure
	p, err := observability.New(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return p, nil
}

// openJournal returns nil when neither database is configured.
func openJournal(ctx context.Context, cfg *config.Config) (*store.EventJournal, error) {
	var (
		dialect store.Dialect
		dsn     string
	)
	switch {
	case cfg.DatabaseURL != "":
		dialect, dsn = store.DialectPostgres, cfg.DatabaseURL
	case cfg.EventsDB != "":
		dialect, dsn = store.DialectSQLite, cfg.EventsDB
	default:
		return nil, nil
	}
	j, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("event journal: %w", err)
	}
	slog.Info("event journal ready", "dialect", dialect.String())
	return j, nil
}

func newLocker(ctx context.Context, cfg *config.Config) (artifacts.Locker, func(), error) {
	switch cfg.LockMode {
	case config.LockNone:
		return artifacts.NopLocker{}, func() {}, nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		slog.Info("redis upload lock ready", "addr", cfg.RedisAddr)
		return artifacts.NewRedisLocker(client, redisLockTTL), func() { _ = client.Close() }, nil
	case config.LockLocal, "":
		return artifacts.NewLocalLocker(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown lock mode " + cfg.LockMode)
	}
}
