package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/authority/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/authority/pkg/attest"
	"github.com/Mindburn-Labs/helm/authority/pkg/config"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/gate"
	"github.com/Mindburn-Labs/helm/authority/pkg/observability"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
	"github.com/Mindburn-Labs/helm/authority/pkg/versioning"
)

// app is the wired governance plane shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *store.DB
	redis  *redis.Client
	issuer *attest.Issuer
	obs    *observability.Provider

	ledger   *envelope.Ledger
	verifier *replay.Verifier
	gate     *gate.Gate
	resolver *territory.Resolver
	versions *versioning.Ledger

	closers []func() error
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openApp connects storage, applies the schema and builds the components.
func openApp(ctx context.Context, cfg *config.Config, logw io.Writer) (*app, error) {
	logger := newLogger(logw, cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", cfg.SQLitePath)
	}
	db, err := store.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	a.closers = append(a.closers, db.Close)

	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	a.ledger = envelope.NewLedger(a.db).WithLogger(a.logger.With("component", "envelope-ledger"))

	if cfg.ContentSchemaDir != "" {
		schemas := envelope.NewSchemaRegistry()
		if err := schemas.LoadDir(cfg.ContentSchemaDir); err != nil {
			return fmt.Errorf("load content schemas: %w", err)
		}
		a.ledger.WithSchemas(schemas)
	}

	archive, err := artifacts.NewStore(ctx, artifacts.Options{
		Type:     artifacts.StoreType(strings.ToLower(cfg.Archive.Type)),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("open envelope archive: %w", err)
	}
	if archive != nil {
		a.ledger.WithArchiver(artifacts.NewArchiver(archive))
		if c, ok := archive.(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	var tokens gate.TokenResolver
	if cfg.SealTokenSecret != "" {
		a.issuer, err = attest.NewIssuer([]byte(cfg.SealTokenSecret), cfg.SealTokenTTL)
		if err != nil {
			return err
		}
		a.ledger.WithTokenIssuer(a.issuer)
		tokens = a.issuer
	}

	var reader gate.EnvelopeReader = a.ledger
	if cfg.Redis.Addr != "" {
		a.redis = gate.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, a.redis.Close)
		cache := gate.NewRedisCache(a.ledger, a.redis, cfg.Gate.CacheTTL)
		a.ledger.OnRevoke(cache)
		reader = cache
	}

	a.gate = gate.New(a.db, reader).
		WithLogger(a.logger.With("component", "runtime-gate")).
		WithTimeout(cfg.Gate.CheckTimeout)
	if tokens != nil {
		a.gate.WithTokens(tokens)
	}

	a.verifier = replay.NewVerifier(a.db, a.ledger).
		WithLogger(a.logger.With("component", "replay-verifier")).
		WithDriftSink(replay.NewLogSink(a.logger.With("component", "drift"), nil))

	a.resolver, err = territory.NewResolver(a.db)
	if err != nil {
		return err
	}
	a.resolver.WithLogger(a.logger.With("component", "territory-resolver"))

	a.versions = versioning.NewLedger(a.db).WithLogger(a.logger.With("component", "control-plane-versions"))
	return nil
}

// instrument starts OpenTelemetry and attaches the governance counters.
func (a *app) instrument(ctx context.Context) error {
	oc := observability.DefaultConfig()
	oc.Enabled = a.cfg.OTel.Enabled
	oc.Endpoint = a.cfg.OTel.Endpoint
	oc.Insecure = strings.HasPrefix(oc.Endpoint, "localhost") || strings.HasPrefix(oc.Endpoint, "127.0.0.1")

	provider, err := observability.New(ctx, oc)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.obs = provider
	a.closers = append(a.closers, func() error { return provider.Shutdown(context.Background()) })

	metrics, err := provider.GovernanceMetrics()
	if err != nil {
		return fmt.Errorf("register governance metrics: %w", err)
	}
	a.ledger.WithMetrics(metrics)
	a.gate.WithMetrics(metrics)
	a.verifier.WithMetrics(metrics).
		WithDriftSink(replay.NewLogSink(a.logger.With("component", "drift"), metrics))
	return nil
}

// seedTerritories loads path into the territory tables.
func (a *app) seedTerritories(ctx context.Context, path string) (*territory.SeedStats, error) {
	f, err := territory.LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	return a.resolver.Seed(ctx, f)
}

func (a *app) ready(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp opens the plane for the duration of fn.
func withApp(ctx context.Context, opts *RootOptions, fn func(*app) error) error {
	a, err := openApp(ctx, opts.cfg, opts.stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
