package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/authority/pkg/api"
)

const (
	shutdownTimeout = 10 * time.Second
	idempotencyTTL  = 24 * time.Hour
)

type serveOptions struct {
	*RootOptions
	Addr string
}

func newServeCommand(root *RootOptions) *cobra.Command {
	opts := &serveOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governance HTTP API",
		Long: `Run the governance HTTP API.

On start the schema is migrated, the built-in control-plane version is
recorded on an empty ledger and TERRITORY_SEED, when set, is loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, root, func(a *app) error { return runServe(ctx, opts, a) })
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default :$PORT)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions, a *app) error {
	if err := a.instrument(ctx); err != nil {
		return err
	}
	v, err := a.versions.EnsureBuiltin(ctx)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "control-plane version", "version", v.Version)

	if a.cfg.TerritorySeed != "" {
		stats, err := a.seedTerritories(ctx, a.cfg.TerritorySeed)
		if err != nil {
			return fmt.Errorf("seed territories: %w", err)
		}
		a.logger.InfoContext(ctx, "territories seeded", "file", a.cfg.TerritorySeed,
			"territories", stats.Territories, "sub_verticals", stats.SubVerticals, "links", stats.Links)
	}

	limiter := api.NewGlobalRateLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)
	defer limiter.Close()

	var idem api.IdempotencyStorer
	if a.redis != nil {
		idem = api.NewRedisIdempotencyStore(a.redis, idempotencyTTL)
	} else {
		mem := api.NewIdempotencyStore(idempotencyTTL)
		defer mem.Close()
		idem = mem
	}

	srv := api.NewServer(api.Services{
		Envelopes:   a.ledger,
		Replays:     a.verifier,
		Gate:        a.gate,
		Territories: a.resolver,
		Versions:    a.versions,
	}).
		WithLogger(a.logger.With("component", "api")).
		WithRateLimit(limiter).
		WithIdempotency(idem).
		WithRequestRecorder(a.obs).
		WithReadiness(a.ready)

	addr := opts.Addr
	if addr == "" {
		addr = ":" + a.cfg.Port
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "authority listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
