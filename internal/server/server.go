// Package server wires the HTTP surface: entitlement checks, checkout
// finalization, per-tenant webhooks, and the admin registry API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordankimberg/paywall/internal/billing"
	"github.com/jordankimberg/paywall/internal/checkout"
	"github.com/jordankimberg/paywall/internal/config"
	"github.com/jordankimberg/paywall/internal/entitlement"
	"github.com/jordankimberg/paywall/internal/entstore"
	"github.com/jordankimberg/paywall/internal/logging"
	"github.com/jordankimberg/paywall/internal/registry"
	"github.com/jordankimberg/paywall/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until the context is canceled or a
// termination signal arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "paywall",
	})

	log.Info().
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Dur("access_window", cfg.AccessWindow).
		Dur("negative_window", cfg.NegativeWindow).
		Msg("Starting paywall server")

	reg, err := registry.New(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pinger, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	clients := billing.NewClientCache(cfg.ClientCacheTTL)
	writer := entitlement.NewWriter(store, entitlement.Windows{
		Access:   cfg.AccessWindow,
		Negative: cfg.NegativeWindow,
	})
	resolver := entitlement.NewResolver(store, billing.NewQuery(clients), writer)
	finalizer := checkout.NewFinalizer(reg, clients, writer, cfg.BaseURL)
	reconciler := webhook.NewReconciler(clients, writer)

	deps := &Deps{
		Config:    cfg,
		Registry:  reg,
		Store:     pinger,
		Clients:   clients,
		Resolver:  resolver,
		Finalizer: finalizer,
		Webhook:   webhook.NewHandler(reg, reconciler),
		Version:   version,
		StartTime: time.Now(),
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

// openStore selects the entitlement store backend: Redis when a URL is
// configured, SQLite under the data dir otherwise. The SQLite reaper loop is
// started here and stops with the context.
func openStore(ctx context.Context, cfg *config.Config) (entstore.Store, storePinger, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse PAYWALL_REDIS_URL: %w", err)
		}
		rs := entstore.NewRedisStore(redis.NewClient(opts), "")
		log.Info().Msg("Using Redis entitlement store")
		return rs, rs, nil
	}

	ss, err := entstore.NewSQLiteStore(cfg.StoreDir())
	if err != nil {
		return nil, nil, fmt.Errorf("open entitlement store: %w", err)
	}
	go ss.Run(ctx)
	log.Info().Str("dir", cfg.StoreDir()).Msg("Using SQLite entitlement store")
	return ss, ss, nil
}
