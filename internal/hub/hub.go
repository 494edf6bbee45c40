// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/contexthub-ai/contexthub/internal/api"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/bridge"
	"github.com/contexthub-ai/contexthub/internal/config"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/metrics"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/internal/tools"
)

// Hub is the main server process.
type Hub struct {
	cfg    *config.Config
	store  store.Store
	auth   *auth.Service
	api    *api.Server
	logger *slog.Logger
}

// New wires storage, services, the tool surface, and the transport.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Hub, error) {
	db, err := store.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.JWTSecretPrevious, cfg.Auth.TokenTTL, logger)
	notifyHub := notify.New(logger, 0)
	br := bridge.New(cfg.BridgeTarget(), cfg.Server.APIKey, logger)

	var broadcaster session.Broadcaster
	if br != nil {
		broadcaster = br
		logger.Info("broadcast bridge enabled", "target", cfg.BridgeTarget())
	}

	core := session.NewCore(db, notifyHub, broadcaster, logger)
	memSvc := memory.NewService(db, core, logger)
	searchSvc := search.NewService(core, logger)
	registry := metrics.NewRegistry()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = ratelimit.New(float64(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}

	toolSrv := tools.New(tools.Deps{
		Auth:     authSvc,
		Sessions: core,
		Memory:   memSvc,
		Search:   searchSvc,
		Store:    db,
		Hub:      notifyHub,
		Bridge:   br,
		Limiter:  limiter,
		Metrics:  registry,
		Logger:   logger,
		Version:  version,
	})

	apiSrv := api.NewServer(db, authSvc, core, notifyHub, toolSrv.MCP(), cfg.Server.APIKey, limiter, logger)

	return &Hub{
		cfg:    cfg,
		store:  db,
		auth:   authSvc,
		api:    apiSrv,
		logger: logger.With("component", "hub"),
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	go h.runTokenPurger(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runTokenPurger deletes long-expired tokens hourly so the tokens table does
// not grow without bound.
func (h *Hub) runTokenPurger(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-24 * time.Hour)
			if n, err := h.store.PurgeExpiredTokens(ctx, cutoff); err != nil {
				h.logger.Warn("token purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("purged expired tokens", "count", n)
			}
		}
	}
}
