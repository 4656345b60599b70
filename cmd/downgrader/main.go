package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/downgrader/internal/config"
	"github.com/dukerupert/downgrader/internal/database"
	"github.com/dukerupert/downgrader/internal/logging"
	"github.com/dukerupert/downgrader/internal/middleware"
	"github.com/dukerupert/downgrader/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var opts []server.Option
	if cfg.RedisURL != "" {
		rdb, err := middleware.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, server.WithLimiter(middleware.NewRedisLimiter(rdb)))
		logger.Info("using redis rate limiter")
	}
	if !cfg.PaymentsEnabled() {
		logger.Warn("STRIPE_SECRET_KEY not set, checkout disabled")
	}
	if cfg.LLMProxyURL == "" {
		logger.Warn("LLM_PROXY_URL not set, downgrades will fail after spending entitlement")
	}

	srv, err := server.New(db, cfg, logger, opts...)
	if err != nil {
		return err
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("downgrader starting", "addr", addr, "trial_limit", cfg.FreeTrialLimit)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.Ledger().PruneConsumptions(gctx, cfg.RequestDedupTTL); err != nil {
					logger.Error("prune consumption records", "error", err)
				} else if n > 0 {
					logger.Info("pruned consumption records", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
