package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/api"
	"github.com/dunamismax/photobooth/internal/bootstrap"
	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/pipeline"
	"github.com/dunamismax/photobooth/internal/queue"
	"github.com/dunamismax/photobooth/internal/ratelimit"
	"github.com/dunamismax/photobooth/internal/retention"
	"github.com/dunamismax/photobooth/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	logger := telemetry.NewLogger(os.Stderr, "api", cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", "err", err)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "photobooth-api", cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "err", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("store close failed", "err", err)
		}
	}()

	deps := api.Deps{
		Logger:  logger,
		Records: stores.Records,
		Objects: stores.Objects,
	}

	if cfg.QueueEnabled() {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", "err", err)
			}
		}()
		deps.Expiry = queueClient

		rdb := redis.NewClient(cfg.Queue.RedisOptions())
		defer rdb.Close()
		limiter, err := ratelimit.NewTokenBucket(rdb, cfg.API.RateLimit, cfg.API.RateLimitWindow, ratelimit.DefaultKeyPrefix)
		if err != nil {
			return err
		}
		deps.RateLimiter = limiter
		logger.Info("retention queue enabled", "redis", cfg.Queue.RedisAddr, "queue", cfg.Queue.Name)
	} else {
		janitor := retention.NewJanitor(stores.Records, stores.Objects, logger, cfg.Retention.Window)
		go janitor.Run(ctx, cfg.Retention.SweepInterval)
		logger.Info("no redis configured; sweeping in-process", "interval", cfg.Retention.SweepInterval)
	}

	app := api.NewServer(cfg.API, deps)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
