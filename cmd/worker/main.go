package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/bootstrap"
	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/retention"
	"github.com/dunamismax/photobooth/internal/telemetry"
	"github.com/dunamismax/photobooth/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	logger := telemetry.NewLogger(os.Stderr, "worker", cfg.Log)

	if !cfg.QueueEnabled() {
		logger.Fatal("REDIS_ADDR is required to run the worker")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, "photobooth-worker", cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", "err", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "err", err)
		}
	}()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", "err", err)
	}
	defer stores.Close()

	janitor := retention.NewJanitor(stores.Records, stores.Objects, logger, cfg.Retention.Window)
	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Retention, janitor)
	if err != nil {
		logger.Fatal("worker setup failed", "err", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	defer metricsServer.Close()

	logger.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"sweep_interval", cfg.Retention.SweepInterval,
		"metrics", cfg.Worker.MetricsAddr,
	)
	// Run blocks until SIGTERM or SIGINT.
	if err := srv.Run(); err != nil {
		logger.Error("worker failed", "err", err)
	}
}
