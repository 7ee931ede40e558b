package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scanrelay/internal/config"
	"scanrelay/internal/downstream"
	"scanrelay/internal/relay"
	"scanrelay/internal/relay/jobstore"
	jobmemory "scanrelay/internal/relay/jobstore/memory"
	jobsqlite "scanrelay/internal/relay/jobstore/sqlite"
	"scanrelay/internal/server"
	"scanrelay/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.Init("scanrelay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var store jobstore.Store
	switch cfg.Relay.JobStore.Type {
	case "sqlite":
		store, err = jobsqlite.New(cfg.Relay.JobStore.Path)
		if err != nil {
			log.Fatalf("Failed to open job store: %v", err)
		}
	default:
		store = jobmemory.New()
	}
	defer store.Close()

	importer := downstream.New(cfg.Downstream.BaseURL, cfg.Downstream.APIKey, cfg.Downstream.TimeoutDuration())
	fetcher := relay.NewFetcher(cfg.Relay.FetchTimeoutDuration(), cfg.Relay.MaxFetchBytes)

	pool := relay.NewPool(relay.PoolConfig{
		QueueDepth:     cfg.Relay.QueueDepth,
		Workers:        cfg.Relay.Workers,
		ImportAttempts: cfg.Relay.ImportAttempts,
		Watchdog:       cfg.Relay.WatchdogDuration(),
	}, fetcher, importer, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	srv := server.New(cfg.Relay.Port, cfg.Relay.RequestTimeoutDuration(), logger)
	relay.NewHandler(pool, store, logger).Register(srv.Router)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	logger.Info("relay started",
		slog.Int("port", cfg.Relay.Port),
		slog.String("job_store", cfg.Relay.JobStore.Type),
		slog.Int("workers", cfg.Relay.Workers),
		slog.Int("queue_depth", cfg.Relay.QueueDepth))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Intake stops first, then the workers drain the queue; accepted jobs
	// reach a terminal state before the store closes.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	pool.Wait()

	logger.Info("relay shutdown complete")
}
