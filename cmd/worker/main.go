package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"content-moderation-pipeline/internal/broadcast"
	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/pipeline"
	"content-moderation-pipeline/internal/queue"
	"content-moderation-pipeline/internal/store"
	"content-moderation-pipeline/internal/telemetry"
	workerproc "content-moderation-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := cfg.Logger().With("service", "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	hub := broadcast.NewHub(rdb, cfg.BroadcastChannel, logger)
	defer hub.Close()

	q := queue.NewRedisQueue(rdb, cfg, logger)
	orch, err := pipeline.FromConfig(ctx, cfg, st, hub, q, logger)
	if err != nil {
		logger.Error("init pipeline", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"analysis_enabled", cfg.AnalysisEnabled(),
	)
	processor := workerproc.NewProcessorWithID(cfg, q, orch, logger, workerID)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	logger.Info("worker stopped")
}
