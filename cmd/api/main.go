package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "content-moderation-pipeline/internal/api"
	"content-moderation-pipeline/internal/broadcast"
	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/pipeline"
	"content-moderation-pipeline/internal/queue"
	"content-moderation-pipeline/internal/ratelimit"
	"content-moderation-pipeline/internal/staging"
	"content-moderation-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger().With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	limiter := ratelimit.NewUploadLimiter(rdb, "", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var dispatcher api.Dispatcher = q
	var orch *pipeline.Orchestrator
	if cfg.DispatchMode == "inline" {
		orch, err = pipeline.FromConfig(ctx, cfg, st, hub, q, logger)
		if err != nil {
			logger.Error("init pipeline", "error", err)
			os.Exit(1)
		}
		dispatcher = orch
	}

	media, err := staging.New(ctx, cfg)
	if err != nil {
		logger.Error("init media store", "error", err)
		os.Exit(1)
	}

	server := api.New(cfg, st, dispatcher, limiter, hub, media, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "dispatch_mode", cfg.DispatchMode, "analysis_enabled", cfg.AnalysisEnabled())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if orch != nil {
		orch.Close()
	}
	// Open event streams end when the hub closes; close it first so
	// Shutdown does not wait on them.
	_ = hub.Close()
	_ = httpServer.Shutdown(shutdownCtx)
}
