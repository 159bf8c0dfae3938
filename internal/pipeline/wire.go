package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"content-moderation-pipeline/internal/analysis"
	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/staging"
)

// FromConfig builds an orchestrator backed by the Gemini provider and the
// configured staging area. Without a usable API key the orchestrator runs in
// degraded mode and never contacts the provider.
func FromConfig(ctx context.Context, cfg config.Config, st VideoStore, b Broadcaster, claimer Claimer, logger *slog.Logger) (*Orchestrator, error) {
	stager, err := staging.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init staging: %w", err)
	}

	enabled := cfg.AnalysisEnabled()
	var analyzer Analyzer
	if enabled {
		client := analysis.NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AnalysisHTTPTimeout)
		analyzer = analysis.NewService(client, analysis.PollPolicy{
			Interval: cfg.AnalysisPollInterval,
			MaxPolls: cfg.AnalysisMaxPolls,
			MaxWait:  cfg.AnalysisMaxWait,
		}, logger)
	} else {
		logger.Warn("GEMINI_API_KEY missing or placeholder; videos will stay pending")
	}

	return New(st, stager, analyzer, b, Options{
		Enabled:    enabled,
		JobTimeout: cfg.JobTimeout,
		ClaimTTL:   cfg.ClaimTTL,
		Claimer:    claimer,
		Logger:     logger,
	}), nil
}
