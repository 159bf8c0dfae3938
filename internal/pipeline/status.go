package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"content-moderation-pipeline/internal/models"
)

type statusWriter interface {
	SetSensitivity(ctx context.Context, id string, status models.SensitivityStatus) error
}

// Broadcaster is the only broadcast capability the pipeline holds.
type Broadcaster interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
}

// StatusPublisher persists a verdict and announces it once.
type StatusPublisher struct {
	store       statusWriter
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewStatusPublisher(st statusWriter, b Broadcaster, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{store: st, broadcaster: b, logger: logger}
}

// Publish writes status and then emits one event. The write only succeeds
// from pending (store.ErrAlreadyResolved otherwise), in which case nothing is
// broadcast. Broadcast delivery is best-effort: failures are logged.
func (p *StatusPublisher) Publish(ctx context.Context, videoID string, status models.SensitivityStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("publish status: %q is not terminal", status)
	}
	if err := p.store.SetSensitivity(ctx, videoID, status); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	if p.broadcaster == nil {
		return nil
	}
	if err := p.broadcaster.Publish(ctx, models.StatusEvent{VideoID: videoID, Status: status}); err != nil {
		p.logger.Warn("status broadcast failed", "video_id", videoID, "status", status, "error", err)
	}
	return nil
}
