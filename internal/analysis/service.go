// Package analysis drives the external classification provider: submit
// media, wait for it to become ready, classify it and delete it again.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ModerationPrompt is sent with every classification request.
const ModerationPrompt = `Analyze this video for content moderation.
Check for:
1. Violence or Gore
2. Hate Speech or Harassment
3. Sexually Explicit Content
4. Dangerous Activities

Return a strict JSON object with:
{
    "status": "safe" | "flagged",
    "reason": "Brief explanation if flagged, or 'Content is safe' if safe"
}`

// Provider is the four-operation surface of the remote analysis service.
type Provider interface {
	Upload(ctx context.Context, path, mimeType, displayName string) (Artifact, error)
	Get(ctx context.Context, name string) (Artifact, error)
	Generate(ctx context.Context, a Artifact, prompt string) (string, error)
	Delete(ctx context.Context, name string) error
}

// PollPolicy bounds the wait for an artifact to leave PROCESSING.
type PollPolicy struct {
	Interval time.Duration
	MaxPolls int
	MaxWait  time.Duration
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = 5 * time.Second
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = 120
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 10 * time.Minute
	}
	return p
}

// Service runs the submit → poll → classify state machine over a Provider.
type Service struct {
	provider Provider
	poll     PollPolicy
	logger   *slog.Logger
}

// NewService wires a provider with a poll policy.
func NewService(p Provider, poll PollPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: p, poll: poll.withDefaults(), logger: logger}
}

// Submit uploads local media. The returned artifact must be released by the caller.
func (s *Service) Submit(ctx context.Context, localPath, mimeType, displayName string) (Artifact, error) {
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	a, err := s.provider.Upload(ctx, localPath, mimeType, displayName)
	if err != nil {
		return Artifact{}, fmt.Errorf("submit media: %w", err)
	}
	return a, nil
}

var errStillProcessing = errors.New("artifact still processing")

// AwaitReady polls the artifact on a fixed interval until it is ACTIVE.
// FAILED returns ErrRejected at once; exhausting the poll budget returns
// ErrTimeout.
func (s *Service) AwaitReady(ctx context.Context, a Artifact) (Artifact, error) {
	if a.State == StateActive {
		return a, nil
	}
	if a.State == StateFailed {
		return a, rejected(a)
	}

	b := retry.NewConstant(s.poll.Interval)
	b = retry.WithMaxRetries(uint64(s.poll.MaxPolls), b)
	b = retry.WithMaxDuration(s.poll.MaxWait, b)

	current := a
	polls := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		polls++
		got, err := s.provider.Get(ctx, a.Name)
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: artifact %s disappeared", ErrRejected, a.Name)
		}
		if err != nil {
			return err
		}
		current = got
		switch got.State {
		case StateActive:
			return nil
		case StateFailed:
			return rejected(got)
		default:
			s.logger.Debug("waiting for artifact processing", "artifact", a.Name, "state", got.State, "poll", polls)
			return retry.RetryableError(errStillProcessing)
		}
	})
	if errors.Is(err, errStillProcessing) {
		return current, fmt.Errorf("%w: %s still %s after %d polls", ErrTimeout, a.Name, current.State, polls)
	}
	return current, err
}

// Classify issues the single moderation request for a ready artifact.
func (s *Service) Classify(ctx context.Context, a Artifact) (string, error) {
	text, err := s.provider.Generate(ctx, a, ModerationPrompt)
	if err != nil {
		return "", fmt.Errorf("classify artifact: %w", err)
	}
	return text, nil
}

// Release deletes the remote artifact. Empty, unknown or already deleted
// names are not errors.
func (s *Service) Release(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if err := s.provider.Delete(ctx, name); err != nil {
		return fmt.Errorf("release artifact %s: %w", name, err)
	}
	return nil
}

// Analyze is the one-shot form: submit, wait, classify and always release.
// It suits callers that do not need the artifact name. The moderation job
// calls Submit, AwaitReady, Classify and Release itself so it can audit each
// stage and release the artifact under its own deferred cleanup.
func (s *Service) Analyze(ctx context.Context, localPath, mimeType, displayName string) (string, error) {
	a, err := s.Submit(ctx, localPath, mimeType, displayName)
	if err != nil {
		return "", err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.Release(releaseCtx, a.Name); err != nil {
			s.logger.Warn("artifact release failed", "artifact", a.Name, "error", err)
		}
	}()

	ready, err := s.AwaitReady(ctx, a)
	if err != nil {
		return "", err
	}
	return s.Classify(ctx, ready)
}

func rejected(a Artifact) error {
	msg := "processing failed"
	if a.Error != nil && a.Error.Message != "" {
		msg = a.Error.Message
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, a.Name, msg)
}
