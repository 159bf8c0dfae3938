// Package pipeline runs one video through staging, remote analysis, verdict
// parsing and status publication, releasing every transient resource on
// the way out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-moderation-pipeline/internal/analysis"
	"content-moderation-pipeline/internal/models"
	"content-moderation-pipeline/internal/staging"
	"content-moderation-pipeline/internal/store"
	"content-moderation-pipeline/internal/telemetry"
	"content-moderation-pipeline/internal/verdict"
)

// VideoStore is the record store surface the pipeline needs.
type VideoStore interface {
	GetVideo(ctx context.Context, id string) (models.Video, error)
	SetSensitivity(ctx context.Context, id string, status models.SensitivityStatus) error
	AppendAudit(ctx context.Context, videoID, event, detail string) error
}

// Stager materializes remote media locally.
type Stager interface {
	Stage(ctx context.Context, jobID, remoteURL string) (staging.File, error)
	Unstage(path string) error
}

// Analyzer is the remote classification service.
type Analyzer interface {
	Submit(ctx context.Context, localPath, mimeType, displayName string) (analysis.Artifact, error)
	AwaitReady(ctx context.Context, a analysis.Artifact) (analysis.Artifact, error)
	Classify(ctx context.Context, a analysis.Artifact) (string, error)
	Release(ctx context.Context, name string) error
}

// Claimer grants per-video mutual exclusion across processes.
type Claimer interface {
	Claim(ctx context.Context, videoID string, ttl time.Duration) (bool, error)
	Unclaim(ctx context.Context, videoID string) error
}

// Options tunes an Orchestrator.
type Options struct {
	// Enabled is false when no provider credential is configured (degraded mode).
	Enabled    bool
	JobTimeout time.Duration
	ClaimTTL   time.Duration
	Claimer    Claimer
	Logger     *slog.Logger
}

const cleanupTimeout = 30 * time.Second

// Outcome tells a dispatcher what to do with the delivery that started a run.
type Outcome int

const (
	// Finished means the run is over, whatever its result; the delivery can be acknowledged.
	Finished Outcome = iota
	// Busy means another job holds the video. Its delivery shares the lease,
	// so this one must not be acknowledged.
	Busy
)

// Orchestrator drives a job end to end. It holds no per-job state; each run
// owns its own models.Job.
type Orchestrator struct {
	store    VideoStore
	stager   Stager
	analyzer Analyzer
	status   *StatusPublisher
	opts     Options
	logger   *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an orchestrator. analyzer may be nil when opts.Enabled is false.
func New(st VideoStore, stager Stager, analyzer Analyzer, b Broadcaster, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClaimTTL == 0 {
		opts.ClaimTTL = time.Hour
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		stager:   stager,
		analyzer: analyzer,
		status:   NewStatusPublisher(st, b, logger),
		opts:     opts,
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Submit starts a detached run and returns immediately. The caller gets no
// handle; outcomes are observed through the record and the broadcast.
func (o *Orchestrator) Submit(videoID string) {
	telemetry.JobsSubmitted.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(o.base, videoID)
	}()
}

// Wait blocks until every detached run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels detached runs and waits for their cleanup to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Run executes one job synchronously. It never returns an error: failures are
// logged, counted and audited, and the record keeps its last status.
func (o *Orchestrator) Run(ctx context.Context, videoID string) {
	o.RunAttempt(ctx, videoID, 1)
}

// RunAttempt is Run with the delivery attempt recorded on the job. It reports
// Busy only when the per-video claim is held by another job.
func (o *Orchestrator) RunAttempt(ctx context.Context, videoID string, attempt int) (outcome Outcome) {
	if o.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.JobTimeout)
		defer cancel()
	}

	job := &models.Job{ID: uuid.NewString(), VideoID: videoID, Attempt: attempt, StartedAt: time.Now()}
	log := o.logger.With("video_id", videoID, "job_id", job.ID, "attempt", attempt)
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic", "panic", r)
			telemetry.JobsFailed.WithLabelValues("panic").Inc()
		}
	}()

	video, err := o.store.GetVideo(ctx, videoID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("video no longer exists; nothing to analyze")
		telemetry.JobsSkipped.WithLabelValues("not_found").Inc()
		return Finished
	}
	if err != nil {
		log.Error("load video", "error", err)
		telemetry.JobsFailed.WithLabelValues("store").Inc()
		return Finished
	}
	if video.SensitivityStatus.IsTerminal() {
		log.Info("video already resolved", "status", video.SensitivityStatus)
		telemetry.JobsSkipped.WithLabelValues("already_resolved").Inc()
		return Finished
	}
	if !o.opts.Enabled || o.analyzer == nil {
		log.Warn("skipping analysis: provider credential missing or placeholder")
		telemetry.JobsSkipped.WithLabelValues("disabled").Inc()
		o.audit(ctx, log, videoID, "skipped", "analysis disabled")
		return Finished
	}

	if o.opts.Claimer != nil {
		ok, err := o.opts.Claimer.Claim(ctx, videoID, o.opts.ClaimTTL)
		if err != nil {
			log.Error("claim video", "error", err)
			telemetry.JobsFailed.WithLabelValues("claim").Inc()
			return Finished
		}
		if !ok {
			log.Info("another job holds this video; skipping")
			telemetry.JobsSkipped.WithLabelValues("claimed").Inc()
			return Busy
		}
		defer func() {
			cctx, cancel := cleanupContext(ctx)
			defer cancel()
			if err := o.opts.Claimer.Unclaim(cctx, videoID); err != nil {
				log.Warn("unclaim video", "error", err)
			}
		}()
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	defer func() { telemetry.JobDuration.Observe(time.Since(job.StartedAt).Seconds()) }()

	job.RemoteMediaURL = video.MediaURL
	o.audit(ctx, log, videoID, "analysis_started", fmt.Sprintf("job=%s attempt=%d", job.ID, attempt))
	defer o.release(ctx, log, job)

	v, err := o.execute(ctx, log, job, video)
	if err != nil {
		reason := failureReason(err)
		log.Error("analysis failed; record left pending", "reason", reason, "error", err)
		telemetry.JobsFailed.WithLabelValues(reason).Inc()
		o.audit(ctx, log, videoID, "analysis_failed", fmt.Sprintf("%s: %v", reason, err))
		return Finished
	}

	if err := o.status.Publish(ctx, videoID, v.Status); err != nil {
		if errors.Is(err, store.ErrAlreadyResolved) || errors.Is(err, store.ErrNotFound) {
			log.Warn("verdict discarded; record changed underneath the job", "error", err)
			telemetry.JobsSkipped.WithLabelValues("already_resolved").Inc()
			return Finished
		}
		log.Error("publish verdict", "error", err)
		telemetry.JobsFailed.WithLabelValues("publish").Inc()
		return Finished
	}

	telemetry.JobsCompleted.WithLabelValues(string(v.Status)).Inc()
	o.audit(ctx, log, videoID, "verdict", fmt.Sprintf("status=%s reason=%s", v.Status, v.Reason))
	log.Info("video analyzed", "status", v.Status, "reason", v.Reason, "duration", time.Since(job.StartedAt))
	return Finished
}

// execute stages, submits, waits and classifies. job is updated as resources
// are acquired so release can find them.
func (o *Orchestrator) execute(ctx context.Context, log *slog.Logger, job *models.Job, video models.Video) (models.Verdict, error) {
	file, err := o.stager.Stage(ctx, job.ID, job.RemoteMediaURL)
	if err != nil {
		return models.Verdict{}, err
	}
	job.LocalStagePath = file.Path
	log.Debug("media staged", "path", file.Path, "bytes", file.Size, "mime", file.MIMEType)

	displayName := video.Title
	if displayName == "" {
		displayName = video.ID
	}
	artifact, err := o.analyzer.Submit(ctx, file.Path, file.MIMEType, displayName)
	if err != nil {
		return models.Verdict{}, err
	}
	job.RemoteArtifactID = artifact.Name
	log.Debug("media submitted", "artifact", artifact.Name)

	ready, err := o.analyzer.AwaitReady(ctx, artifact)
	if err != nil {
		return models.Verdict{}, err
	}
	raw, err := o.analyzer.Classify(ctx, ready)
	if err != nil {
		return models.Verdict{}, err
	}

	v, err := verdict.Decode(raw)
	if err != nil {
		// Policy: unparseable output publishes as safe.
		log.Warn("classifier response unparseable; defaulting to safe", "raw", truncate(raw, 256))
		telemetry.ParseFallbacks.Inc()
		v = verdict.Fallback()
	}
	return v, nil
}

func (o *Orchestrator) release(ctx context.Context, log *slog.Logger, job *models.Job) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	if job.RemoteArtifactID != "" {
		if err := o.analyzer.Release(cctx, job.RemoteArtifactID); err != nil {
			log.Warn("remote artifact not released", "artifact", job.RemoteArtifactID, "error", err)
			telemetry.ReleaseFailures.WithLabelValues("remote").Inc()
		}
	}
	if job.LocalStagePath != "" {
		if err := o.stager.Unstage(job.LocalStagePath); err != nil {
			log.Warn("local stage not removed", "path", job.LocalStagePath, "error", err)
			telemetry.ReleaseFailures.WithLabelValues("local").Inc()
		}
	}
}

func (o *Orchestrator) audit(ctx context.Context, log *slog.Logger, videoID, event, detail string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := o.store.AppendAudit(cctx, videoID, event, detail); err != nil {
		log.Warn("append audit", "event", event, "error", err)
	}
}

// cleanupContext survives cancellation of the job context so resources are
// released even when the job timed out.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, staging.ErrStagingIO):
		return "staging"
	case errors.Is(err, analysis.ErrRejected):
		return "rejected"
	case errors.Is(err, analysis.ErrTimeout):
		return "timeout"
	case errors.Is(err, analysis.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
