package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/pipeline"
	"content-moderation-pipeline/internal/queue"
	"content-moderation-pipeline/internal/telemetry"
)

// maxDeliveries bounds how often a video is handed out after its worker died
// mid-job, so a video that crashes workers cannot loop forever.
const maxDeliveries = 3

// Runner executes one moderation job. Verdicts and failures surface through
// the record and the broadcast; the returned outcome only decides the fate of
// the delivery.
type Runner interface {
	RunAttempt(ctx context.Context, videoID string, attempt int) pipeline.Outcome
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runner   Runner
	logger   *slog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, r Runner, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, r, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, r Runner, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   r,
		logger:   logger.With("worker_id", workerID),
		workerID: workerID,
	}
}

// Run leases video ids and runs up to WorkerConcurrency jobs at once until ctx
// is cancelled. It waits for running jobs before returning.
func (p *Processor) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.WorkerConcurrency)
	defer g.Wait()

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", "video_ids", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		d, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.logger.Error("dequeue failed", "error", err, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if d.VideoID == "" {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		if d.Attempt > maxDeliveries {
			p.logger.Error("dropping video after repeated lost leases", "video_id", d.VideoID, "attempt", d.Attempt)
			telemetry.JobsFailed.WithLabelValues("lease_exhausted").Inc()
			p.ack(ctx, d.VideoID)
			continue
		}

		// Blocks while every slot is busy; the lease is already held.
		g.Go(func() error {
			p.handle(ctx, d)
			return nil
		})
	}
}

func (p *Processor) handle(ctx context.Context, d queue.Delivery) {
	stop := p.keepLeased(ctx, d.VideoID)
	outcome := p.runner.RunAttempt(ctx, d.VideoID, d.Attempt)
	stop()

	if outcome == pipeline.Busy {
		// A duplicate delivery shares the running job's lease entry; acking
		// or requeueing here would strip that job of its lease.
		p.logger.Info("video busy in another job; leaving its lease alone", "video_id", d.VideoID)
		return
	}

	if ctx.Err() != nil {
		// Shutting down: the job was cut short, let another worker pick it up.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.queue.Requeue(cctx, d.VideoID); err != nil {
			p.logger.Warn("requeue on shutdown", "video_id", d.VideoID, "error", err)
		}
		return
	}
	p.ack(ctx, d.VideoID)
}

// keepLeased extends the lease every half visibility period while a job runs.
func (p *Processor) keepLeased(ctx context.Context, videoID string) (stop func()) {
	if p.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, videoID, p.cfg.VisibilityTimeout); err != nil {
					p.logger.Warn("extend lease", "video_id", videoID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (p *Processor) ack(ctx context.Context, videoID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(cctx, videoID); err != nil {
		p.logger.Warn("ack", "video_id", videoID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
