// Package worker runs the per-container capture loop: drain jobs from the
// batch queue, dispatch each one through the global throttle, and retry
// failed attempts a bounded number of times before writing the failure
// sentinel.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
)

// Config tunes a worker.
type Config struct {
	// Container is the sandbox this worker owns for the batch.
	Container string
	// Retries is the number of extra attempts after the first one fails.
	Retries int
	// RetryDelay is the pause before each retry.
	RetryDelay time.Duration
}

// Worker owns one container and processes jobs until the queue is drained
// or the run is cancelled.
type Worker struct {
	cfg        Config
	queue      ingest.Queue
	throttle   ingest.Throttle
	sandbox    ingest.Sandbox
	reconciler ingest.Reconciler
	backlog    ingest.Backlog
	stats      *ingest.Stats
	logger     *zap.Logger
}

// New creates a Worker.
func New(
	cfg Config,
	queue ingest.Queue,
	throttle ingest.Throttle,
	sandbox ingest.Sandbox,
	reconciler ingest.Reconciler,
	backlog ingest.Backlog,
	stats *ingest.Stats,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		cfg:        cfg,
		queue:      queue,
		throttle:   throttle,
		sandbox:    sandbox,
		reconciler: reconciler,
		backlog:    backlog,
		stats:      stats,
		logger:     logger.With(zap.String("container", cfg.Container)),
	}
}

// Run drains the queue. It returns nil when the queue is empty and the
// context's error when the run is cancelled mid-batch; cancelled jobs are
// left untouched in the backlog so the next run picks them up.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.queue.TryDequeue()
		if errors.Is(err, ingest.ErrQueueEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.processJob(ctx, job); err != nil {
			return err
		}
	}
}

// processJob runs one job to a terminal state: reconciled, failed with the
// sentinel written, or abandoned on cancellation. Only cancellation is
// returned as an error.
func (w *Worker) processJob(ctx context.Context, job ingest.Job) error {
	logger := w.logger.With(
		zap.String("domain", job.Domain),
		zap.Int("urls", len(job.Items)),
	)
	logger.Info("job started")

	payload, err := job.Payload(w.cfg.Container)
	if err != nil {
		// An empty job cannot reach a queue; treat it as a permanent failure.
		logger.Error("unbuildable job payload", zap.Error(err))
		w.failJob(ctx, job, err)
		return nil
	}

	attempts := w.cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			w.stats.RecordRetry()
			logger.Info("retrying job",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", attempts),
				zap.NamedError("previous_error", lastErr))
			if err := sleepCtx(ctx, w.cfg.RetryDelay); err != nil {
				return err
			}
		}

		lastErr = w.attempt(ctx, job, payload)
		if errors.Is(lastErr, ingest.ErrRelocation) {
			// The capture itself was fine; retrying re-runs the browser for
			// nothing. Fail the job without the sentinel so the rows stay
			// eligible for a future run.
			logger.Error("artifact relocation failed; rows left unclaimed",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			w.abandonJob(job, lastErr)
			return nil
		}
		if lastErr == nil {
			for range job.Items {
				w.stats.RecordOK()
			}
			metrics.ObserveJob("ok")
			logger.Info("job done", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("job attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}

	logger.Error("job failed permanently",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	w.failJob(ctx, job, lastErr)
	return nil
}

func (w *Worker) attempt(ctx context.Context, job ingest.Job, payload []byte) error {
	if err := w.throttle.Acquire(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := w.sandbox.Exec(ctx, w.cfg.Container, payload)
	if err != nil {
		metrics.ObserveExec("error", time.Since(start))
		return err
	}
	metrics.ObserveExec("ok", time.Since(start))

	return w.reconciler.Reconcile(ctx, w.cfg.Container, job)
}

// abandonJob counts the job failed without touching the backlog. Used for
// relocation failures, where the rows must stay unclaimed.
func (w *Worker) abandonJob(job ingest.Job, cause error) {
	metrics.ObserveJob("failed")
	for _, item := range job.Items {
		w.stats.RecordFailure(ingest.FailureSample{
			RowID:     item.RowID,
			URL:       item.URL,
			Domain:    item.Domain,
			Container: w.cfg.Container,
			Err:       cause.Error(),
		})
	}
}

// failJob writes the failure sentinel for every row of the job so the
// backlog stops re-offering them.
func (w *Worker) failJob(ctx context.Context, job ingest.Job, cause error) {
	w.abandonJob(job, cause)
	for _, item := range job.Items {
		updated, err := w.backlog.MarkFailed(ctx, item.Source, item.RowID)
		if err != nil {
			w.logger.Warn("failure sentinel not written",
				zap.Int64("row_id", item.RowID),
				zap.String("source", item.Source),
				zap.Error(err))
			continue
		}
		if !updated {
			w.logger.Info("row already claimed; sentinel skipped",
				zap.Int64("row_id", item.RowID),
				zap.String("source", item.Source))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
