// Package controller drives a harvest run end to end: provision the
// container pool, pull work from the backlog in batches, fan it out across
// per-container workers, and tear the pool down once the backlog drains.
package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
	"github.com/tracelab/traffic-harvester/internal/queue/memory"
	"github.com/tracelab/traffic-harvester/internal/storage/shared"
	"github.com/tracelab/traffic-harvester/internal/worker"
)

// Config tunes a run.
type Config struct {
	// Sources lists backlog source names in fetch order.
	Sources []string
	// BatchSize caps rows fetched per source per round.
	BatchSize int
	// BatchMode groups same-domain rows into one capture per domain.
	BatchMode bool
	// Retries and RetryDelay are passed through to the workers.
	Retries    int
	RetryDelay time.Duration
	// IdleSleep is the pause before retrying a round that only produced
	// fetch errors.
	IdleSleep time.Duration
	// SettleDelay is the pause between the final batch and teardown, giving
	// the containers time to flush their filesystems.
	SettleDelay time.Duration
	// RemoveStale tears down leftover pool containers before provisioning.
	RemoveStale bool
}

// Controller owns the batch loop.
type Controller struct {
	cfg        Config
	pool       ingest.Pool
	backlog    ingest.Backlog
	throttle   ingest.Throttle
	reconciler ingest.Reconciler
	view       shared.View
	logger     *zap.Logger

	ready atomic.Bool

	mu      sync.Mutex
	totals  ingest.StatsSnapshot
	batches int
	current *ingest.Stats
}

// New creates a Controller.
func New(
	cfg Config,
	pool ingest.Pool,
	backlog ingest.Backlog,
	throttle ingest.Throttle,
	reconciler ingest.Reconciler,
	view shared.View,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:        cfg,
		pool:       pool,
		backlog:    backlog,
		throttle:   throttle,
		reconciler: reconciler,
		view:       view,
		logger:     logger,
	}
}

// Ready reports whether the container pool has been provisioned.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// RunTotals snapshots the run counters, including the batch in flight.
func (c *Controller) RunTotals() ingest.StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	totals := c.totals
	if c.current != nil {
		totals = totals.Merge(c.current.Snapshot())
	}
	return totals
}

// Run executes the harvest until the backlog is empty or the context is
// cancelled. On cancellation the pool is left standing so the next run can
// reuse it; teardown happens only after a natural drain.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.RemoveStale {
		if err := c.pool.Teardown(ctx); err != nil {
			c.logger.Warn("stale container cleanup failed", zap.Error(err))
		}
	}

	names, err := c.pool.Prepare(ctx)
	if err != nil {
		return err
	}
	c.ready.Store(true)
	c.logger.Info("container pool ready", zap.Strings("containers", names))

	if err := c.view.ClearScratch(c.logger); err != nil {
		c.logger.Warn("startup scratch clear failed", zap.Error(err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, errored := c.fetchRound(ctx)
		if len(items) == 0 {
			if errored {
				c.logger.Info("backlog unreachable; idling before retry",
					zap.Duration("idle", c.cfg.IdleSleep))
				if err := sleepCtx(ctx, c.cfg.IdleSleep); err != nil {
					return err
				}
				continue
			}
			c.logger.Info("backlog drained")
			break
		}

		if err := c.runBatch(ctx, names, items); err != nil {
			return err
		}
	}

	totals := c.RunTotals()
	c.mu.Lock()
	batches := c.batches
	c.mu.Unlock()
	c.logger.Info("run complete",
		zap.Int("batches", batches),
		zap.Int("ok", totals.OK),
		zap.Int("failed", totals.Fail),
		zap.Int("retries", totals.Retries))

	if err := sleepCtx(ctx, c.cfg.SettleDelay); err != nil {
		return err
	}
	return c.pool.Teardown(ctx)
}

// fetchRound pulls one batch from every source. A source that errors is
// logged and skipped; errored reports whether any source failed, which
// distinguishes an unreachable backlog from a drained one.
func (c *Controller) fetchRound(ctx context.Context) (items []ingest.WorkItem, errored bool) {
	for _, source := range c.cfg.Sources {
		rows, err := c.backlog.FetchBatch(ctx, source, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("backlog fetch failed",
				zap.String("source", source),
				zap.Error(err))
			errored = true
			continue
		}
		metrics.ObserveFetched(source, len(rows))
		c.logger.Info("backlog fetched",
			zap.String("source", source),
			zap.Int("rows", len(rows)))
		items = append(items, rows...)
	}
	return items, errored
}

func (c *Controller) runBatch(ctx context.Context, containers []string, items []ingest.WorkItem) error {
	jobs := c.groupJobs(items)

	queue := memory.NewQueue(len(jobs))
	for _, job := range jobs {
		if err := queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}

	stats := &ingest.Stats{}
	c.mu.Lock()
	c.current = stats
	c.batches++
	batchNum := c.batches
	c.mu.Unlock()

	logger := c.logger.With(zap.Int("batch", batchNum))
	logger.Info("batch started",
		zap.Int("rows", len(items)),
		zap.Int("jobs", len(jobs)),
		zap.Int("containers", len(containers)))

	var wg sync.WaitGroup
	for _, container := range containers {
		w := worker.New(worker.Config{
			Container:  container,
			Retries:    c.cfg.Retries,
			RetryDelay: c.cfg.RetryDelay,
		}, queue, c.throttle, c.pool, c.reconciler, c.backlog, stats, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker stopped early", zap.Error(err))
			}
		}()
	}
	wg.Wait()
	queue.Close()

	snap := stats.Snapshot()
	c.mu.Lock()
	c.totals = c.totals.Merge(snap)
	c.current = nil
	c.mu.Unlock()
	metrics.ObserveBatch()

	logger.Info("batch finished",
		zap.Int("ok", snap.OK),
		zap.Int("failed", snap.Fail),
		zap.Int("retries", snap.Retries))

	if err := ctx.Err(); err != nil {
		logger.Warn("batch aborted",
			zap.Int("jobs_unprocessed", queue.Len()))
		return err
	}
	if err := c.view.ClearScratch(logger); err != nil {
		logger.Warn("scratch clear failed", zap.Error(err))
	}
	return nil
}

// groupJobs builds the dispatch units for one batch. In batch mode rows
// sharing a source and domain ride in one capture; otherwise every row is
// its own job.
func (c *Controller) groupJobs(items []ingest.WorkItem) []ingest.Job {
	if !c.cfg.BatchMode {
		jobs := make([]ingest.Job, 0, len(items))
		for _, item := range items {
			jobs = append(jobs, ingest.SingleJob(item))
		}
		return jobs
	}

	type key struct{ source, domain string }
	index := make(map[key]int)
	var jobs []ingest.Job
	for _, item := range items {
		k := key{source: item.Source, domain: item.Domain}
		i, ok := index[k]
		if !ok {
			i = len(jobs)
			index[k] = i
			jobs = append(jobs, ingest.Job{Source: item.Source, Domain: item.Domain})
		}
		jobs[i].Items = append(jobs[i].Items, item)
	}
	return jobs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
