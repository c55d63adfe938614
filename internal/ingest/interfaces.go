package ingest

import (
	"context"
	"errors"
	"time"
)

// ErrQueueEmpty is returned by TryDequeue when no job is pending, letting
// workers drain and exit instead of blocking.
var ErrQueueEmpty = errors.New("queue empty")

// ErrRelocation marks a validated capture whose artifacts could not be moved
// into durable storage. The job is failed for this run but its rows must stay
// unclaimed: a future run recaptures them, and anything already moved is a
// harmless duplicate.
var ErrRelocation = errors.New("artifact relocation failed")

// Backlog reads pending rows from the relational store and writes terminal
// outcomes back with a conditional, at-most-once update.
type Backlog interface {
	// FetchBatch returns up to limit unclaimed rows for one source in
	// ascending id order. The fetch is read-only; claiming happens only at
	// completion time.
	FetchBatch(ctx context.Context, source string, limit int) ([]WorkItem, error)
	// MarkDone records the final artifact paths iff the row is still
	// unclaimed. It reports whether a row was actually updated.
	MarkDone(ctx context.Context, source string, rowID int64, paths ArtifactPaths) (bool, error)
	// MarkFailed writes the error sentinel under the same guard.
	MarkFailed(ctx context.Context, source string, rowID int64) (bool, error)
}

// Queue provides enqueue and non-blocking dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	TryDequeue() (Job, error)
}

// Throttle serializes dispatch launch moments across all workers with a
// minimum spacing.
type Throttle interface {
	Acquire(ctx context.Context) error
}

// Sandbox executes one job payload inside a named container and reports
// success via a nil error.
type Sandbox interface {
	Exec(ctx context.Context, container string, payload []byte) error
}

// Pool manages the fixed set of named sandbox containers for a run.
type Pool interface {
	Sandbox
	// Prepare idempotently creates, starts, and one-time-configures every
	// container in the pool, returning the ready names.
	Prepare(ctx context.Context) ([]string, error)
	// Teardown force-removes every container carrying the pool prefix.
	Teardown(ctx context.Context) error
}

// Reconciler validates a container's artifact manifest after a successful
// exec, relocates the artifacts into durable storage, and applies the backlog
// update. Any error means the attempt counts as a failure.
type Reconciler interface {
	Reconcile(ctx context.Context, container string, job Job) error
}

// Publisher pushes completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
