// Package memory provides the in-process job queue shared by the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracelab/traffic-harvester/internal/ingest"
)

// Queue is a bounded in-memory queue. Dequeue is non-blocking so workers can
// drain the batch and exit cleanly the moment it is empty.
type Queue struct {
	ch      chan ingest.Job
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan ingest.Job, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job ingest.Job) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// TryDequeue pops the next job, or returns ingest.ErrQueueEmpty immediately
// when none is pending.
func (q *Queue) TryDequeue() (ingest.Job, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return ingest.Job{}, ingest.ErrQueueEmpty
		}
		return job, nil
	default:
		return ingest.Job{}, ingest.ErrQueueEmpty
	}
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
