// Package throttle implements the process-wide dispatch gate: a minimum
// interval between the launch moments of any two sandbox executions,
// regardless of how many workers are running.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
)

// maxPollSlice caps a single sleep so a waiting worker re-contends for the
// slot frequently instead of oversleeping past it.
const maxPollSlice = 500 * time.Millisecond

// Throttle serializes dispatch start times with a minimum spacing. The state
// is one shared timestamp under a mutex; waiters sleep in short slices rather
// than holding the lock, so no worker can starve the others.
type Throttle struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
	clock    ingest.Clock
}

// New creates a Throttle with the given minimum spacing. An interval of zero
// disables the gate.
func New(interval time.Duration, clock ingest.Clock) *Throttle {
	return &Throttle{
		interval: interval,
		clock:    clock,
	}
}

// Acquire blocks until at least the configured interval has elapsed since the
// previous dispatch start, then records the new dispatch time. Concurrent
// callers are serialized by start time only; their sandbox calls still run in
// parallel.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t.interval <= 0 {
		return nil
	}
	start := t.clock.Now()
	for {
		t.mu.Lock()
		now := t.clock.Now()
		wait := t.interval - now.Sub(t.last)
		if t.last.IsZero() || wait <= 0 {
			t.last = now
			t.mu.Unlock()
			if waited := now.Sub(start); waited > time.Millisecond {
				metrics.ObserveDispatchWait(waited)
			}
			return nil
		}
		t.mu.Unlock()

		if wait > maxPollSlice {
			wait = maxPollSlice
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("throttle acquire canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}
