// Package limiter bounds the number of concurrently outstanding inference
// invocations. One limiter is shared by two consumer loops in the same
// process: the segment loop acquires before invoking, and the completion
// loop releases when the correlated async result arrives. Failure results
// release too, so capacity never leaks.
package limiter

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting limiter safe for concurrent acquire/release from
// different goroutines.
type Limiter struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	inFlight int64
}

// New creates a limiter with the given capacity, which should match the
// inference backend's true parallelism.
func New(capacity int64, logger *slog.Logger) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(capacity), logger: logger}
}

// Acquire blocks until a slot is free or the context is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
	return nil
}

// Release frees one slot. A release without a matching acquire indicates a
// correlation bug upstream (e.g. a result for an invocation this process
// never made); it is logged and dropped rather than corrupting the count.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.inFlight == 0 {
		l.mu.Unlock()
		if l.logger != nil {
			l.logger.Warn("limiter release without matching acquire")
		}
		return
	}
	l.inFlight--
	l.mu.Unlock()
	l.sem.Release(1)
}

// InFlight reports the number of currently outstanding acquisitions.
func (l *Limiter) InFlight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
