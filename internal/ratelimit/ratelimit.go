// Package ratelimit bounds request traffic from one broker adapter to its
// provider. Two independent throttles apply: a counting semaphore caps
// concurrent in-flight requests, and a per-symbol minimum interval spaces
// out requests for the same instrument, since providers commonly track
// request-rate bans per instrument.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is scoped to a single adapter instance and is safe for use by
// many goroutines.
type Limiter struct {
	permits     chan struct{}
	minInterval time.Duration

	mu   sync.Mutex
	next map[string]time.Time // symbol -> earliest next dispatch

	now func() time.Time
}

// New creates a Limiter allowing maxConcurrent in-flight requests and at
// most one request per symbol every minInterval. maxConcurrent below 1 is
// treated as 1.
func New(maxConcurrent int, minInterval time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		permits:     make(chan struct{}, maxConcurrent),
		minInterval: minInterval,
		next:        make(map[string]time.Time),
		now:         time.Now,
	}
}

// Acquire blocks until a concurrency permit is available and the symbol's
// minimum interval has elapsed, then returns a release function that must be
// called once the provider call completes (not before). The dispatch slot is
// reserved while the lock is held, so waiters receive monotonically
// increasing slots in lock-acquisition order and the configured gap holds
// between every consecutive pair of dispatches for a symbol.
func (l *Limiter) Acquire(ctx context.Context, symbol string) (func(), error) {
	select {
	case l.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	slot := l.reserve(symbol)
	if wait := slot.Sub(l.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-l.permits
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-l.permits })
	}
	return release, nil
}

// reserve claims the next dispatch slot for symbol and advances the
// schedule by minInterval.
func (l *Limiter) reserve(symbol string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	slot := l.next[symbol]
	if slot.Before(now) {
		slot = now
	}
	l.next[symbol] = slot.Add(l.minInterval)
	return slot
}

// InFlight returns the number of currently held permits.
func (l *Limiter) InFlight() int {
	return len(l.permits)
}
