package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestAcquireSpacesSameSymbol(t *testing.T) {
	const (
		k        = 5
		interval = 20 * time.Millisecond
	)
	l := New(k, interval)

	var mu sync.Mutex
	var dispatched []time.Time
	var wg sync.WaitGroup

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "BTCUSDT")
			if err != nil {
				t.Errorf("Acquire returned error: %v", err)
				return
			}
			mu.Lock()
			dispatched = append(dispatched, time.Now())
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if len(dispatched) != k {
		t.Fatalf("dispatched %d calls, want %d", len(dispatched), k)
	}
	sort.Slice(dispatched, func(i, j int) bool { return dispatched[i].Before(dispatched[j]) })
	// Allow a small scheduling tolerance; the reservation itself is exact.
	const tolerance = 2 * time.Millisecond
	for i := 1; i < len(dispatched); i++ {
		if gap := dispatched[i].Sub(dispatched[i-1]); gap < interval-tolerance {
			t.Errorf("gap between dispatch %d and %d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestAcquireDifferentSymbolsNotSpaced(t *testing.T) {
	l := New(2, time.Second)

	start := time.Now()
	r1, err := l.Acquire(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Acquire AAPL: %v", err)
	}
	r2, err := l.Acquire(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("Acquire MSFT: %v", err)
	}
	r1()
	r2()

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("different symbols waited %v, expected no spacing", elapsed)
	}
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	l := New(1, 0)

	release, err := l.Acquire(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if got := l.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "ETHUSDT"); err == nil {
		t.Fatal("second Acquire succeeded while pool was exhausted")
	}

	release()
	release() // release is idempotent
	if got := l.InFlight(); got != 0 {
		t.Fatalf("InFlight after release = %d, want 0", got)
	}

	r2, err := l.Acquire(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r2()
}

func TestAcquireCancelledDuringSpacing(t *testing.T) {
	l := New(2, time.Minute)

	r1, err := l.Acquire(context.Background(), "SOLUSDT")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "SOLUSDT"); err != context.DeadlineExceeded {
		t.Fatalf("Acquire during spacing wait = %v, want context.DeadlineExceeded", err)
	}
	if got := l.InFlight(); got != 1 {
		t.Errorf("InFlight after cancelled acquire = %d, want 1 (permit returned)", got)
	}
}
