// Package resilience wraps provider calls with failure classification,
// exponential backoff for transient errors, and provider-mandated rate-limit
// cooldowns. The two waits are deliberately separate: a cooldown is a hard
// deadline issued by the provider, while backoff is a guess whose cap is
// usually far shorter than a mandated cooldown.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the classification of a failed attempt.
type Outcome int

const (
	// Fatal failures propagate immediately: authentication, validation,
	// insufficient balance, malformed requests.
	Fatal Outcome = iota
	// Retry failures are transient and consume one attempt from the budget.
	Retry
	// Cooldown failures carry a provider-issued retry-after; waiting it out
	// consumes no attempts.
	Cooldown
)

// Classifier maps an error to an Outcome. For Cooldown it also returns the
// mandated wait.
type Classifier func(err error) (Outcome, time.Duration)

// Config tunes the retry behaviour. Zero values fall back to defaults.
type Config struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Policy executes provider calls under one adapter's retry budget and
// cooldown gate. The gate is shared by all operations of the adapter: once
// the provider signals a cooldown, no attempt for any symbol is dispatched
// before the deadline.
type Policy struct {
	cfg      Config
	classify Classifier
	log      *slog.Logger

	mu            sync.Mutex
	cooldownUntil time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a Policy with the given tuning and classifier.
func New(cfg Config, classify Classifier, log *slog.Logger) *Policy {
	if log == nil {
		log = slog.Default()
	}
	return &Policy{
		cfg:      cfg.withDefaults(),
		classify: classify,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Do runs fn until it succeeds, a fatal error occurs, the attempt budget is
// exhausted, or ctx is cancelled. op names the operation for logging.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := p.cfg.InitialBackoff
	failures := 0

	for {
		if err := p.waitCooldown(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		outcome, retryAfter := p.classify(err)
		switch outcome {
		case Cooldown:
			p.setCooldown(retryAfter)
			p.log.Warn("provider cooldown", "op", op, "retry_after", retryAfter)
		case Retry:
			failures++
			if failures >= p.cfg.MaxAttempts {
				p.log.Error("retry budget exhausted", "op", op, "attempts", failures, "error", err)
				return err
			}
			p.log.Warn("transient failure, backing off", "op", op, "attempt", failures, "backoff", backoff, "error", err)
			if serr := p.sleep(ctx, backoff); serr != nil {
				return serr
			}
			backoff = time.Duration(float64(backoff) * p.cfg.Multiplier)
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		default:
			return err
		}
	}
}

// CoolingDown reports whether the adapter is inside a provider-mandated
// cooldown window.
func (p *Policy) CoolingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.cooldownUntil)
}

func (p *Policy) setCooldown(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := p.now().Add(d)
	if deadline.After(p.cooldownUntil) {
		p.cooldownUntil = deadline
	}
}

func (p *Policy) waitCooldown(ctx context.Context) error {
	p.mu.Lock()
	wait := p.cooldownUntil.Sub(p.now())
	p.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	return p.sleep(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
