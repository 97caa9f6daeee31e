// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"chatsync/internal/models"
)

// jitterFraction spreads each delay uniformly over ±25%.
const jitterFraction = 0.25

type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts of zero or less retries until the context ends.
	MaxAttempts int
	Jitter      bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FromRetryConfig overlays the file configuration on the defaults.
func FromRetryConfig(c models.RetryConfig) BackoffConfig {
	cfg := DefaultBackoffConfig()
	if c.InitialBackoffMs > 0 {
		cfg.InitialDelay = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.MaxDelay = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	return cfg
}

type Backoff struct {
	cfg BackoffConfig
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Backoff{cfg: cfg}
}

// Retry runs op until it succeeds, attempts run out or ctx ends.
func (b *Backoff) Retry(ctx context.Context, op func() error) error {
	return b.RetryWithPredicate(ctx, op, func(error) bool { return true })
}

// RetryWithPredicate is Retry that gives up on the first error for which
// retryable reports false. Once op has failed, that failure is returned in
// preference to the context error.
func (b *Backoff) RetryWithPredicate(ctx context.Context, op func() error, retryable func(error) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || !retryable(err) {
			return err
		}
		if b.exhausted(attempt) {
			return err
		}
		if b.Wait(ctx, attempt) != nil {
			return err
		}
	}
}

func (b *Backoff) exhausted(attempt int) bool {
	return b.cfg.MaxAttempts > 0 && attempt >= b.cfg.MaxAttempts
}

// Wait blocks for Delay(attempt) or until ctx ends.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay is the pause after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := float64(b.cfg.MaxDelay)
	d := math.Min(float64(b.cfg.InitialDelay)*math.Pow(b.cfg.Multiplier, float64(attempt-1)), limit)

	if b.cfg.Jitter {
		d += d * jitterFraction * (2*rand.Float64() - 1)
		d = math.Min(d, limit)
	}
	return time.Duration(d)
}
