package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(maxAttempts int) *Backoff {
	return NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: maxAttempts})
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(models.RetryConfig{InitialBackoffMs: 250, MaxBackoffMs: 4000, MaxAttempts: 7})
	assert.Equal(t, 250*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 4*time.Second, cfg.MaxDelay)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.True(t, cfg.Jitter)

	assert.Equal(t, DefaultBackoffConfig(), FromRetryConfig(models.RetryConfig{}))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := fastBackoff(5).Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("gateway unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	attempts := 0
	err := fastBackoff(3).Retry(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})

	assert.EqualError(t, err, "still down")
	assert.Equal(t, 3, attempts)
}

func TestRetryWithPredicate_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("recipient rejected")
	attempts := 0
	err := fastBackoff(5).RetryWithPredicate(context.Background(), func() error {
		attempts++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetry_UnlimitedUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := fastBackoff(0).Retry(ctx, func() error {
		attempts++
		if attempts == 10 {
			cancel()
		}
		return errors.New("unreachable")
	})

	assert.EqualError(t, err, "unreachable", "the operation error wins over the context error")
	assert.Equal(t, 10, attempts)
}

func TestRetry_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := fastBackoff(3).Retry(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDelay_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, expected := range want {
		assert.Equal(t, expected, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
}

func TestDelay_JitterStaysInBand(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true})
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		require.GreaterOrEqual(t, d, 150*time.Millisecond)
		require.LessOrEqual(t, d, 250*time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		require.LessOrEqual(t, b.Delay(10), time.Second, "jitter never exceeds the cap")
	}
}

func TestWait_Canceled(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Wait(ctx, 1), context.Canceled)
}
