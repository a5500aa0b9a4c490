package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

type transientErr struct{ retry bool }

func (e *transientErr) Error() string   { return "transient" }
func (e *transientErr) Retryable() bool { return e.retry }

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(&transientErr{retry: true}))
	require.False(t, IsRetryable(&transientErr{retry: false}))
	require.True(t, IsRetryable(errors.Join(errors.New("wrapped"), &transientErr{retry: true})))
	require.False(t, IsRetryable(errors.New("plain")))
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return &transientErr{retry: true}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0}
	calls := 0
	last := &transientErr{retry: true}
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return last
	})
	require.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, last)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 10, InitialBackoff: time.Hour, BackoffMultiplier: 1.0}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(context.Context) error {
		return &transientErr{retry: true}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}
	require.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 1))
	require.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 2))
	require.Equal(t, 400*time.Millisecond, calculateBackoff(cfg, 3))
	// Capped at MaxBackoff.
	require.Equal(t, time.Second, calculateBackoff(cfg, 10))
}

func TestBackoffProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := Config{
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}

	properties.Property("backoff with jitter stays within the jitter band", prop.ForAll(
		func(attempt int) bool {
			base := calculateBackoff(Config{
				InitialBackoff:    cfg.InitialBackoff,
				MaxBackoff:        cfg.MaxBackoff,
				BackoffMultiplier: cfg.BackoffMultiplier,
			}, attempt)
			got := calculateBackoff(cfg, attempt)
			lo := time.Duration(float64(base) * (1 - cfg.Jitter))
			hi := time.Duration(float64(base) * (1 + cfg.Jitter))
			return got >= lo && got <= hi
		},
		gen.IntRange(1, 20),
	))

	properties.Property("backoff never exceeds the cap plus jitter", prop.ForAll(
		func(attempt int) bool {
			got := calculateBackoff(cfg, attempt)
			return got <= time.Duration(float64(cfg.MaxBackoff)*(1+cfg.Jitter))
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
