package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffExponential(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          2 * time.Second,
	}

	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 400*time.Millisecond, p.Backoff(3))
	require.Equal(t, 800*time.Millisecond, p.Backoff(4))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          3 * time.Second,
	}
	require.Equal(t, 3*time.Second, p.Backoff(5))
}

func TestBackoffZeroWhenInitialDelayZero(t *testing.T) {
	p := RetryPolicy{BackoffMultiplier: 2.0, MaxDelay: time.Minute}
	require.Equal(t, time.Duration(0), p.Backoff(3))
}

func TestBackoffMonotonicNonDecreasing(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}
