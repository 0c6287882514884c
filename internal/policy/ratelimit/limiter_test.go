package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireEnforcesRate(t *testing.T) {
	t.Parallel()

	l := New(map[string]Limit{
		"upwork": {RequestsPerInterval: 1, Interval: 100 * time.Millisecond, MaxConcurrent: 4},
	}, Limit{})
	ctx := context.Background()

	release, err := l.Acquire(ctx, "upwork")
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = l.Acquire(ctx, "upwork")
	require.NoError(t, err)
	release()
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestAcquireEnforcesConcurrency(t *testing.T) {
	t.Parallel()

	l := New(map[string]Limit{"upwork": {MaxConcurrent: 2}}, Limit{})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "upwork")
			if err != nil {
				return
			}
			defer release()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(nil, Limit{RequestsPerInterval: 1, Interval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release, err := l.Acquire(ctx, "freelancer")
	require.NoError(t, err)
	release()
	release()

	_, err = l.Acquire(ctx, "freelancer")
	require.Error(t, err)
}

func TestResetRefillsBucket(t *testing.T) {
	t.Parallel()

	l := New(map[string]Limit{"upwork": {RequestsPerInterval: 2, Interval: time.Hour}}, Limit{})
	require.False(t, l.Reset("upwork"))

	ctx := context.Background()
	for range 2 {
		release, err := l.Acquire(ctx, "upwork")
		require.NoError(t, err)
		release()
	}
	require.Less(t, l.Tokens("upwork"), 1.0)

	require.True(t, l.Reset("upwork"))
	require.InDelta(t, 2.0, l.Tokens("upwork"), 0.01)
}
