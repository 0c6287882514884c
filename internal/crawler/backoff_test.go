package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffPolicyDelay(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	require.Equal(t, time.Duration(0), p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(4))
	require.Equal(t, 10*time.Second, p.Delay(5))
	require.Equal(t, 10*time.Second, p.Delay(500))
}

func TestBackoffPolicyDefaultsMultiplier(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{Base: 100 * time.Millisecond}
	require.Equal(t, 400*time.Millisecond, p.Delay(3))
	require.Equal(t, time.Duration(0), BackoffPolicy{}.Delay(3))
}
