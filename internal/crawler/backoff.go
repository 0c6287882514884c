package crawler

import (
	"math"
	"time"
)

// BackoffPolicy computes deterministic exponential delays.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultJobBackoff is the retry delay schedule for failed jobs.
var DefaultJobBackoff = BackoffPolicy{
	Base:       5 * time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
}

// Delay returns the wait before attempt+1. Attempt 1 yields Base; values
// below 1 yield zero.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
