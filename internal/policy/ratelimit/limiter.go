// Package ratelimit bounds request rate and concurrency per platform with a
// token bucket and a weighted semaphore.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gigcrawler/internal/metrics"
)

// Limit describes one platform's budget.
type Limit struct {
	// RequestsPerInterval tokens are refilled every Interval; it is also the burst.
	RequestsPerInterval int
	Interval            time.Duration
	// MaxConcurrent caps in-flight requests; zero means one.
	MaxConcurrent int
}

func (l Limit) rate() rate.Limit {
	if l.RequestsPerInterval <= 0 || l.Interval <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(l.RequestsPerInterval) / l.Interval.Seconds())
}

func (l Limit) burst() int {
	if l.RequestsPerInterval <= 0 {
		return 1
	}
	return l.RequestsPerInterval
}

func (l Limit) concurrency() int64 {
	if l.MaxConcurrent <= 0 {
		return 1
	}
	return int64(l.MaxConcurrent)
}

type bucket struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Limiter manages per-platform rate and concurrency limits.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	fallback Limit
	buckets  map[string]*bucket
}

// New creates a Limiter. Platforms missing from limits use fallback.
func New(limits map[string]Limit, fallback Limit) *Limiter {
	copied := make(map[string]Limit, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Limiter{
		limits:   copied,
		fallback: fallback,
		buckets:  make(map[string]*bucket),
	}
}

// Acquire waits for a token and a concurrency slot for platform. The returned
// release func must be called once the request finishes.
func (l *Limiter) Acquire(ctx context.Context, platform string) (func(), error) {
	b := l.bucket(platform)

	start := time.Now()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("concurrency wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(platform, waited)
	}
	var once sync.Once
	return func() { once.Do(func() { b.sem.Release(1) }) }, nil
}

// Reset refills platform's token bucket. In-flight slots are unaffected.
// It reports whether a bucket existed.
func (l *Limiter) Reset(platform string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[platform]
	if !ok {
		return false
	}
	lim := l.limitFor(platform)
	b.limiter = rate.NewLimiter(lim.rate(), lim.burst())
	return true
}

// Tokens returns the tokens currently available for platform.
func (l *Limiter) Tokens(platform string) float64 {
	return l.bucket(platform).limiter.Tokens()
}

func (l *Limiter) bucket(platform string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[platform]
	if !ok {
		lim := l.limitFor(platform)
		b = &bucket{
			limiter: rate.NewLimiter(lim.rate(), lim.burst()),
			sem:     semaphore.NewWeighted(lim.concurrency()),
		}
		l.buckets[platform] = b
	}
	return &bucket{limiter: b.limiter, sem: b.sem}
}

func (l *Limiter) limitFor(platform string) Limit {
	if lim, ok := l.limits[platform]; ok {
		return lim
	}
	return l.fallback
}
