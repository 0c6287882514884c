// Package health tracks per-platform success and failure and acts as a
// circuit breaker in front of dispatch. Each platform has its own lock; no
// operation holds more than one.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
)

// Config holds the classification thresholds.
type Config struct {
	// DegradedThreshold is the consecutive-failure count that marks a platform degraded.
	DegradedThreshold int
	// FailureThreshold is the consecutive-failure count that blocks a platform.
	FailureThreshold int
	// DegradedErrorRate floors the status at degraded while the rolling rate is at or above it.
	DegradedErrorRate float64
	// Smoothing is the EWMA weight of the newest observation.
	Smoothing float64
	// BlockBackoff sizes the block window from failures past the threshold.
	BlockBackoff crawler.BackoffPolicy
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold: 2,
		FailureThreshold:  5,
		DegradedErrorRate: 0.5,
		Smoothing:         0.2,
		BlockBackoff:      crawler.BackoffPolicy{Base: time.Minute, Max: 30 * time.Minute, Multiplier: 2},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureThreshold < c.DegradedThreshold {
		c.FailureThreshold = c.DegradedThreshold
	}
	if c.DegradedErrorRate <= 0 || c.DegradedErrorRate > 1 {
		c.DegradedErrorRate = def.DegradedErrorRate
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = def.Smoothing
	}
	if c.BlockBackoff.Base <= 0 {
		c.BlockBackoff = def.BlockBackoff
	}
	return c
}

// Prober runs a minimal live scrape against a platform.
type Prober interface {
	Probe(ctx context.Context, platform string) error
}

// LimitResetter clears a platform's rate limiter.
type LimitResetter interface {
	Reset(platform string) bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithProber enables live probes for recovery.
func WithProber(p Prober) Option {
	return func(m *Monitor) { m.prober = p }
}

// WithLimitResetter wires ResetRateLimit to the rate limiter.
func WithLimitResetter(l LimitResetter) Option {
	return func(m *Monitor) { m.limits = l }
}

type platformState struct {
	mu     sync.Mutex
	health crawler.PlatformHealth
}

// Monitor holds the health record of every configured platform.
type Monitor struct {
	cfg       Config
	clock     crawler.Clock
	ids       crawler.IDGenerator
	errLog    crawler.ErrorLog
	logger    *zap.Logger
	prober    Prober
	limits    LimitResetter
	platforms []string
	states    map[string]*platformState
}

// NewMonitor creates a Monitor for platforms. The set is fixed for the
// monitor's lifetime.
func NewMonitor(
	platforms []string,
	cfg Config,
	errLog crawler.ErrorLog,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		ids:    ids,
		errLog: errLog,
		logger: logger.Named("health"),
		states: make(map[string]*platformState, len(platforms)),
	}
	for _, name := range platforms {
		if _, dup := m.states[name]; dup || name == "" {
			continue
		}
		m.states[name] = &platformState{health: crawler.PlatformHealth{
			Platform: name,
			Status:   crawler.HealthHealthy,
		}}
		m.platforms = append(m.platforms, name)
		metrics.SetPlatformHealth(name, crawler.HealthHealthy.Rank())
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Platforms returns the configured platform names in configuration order.
func (m *Monitor) Platforms() []string {
	return append([]string(nil), m.platforms...)
}

// Known reports whether platform is configured.
func (m *Monitor) Known(platform string) bool {
	_, ok := m.states[platform]
	return ok
}

// RecordSuccess resets the failure streak and decays the error rate.
func (m *Monitor) RecordSuccess(platform string, latency time.Duration) error {
	st, ok := m.states[platform]
	if !ok {
		return fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	now := m.clock.Now()
	st.mu.Lock()
	h := &st.health
	h.ConsecutiveFailures = 0
	h.TotalSuccesses++
	h.ErrorRate = m.ewma(h.ErrorRate, 0)
	h.LastSuccess = &now
	h.IsBlocked = false
	h.NextRetryTime = nil
	if h.AvgResponseTime == 0 {
		h.AvgResponseTime = latency
	} else {
		h.AvgResponseTime = time.Duration(m.ewma(float64(h.AvgResponseTime), float64(latency)))
	}
	h.Status = m.classify(h.ConsecutiveFailures, h.ErrorRate)
	status := h.Status
	st.mu.Unlock()

	metrics.SetPlatformHealth(platform, status.Rank())
	return nil
}

// RecordFailure classifies cause, updates the platform record and appends
// an ErrorRecord. jobID may be empty for ad hoc scrapes.
func (m *Monitor) RecordFailure(
	ctx context.Context,
	platform, jobID string,
	cause error,
) (crawler.PlatformHealth, error) {
	st, ok := m.states[platform]
	if !ok {
		return crawler.PlatformHealth{}, fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	kind := crawler.Classify(cause)
	now := m.clock.Now()

	st.mu.Lock()
	h := &st.health
	prev := h.Status
	h.ConsecutiveFailures++
	h.TotalFailures++
	h.ErrorRate = m.ewma(h.ErrorRate, 1)
	h.LastErrorKind = kind
	status := m.classify(h.ConsecutiveFailures, h.ErrorRate)
	if status.Rank() < prev.Rank() {
		status = prev
	}
	h.Status = status
	if h.ConsecutiveFailures >= m.cfg.FailureThreshold {
		next := now.Add(m.cfg.BlockBackoff.Delay(h.ConsecutiveFailures - m.cfg.FailureThreshold + 1))
		h.Status = crawler.HealthUnhealthy
		h.IsBlocked = true
		h.NextRetryTime = &next
	}
	snapshot := copyHealth(*h)
	st.mu.Unlock()

	metrics.SetPlatformHealth(platform, snapshot.Status.Rank())
	if snapshot.Status != prev {
		m.logger.Warn("platform health changed",
			zap.String("platform", platform),
			zap.String("from", string(prev)),
			zap.String("to", string(snapshot.Status)),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.Float64("error_rate", snapshot.ErrorRate),
		)
	}
	m.appendError(ctx, crawler.ErrorRecord{
		Kind:        kind,
		Severity:    crawler.SeverityOf(kind),
		Platform:    platform,
		JobID:       jobID,
		Message:     errorMessage(cause),
		OccurredAt:  now,
		RetryCount:  snapshot.ConsecutiveFailures,
		Recoverable: crawler.Recoverable(kind),
	})
	return snapshot, nil
}

// Allow reports whether platform may be attempted at now. Unknown platforms
// are never allowed.
func (m *Monitor) Allow(platform string, now time.Time) bool {
	st, ok := m.states[platform]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return allowed(st.health, now)
}

// BlockedPlatforms lists platforms whose block window has not elapsed.
func (m *Monitor) BlockedPlatforms(now time.Time) []string {
	var out []string
	for _, name := range m.platforms {
		if !m.Allow(name, now) {
			out = append(out, name)
		}
	}
	return out
}

// AttemptRecovery clears the failure bookkeeping of platform. With probe set,
// a live probe must succeed first; a failed probe is recorded as a failure
// and the platform stays as it was.
func (m *Monitor) AttemptRecovery(ctx context.Context, platform string, probe bool) (crawler.PlatformHealth, error) {
	st, ok := m.states[platform]
	if !ok {
		return crawler.PlatformHealth{}, fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	if probe {
		if m.prober == nil {
			return crawler.PlatformHealth{}, fmt.Errorf("probe %s: no prober configured", platform)
		}
		start := m.clock.Now()
		if err := m.prober.Probe(ctx, platform); err != nil {
			h, recErr := m.RecordFailure(ctx, platform, "", err)
			if recErr != nil {
				return crawler.PlatformHealth{}, recErr
			}
			return h, fmt.Errorf("probe %s: %w", platform, err)
		}
		if err := m.RecordSuccess(platform, m.clock.Now().Sub(start)); err != nil {
			return crawler.PlatformHealth{}, err
		}
	}

	st.mu.Lock()
	h := &st.health
	h.ConsecutiveFailures = 0
	h.ErrorRate = 0
	h.IsBlocked = false
	h.NextRetryTime = nil
	h.Status = crawler.HealthHealthy
	snapshot := copyHealth(*h)
	st.mu.Unlock()

	metrics.SetPlatformHealth(platform, snapshot.Status.Rank())
	m.logger.Info("platform recovered", zap.String("platform", platform), zap.Bool("probed", probe))
	return snapshot, nil
}

// ResetRateLimit clears the platform's token bucket and recovers it.
func (m *Monitor) ResetRateLimit(ctx context.Context, platform string) (crawler.PlatformHealth, error) {
	if !m.Known(platform) {
		return crawler.PlatformHealth{}, fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	if m.limits != nil {
		m.limits.Reset(platform)
	}
	return m.AttemptRecovery(ctx, platform, false)
}

// GetPlatformHealth returns a snapshot for platform.
func (m *Monitor) GetPlatformHealth(platform string) (crawler.PlatformHealth, bool) {
	st, ok := m.states[platform]
	if !ok {
		return crawler.PlatformHealth{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return copyHealth(st.health), true
}

// GetHealthStatus returns snapshots of every platform, sorted by name.
func (m *Monitor) GetHealthStatus() []crawler.PlatformHealth {
	out := make([]crawler.PlatformHealth, 0, len(m.platforms))
	for _, name := range m.platforms {
		h, _ := m.GetPlatformHealth(name)
		out = append(out, h)
	}
	return out
}

// GetErrorStatistics aggregates error records from the last window.
func (m *Monitor) GetErrorStatistics(ctx context.Context, window time.Duration) (crawler.ErrorStatistics, error) {
	if window <= 0 {
		window = time.Hour
	}
	stats := crawler.ErrorStatistics{
		Window:     window,
		ByKind:     map[crawler.ErrorKind]int{},
		BySeverity: map[crawler.Severity]int{},
		ByPlatform: map[string]int{},
	}
	if m.errLog == nil {
		return stats, nil
	}
	records, err := m.errLog.ListSince(ctx, m.clock.Now().Add(-window))
	if err != nil {
		return crawler.ErrorStatistics{}, fmt.Errorf("list error records: %w", err)
	}
	for _, rec := range records {
		stats.Total++
		stats.ByKind[rec.Kind]++
		stats.BySeverity[rec.Severity]++
		if rec.Platform != "" {
			stats.ByPlatform[rec.Platform]++
		}
		if rec.Recoverable {
			stats.Recoverable++
		} else {
			stats.NonRecoverable++
		}
	}
	return stats, nil
}

func (m *Monitor) classify(consecutive int, errorRate float64) crawler.HealthStatus {
	switch {
	case consecutive >= m.cfg.FailureThreshold:
		return crawler.HealthUnhealthy
	case consecutive >= m.cfg.DegradedThreshold:
		return crawler.HealthDegraded
	case errorRate >= m.cfg.DegradedErrorRate:
		return crawler.HealthDegraded
	default:
		return crawler.HealthHealthy
	}
}

func (m *Monitor) ewma(prev, sample float64) float64 {
	return m.cfg.Smoothing*sample + (1-m.cfg.Smoothing)*prev
}

func (m *Monitor) appendError(ctx context.Context, rec crawler.ErrorRecord) {
	if m.errLog == nil {
		return
	}
	id, err := m.ids.NewID()
	if err != nil {
		m.logger.Error("generate error record id", zap.Error(err))
		return
	}
	rec.ID = id
	if err := m.errLog.Append(ctx, rec); err != nil {
		m.logger.Error("append error record", zap.String("platform", rec.Platform), zap.Error(err))
	}
}

func allowed(h crawler.PlatformHealth, now time.Time) bool {
	if !h.IsBlocked || h.NextRetryTime == nil {
		return true
	}
	return !now.Before(*h.NextRetryTime)
}

func copyHealth(h crawler.PlatformHealth) crawler.PlatformHealth {
	if h.LastSuccess != nil {
		ts := *h.LastSuccess
		h.LastSuccess = &ts
	}
	if h.NextRetryTime != nil {
		ts := *h.NextRetryTime
		h.NextRetryTime = &ts
	}
	return h
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}
