// Package queue owns job lifecycle transitions over a crawler.JobStore:
// validation on enqueue, priority leasing gated by platform health, retry
// bookkeeping with backoff, and cleanup of aged terminal jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
)

const (
	// DefaultMaxAttempts applies when a spec leaves MaxAttempts unset.
	DefaultMaxAttempts = 3
	// DefaultLeaseTimeout is how long a job may stay processing before its
	// lease is considered abandoned.
	DefaultLeaseTimeout = 30 * time.Minute

	maxReclaimInterval = time.Minute
	reclaimBatch       = 100
	leaseExpiredReason = "lease expired"
)

// Gate reports platforms that must not be leased right now.
type Gate interface {
	BlockedPlatforms(now time.Time) []string
}

// Platforms reports whether a platform name is configured.
type Platforms interface {
	Known(name string) bool
}

// Config tunes retry and event behavior.
type Config struct {
	DefaultMaxAttempts int
	Backoff            crawler.BackoffPolicy
	// LeaseTimeout is how long a processing job may go without a report
	// before it is returned to pending.
	LeaseTimeout   time.Duration
	CompletedTopic string
	FailedTopic    string
}

// Option customizes a Queue.
type Option func(*Queue)

// WithGate makes Lease skip jobs for platforms the gate reports blocked.
func WithGate(g Gate) Option {
	return func(q *Queue) { q.gate = g }
}

// WithPlatforms rejects specs whose platform is not in p.
func WithPlatforms(p Platforms) Option {
	return func(q *Queue) { q.platforms = p }
}

// WithPublisher emits completion and permanent-failure events.
func WithPublisher(p crawler.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// Queue is the job queue service.
type Queue struct {
	store     crawler.JobStore
	errLog    crawler.ErrorLog
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
	cfg       Config
	gate      Gate
	platforms Platforms
	publisher crawler.Publisher

	mu    sync.Mutex
	ready chan struct{}

	reclaimMu   sync.Mutex
	nextReclaim time.Time
}

// New constructs a Queue.
func New(
	store crawler.JobStore,
	errLog crawler.ErrorLog,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = crawler.DefaultJobBackoff
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	q := &Queue{
		store:  store,
		errLog: errLog,
		ids:    ids,
		clock:  clock,
		logger: logger.Named("queue"),
		cfg:    cfg,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// BatchResult is the outcome of one AddJobBatch item.
type BatchResult struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// AddJob validates spec and inserts a pending job.
func (q *Queue) AddJob(ctx context.Context, spec crawler.JobSpec) (string, error) {
	if err := validateSpec(&spec); err != nil {
		return "", err
	}
	if q.platforms != nil && spec.Platform != "" && !q.platforms.Known(spec.Platform) {
		return "", &crawler.ValidationError{
			Field:  "platform",
			Reason: "unknown platform",
			Values: []string{spec.Platform},
		}
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	now := q.clock.Now()
	job := crawler.Job{
		ID:          id,
		Type:        spec.Type,
		Priority:    spec.Priority,
		Platform:    spec.Platform,
		Params:      spec.Params,
		Status:      crawler.JobStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
		Metadata:    spec.Metadata,
	}
	if _, err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveEnqueue(string(job.Type), string(job.Priority))
	q.logger.Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("type", string(job.Type)),
		zap.String("priority", string(job.Priority)),
		zap.String("platform", job.Platform),
	)
	q.signal()
	return id, nil
}

// AddJobBatch enqueues each spec independently and returns one result per
// input, in input order.
func (q *Queue) AddJobBatch(ctx context.Context, specs []crawler.JobSpec) []BatchResult {
	results := make([]BatchResult, len(specs))
	for i, spec := range specs {
		id, err := q.AddJob(ctx, spec)
		if err != nil {
			results[i] = BatchResult{Error: err.Error(), Err: err}
			continue
		}
		results[i] = BatchResult{ID: id}
	}
	return results
}

// ScheduleHighPriorityJob enqueues spec at high priority.
func (q *Queue) ScheduleHighPriorityJob(ctx context.Context, spec crawler.JobSpec) (string, error) {
	spec.Priority = crawler.PriorityHigh
	return q.AddJob(ctx, spec)
}

// Lease claims the next eligible job for workerID. It returns
// crawler.ErrNotFound when nothing is eligible. Abandoned leases are
// returned to pending first, at most once per reclaim interval.
func (q *Queue) Lease(ctx context.Context, workerID string) (crawler.Job, error) {
	now := q.clock.Now()
	if q.reclaimDue(now) {
		if _, err := q.ReclaimExpiredLeases(ctx); err != nil {
			q.logger.Warn("reclaim expired leases", zap.Error(err))
		}
	}
	var blocked []string
	if q.gate != nil {
		blocked = q.gate.BlockedPlatforms(now)
	}
	job, err := q.store.Lease(ctx, now, workerID, blocked)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Job{}, err
		}
		return crawler.Job{}, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a processing job completed with result.
func (q *Queue) CompleteJob(ctx context.Context, jobID string, result any) (crawler.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status != crawler.JobStatusProcessing {
		return crawler.Job{}, fmt.Errorf("complete job %s (%s): %w", jobID, job.Status, crawler.ErrJobTerminal)
	}
	payload, err := encodeResult(result)
	if err != nil {
		return crawler.Job{}, err
	}
	now := q.clock.Now()
	job.Status = crawler.JobStatusCompleted
	job.Attempts++
	job.Result = payload
	job.LastError = ""
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := q.store.UpdateJob(ctx, job, crawler.JobStatusProcessing); err != nil {
		return crawler.Job{}, err
	}
	metrics.ObserveJobOutcome(string(job.Type), "completed")
	q.publish(ctx, q.cfg.CompletedTopic, newEvent(EventJobCompleted, job, now))
	return job, nil
}

// FailJob records a failed attempt. The job is retried with backoff until it
// has been attempted MaxAttempts times, then marked failed permanently.
func (q *Queue) FailJob(ctx context.Context, jobID string, cause error) (crawler.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if job.Status != crawler.JobStatusProcessing {
		return crawler.Job{}, fmt.Errorf("fail job %s (%s): %w", jobID, job.Status, crawler.ErrJobTerminal)
	}
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	now := q.clock.Now()
	job.Attempts++
	job.LastError = cause.Error()
	job.UpdatedAt = now
	job.LeasedBy = ""
	job.LeasedAt = nil

	if job.Attempts < job.MaxAttempts {
		delay := q.cfg.Backoff.Delay(job.Attempts)
		job.Status = crawler.JobStatusPending
		job.AvailableAt = now.Add(delay)
		if err := q.store.UpdateJob(ctx, job, crawler.JobStatusProcessing); err != nil {
			return crawler.Job{}, err
		}
		metrics.ObserveJobOutcome(string(job.Type), "retried")
		q.logger.Info("job scheduled for retry",
			zap.String("job_id", jobID),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		return job, nil
	}

	job.Status = crawler.JobStatusFailed
	job.CompletedAt = &now
	if err := q.store.UpdateJob(ctx, job, crawler.JobStatusProcessing); err != nil {
		return crawler.Job{}, err
	}
	metrics.ObserveJobOutcome(string(job.Type), "failed")
	permanent := &crawler.PermanentJobError{JobID: jobID, Attempts: job.Attempts, Err: cause}
	q.recordPermanent(ctx, job, permanent, now)
	q.logger.Warn("job failed permanently",
		zap.String("job_id", jobID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause),
	)
	q.publish(ctx, q.cfg.FailedTopic, newEvent(EventJobFailed, job, now))
	return job, nil
}

// GetJobStatus returns the job with jobID.
func (q *Queue) GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetStats returns counts by status and pending counts by priority.
func (q *Queue) GetStats(ctx context.Context) (crawler.QueueStats, error) {
	stats, err := q.store.CountByStatus(ctx)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// ListJobs returns jobs matching filter.
func (q *Queue) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	jobs, err := q.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ReclaimExpiredLeases returns processing jobs whose lease is older than
// LeaseTimeout to pending. The abandoned run counts as an attempt, so a job
// that keeps losing its worker eventually fails permanently.
func (q *Queue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	now := q.clock.Now()
	q.reclaimMu.Lock()
	q.nextReclaim = now.Add(q.reclaimInterval())
	q.reclaimMu.Unlock()

	expired, err := q.store.ExpiredLeases(ctx, now.Add(-q.cfg.LeaseTimeout), reclaimBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}
	reclaimed := 0
	for _, job := range expired {
		ok, err := q.reclaim(ctx, job, now)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		q.logger.Warn("expired leases reclaimed", zap.Int("jobs", reclaimed))
		q.signal()
	}
	return reclaimed, nil
}

func (q *Queue) reclaim(ctx context.Context, job crawler.Job, now time.Time) (bool, error) {
	worker := job.LeasedBy
	job.Attempts++
	job.LastError = leaseExpiredReason
	job.UpdatedAt = now
	job.LeasedBy = ""
	job.LeasedAt = nil

	exhausted := job.Attempts >= job.MaxAttempts
	if exhausted {
		job.Status = crawler.JobStatusFailed
		job.CompletedAt = &now
	} else {
		job.Status = crawler.JobStatusPending
		job.AvailableAt = now
	}
	if err := q.store.UpdateJob(ctx, job, crawler.JobStatusProcessing); err != nil {
		// The worker reported between the listing and this write.
		if errors.Is(err, crawler.ErrJobTerminal) || errors.Is(err, crawler.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reclaim job %s: %w", job.ID, err)
	}
	q.logger.Info("job lease expired",
		zap.String("job_id", job.ID),
		zap.String("worker_id", worker),
		zap.Int("attempts", job.Attempts),
		zap.Bool("exhausted", exhausted),
	)
	if !exhausted {
		metrics.ObserveJobOutcome(string(job.Type), "retried")
		return true, nil
	}
	metrics.ObserveJobOutcome(string(job.Type), "failed")
	permanent := &crawler.PermanentJobError{JobID: job.ID, Attempts: job.Attempts, Err: errors.New(leaseExpiredReason)}
	q.recordPermanent(ctx, job, permanent, now)
	q.publish(ctx, q.cfg.FailedTopic, newEvent(EventJobFailed, job, now))
	return true, nil
}

func (q *Queue) reclaimDue(now time.Time) bool {
	q.reclaimMu.Lock()
	defer q.reclaimMu.Unlock()
	return !now.Before(q.nextReclaim)
}

func (q *Queue) reclaimInterval() time.Duration {
	return min(q.cfg.LeaseTimeout/2, maxReclaimInterval)
}

// Cleanup reclaims expired leases, then deletes completed and failed jobs not
// updated in olderThanHours. Pending and processing jobs are never removed.
func (q *Queue) Cleanup(ctx context.Context, olderThanHours int) (int, error) {
	if olderThanHours < 0 {
		return 0, &crawler.ValidationError{Field: "older_than_hours", Reason: "must not be negative"}
	}
	if _, err := q.ReclaimExpiredLeases(ctx); err != nil {
		return 0, err
	}
	cutoff := q.clock.Now().Add(-time.Duration(olderThanHours) * time.Hour)
	removed, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	q.logger.Info("terminal jobs cleaned up", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	return removed, nil
}

// Ready returns a channel closed the next time a job is enqueued. Idle
// workers select on it to avoid waiting out a full poll interval.
func (q *Queue) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *Queue) signal() {
	q.mu.Lock()
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) recordPermanent(ctx context.Context, job crawler.Job, perr *crawler.PermanentJobError, now time.Time) {
	if q.errLog == nil {
		return
	}
	id, err := q.ids.NewID()
	if err != nil {
		q.logger.Error("generate error record id", zap.Error(err))
		return
	}
	rec := crawler.ErrorRecord{
		ID:          id,
		Kind:        crawler.KindJobExhausted,
		Severity:    crawler.SeverityOf(crawler.KindJobExhausted),
		Platform:    job.Platform,
		JobID:       job.ID,
		Message:     perr.Error(),
		OccurredAt:  now,
		RetryCount:  job.Attempts,
		Recoverable: false,
	}
	if err := q.errLog.Append(ctx, rec); err != nil {
		q.logger.Error("append error record", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (q *Queue) publish(ctx context.Context, topic string, ev Event) {
	if q.publisher == nil || topic == "" {
		return
	}
	if _, err := q.publisher.Publish(ctx, topic, ev); err != nil {
		q.logger.Warn("publish job event",
			zap.String("topic", topic),
			zap.String("job_id", ev.JobID),
			zap.Error(err),
		)
	}
}

func validateSpec(spec *crawler.JobSpec) error {
	if spec.Type == "" {
		return &crawler.ValidationError{Field: "type", Reason: "is required"}
	}
	if !spec.Type.Valid() {
		return &crawler.ValidationError{Field: "type", Reason: "unknown job type", Values: []string{string(spec.Type)}}
	}
	if spec.Priority == "" {
		spec.Priority = crawler.PriorityMedium
	}
	if !spec.Priority.Valid() {
		return &crawler.ValidationError{
			Field:  "priority",
			Reason: "unknown priority",
			Values: []string{string(spec.Priority)},
		}
	}
	if spec.MaxAttempts < 0 {
		return &crawler.ValidationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	return nil
}

func encodeResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, &crawler.ValidationError{Field: "result", Reason: "is not valid JSON"}
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal job result: %w", err)
		}
		return b, nil
	}
}
