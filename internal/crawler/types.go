package crawler

import (
	"encoding/json"
	"time"
)

// JobType identifies what a queued job does when a worker executes it.
type JobType string

// Supported job types.
const (
	JobTypeScrape      JobType = "scrape"
	JobTypeHealthCheck JobType = "health_check"
	JobTypeCleanup     JobType = "cleanup"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeScrape, JobTypeHealthCheck, JobTypeCleanup:
		return true
	default:
		return false
	}
}

// Priority orders pending jobs; higher tiers are always leased first.
type Priority string

// Priority tiers.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort key for the tier; lower ranks lease first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobParameters captures the per-job knobs supplied by the caller.
type JobParameters struct {
	SearchTerm     string `json:"search_term,omitempty" mapstructure:"search_term"`
	MaxResults     int    `json:"max_results,omitempty" mapstructure:"max_results"`
	OlderThanHours int    `json:"older_than_hours,omitempty" mapstructure:"older_than_hours"`
}

// JobSpec is the caller-facing request to enqueue a job.
type JobSpec struct {
	Type        JobType           `json:"type"`
	Priority    Priority          `json:"priority,omitempty"`
	Platform    string            `json:"platform,omitempty"`
	Params      JobParameters     `json:"params"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Job is a unit of deferred work tracked through its status lifecycle.
type Job struct {
	ID          string            `json:"id"`
	Seq         int64             `json:"seq"`
	Type        JobType           `json:"type"`
	Priority    Priority          `json:"priority"`
	Platform    string            `json:"platform,omitempty"`
	Params      JobParameters     `json:"params"`
	Status      JobStatus         `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	AvailableAt time.Time         `json:"available_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	LeasedBy    string            `json:"leased_by,omitempty"`
	LeasedAt    *time.Time        `json:"leased_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   JobStatus
	Platform string
	Limit    int
}

// QueueStats counts jobs per status plus pending jobs per priority tier.
type QueueStats struct {
	Pending         int              `json:"pending"`
	Processing      int              `json:"processing"`
	Completed       int              `json:"completed"`
	Failed          int              `json:"failed"`
	Total           int              `json:"total"`
	PendingPriority map[Priority]int `json:"pending_by_priority"`
}

// WeightedBacklog weights pending work by priority tier.
func (s QueueStats) WeightedBacklog() float64 {
	return float64(s.PendingPriority[PriorityHigh])*1.5 +
		float64(s.PendingPriority[PriorityMedium]) +
		float64(s.PendingPriority[PriorityLow])*0.5
}

// HealthStatus is the coarse platform health classification.
type HealthStatus string

// Platform health states, ordered best to worst.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Rank orders states so that a larger rank is a worse state.
func (s HealthStatus) Rank() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// PlatformHealth is the rolling assessment of one external platform.
type PlatformHealth struct {
	Platform            string        `json:"platform"`
	Status              HealthStatus  `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorRate           float64       `json:"error_rate"`
	IsBlocked           bool          `json:"is_blocked"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	NextRetryTime       *time.Time    `json:"next_retry_time,omitempty"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalFailures       int64         `json:"total_failures"`
	LastErrorKind       ErrorKind     `json:"last_error_kind,omitempty"`
}

// ErrorRecord is an append-only log entry used for statistics.
type ErrorRecord struct {
	ID          string    `json:"id"`
	Kind        ErrorKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Platform    string    `json:"platform,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
	RetryCount  int       `json:"retry_count"`
	Recoverable bool      `json:"recoverable"`
}

// ErrorStatistics aggregates error records within a time window.
type ErrorStatistics struct {
	Window         time.Duration     `json:"window"`
	Total          int               `json:"total"`
	ByKind         map[ErrorKind]int `json:"by_kind"`
	BySeverity     map[Severity]int  `json:"by_severity"`
	ByPlatform     map[string]int    `json:"by_platform"`
	Recoverable    int               `json:"recoverable"`
	NonRecoverable int               `json:"non_recoverable"`
}

// ProjectRecord is a normalized freelance listing.
type ProjectRecord struct {
	Platform    string     `json:"platform"`
	ExternalID  string     `json:"external_id,omitempty"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Description string     `json:"description,omitempty"`
	Budget      string     `json:"budget,omitempty"`
	Skills      []string   `json:"skills,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
	ScrapedAt   time.Time  `json:"scraped_at"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	SearchTerm  string     `json:"search_term,omitempty"`
}

// ScrapeResult is the JSON payload stored on a completed scrape job.
type ScrapeResult struct {
	Platform   string `json:"platform"`
	SearchTerm string `json:"search_term"`
	ItemsFound int    `json:"items_found"`
	ItemsSaved int    `json:"items_saved"`
	DurationMs int64  `json:"duration_ms"`
	ArchiveURI string `json:"archive_uri,omitempty"`
}
