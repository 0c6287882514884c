package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job records. Lease must be atomic: a pending job is
// handed to at most one caller.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	// Lease marks the next eligible pending job processing and returns it.
	// It returns ErrNotFound when nothing is eligible.
	Lease(ctx context.Context, now time.Time, workerID string, excludePlatforms []string) (Job, error)
	// UpdateJob writes job back, succeeding only while the stored row is in
	// expected status.
	UpdateJob(ctx context.Context, job Job, expected JobStatus) error
	// ExpiredLeases returns up to limit processing jobs leased before
	// leasedBefore, oldest lease first.
	ExpiredLeases(ctx context.Context, leasedBefore time.Time, limit int) ([]Job, error)
	CountByStatus(ctx context.Context) (QueueStats, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrorLog is the append-only error record table.
type ErrorLog interface {
	Append(ctx context.Context, rec ErrorRecord) error
	ListSince(ctx context.Context, since time.Time) ([]ErrorRecord, error)
}

// ProjectStore persists normalized listings.
type ProjectStore interface {
	SaveProjects(ctx context.Context, records []ProjectRecord) (int, error)
	ListProjects(ctx context.Context, platform string, limit int) ([]ProjectRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Scraper is the opaque per-platform executor.
type Scraper interface {
	Scrape(ctx context.Context, searchTerm string, maxResults int) ([]ProjectRecord, error)
}

// ScraperFunc adapts a function to Scraper.
type ScraperFunc func(ctx context.Context, searchTerm string, maxResults int) ([]ProjectRecord, error)

// Scrape calls f.
func (f ScraperFunc) Scrape(ctx context.Context, searchTerm string, maxResults int) ([]ProjectRecord, error) {
	return f(ctx, searchTerm, maxResults)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
