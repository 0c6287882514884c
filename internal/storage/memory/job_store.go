// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

const defaultListLimit = 100

// JobStore is a mutex-guarded job table with an insertion sequence.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
	seq  int64
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job and assigns its sequence number.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	s.seq++
	job.Seq = s.seq
	s.jobs[job.ID] = cloneJob(job)
	return cloneJob(job), nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return cloneJob(job), nil
}

// Lease picks the highest-priority, oldest pending job that is due and not
// on an excluded platform, and marks it processing.
func (s *JobStore) Lease(
	_ context.Context,
	now time.Time,
	workerID string,
	excludePlatforms []string,
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  crawler.Job
		found bool
	)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending || job.AvailableAt.After(now) {
			continue
		}
		if job.Platform != "" && slices.Contains(excludePlatforms, job.Platform) {
			continue
		}
		if !found || leasesBefore(job, best) {
			best, found = job, true
		}
	}
	if !found {
		return crawler.Job{}, crawler.ErrNotFound
	}
	best.Status = crawler.JobStatusProcessing
	best.LeasedBy = workerID
	best.UpdatedAt = now
	leasedAt := now
	best.LeasedAt = &leasedAt
	s.jobs[best.ID] = best
	return cloneJob(best), nil
}

// UpdateJob replaces the stored job if its current status matches expected.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job, expected crawler.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("job %s is %s: %w", job.ID, current.Status, crawler.ErrJobTerminal)
	}
	job.Seq = current.Seq
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ExpiredLeases returns processing jobs whose lease started before leasedBefore.
func (s *JobStore) ExpiredLeases(_ context.Context, leasedBefore time.Time, limit int) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Job
	for _, job := range s.jobs {
		if job.Status == crawler.JobStatusProcessing && job.LeasedAt != nil && job.LeasedAt.Before(leasedBefore) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LeasedAt.Equal(*out[j].LeasedAt) {
			return out[i].LeasedAt.Before(*out[j].LeasedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus tallies jobs per status and pending jobs per priority.
func (s *JobStore) CountByStatus(_ context.Context) (crawler.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.QueueStats{PendingPriority: map[crawler.Priority]int{}}
	for _, job := range s.jobs {
		switch job.Status {
		case crawler.JobStatusPending:
			stats.Pending++
			stats.PendingPriority[job.Priority]++
		case crawler.JobStatusProcessing:
			stats.Processing++
		case crawler.JobStatusCompleted:
			stats.Completed++
		case crawler.JobStatusFailed:
			stats.Failed++
		}
	}
	stats.Total = len(s.jobs)
	return stats, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Platform != "" && job.Platform != filter.Platform {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalBefore removes completed or failed jobs last updated before cutoff.
func (s *JobStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func leasesBefore(a, b crawler.Job) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return a.Seq < b.Seq
}

func cloneJob(job crawler.Job) crawler.Job {
	if job.Metadata != nil {
		md := make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			md[k] = v
		}
		job.Metadata = md
	}
	if job.Result != nil {
		job.Result = append([]byte(nil), job.Result...)
	}
	if job.CompletedAt != nil {
		ts := *job.CompletedAt
		job.CompletedAt = &ts
	}
	if job.LeasedAt != nil {
		ts := *job.LeasedAt
		job.LeasedAt = &ts
	}
	return job
}
