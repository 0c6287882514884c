package queue

import (
	"strconv"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// Event names published on job transitions.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is the payload published when a job reaches a terminal state.
type Event struct {
	Name       string            `json:"event"`
	JobID      string            `json:"job_id"`
	Type       crawler.JobType   `json:"type"`
	Platform   string            `json:"platform,omitempty"`
	Status     crawler.JobStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func newEvent(name string, job crawler.Job, at time.Time) Event {
	return Event{
		Name:       name,
		JobID:      job.ID,
		Type:       job.Type,
		Platform:   job.Platform,
		Status:     job.Status,
		Attempts:   job.Attempts,
		Error:      job.LastError,
		OccurredAt: at,
	}
}

// Attributes exposes routing fields as Pub/Sub attributes.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"event":    e.Name,
		"job_id":   e.JobID,
		"type":     string(e.Type),
		"platform": e.Platform,
		"attempts": strconv.Itoa(e.Attempts),
	}
}
