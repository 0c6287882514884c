package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// DefaultErrorLogCapacity bounds the in-memory error log.
const DefaultErrorLogCapacity = 10000

// ErrorLog keeps the most recent error records, dropping the oldest once full.
type ErrorLog struct {
	mu       sync.RWMutex
	records  []crawler.ErrorRecord
	capacity int
}

// NewErrorLog creates an ErrorLog holding at most capacity records.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = DefaultErrorLogCapacity
	}
	return &ErrorLog{capacity: capacity}
}

// Append adds a record.
func (l *ErrorLog) Append(_ context.Context, rec crawler.ErrorRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if over := len(l.records) - l.capacity; over > 0 {
		l.records = append([]crawler.ErrorRecord(nil), l.records[over:]...)
	}
	return nil
}

// ListSince returns records that occurred at or after since, oldest first.
func (l *ErrorLog) ListSince(_ context.Context, since time.Time) ([]crawler.ErrorRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]crawler.ErrorRecord, 0)
	for _, rec := range l.records {
		if !rec.OccurredAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}
