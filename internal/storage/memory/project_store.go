package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// ProjectStore keeps listings keyed by fingerprint.
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[string]crawler.ProjectRecord
}

// NewProjectStore creates an empty ProjectStore.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{projects: make(map[string]crawler.ProjectRecord)}
}

// SaveProjects inserts records not already present and returns how many were new.
func (s *ProjectStore) SaveProjects(_ context.Context, records []crawler.ProjectRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		key := projectKey(rec)
		if _, exists := s.projects[key]; exists {
			continue
		}
		rec.Skills = append([]string(nil), rec.Skills...)
		s.projects[key] = rec
		inserted++
	}
	return inserted, nil
}

// ListProjects returns the most recently scraped listings, optionally for one platform.
func (s *ProjectStore) ListProjects(_ context.Context, platform string, limit int) ([]crawler.ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ProjectRecord, 0, len(s.projects))
	for _, rec := range s.projects {
		if platform != "" && rec.Platform != platform {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScrapedAt.Equal(out[j].ScrapedAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].ScrapedAt.After(out[j].ScrapedAt)
	})
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func projectKey(rec crawler.ProjectRecord) string {
	if rec.Fingerprint != "" {
		return rec.Fingerprint
	}
	return rec.Platform + "|" + rec.URL
}
