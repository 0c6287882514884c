package optimizer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/clock"
	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/hash/sha256"
	"github.com/JakeFAU/gigcrawler/internal/health"
	"github.com/JakeFAU/gigcrawler/internal/id/uuid"
	"github.com/JakeFAU/gigcrawler/internal/storage/memory"
)

type fakeScraper struct {
	mu      sync.Mutex
	results map[string][]crawler.ProjectRecord
	errs    map[string]error
	calls   []string
}

func (f *fakeScraper) Scrape(_ context.Context, platform, term string, maxResults int) ([]crawler.ProjectRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, platform)
	f.mu.Unlock()
	if err := f.errs[platform]; err != nil {
		return nil, err
	}
	out := append([]crawler.ProjectRecord(nil), f.results[platform]...)
	for i := range out {
		out[i].Platform = platform
		out[i].SearchTerm = term
	}
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (f *fakeScraper) Names() []string {
	names := make([]string, 0, len(f.results)+len(f.errs))
	seen := map[string]bool{}
	for n := range f.results {
		seen[n] = true
	}
	for n := range f.errs {
		seen[n] = true
	}
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *fakeScraper) Known(platform string) bool {
	_, ok := f.results[platform]
	_, failing := f.errs[platform]
	return ok || failing
}

func listing(title, url string) crawler.ProjectRecord {
	return crawler.ProjectRecord{Title: title, URL: url}
}

func newOptimizer(t *testing.T, s *fakeScraper, cfg Config) (*Optimizer, *health.Monitor, *memory.ProjectStore) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	mon := health.NewMonitor(s.Names(), health.Config{FailureThreshold: 1, DegradedThreshold: 1},
		memory.NewErrorLog(0), uuid.New(), clk, zap.NewNop())
	projects := memory.NewProjectStore()
	return New(s, mon, sha256.New(), projects, clk, zap.NewNop(), cfg), mon, projects
}

func TestScrapeAllPlatformsMergesAndDedups(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{results: map[string][]crawler.ProjectRecord{
		"upwork": {
			listing("Go Developer", "https://Example.com/jobs/1/"),
			listing("Rust dev", "https://example.com/jobs/2"),
		},
		"freelancer": {
			listing("go developer!", "https://example.com/jobs/1#apply"),
			listing("Data entry", "https://example.com/jobs/3"),
		},
	}}
	opt, _, projects := newOptimizer(t, s, Config{})

	res, err := opt.ScrapeAllPlatforms(context.Background(), Request{
		SearchTerm: "go",
		Platforms:  []string{"upwork", "freelancer"},
		Persist:    true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 4, res.TotalFound)
	require.Equal(t, 3, res.UniqueTotal)
	require.Equal(t, 1, res.DuplicatesRemoved)
	require.Equal(t, 3, res.Saved)
	require.InDelta(t, 1.5, res.AverageYield, 0.001)

	require.Len(t, res.Platforms, 2)
	require.Equal(t, "upwork", res.Platforms[0].Platform)
	require.Equal(t, 2, res.Platforms[0].Kept)
	require.Equal(t, 1, res.Platforms[1].Kept)

	for _, rec := range res.Projects {
		require.NotEmpty(t, rec.Fingerprint)
	}
	stored, err := projects.ListProjects(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
}

func TestScrapeAllPlatformsPartialFailure(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{
		results: map[string][]crawler.ProjectRecord{"upwork": {listing("A", "https://a.example/1")}},
		errs: map[string]error{"freelancer": &crawler.PlatformError{
			Platform: "freelancer", Kind: crawler.KindRateLimit, StatusCode: 429,
		}},
	}
	opt, mon, _ := newOptimizer(t, s, Config{})

	res, err := opt.ScrapeAllPlatforms(context.Background(), Request{SearchTerm: "go"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.UniqueTotal)

	var failed PlatformStats
	for _, st := range res.Platforms {
		if st.Platform == "freelancer" {
			failed = st
		}
	}
	require.Equal(t, crawler.KindRateLimit, failed.ErrorKind)
	require.NotEmpty(t, failed.Error)

	h, ok := mon.GetPlatformHealth("freelancer")
	require.True(t, ok)
	require.Equal(t, 1, h.ConsecutiveFailures)
	require.True(t, h.IsBlocked)
}

func TestScrapeAllPlatformsSkipsBlocked(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{
		results: map[string][]crawler.ProjectRecord{"upwork": {listing("A", "https://a.example/1")}},
		errs:    map[string]error{"freelancer": errors.New("boom")},
	}
	opt, _, _ := newOptimizer(t, s, Config{})
	ctx := context.Background()

	_, err := opt.ScrapeAllPlatforms(ctx, Request{SearchTerm: "go"})
	require.NoError(t, err)

	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()

	res, err := opt.ScrapeAllPlatforms(ctx, Request{SearchTerm: "go"})
	require.NoError(t, err)
	require.Equal(t, []string{"upwork"}, s.calls)
	for _, st := range res.Platforms {
		if st.Platform == "freelancer" {
			require.True(t, st.Skipped)
		}
	}
}

func TestScrapeAllPlatformsAllFailed(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{errs: map[string]error{"a": errors.New("x"), "b": errors.New("y")}}
	opt, _, _ := newOptimizer(t, s, Config{})

	res, err := opt.ScrapeAllPlatforms(context.Background(), Request{SearchTerm: "go"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Empty(t, res.Projects)
	require.Zero(t, res.AverageYield)
}

func TestScrapeAllPlatformsValidation(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{results: map[string][]crawler.ProjectRecord{"upwork": nil}}
	opt, _, _ := newOptimizer(t, s, Config{})
	ctx := context.Background()

	_, err := opt.ScrapeAllPlatforms(ctx, Request{})
	var vErr *crawler.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "search_term", vErr.Field)

	_, err = opt.ScrapeAllPlatforms(ctx, Request{SearchTerm: "go", Platforms: []string{"upwork", "fiverr", "toptal"}})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, []string{"fiverr", "toptal"}, vErr.Values)
}

func TestScrapeAllPlatformsHonorsMaxResults(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{results: map[string][]crawler.ProjectRecord{"upwork": {
		listing("A", "https://a.example/1"),
		listing("B", "https://a.example/2"),
		listing("C", "https://a.example/3"),
	}}}
	opt, _, _ := newOptimizer(t, s, Config{DefaultMaxResults: 2})

	res, err := opt.ScrapeAllPlatforms(context.Background(), Request{SearchTerm: "go"})
	require.NoError(t, err)
	require.Equal(t, 2, res.UniqueTotal)

	res, err = opt.ScrapeAllPlatforms(context.Background(), Request{SearchTerm: "go", MaxResults: 1})
	require.NoError(t, err)
	require.Equal(t, 1, res.UniqueTotal)
}

func TestScrapeAllPlatformsCanceled(t *testing.T) {
	t.Parallel()

	s := &fakeScraper{results: map[string][]crawler.ProjectRecord{"upwork": nil}}
	opt, _, _ := newOptimizer(t, s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := opt.ScrapeAllPlatforms(ctx, Request{SearchTerm: "go"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFingerprintNormalizes(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	a, err := Fingerprint(h, listing("Go  Developer!", "HTTPS://Example.com:443/jobs/1/?b=2&a=1#top"))
	require.NoError(t, err)
	b, err := Fingerprint(h, listing("go developer", "https://example.com/jobs/1?a=1&b=2"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Fingerprint(h, listing("go developer", "https://example.com/jobs/2"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	t.Parallel()

	records := []crawler.ProjectRecord{
		{Title: "a", Fingerprint: "1"},
		{Title: "b", Fingerprint: "2"},
		{Title: "a again", Fingerprint: "1"},
		{Title: "no fp"},
	}
	once, removed := Deduplicate(records)
	require.Equal(t, 1, removed)
	require.Len(t, once, 3)
	require.Equal(t, "a", once[0].Title)

	twice, removed := Deduplicate(once)
	require.Zero(t, removed)
	require.Equal(t, once, twice)
}
