package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/clock"
	"github.com/JakeFAU/gigcrawler/internal/crawler"
	pubmemory "github.com/JakeFAU/gigcrawler/internal/publisher/memory"
	"github.com/JakeFAU/gigcrawler/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type staticGate []string

func (g staticGate) BlockedPlatforms(time.Time) []string { return g }

type fixture struct {
	q      *Queue
	store  *memory.JobStore
	errLog *memory.ErrorLog
	clock  *clock.Manual
	pub    *pubmemory.Publisher
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	f := fixture{
		store:  memory.NewJobStore(),
		errLog: memory.NewErrorLog(0),
		clock:  clock.NewManual(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		pub:    pubmemory.New(),
	}
	cfg := Config{
		Backoff:        crawler.BackoffPolicy{Base: time.Second, Max: time.Minute, Multiplier: 2},
		CompletedTopic: "jobs.completed",
		FailedTopic:    "jobs.failed",
	}
	opts = append([]Option{WithPublisher(f.pub)}, opts...)
	f.q = New(f.store, f.errLog, &seqIDs{}, f.clock, zap.NewNop(), cfg, opts...)
	return f
}

func scrapeSpec(platform string) crawler.JobSpec {
	return crawler.JobSpec{
		Type:     crawler.JobTypeScrape,
		Platform: platform,
		Params:   crawler.JobParameters{SearchTerm: "golang", MaxResults: 10},
	}
}

func TestAddJobDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	id, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	job, err := f.q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, crawler.PriorityMedium, job.Priority)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	require.Equal(t, f.clock.Now(), job.AvailableAt)

	var vErr *crawler.ValidationError
	_, err = f.q.AddJob(ctx, crawler.JobSpec{})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "type", vErr.Field)

	_, err = f.q.AddJob(ctx, crawler.JobSpec{Type: "crawl"})
	require.ErrorAs(t, err, &vErr)

	_, err = f.q.AddJob(ctx, crawler.JobSpec{Type: crawler.JobTypeCleanup, Priority: "urgent"})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "priority", vErr.Field)
}

func TestAddJobBatchPartialSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	results := f.q.AddJobBatch(context.Background(), []crawler.JobSpec{
		scrapeSpec("upwork"),
		{},
		{Type: crawler.JobTypeHealthCheck, Platform: "freelancer"},
	})
	require.Len(t, results, 3)
	require.NotEmpty(t, results[0].ID)
	require.Empty(t, results[1].ID)
	require.Error(t, results[1].Err)
	require.NotEmpty(t, results[1].Error)
	require.NotEmpty(t, results[2].ID)

	stats, err := f.q.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
}

func TestLeaseServesHighBeforeMedium(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	var medium, high []string
	for range 2 {
		id, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
		require.NoError(t, err)
		medium = append(medium, id)
	}
	for range 3 {
		id, err := f.q.ScheduleHighPriorityJob(ctx, scrapeSpec("upwork"))
		require.NoError(t, err)
		high = append(high, id)
	}

	var got []string
	for range 5 {
		job, err := f.q.Lease(ctx, "w1")
		require.NoError(t, err)
		got = append(got, job.ID)
	}
	require.Equal(t, append(high, medium...), got)

	_, err := f.q.Lease(ctx, "w1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestLeaseSkipsBlockedPlatforms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithGate(staticGate{"upwork"}))
	ctx := context.Background()
	_, err := f.q.ScheduleHighPriorityJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	lowID, err := f.q.AddJob(ctx, crawler.JobSpec{Type: crawler.JobTypeScrape, Priority: crawler.PriorityLow, Platform: "freelancer"})
	require.NoError(t, err)

	job, err := f.q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, lowID, job.ID)

	_, err = f.q.Lease(ctx, "w1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestFailJobRetriesExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	spec := scrapeSpec("upwork")
	spec.MaxAttempts = 3
	id, err := f.q.AddJob(ctx, spec)
	require.NoError(t, err)

	cause := &crawler.PlatformError{Platform: "upwork", Kind: crawler.KindTimeout}
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := f.q.Lease(ctx, "w1")
		require.NoError(t, err, "attempt %d", attempt)
		require.Equal(t, id, job.ID)

		job, err = f.q.FailJob(ctx, id, cause)
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempts)
		if attempt < 3 {
			require.Equal(t, crawler.JobStatusPending, job.Status)
			delay := time.Duration(1<<(attempt-1)) * time.Second
			require.Equal(t, f.clock.Now().Add(delay), job.AvailableAt)

			_, err = f.q.Lease(ctx, "w1")
			require.ErrorIs(t, err, crawler.ErrNotFound, "job must wait out its backoff")
			f.clock.Advance(delay)
			continue
		}
		require.Equal(t, crawler.JobStatusFailed, job.Status)
		require.NotNil(t, job.CompletedAt)
		require.Contains(t, job.LastError, "timeout")
	}

	records, err := f.errLog.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, crawler.KindJobExhausted, records[0].Kind)
	require.Equal(t, id, records[0].JobID)
	require.Equal(t, 3, records[0].RetryCount)
	require.False(t, records[0].Recoverable)

	failed := f.pub.Messages("jobs.failed")
	require.Len(t, failed, 1)
	ev, ok := failed[0].Payload.(Event)
	require.True(t, ok)
	require.Equal(t, EventJobFailed, ev.Name)
	require.Equal(t, "3", ev.Attributes()["attempts"])

	_, err = f.q.FailJob(ctx, id, cause)
	require.ErrorIs(t, err, crawler.ErrJobTerminal)
}

func TestCompleteJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	id, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)

	_, err = f.q.CompleteJob(ctx, id, nil)
	require.ErrorIs(t, err, crawler.ErrJobTerminal, "pending jobs cannot complete")

	_, err = f.q.Lease(ctx, "w1")
	require.NoError(t, err)
	job, err := f.q.CompleteJob(ctx, id, crawler.ScrapeResult{Platform: "upwork", ItemsFound: 4})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	var res crawler.ScrapeResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	require.Equal(t, 4, res.ItemsFound)

	_, err = f.q.CompleteJob(ctx, id, nil)
	require.ErrorIs(t, err, crawler.ErrJobTerminal)
	_, err = f.q.CompleteJob(ctx, "missing", nil)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = f.q.FailJob(ctx, "missing", errors.New("x"))
	require.ErrorIs(t, err, crawler.ErrNotFound)

	require.Len(t, f.pub.Messages("jobs.completed"), 1)
}

func TestCompleteJobPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.pub.FailWith(errors.New("broker down"))
	id, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	_, err = f.q.Lease(ctx, "w1")
	require.NoError(t, err)
	_, err = f.q.CompleteJob(ctx, id, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	_, err = f.q.CompleteJob(ctx, id, []byte("not json"))
	require.Error(t, err)
}

func TestCleanupOnlyRemovesAgedTerminalJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	doneID, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	_, err = f.q.Lease(ctx, "w1")
	require.NoError(t, err)
	_, err = f.q.CompleteJob(ctx, doneID, nil)
	require.NoError(t, err)

	processingID, err := f.q.AddJob(ctx, scrapeSpec("freelancer"))
	require.NoError(t, err)
	leased, err := f.q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, processingID, leased.ID)
	pendingID, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	recentID, err := f.q.ScheduleHighPriorityJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	leased, err = f.q.Lease(ctx, "w3")
	require.NoError(t, err)
	require.Equal(t, recentID, leased.ID)
	_, err = f.q.CompleteJob(ctx, recentID, nil)
	require.NoError(t, err)

	removed, err := f.q.Cleanup(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = f.q.GetJobStatus(ctx, doneID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	for _, id := range []string{pendingID, processingID, recentID} {
		_, err := f.q.GetJobStatus(ctx, id)
		require.NoError(t, err)
	}

	_, err = f.q.Cleanup(ctx, -1)
	var vErr *crawler.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestReadySignalsOnEnqueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ready := f.q.Ready()
	select {
	case <-ready:
		t.Fatal("ready closed before enqueue")
	default:
	}
	_, err := f.q.AddJob(context.Background(), scrapeSpec("upwork"))
	require.NoError(t, err)
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ready not closed after enqueue")
	}
}

type knownPlatforms []string

func (k knownPlatforms) Known(name string) bool {
	for _, p := range k {
		if p == name {
			return true
		}
	}
	return false
}

func TestAddJobRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithPlatforms(knownPlatforms{"upwork", "freelancer"}))
	ctx := context.Background()

	_, err := f.q.AddJob(ctx, scrapeSpec("upwrok"))
	var vErr *crawler.ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "platform", vErr.Field)
	require.Equal(t, []string{"upwrok"}, vErr.Values)

	stats, err := f.q.GetStats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)

	_, err = f.q.AddJob(ctx, scrapeSpec("freelancer"))
	require.NoError(t, err)
	_, err = f.q.AddJob(ctx, crawler.JobSpec{Type: crawler.JobTypeCleanup})
	require.NoError(t, err)
}

func TestLeaseReclaimsAbandonedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	id, err := f.q.AddJob(ctx, scrapeSpec("upwork"))
	require.NoError(t, err)
	first, err := f.q.Lease(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, id, first.ID)

	// Still within the lease: nobody else may take it.
	f.clock.Advance(DefaultLeaseTimeout / 2)
	_, err = f.q.Lease(ctx, "worker-2")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	f.clock.Advance(7 * 24 * time.Hour)
	second, err := f.q.Lease(ctx, "worker-2")
	require.NoError(t, err)
	require.Equal(t, id, second.ID)
	require.Equal(t, "worker-2", second.LeasedBy)
	require.Equal(t, 1, second.Attempts)
	require.Equal(t, "lease expired", second.LastError)

	_, err = f.q.CompleteJob(ctx, id, nil)
	require.NoError(t, err)
	_, err = f.q.FailJob(ctx, id, errors.New("late"))
	require.ErrorIs(t, err, crawler.ErrJobTerminal)
}

func TestReclaimExhaustsAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	spec := scrapeSpec("upwork")
	spec.MaxAttempts = 1
	id, err := f.q.AddJob(ctx, spec)
	require.NoError(t, err)
	_, err = f.q.Lease(ctx, "worker-1")
	require.NoError(t, err)

	f.clock.Advance(DefaultLeaseTimeout + time.Second)
	removed, err := f.q.Cleanup(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, removed)

	job, err := f.q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Empty(t, job.LeasedBy)
	require.Nil(t, job.LeasedAt)
	require.NotNil(t, job.CompletedAt)

	records, err := f.errLog.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].JobID)
	require.Equal(t, crawler.KindJobExhausted, records[0].Kind)

	_, err = f.q.Lease(ctx, "worker-2")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
