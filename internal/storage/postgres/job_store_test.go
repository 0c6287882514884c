package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

var (
	now     = time.Unix(1700000000, 0).UTC()
	jobCols = []string{
		"id", "seq", "job_type", "priority", "platform", "params", "status", "attempts", "max_attempts",
		"created_at", "updated_at", "available_at", "completed_at", "leased_by", "leased_at", "result", "last_error", "metadata",
	}
)

func newJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStore(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewJobStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStore(mock, "jobs; DROP TABLE x")
	require.Error(t, err)
	_, err = NewJobStore(nil, "")
	require.Error(t, err)
}

func TestCreateJobReturnsSeq(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	job := crawler.Job{
		ID:          "job-1",
		Type:        crawler.JobTypeScrape,
		Priority:    crawler.PriorityHigh,
		Platform:    "upwork",
		Params:      crawler.JobParameters{SearchTerm: "golang", MaxResults: 20},
		Status:      crawler.JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	params, err := json.Marshal(job.Params)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO crawl_jobs").
		WithArgs("job-1", "scrape", "high", 0, "upwork", params, "pending", 0, 3, now, now, now, []byte(nil)).
		WillReturnRows(mock.NewRows([]string{"seq"}).AddRow(int64(42)))

	got, err := store.CreateJob(context.Background(), job)
	require.NoError(t, err)
	require.EqualValues(t, 42, got.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsJob(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	mock.ExpectQuery("UPDATE crawl_jobs SET status = 'processing'").
		WithArgs(now, "worker-1", []string{"upwork"}).
		WillReturnRows(mock.NewRows(jobCols).AddRow(
			"job-2", int64(7), "scrape", "medium", "freelancer",
			[]byte(`{"search_term":"rust","max_results":5}`),
			"processing", 1, 3, now, now, now, nil, "worker-1", &now, nil, "", []byte(`{"source":"api"}`),
		))

	job, err := store.Lease(context.Background(), now, "worker-1", []string{"upwork"})
	require.NoError(t, err)
	require.Equal(t, "job-2", job.ID)
	require.Equal(t, crawler.JobStatusProcessing, job.Status)
	require.Equal(t, crawler.PriorityMedium, job.Priority)
	require.Equal(t, "rust", job.Params.SearchTerm)
	require.Equal(t, "api", job.Metadata["source"])
	require.Nil(t, job.CompletedAt)
	require.NotNil(t, job.LeasedAt)
	require.Equal(t, now, *job.LeasedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	mock.ExpectQuery("UPDATE crawl_jobs SET status = 'processing'").
		WithArgs(now, "worker-1", []string{}).
		WillReturnRows(mock.NewRows(jobCols))

	_, err := store.Lease(context.Background(), now, "worker-1", nil)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	mock.ExpectQuery("SELECT .* FROM crawl_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobConditional(t *testing.T) {
	t.Parallel()

	completed := now.Add(time.Minute)
	job := crawler.Job{
		ID:          "job-3",
		Status:      crawler.JobStatusCompleted,
		Attempts:    1,
		UpdatedAt:   completed,
		AvailableAt: now,
		CompletedAt: &completed,
		LeasedBy:    "worker-1",
		Result:      json.RawMessage(`{"items_found":3}`),
	}

	t.Run("applied", func(t *testing.T) {
		t.Parallel()
		store, mock := newJobStore(t)
		mock.ExpectExec("UPDATE crawl_jobs SET").
			WithArgs("job-3", "completed", 1, completed, now, &completed, "worker-1",
				[]byte(`{"items_found":3}`), "", []byte(nil), "processing", (*time.Time)(nil)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, store.UpdateJob(context.Background(), job, crawler.JobStatusProcessing))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal", func(t *testing.T) {
		t.Parallel()
		store, mock := newJobStore(t)
		mock.ExpectExec("UPDATE crawl_jobs SET").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM crawl_jobs").
			WithArgs("job-3").
			WillReturnRows(mock.NewRows([]string{"status"}).AddRow("completed"))
		err := store.UpdateJob(context.Background(), job, crawler.JobStatusProcessing)
		require.ErrorIs(t, err, crawler.ErrJobTerminal)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		store, mock := newJobStore(t)
		mock.ExpectExec("UPDATE crawl_jobs SET").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM crawl_jobs").
			WithArgs("job-3").
			WillReturnRows(mock.NewRows([]string{"status"}))
		err := store.UpdateJob(context.Background(), job, crawler.JobStatusProcessing)
		require.ErrorIs(t, err, crawler.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	mock.ExpectQuery("SELECT status, priority, COUNT").
		WillReturnRows(mock.NewRows([]string{"status", "priority", "count"}).
			AddRow("pending", "high", int64(2)).
			AddRow("pending", "low", int64(4)).
			AddRow("processing", "medium", int64(1)).
			AddRow("failed", "low", int64(3)))

	stats, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, stats.Pending)
	require.Equal(t, 1, stats.Processing)
	require.Equal(t, 3, stats.Failed)
	require.Equal(t, 10, stats.Total)
	require.Equal(t, 2, stats.PendingPriority[crawler.PriorityHigh])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsAndDelete(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	mock.ExpectQuery("SELECT .* FROM crawl_jobs").
		WithArgs("failed", "upwork", 100).
		WillReturnRows(mock.NewRows(jobCols).AddRow(
			"job-9", int64(9), "scrape", "low", "upwork", []byte(`{}`),
			"failed", 3, 3, now, now, now, nil, "", nil, nil, "timeout", nil,
		))
	jobs, err := store.ListJobs(context.Background(), crawler.JobFilter{Status: crawler.JobStatusFailed, Platform: "upwork"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "timeout", jobs[0].LastError)

	mock.ExpectExec("DELETE FROM crawl_jobs").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	n, err := store.DeleteTerminalBefore(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	mock.ExpectExec("DELETE FROM crawl_jobs").
		WithArgs(now).
		WillReturnError(errors.New("conn reset"))
	_, err = store.DeleteTerminalBefore(context.Background(), now)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpiredLeases(t *testing.T) {
	t.Parallel()

	store, mock := newJobStore(t)
	leased := now.Add(-time.Hour)
	mock.ExpectQuery("SELECT .* FROM crawl_jobs\\s+WHERE status = 'processing' AND leased_at < \\$1").
		WithArgs(now, 100).
		WillReturnRows(mock.NewRows(jobCols).AddRow(
			"job-4", int64(4), "scrape", "high", "upwork", []byte(`{}`),
			"processing", 0, 3, leased, leased, leased, nil, "worker-1", &leased, nil, "", nil,
		))

	jobs, err := store.ExpiredLeases(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "worker-1", jobs[0].LeasedBy)
	require.Equal(t, leased, *jobs[0].LeasedAt)

	mock.ExpectQuery("SELECT .* FROM crawl_jobs").
		WithArgs(now, 10).
		WillReturnError(errors.New("conn reset"))
	_, err = store.ExpiredLeases(context.Background(), now, 10)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
