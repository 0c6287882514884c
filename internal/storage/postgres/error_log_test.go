package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

func TestErrorLogAppendAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	log, err := NewErrorLog(mock, "")
	require.NoError(t, err)

	rec := crawler.ErrorRecord{
		ID:          "err-1",
		Kind:        crawler.KindRateLimit,
		Severity:    crawler.SeverityMedium,
		Platform:    "upwork",
		Message:     "429",
		OccurredAt:  now,
		Recoverable: true,
	}
	mock.ExpectExec("INSERT INTO crawl_errors").
		WithArgs("err-1", "rate_limit", "MEDIUM", "upwork", "", "429", now, 0, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, log.Append(context.Background(), rec))

	mock.ExpectQuery("SELECT .* FROM crawl_errors WHERE occurred_at").
		WithArgs(now).
		WillReturnRows(mock.NewRows([]string{
			"id", "kind", "severity", "platform", "job_id", "message", "occurred_at", "retry_count", "recoverable",
		}).AddRow("err-1", "rate_limit", "MEDIUM", "upwork", "", "429", now, 0, true))
	got, err := log.ListSince(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, []crawler.ErrorRecord{rec}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
