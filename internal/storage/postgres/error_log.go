package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// ErrorLog appends error records to Postgres.
type ErrorLog struct {
	db    DB
	table string
}

// NewErrorLog constructs an ErrorLog over db.
func NewErrorLog(db DB, table string) (*ErrorLog, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultErrorsTable)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{db: db, table: name}, nil
}

// Append inserts rec.
func (l *ErrorLog) Append(ctx context.Context, rec crawler.ErrorRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, severity, platform, job_id, message, occurred_at, retry_count, recoverable)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, l.table)
	_, err := l.db.Exec(ctx, query,
		rec.ID,
		string(rec.Kind),
		string(rec.Severity),
		rec.Platform,
		rec.JobID,
		rec.Message,
		rec.OccurredAt,
		rec.RetryCount,
		rec.Recoverable,
	)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// ListSince returns records that occurred at or after since, oldest first.
func (l *ErrorLog) ListSince(ctx context.Context, since time.Time) ([]crawler.ErrorRecord, error) {
	query := fmt.Sprintf(`
SELECT id, kind, severity, platform, job_id, message, occurred_at, retry_count, recoverable
FROM %s WHERE occurred_at >= $1 ORDER BY occurred_at`, l.table)
	rows, err := l.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.ErrorRecord, 0)
	for rows.Next() {
		var (
			rec            crawler.ErrorRecord
			kind, severity string
		)
		if err := rows.Scan(
			&rec.ID,
			&kind,
			&severity,
			&rec.Platform,
			&rec.JobID,
			&rec.Message,
			&rec.OccurredAt,
			&rec.RetryCount,
			&rec.Recoverable,
		); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		rec.Kind = crawler.ErrorKind(kind)
		rec.Severity = crawler.Severity(severity)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}
