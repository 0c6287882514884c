package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

const jobColumns = `id, seq, job_type, priority, platform, params, status, attempts, max_attempts,
	created_at, updated_at, available_at, completed_at, leased_by, leased_at, result, last_error, metadata`

const defaultListLimit = 100

// JobStore persists jobs in Postgres. Leasing uses FOR UPDATE SKIP LOCKED so
// concurrent workers never receive the same row.
type JobStore struct {
	db    DB
	table string
}

// NewJobStore constructs a JobStore over db.
func NewJobStore(db DB, table string) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultJobsTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{db: db, table: name}, nil
}

// CreateJob inserts job and returns it with the assigned sequence.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("marshal params: %w", err)
	}
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return crawler.Job{}, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, job_type, priority, priority_rank, platform, params, status, attempts, max_attempts,
	created_at, updated_at, available_at, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING seq`, s.table)
	err = s.db.QueryRow(ctx, query,
		job.ID,
		string(job.Type),
		string(job.Priority),
		job.Priority.Rank(),
		job.Platform,
		params,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
		job.AvailableAt,
		metadata,
	).Scan(&job.Seq)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Lease claims the next eligible pending job in a single statement.
func (s *JobStore) Lease(
	ctx context.Context,
	now time.Time,
	workerID string,
	excludePlatforms []string,
) (crawler.Job, error) {
	if excludePlatforms == nil {
		excludePlatforms = []string{}
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET status = 'processing', leased_by = $2, leased_at = $1, updated_at = $1
WHERE id = (
	SELECT id FROM %[1]s
	WHERE status = 'pending'
	  AND available_at <= $1
	  AND (platform = '' OR NOT (platform = ANY($3)))
	ORDER BY priority_rank, seq
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING %[2]s`, s.table, jobColumns)
	job, err := scanJob(s.db.QueryRow(ctx, query, now, workerID, excludePlatforms))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

// UpdateJob writes the mutable columns of job while the row is in expected status.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job, expected crawler.JobStatus) error {
	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	var result []byte
	if len(job.Result) > 0 {
		result = job.Result
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	attempts = $3,
	updated_at = $4,
	available_at = $5,
	completed_at = $6,
	leased_by = $7,
	result = $8,
	last_error = $9,
	metadata = $10,
	leased_at = $12
WHERE id = $1 AND status = $11`, s.table)
	tag, err := s.db.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.Attempts,
		job.UpdatedAt,
		job.AvailableAt,
		job.CompletedAt,
		job.LeasedBy,
		result,
		job.LastError,
		metadata,
		string(expected),
		job.LeasedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), job.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("job %s is %s: %w", job.ID, current, crawler.ErrJobTerminal)
}

// ExpiredLeases returns processing jobs whose lease started before leasedBefore.
func (s *JobStore) ExpiredLeases(ctx context.Context, leasedBefore time.Time, limit int) ([]crawler.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = 'processing' AND leased_at < $1
ORDER BY leased_at, seq
LIMIT $2`, jobColumns, s.table)
	rows, err := s.db.Query(ctx, query, leasedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	return collectJobs(rows)
}

// CountByStatus tallies jobs per status and pending jobs per priority.
func (s *JobStore) CountByStatus(ctx context.Context) (crawler.QueueStats, error) {
	query := fmt.Sprintf(`SELECT status, priority, COUNT(*) FROM %s GROUP BY status, priority`, s.table)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := crawler.QueueStats{PendingPriority: map[crawler.Priority]int{}}
	for rows.Next() {
		var (
			status, priority string
			count            int64
		)
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return crawler.QueueStats{}, fmt.Errorf("scan job counts: %w", err)
		}
		n := int(count)
		switch crawler.JobStatus(status) {
		case crawler.JobStatusPending:
			stats.Pending += n
			stats.PendingPriority[crawler.Priority(priority)] += n
		case crawler.JobStatusProcessing:
			stats.Processing += n
		case crawler.JobStatusCompleted:
			stats.Completed += n
		case crawler.JobStatusFailed:
			stats.Failed += n
		}
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return crawler.QueueStats{}, fmt.Errorf("iterate job counts: %w", err)
	}
	return stats, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR platform = $2)
ORDER BY seq DESC
LIMIT $3`, jobColumns, s.table)
	rows, err := s.db.Query(ctx, query, string(filter.Status), filter.Platform, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]crawler.Job, error) {
	defer rows.Close()
	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes completed or failed jobs last updated before cutoff.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status IN ('completed', 'failed') AND updated_at < $1`, s.table)
	tag, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job                       crawler.Job
		jobType, priority, status string
		params, result, metadata  []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Seq,
		&jobType,
		&priority,
		&job.Platform,
		&params,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.AvailableAt,
		&job.CompletedAt,
		&job.LeasedBy,
		&job.LeasedAt,
		&result,
		&job.LastError,
		&metadata,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Type = crawler.JobType(jobType)
	job.Priority = crawler.Priority(priority)
	job.Status = crawler.JobStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return crawler.Job{}, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return crawler.Job{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return job, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
