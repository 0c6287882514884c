package postgres

import (
	"context"
	"fmt"
)

// Tables names the relations used by the stores.
type Tables struct {
	Jobs     string `mapstructure:"jobs"`
	Errors   string `mapstructure:"errors"`
	Projects string `mapstructure:"projects"`
}

// Default table names.
const (
	DefaultJobsTable     = "crawl_jobs"
	DefaultErrorsTable   = "crawl_errors"
	DefaultProjectsTable = "projects"
)

// schemaStatements returns the DDL for t, in dependency order.
func schemaStatements(t Tables) ([]string, error) {
	jobs, err := tableName(t.Jobs, DefaultJobsTable)
	if err != nil {
		return nil, err
	}
	errs, err := tableName(t.Errors, DefaultErrorsTable)
	if err != nil {
		return nil, err
	}
	projects, err := tableName(t.Projects, DefaultProjectsTable)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT PRIMARY KEY,
	seq           BIGSERIAL NOT NULL,
	job_type      TEXT NOT NULL,
	priority      TEXT NOT NULL,
	priority_rank SMALLINT NOT NULL,
	platform      TEXT NOT NULL DEFAULT '',
	params        JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	available_at  TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	leased_by     TEXT NOT NULL DEFAULT '',
	leased_at     TIMESTAMPTZ,
	result        JSONB,
	last_error    TEXT NOT NULL DEFAULT '',
	metadata      JSONB
)`, jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_lease_idx
	ON %[1]s (priority_rank, seq) WHERE status = 'pending'`, jobs),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS leased_at TIMESTAMPTZ`, jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_leased_idx
	ON %[1]s (leased_at) WHERE status = 'processing'`, jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_updated_idx
	ON %[1]s (status, updated_at)`, jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	platform    TEXT NOT NULL DEFAULT '',
	job_id      TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	recoverable BOOLEAN NOT NULL
)`, errs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_occurred_idx ON %[1]s (occurred_at)`, errs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	fingerprint TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL,
	url         TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	budget      TEXT NOT NULL DEFAULT '',
	skills      TEXT[] NOT NULL DEFAULT '{}',
	posted_at   TIMESTAMPTZ,
	scraped_at  TIMESTAMPTZ NOT NULL,
	search_term TEXT NOT NULL DEFAULT ''
)`, projects),
	}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db DB, t Tables) error {
	stmts, err := schemaStatements(t)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
