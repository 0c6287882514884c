package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// ProjectStore persists normalized listings keyed by fingerprint.
type ProjectStore struct {
	db    DB
	table string
}

// NewProjectStore constructs a ProjectStore over db.
func NewProjectStore(db DB, table string) (*ProjectStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultProjectsTable)
	if err != nil {
		return nil, err
	}
	return &ProjectStore{db: db, table: name}, nil
}

// SaveProjects inserts records in one transaction, skipping fingerprints that
// already exist, and returns the number of new rows.
func (s *ProjectStore) SaveProjects(ctx context.Context, records []crawler.ProjectRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	fingerprint, platform, external_id, title, url, description, budget, skills, posted_at, scraped_at, search_term
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (fingerprint) DO NOTHING`, s.table)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin project tx: %w", err)
	}
	inserted := 0
	for _, rec := range records {
		if rec.Fingerprint == "" {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("project %q has no fingerprint", rec.URL)
		}
		skills := rec.Skills
		if skills == nil {
			skills = []string{}
		}
		tag, err := tx.Exec(ctx, query,
			rec.Fingerprint,
			rec.Platform,
			rec.ExternalID,
			rec.Title,
			rec.URL,
			rec.Description,
			rec.Budget,
			skills,
			rec.PostedAt,
			rec.ScrapedAt,
			rec.SearchTerm,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("insert project: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit projects: %w", err)
	}
	return inserted, nil
}

// ListProjects returns the most recently scraped listings, optionally for one platform.
func (s *ProjectStore) ListProjects(ctx context.Context, platform string, limit int) ([]crawler.ProjectRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT fingerprint, platform, external_id, title, url, description, budget, skills, posted_at, scraped_at, search_term
FROM %s
WHERE ($1 = '' OR platform = $1)
ORDER BY scraped_at DESC, url
LIMIT $2`, s.table)
	rows, err := s.db.Query(ctx, query, platform, limit)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.ProjectRecord, 0)
	for rows.Next() {
		var rec crawler.ProjectRecord
		if err := rows.Scan(
			&rec.Fingerprint,
			&rec.Platform,
			&rec.ExternalID,
			&rec.Title,
			&rec.URL,
			&rec.Description,
			&rec.Budget,
			&rec.Skills,
			&rec.PostedAt,
			&rec.ScrapedAt,
			&rec.SearchTerm,
		); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}
