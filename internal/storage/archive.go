// Package storage archives raw scrape output to a blob store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

// ArchiveContentType is the media type of archived scrape batches.
const ArchiveContentType = "application/x-ndjson"

// Archiver writes each scrape batch as newline-delimited JSON.
type Archiver struct {
	blobs crawler.BlobStore
}

// NewArchiver wraps blobs. A nil store yields a nil Archiver, which is a no-op.
func NewArchiver(blobs crawler.BlobStore) *Archiver {
	if blobs == nil {
		return nil
	}
	return &Archiver{blobs: blobs}
}

// ArchivePath lays out archives by platform and UTC day.
func ArchivePath(platform, jobID string, at time.Time) string {
	at = at.UTC()
	return path.Join(
		"scrapes",
		platform,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		jobID+".jsonl",
	)
}

// Archive stores records and returns the blob URI. It returns "" when the
// archiver is disabled or there is nothing to write.
func (a *Archiver) Archive(
	ctx context.Context,
	platform, jobID string,
	at time.Time,
	records []crawler.ProjectRecord,
) (string, error) {
	if a == nil || len(records) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode project record: %w", err)
		}
	}
	uri, err := a.blobs.PutObject(ctx, ArchivePath(platform, jobID, at), ArchiveContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("archive scrape: %w", err)
	}
	return uri, nil
}
