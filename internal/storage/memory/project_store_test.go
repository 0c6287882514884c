package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
)

func TestProjectStoreSaveDedupesByFingerprint(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()
	records := []crawler.ProjectRecord{
		{Platform: "upwork", Title: "Go API", URL: "https://u.example/1", Fingerprint: "fp1", ScrapedAt: epoch},
		{Platform: "freelancer", Title: "Go API", URL: "https://f.example/9", Fingerprint: "fp1", ScrapedAt: epoch},
		{Platform: "freelancer", Title: "Rust CLI", URL: "https://f.example/2", ScrapedAt: epoch.Add(time.Hour)},
	}
	n, err := store.SaveProjects(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.SaveProjects(ctx, records)
	require.NoError(t, err)
	require.Zero(t, n)

	all, err := store.ListProjects(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Rust CLI", all[0].Title)

	up, err := store.ListProjects(ctx, "upwork", 10)
	require.NoError(t, err)
	require.Len(t, up, 1)
}
