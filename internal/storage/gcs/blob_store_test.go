package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: "  "})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "archive", Prefix: "/gigcrawler/"})
	require.NoError(t, err)
	require.Equal(t, "gigcrawler/scrapes/a.json", store.ObjectName("scrapes/a.json"))
	require.Equal(t, "gigcrawler/scrapes/a.json", store.ObjectName("/scrapes/a.json"))

	bare, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	require.Equal(t, "scrapes/a.json", bare.ObjectName("/scrapes/a.json"))
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		body = string(data)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bucket":"archive","name":"gigcrawler/upwork/job-1.json"}`)
	}))
	defer srv.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive", Prefix: "gigcrawler", StorageClass: "NEARLINE"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "upwork/job-1.json", "", strings.NewReader(`{"items":2}`))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/gigcrawler/upwork/job-1.json", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, path, "/b/archive/o")
	require.Contains(t, body, `{"items":2}`)
	require.Contains(t, body, "NEARLINE")
	require.Contains(t, body, "gigcrawler/upwork/job-1.json")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
