// Package gcs archives scrape results in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the archive bucket. Prefix is prepended to every object key
// and StorageClass, when set, overrides the bucket default for new objects.
type Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	StorageClass string `mapstructure:"storage_class"`
}

// BlobStore implements crawler.BlobStore on one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	cfg    Config
}

// New validates cfg and binds the store to its bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), cfg: cfg}, nil
}

// ObjectName returns the bucket key used for p.
func (s *BlobStore) ObjectName(p string) string {
	p = strings.TrimPrefix(p, "/")
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

// PutObject streams r into a new object and returns its gs:// URI. The
// object is not visible until the upload completes.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("gcs: object path is required")
	}
	name := s.ObjectName(p)
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if w.ContentType == "" {
		w.ContentType = "application/json"
	}
	if s.cfg.StorageClass != "" {
		w.StorageClass = s.cfg.StorageClass
	}
	w.Metadata = map[string]string{"writer": "gigcrawler"}

	if _, err := io.Copy(w, r); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, errors.Join(err, w.Close()))
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.cfg.Bucket + "/" + name, nil
}
