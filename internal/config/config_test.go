package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/gigcrawler/internal/platform"
	collyscraper "github.com/JakeFAU/gigcrawler/internal/scraper/colly"
)

const platformsYAML = `
platforms:
  - name: upwork
    base_url: https://upwork.example
    search_path: /search
    requests_per_interval: 10
    interval: 1m
    max_concurrent: 2
    timeout: 20s
    selectors:
      item: article
      title: h2 a
      url: h2 a
      empty: p.none
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
storage:
  backend: postgres
db:
  dsn: postgres://localhost/gig
  tables:
    jobs: jobs_v2
archive:
  backend: gcs
  gcs:
    bucket: archive-bucket
pubsub:
  backend: pubsub
  project_id: proj
queue:
  default_max_attempts: 5
  backoff_base: 2s
pool:
  min_workers: 2
  max_workers: 6
`+platformsYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.DB.Postgres().DSN != "postgres://localhost/gig" || cfg.DB.Tables.Jobs != "jobs_v2" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if cfg.DB.Tables.Errors != "crawl_errors" {
		t.Fatalf("expected default errors table, got %q", cfg.DB.Tables.Errors)
	}
	if got := cfg.Queue.Backoff(); got.Base != 2*time.Second || got.Max != 5*time.Minute {
		t.Fatalf("unexpected backoff %+v", got)
	}
	if cfg.Pool.MinWorkers != 2 || cfg.Pool.MaxWorkers != 6 || cfg.Pool.ScaleInterval != 15*time.Second {
		t.Fatalf("unexpected pool config %+v", cfg.Pool)
	}

	if len(cfg.Platforms) != 1 {
		t.Fatalf("expected one platform, got %d", len(cfg.Platforms))
	}
	want := platform.Config{
		Name:                "upwork",
		BaseURL:             "https://upwork.example",
		SearchPath:          "/search",
		RequestsPerInterval: 10,
		Interval:            time.Minute,
		MaxConcurrent:       2,
		Timeout:             20 * time.Second,
		Selectors: collyscraper.Selectors{
			Item:  "article",
			Title: "h2 a",
			URL:   "h2 a",
			Empty: "p.none",
		},
	}
	if cfg.Platforms[0] != want {
		t.Fatalf("unexpected platform config:\n got %+v\nwant %+v", cfg.Platforms[0], want)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, platformsYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.Backend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Archive.Backend != BackendNone || cfg.PubSub.Backend != BackendNone {
		t.Fatalf("expected archive and pubsub disabled by default")
	}
	if cfg.Queue.DefaultMaxAttempts != 3 || cfg.Queue.BackoffBase != 5*time.Second || cfg.Queue.LeaseTimeout != 30*time.Minute {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	mon := cfg.Health.Monitor()
	if mon.FailureThreshold != 5 || mon.BlockBackoff.Base != time.Minute {
		t.Fatalf("unexpected health defaults %+v", mon)
	}
	if len(cfg.Baseline.SearchTerms) == 0 {
		t.Fatalf("expected baseline search terms default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, platformsYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "db.dsn"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = BackendGCS }, "archive.gcs.bucket"},
		{"pubsub without project", func(c *Config) { c.PubSub.Backend = BackendPubSub }, "pubsub.project_id"},
		{"no attempts", func(c *Config) { c.Queue.DefaultMaxAttempts = 0 }, "queue.default_max_attempts"},
		{"no lease timeout", func(c *Config) { c.Queue.LeaseTimeout = 0 }, "queue.lease_timeout"},
		{"pool bounds", func(c *Config) { c.Pool.MaxWorkers = 0 }, "max_workers"},
		{"no platforms", func(c *Config) { c.Platforms = nil }, "platform"},
		{"platform without selector", func(c *Config) {
			c.Platforms = []platform.Config{{Name: "x", BaseURL: "https://x"}}
		}, "selectors.item"},
		{"duplicate platform", func(c *Config) {
			c.Platforms = append(c.Platforms, c.Platforms[0])
		}, "configured twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Platforms = append([]platform.Config(nil), base.Platforms...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
