// Package platform maps platform names to scrapers and applies per-platform
// rate limits, concurrency limits and attempt timeouts around every call.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
	"github.com/JakeFAU/gigcrawler/internal/policy/ratelimit"
	collyscraper "github.com/JakeFAU/gigcrawler/internal/scraper/colly"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultProbeTerm = "developer"
	outcomeSuccess   = "success"
)

// Config describes one external platform.
type Config struct {
	Name                string                 `mapstructure:"name"`
	BaseURL             string                 `mapstructure:"base_url"`
	SearchPath          string                 `mapstructure:"search_path"`
	QueryParam          string                 `mapstructure:"query_param"`
	UserAgent           string                 `mapstructure:"user_agent"`
	RespectRobots       bool                   `mapstructure:"respect_robots"`
	RequestsPerInterval int                    `mapstructure:"requests_per_interval"`
	Interval            time.Duration          `mapstructure:"interval"`
	MaxConcurrent       int                    `mapstructure:"max_concurrent"`
	Timeout             time.Duration          `mapstructure:"timeout"`
	ProbeTerm           string                 `mapstructure:"probe_term"`
	Selectors           collyscraper.Selectors `mapstructure:"selectors"`
	DescriptionMarkdown bool                   `mapstructure:"description_markdown"`
}

func (c Config) limit() ratelimit.Limit {
	return ratelimit.Limit{
		RequestsPerInterval: c.RequestsPerInterval,
		Interval:            c.Interval,
		MaxConcurrent:       c.MaxConcurrent,
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithScraper installs s for name instead of building a colly scraper.
func WithScraper(name string, s crawler.Scraper) Option {
	return func(r *Registry) { r.overrides[name] = s }
}

// Registry resolves platform names to rate-limited scrapers.
type Registry struct {
	configs   map[string]Config
	scrapers  map[string]crawler.Scraper
	overrides map[string]crawler.Scraper
	limiter   *ratelimit.Limiter
	names     []string
	logger    *zap.Logger
}

// NewRegistry builds a Registry from platform configs.
func NewRegistry(configs []Config, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		configs:   make(map[string]Config, len(configs)),
		scrapers:  make(map[string]crawler.Scraper, len(configs)),
		overrides: make(map[string]crawler.Scraper),
		logger:    logger.Named("platform"),
	}
	for _, opt := range opts {
		opt(r)
	}

	limits := make(map[string]ratelimit.Limit, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.New("platform name is required")
		}
		if _, dup := r.configs[cfg.Name]; dup {
			return nil, fmt.Errorf("platform %s configured twice", cfg.Name)
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultTimeout
		}
		if cfg.ProbeTerm == "" {
			cfg.ProbeTerm = defaultProbeTerm
		}

		scraper, ok := r.overrides[cfg.Name]
		if !ok {
			built, err := collyscraper.New(collyscraper.Config{
				Platform:      cfg.Name,
				BaseURL:       cfg.BaseURL,
				SearchPath:    cfg.SearchPath,
				QueryParam:    cfg.QueryParam,
				UserAgent:     cfg.UserAgent,
				RespectRobots: cfg.RespectRobots,
				Timeout:       cfg.Timeout,
				Selectors:     cfg.Selectors,

				DescriptionMarkdown: cfg.DescriptionMarkdown,
			})
			if err != nil {
				return nil, fmt.Errorf("build scraper: %w", err)
			}
			scraper = built
		}

		r.configs[cfg.Name] = cfg
		r.scrapers[cfg.Name] = scraper
		r.names = append(r.names, cfg.Name)
		limits[cfg.Name] = cfg.limit()
	}
	sort.Strings(r.names)
	r.limiter = ratelimit.New(limits, ratelimit.Limit{MaxConcurrent: 1})
	return r, nil
}

// Names returns the configured platforms in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Known reports whether name is configured.
func (r *Registry) Known(name string) bool {
	_, ok := r.scrapers[name]
	return ok
}

// Limiter exposes the shared rate limiter.
func (r *Registry) Limiter() *ratelimit.Limiter {
	return r.limiter
}

// Scrape runs one rate-limited attempt against platform. Failures are
// returned as *crawler.PlatformError.
func (r *Registry) Scrape(ctx context.Context, platform, searchTerm string, maxResults int) ([]crawler.ProjectRecord, error) {
	scraper, ok := r.scrapers[platform]
	if !ok {
		return nil, fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	cfg := r.configs[platform]

	release, err := r.limiter.Acquire(ctx, platform)
	if err != nil {
		return nil, r.wrap(platform, err)
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	records, err := scraper.Scrape(attemptCtx, searchTerm, maxResults)
	latency := time.Since(start)
	if err != nil {
		wrapped := r.wrap(platform, err)
		metrics.ObservePlatformRequest(platform, string(crawler.Classify(wrapped)), latency)
		r.logger.Debug("scrape attempt failed",
			zap.String("platform", platform),
			zap.String("search_term", searchTerm),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return nil, wrapped
	}
	metrics.ObservePlatformRequest(platform, outcomeSuccess, latency)

	if maxResults > 0 && len(records) > maxResults {
		records = records[:maxResults]
	}
	for i := range records {
		if records[i].Platform == "" {
			records[i].Platform = platform
		}
		if records[i].SearchTerm == "" {
			records[i].SearchTerm = searchTerm
		}
	}
	return records, nil
}

// Probe runs a one-result scrape to check that platform answers.
func (r *Registry) Probe(ctx context.Context, platform string) error {
	cfg, ok := r.configs[platform]
	if !ok {
		return fmt.Errorf("platform %s: %w", platform, crawler.ErrNotFound)
	}
	_, err := r.Scrape(ctx, platform, cfg.ProbeTerm, 1)
	return err
}

func (r *Registry) wrap(platform string, err error) error {
	var pErr *crawler.PlatformError
	if errors.As(err, &pErr) {
		return err
	}
	return &crawler.PlatformError{
		Platform: platform,
		Kind:     crawler.Classify(err),
		Err:      err,
	}
}
