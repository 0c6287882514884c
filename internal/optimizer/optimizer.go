// Package optimizer fans a search out across platforms, gates each platform on
// its health and merges the results into a deduplicated listing set.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
)

const (
	defaultMaxParallel = 4
	defaultMaxResults  = 50
)

// Scraper runs one attempt against a named platform.
type Scraper interface {
	Scrape(ctx context.Context, platform, searchTerm string, maxResults int) ([]crawler.ProjectRecord, error)
	Names() []string
	Known(platform string) bool
}

// Health gates platforms and receives attempt outcomes.
type Health interface {
	Allow(platform string, now time.Time) bool
	RecordSuccess(platform string, latency time.Duration) error
	RecordFailure(ctx context.Context, platform, jobID string, cause error) (crawler.PlatformHealth, error)
}

// PartsHasher digests a tuple of strings.
type PartsHasher interface {
	HashParts(parts ...string) (string, error)
}

// Config bounds the fan-out.
type Config struct {
	MaxParallelPlatforms int `mapstructure:"max_parallel_platforms"`
	DefaultMaxResults    int `mapstructure:"default_max_results"`
}

// Request asks for a search across platforms. Empty Platforms means all.
// Persist saves the merged listings to the project store.
type Request struct {
	SearchTerm string   `json:"search_term"`
	MaxResults int      `json:"max_results,omitempty"`
	Platforms  []string `json:"platforms,omitempty"`
	Persist    bool     `json:"persist,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
}

// PlatformStats describes one platform's contribution.
type PlatformStats struct {
	Platform  string            `json:"platform"`
	Found     int               `json:"found"`
	Kept      int               `json:"kept"`
	Duration  time.Duration     `json:"duration"`
	Skipped   bool              `json:"skipped,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind crawler.ErrorKind `json:"error_kind,omitempty"`
}

// Result is the merged outcome of ScrapeAllPlatforms.
type Result struct {
	Success           bool                    `json:"success"`
	SearchTerm        string                  `json:"search_term"`
	Projects          []crawler.ProjectRecord `json:"projects"`
	Platforms         []PlatformStats         `json:"platforms"`
	TotalFound        int                     `json:"total_found"`
	UniqueTotal       int                     `json:"unique_total"`
	DuplicatesRemoved int                     `json:"duplicates_removed"`
	Saved             int                     `json:"saved"`
	Duration          time.Duration           `json:"duration"`
	AverageYield      float64                 `json:"average_yield"`
}

// Optimizer coordinates multi-platform searches.
type Optimizer struct {
	scraper  Scraper
	health   Health
	hasher   PartsHasher
	projects crawler.ProjectStore
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates an Optimizer. health and projects may be nil.
func New(
	scraper Scraper,
	health Health,
	hasher PartsHasher,
	projects crawler.ProjectStore,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg Config,
) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallelPlatforms <= 0 {
		cfg.MaxParallelPlatforms = defaultMaxParallel
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = defaultMaxResults
	}
	return &Optimizer{
		scraper:  scraper,
		health:   health,
		hasher:   hasher,
		projects: projects,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("optimizer"),
	}
}

// ScrapeAllPlatforms searches every requested platform concurrently. A
// platform failure contributes no records; the call errors only for invalid
// requests, cancellation or a persistence failure.
func (o *Optimizer) ScrapeAllPlatforms(ctx context.Context, req Request) (Result, error) {
	platforms, err := o.resolve(req)
	if err != nil {
		return Result{}, err
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = o.cfg.DefaultMaxResults
	}

	start := o.clock.Now()
	stats := make([]PlatformStats, len(platforms))
	batches := make([][]crawler.ProjectRecord, len(platforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelPlatforms)
	for i, name := range platforms {
		g.Go(func() error {
			stats[i], batches[i] = o.scrapeOne(gctx, name, req, maxResults)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("scrape all platforms: %w", err)
	}

	res := Result{SearchTerm: req.SearchTerm, Platforms: stats}
	var all []crawler.ProjectRecord
	succeeded := 0
	for i, batch := range batches {
		res.TotalFound += stats[i].Found
		if !stats[i].Skipped && stats[i].Error == "" {
			succeeded++
		}
		for _, rec := range batch {
			if rec.Fingerprint == "" {
				fp, err := o.Fingerprint(rec)
				if err != nil {
					return Result{}, err
				}
				rec.Fingerprint = fp
			}
			all = append(all, rec)
		}
	}

	unique, removed := Deduplicate(all)
	kept := make(map[string]int, len(platforms))
	for _, rec := range unique {
		kept[rec.Platform]++
	}
	for i := range res.Platforms {
		res.Platforms[i].Kept = kept[res.Platforms[i].Platform]
	}

	res.Projects = unique
	res.UniqueTotal = len(unique)
	res.DuplicatesRemoved = removed
	res.Success = succeeded > 0
	if succeeded > 0 {
		res.AverageYield = float64(res.UniqueTotal) / float64(succeeded)
	}
	metrics.ObserveDuplicatesRemoved(removed)

	if req.Persist && o.projects != nil && len(unique) > 0 {
		saved, err := o.projects.SaveProjects(ctx, unique)
		if err != nil {
			return Result{}, fmt.Errorf("save projects: %w", err)
		}
		res.Saved = saved
	}
	res.Duration = o.clock.Now().Sub(start)

	o.logger.Info("multi-platform scrape finished",
		zap.String("search_term", req.SearchTerm),
		zap.Int("platforms", len(platforms)),
		zap.Int("succeeded", succeeded),
		zap.Int("total_found", res.TotalFound),
		zap.Int("unique", res.UniqueTotal),
		zap.Int("duplicates_removed", removed),
	)
	return res, nil
}

func (o *Optimizer) resolve(req Request) ([]string, error) {
	if req.SearchTerm == "" {
		return nil, &crawler.ValidationError{Field: "search_term", Reason: "required"}
	}
	if len(req.Platforms) == 0 {
		return o.scraper.Names(), nil
	}
	var unknown []string
	seen := make(map[string]struct{}, len(req.Platforms))
	out := make([]string, 0, len(req.Platforms))
	for _, name := range req.Platforms {
		if !o.scraper.Known(name) {
			unknown = append(unknown, name)
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(unknown) > 0 {
		return nil, &crawler.ValidationError{Field: "platforms", Reason: "unknown platforms", Values: unknown}
	}
	return out, nil
}

func (o *Optimizer) scrapeOne(
	ctx context.Context,
	platform string,
	req Request,
	maxResults int,
) (PlatformStats, []crawler.ProjectRecord) {
	stats := PlatformStats{Platform: platform}
	if o.health != nil && !o.health.Allow(platform, o.clock.Now()) {
		stats.Skipped = true
		o.logger.Debug("platform skipped while blocked", zap.String("platform", platform))
		return stats, nil
	}

	start := o.clock.Now()
	records, err := o.scraper.Scrape(ctx, platform, req.SearchTerm, maxResults)
	stats.Duration = o.clock.Now().Sub(start)
	if err != nil {
		stats.Error = err.Error()
		stats.ErrorKind = crawler.Classify(err)
		if o.health != nil && !errors.Is(err, context.Canceled) {
			if _, recErr := o.health.RecordFailure(ctx, platform, req.JobID, err); recErr != nil {
				o.logger.Warn("record platform failure", zap.String("platform", platform), zap.Error(recErr))
			}
		}
		o.logger.Warn("platform scrape failed", zap.String("platform", platform), zap.Error(err))
		return stats, nil
	}
	if o.health != nil {
		if err := o.health.RecordSuccess(platform, stats.Duration); err != nil {
			o.logger.Warn("record platform success", zap.String("platform", platform), zap.Error(err))
		}
	}
	stats.Found = len(records)
	return stats, records
}

// Fingerprint identifies a listing by its normalized title and URL.
func (o *Optimizer) Fingerprint(rec crawler.ProjectRecord) (string, error) {
	return Fingerprint(o.hasher, rec)
}

// Fingerprint computes the dedup key of rec with h.
func Fingerprint(h PartsHasher, rec crawler.ProjectRecord) (string, error) {
	normURL, err := crawler.NormalizeURL(rec.URL)
	if err != nil {
		normURL = rec.URL
	}
	fp, err := h.HashParts(crawler.NormalizeTitle(rec.Title), normURL)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fp, nil
}

// Deduplicate keeps the first record per fingerprint and reports how many
// were dropped. Records without a fingerprint are always kept.
func Deduplicate(records []crawler.ProjectRecord) ([]crawler.ProjectRecord, int) {
	seen := make(map[string]struct{}, len(records))
	out := make([]crawler.ProjectRecord, 0, len(records))
	for _, rec := range records {
		if rec.Fingerprint != "" {
			if _, dup := seen[rec.Fingerprint]; dup {
				continue
			}
			seen[rec.Fingerprint] = struct{}{}
		}
		out = append(out, rec)
	}
	return out, len(records) - len(out)
}
