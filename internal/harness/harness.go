// Package harness scores scrape output and runs synthetic baseline loads
// against the multi-platform optimizer.
package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
)

// Scored fields, in report order.
const (
	FieldTitle       = "title"
	FieldURL         = "url"
	FieldDescription = "description"
	FieldBudget      = "budget"
	FieldSkills      = "skills"
)

var scoredFields = []string{FieldTitle, FieldURL, FieldDescription, FieldBudget, FieldSkills}

// QualityReport summarizes listing completeness.
type QualityReport struct {
	Total         int                `json:"total"`
	Complete      int                `json:"complete"`
	Score         float64            `json:"score"`
	FieldCoverage map[string]float64 `json:"field_coverage"`
	InvalidURLs   []string           `json:"invalid_urls,omitempty"`
}

// ScoreQuality rates each record by the share of scored fields it carries.
// A URL only counts when it is an absolute http(s) URL.
func ScoreQuality(records []crawler.ProjectRecord) QualityReport {
	report := QualityReport{
		Total:         len(records),
		FieldCoverage: make(map[string]float64, len(scoredFields)),
	}
	if len(records) == 0 {
		return report
	}

	counts := make(map[string]int, len(scoredFields))
	var sum float64
	for _, rec := range records {
		present := map[string]bool{
			FieldTitle:       strings.TrimSpace(rec.Title) != "",
			FieldURL:         validURL(rec.URL),
			FieldDescription: strings.TrimSpace(rec.Description) != "",
			FieldBudget:      strings.TrimSpace(rec.Budget) != "",
			FieldSkills:      len(rec.Skills) > 0,
		}
		if !present[FieldURL] {
			report.InvalidURLs = append(report.InvalidURLs, rec.URL)
		}
		n := 0
		for _, f := range scoredFields {
			if present[f] {
				counts[f]++
				n++
			}
		}
		if n == len(scoredFields) {
			report.Complete++
		}
		sum += float64(n) / float64(len(scoredFields))
	}

	total := float64(len(records))
	for _, f := range scoredFields {
		report.FieldCoverage[f] = float64(counts[f]) / total
	}
	report.Score = sum / total
	return report
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// MultiScraper is the optimizer surface the baseline drives.
type MultiScraper interface {
	ScrapeAllPlatforms(ctx context.Context, req optimizer.Request) (optimizer.Result, error)
}

// BaselineConfig describes a synthetic run.
type BaselineConfig struct {
	SearchTerms []string `mapstructure:"search_terms"`
	Iterations  int      `mapstructure:"iterations"`
	MaxResults  int      `mapstructure:"max_results"`
	Platforms   []string `mapstructure:"platforms"`
}

// BaselineReport aggregates a baseline run.
type BaselineReport struct {
	Iterations     int           `json:"iterations"`
	Failures       int           `json:"failures"`
	LatencyP50     time.Duration `json:"latency_p50"`
	LatencyP95     time.Duration `json:"latency_p95"`
	LatencyMax     time.Duration `json:"latency_max"`
	TotalFound     int           `json:"total_found"`
	UniqueTotal    int           `json:"unique_total"`
	DuplicateRatio float64       `json:"duplicate_ratio"`
	Quality        QualityReport `json:"quality"`
}

// RunBaseline issues Iterations optimizer calls, cycling through SearchTerms,
// and reports latency percentiles, duplicate ratio and listing quality.
func RunBaseline(
	ctx context.Context,
	multi MultiScraper,
	clock crawler.Clock,
	logger *zap.Logger,
	cfg BaselineConfig,
) (BaselineReport, error) {
	if len(cfg.SearchTerms) == 0 {
		return BaselineReport{}, &crawler.ValidationError{Field: "search_terms", Reason: "required"}
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = len(cfg.SearchTerms)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	report := BaselineReport{Iterations: cfg.Iterations}
	latencies := make([]time.Duration, 0, cfg.Iterations)
	var projects []crawler.ProjectRecord
	removed := 0

	for i := range cfg.Iterations {
		term := cfg.SearchTerms[i%len(cfg.SearchTerms)]
		start := clock.Now()
		res, err := multi.ScrapeAllPlatforms(ctx, optimizer.Request{
			SearchTerm: term,
			MaxResults: cfg.MaxResults,
			Platforms:  cfg.Platforms,
		})
		latencies = append(latencies, clock.Now().Sub(start))
		if err != nil {
			if ctx.Err() != nil {
				return BaselineReport{}, fmt.Errorf("baseline iteration %d: %w", i, ctx.Err())
			}
			var vErr *crawler.ValidationError
			if errors.As(err, &vErr) {
				return BaselineReport{}, err
			}
			report.Failures++
			logger.Warn("baseline iteration failed", zap.Int("iteration", i), zap.String("search_term", term), zap.Error(err))
			continue
		}
		if !res.Success {
			report.Failures++
		}
		report.TotalFound += res.TotalFound
		report.UniqueTotal += res.UniqueTotal
		removed += res.DuplicatesRemoved
		projects = append(projects, res.Projects...)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	report.LatencyP50 = percentile(latencies, 50)
	report.LatencyP95 = percentile(latencies, 95)
	report.LatencyMax = latencies[len(latencies)-1]
	if report.TotalFound > 0 {
		report.DuplicateRatio = float64(removed) / float64(report.TotalFound)
	}
	report.Quality = ScoreQuality(projects)

	logger.Info("baseline finished",
		zap.Int("iterations", report.Iterations),
		zap.Int("failures", report.Failures),
		zap.Duration("p50", report.LatencyP50),
		zap.Duration("p95", report.LatencyP95),
		zap.Float64("duplicate_ratio", report.DuplicateRatio),
		zap.Float64("quality", report.Quality.Score),
	)
	return report, nil
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
