// Package worker implements the lease, execute and report loop run by each
// pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
	"github.com/JakeFAU/gigcrawler/internal/storage"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultMaxResults     = 50
	defaultCleanupAgeHour = 24
)

// State is the worker's position in its loop.
type State string

// Worker states.
const (
	StateIdle      State = "idle"
	StateLeasing   State = "leasing"
	StateExecuting State = "executing"
	StateReporting State = "reporting"
	StateStopped   State = "stopped"
)

// Queue is the subset of the job queue a worker drives.
type Queue interface {
	Lease(ctx context.Context, workerID string) (crawler.Job, error)
	CompleteJob(ctx context.Context, jobID string, result any) (crawler.Job, error)
	FailJob(ctx context.Context, jobID string, cause error) (crawler.Job, error)
	Cleanup(ctx context.Context, olderThanHours int) (int, error)
	Ready() <-chan struct{}
}

// Scraper runs single-platform attempts and probes.
type Scraper interface {
	Scrape(ctx context.Context, platform, searchTerm string, maxResults int) ([]crawler.ProjectRecord, error)
	Probe(ctx context.Context, platform string) error
}

// MultiScraper fans a search across all platforms.
type MultiScraper interface {
	ScrapeAllPlatforms(ctx context.Context, req optimizer.Request) (optimizer.Result, error)
}

// Health receives attempt outcomes.
type Health interface {
	Platforms() []string
	RecordSuccess(platform string, latency time.Duration) error
	RecordFailure(ctx context.Context, platform, jobID string, cause error) (crawler.PlatformHealth, error)
	GetPlatformHealth(platform string) (crawler.PlatformHealth, bool)
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval bounds how long an idle worker waits before leasing again.
	PollInterval      time.Duration
	DefaultMaxResults int
	// CleanupAgeHours applies to cleanup jobs that leave older_than_hours unset.
	CleanupAgeHours int
}

// HealthCheckResult is stored on completed health_check jobs.
type HealthCheckResult struct {
	Platforms map[string]crawler.HealthStatus `json:"platforms"`
	Failed    []string                        `json:"failed,omitempty"`
}

// CleanupResult is stored on completed cleanup jobs.
type CleanupResult struct {
	Deleted        int `json:"deleted"`
	OlderThanHours int `json:"older_than_hours"`
}

// Worker leases one job at a time and reports its outcome.
type Worker struct {
	id       string
	queue    Queue
	scraper  Scraper
	multi    MultiScraper
	health   Health
	projects crawler.ProjectStore
	archiver *storage.Archiver
	hasher   optimizer.PartsHasher
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	state     atomic.Value
	processed atomic.Int64
}

// New constructs a Worker. multi, projects and archiver may be nil.
func New(
	id string,
	queue Queue,
	scraper Scraper,
	multi MultiScraper,
	health Health,
	projects crawler.ProjectStore,
	archiver *storage.Archiver,
	hasher optimizer.PartsHasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = defaultMaxResults
	}
	if cfg.CleanupAgeHours <= 0 {
		cfg.CleanupAgeHours = defaultCleanupAgeHour
	}
	w := &Worker{
		id:       id,
		queue:    queue,
		scraper:  scraper,
		multi:    multi,
		health:   health,
		projects: projects,
		archiver: archiver,
		hasher:   hasher,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}
	w.state.Store(StateIdle)
	return w
}

// ID returns the lease owner id.
func (w *Worker) ID() string {
	return w.id
}

// State returns the current loop state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Busy reports whether the worker holds a job.
func (w *Worker) Busy() bool {
	s := w.State()
	return s == StateExecuting || s == StateReporting
}

// Processed returns the number of jobs this worker has finished.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// Run leases and executes jobs until stop is closed or ctx finishes. stop is
// only observed between jobs; ctx cancellation aborts the job in flight.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	defer w.state.Store(StateStopped)
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		ready := w.queue.Ready()
		w.state.Store(StateLeasing)
		job, err := w.queue.Lease(ctx, w.id)
		if err == nil {
			w.process(ctx, job)
			continue
		}
		w.state.Store(StateIdle)
		if !errors.Is(err, crawler.ErrNotFound) && ctx.Err() == nil {
			w.logger.Error("lease failed", zap.Error(err))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.PollInterval)
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ready:
		case <-timer.C:
		}
	}
}

// RunOnce leases and executes a single job. It returns false when nothing was
// eligible.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	w.state.Store(StateLeasing)
	job, err := w.queue.Lease(ctx, w.id)
	if err != nil {
		w.state.Store(StateIdle)
		if errors.Is(err, crawler.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lease: %w", err)
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job crawler.Job) {
	defer w.state.Store(StateIdle)
	defer w.processed.Add(1)

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("platform", job.Platform),
		zap.Int("attempt", job.Attempts+1),
	)
	logger.Debug("job leased")

	w.state.Store(StateExecuting)
	result, err := w.execute(ctx, job, logger)

	// Report even when ctx was cancelled mid-run so the job does not stay
	// processing.
	reportCtx := context.WithoutCancel(ctx)
	w.state.Store(StateReporting)
	if err != nil {
		updated, failErr := w.queue.FailJob(reportCtx, job.ID, err)
		if failErr != nil {
			logger.Error("fail job", zap.Error(failErr), zap.NamedError("cause", err))
			return
		}
		logger.Warn("job attempt failed",
			zap.String("status", string(updated.Status)),
			zap.Int("attempts", updated.Attempts),
			zap.Error(err),
		)
		return
	}
	if _, err := w.queue.CompleteJob(reportCtx, job.ID, result); err != nil {
		logger.Error("complete job", zap.Error(err))
		return
	}
	logger.Info("job completed")
}

func (w *Worker) execute(ctx context.Context, job crawler.Job, logger *zap.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r))
			result, err = nil, fmt.Errorf("job panicked: %v", r)
		}
	}()

	switch job.Type {
	case crawler.JobTypeScrape:
		if job.Platform == "" {
			return w.scrapeAll(ctx, job)
		}
		return w.scrape(ctx, job, logger)
	case crawler.JobTypeHealthCheck:
		return w.healthCheck(ctx, job, logger)
	case crawler.JobTypeCleanup:
		return w.cleanup(ctx, job)
	default:
		return nil, fmt.Errorf("unsupported job type %q", job.Type)
	}
}

func (w *Worker) maxResults(job crawler.Job) int {
	if job.Params.MaxResults > 0 {
		return job.Params.MaxResults
	}
	return w.cfg.DefaultMaxResults
}

func (w *Worker) scrape(ctx context.Context, job crawler.Job, logger *zap.Logger) (any, error) {
	start := w.clock.Now()
	records, err := w.scraper.Scrape(ctx, job.Platform, job.Params.SearchTerm, w.maxResults(job))
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		if _, recErr := w.health.RecordFailure(ctx, job.Platform, job.ID, err); recErr != nil {
			logger.Warn("record platform failure", zap.Error(recErr))
		}
		return nil, err
	}
	if err := w.health.RecordSuccess(job.Platform, elapsed); err != nil {
		logger.Warn("record platform success", zap.Error(err))
	}

	for i := range records {
		fp, err := optimizer.Fingerprint(w.hasher, records[i])
		if err != nil {
			return nil, err
		}
		records[i].Fingerprint = fp
	}
	unique, _ := optimizer.Deduplicate(records)

	res := crawler.ScrapeResult{
		Platform:   job.Platform,
		SearchTerm: job.Params.SearchTerm,
		ItemsFound: len(records),
	}
	if err := w.persist(ctx, job, job.Platform, unique, &res); err != nil {
		return nil, err
	}
	res.DurationMs = w.clock.Now().Sub(start).Milliseconds()
	return res, nil
}

func (w *Worker) scrapeAll(ctx context.Context, job crawler.Job) (any, error) {
	if w.multi == nil {
		return nil, errors.New("scrape job without platform needs the multi-platform optimizer")
	}
	start := w.clock.Now()
	out, err := w.multi.ScrapeAllPlatforms(ctx, optimizer.Request{
		SearchTerm: job.Params.SearchTerm,
		MaxResults: w.maxResults(job),
		JobID:      job.ID,
	})
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("all %d platforms failed or were skipped", len(out.Platforms))
	}

	res := crawler.ScrapeResult{
		Platform:   "all",
		SearchTerm: job.Params.SearchTerm,
		ItemsFound: out.TotalFound,
	}
	if err := w.persist(ctx, job, "all", out.Projects, &res); err != nil {
		return nil, err
	}
	res.DurationMs = w.clock.Now().Sub(start).Milliseconds()
	return res, nil
}

func (w *Worker) persist(
	ctx context.Context,
	job crawler.Job,
	archiveName string,
	records []crawler.ProjectRecord,
	res *crawler.ScrapeResult,
) error {
	if w.projects != nil && len(records) > 0 {
		saved, err := w.projects.SaveProjects(ctx, records)
		if err != nil {
			return fmt.Errorf("save projects: %w", err)
		}
		res.ItemsSaved = saved
	}
	uri, err := w.archiver.Archive(ctx, archiveName, job.ID, w.clock.Now(), records)
	if err != nil {
		return err
	}
	res.ArchiveURI = uri
	return nil
}

func (w *Worker) healthCheck(ctx context.Context, job crawler.Job, logger *zap.Logger) (any, error) {
	platforms := w.health.Platforms()
	if job.Platform != "" {
		platforms = []string{job.Platform}
	}

	res := HealthCheckResult{Platforms: make(map[string]crawler.HealthStatus, len(platforms))}
	for _, p := range platforms {
		start := w.clock.Now()
		err := w.scraper.Probe(ctx, p)
		if errors.Is(err, crawler.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			res.Failed = append(res.Failed, p)
			if _, recErr := w.health.RecordFailure(ctx, p, job.ID, err); recErr != nil {
				logger.Warn("record platform failure", zap.String("probed", p), zap.Error(recErr))
			}
		} else if recErr := w.health.RecordSuccess(p, w.clock.Now().Sub(start)); recErr != nil {
			logger.Warn("record platform success", zap.String("probed", p), zap.Error(recErr))
		}
		if h, ok := w.health.GetPlatformHealth(p); ok {
			res.Platforms[p] = h.Status
		}
	}
	return res, nil
}

func (w *Worker) cleanup(ctx context.Context, job crawler.Job) (any, error) {
	hours := job.Params.OlderThanHours
	if hours <= 0 {
		hours = w.cfg.CleanupAgeHours
	}
	deleted, err := w.queue.Cleanup(ctx, hours)
	if err != nil {
		return nil, err
	}
	return CleanupResult{Deleted: deleted, OlderThanHours: hours}, nil
}
