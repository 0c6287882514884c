// Package server builds the application graph and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/api"
	"github.com/JakeFAU/gigcrawler/internal/clock"
	"github.com/JakeFAU/gigcrawler/internal/config"
	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/dispatcher"
	"github.com/JakeFAU/gigcrawler/internal/hash/sha256"
	"github.com/JakeFAU/gigcrawler/internal/health"
	"github.com/JakeFAU/gigcrawler/internal/id/uuid"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
	"github.com/JakeFAU/gigcrawler/internal/platform"
	"github.com/JakeFAU/gigcrawler/internal/progress"
	"github.com/JakeFAU/gigcrawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/gigcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/gigcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/gigcrawler/internal/queue"
	archive "github.com/JakeFAU/gigcrawler/internal/storage"
	gcsstorage "github.com/JakeFAU/gigcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/gigcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/gigcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/gigcrawler/internal/storage/postgres"
	"github.com/JakeFAU/gigcrawler/internal/worker"
)

const eventDrainTimeout = 10 * time.Second

// Option overrides parts of the graph, mainly for tests.
type Option func(*buildOptions)

type buildOptions struct {
	registryOpts []platform.Option
	clock        crawler.Clock
}

// WithRegistryOptions passes options through to platform.NewRegistry.
func WithRegistryOptions(opts ...platform.Option) Option {
	return func(b *buildOptions) { b.registryOpts = append(b.registryOpts, opts...) }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(b *buildOptions) { b.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	db              *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storageClient   *storage.Client
	events          *progress.Hub

	projects  crawler.ProjectStore
	registry  *platform.Registry
	monitor   *health.Monitor
	queue     *queue.Queue
	optimizer *optimizer.Optimizer
	pool      *dispatcher.Pool
	apiServer *api.Server
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock shared by every component.
func (a *App) Clock() crawler.Clock { return a.clock }

// Queue returns the job queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Monitor returns the platform health monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// Registry returns the platform registry.
func (a *App) Registry() *platform.Registry { return a.registry }

// Optimizer returns the multi-platform optimizer.
func (a *App) Optimizer() *optimizer.Optimizer { return a.optimizer }

// Pool returns the worker pool manager.
func (a *App) Pool() *dispatcher.Pool { return a.pool }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	if bo.clock == nil {
		bo.clock = clock.NewSystem()
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: bo.clock}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
		zap.Int("platforms", len(cfg.Platforms)),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	jobs, errLog, projects, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}
	app.projects = projects

	blobs, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	app.events, err = setupEvents(app, publisher)
	if err != nil {
		return nil, err
	}

	app.registry, err = platform.NewRegistry(cfg.Platforms, logger, bo.registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("platform registry init failed: %w", err)
	}

	ids := uuid.New()
	app.monitor = health.NewMonitor(app.registry.Names(), cfg.Health.Monitor(), errLog, ids, app.clock, logger,
		health.WithProber(app.registry),
		health.WithLimitResetter(app.registry.Limiter()),
	)

	app.queue = queue.New(jobs, errLog, ids, app.clock, logger, queue.Config{
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Backoff:            cfg.Queue.Backoff(),
		LeaseTimeout:       cfg.Queue.LeaseTimeout,
		CompletedTopic:     cfg.PubSub.CompletedTopic,
		FailedTopic:        cfg.PubSub.FailedTopic,
	}, queue.WithGate(app.monitor), queue.WithPlatforms(app.monitor), queue.WithPublisher(app.events))

	hasher := sha256.New()
	app.optimizer = optimizer.New(app.registry, app.monitor, hasher, projects, app.clock, logger, cfg.Optimizer)

	archiver := archive.NewArchiver(blobs)
	workerCfg := worker.Config{
		PollInterval:      cfg.Worker.PollInterval,
		DefaultMaxResults: cfg.Worker.DefaultMaxResults,
		CleanupAgeHours:   cfg.Worker.CleanupAgeHours,
	}
	factory := func(id string) *worker.Worker {
		return worker.New(id, app.queue, app.registry, app.optimizer, app.monitor, projects,
			archiver, hasher, app.clock, workerCfg,
			logger.Named("worker"))
	}
	app.pool, err = dispatcher.New(cfg.Pool, app.queue, factory, app.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Queue:     app.queue,
		Pool:      app.pool,
		Health:    app.monitor,
		Optimizer: app.optimizer,
		Projects:  projects,
		Ready:     app.Ready,
	}, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	ok = true
	return app, nil
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Run starts the worker pool and HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout + 5*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.pool.Stop(shutdownCtx); err != nil {
		a.logger.Warn("worker pool stop failed", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// Close releases external clients.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), eventDrainTimeout)
		if err := a.events.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
		cancel()
		a.events = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func setupStores(
	ctx context.Context,
	app *App,
) (crawler.JobStore, crawler.ErrorLog, crawler.ProjectStore, error) {
	cfg := app.cfg
	if cfg.Storage.Backend != config.BackendPostgres {
		app.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(),
			memorystorage.NewErrorLog(cfg.Storage.ErrorLogCapacity),
			memorystorage.NewProjectStore(),
			nil
	}

	db, err := pgstore.Open(ctx, cfg.DB.Postgres())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	app.db = db
	if cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, db, cfg.DB.Tables); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema migrated")
	}
	jobs, err := pgstore.NewJobStore(db, cfg.DB.Tables.Jobs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	errLog, err := pgstore.NewErrorLog(db, cfg.DB.Tables.Errors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error log init failed: %w", err)
	}
	projects, err := pgstore.NewProjectStore(db, cfg.DB.Tables.Projects)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("project store init failed: %w", err)
	}
	app.logger.Info("using postgres stores",
		zap.String("jobs_table", cfg.DB.Tables.Jobs),
		zap.String("errors_table", cfg.DB.Tables.Errors),
		zap.String("projects_table", cfg.DB.Tables.Projects),
	)
	return jobs, errLog, projects, nil
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		blobs, err := gcsstorage.New(client, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving scrapes to GCS", zap.String("bucket", cfg.GCS.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving scrapes to local disk", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		app.logger.Info("archiving scrapes in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("scrape archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.PubSub
	switch cfg.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		pub, err := gcppublisher.New(client)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsubPublisher = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("completed_topic", cfg.CompletedTopic),
			zap.String("failed_topic", cfg.FailedTopic),
		)
		return pub, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("job event publishing disabled")
		return nil, nil
	}
}

// setupEvents puts a buffered hub in front of the publisher so job
// transitions never wait on the broker.
func setupEvents(app *App, publisher crawler.Publisher) (*progress.Hub, error) {
	cfg := app.cfg.Events
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("event metrics init failed: %w", err)
	}
	hubSinks := []progress.Sink{promSink}
	if publisher != nil {
		pubSink, err := sinks.NewPublisherSink(publisher)
		if err != nil {
			return nil, fmt.Errorf("event publisher sink init failed: %w", err)
		}
		hubSinks = append(hubSinks, pubSink)
	}
	if cfg.LogEnabled {
		hubSinks = append(hubSinks, sinks.NewLogSink(app.logger.Named("job_events")))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait,
		SinkTimeout:    cfg.SinkTimeout,
		Logger:         app.logger,
	}, hubSinks...)
	app.logger.Info("job event hub initialized",
		zap.Int("sinks", len(hubSinks)),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Duration("max_batch_wait", cfg.MaxBatchWait),
	)
	return hub, nil
}
