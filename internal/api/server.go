package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/dispatcher"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
	"github.com/JakeFAU/gigcrawler/internal/queue"
)

const defaultRequestTimeout = 60 * time.Second

// JobQueue is the queue surface exposed over HTTP.
type JobQueue interface {
	AddJob(ctx context.Context, spec crawler.JobSpec) (string, error)
	AddJobBatch(ctx context.Context, specs []crawler.JobSpec) []queue.BatchResult
	ScheduleHighPriorityJob(ctx context.Context, spec crawler.JobSpec) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (crawler.Job, error)
	ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, error)
	GetStats(ctx context.Context) (crawler.QueueStats, error)
	CompleteJob(ctx context.Context, jobID string, result any) (crawler.Job, error)
	FailJob(ctx context.Context, jobID string, cause error) (crawler.Job, error)
	Cleanup(ctx context.Context, olderThanHours int) (int, error)
}

// WorkerPool is the pool lifecycle surface.
type WorkerPool interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() dispatcher.Status
}

// HealthMonitor is the platform health surface.
type HealthMonitor interface {
	GetHealthStatus() []crawler.PlatformHealth
	GetPlatformHealth(platform string) (crawler.PlatformHealth, bool)
	GetErrorStatistics(ctx context.Context, window time.Duration) (crawler.ErrorStatistics, error)
	AttemptRecovery(ctx context.Context, platform string, probe bool) (crawler.PlatformHealth, error)
	ResetRateLimit(ctx context.Context, platform string) (crawler.PlatformHealth, error)
}

// MultiScraper runs synchronous multi-platform searches.
type MultiScraper interface {
	ScrapeAllPlatforms(ctx context.Context, req optimizer.Request) (optimizer.Result, error)
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Deps are the services the handlers delegate to. Projects and Ready may be nil.
type Deps struct {
	Queue     JobQueue
	Pool      WorkerPool
	Health    HealthMonitor
	Optimizer MultiScraper
	Projects  crawler.ProjectStore
	Ready     ReadyFunc
}

// Options controls router behavior.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the queue, pool, health monitor and optimizer.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.addJob)
			r.Get("/", s.listJobs)
			r.Post("/batch", s.addJobBatch)
			r.Post("/priority", s.schedulePriorityJob)
			r.Post("/cleanup", s.cleanupJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/complete", s.completeJob)
				r.Post("/fail", s.failJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.workerStatus)
			r.Post("/start", s.startWorkers)
			r.Post("/stop", s.stopWorkers)
			r.Post("/restart", s.restartWorkers)
		})

		r.Route("/health", func(r chi.Router) {
			r.Get("/platforms", s.platformHealthList)
			r.Get("/errors", s.errorStatistics)
			r.Route("/platforms/{platform}", func(r chi.Router) {
				r.Get("/", s.platformHealth)
				r.Post("/recover", s.recoverPlatform)
				r.Post("/reset_rate_limit", s.resetRateLimit)
				r.Post("/force_health_check", s.forceHealthCheck)
			})
		})

		r.Post("/scrape", s.scrape)
		r.Get("/projects", s.listProjects)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var vErr *crawler.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrJobTerminal), errors.Is(err, dispatcher.ErrRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds the request context. Handlers see the deadline as
// context.DeadlineExceeded from their dependencies, which fail maps to 504.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
