package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/optimizer"
)

const (
	defaultCleanupHours = 24
	maxListLimit        = 1000
)

type jobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type batchRequest struct {
	Jobs []crawler.JobSpec `json:"jobs"`
}

type cleanupRequest struct {
	OlderThanHours *int `json:"older_than_hours"`
}

type completeRequest struct {
	Result json.RawMessage `json:"result"`
}

type failRequest struct {
	Error string `json:"error"`
}

// decodeJSON reads a JSON body into dst. An empty body is accepted when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &crawler.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var spec crawler.JobSpec
	if err := decodeJSON(r, &spec, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.deps.Queue.AddJob(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, Status: string(crawler.JobStatusPending)})
}

func (s *Server) schedulePriorityJob(w http.ResponseWriter, r *http.Request) {
	var spec crawler.JobSpec
	if err := decodeJSON(r, &spec, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.deps.Queue.ScheduleHighPriorityJob(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobAccepted{JobID: id, Status: string(crawler.JobStatusPending)})
}

func (s *Server) addJobBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Jobs) == 0 {
		s.fail(w, r, &crawler.ValidationError{Field: "jobs", Reason: "must not be empty"})
		return
	}
	results := s.deps.Queue.AddJobBatch(r.Context(), req.Jobs)
	accepted := 0
	for _, res := range results {
		if res.Err == nil {
			accepted++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	hours := defaultCleanupHours
	if req.OlderThanHours != nil {
		hours = *req.OlderThanHours
	}
	deleted, err := s.deps.Queue.Cleanup(r.Context(), hours)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted, "older_than_hours": hours})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.GetJobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := crawler.JobFilter{
		Status:   crawler.JobStatus(q.Get("status")),
		Platform: q.Get("platform"),
	}
	switch filter.Status {
	case "", crawler.JobStatusPending, crawler.JobStatusProcessing, crawler.JobStatusCompleted, crawler.JobStatusFailed:
	default:
		s.fail(w, r, &crawler.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", filter.Status)})
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter.Limit = limit
	jobs, err := s.deps.Queue.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	var result any
	if len(req.Result) > 0 {
		result = req.Result
	}
	job, err := s.deps.Queue.CompleteJob(r.Context(), chi.URLParam(r, "job_id"), result)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) failJob(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Error == "" {
		s.fail(w, r, &crawler.ValidationError{Field: "error", Reason: "is required"})
		return
	}
	job, err := s.deps.Queue.FailJob(r.Context(), chi.URLParam(r, "job_id"), errors.New(req.Error))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) workerStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) startWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.Start(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("worker pool started via api")
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) stopWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.Stop(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("worker pool stopped via api")
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) restartWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.Restart(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("worker pool restarted via api")
	s.writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) platformHealthList(w http.ResponseWriter, _ *http.Request) {
	platforms := s.deps.Health.GetHealthStatus()
	unhealthy := 0
	for _, p := range platforms {
		if p.Status != crawler.HealthHealthy {
			unhealthy++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"platforms": platforms,
		"total":     len(platforms),
		"unhealthy": unhealthy,
	})
}

func (s *Server) platformHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	h, ok := s.deps.Health.GetPlatformHealth(name)
	if !ok {
		s.fail(w, r, fmt.Errorf("platform %s: %w", name, crawler.ErrNotFound))
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) errorStatistics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.fail(w, r, &crawler.ValidationError{Field: "window", Reason: "must be a positive duration like 1h or 30m"})
			return
		}
		window = d
	}
	stats, err := s.deps.Health.GetErrorStatistics(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) recoverPlatform(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	h, err := s.deps.Health.AttemptRecovery(r.Context(), name, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("platform recovery forced", zap.String("platform", name))
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	h, err := s.deps.Health.ResetRateLimit(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("platform rate limit reset", zap.String("platform", name))
	s.writeJSON(w, http.StatusOK, h)
}

// forceHealthCheck probes the platform live. A failed probe still reports the
// resulting health so operators can see the recorded failure.
func (s *Server) forceHealthCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	h, err := s.deps.Health.AttemptRecovery(r.Context(), name, true)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"healthy": false, "error": err.Error(), "health": h})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "health": h})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Optimizer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scraping is not configured")
		return
	}
	var req optimizer.Request
	if err := decodeJSON(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Optimizer.ScrapeAllPlatforms(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, res)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		s.writeError(w, http.StatusServiceUnavailable, "project store is not configured")
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	projects, err := s.deps.Projects.ListProjects(r.Context(), q.Get("platform"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxListLimit {
		return 0, &crawler.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be an integer between 0 and %d", maxListLimit)}
	}
	return n, nil
}
