// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs and /v1/queue for job submission, inspection and reporting.
//   - /v1/workers for pool lifecycle and status.
//   - /v1/health for platform health, error statistics and recovery.
//   - POST /v1/scrape for synchronous multi-platform searches.
package api
