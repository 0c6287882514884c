// Package crawler defines the domain types, collaborator interfaces, error
// taxonomy and backoff policy shared by the queue, worker pool, platform
// health monitor and multi-platform optimizer.
package crawler
