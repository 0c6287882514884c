// Package progress buffers job lifecycle events on a background goroutine and
// fans them out in batches to pluggable sinks such as Pub/Sub, Prometheus or
// structured logs. Hub satisfies crawler.Publisher, so the queue never waits
// on a slow broker while it holds a job transition.
package progress
