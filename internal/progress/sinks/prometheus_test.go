package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gigcrawler/internal/progress"
)

type namedPayload string

func (p namedPayload) Attributes() map[string]string {
	return map[string]string{"event": string(p), "job_id": "job-1", "platform": "upwork"}
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		progress.NewEvent("done", namedPayload("job.completed"), now),
		progress.NewEvent("done", namedPayload("job.completed"), now),
		progress.NewEvent("failed", namedPayload("job.failed"), now),
		progress.NewEvent("failed", map[string]string{}, now),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("done", "job.completed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("failed", "job.failed")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("failed", "unknown")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.lag, "gigcrawler_job_event_delivery_lag_seconds"))
}

// TestPrometheusSinkReusesCollectors checks a second sink on the same registry shares collectors.
func TestPrometheusSinkReusesCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	second, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, first.Consume(context.Background(), []progress.Event{
		progress.NewEvent("done", namedPayload("job.completed"), time.Now()),
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(second.events.WithLabelValues("done", "job.completed")), 1e-9)
}
