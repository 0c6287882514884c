package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gigcrawler/internal/progress"
)

// PrometheusSink counts delivered job events and the delay between publish
// and delivery.
type PrometheusSink struct {
	events *prometheus.CounterVec
	lag    prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg. Collectors already
// registered by an earlier sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gigcrawler_job_events_total",
		Help: "Job lifecycle events delivered by the event hub, by topic and event name.",
	}, []string{"topic", "event"}))
	if err != nil {
		return nil, err
	}
	lag, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gigcrawler_job_event_delivery_lag_seconds",
		Help:    "Time between an event being published and reaching the sinks.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}))
	if err != nil {
		return nil, err
	}
	return &PrometheusSink{events: events, lag: lag}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register event collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		name := evt.Name
		if name == "" {
			name = "unknown"
		}
		s.events.WithLabelValues(evt.Topic, name).Inc()
		if lag := time.Since(evt.TS); !evt.TS.IsZero() && lag >= 0 {
			s.lag.Observe(lag.Seconds())
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
