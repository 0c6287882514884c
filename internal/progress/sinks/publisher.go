package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/progress"
)

// PublisherSink forwards each event to a broker publisher on its topic.
type PublisherSink struct {
	pub crawler.Publisher
}

// NewPublisherSink wraps pub.
func NewPublisherSink(pub crawler.Publisher) (*PublisherSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &PublisherSink{pub: pub}, nil
}

// Consume publishes every event in order. A failed event does not stop the
// rest of the batch; all failures are joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Topic, ctx.Err()))
			break
		}
		if _, err := s.pub.Publish(ctx, evt.Topic, evt.Payload); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event for job %s: %w", evt.Topic, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface. The wrapped publisher is owned by the
// caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
