package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/progress"
)

// LogSink emits structured logs for each job event. It is useful during
// development or audits where no broker is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("topic", evt.Topic),
			zap.String("event", evt.Name),
			zap.String("job_id", evt.JobID),
			zap.Time("ts", evt.TS),
		}
		if a, ok := evt.Payload.(progress.Attributer); ok {
			for k, v := range a.Attributes() {
				if k == "event" || k == "job_id" || v == "" {
					continue
				}
				fields = append(fields, zap.String(k, v))
			}
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
