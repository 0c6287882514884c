package progress

import (
	"context"
	"fmt"
	"time"
)

type printSink struct{}

func (printSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		fmt.Printf("%s %s %s\n", evt.Topic, evt.Name, evt.JobID)
	}
	return nil
}

func (printSink) Close(context.Context) error { return nil }

type exampleJobEvent struct{ id string }

func (e exampleJobEvent) Attributes() map[string]string {
	return map[string]string{"event": "job.completed", "job_id": e.id}
}

func ExampleHub_Publish() {
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: time.Minute}, printSink{})

	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		if _, err := hub.Publish(ctx, "jobs-completed", exampleJobEvent{id: id}); err != nil {
			panic(err)
		}
	}
	// Close delivers the partial batch.
	if err := hub.Close(ctx); err != nil {
		panic(err)
	}
	// Output:
	// jobs-completed job.completed a1
	// jobs-completed job.completed a2
}
