package progress

import "context"

// Sink receives batches from a Hub. Calls come from the hub's delivery
// goroutine only, one batch at a time; ctx carries the per-sink timeout.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without reporting delivery.
type Emitter interface {
	Emit(evt Event)
}
