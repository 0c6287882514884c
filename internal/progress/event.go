package progress

import (
	"errors"
	"time"
)

// Attributer is implemented by payloads that carry routing attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Event is one published lifecycle payload bound for Topic.
type Event struct {
	// Topic is the destination topic ID.
	Topic string
	// Name is the event name taken from the payload attributes, if any.
	Name string
	// JobID is taken from the payload attributes, if any.
	JobID string
	// Payload is forwarded to sinks untouched.
	Payload any
	// TS is when the hub accepted the event.
	TS time.Time
}

// NewEvent wraps payload for topic, lifting name and job id from its
// attributes.
func NewEvent(topic string, payload any, ts time.Time) Event {
	evt := Event{Topic: topic, Payload: payload, TS: ts}
	if a, ok := payload.(Attributer); ok {
		attrs := a.Attributes()
		evt.Name = attrs["event"]
		evt.JobID = attrs["job_id"]
	}
	return evt
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Topic == "" {
		return errors.New("topic is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Payload == nil {
		return errors.New("payload is required")
	}
	return nil
}
