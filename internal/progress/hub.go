package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the number of events held while the delivery goroutine is busy.
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits for delivery.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropWarnInterval      = 5 * time.Second
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("event hub closed")
	// ErrBufferFull is returned by Publish when the event was dropped.
	ErrBufferFull = errors.New("event hub buffer full")
)

// Hub buffers job events and delivers them to sinks in batches from a single
// goroutine. Publishers never wait on a sink.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the delivery goroutine and returns a Hub ready for use.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		events:   make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("events"),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.run()
	return h
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Emit enqueues evt and ignores the outcome.
func (h *Hub) Emit(evt Event) {
	_ = h.enqueue(evt)
}

// Publish implements crawler.Publisher. The message id is always empty since
// delivery happens later on the hub goroutine.
func (h *Hub) Publish(_ context.Context, topic string, payload any) (string, error) {
	if h == nil {
		return "", ErrClosed
	}
	return "", h.enqueue(NewEvent(topic, payload, time.Now().UTC()))
}

// Dropped returns the number of events dropped since the last warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) enqueue(evt Event) error {
	if h == nil || h.closed.Load() {
		return ErrClosed
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return fmt.Errorf("invalid event: %w", err)
	}
	select {
	case h.events <- evt:
		return nil
	default:
	}
	h.dropped.Add(1)
	h.dropWarn.Do(func() {
		h.logger.Warn("job events dropped, buffer full", zap.Int64("dropped", h.dropped.Swap(0)))
	})
	return ErrBufferFull
}

// Close stops intake, delivers what is buffered, closes the sinks and waits
// for the delivery goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := pendingBatch{limit: h.cfg.MaxBatchEvents, wait: h.cfg.MaxBatchWait}
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.deliver(b.take())
			}
		case <-b.deadline():
			h.deliver(b.take())
		case <-h.stop:
			h.drain(&b)
			h.closeSinks()
			return
		}
	}
}

// drain empties the channel without blocking.
func (h *Hub) drain(b *pendingBatch) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.deliver(b.take())
			}
		default:
			h.deliver(b.take())
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		h.consume(sink, batch)
	}
}

func (h *Hub) consume(sink Sink, batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Consume(ctx, batch); err != nil {
		h.logger.Warn("event sink consume failed",
			zap.String("sink", fmt.Sprintf("%T", sink)),
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

// pendingBatch collects events until it is full or its first event has
// waited wait.
type pendingBatch struct {
	events []Event
	limit  int
	wait   time.Duration
	timer  *time.Timer
}

// add appends evt and reports whether the batch is full.
func (b *pendingBatch) add(evt Event) bool {
	b.events = append(b.events, evt)
	if len(b.events) >= b.limit {
		return true
	}
	if b.timer == nil {
		b.timer = time.NewTimer(b.wait)
	}
	return false
}

// deadline is nil while the batch is empty, which disables its select case.
func (b *pendingBatch) deadline() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

func (b *pendingBatch) take() []Event {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	out := b.events
	b.events = nil
	return out
}
