// Package dispatcher owns the worker pool: it starts and stops workers and
// resizes the pool from the weighted queue backlog.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gigcrawler/internal/crawler"
	"github.com/JakeFAU/gigcrawler/internal/metrics"
	"github.com/JakeFAU/gigcrawler/internal/worker"
)

// ErrRunning is returned by Start when the pool is already running.
var ErrRunning = errors.New("worker pool already running")

// Config sizes the pool and tunes scaling.
type Config struct {
	MinWorkers          int           `mapstructure:"min_workers" json:"min_workers"`
	MaxWorkers          int           `mapstructure:"max_workers" json:"max_workers"`
	TargetJobsPerWorker float64       `mapstructure:"target_jobs_per_worker" json:"target_jobs_per_worker"`
	ScaleUpThreshold    float64       `mapstructure:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold  float64       `mapstructure:"scale_down_threshold" json:"scale_down_threshold"`
	ScaleInterval       time.Duration `mapstructure:"scale_interval" json:"scale_interval"`
	Cooldown            time.Duration `mapstructure:"cooldown" json:"cooldown"`
	IDPrefix            string        `mapstructure:"id_prefix" json:"id_prefix"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          1,
		MaxWorkers:          8,
		TargetJobsPerWorker: 5,
		ScaleUpThreshold:    1.5,
		ScaleDownThreshold:  0.5,
		ScaleInterval:       15 * time.Second,
		Cooldown:            30 * time.Second,
		IDPrefix:            "worker",
	}
}

// Validate checks the pool bounds and thresholds.
func (c Config) Validate() error {
	switch {
	case c.MinWorkers < 1:
		return &crawler.ValidationError{Field: "min_workers", Reason: "must be at least 1"}
	case c.MaxWorkers < c.MinWorkers:
		return &crawler.ValidationError{Field: "max_workers", Reason: "must not be below min_workers"}
	case c.TargetJobsPerWorker <= 0:
		return &crawler.ValidationError{Field: "target_jobs_per_worker", Reason: "must be positive"}
	case c.ScaleDownThreshold >= c.ScaleUpThreshold:
		return &crawler.ValidationError{Field: "scale_down_threshold", Reason: "must be below scale_up_threshold"}
	case c.ScaleInterval <= 0:
		return &crawler.ValidationError{Field: "scale_interval", Reason: "must be positive"}
	}
	return nil
}

// Direction of a scaling action.
const (
	ScaleUp   = "up"
	ScaleDown = "down"
)

// ScalingAction records one resize.
type ScalingAction struct {
	Direction string    `json:"direction"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Backlog   float64   `json:"backlog"`
	At        time.Time `json:"at"`
}

// Status is a snapshot of the pool.
type Status struct {
	Running     bool           `json:"running"`
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Idle        int            `json:"idle"`
	Workers     []WorkerStatus `json:"workers"`
	LastScaling *ScalingAction `json:"last_scaling,omitempty"`
	Config      Config         `json:"config"`
}

// WorkerStatus describes one worker.
type WorkerStatus struct {
	ID        string       `json:"id"`
	State     worker.State `json:"state"`
	Processed int64        `json:"processed"`
}

// StatsSource reports queue depth.
type StatsSource interface {
	GetStats(ctx context.Context) (crawler.QueueStats, error)
}

// Factory builds a worker with the given lease id.
type Factory func(id string) *worker.Worker

type member struct {
	w    *worker.Worker
	stop chan struct{}
	done chan struct{}
}

// Pool runs and scales workers.
type Pool struct {
	cfg     Config
	stats   StatsSource
	factory Factory
	clock   crawler.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	running    bool
	runCtx     context.Context
	cancel     context.CancelFunc
	loopStop   chan struct{}
	loopDone   chan struct{}
	members    map[string]*member
	retiring   []*member
	nextID     int
	lastScale  time.Time
	lastAction *ScalingAction
}

// New creates a stopped Pool.
func New(cfg Config, stats StatsSource, factory Factory, clock crawler.Clock, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "worker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		stats:   stats,
		factory: factory,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
		members: make(map[string]*member),
	}, nil
}

// Start brings the pool to MinWorkers and starts the scaling loop. Workers
// outlive ctx cancellation; use Stop to shut them down.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.running = true
	for len(p.members) < p.cfg.MinWorkers {
		p.spawnLocked()
	}
	p.loopStop = make(chan struct{})
	p.loopDone = make(chan struct{})
	go p.scaleLoop(p.runCtx, p.loopStop, p.loopDone)

	p.reportLocked()
	p.logger.Info("worker pool started", zap.Int("workers", len(p.members)))
	return nil
}

// Stop signals every worker and waits for in-flight jobs. If ctx expires
// first, in-flight jobs are canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.loopStop)
	loopDone := p.loopDone
	members := append([]*member(nil), p.retiring...)
	for id, m := range p.members {
		close(m.stop)
		members = append(members, m)
		delete(p.members, id)
	}
	p.retiring = nil
	cancel := p.cancel
	p.mu.Unlock()

	<-loopDone
	var err error
	for _, m := range members {
		select {
		case <-m.done:
		case <-ctx.Done():
			cancel()
			<-m.done
			err = fmt.Errorf("stop worker pool: %w", ctx.Err())
		}
	}
	cancel()

	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()
	p.logger.Info("worker pool stopped", zap.Int("workers", len(members)))
	return err
}

// Restart stops and starts the pool.
func (p *Pool) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(ctx)
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Running: p.running,
		Total:   len(p.members),
		Config:  p.cfg,
		Workers: make([]WorkerStatus, 0, len(p.members)),
	}
	for id, m := range p.members {
		if m.w.Busy() {
			st.Active++
		}
		st.Workers = append(st.Workers, WorkerStatus{ID: id, State: m.w.State(), Processed: m.w.Processed()})
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].ID < st.Workers[j].ID })
	st.Idle = st.Total - st.Active
	if p.lastAction != nil {
		action := *p.lastAction
		st.LastScaling = &action
	}
	return st
}

// Scale evaluates the backlog once and resizes the pool. It returns the
// action taken, or nil when the pool size is unchanged.
func (p *Pool) Scale(ctx context.Context) (*ScalingAction, error) {
	stats, err := p.stats.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	metrics.SetQueueDepth(stats.Pending, stats.Processing, stats.Completed, stats.Failed)
	backlog := stats.WeightedBacklog()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, nil
	}
	p.reapLocked()

	now := p.clock.Now()
	current := len(p.members)
	sinceLast := time.Duration(math.MaxInt64)
	if !p.lastScale.IsZero() {
		sinceLast = now.Sub(p.lastScale)
	}
	target := decideScale(current, backlog, p.cfg, sinceLast)

	switch {
	case target > current:
		for len(p.members) < target {
			p.spawnLocked()
		}
	case target < current:
		p.retireIdleLocked(current - target)
	}
	after := len(p.members)
	p.reportLocked()
	if after == current {
		return nil, nil
	}

	action := &ScalingAction{Direction: ScaleUp, From: current, To: after, Backlog: backlog, At: now}
	if after < current {
		action.Direction = ScaleDown
	}
	p.lastScale = now
	p.lastAction = action
	metrics.ObserveScaling(action.Direction)
	p.logger.Info("worker pool scaled",
		zap.String("direction", action.Direction),
		zap.Int("from", current),
		zap.Int("to", after),
		zap.Float64("backlog", backlog),
	)
	out := *action
	return &out, nil
}

// decideScale returns the target pool size for backlog. Scaling in either
// direction waits for the cooldown.
func decideScale(current int, backlog float64, cfg Config, sinceLast time.Duration) int {
	if sinceLast < cfg.Cooldown {
		return current
	}
	load := backlog / cfg.TargetJobsPerWorker
	switch {
	case load > cfg.ScaleUpThreshold && current < cfg.MaxWorkers:
		return clamp(int(math.Ceil(load)), current+1, cfg.MaxWorkers)
	case load < cfg.ScaleDownThreshold && current > cfg.MinWorkers:
		return max(cfg.MinWorkers, int(math.Ceil(load)))
	default:
		return current
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func (p *Pool) scaleLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Scale(ctx); err != nil {
				p.logger.Warn("scaling evaluation failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) spawnLocked() {
	p.nextID++
	id := fmt.Sprintf("%s-%d", p.cfg.IDPrefix, p.nextID)
	m := &member{
		w:    p.factory(id),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.members[id] = m
	ctx := p.runCtx
	go func() {
		defer close(m.done)
		m.w.Run(ctx, m.stop)
	}()
}

// retireIdleLocked stops up to n idle workers. Busy workers are never chosen.
func (p *Pool) retireIdleLocked(n int) {
	ids := make([]string, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	for _, id := range ids {
		if n == 0 {
			return
		}
		m := p.members[id]
		if m.w.Busy() {
			continue
		}
		close(m.stop)
		delete(p.members, id)
		p.retiring = append(p.retiring, m)
		n--
	}
}

func (p *Pool) reapLocked() {
	kept := p.retiring[:0]
	for _, m := range p.retiring {
		select {
		case <-m.done:
		default:
			kept = append(kept, m)
		}
	}
	p.retiring = kept
}

func (p *Pool) reportLocked() {
	active := 0
	for _, m := range p.members {
		if m.w.Busy() {
			active++
		}
	}
	metrics.SetWorkers(len(p.members), active)
}
