package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/internal/telemetry"
)

var (
	// ErrPoolShutDown is delivered for work rejected or abandoned because
	// the pool is stopping.
	ErrPoolShutDown = errors.New("pool is shut down")
	// ErrQueueFull is returned by Submit when the queue has no capacity.
	ErrQueueFull = errors.New("queue is full")
)

// Result is the outcome of one executed item.
type Result struct {
	ItemID uuid.UUID
	Output []byte
	Err    error
}

// Item is one unit of queued work. Exactly one Result is ever delivered on
// Done, even when the submitter abandons the item before completion.
type Item struct {
	ID         uuid.UUID
	Service    string
	Payload    []byte
	EnqueuedAt time.Time

	done      chan Result
	abandoned atomic.Bool
}

// NewItem creates a queue item for the named service.
func NewItem(service string, payload []byte) *Item {
	return &Item{
		ID:         uuid.New(),
		Service:    service,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}
}

// Done returns the channel the item's result is delivered on.
func (it *Item) Done() <-chan Result {
	return it.done
}

// Abandon marks the item so a late result is discarded instead of
// delivered. Safe to call at most once per item, after a timeout.
func (it *Item) Abandon() {
	it.abandoned.Store(true)
}

// deliver sends the result unless the submitter gave up. The channel is
// buffered, so a worker never blocks here.
func (it *Item) deliver(res Result) {
	if it.abandoned.Load() {
		return
	}
	select {
	case it.done <- res:
	default:
	}
}

// Runner executes queued items. Implementations must be safe for
// concurrent use.
type Runner interface {
	Run(ctx context.Context, it *Item) ([]byte, error)
}

// Config tunes pool sizing and the scaling loop.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	InitialWorkers int
	QueueSize      int
	// ScaleInterval is how often the control loop samples load.
	ScaleInterval time.Duration
	// HighWaterPct is the utilisation above which the pool contracts.
	// Expansion triggers below half this value when work is queued.
	HighWaterPct float64
	Sampler      telemetry.LoadSampler
}

func (c *Config) applyDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers * 8
	}
	if c.InitialWorkers < c.MinWorkers {
		c.InitialWorkers = c.MinWorkers
	}
	if c.InitialWorkers > c.MaxWorkers {
		c.InitialWorkers = c.MaxWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 5 * time.Second
	}
	if c.HighWaterPct <= 0 {
		c.HighWaterPct = 80
	}
}

// Pool is an auto-scaling worker pool over a single FIFO queue. Workers
// pull from one shared channel, so queued items start in submission order.
type Pool struct {
	cfg    Config
	runner Runner

	queue chan *Item
	wg    sync.WaitGroup

	mu      sync.Mutex
	retire  []chan struct{}
	shut    bool
	cancel  context.CancelFunc
	ctlDone chan struct{}

	received  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	inflight  atomic.Int64
}

// New creates a pool; call Start before submitting.
func New(cfg Config, runner Runner) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:     cfg,
		runner:  runner,
		queue:   make(chan *Item, cfg.QueueSize),
		ctlDone: make(chan struct{}),
	}
}

// Start spawns the initial workers and the scaling control loop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Lock()
	for i := 0; i < p.cfg.InitialWorkers; i++ {
		p.spawnLocked(ctx)
	}
	p.mu.Unlock()
	go p.controlLoop(ctx)
	log.Info().
		Int("workers", p.cfg.InitialWorkers).
		Int("queue_size", p.cfg.QueueSize).
		Msg("worker pool started")
}

// Submit enqueues an item without blocking. Returns ErrPoolShutDown after
// Stop has begun and ErrQueueFull when the queue has no capacity. The shut
// check and the enqueue happen under one lock acquisition: Stop marks the
// pool shut before it drains, so every accepted item is either executed or
// failed during the drain.
func (p *Pool) Submit(it *Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return ErrPoolShutDown
	}
	select {
	case p.queue <- it:
		p.received.Add(1)
		return nil
	default:
		return fmt.Errorf("submit %s: %w", it.Service, ErrQueueFull)
	}
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context) {
	stop := make(chan struct{})
	p.retire = append(p.retire, stop)
	p.wg.Add(1)
	go p.worker(ctx, stop)
}

// worker pulls items until told to retire. A retiring worker finishes the
// item it is running but takes no new ones.
func (p *Pool) worker(ctx context.Context, stop chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case it := <-p.queue:
			p.execute(ctx, it)
		}
	}
}

// execute runs one item, converting panics into failed results so a bad
// runner cannot take a worker down with it.
func (p *Pool) execute(ctx context.Context, it *Item) {
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	var out []byte
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("runner panic: %v", r)
			}
		}()
		out, err = p.runner.Run(ctx, it)
	}()

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	it.deliver(Result{ItemID: it.ID, Output: out, Err: err})
}

func (p *Pool) controlLoop(ctx context.Context) {
	defer close(p.ctlDone)
	if p.cfg.Sampler == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scaleTick(ctx)
		}
	}
}

// scaleTick applies one scaling decision: contract to half above the high
// water mark, expand to double below half of it while work is queued.
func (p *Pool) scaleTick(ctx context.Context) {
	snap, err := p.cfg.Sampler.Sample()
	if err != nil {
		log.Warn().Err(err).Msg("load sample failed, skipping scale tick")
		return
	}
	load := snap.CPUPercent
	if snap.MemPercent > load {
		load = snap.MemPercent
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return
	}
	current := len(p.retire)
	target := current
	switch {
	case load > p.cfg.HighWaterPct:
		target = current / 2
		if target < p.cfg.MinWorkers {
			target = p.cfg.MinWorkers
		}
	case load < p.cfg.HighWaterPct/2 && len(p.queue) > 0:
		target = current * 2
		if target > p.cfg.MaxWorkers {
			target = p.cfg.MaxWorkers
		}
	}
	if target == current {
		return
	}
	log.Info().
		Float64("load_pct", load).
		Int("workers", current).
		Int("target", target).
		Msg("scaling worker pool")
	p.resizeLocked(ctx, target)
}

// resizeLocked adjusts the worker count to target. Caller holds p.mu.
func (p *Pool) resizeLocked(ctx context.Context, target int) {
	for len(p.retire) < target {
		p.spawnLocked(ctx)
	}
	for len(p.retire) > target {
		last := len(p.retire) - 1
		close(p.retire[last])
		p.retire = p.retire[:last]
	}
}

// Stop drains the queue, waiting up to the ctx deadline for in-flight and
// queued work to finish. Leftover items are failed with ErrPoolShutDown.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		return nil
	}
	p.shut = true
	p.mu.Unlock()

	// Stop the control loop so it cannot resize mid-drain.
	if p.cancel != nil {
		defer p.cancel()
	}

	var drainErr error
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		if len(p.queue) == 0 && p.inflight.Load() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			drainErr = fmt.Errorf("drain incomplete: %w", ctx.Err())
			break drain
		case <-ticker.C:
		}
	}

	// Fail anything still queued.
	for {
		select {
		case it := <-p.queue:
			p.failed.Add(1)
			it.deliver(Result{ItemID: it.ID, Err: ErrPoolShutDown})
		default:
			p.retireAll()
			p.wg.Wait()
			log.Info().
				Uint64("completed", p.completed.Load()).
				Uint64("failed", p.failed.Load()).
				Msg("worker pool stopped")
			return drainErr
		}
	}
}

func (p *Pool) retireAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, stop := range p.retire {
		close(stop)
	}
	p.retire = nil
}

// Workers returns the current worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retire)
}

// QueueDepth returns the number of items waiting in the queue.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Stats snapshots the pool counters for the monitoring surface.
func (p *Pool) Stats() telemetry.PoolStats {
	return telemetry.PoolStats{
		Workers:    p.Workers(),
		QueueDepth: p.QueueDepth(),
		Received:   p.received.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

// Received returns the count of items accepted by Submit.
func (p *Pool) Received() uint64 {
	return p.received.Load()
}
