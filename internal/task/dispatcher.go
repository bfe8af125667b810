package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/pixpipe/internal/cache"
	"github.com/phrazzld/pixpipe/internal/redact"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/panics"
)

type eventKind int

const (
	eventSubmitted eventKind = iota
	eventDownloaded
	eventDecoded
	eventFailed
)

// stageEvent is posted to the control loop by Submit and by stage workers.
// Posting it hands ownership of the slot to the control loop.
type stageEvent struct {
	kind      eventKind
	slot      *TaskSlot
	fromCache bool
	failure   FailureKind
	err       error
}

// Config holds the dispatcher's pool sizes, cache bound and retry policy
type Config struct {
	// DownloadConcurrency is the fixed download worker count
	DownloadConcurrency int

	// DecodeConcurrency is the decode worker count, normally the CPU count
	DecodeConcurrency int

	// CacheCapacityBytes bounds the byte cache when no cache is injected
	CacheCapacityBytes int64

	// DecodeRetryCount is how many times a failed decode is retried
	DecodeRetryCount int

	// DecodeRetryDelay is the pause between decode attempts
	DecodeRetryDelay time.Duration

	// MaxDownloadBytes caps a single fetched body; zero means unlimited
	MaxDownloadBytes int64

	// MaxIdleSlots bounds the free slot list; zero means unlimited
	MaxIdleSlots int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		DownloadConcurrency: 8,
		DecodeConcurrency:   runtime.NumCPU(),
		CacheCapacityBytes:  cache.DefaultCapacityBytes,
		DecodeRetryCount:    2,
		DecodeRetryDelay:    250 * time.Millisecond,
	}
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithCache makes the dispatcher use an existing cache instead of creating one
func WithCache(c *cache.ByteCache) Option {
	return func(d *Dispatcher) {
		d.cache = c
	}
}

// WithMetrics registers pipeline metrics somewhere other than a private registry
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Stats is a point-in-time view of the dispatcher
type Stats struct {
	Outstanding     int
	IdleSlots       int
	DownloadBacklog int
	DecodeBacklog   int
	CacheEntries    int
	CacheBytes      int64
	DownloadWorkers int
	DecodeWorkers   int
}

// Dispatcher owns both stages, the byte cache and the slot pool. It is meant
// to be constructed once and shared; nothing else builds stages or the cache.
//
// All state transitions, cache writes and ResultSink calls happen on the
// control loop, started by Start or run on the caller's goroutine by Run.
type Dispatcher struct {
	config   Config
	cache    *cache.ByteCache
	slots    *SlotPool
	download *DownloadStage
	decode   *DecodeStage
	events   *TaskQueue[stageEvent]
	metrics  *Metrics
	logger   *slog.Logger

	running    atomic.Bool
	stopped    atomic.Bool
	delivering atomic.Bool
	stagesOnce sync.Once
	stopOnce   sync.Once
	loopDone   chan struct{}
	stopDone   chan struct{}
	stopLoop   context.CancelFunc
	loopCtx    context.Context
}

// NewDispatcher creates a dispatcher around the injected fetch and decode functions
func NewDispatcher(
	config Config,
	fetch FetchFunc,
	decode DecodeFunc,
	logger *slog.Logger,
	opts ...Option,
) (*Dispatcher, error) {
	if fetch == nil {
		return nil, fmt.Errorf("%w: fetch function is required", ErrInvalidRequest)
	}
	if decode == nil {
		return nil, fmt.Errorf("%w: decode function is required", ErrInvalidRequest)
	}

	logger = logger.With("component", "dispatcher")
	loopCtx, stopLoop := context.WithCancel(context.Background())

	d := &Dispatcher{
		config:   config,
		slots:    NewSlotPool(config.MaxIdleSlots),
		logger:   logger,
		loopDone: make(chan struct{}),
		stopDone: make(chan struct{}),
		loopCtx:  loopCtx,
		stopLoop: stopLoop,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache == nil {
		d.cache = cache.New(config.CacheCapacityBytes)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(prometheus.NewRegistry())
	}

	d.events = NewTaskQueue[stageEvent]("events", logger)
	d.download = NewDownloadStage(DownloadStageConfig{
		Concurrency: config.DownloadConcurrency,
		MaxBytes:    config.MaxDownloadBytes,
	}, fetch, d.cache, d.post, d.metrics, logger)
	d.decode = NewDecodeStage(DecodeStageConfig{
		Concurrency: config.DecodeConcurrency,
		RetryCount:  config.DecodeRetryCount,
		RetryDelay:  config.DecodeRetryDelay,
	}, decode, d.post, d.metrics, logger)

	return d, nil
}

// Cache returns the dispatcher's byte cache
func (d *Dispatcher) Cache() *cache.ByteCache {
	return d.cache
}

// Start launches the stage workers and runs the control loop on its own goroutine
func (d *Dispatcher) Start() error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	d.startStages()
	go d.loop(d.loopCtx)

	return nil
}

// Run launches the stage workers and runs the control loop on the calling
// goroutine, making it the delivery context for every ResultSink. It returns
// when ctx is done or Stop is called. Stop must still be called to release
// the workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	d.startStages()

	loopCtx, cancel := context.WithCancel(d.loopCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	d.loop(loopCtx)

	return ctx.Err()
}

// Stop shuts down the control loop and both stages. Requests still in flight
// are reported as cancelled from the calling goroutine once nothing else can
// deliver. Calling Stop more than once has no effect.
//
// A ResultSink may call Stop from Deliver. The loop cannot exit until that
// Deliver returns, so in that case, and whenever Stop races a delivery, the
// rest of the shutdown runs on its own goroutine and Stop returns at once.
func (d *Dispatcher) Stop() {
	if d.stopped.Load() && d.delivering.Load() {
		// Re-entered from a sink while already stopping.
		return
	}

	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		d.logger.Info("stopping dispatcher")

		d.stopLoop()
		d.events.Close()

		if d.delivering.Load() {
			go d.shutdown()
			return
		}
		d.shutdown()
	})
}

func (d *Dispatcher) shutdown() {
	defer close(d.stopDone)

	if d.running.Load() {
		<-d.loopDone
	}

	d.download.Stop()
	d.decode.Stop()

	for _, slot := range d.slots.drain() {
		if slot.lastState == "" {
			d.deliver(slot, Update{State: StateQueued})
		}
		d.deliver(slot, Update{State: StateFailed, Kind: FailureCancelled, Err: ErrStopped})
		d.metrics.Outcomes.WithLabelValues(FailureCancelled.String()).Inc()
		d.slots.release(slot)
	}

	d.logger.Info("dispatcher stopped")
}

// Submit accepts a request and returns a handle for cancelling it. Updates
// start with StateQueued and end with exactly one terminal state.
func (d *Dispatcher) Submit(req Request) (Handle, error) {
	if d.stopped.Load() {
		return Handle{}, ErrStopped
	}
	if req.Key == "" {
		return Handle{}, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if req.Sink == nil {
		return Handle{}, fmt.Errorf("%w: sink is required", ErrInvalidRequest)
	}
	if req.Width < 0 || req.Height < 0 {
		return Handle{}, fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidRequest, req.Width, req.Height)
	}

	slot := d.slots.AcquireFor(req)
	h := Handle{id: slot.id, slot: slot, generation: slot.generation()}

	if err := d.events.Push(stageEvent{kind: eventSubmitted, slot: slot}); err != nil {
		// Recycled here on the caller's goroutine, not the loop. Stop may have
		// drained the slot already, in which case it reports for it.
		if d.slots.Recycle(slot) {
			return Handle{}, ErrStopped
		}
		return h, nil
	}

	d.metrics.Submitted.Inc()
	d.logger.Debug("request submitted",
		"request_id", h.id,
		"key", redact.URL(req.Key),
		"width", req.Width,
		"height", req.Height,
		"cacheable", req.Cacheable)

	return h, nil
}

// Cancel asks for h's request to stop. It reports whether this call set the
// flag; repeated calls and calls on stale handles do nothing.
func (d *Dispatcher) Cancel(h Handle) bool {
	if h.slot == nil {
		return false
	}
	if !h.slot.requestCancel(h.generation) {
		return false
	}
	d.logger.Debug("request cancelled", "request_id", h.id)
	return true
}

// CancelAll flags every outstanding request and returns how many were newly cancelled
func (d *Dispatcher) CancelAll() int {
	n := 0
	for _, o := range d.slots.outstanding() {
		if o.slot.requestCancel(o.generation) {
			n++
		}
	}
	d.logger.Info("cancelled outstanding requests", "count", n)
	return n
}

// Stats returns a snapshot of pool, queue and cache occupancy
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Outstanding:     d.slots.Outstanding(),
		IdleSlots:       d.slots.Free(),
		DownloadBacklog: d.download.Backlog(),
		DecodeBacklog:   d.decode.Backlog(),
		CacheEntries:    d.cache.Len(),
		CacheBytes:      d.cache.Size(),
		DownloadWorkers: d.download.Workers(),
		DecodeWorkers:   d.decode.Workers(),
	}
}

func (d *Dispatcher) startStages() {
	d.stagesOnce.Do(func() {
		d.download.Start()
		d.decode.Start()
	})
}

// post is how stages hand a slot back. If the loop is gone the slot stays
// active and Stop reports it.
func (d *Dispatcher) post(ev stageEvent) {
	if err := d.events.Push(ev); err != nil {
		d.logger.Debug("dropping stage event after shutdown", "request_id", ev.slot.id)
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.loopDone)

	stop := context.AfterFunc(ctx, d.events.Close)
	defer stop()

	d.logger.Info("control loop started")
	for {
		ev, ok := d.events.Pop()
		if !ok {
			d.logger.Info("control loop stopped")
			return
		}
		d.handle(ev)
	}
}

func (d *Dispatcher) handle(ev stageEvent) {
	switch ev.kind {
	case eventSubmitted:
		d.onSubmitted(ev.slot)
	case eventDownloaded:
		d.onDownloadComplete(ev.slot, ev.fromCache)
	case eventDecoded:
		d.onDecodeComplete(ev.slot)
	case eventFailed:
		d.onFailed(ev.slot, ev.failure, ev.err)
	}
}

func (d *Dispatcher) onSubmitted(slot *TaskSlot) {
	d.deliver(slot, Update{State: StateQueued})

	if data, ok := d.cache.Get(slot.key); ok {
		d.metrics.CacheHits.Inc()
		slot.rawBytes = data
		d.deliver(slot, Update{State: StateCacheHit})
		d.enqueueDecode(slot)
		return
	}

	d.metrics.CacheMisses.Inc()
	d.deliver(slot, Update{State: StateDownloading})
	if err := d.download.Enqueue(slot); err != nil {
		d.onFailed(slot, FailureCancelled, fmt.Errorf("%w: %w", ErrStopped, err))
	}
}

func (d *Dispatcher) onDownloadComplete(slot *TaskSlot, fromCache bool) {
	if slot.cacheable && !fromCache {
		d.cache.Put(slot.key, slot.rawBytes)
		d.metrics.CacheBytes.Set(float64(d.cache.Size()))
	}

	d.deliver(slot, Update{State: StateDownloaded, FromCache: fromCache})
	d.enqueueDecode(slot)
}

func (d *Dispatcher) enqueueDecode(slot *TaskSlot) {
	d.deliver(slot, Update{State: StateDecoding})
	if err := d.decode.Enqueue(slot); err != nil {
		d.onFailed(slot, FailureCancelled, fmt.Errorf("%w: %w", ErrStopped, err))
	}
}

func (d *Dispatcher) onDecodeComplete(slot *TaskSlot) {
	// A cancel that lands after decode finished but before delivery still wins.
	if slot.CancelRequested() {
		d.onFailed(slot, FailureCancelled, ErrCancelled)
		return
	}

	d.deliver(slot, Update{State: StateComplete, Result: slot.decodedResult})
	d.finish(slot, "complete")
}

func (d *Dispatcher) onFailed(slot *TaskSlot, kind FailureKind, err error) {
	if err == nil {
		err = errors.New(kind.String())
	}
	d.deliver(slot, Update{State: StateFailed, Kind: kind, Err: err})
	d.finish(slot, kind.String())
}

func (d *Dispatcher) finish(slot *TaskSlot, outcome string) {
	d.metrics.Outcomes.WithLabelValues(outcome).Inc()
	if !d.slots.Recycle(slot) {
		d.logger.Error("slot finished twice", "outcome", outcome)
	}
}

// deliver stamps u with the slot's identity and passes it to the sink if the
// sink is still alive. A panicking sink is logged and does not stop the loop.
func (d *Dispatcher) deliver(slot *TaskSlot, u Update) {
	u.Handle = Handle{id: slot.id, slot: slot, generation: slot.generation()}
	u.Key = slot.key
	slot.lastState = u.State

	sink := slot.sink
	if sink == nil {
		return
	}
	if l, ok := sink.(Liveness); ok && !l.Alive() {
		d.logger.Debug("dropping update for dead sink", "request_id", slot.id, "state", u.State)
		return
	}

	d.delivering.Store(true)
	defer d.delivering.Store(false)

	var pc panics.Catcher
	pc.Try(func() { sink.Deliver(u) })
	if r := pc.Recovered(); r != nil {
		d.logger.Error("result sink panicked",
			"request_id", slot.id,
			"state", u.State,
			"error", r.AsError())
	}
}
