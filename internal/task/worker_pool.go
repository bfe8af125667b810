package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ProcessFunc handles one slot on a worker goroutine.
type ProcessFunc func(ctx context.Context, slot *TaskSlot, workerID int)

// WorkerPool manages a fixed set of worker goroutines that drain a TaskQueue.
// It handles graceful shutdown and worker lifecycle.
type WorkerPool struct {
	// name identifies the stage in logs
	name string

	// queue provides the slots to be processed
	queue *TaskQueue[*TaskSlot]

	// workerCount is the number of concurrent workers to start
	workerCount int

	// process runs the stage logic for a single slot
	process ProcessFunc

	// panicHandler is called when process panics. The slot is still owned
	// by the worker at that point.
	panicHandler func(slot *TaskSlot, err error)

	wg        conc.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	logger    *slog.Logger
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// Name identifies the pool in logs
	Name string

	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	queue *TaskQueue[*TaskSlot],
	config WorkerPoolConfig,
	process ProcessFunc,
	logger *slog.Logger,
) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"pool", config.Name,
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		name:        config.Name,
		queue:       queue,
		workerCount: workerCount,
		process:     process,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// SetPanicHandler sets the function that turns a recovered panic into a report
func (p *WorkerPool) SetPanicHandler(handler func(slot *TaskSlot, err error)) {
	p.panicHandler = handler
}

// Start launches the workers. Calling it again has no effect.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workerCount; i++ {
			id := i
			p.wg.Go(func() { p.worker(id) })
		}
		p.logger.Info("worker pool started", "pool", p.name, "worker_count", p.workerCount)
	})
}

// Stop cancels in-flight work, closes the queue and waits for every worker to exit
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.queue.Close()
		p.wg.Wait()
		p.logger.Info("worker pool stopped", "pool", p.name)
	})
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workerCount
}

func (p *WorkerPool) worker(id int) {
	p.logger.Debug("starting worker", "pool", p.name, "worker_id", id)

	for {
		slot, ok := p.queue.Pop()
		if !ok {
			p.logger.Debug("task queue closed, stopping worker", "pool", p.name, "worker_id", id)
			return
		}
		p.run(slot, id)
	}
}

// run executes process for one slot, converting a panic into a failure report
func (p *WorkerPool) run(slot *TaskSlot, workerID int) {
	var pc panics.Catcher
	pc.Try(func() { p.process(p.ctx, slot, workerID) })

	if r := pc.Recovered(); r != nil {
		err := fmt.Errorf("%s worker panicked: %w", p.name, r.AsError())
		p.logger.Error("worker recovered from panic",
			"pool", p.name,
			"worker_id", workerID,
			"request_id", slot.id,
			"error", err)
		if p.panicHandler != nil {
			p.panicHandler(slot, err)
		}
	}
}
