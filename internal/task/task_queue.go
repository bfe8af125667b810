package task

import (
	"log/slog"
	"sync"
)

// TaskQueue is an unbounded FIFO with a blocking Pop. Push never blocks, so
// the control loop can hand work to a stage without waiting on its workers.
// Backlog can grow under load; worker count, not queue length, is the bound.
type TaskQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	name   string
	logger *slog.Logger
}

// NewTaskQueue creates an empty queue. The name only appears in logs.
func NewTaskQueue[T any](name string, logger *slog.Logger) *TaskQueue[T] {
	q := &TaskQueue[T]{
		name:   name,
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. Returns ErrQueueClosed after Close.
func (q *TaskQueue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	q.cond.Signal()

	return nil
}

// Pop blocks until an item is available or the queue is closed. After Close
// it returns false immediately; items still queued are discarded.
func (q *TaskQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.closed {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]

	return item, true
}

// Close wakes all waiting consumers and rejects further pushes.
func (q *TaskQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.logger.Debug("task queue closed", "queue", q.name)
}

// Len returns the number of queued items.
func (q *TaskQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
