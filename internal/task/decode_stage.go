package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/pixpipe/internal/redact"
	"github.com/sethvargo/go-retry"
)

// minRetryDelay keeps the constant backoff valid when a zero delay is configured
const minRetryDelay = time.Millisecond

// DecodeStageConfig holds configuration for the decode stage
type DecodeStageConfig struct {
	// Concurrency is the fixed number of decode workers
	Concurrency int

	// RetryCount is how many times a failed decode is retried
	RetryCount int

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration
}

// DecodeStage runs the decode function for downloaded slots on a worker pool
// sized for CPU-bound work. Decode failures are usually memory pressure, so
// they are retried a bounded number of times with a fixed pause.
type DecodeStage struct {
	queue      *TaskQueue[*TaskSlot]
	pool       *WorkerPool
	decode     DecodeFunc
	report     func(stageEvent)
	retryCount uint64
	retryDelay time.Duration
	metrics    *Metrics
	logger     *slog.Logger
}

// NewDecodeStage creates a decode stage; call Start to launch its workers
func NewDecodeStage(
	config DecodeStageConfig,
	decode DecodeFunc,
	report func(stageEvent),
	metrics *Metrics,
	logger *slog.Logger,
) *DecodeStage {
	logger = logger.With("component", "decode_stage")

	retryCount := config.RetryCount
	if retryCount < 0 {
		logger.Warn("negative decode retry count, disabling retries", "specified_count", retryCount)
		retryCount = 0
	}
	retryDelay := config.RetryDelay
	if retryDelay < minRetryDelay {
		retryDelay = minRetryDelay
	}

	s := &DecodeStage{
		queue:      NewTaskQueue[*TaskSlot]("decode", logger),
		decode:     decode,
		report:     report,
		retryCount: uint64(retryCount),
		retryDelay: retryDelay,
		metrics:    metrics,
		logger:     logger,
	}
	s.pool = NewWorkerPool(s.queue, WorkerPoolConfig{
		Name:        "decode",
		WorkerCount: config.Concurrency,
	}, s.process, logger)
	s.pool.SetPanicHandler(func(slot *TaskSlot, err error) {
		s.fail(slot, FailureDecode, fmt.Errorf("%w: %w", ErrDecodeFailed, err))
	})

	return s
}

// Start launches the decode workers
func (s *DecodeStage) Start() {
	s.pool.Start()
}

// Stop abandons pending retries and waits for the workers to exit
func (s *DecodeStage) Stop() {
	s.pool.Stop()
}

// Enqueue hands slot to the stage. Only called after a successful download.
func (s *DecodeStage) Enqueue(slot *TaskSlot) error {
	if err := s.queue.Push(slot); err != nil {
		return err
	}
	s.logger.Debug("slot enqueued for decode",
		"request_id", slot.id,
		"key", redact.URL(slot.key),
		"backlog", s.queue.Len())
	return nil
}

// Backlog returns the number of slots waiting for a worker
func (s *DecodeStage) Backlog() int {
	return s.queue.Len()
}

// Workers returns the fixed worker count
func (s *DecodeStage) Workers() int {
	return s.pool.Workers()
}

func (s *DecodeStage) process(ctx context.Context, slot *TaskSlot, workerID int) {
	logger := s.logger.With(
		"request_id", slot.id,
		"key", redact.URL(slot.key),
		"worker_id", workerID,
	)

	if slot.CancelRequested() {
		logger.Debug("skipping cancelled decode")
		s.fail(slot, FailureCancelled, ErrCancelled)
		return
	}

	var (
		result  any
		attempt int
	)
	backoff := retry.WithMaxRetries(s.retryCount, retry.NewConstant(s.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if slot.CancelRequested() {
			return ErrCancelled
		}

		attempt++
		s.metrics.DecodeAttempts.Inc()

		out, err := s.decode(ctx, slot.rawBytes, slot.targetWidth, slot.targetHeight)
		if err != nil {
			if errors.Is(err, ErrPermanentDecode) {
				return err
			}
			logger.Warn("decode attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		result = out
		return nil
	})

	switch {
	case err != nil && stopRequested(ctx, slot):
		logger.Debug("decode cancelled", "attempts", attempt, "error", err)
		s.fail(slot, FailureCancelled, ErrCancelled)
	case err != nil:
		logger.Error("decode failed", "attempts", attempt, "error", err)
		s.fail(slot, FailureDecode, fmt.Errorf("%w after %d attempts: %w", ErrDecodeFailed, attempt, err))
	default:
		logger.Debug("decode complete", "attempts", attempt)
		slot.decodedResult = result
		s.report(stageEvent{kind: eventDecoded, slot: slot})
	}
}

func (s *DecodeStage) fail(slot *TaskSlot, kind FailureKind, err error) {
	s.report(stageEvent{kind: eventFailed, slot: slot, failure: kind, err: err})
}
