package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/oxtoacart/bpool"
	"github.com/phrazzld/pixpipe/internal/cache"
	"github.com/phrazzld/pixpipe/internal/redact"
)

const (
	// downloadChunkSize is the read size between cancellation checks
	downloadChunkSize = 32 << 10

	// pooledBuffers bounds how many idle buffers each pool keeps around
	pooledBuffers = 64
)

// DownloadStageConfig holds configuration for the download stage
type DownloadStageConfig struct {
	// Concurrency is the fixed number of download workers
	Concurrency int

	// MaxBytes caps a single fetched body; zero means unlimited
	MaxBytes int64
}

// DownloadStage fetches resource bytes for slots on a fixed-size worker pool.
// Every slot it receives produces exactly one report: downloaded or failed.
type DownloadStage struct {
	queue    *TaskQueue[*TaskSlot]
	pool     *WorkerPool
	fetch    FetchFunc
	cache    *cache.ByteCache
	report   func(stageEvent)
	chunks   *bpool.BytePool
	buffers  *bpool.BufferPool
	maxBytes int64
	metrics  *Metrics
	logger   *slog.Logger
}

// NewDownloadStage creates a download stage; call Start to launch its workers
func NewDownloadStage(
	config DownloadStageConfig,
	fetch FetchFunc,
	byteCache *cache.ByteCache,
	report func(stageEvent),
	metrics *Metrics,
	logger *slog.Logger,
) *DownloadStage {
	logger = logger.With("component", "download_stage")

	s := &DownloadStage{
		queue:    NewTaskQueue[*TaskSlot]("download", logger),
		fetch:    fetch,
		cache:    byteCache,
		report:   report,
		chunks:   bpool.NewBytePool(pooledBuffers, downloadChunkSize),
		buffers:  bpool.NewBufferPool(pooledBuffers),
		maxBytes: config.MaxBytes,
		metrics:  metrics,
		logger:   logger,
	}
	s.pool = NewWorkerPool(s.queue, WorkerPoolConfig{
		Name:        "download",
		WorkerCount: config.Concurrency,
	}, s.process, logger)
	s.pool.SetPanicHandler(func(slot *TaskSlot, err error) {
		s.fail(slot, FailureIO, fmt.Errorf("%w: %w", ErrFetchFailed, err))
	})

	return s
}

// Start launches the download workers
func (s *DownloadStage) Start() {
	s.pool.Start()
}

// Stop cancels in-flight fetches and waits for the workers to exit
func (s *DownloadStage) Stop() {
	s.pool.Stop()
}

// Enqueue hands slot to the stage. The stage owns the slot until it reports.
func (s *DownloadStage) Enqueue(slot *TaskSlot) error {
	if err := s.queue.Push(slot); err != nil {
		return err
	}
	s.logger.Debug("slot enqueued for download",
		"request_id", slot.id,
		"key", redact.URL(slot.key),
		"backlog", s.queue.Len())
	return nil
}

// Backlog returns the number of slots waiting for a worker
func (s *DownloadStage) Backlog() int {
	return s.queue.Len()
}

// Workers returns the fixed worker count
func (s *DownloadStage) Workers() int {
	return s.pool.Workers()
}

func (s *DownloadStage) process(ctx context.Context, slot *TaskSlot, workerID int) {
	logger := s.logger.With(
		"request_id", slot.id,
		"key", redact.URL(slot.key),
		"worker_id", workerID,
	)

	if slot.CancelRequested() {
		logger.Debug("skipping cancelled download")
		s.fail(slot, FailureCancelled, ErrCancelled)
		return
	}

	// The control loop already counted this request as a miss.
	if data, ok := s.cache.Get(slot.key); ok {
		logger.Debug("download served from cache", "bytes", len(data))
		s.metrics.LateCacheHits.Inc()
		slot.rawBytes = data
		s.report(stageEvent{kind: eventDownloaded, slot: slot, fromCache: true})
		return
	}

	data, err := s.download(ctx, slot)
	switch {
	case err != nil && stopRequested(ctx, slot):
		logger.Debug("download cancelled", "error", err)
		s.fail(slot, FailureCancelled, ErrCancelled)
	case err != nil:
		logger.Error("download failed", "error", err)
		s.fail(slot, FailureIO, fmt.Errorf("%w: %w", ErrFetchFailed, err))
	default:
		logger.Debug("download complete", "bytes", len(data))
		slot.rawBytes = data
		s.report(stageEvent{kind: eventDownloaded, slot: slot})
	}
}

// download streams the fetch body into a pooled buffer, checking for
// cancellation between chunks, and returns an owned copy of the bytes.
func (s *DownloadStage) download(ctx context.Context, slot *TaskSlot) ([]byte, error) {
	body, err := s.fetch(ctx, slot.key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)
	chunk := s.chunks.Get()
	defer s.chunks.Put(chunk)

	for {
		if slot.CancelRequested() {
			return nil, ErrCancelled
		}

		n, readErr := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			s.metrics.BytesFetched.Add(float64(n))
			if s.maxBytes > 0 && int64(buf.Len()) > s.maxBytes {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, s.maxBytes)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// stopRequested reports whether a failure is down to the caller or shutdown.
// Errors from the injected functions are never trusted for this, even when
// they wrap context.Canceled.
func stopRequested(ctx context.Context, slot *TaskSlot) bool {
	return slot.CancelRequested() || ctx.Err() != nil
}

func (s *DownloadStage) fail(slot *TaskSlot, kind FailureKind, err error) {
	s.report(stageEvent{kind: eventFailed, slot: slot, failure: kind, err: err})
}
