package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecodeStage(t *testing.T, config DecodeStageConfig, decode DecodeFunc) (*DecodeStage, chan stageEvent) {
	t.Helper()
	events := make(chan stageEvent, 16)
	stage := NewDecodeStage(config, decode, func(ev stageEvent) {
		events <- ev
	}, newTestMetrics(), setupTestLogger())
	stage.Start()
	t.Cleanup(stage.Stop)
	return stage, events
}

func downloadedSlot(key string, data []byte) *TaskSlot {
	slot := newTestSlot(key)
	slot.rawBytes = data
	return slot
}

func TestDecodeStage_Success(t *testing.T) {
	var gotW, gotH int
	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryCount: 2, RetryDelay: time.Millisecond},
		func(_ context.Context, data []byte, w, h int) (any, error) {
			gotW, gotH = w, h
			return fmt.Sprintf("decoded %d bytes", len(data)), nil
		})

	slot := downloadedSlot("img", []byte("12345"))
	require.NoError(t, stage.Enqueue(slot))

	ev := waitEvent(t, events)
	assert.Equal(t, eventDecoded, ev.kind)
	assert.Equal(t, "decoded 5 bytes", slot.DecodedResult())
	assert.Equal(t, 64, gotW)
	assert.Equal(t, 48, gotH)
}

func TestDecodeStage_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryCount: 2, RetryDelay: time.Millisecond},
		func(context.Context, []byte, int, int) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("out of memory")
			}
			return "ok", nil
		})

	slot := downloadedSlot("img", []byte("x"))
	require.NoError(t, stage.Enqueue(slot))

	ev := waitEvent(t, events)
	assert.Equal(t, eventDecoded, ev.kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "ok", slot.DecodedResult())
}

func TestDecodeStage_ExhaustsRetries(t *testing.T) {
	testCases := []struct {
		name          string
		retryCount    int
		expectedCalls int32
	}{
		{name: "default retries", retryCount: 2, expectedCalls: 3},
		{name: "no retries", retryCount: 0, expectedCalls: 1},
		{name: "negative retries clamp to zero", retryCount: -1, expectedCalls: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			decodeErr := errors.New("still out of memory")
			stage, events := newTestDecodeStage(t,
				DecodeStageConfig{Concurrency: 1, RetryCount: tc.retryCount, RetryDelay: time.Millisecond},
				func(context.Context, []byte, int, int) (any, error) {
					calls.Add(1)
					return nil, decodeErr
				})

			require.NoError(t, stage.Enqueue(downloadedSlot("img", []byte("x"))))

			ev := waitEvent(t, events)
			assert.Equal(t, eventFailed, ev.kind)
			assert.Equal(t, FailureDecode, ev.failure)
			assert.ErrorIs(t, ev.err, ErrDecodeFailed)
			assert.ErrorIs(t, ev.err, decodeErr)
			assert.Equal(t, tc.expectedCalls, calls.Load())
		})
	}
}

func TestDecodeStage_PermanentErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryCount: 5, RetryDelay: time.Millisecond},
		func(context.Context, []byte, int, int) (any, error) {
			calls.Add(1)
			return nil, fmt.Errorf("%w: unknown format", ErrPermanentDecode)
		})

	require.NoError(t, stage.Enqueue(downloadedSlot("img", []byte("x"))))

	ev := waitEvent(t, events)
	assert.Equal(t, FailureDecode, ev.failure)
	assert.ErrorIs(t, ev.err, ErrPermanentDecode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDecodeStage_CancelledBeforeDequeue(t *testing.T) {
	var calls atomic.Int32
	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryDelay: time.Millisecond},
		func(context.Context, []byte, int, int) (any, error) {
			calls.Add(1)
			return "ok", nil
		})

	slot := downloadedSlot("img", []byte("x"))
	slot.Cancel()
	require.NoError(t, stage.Enqueue(slot))

	ev := waitEvent(t, events)
	assert.Equal(t, FailureCancelled, ev.failure)
	assert.Zero(t, calls.Load())
}

func TestDecodeStage_CancelCheckedBeforeRetry(t *testing.T) {
	var calls atomic.Int32
	slot := downloadedSlot("img", []byte("x"))

	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryCount: 5, RetryDelay: time.Millisecond},
		func(context.Context, []byte, int, int) (any, error) {
			calls.Add(1)
			slot.Cancel()
			return nil, errors.New("transient")
		})

	require.NoError(t, stage.Enqueue(slot))

	ev := waitEvent(t, events)
	assert.Equal(t, FailureCancelled, ev.failure)
	assert.ErrorIs(t, ev.err, ErrCancelled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDecodeStage_PanicBecomesDecodeError(t *testing.T) {
	stage, events := newTestDecodeStage(t, DecodeStageConfig{Concurrency: 1, RetryDelay: time.Millisecond},
		func(context.Context, []byte, int, int) (any, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		})

	require.NoError(t, stage.Enqueue(downloadedSlot("img", []byte("x"))))

	ev := waitEvent(t, events)
	assert.Equal(t, FailureDecode, ev.failure)
	assert.ErrorIs(t, ev.err, ErrDecodeFailed)
}
