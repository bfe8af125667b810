package task

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const testTimeout = 5 * time.Second

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// recordingSink collects updates and signals once the expected number of
// terminal updates has arrived. It also notes overlapping Deliver calls.
type recordingSink struct {
	mu        sync.Mutex
	updates   []Update
	terminals int
	expected  int
	done      chan struct{}
	closeOnce sync.Once

	inFlight   atomic.Int32
	overlapped atomic.Bool
	alive      atomic.Bool
}

func newRecordingSink() *recordingSink {
	return newSharedSink(1)
}

func newSharedSink(expectedTerminals int) *recordingSink {
	s := &recordingSink{
		expected: expectedTerminals,
		done:     make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *recordingSink) Deliver(u Update) {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	s.updates = append(s.updates, u)
	if u.State.Terminal() {
		s.terminals++
	}
	reached := s.terminals >= s.expected
	s.mu.Unlock()

	if reached {
		s.closeOnce.Do(func() { close(s.done) })
	}
}

func (s *recordingSink) Alive() bool {
	return s.alive.Load()
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for terminal updates, got %v", s.states())
	}
}

func (s *recordingSink) snapshot() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *recordingSink) states() []State {
	updates := s.snapshot()
	out := make([]State, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.State)
	}
	return out
}

func (s *recordingSink) last() Update {
	updates := s.snapshot()
	if len(updates) == 0 {
		return Update{}
	}
	return updates[len(updates)-1]
}

// staticFetch serves data for every key and counts calls per key.
type staticFetch struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls map[string]int
	err   error
}

func newStaticFetch() *staticFetch {
	return &staticFetch{
		data:  make(map[string][]byte),
		calls: make(map[string]int),
	}
}

func (f *staticFetch) set(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
}

func (f *staticFetch) fetch(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[key]++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[key]
	if !ok {
		data = []byte("payload:" + key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *staticFetch) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// lengthDecode returns the payload length as the decoded result.
func lengthDecode(_ context.Context, data []byte, _, _ int) (any, error) {
	return len(data), nil
}

func newTestSlot(key string) *TaskSlot {
	pool := NewSlotPool(0)
	return pool.AcquireFor(Request{
		Key:    key,
		Width:  64,
		Height: 48,
		Sink:   SinkFunc(func(Update) {}),
	})
}

func waitEvent(t *testing.T, events <-chan stageEvent) stageEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for stage event")
		return stageEvent{}
	}
}
