package task

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// State is a point in a request's lifecycle as reported to its ResultSink
type State string

// Possible request states, in reporting order
const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateCacheHit    State = "cache_hit"
	StateDownloaded  State = "downloaded"
	StateDecoding    State = "decoding"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
)

// Terminal reports whether no further updates follow this state
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// FailureKind classifies a StateFailed update
type FailureKind int

// Failure kinds
const (
	FailureNone FailureKind = iota
	FailureCancelled
	FailureIO
	FailureDecode
)

// String returns the label used in logs and metrics
func (k FailureKind) String() string {
	switch k {
	case FailureCancelled:
		return "cancelled"
	case FailureIO:
		return "io_error"
	case FailureDecode:
		return "decode_error"
	default:
		return "none"
	}
}

// FetchFunc opens the resource identified by key. The stage reads the body in
// chunks and closes it. Timeouts are the function's own concern.
type FetchFunc func(ctx context.Context, key string) (io.ReadCloser, error)

// DecodeFunc transforms fetched bytes into an opaque payload sized for the
// target dimensions. Errors are retried unless they wrap ErrPermanentDecode.
type DecodeFunc func(ctx context.Context, data []byte, width, height int) (any, error)

// Update is one state notification for a submitted request
type Update struct {
	Handle Handle
	Key    string
	State  State

	// Result is set only for StateComplete
	Result any

	// FromCache marks a StateDownloaded whose bytes came from the cache after
	// the request was already reported as a miss
	FromCache bool

	// Kind and Err are set only for StateFailed
	Kind FailureKind
	Err  error
}

// ResultSink receives updates for a request. Deliver is always called from
// the dispatcher's control loop, never concurrently, and must not block for long.
// Deliver may call Dispatcher.Stop, which then returns without waiting.
type ResultSink interface {
	Deliver(update Update)
}

// Liveness may be implemented by a ResultSink whose consumer can go away.
// Updates for a sink reporting false are dropped.
type Liveness interface {
	Alive() bool
}

// SinkFunc adapts a plain function to ResultSink
type SinkFunc func(update Update)

// Deliver calls f(update)
func (f SinkFunc) Deliver(update Update) {
	f(update)
}

// Request describes one unit of work for Submit
type Request struct {
	Key       string
	Width     int
	Height    int
	Sink      ResultSink
	Cacheable bool
}

// Handle identifies a submitted request for cancellation. A handle outlives
// its slot safely: once the slot is recycled the handle goes stale and
// cancelling it does nothing.
type Handle struct {
	id         uuid.UUID
	slot       *TaskSlot
	generation uint64
}

// ID returns the request's unique identifier
func (h Handle) ID() uuid.UUID {
	return h.id
}

// IsZero reports whether h was never issued by Submit
func (h Handle) IsZero() bool {
	return h.slot == nil
}
