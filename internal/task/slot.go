package task

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// cancelBit is the low bit of TaskSlot.state; the remaining bits hold the generation.
const cancelBit uint64 = 1

// TaskSlot is the pooled per-request state. It is owned by exactly one party
// at a time (Submit, a stage worker, or the control loop) and ownership moves
// through the queues, so its plain fields need no locking. Only state is
// touched from other goroutines, by Cancel.
type TaskSlot struct {
	state atomic.Uint64

	id            uuid.UUID
	key           string
	targetWidth   int
	targetHeight  int
	rawBytes      []byte
	decodedResult any
	sink          ResultSink
	cacheable     bool

	// lastState is the last state delivered; control loop only.
	lastState State
}

// Key returns the resource key of the current request.
func (s *TaskSlot) Key() string {
	return s.key
}

// ID returns the request ID of the current request.
func (s *TaskSlot) ID() uuid.UUID {
	return s.id
}

// RawBytes returns the downloaded or cached payload, if any.
func (s *TaskSlot) RawBytes() []byte {
	return s.rawBytes
}

// DecodedResult returns the decoded payload, if any.
func (s *TaskSlot) DecodedResult() any {
	return s.decodedResult
}

func (s *TaskSlot) generation() uint64 {
	return s.state.Load() >> 1
}

// CancelRequested reports whether the current request has been cancelled.
func (s *TaskSlot) CancelRequested() bool {
	return s.state.Load()&cancelBit != 0
}

// requestCancel sets the cancel flag if the slot is still on generation gen.
// It reports whether this call was the one that set it.
func (s *TaskSlot) requestCancel(gen uint64) bool {
	for {
		v := s.state.Load()
		if v>>1 != gen || v&cancelBit != 0 {
			return false
		}
		if s.state.CompareAndSwap(v, v|cancelBit) {
			return true
		}
	}
}

// Cancel flags the slot's current request. Checked cooperatively by stages.
func (s *TaskSlot) Cancel() bool {
	return s.requestCancel(s.generation())
}

func (s *TaskSlot) init(req Request) {
	s.id = uuid.New()
	s.key = req.Key
	s.targetWidth = req.Width
	s.targetHeight = req.Height
	s.sink = req.Sink
	s.cacheable = req.Cacheable
}

// reset clears everything a previous request left behind and moves the slot
// to a new generation, which invalidates outstanding handles.
func (s *TaskSlot) reset() {
	s.id = uuid.Nil
	s.key = ""
	s.targetWidth = 0
	s.targetHeight = 0
	s.rawBytes = nil
	s.decodedResult = nil
	s.sink = nil
	s.cacheable = false
	s.lastState = ""
	s.state.Store((s.generation() + 1) << 1)
}
