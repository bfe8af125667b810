package task

import "sync"

// outstandingSlot pairs an active slot with the generation it had when listed.
type outstandingSlot struct {
	slot       *TaskSlot
	generation uint64
}

// SlotPool is a free list of TaskSlots that also tracks which slots are in use.
// Acquire may be called from any goroutine. Recycle is called by the
// dispatcher's control loop, and also by Submit when the control loop has
// already closed and the submit event could not be queued.
type SlotPool struct {
	mu      sync.Mutex
	free    []*TaskSlot
	active  map[*TaskSlot]struct{}
	maxFree int
	created int
}

// NewSlotPool creates a pool that retains at most maxFree idle slots.
// A maxFree of 0 means unlimited.
func NewSlotPool(maxFree int) *SlotPool {
	return &SlotPool{
		active:  make(map[*TaskSlot]struct{}),
		maxFree: maxFree,
	}
}

// Acquire pops an idle slot or allocates a new one. It never blocks on work.
func (p *SlotPool) Acquire() *TaskSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.acquireLocked()
}

// AcquireFor is Acquire plus initialization from req, done under the pool
// lock so that a concurrent drain never sees a half-initialized slot.
func (p *SlotPool) AcquireFor(req Request) *TaskSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := p.acquireLocked()
	slot.init(req)
	return slot
}

func (p *SlotPool) acquireLocked() *TaskSlot {
	var slot *TaskSlot
	if n := len(p.free); n > 0 {
		slot = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		slot = &TaskSlot{}
		p.created++
	}
	p.active[slot] = struct{}{}

	return slot
}

// Recycle clears slot and returns it to the free list. It reports false when
// the slot was not active, so a slot can only be recycled once per request.
// Safe to call from any goroutine; the pool mutex serializes it against drain.
func (p *SlotPool) Recycle(slot *TaskSlot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[slot]; !ok {
		return false
	}
	delete(p.active, slot)

	slot.reset()
	if p.maxFree == 0 || len(p.free) < p.maxFree {
		p.free = append(p.free, slot)
	}
	return true
}

// outstanding lists the active slots with their current generations.
func (p *SlotPool) outstanding() []outstandingSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]outstandingSlot, 0, len(p.active))
	for slot := range p.active {
		out = append(out, outstandingSlot{slot: slot, generation: slot.generation()})
	}
	return out
}

// drain removes every active slot from the pool and returns them. The caller
// owns the result and must finish each slot with release.
func (p *SlotPool) drain() []*TaskSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*TaskSlot, 0, len(p.active))
	for slot := range p.active {
		out = append(out, slot)
		delete(p.active, slot)
	}
	return out
}

// release resets a drained slot and puts it back on the free list.
func (p *SlotPool) release(slot *TaskSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot.reset()
	if p.maxFree == 0 || len(p.free) < p.maxFree {
		p.free = append(p.free, slot)
	}
}

// Outstanding returns the number of slots currently in use.
func (p *SlotPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.active)
}

// Free returns the number of idle slots.
func (p *SlotPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// Created returns how many slots have ever been allocated.
func (p *SlotPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.created
}
