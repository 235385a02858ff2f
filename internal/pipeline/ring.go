package pipeline

import (
	"fmt"
	"sync"
)

// Ring is a fixed-capacity frame buffer that overwrites its oldest entry.
// One goroutine pushes; any number may read.
type Ring struct {
	mu      sync.RWMutex
	slots   []*Frame
	next    int    // Slot written by the next Push
	count   int    // Resident frames
	maxSeq  uint64 // Highest accepted Seq
	evicted uint64 // Seq of the most recently overwritten frame
}

// NewRing creates a ring holding up to capacity frames (minimum 1)
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{slots: make([]*Frame, capacity)}
}

// Cap returns the ring capacity
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Len returns the number of resident frames
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// MaxSeq returns the highest sequence number accepted so far
func (r *Ring) MaxSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSeq
}

// Push stores f, evicting the oldest frame when full. Frames that do not
// advance the sequence are rejected with ErrOutOfOrder.
func (r *Ring) Push(f *Frame) error {
	if f == nil {
		return ErrMalformedFrame
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Seq <= r.maxSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, f.Seq, r.maxSeq)
	}

	if r.count == len(r.slots) {
		r.evicted = r.slots[r.next].Seq
	} else {
		r.count++
	}
	r.slots[r.next] = f
	r.next = (r.next + 1) % len(r.slots)
	r.maxSeq = f.Seq
	return nil
}

// Latest returns the most recently pushed frame, or nil when empty
func (r *Ring) Latest() *Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	return r.slots[(r.next-1+len(r.slots))%len(r.slots)]
}

// DrainSince returns the resident frames with Seq > seq, oldest first.
// gap is true when frames newer than seq were evicted before this call.
func (r *Ring) DrainSince(seq uint64) (frames []*Frame, gap bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil, false
	}

	start := (r.next - r.count + len(r.slots)) % len(r.slots)
	for i := 0; i < r.count; i++ {
		f := r.slots[(start+i)%len(r.slots)]
		if f.Seq > seq {
			frames = append(frames, f)
		}
	}
	return frames, r.evicted > seq
}
