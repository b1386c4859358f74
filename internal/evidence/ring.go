// Package evidence records the frames around a sleepiness detection, encodes
// them to MP4 and uploads the clip.
package evidence

import (
	"sync"
	"time"
)

// Frame is one JPEG-encoded evidence frame.
type Frame struct {
	At   time.Time
	JPEG []byte
}

// Ring keeps the most recent frames up to a fixed capacity.
type Ring struct {
	mu     sync.Mutex
	frames []Frame
	start  int
	count  int
}

// NewRing creates a ring holding up to capacity frames.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{frames: make([]Frame, capacity)}
}

// Push appends f, evicting the oldest frame when full.
func (r *Ring) Push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.frames)
	r.frames[idx] = f
	if r.count < len(r.frames) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.frames)
	}
}

// Snapshot returns the buffered frames, oldest first.
func (r *Ring) Snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.frames[(r.start+i)%len(r.frames)]
	}
	return out
}

// Since returns buffered frames captured at or after t, oldest first.
func (r *Ring) Since(t time.Time) []Frame {
	all := r.Snapshot()
	for i, f := range all {
		if !f.At.Before(t) {
			return all[i:]
		}
	}
	return nil
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.frames)
}

// Clear drops every buffered frame.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.frames {
		r.frames[i] = Frame{}
	}
	r.start = 0
	r.count = 0
}
