package eyestate

import "sync"

// Sleepiness window defaults: 60 frames is 2.5s at the 42ms frame interval,
// and 48 closed frames in a row is 2s.
const (
	DefaultWindowSize       = 60
	DefaultSleepinessFrames = 48
)

// Window keeps the most recent per-frame closed flags.
type Window struct {
	size     int
	required int
	buf      []bool
	mu       sync.Mutex
}

// NewWindow creates a window. Out-of-range arguments fall back to the defaults.
func NewWindow(size, required int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if required <= 0 || required > size {
		required = min(DefaultSleepinessFrames, size)
	}
	return &Window{
		size:     size,
		required: required,
		buf:      make([]bool, 0, size),
	}
}

// Push appends a frame decision, dropping the oldest when full.
func (w *Window) Push(closed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) >= w.size {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:w.size-1]
	}
	w.buf = append(w.buf, closed)
}

// Sleepy reports whether the window holds a run of at least the required
// number of consecutive closed frames.
func (w *Window) Sleepy() bool {
	return w.LongestClosedRun() >= w.required
}

// LongestClosedRun returns the longest run of closed frames in the window.
func (w *Window) LongestClosedRun() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	longest, run := 0, 0
	for i := len(w.buf) - 1; i >= 0; i-- {
		if w.buf[i] {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

// Len returns the number of frames held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Snapshot returns a copy of the flags, oldest first.
func (w *Window) Snapshot() []bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bool(nil), w.buf...)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = w.buf[:0]
}
