package capture

import (
	"errors"
	"sync"

	"gocv.io/x/gocv"
)

// ErrNoMoreFrames is returned by a non-looping MockCamera after its last frame.
var ErrNoMoreFrames = errors.New("no more frames")

// MockCamera replays a fixed clip of frames. It never owns the clip: every
// read hands out a clone.
type MockCamera struct {
	mu sync.Mutex

	clip   []*gocv.Mat
	next   int
	repeat bool
	open   bool
	fps    int

	openErr  error
	readErrs []error
	reads    int
	opens    int
}

// NewMockCamera replays clip, starting over after the last frame when repeat is set.
func NewMockCamera(clip []*gocv.Mat, repeat bool) *MockCamera {
	return &MockCamera{clip: clip, repeat: repeat, fps: DefaultFPS}
}

func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openErr != nil {
		return c.openErr
	}
	c.open = true
	c.next = 0
	c.opens++
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *MockCamera) ReadFrame() (*gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.open:
		return nil, ErrCameraNotOpen
	case len(c.readErrs) > 0:
		err := c.readErrs[0]
		c.readErrs = c.readErrs[1:]
		return nil, err
	case len(c.clip) == 0:
		return nil, ErrEmptyFrame
	}

	if c.next == len(c.clip) {
		if !c.repeat {
			return nil, ErrNoMoreFrames
		}
		c.next = 0
	}
	frame := c.clip[c.next].Clone()
	c.next++
	c.reads++
	return &frame, nil
}

func (c *MockCamera) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

func (c *MockCamera) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// SetOpenError makes Open fail with err until cleared with nil.
func (c *MockCamera) SetOpenError(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// FailReads queues errors returned by the next reads, one per read.
func (c *MockCamera) FailReads(errs ...error) {
	c.mu.Lock()
	c.readErrs = append(c.readErrs, errs...)
	c.mu.Unlock()
}

// Reads returns the number of frames delivered.
func (c *MockCamera) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Opens returns the number of successful Open calls.
func (c *MockCamera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}
