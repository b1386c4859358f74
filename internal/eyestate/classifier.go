// Package eyestate turns per-frame EAR measurements into debounced open/closed
// decisions and a rolling sleepiness verdict.
package eyestate

import (
	"sync"

	"github.com/nosleep-drive/nosleep/internal/detector"
)

// Defaults used on the device.
const (
	DefaultThreshold      = 0.25
	DefaultRequiredFrames = 3
)

// State is the debounced eye state.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "open"
}

// Event reports a debounced transition. EventNone on most frames.
type Event int

const (
	EventNone Event = iota
	EventOpen
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventOpen:
		return "eyes_open"
	case EventClosed:
		return "eyes_closed"
	default:
		return "none"
	}
}

// Config controls the classifier.
type Config struct {
	Threshold      float64
	RequiredFrames int

	// EmitContinuous reports the event on every frame once the run length is
	// satisfied instead of once per transition.
	EmitContinuous bool
}

// DefaultConfig returns the device defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		RequiredFrames: DefaultRequiredFrames,
	}
}

// Result is the classifier output for one frame.
type Result struct {
	// Closed is the raw per-frame decision before debouncing.
	Closed bool `json:"closed"`
	// State is the debounced state after this frame.
	State State `json:"state"`
	Event Event `json:"event"`

	EAR       float64         `json:"ear"`
	Threshold float64         `json:"threshold"`
	Status    detector.Status `json:"status"`

	OpenRun   int `json:"openRun"`
	ClosedRun int `json:"closedRun"`
}

// Classifier debounces open/closed decisions across frames. It is safe for
// concurrent use so that thresholds can be updated while the loop runs.
type Classifier struct {
	config    Config
	state     State
	openRun   int
	closedRun int
	mu        sync.Mutex
}

// NewClassifier creates a classifier starting in the open state.
func NewClassifier(config Config) *Classifier {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.RequiredFrames <= 0 {
		config.RequiredFrames = DefaultRequiredFrames
	}
	return &Classifier{
		config: config,
		state:  StateOpen,
	}
}

// Observe classifies one frame. Frames without a face or landmarks count as
// open so that detection failures never raise a closed-eye alarm.
func (c *Classifier) Observe(obs detector.Observation) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed := false
	if obs.OK() {
		closed = obs.EAR.Average < c.config.Threshold
	}

	res := Result{
		Closed:    closed,
		EAR:       obs.EAR.Average,
		Threshold: c.config.Threshold,
		Status:    obs.Status,
	}

	n := c.config.RequiredFrames
	if closed {
		c.closedRun++
		c.openRun = 0
		if c.closedRun >= n && (c.state != StateClosed || c.config.EmitContinuous) {
			c.state = StateClosed
			res.Event = EventClosed
		}
	} else {
		c.openRun++
		c.closedRun = 0
		if c.openRun >= n && (c.state != StateOpen || c.config.EmitContinuous) {
			c.state = StateOpen
			res.Event = EventOpen
		}
	}

	res.State = c.state
	res.OpenRun = c.openRun
	res.ClosedRun = c.closedRun
	return res
}

// Threshold returns the active threshold.
func (c *Classifier) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Threshold
}

// SetThreshold replaces the threshold, typically after calibration.
// Non-positive values are ignored.
func (c *Classifier) SetThreshold(t float64) {
	if t <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Threshold = t
}

// RequiredFrames returns the debounce length.
func (c *Classifier) RequiredFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.RequiredFrames
}

// SetRequiredFrames replaces the debounce length. Values below one are ignored.
func (c *Classifier) SetRequiredFrames(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.RequiredFrames = n
}

// State returns the current debounced state.
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset clears the counters and returns to the open state.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateOpen
	c.openRun = 0
	c.closedRun = 0
}
