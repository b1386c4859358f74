package evidence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nosleep-drive/nosleep/internal/log"
)

// RecorderConfig controls the evidence window and upload queue.
type RecorderConfig struct {
	// Before and After bound the clip around the detection time.
	Before time.Duration
	After  time.Duration

	// QueueSize bounds clips waiting for encode and upload.
	QueueSize int

	// KeepClips retains encoded files after a successful upload.
	KeepClips bool
}

// DefaultRecorderConfig returns a 2.5s-either-side window.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		Before:    2500 * time.Millisecond,
		After:     2500 * time.Millisecond,
		QueueSize: 4,
	}
}

// Result reports the outcome of one triggered recording.
type Result struct {
	Clip     Clip
	Uploaded bool
	Err      error
}

// ClipEncoder turns frames into a video file.
type ClipEncoder interface {
	Encode(frames []Frame, name string) (string, error)
}

// Recorder timing.
const (
	// flushEvery is how often Run looks for triggers whose window has elapsed
	// without the frames that would complete them.
	flushEvery = 100 * time.Millisecond

	// drainTimeout bounds encoding and uploading queued clips at shutdown.
	drainTimeout = 10 * time.Second
)

type trigger struct {
	eventID  string
	at       time.Time
	deadline time.Time
}

// Recorder buffers frames and, when triggered, turns the surrounding window
// into an uploaded clip on a background worker.
type Recorder struct {
	ring     *Ring
	encoder  ClipEncoder
	uploader Uploader
	config   RecorderConfig

	mu       sync.Mutex
	pending  []trigger
	jobs     chan Clip
	frames   map[string][]Frame
	inflight atomic.Int32
	onDone   func(Result)
	now      func() time.Time
}

// NewRecorder creates a Recorder. A nil uploader keeps clips on disk only.
func NewRecorder(ring *Ring, encoder ClipEncoder, uploader Uploader, config RecorderConfig) *Recorder {
	def := DefaultRecorderConfig()
	if config.Before <= 0 {
		config.Before = def.Before
	}
	if config.After < 0 {
		config.After = 0
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	return &Recorder{
		ring:     ring,
		encoder:  encoder,
		uploader: uploader,
		config:   config,
		jobs:     make(chan Clip, config.QueueSize),
		frames:   make(map[string][]Frame),
		now:      time.Now,
	}
}

// OnComplete registers a callback invoked on the worker after each clip.
func (r *Recorder) OnComplete(fn func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDone = fn
}

// Ring returns the frame buffer.
func (r *Recorder) Ring() *Ring {
	return r.ring
}

// Push buffers f and completes any trigger whose window has elapsed.
func (r *Recorder) Push(f Frame) {
	r.ring.Push(f)

	r.mu.Lock()
	var ready []trigger
	remaining := r.pending[:0]
	for _, t := range r.pending {
		if !f.At.Before(t.at.Add(r.config.After)) {
			ready = append(ready, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, t := range ready {
		r.finalize(t)
	}
}

// Trigger starts a recording for eventID detected at at. The clip is queued
// once frames up to at+After have been pushed, or with the frames already
// buffered once After has passed on the wall clock.
func (r *Recorder) Trigger(eventID string, at time.Time) {
	r.inflight.Add(1)

	t := trigger{eventID: eventID, at: at, deadline: r.now().Add(r.config.After)}
	if r.config.After == 0 {
		r.finalize(t)
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, t)
	r.mu.Unlock()
}

// Expire finalizes the pending triggers whose deadline is not after now.
func (r *Recorder) Expire(now time.Time) {
	r.mu.Lock()
	var ready []trigger
	remaining := r.pending[:0]
	for _, t := range r.pending {
		if !t.deadline.After(now) {
			ready = append(ready, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, t := range ready {
		r.finalize(t)
	}
}

// Flush finalizes every pending trigger with the frames buffered so far.
func (r *Recorder) Flush() {
	r.mu.Lock()
	ready := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, t := range ready {
		r.finalize(t)
	}
}

// Busy reports whether any triggered recording is not yet finished.
func (r *Recorder) Busy() bool {
	return r.inflight.Load() > 0
}

func (r *Recorder) finalize(t trigger) {
	start := t.at.Add(-r.config.Before)
	end := t.at.Add(r.config.After)

	var window []Frame
	for _, f := range r.ring.Since(start) {
		if f.At.After(end) {
			break
		}
		window = append(window, f)
	}

	clip := Clip{EventID: t.eventID, DetectedAt: t.at}

	r.mu.Lock()
	r.frames[t.eventID] = window
	r.mu.Unlock()

	select {
	case r.jobs <- clip:
	default:
		r.mu.Lock()
		delete(r.frames, t.eventID)
		r.mu.Unlock()
		r.complete(Result{Clip: clip, Err: fmt.Errorf("evidence queue full, dropping %s", t.eventID)})
	}
}

// Run encodes and uploads queued clips until ctx is cancelled. Triggers left
// without frames are finalized once their window elapses. On cancellation
// pending triggers are flushed and queued clips still processed, bounded by
// drainTimeout.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain(ctx)
			return
		case <-ticker.C:
			r.Expire(r.now())
		case clip := <-r.jobs:
			r.process(ctx, clip)
		}
	}
}

func (r *Recorder) drain(parent context.Context) {
	r.Flush()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()
	for {
		select {
		case clip := <-r.jobs:
			r.process(ctx, clip)
		default:
			return
		}
	}
}

func (r *Recorder) process(ctx context.Context, clip Clip) {
	logger := log.WithComponent("evidence").WithField("event", clip.EventID)

	r.mu.Lock()
	frames := r.frames[clip.EventID]
	delete(r.frames, clip.EventID)
	r.mu.Unlock()

	name := fmt.Sprintf("%s_%s.mp4", clip.DetectedAt.Format("20060102_150405"), clip.EventID)
	path, err := r.encoder.Encode(frames, name)
	if err != nil {
		logger.WithError(err).Error("encode failed")
		r.complete(Result{Clip: clip, Err: err})
		return
	}
	clip.Path = path
	logger.WithFields(log.Fields{"frames": len(frames), "path": path}).Info("clip encoded")

	if r.uploader == nil {
		r.complete(Result{Clip: clip})
		return
	}

	err = r.uploader.Upload(ctx, clip)
	res := Result{Clip: clip, Uploaded: err == nil, Err: err}
	if err != nil {
		logger.WithError(err).Error("clip upload failed")
	}
	if err == nil && !r.config.KeepClips {
		if rmErr := os.Remove(path); rmErr != nil {
			logger.WithError(rmErr).Warn("remove uploaded clip")
		}
	}
	r.complete(res)
}

func (r *Recorder) complete(res Result) {
	r.mu.Lock()
	fn := r.onDone
	r.mu.Unlock()

	if fn != nil {
		fn(res)
	}
	r.inflight.Add(-1)
}
