package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nosleep-drive/nosleep/internal/log"
	"gocv.io/x/gocv"
)

// ErrNoFrame is returned by Latest before the first frame arrives.
var ErrNoFrame = errors.New("no frame captured yet")

// MaxReadFailures is the number of consecutive failed reads after which the
// camera is closed and reopened.
const MaxReadFailures = 5

// Reader drains a Camera on its own goroutine and keeps only the newest frame,
// so slow consumers never process stale buffered frames.
type Reader struct {
	camera  Camera
	retry   time.Duration
	mu      sync.Mutex
	latest  *gocv.Mat
	seq     uint64
	healthy bool
	lastErr error
	done    chan struct{}
}

// NewReader wraps camera. retry is the wait after a failed read or reopen.
func NewReader(camera Camera, retry time.Duration) *Reader {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &Reader{camera: camera, retry: retry}
}

// Run reads frames until ctx is cancelled. A closed camera is reopened.
func (r *Reader) Run(ctx context.Context) {
	r.mu.Lock()
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()
	defer close(done)

	logger := log.WithComponent("capture")
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !r.camera.IsOpen() {
			if err := r.camera.Open(); err != nil {
				r.fail(err)
				logger.WithError(err).Warn("camera unavailable, retrying")
				if !sleep(ctx, r.retry) {
					return
				}
				continue
			}
			logger.Info("camera opened")
		}

		frame, err := r.camera.ReadFrame()
		if err != nil {
			r.fail(err)
			failures++
			if failures >= MaxReadFailures {
				logger.WithError(err).WithField("failures", failures).Warn("camera stalled, reopening")
				r.camera.Close()
				failures = 0
			}
			if !sleep(ctx, r.retry) {
				return
			}
			continue
		}
		failures = 0
		r.store(frame)
	}
}

// Latest returns a copy of the newest frame and its sequence number.
// The caller owns the returned Mat.
func (r *Reader) Latest() (*gocv.Mat, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.latest == nil {
		if r.lastErr != nil {
			return nil, 0, r.lastErr
		}
		return nil, 0, ErrNoFrame
	}
	frame := r.latest.Clone()
	return &frame, r.seq, nil
}

// Healthy reports whether the most recent read succeeded.
func (r *Reader) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// Wait blocks until Run returns.
func (r *Reader) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close releases the cached frame. Call after Run has returned.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest != nil {
		r.latest.Close()
		r.latest = nil
	}
}

func (r *Reader) store(frame *gocv.Mat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest != nil {
		r.latest.Close()
	}
	r.latest = frame
	r.seq++
	r.healthy = true
	r.lastErr = nil
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy = false
	r.lastErr = err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
