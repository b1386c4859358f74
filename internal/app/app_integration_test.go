package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/ear"
	"github.com/nosleep-drive/nosleep/internal/store"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestApp_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	b := &fakeBackend{ai: true, server: true}
	rig := newTestRig(t, func(c *Config) {
		c.Backend = b
		c.FrameInterval = 5 * time.Millisecond
		c.StatusInterval = 10 * time.Millisecond
	})
	rig.predictor.SetShape(detector.ClosedEyesShape())

	require.NoError(t, rig.app.Start(context.Background()))
	assert.True(t, rig.app.Running())
	require.NoError(t, rig.app.Start(context.Background()), "second start is a no-op")

	waitFor(t, 5*time.Second, func() bool {
		return rig.app.Snapshot().Frames >= 3
	})
	waitFor(t, 5*time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.sent > 0 && len(b.statuses) > 0
	})

	rig.app.Stop()
	assert.False(t, rig.app.Running())
	rig.app.Stop()

	assert.Equal(t, "closed", rig.app.Snapshot().State)
	assert.NotEmpty(t, rig.events(t, store.EventClosed))

	b.mu.Lock()
	reports := len(b.statuses)
	b.mu.Unlock()
	assert.Equal(t, 1, reports, "unchanged device status is reported once")
}

func TestApp_StatusReportedOnChange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	b := &fakeBackend{server: true}
	rig := newTestRig(t, func(c *Config) {
		c.Backend = b
		c.FrameInterval = time.Hour
		c.StatusInterval = 5 * time.Millisecond
	})

	require.NoError(t, rig.app.Start(context.Background()))
	defer rig.app.Stop()

	waitFor(t, 5*time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.statuses) == 1
	})

	rig.frames.mu.Lock()
	rig.frames.healthy = false
	rig.frames.mu.Unlock()

	waitFor(t, 5*time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.statuses) == 2
	})
	b.mu.Lock()
	assert.False(t, b.statuses[1].CameraState)
	b.mu.Unlock()
}

func TestApp_StartCalibrationWhileRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rig := newTestRig(t, func(c *Config) {
		c.FrameInterval = 5 * time.Millisecond
		c.Calibration.Settle = 50 * time.Millisecond
	})
	open, closed := detector.OpenEyesShape(), detector.ClosedEyesShape()

	done := make(chan bool, 2)
	rig.app.OnCalibrating(func(on bool) { done <- on })

	// Pause the loop so that it does not consume the queued shapes.
	rig.app.SetEnabled(false)
	require.NoError(t, rig.app.Start(context.Background()))
	defer rig.app.Stop()

	rig.predictor.SetSequence([]ear.Shape{open, open, open, closed, closed, closed})
	require.NoError(t, rig.app.StartCalibration())
	assert.ErrorIs(t, rig.app.StartCalibration(), calibrate.ErrInProgress)

	require.True(t, <-done)
	select {
	case on := <-done:
		require.False(t, on)
	case <-time.After(5 * time.Second):
		t.Fatal("calibration did not finish")
	}

	want := calibrate.Threshold(detector.OpenEAR, detector.ClosedEAR)
	assert.InDelta(t, want, rig.app.Threshold(), 1e-9)
}
