package app

import (
	"context"
	"time"

	"gocv.io/x/gocv"

	"github.com/nosleep-drive/nosleep/internal/backend"
	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/publish"
)

// Status is the snapshot served on /api/status.
type Status struct {
	Enabled        bool       `json:"enabled"`
	Calibrating    bool       `json:"calibrating"`
	Moving         bool       `json:"moving"`
	State          string     `json:"state"`
	EAR            float64    `json:"ear"`
	Threshold      float64    `json:"threshold"`
	RequiredFrames int        `json:"requiredFrames"`
	Frames         uint64     `json:"frames"`
	LastSleepiness *time.Time `json:"lastSleepiness,omitempty"`
	Devices        Devices    `json:"devices"`
}

// Devices is the health of each peripheral.
type Devices struct {
	Camera        bool `json:"camera"`
	Accelerometer bool `json:"accelerometer"`
	Speaker       bool `json:"speaker"`
}

// Status returns a snapshot of the loop state.
func (a *App) Status() interface{} {
	return a.Snapshot()
}

// Snapshot returns the typed loop state.
func (a *App) Snapshot() Status {
	a.mu.RLock()
	s := a.status
	s.Enabled = a.enabled
	a.mu.RUnlock()

	s.Calibrating = a.calibrating.Load()
	s.RequiredFrames = a.config.Classifier.RequiredFrames()
	s.Devices.Camera = a.config.Frames.Healthy()
	return s
}

func (a *App) setMoving(moving, sensorOK bool) {
	a.mu.Lock()
	a.status.Moving = moving
	a.status.Devices.Accelerometer = sensorOK
	a.mu.Unlock()
}

// CheckDevices probes every peripheral and reports the result to the fleet
// backend and the telemetry broker.
func (a *App) CheckDevices(ctx context.Context) Devices {
	d := a.probeDevices(ctx)
	a.reportDevices(ctx, d)
	return d
}

func (a *App) probeDevices(ctx context.Context) Devices {
	d := Devices{Camera: a.config.Frames.Healthy(), Accelerometer: true}
	if g := a.config.Motion; g != nil {
		_, err := g.Moving()
		d.Accelerometer = err == nil
	}
	if a.config.Alerts != nil {
		d.Speaker = a.config.Alerts.Check(ctx)
	}

	a.mu.Lock()
	a.status.Devices = d
	a.mu.Unlock()
	return d
}

func (a *App) reportDevices(ctx context.Context, d Devices) {
	logger := log.WithComponent("app").WithFields(log.Fields{
		"camera":  d.Camera,
		"accel":   d.Accelerometer,
		"speaker": d.Speaker,
	})

	if b := a.config.Backend; b != nil && b.HasServer() {
		err := b.ReportDeviceStatus(ctx, backend.DeviceStatus{
			DeviceUID:               a.config.DeviceUID,
			CameraState:             d.Camera,
			AccelerationSensorState: d.Accelerometer,
			SpeakerState:            d.Speaker,
		})
		if err != nil {
			logger.WithError(err).Warn("device status not reported")
		}
	}

	a.mu.RLock()
	moving := a.status.Moving
	a.mu.RUnlock()

	status := publish.Status{
		Camera:    d.Camera,
		Accel:     d.Accelerometer,
		Speaker:   d.Speaker,
		Moving:    moving,
		Threshold: a.config.Classifier.Threshold(),
		At:        time.Now().UTC(),
	}
	if err := a.config.Publisher.PublishStatus(status); err != nil {
		logger.WithError(err).Debug("status not published")
	}
	a.broadcast("status", status)
	logger.Info("device status reported")
}

// reportStatusLoop reports device health at start-up and whenever it changes.
func (a *App) reportStatusLoop(ctx context.Context) {
	last := a.CheckDevices(ctx)

	ticker := time.NewTicker(a.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d := a.probeDevices(ctx); d != last {
				a.reportDevices(ctx, d)
				last = d
			}
		}
	}
}

// forward queues the normalized frame for the AI server. Frames beyond the
// rate limit or a full queue are dropped.
func (a *App) forward(frame *gocv.Mat) {
	if b := a.config.Backend; b == nil || !b.HasAI() {
		return
	}
	if !a.limiter.Allow() {
		return
	}

	buf, err := gocv.IMEncode(".jpg", *frame)
	if err != nil {
		log.WithComponent("backend").WithError(err).Debug("frame encode failed")
		return
	}
	jpeg := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	select {
	case a.outbox <- jpeg:
	default:
	}
}

func (a *App) forwardFrames(ctx context.Context) {
	logger := log.WithComponent("backend")
	for {
		select {
		case <-ctx.Done():
			return
		case jpeg := <-a.outbox:
			if err := a.config.Backend.SendFrame(ctx, jpeg); err != nil && ctx.Err() == nil {
				logger.WithError(err).Debug("frame not sent")
			}
		}
	}
}
