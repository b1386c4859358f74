package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/nosleep-drive/nosleep/internal/capture"
	"github.com/nosleep-drive/nosleep/internal/evidence"
	"github.com/nosleep-drive/nosleep/internal/eyestate"
	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/plugin"
	"github.com/nosleep-drive/nosleep/internal/publish"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// run is the detection loop. On every tick:
//
//  1. Skip while the vehicle is stationary, dropping buffered frames unless a
//     clip is still being recorded.
//  2. Skip while paused or calibrating.
//  3. Normalize the newest frame, measure EAR and debounce it.
//  4. Buffer the full frame for evidence and forward the normalized frame to
//     the AI server.
//  5. Every DiagnosisEvery frames ask the AI server, falling back to the local
//     window, and raise an alert on sleepiness.
func (a *App) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if a.config.CalibrateOnStart && a.needsCalibration(ctx) {
		if err := a.StartCalibration(); err != nil {
			log.WithComponent("app").WithError(err).Warn("startup calibration not started")
		}
	}

	ticker := time.NewTicker(a.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick runs one iteration of the loop.
func (a *App) tick(ctx context.Context) {
	if !a.checkMoving() {
		a.vehicleStopped()
		sleepCtx(ctx, a.config.StoppedBackoff)
		return
	}
	if !a.IsEnabled() || a.calibrating.Load() {
		return
	}
	a.processFrame(ctx)
}

// checkMoving polls the motion gate. Without a gate, or while the
// accelerometer fails, the vehicle counts as moving.
func (a *App) checkMoving() bool {
	if a.config.Motion == nil {
		a.setMoving(true, true)
		return true
	}
	moving, err := a.config.Motion.Moving()
	if err != nil {
		log.WithComponent("motion").WithError(err).Debug("accelerometer read failed")
		moving = true
	}
	a.setMoving(moving, err == nil)
	return moving
}

// vehicleStopped drops buffered evidence frames so that a clip never spans a stop.
func (a *App) vehicleStopped() {
	r := a.config.Recorder
	if r == nil || r.Busy() {
		return
	}
	r.Ring().Clear()
}

func (a *App) processFrame(ctx context.Context) {
	logger := log.WithComponent("app")

	frame, seq, err := a.config.Frames.Latest()
	if err != nil {
		if !errors.Is(err, capture.ErrNoFrame) {
			logger.WithError(err).Debug("no frame")
		}
		return
	}
	defer frame.Close()

	if seq == a.lastSeq {
		return
	}
	a.lastSeq = seq
	now := time.Now()

	res, err := a.config.Preprocess.Normalize(frame)
	if err != nil {
		logger.WithError(err).Warn("preprocess failed")
		return
	}
	defer res.Close()

	obs := a.config.Observer.Observe(&res.Normalized)
	result := a.config.Classifier.Observe(obs)
	a.config.Window.Push(result.Closed)
	a.frames++

	a.record(frame, now)
	a.forward(&res.Normalized)
	a.observed(ctx, result, now)

	if a.frames%uint64(a.config.DiagnosisEvery) == 0 {
		a.diagnose(ctx, result)
	}
}

// record buffers the full colour frame for evidence clips.
func (a *App) record(frame *gocv.Mat, at time.Time) {
	r := a.config.Recorder
	if r == nil {
		return
	}
	jpeg, err := evidence.EncodeFrame(frame)
	if err != nil {
		log.WithComponent("evidence").WithError(err).Debug("frame encode failed")
		return
	}
	r.Push(evidence.Frame{At: at, JPEG: jpeg})
}

// observed publishes the per-frame sample and handles debounced transitions.
func (a *App) observed(ctx context.Context, result eyestate.Result, at time.Time) {
	a.mu.Lock()
	a.status.State = result.State.String()
	a.status.EAR = result.EAR
	a.status.Threshold = result.Threshold
	a.status.Frames = a.frames
	fn := a.onState
	a.mu.Unlock()

	sample := publish.Sample{
		EAR:       result.EAR,
		Threshold: result.Threshold,
		Closed:    result.Closed,
		State:     result.State.String(),
		Status:    result.Status.String(),
		At:        at.UTC(),
	}
	if err := a.config.Publisher.PublishSample(sample); err != nil {
		log.WithComponent("publish").WithError(err).Debug("sample not published")
	}
	a.broadcast("sample", sample)

	if result.Event == eyestate.EventNone {
		return
	}

	kind := store.EventOpen
	if result.Event == eyestate.EventClosed {
		kind = store.EventClosed
	}
	a.storeEvent(ctx, kind, result, SourceLocal, at)

	if fn != nil {
		fn(result.State)
	}
}

// diagnose asks the AI server for a verdict and falls back to the local window
// when it is unreachable or does not report drowsiness.
func (a *App) diagnose(ctx context.Context, result eyestate.Result) {
	logger := log.WithComponent("app")

	if b := a.config.Backend; b != nil && b.HasAI() {
		dctx, cancel := context.WithTimeout(ctx, a.config.DiagnosisTimeout)
		d, err := b.Diagnose(dctx)
		cancel()
		switch {
		case err != nil:
			logger.WithError(err).Debug("AI server unavailable, diagnosing locally")
		case d.Drowsy:
			a.sleepiness(ctx, result, SourceAI)
			return
		}
	}

	if a.config.Window.Sleepy() {
		a.sleepiness(ctx, result, SourceLocal)
	}
}

// sleepiness stores the detection, alerts the driver and records evidence.
// The window is reset so a continued closure needs a fresh run to re-alert.
func (a *App) sleepiness(ctx context.Context, result eyestate.Result, source string) {
	at := time.Now()
	a.config.Window.Reset()

	ev := a.storeEvent(ctx, store.EventSleepiness, result, source, at)

	log.WithComponent("app").WithFields(log.Fields{
		"event":  ev.ID,
		"ear":    result.EAR,
		"source": source,
	}).Warn("sleepiness detected")

	if a.config.Alerts != nil {
		pev := plugin.Event{
			ID:         ev.ID,
			Kind:       string(store.EventSleepiness),
			DeviceUID:  a.config.DeviceUID,
			EAR:        result.EAR,
			Threshold:  result.Threshold,
			DetectedAt: at.UTC(),
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.config.Alerts.Dispatch(ctx, pev); err != nil {
				log.WithComponent("plugin").WithError(err).Warn("alert failed")
			}
		}()
	}

	if a.config.Recorder != nil {
		a.config.Recorder.Trigger(ev.ID, at)
	}

	a.mu.Lock()
	a.status.LastSleepiness = &ev.DetectedAt
	fn := a.onSleepiness
	a.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// storeEvent persists and publishes an event. Storage failures are logged and
// the event is still published with a generated ID.
func (a *App) storeEvent(ctx context.Context, kind store.EventKind, result eyestate.Result, source string, at time.Time) store.Event {
	a.mu.RLock()
	calibrationID := a.calibrationID
	a.mu.RUnlock()

	ev := store.Event{
		Kind:          kind,
		EAR:           result.EAR,
		Threshold:     result.Threshold,
		Source:        source,
		CalibrationID: calibrationID,
		DetectedAt:    at.UTC(),
	}
	if s := a.config.Store; s != nil {
		if err := s.Events().Create(ctx, &ev); err != nil {
			log.WithComponent("store").WithError(err).WithField("kind", kind).Warn("event not stored")
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	pe := publish.Event{
		ID:        ev.ID,
		Kind:      string(kind),
		EAR:       ev.EAR,
		Threshold: ev.Threshold,
		Source:    source,
		At:        ev.DetectedAt,
	}
	if err := a.config.Publisher.PublishEvent(pe); err != nil {
		log.WithComponent("publish").WithError(err).Debug("event not published")
	}
	a.broadcast("event", pe)
	return ev
}

// clipDone runs on the recorder worker after each clip.
func (a *App) clipDone(res evidence.Result) {
	logger := log.WithComponent("evidence").WithField("event", res.Clip.EventID)
	if res.Err != nil {
		logger.WithError(res.Err).Warn("evidence upload failed")
	} else {
		logger.Info("evidence uploaded")
	}

	s := a.config.Store
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if res.Clip.Path != "" {
		if err := s.Events().AttachClip(ctx, res.Clip.EventID, res.Clip.Path); err != nil {
			logger.WithError(err).Warn("clip path not stored")
		}
	}
	if res.Uploaded {
		if err := s.Events().MarkUploaded(ctx, res.Clip.EventID, time.Now().UTC()); err != nil {
			logger.WithError(err).Warn("upload not recorded")
		}
	}
}

// message is the envelope sent to dashboard clients.
type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (a *App) broadcast(kind string, v interface{}) {
	if a.config.Hub == nil {
		return
	}
	a.config.Hub.Publish(message{Type: kind, Data: v})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
