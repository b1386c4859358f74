package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/plugin"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// errStaleFrame marks a sample request that found no new frame yet.
var errStaleFrame = errors.New("no new frame")

// StartCalibration begins a calibration session in the background. The
// detection loop pauses until it finishes.
func (a *App) StartCalibration() error {
	ctx, ok := a.runContext()
	if !ok {
		return ErrNotRunning
	}
	if !a.beginCalibration() {
		return calibrate.ErrInProgress
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.endCalibration()
		if _, err := a.calibrate(ctx); err != nil {
			log.WithComponent("calibrate").WithError(err).Warn("calibration failed")
			a.broadcast("calibration", map[string]string{"error": err.Error()})
		}
	}()
	return nil
}

// Calibrate runs a calibration session and blocks until it finishes. On
// success the new threshold is stored and applied.
func (a *App) Calibrate(ctx context.Context) (*store.Calibration, error) {
	if !a.beginCalibration() {
		return nil, calibrate.ErrInProgress
	}
	defer a.endCalibration()
	return a.calibrate(ctx)
}

func (a *App) beginCalibration() bool {
	if !a.calibrating.CompareAndSwap(false, true) {
		return false
	}
	a.notifyCalibrating(true)
	return true
}

func (a *App) endCalibration() {
	a.calibrating.Store(false)
	a.notifyCalibrating(false)
}

func (a *App) notifyCalibrating(on bool) {
	a.mu.RLock()
	fn := a.onCalibrating
	a.mu.RUnlock()
	if fn != nil {
		fn(on)
	}
}

func (a *App) calibrate(ctx context.Context) (*store.Calibration, error) {
	c := calibrate.New(
		calibrate.SamplerFunc(a.sampler()),
		a.config.Calibration,
		calibrate.WithPrompter(calibrate.PrompterFunc(a.prompt)),
	)

	res, err := c.Run(ctx)
	if err != nil {
		return nil, err
	}

	rec := &store.Calibration{
		OpenMean:   res.OpenMean,
		ClosedMean: res.ClosedMean,
		Threshold:  res.Threshold,
		Samples:    len(res.OpenSamples) + len(res.ClosedSamples),
		Skipped:    res.Skipped,
		DurationMs: res.Duration.Milliseconds(),
	}

	if s := a.config.Store; s != nil {
		if err := s.Calibrations().Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("store calibration: %w", err)
		}
		if err := s.Settings().SetFloat(ctx, store.SettingThreshold, rec.Threshold); err != nil {
			return nil, fmt.Errorf("store threshold: %w", err)
		}
	}

	a.mu.Lock()
	a.calibrationID = rec.ID
	a.mu.Unlock()

	a.setThreshold(rec.Threshold)
	a.config.Classifier.Reset()
	a.config.Window.Reset()

	a.broadcast("calibration", rec)
	return rec, nil
}

// sampler reads the newest frame, skipping frames already measured.
func (a *App) sampler() func(ctx context.Context) (detector.Observation, error) {
	var last uint64
	return func(ctx context.Context) (detector.Observation, error) {
		frame, seq, err := a.config.Frames.Latest()
		if err != nil {
			return detector.Observation{}, err
		}
		defer frame.Close()
		if seq == last {
			return detector.Observation{}, errStaleFrame
		}
		last = seq

		res, err := a.config.Preprocess.Normalize(frame)
		if err != nil {
			return detector.Observation{}, err
		}
		defer res.Close()
		return a.config.Observer.Observe(&res.Normalized), nil
	}
}

// prompt tells the driver which phase is starting. The open phase plays the
// start-up cue.
func (a *App) prompt(ctx context.Context, phase calibrate.Phase) {
	log.WithComponent("calibrate").WithField("phase", phase.String()).Info("keep eyes " + phase.String())
	a.broadcast("calibration", map[string]string{"phase": phase.String()})

	if phase == calibrate.PhaseOpen && a.config.Alerts != nil {
		a.runPlugins(plugin.ActionStart, nil)
	}
}

// needsCalibration reports whether no calibration has been stored yet.
func (a *App) needsCalibration(ctx context.Context) bool {
	s := a.config.Store
	if s == nil {
		return true
	}
	_, err := s.Calibrations().Latest(ctx)
	return errors.Is(err, store.ErrNotFound)
}
