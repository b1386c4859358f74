// Package app ties the camera, detector, classifier and alerting together
// into the drowsiness detection loop.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/time/rate"

	"github.com/nosleep-drive/nosleep/internal/backend"
	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/evidence"
	"github.com/nosleep-drive/nosleep/internal/eyestate"
	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/motion"
	"github.com/nosleep-drive/nosleep/internal/plugin"
	"github.com/nosleep-drive/nosleep/internal/preprocess"
	"github.com/nosleep-drive/nosleep/internal/publish"
	"github.com/nosleep-drive/nosleep/internal/server/api"
	"github.com/nosleep-drive/nosleep/internal/store"
)

// Loop timing defaults.
const (
	// DefaultFrameInterval is the tick of the detection loop (about 24 fps).
	DefaultFrameInterval = 42 * time.Millisecond
	// DefaultDiagnosisEvery is the number of processed frames between diagnoses.
	DefaultDiagnosisEvery = 24
	// DefaultStoppedBackoff is the extra wait while the vehicle is stationary.
	DefaultStoppedBackoff = 100 * time.Millisecond
	// DefaultStatusInterval is the period of device health probes.
	DefaultStatusInterval = 10 * time.Second
	// DefaultDiagnosisTimeout bounds one AI diagnosis request.
	DefaultDiagnosisTimeout = time.Second
	// DefaultFrameRate caps frames forwarded to the AI server per second.
	DefaultFrameRate = 8
)

// Event sources recorded with sleepiness detections.
const (
	SourceLocal = "local"
	SourceAI    = "ai"
)

// ErrNotRunning is returned by operations that need the loop to be running.
var ErrNotRunning = errors.New("detection loop not running")

// FrameSource yields the newest camera frame. capture.Reader implements it.
type FrameSource interface {
	Latest() (*gocv.Mat, uint64, error)
	Healthy() bool
}

// Observer runs face and landmark detection on a grayscale frame.
type Observer interface {
	Observe(frame *gocv.Mat) detector.Observation
}

// Backend is the remote fleet and AI service. backend.Client implements it.
type Backend interface {
	HasAI() bool
	HasServer() bool
	Diagnose(ctx context.Context) (*backend.Diagnosis, error)
	SendFrame(ctx context.Context, jpeg []byte) error
	ReportDeviceStatus(ctx context.Context, status backend.DeviceStatus) error
}

// Alerter delivers events to the alert plugins. plugin.Dispatcher implements it.
type Alerter interface {
	Dispatch(ctx context.Context, ev plugin.Event) error
	Run(ctx context.Context, action string, params json.RawMessage) error
	Check(ctx context.Context) bool
}

// Broadcaster fans messages out to dashboard clients. server.Hub implements it.
type Broadcaster interface {
	Publish(v interface{})
}

// Config holds the collaborators and timing of the detection loop. Frames and
// Observer are required; every other collaborator is optional.
type Config struct {
	DeviceUID string

	Store      *store.Store
	Frames     FrameSource
	Preprocess *preprocess.Preprocessor
	Observer   Observer
	Classifier *eyestate.Classifier
	Window     *eyestate.Window
	Motion     *motion.Gate
	Recorder   *evidence.Recorder
	Backend    Backend
	Alerts     Alerter
	Publisher  publish.Publisher
	Hub        Broadcaster

	Calibration      calibrate.Config
	CalibrateOnStart bool

	FrameInterval    time.Duration
	DiagnosisEvery   int
	DiagnosisTimeout time.Duration
	StoppedBackoff   time.Duration
	StatusInterval   time.Duration
	FrameRate        float64
}

// App runs the detection loop and owns its runtime state.
type App struct {
	config Config

	enabled bool
	mu      sync.RWMutex
	stopCh  chan struct{}
	done    chan struct{}
	ctx     context.Context

	calibrating   atomic.Bool
	calibrationID string
	lastSeq       uint64
	frames        uint64

	status  Status
	limiter *rate.Limiter
	outbox  chan []byte
	wg      sync.WaitGroup

	onState       func(eyestate.State)
	onThreshold   func(float64)
	onCalibrating func(bool)
	onSleepiness  func(store.Event)
}

// New creates an App. Detection starts enabled.
func New(config Config) (*App, error) {
	if config.Frames == nil {
		return nil, errors.New("app: frame source is required")
	}
	if config.Observer == nil {
		return nil, errors.New("app: observer is required")
	}

	if config.Preprocess == nil {
		config.Preprocess = preprocess.New(preprocess.DefaultConfig())
	}
	if config.Classifier == nil {
		config.Classifier = eyestate.NewClassifier(eyestate.DefaultConfig())
	}
	if config.Window == nil {
		config.Window = eyestate.NewWindow(eyestate.DefaultWindowSize, eyestate.DefaultSleepinessFrames)
	}
	if config.Publisher == nil {
		config.Publisher = publish.Noop{}
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = DefaultFrameInterval
	}
	if config.DiagnosisEvery <= 0 {
		config.DiagnosisEvery = DefaultDiagnosisEvery
	}
	if config.DiagnosisTimeout <= 0 {
		config.DiagnosisTimeout = DefaultDiagnosisTimeout
	}
	if config.StoppedBackoff < 0 {
		config.StoppedBackoff = 0
	} else if config.StoppedBackoff == 0 {
		config.StoppedBackoff = DefaultStoppedBackoff
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = DefaultStatusInterval
	}
	if config.FrameRate <= 0 {
		config.FrameRate = DefaultFrameRate
	}
	if config.Calibration == (calibrate.Config{}) {
		config.Calibration = calibrate.DefaultConfig()
	} else if config.Calibration.Backoff <= 0 {
		config.Calibration.Backoff = calibrate.DefaultConfig().Backoff
	}

	a := &App{
		config:  config,
		enabled: true,
		limiter: rate.NewLimiter(rate.Limit(config.FrameRate), 1),
		outbox:  make(chan []byte, 4),
	}
	a.status.Threshold = config.Classifier.Threshold()
	a.status.State = eyestate.StateOpen.String()

	if config.Recorder != nil {
		config.Recorder.OnComplete(a.clipDone)
	}
	return a, nil
}

// SetEnabled pauses or resumes detection.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()

	log.WithComponent("app").WithField("enabled", enabled).Info("detection toggled")
}

// IsEnabled returns whether detection is running.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// OnState registers a callback for debounced eye state changes.
func (a *App) OnState(fn func(eyestate.State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = fn
}

// OnThreshold registers a callback for threshold changes.
func (a *App) OnThreshold(fn func(float64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onThreshold = fn
}

// OnCalibrating registers a callback invoked when a calibration starts and ends.
func (a *App) OnCalibrating(fn func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCalibrating = fn
}

// OnSleepiness registers a callback invoked for every stored sleepiness event.
func (a *App) OnSleepiness(fn func(store.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onSleepiness = fn
}

// Threshold returns the active EAR threshold.
func (a *App) Threshold() float64 {
	return a.config.Classifier.Threshold()
}

// Classifier returns the eye state classifier.
func (a *App) Classifier() *eyestate.Classifier {
	return a.config.Classifier
}

// Restore loads the latest calibration and then the persisted settings, which
// take precedence. Missing keys keep the configured values.
func (a *App) Restore(ctx context.Context) error {
	s := a.config.Store
	if s == nil {
		return nil
	}
	logger := log.WithComponent("app")

	cal, err := s.Calibrations().Latest(ctx)
	switch {
	case err == nil:
		a.mu.Lock()
		a.calibrationID = cal.ID
		a.mu.Unlock()
		a.setThreshold(cal.Threshold)
	case errors.Is(err, store.ErrNotFound):
	default:
		return err
	}

	threshold, err := s.Settings().Float(ctx, store.SettingThreshold, a.config.Classifier.Threshold())
	if err != nil {
		return err
	}
	frames, err := s.Settings().Int(ctx, store.SettingRequiredFrames, a.config.Classifier.RequiredFrames())
	if err != nil {
		return err
	}
	a.ApplySettings(api.Settings{Threshold: &threshold, RequiredFrames: &frames})

	logger.WithFields(log.Fields{
		"threshold":      a.config.Classifier.Threshold(),
		"requiredFrames": a.config.Classifier.RequiredFrames(),
		"calibrated":     cal != nil,
	}).Info("settings restored")
	return nil
}

// ApplySettings updates the classifier from validated settings and forwards
// the alert volume to the plugins.
func (a *App) ApplySettings(s api.Settings) {
	if s.Threshold != nil {
		a.setThreshold(*s.Threshold)
	}
	if s.RequiredFrames != nil {
		a.config.Classifier.SetRequiredFrames(*s.RequiredFrames)
	}
	if s.AlertVolume != nil && a.config.Alerts != nil {
		params, _ := json.Marshal(map[string]int{"volume": *s.AlertVolume})
		a.runPlugins(plugin.ActionVolume, params)
	}
}

// runPlugins runs a plugin action in the background.
func (a *App) runPlugins(action string, params json.RawMessage) {
	ctx, ok := a.runContext()
	if !ok {
		ctx = context.Background()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.config.Alerts.Run(ctx, action, params); err != nil {
			log.WithComponent("plugin").WithError(err).WithField("action", action).Warn("plugin action failed")
		}
	}()
}

func (a *App) setThreshold(t float64) {
	a.config.Classifier.SetThreshold(t)
	t = a.config.Classifier.Threshold()

	a.mu.Lock()
	a.status.Threshold = t
	fn := a.onThreshold
	a.mu.Unlock()

	if fn != nil {
		fn(t)
	}
}

// Start launches the loop and its workers. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopCh != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})

	stop := a.stopCh
	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		cancel()
	}()

	if a.config.Recorder != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.config.Recorder.Run(ctx)
		}()
	}
	if a.config.Backend != nil && a.config.Backend.HasAI() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.forwardFrames(ctx)
		}()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportStatusLoop(ctx)
	}()

	go a.run(ctx, a.done)

	log.WithComponent("app").WithField("interval", a.config.FrameInterval).Info("detection loop started")
	return nil
}

// Stop halts the loop and waits for background workers.
func (a *App) Stop() {
	a.mu.Lock()
	if a.stopCh == nil {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.stopCh = nil
	done := a.done
	a.mu.Unlock()

	<-done
	a.wg.Wait()
	log.WithComponent("app").Info("detection loop stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopCh != nil
}

func (a *App) runContext() (context.Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopCh == nil || a.ctx == nil {
		return nil, false
	}
	return a.ctx, true
}
