package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nosleep-drive/nosleep/internal/app"
	"github.com/nosleep-drive/nosleep/internal/backend"
	"github.com/nosleep-drive/nosleep/internal/calibrate"
	"github.com/nosleep-drive/nosleep/internal/capture"
	"github.com/nosleep-drive/nosleep/internal/config"
	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/evidence"
	"github.com/nosleep-drive/nosleep/internal/eyestate"
	"github.com/nosleep-drive/nosleep/internal/log"
	"github.com/nosleep-drive/nosleep/internal/motion"
	"github.com/nosleep-drive/nosleep/internal/plugin"
	"github.com/nosleep-drive/nosleep/internal/preprocess"
	"github.com/nosleep-drive/nosleep/internal/publish"
	"github.com/nosleep-drive/nosleep/internal/server"
	"github.com/nosleep-drive/nosleep/internal/store"
	"github.com/nosleep-drive/nosleep/internal/tray"
)

// Capture geometry of the driver-facing camera.
const (
	captureWidth  = 1280
	captureHeight = 720
	captureFPS    = 24
)

func main() {
	envFile := os.Getenv("NOSLEEP_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		log.WithComponent("main").WithError(err).Fatal("failed to load configuration")
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	log.Dir = filepath.Join(cfg.DataDir, "logs")
	if err := cfg.Validate(); err != nil {
		log.WithComponent("main").WithError(err).Fatal("invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.WithComponent("main").WithError(err).Fatal("nosleep stopped")
	}
}

func run(cfg config.Config) error {
	logger := log.WithComponent("main")
	logger.WithFields(log.Fields{
		"device":   cfg.DeviceUID,
		"detector": cfg.FaceDetector,
		"face":     cfg.FaceSelection,
		"addr":     cfg.HTTPAddr,
	}).Info("NoSleep - drowsy driving detection")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	camera := capture.NewCameraWithOptions(capture.Options{
		Device:   cfg.CameraDevice,
		Pipeline: cfg.CameraPipeline,
		Width:    captureWidth,
		Height:   captureHeight,
		FPS:      captureFPS,
	})
	reader := capture.NewReader(camera, time.Second)
	go reader.Run(ctx)
	defer func() {
		reader.Wait()
		reader.Close()
	}()

	gate := newMotionGate(cfg)

	client := backend.New(backend.Options{
		ServerURL:   cfg.ServerURL,
		AIServerURL: cfg.AIServerURL,
		DeviceUID:   cfg.DeviceUID,
		Token:       cfg.EmbeddedHash,
	})

	recorder := evidence.NewRecorder(
		evidence.NewRing(captureFPS*10),
		evidence.NewEncoder(cfg.EvidenceDir()),
		newUploader(cfg, client),
		evidence.DefaultRecorderConfig(),
	)

	publisher := newPublisher(cfg)
	defer publisher.Close()

	plugins := plugin.NewManager(cfg.PluginDir)
	if err := plugins.Discover(); err != nil {
		logger.WithError(err).Warn("plugin discovery failed")
	}
	dispatcher := plugin.NewDispatcher(plugins, plugin.NewExecutor(5*time.Second))
	if _, err := os.Stat(cfg.AlertFile); err == nil {
		params, _ := json.Marshal(map[string]string{"file": cfg.AlertFile})
		dispatcher.SetAlertParams(params)
	}

	calibration := calibrate.DefaultConfig()
	calibration.Samples = cfg.CalibrationSamples
	calibration.PhaseTimeout = cfg.CalibrationTimeout

	hub := server.NewHub()

	application, err := app.New(app.Config{
		DeviceUID:  cfg.DeviceUID,
		Store:      st,
		Frames:     reader,
		Preprocess: preprocess.New(preprocess.DefaultConfig()),
		Observer:   pipeline,
		Classifier: eyestate.NewClassifier(eyestate.Config{
			Threshold:      cfg.Threshold,
			RequiredFrames: cfg.RequiredFrames,
		}),
		Motion:           gate,
		Recorder:         recorder,
		Backend:          client,
		Alerts:           dispatcher,
		Publisher:        publisher,
		Hub:              hub,
		Calibration:      calibration,
		CalibrateOnStart: true,
		FrameInterval:    cfg.FrameInterval,
	})
	if err != nil {
		return err
	}
	if err := application.Restore(ctx); err != nil {
		logger.WithError(err).Warn("failed to restore settings")
	}

	webDir := findWebDir(cfg.DataDir)
	if webDir != "" {
		logger.WithField("dir", webDir).Info("serving dashboard")
	}
	srv := server.New(server.Config{
		StaticDir:  webDir,
		Store:      st,
		Frames:     reader,
		Hub:        hub,
		Status:     application,
		Calibrator: application,
		Settings:   application,
	})

	if err := application.Start(ctx); err != nil {
		return err
	}
	defer application.Stop()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe(ctx, cfg.HTTPAddr)
	}()

	if cfg.Tray {
		runTray(ctx, stop, application, cfg.HTTPAddr)
	} else {
		select {
		case <-ctx.Done():
		case err := <-srvErr:
			stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	stop()
	logger.Info("shutting down")
	if err := <-srvErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// newPipeline loads the face cascade and the landmark service. A missing
// model is fatal.
func newPipeline(cfg config.Config) (*detector.Pipeline, error) {
	selection, err := detector.ParseSelection(cfg.FaceSelection)
	if err != nil {
		return nil, err
	}
	path := cascadePath(cfg)

	var faces detector.FaceDetector
	switch cfg.FaceDetector {
	case "pigo":
		faces, err = detector.NewPigoDetector(path, detector.DefaultConfig())
	default:
		faces, err = detector.NewCascadeDetector(path, detector.DefaultConfig())
	}
	if err != nil {
		return nil, err
	}

	landmarks, err := detector.NewShapeService(detector.ShapeServiceConfig{
		ModelPath:   cfg.LandmarkModel,
		Script:      cfg.LandmarkScript,
		IdleTimeout: 5 * time.Minute,
	})
	if err != nil {
		faces.Close()
		return nil, err
	}

	return detector.NewPipeline(faces, landmarks, selection), nil
}

// cascadePath returns the configured cascade or the default file for the
// detector inside DataDir.
func cascadePath(cfg config.Config) string {
	if cfg.FaceCascade != "" {
		return cfg.FaceCascade
	}
	if cfg.FaceDetector == "pigo" {
		return filepath.Join(cfg.DataDir, "cascade", "facefinder")
	}
	return filepath.Join(cfg.DataDir, "cascade", "haarcascade_frontalface_default.xml")
}

// newMotionGate opens the accelerometer. Without one the vehicle always counts
// as moving.
func newMotionGate(cfg config.Config) *motion.Gate {
	if cfg.AccelMock {
		return motion.NewGate(motion.NewMock(true), motion.DefaultHold)
	}
	sensor, err := motion.Open(cfg.I2CBus, motion.Opts{})
	if err != nil {
		log.WithComponent("motion").WithError(err).Warn("accelerometer unavailable, assuming the vehicle is moving")
		return nil
	}
	return motion.NewGate(sensor, motion.DefaultHold)
}

// newUploader combines the fleet backend and S3 destinations behind retries.
func newUploader(cfg config.Config, client *backend.Client) evidence.Uploader {
	var dests evidence.Multi
	if client.HasServer() {
		dests = append(dests, evidence.BackendUploader{Client: client})
	}
	if cfg.S3Bucket != "" {
		s3, err := evidence.NewS3Uploader(cfg.AWSRegion, cfg.S3Bucket, cfg.DeviceUID)
		if err != nil {
			log.WithComponent("evidence").WithError(err).Warn("S3 archive disabled")
		} else {
			dests = append(dests, s3)
		}
	}
	if len(dests) == 0 {
		return nil
	}
	return evidence.Retrying{Uploader: dests, Attempts: evidence.DefaultAttempts, Delay: evidence.DefaultRetryDelay}
}

func newPublisher(cfg config.Config) publish.Publisher {
	if cfg.MQTTBroker == "" {
		return publish.Noop{}
	}
	m, err := publish.Connect(cfg.MQTTBroker, cfg.DeviceUID, publish.DefaultConfig())
	if err != nil {
		log.WithComponent("publish").WithError(err).Warn("MQTT broker unavailable, telemetry disabled")
		return publish.Noop{}
	}
	return m
}

// runTray shows the tray icon on the calling goroutine until quit or ctx ends.
func runTray(ctx context.Context, stop context.CancelFunc, application *app.App, addr string) {
	t := tray.New()
	t.OnToggle(application.SetEnabled)
	t.OnCalibrate(func() {
		if err := application.StartCalibration(); err != nil && !errors.Is(err, calibrate.ErrInProgress) {
			log.WithComponent("tray").WithError(err).Warn("calibration not started")
		}
	})
	t.OnSettings(func() {
		if err := exec.Command("xdg-open", dashboardURL(addr)).Start(); err != nil {
			log.WithComponent("tray").WithError(err).Warn("failed to open dashboard")
		}
	})
	t.OnQuit(stop)

	application.OnState(func(s eyestate.State) { t.SetState(s.String()) })
	application.OnThreshold(t.SetThreshold)
	application.OnCalibrating(t.SetCalibrating)
	application.OnSleepiness(func(store.Event) { t.Alarm() })

	go func() {
		<-ctx.Done()
		t.Quit()
	}()
	t.Run()
}

func dashboardURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// findWebDir searches for the dashboard in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	for _, p := range []string{"web", "../web", "../../web", filepath.Join(dataDir, "web")} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
