// Package config loads NoSleep settings from a .env file, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults mirror the values the device ships with.
const (
	DefaultDeviceUID      = "rasp-0001"
	DefaultThreshold      = 0.25
	DefaultRequiredFrames = 3
	DefaultHTTPAddr       = ":8080"
	DefaultI2CBus         = ""
	DefaultFrameInterval  = 42 * time.Millisecond
)

// Config is the complete runtime configuration.
type Config struct {
	DeviceUID    string `validate:"required"`
	ServerURL    string `validate:"omitempty,url"`
	AIServerURL  string `validate:"omitempty,url"`
	EmbeddedHash string
	AppEnv       string `validate:"oneof=production development test"`

	CameraDevice   int `validate:"gte=0"`
	CameraPipeline string
	FrameInterval  time.Duration `validate:"gt=0"`

	FaceDetector   string `validate:"oneof=haar pigo"`
	FaceSelection  string `validate:"oneof=first largest"`
	FaceCascade    string
	LandmarkModel  string `validate:"required"`
	LandmarkScript string

	Threshold      float64 `validate:"gt=0,lt=1"`
	RequiredFrames int     `validate:"gte=1"`

	CalibrationSamples int           `validate:"gte=1"`
	CalibrationTimeout time.Duration `validate:"gt=0"`

	I2CBus    string
	AccelMock bool

	MQTTBroker string `validate:"omitempty,url"`
	S3Bucket   string
	AWSRegion  string `validate:"required_with=S3Bucket"`

	HTTPAddr  string `validate:"required"`
	DataDir   string `validate:"required"`
	PluginDir string
	AlertFile string
	Tray      bool
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	dataDir := ".nosleep"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".nosleep")
	}

	return Config{
		DeviceUID:          DefaultDeviceUID,
		AppEnv:             "production",
		FrameInterval:      DefaultFrameInterval,
		FaceDetector:       "haar",
		FaceSelection:      "largest",
		LandmarkModel:      "shape_predictor_68_face_landmarks.dat",
		Threshold:          DefaultThreshold,
		RequiredFrames:     DefaultRequiredFrames,
		CalibrationSamples: 5,
		CalibrationTimeout: 10 * time.Second,
		I2CBus:             DefaultI2CBus,
		AWSRegion:          "ap-northeast-2",
		HTTPAddr:           DefaultHTTPAddr,
		DataDir:            dataDir,
		PluginDir:          filepath.Join(dataDir, "plugins"),
		AlertFile:          filepath.Join(dataDir, "sounds", "alert.mp3"),
	}
}

// Load reads envFile (if present) and the process environment on top of the
// defaults. It does not validate: flags may still override the result, so
// callers run Validate once they are applied.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("DEVICE_UID", &c.DeviceUID)
	str("SERVER_IP", &c.ServerURL)
	str("AI_SERVER_IP", &c.AIServerURL)
	str("EMBEDDED_HASH", &c.EmbeddedHash)
	str("APP_ENV", &c.AppEnv)
	str("CAMERA_PIPELINE", &c.CameraPipeline)
	str("FACE_DETECTOR", &c.FaceDetector)
	str("FACE_SELECTION", &c.FaceSelection)
	str("FACE_CASCADE", &c.FaceCascade)
	str("LANDMARK_MODEL", &c.LandmarkModel)
	str("LANDMARK_SCRIPT", &c.LandmarkScript)
	str("I2C_BUS", &c.I2CBus)
	str("MQTT_BROKER", &c.MQTTBroker)
	str("S3_BUCKET", &c.S3Bucket)
	str("AWS_REGION", &c.AWSRegion)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("DATA_DIR", &c.DataDir)
	str("PLUGIN_DIR", &c.PluginDir)
	str("ALERT_FILE", &c.AlertFile)

	var err error
	if v := os.Getenv("CAMERA_DEVICE"); v != "" {
		if c.CameraDevice, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("CAMERA_DEVICE: %w", err)
		}
	}
	if v := os.Getenv("EAR_THRESHOLD"); v != "" {
		if c.Threshold, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("EAR_THRESHOLD: %w", err)
		}
	}
	if v := os.Getenv("REQUIRED_FRAMES"); v != "" {
		if c.RequiredFrames, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("REQUIRED_FRAMES: %w", err)
		}
	}
	if v := os.Getenv("CALIBRATION_TIMEOUT"); v != "" {
		if c.CalibrationTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("CALIBRATION_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("ACCEL_MOCK"); v != "" {
		if c.AccelMock, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("ACCEL_MOCK: %w", err)
		}
	}
	if v := os.Getenv("TRAY"); v != "" {
		if c.Tray, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("TRAY: %w", err)
		}
	}
	return nil
}

// RegisterFlags binds command-line flags that override the loaded values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DeviceUID, "uid", c.DeviceUID, "device UID reported to the backend")
	fs.IntVar(&c.CameraDevice, "camera", c.CameraDevice, "camera device index")
	fs.StringVar(&c.CameraPipeline, "pipeline", c.CameraPipeline, "GStreamer pipeline, overrides -camera")
	fs.StringVar(&c.FaceDetector, "detector", c.FaceDetector, "face detector: haar or pigo")
	fs.StringVar(&c.FaceSelection, "face", c.FaceSelection, "face measured when several are found: first or largest")
	fs.StringVar(&c.FaceCascade, "cascade", c.FaceCascade, "face cascade file")
	fs.StringVar(&c.LandmarkModel, "model", c.LandmarkModel, "68-point landmark model file")
	fs.Float64Var(&c.Threshold, "threshold", c.Threshold, "EAR threshold used until calibrated")
	fs.IntVar(&c.RequiredFrames, "frames", c.RequiredFrames, "consecutive frames before a state change")
	fs.BoolVar(&c.AccelMock, "accel-mock", c.AccelMock, "use a simulated accelerometer")
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "local HTTP listen address")
	fs.BoolVar(&c.Tray, "tray", c.Tray, "show the desktop tray icon")
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// DBPath is the SQLite database location inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "nosleep.db")
}

// EvidenceDir holds encoded clips awaiting upload.
func (c Config) EvidenceDir() string {
	return filepath.Join(c.DataDir, "evidence")
}
