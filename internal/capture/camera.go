// Package capture reads frames from the driver-facing camera using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

const (
	DefaultFPS    = 10
	DefaultWidth  = 1920
	DefaultHeight = 1080

	// DefaultCameraName is the Raspberry Pi OV5647 sensor path used by libcamera.
	DefaultCameraName = "/base/soc/i2c0mux/i2c@1/ov5647@36"
)

var (
	ErrCameraNotOpen = errors.New("camera is not open")
	ErrEmptyFrame    = errors.New("captured frame is empty")
	ErrReadFailed    = errors.New("camera read failed")
)

// Camera is a source of BGR frames. ReadFrame hands ownership of the Mat to
// the caller.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*gocv.Mat, error)
	SetFPS(fps int)
	FPS() int
	IsOpen() bool
}

// Options selects the capture source. A non-empty Pipeline (GStreamer) wins
// over Device (V4L2 index).
type Options struct {
	Device   int
	Pipeline string
	Width    int
	Height   int
	FPS      int
}

// Source names the capture source for logs.
func (o Options) Source() string {
	if o.Pipeline != "" {
		return "gstreamer"
	}
	return "/dev/video" + strconv.Itoa(o.Device)
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	return o
}

// LibcameraPipeline builds the GStreamer pipeline for a libcamera sensor delivering BGR frames.
func LibcameraPipeline(cameraName string, width, height, fps int) string {
	return fmt.Sprintf("libcamerasrc camera-name=%s ! video/x-raw,width=%d,height=%d,framerate=%d/1,format=RGBx"+
		" ! videoconvert ! videoscale ! video/x-raw,format=BGR ! appsink", cameraName, width, height, fps)
}

// device is a Camera backed by gocv.VideoCapture.
type device struct {
	mu   sync.Mutex
	opts Options
	vc   *gocv.VideoCapture
}

// NewCamera returns a Camera on a V4L2 device index.
func NewCamera(index int) Camera {
	return NewCameraWithOptions(Options{Device: index})
}

// NewCameraWithOptions returns a closed Camera for opts. Zero sizes and rates
// take the defaults.
func NewCameraWithOptions(opts Options) Camera {
	return &device{opts: opts.withDefaults()}
}

func (d *device) openCapture() (*gocv.VideoCapture, error) {
	if d.opts.Pipeline != "" {
		return gocv.OpenVideoCaptureWithAPI(d.opts.Pipeline, gocv.VideoCaptureGstreamer)
	}
	vc, err := gocv.OpenVideoCapture(d.opts.Device)
	if err != nil {
		return nil, err
	}
	// GStreamer pipelines carry their own caps; V4L2 devices are configured here.
	vc.Set(gocv.VideoCaptureFrameWidth, float64(d.opts.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(d.opts.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(d.opts.FPS))
	return vc, nil
}

// Open starts capture and checks that the source delivers a frame. Opening an
// open camera is a no-op.
func (d *device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc != nil {
		return nil
	}

	vc, err := d.openCapture()
	if err != nil {
		return fmt.Errorf("open %s: %w", d.opts.Source(), err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("open %s: %w", d.opts.Source(), ErrCameraNotOpen)
	}

	probe := gocv.NewMat()
	defer probe.Close()
	if !vc.Read(&probe) || probe.Empty() {
		vc.Close()
		return fmt.Errorf("open %s: probe frame: %w", d.opts.Source(), ErrEmptyFrame)
	}

	d.vc = vc
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	return err
}

func (d *device) ReadFrame() (*gocv.Mat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil, ErrCameraNotOpen
	}

	frame := gocv.NewMat()
	switch {
	case !d.vc.Read(&frame):
		frame.Close()
		return nil, ErrReadFailed
	case frame.Empty():
		frame.Close()
		return nil, ErrEmptyFrame
	}
	return &frame, nil
}

// SetFPS changes the requested rate. Non-positive values are ignored.
func (d *device) SetFPS(fps int) {
	if fps <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opts.FPS = fps
	if d.vc != nil && d.opts.Pipeline == "" {
		d.vc.Set(gocv.VideoCaptureFPS, float64(fps))
	}
}

func (d *device) FPS() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.FPS
}

func (d *device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vc != nil
}
