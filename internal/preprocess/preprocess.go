// Package preprocess normalizes uneven cabin lighting before face detection.
package preprocess

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Default normalization parameters.
const (
	DefaultWidth        = 400
	DefaultMedianKernel = 99
	DefaultGrayWeight   = 0.75
	DefaultLightWeight  = 0.25
)

// ErrEmptyFrame is returned for empty or non-BGR input.
var ErrEmptyFrame = errors.New("empty frame")

// Config controls the normalization pipeline.
type Config struct {
	// Width is the target width after an aspect-preserving resize. 0 keeps the input size.
	Width int

	// MedianKernel is the odd aperture used to estimate the illumination field.
	MedianKernel int

	// GrayWeight and LightWeight blend the grayscale frame with the inverted illumination.
	GrayWeight  float64
	LightWeight float64
}

// DefaultConfig returns the parameters used on the device.
func DefaultConfig() Config {
	return Config{
		Width:        DefaultWidth,
		MedianKernel: DefaultMedianKernel,
		GrayWeight:   DefaultGrayWeight,
		LightWeight:  DefaultLightWeight,
	}
}

// Result holds every intermediate image. The caller must Close it.
type Result struct {
	// Resized is the colour frame at the working width.
	Resized gocv.Mat
	// Gray is the plain grayscale version of Resized.
	Gray gocv.Mat
	// Luminance is the L channel of Resized in Lab space.
	Luminance gocv.Mat
	// Normalized is Gray blended with the inverted, median-blurred luminance.
	Normalized gocv.Mat
}

// Close releases all Mats.
func (r *Result) Close() {
	if r == nil {
		return
	}
	r.Resized.Close()
	r.Gray.Close()
	r.Luminance.Close()
	r.Normalized.Close()
}

// Preprocessor applies the illumination normalization.
type Preprocessor struct {
	config Config
}

// New creates a Preprocessor. Invalid settings fall back to the defaults.
func New(config Config) *Preprocessor {
	def := DefaultConfig()
	if config.Width < 0 {
		config.Width = def.Width
	}
	if config.MedianKernel < 3 || config.MedianKernel%2 == 0 {
		config.MedianKernel = def.MedianKernel
	}
	if config.GrayWeight <= 0 && config.LightWeight <= 0 {
		config.GrayWeight = def.GrayWeight
		config.LightWeight = def.LightWeight
	}
	return &Preprocessor{config: config}
}

// Config returns the effective configuration.
func (p *Preprocessor) Config() Config {
	return p.config
}

// Normalize resizes a BGR frame and returns the grayscale, luminance and
// lighting-normalized images.
func (p *Preprocessor) Normalize(frame *gocv.Mat) (*Result, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrEmptyFrame
	}
	if frame.Channels() != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got %d", ErrEmptyFrame, frame.Channels())
	}

	res := &Result{
		Resized:    gocv.NewMat(),
		Gray:       gocv.NewMat(),
		Luminance:  gocv.NewMat(),
		Normalized: gocv.NewMat(),
	}

	size := TargetSize(frame.Cols(), frame.Rows(), p.config.Width)
	if size.X == frame.Cols() && size.Y == frame.Rows() {
		frame.CopyTo(&res.Resized)
	} else {
		gocv.Resize(*frame, &res.Resized, size, 0, 0, gocv.InterpolationArea)
	}

	gocv.CvtColor(res.Resized, &res.Gray, gocv.ColorBGRToGray)

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(res.Resized, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	for i := range channels {
		if i == 0 {
			channels[0].CopyTo(&res.Luminance)
		}
		channels[i].Close()
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.MedianBlur(res.Luminance, &blurred, p.config.MedianKernel)

	inverted := gocv.NewMat()
	defer inverted.Close()
	gocv.BitwiseNot(blurred, &inverted)

	gocv.AddWeighted(res.Gray, p.config.GrayWeight, inverted, p.config.LightWeight, 0, &res.Normalized)

	if res.Normalized.Empty() {
		res.Close()
		return nil, fmt.Errorf("normalization produced an empty image")
	}

	return res, nil
}

// TargetSize returns the aspect-preserving size for the requested width.
// A width of 0 keeps the original size.
func TargetSize(cols, rows, width int) image.Point {
	if width <= 0 || cols <= 0 {
		return image.Pt(cols, rows)
	}
	height := int(float64(rows) * float64(width) / float64(cols))
	if height < 1 {
		height = 1
	}
	return image.Pt(width, height)
}
