// Package detector locates faces and 68-point facial landmarks in video frames.
package detector

import (
	"errors"
	"fmt"
	"image"

	"github.com/nosleep-drive/nosleep/internal/ear"
	"gocv.io/x/gocv"
)

var (
	// ErrNoFace is reported when a frame contains no detectable face.
	ErrNoFace = errors.New("no face detected")

	// ErrNoLandmarks is reported when the predictor returns no usable shape.
	ErrNoLandmarks = errors.New("no landmarks predicted")

	// ErrModelLoad is returned by constructors when a model file is missing or unreadable.
	ErrModelLoad = errors.New("model load failure")
)

// FaceDetector finds face bounding boxes in a grayscale frame.
type FaceDetector interface {
	// DetectFaces returns zero or more face rectangles in frame coordinates.
	DetectFaces(frame *gocv.Mat) ([]image.Rectangle, error)

	// Close releases any resources held by the detector.
	Close() error
}

// LandmarkPredictor regresses 68 landmarks for one face.
type LandmarkPredictor interface {
	// Predict returns the landmarks of the face inside rect, in frame coordinates.
	// An empty shape means the predictor could not fit the face.
	Predict(frame *gocv.Mat, rect image.Rectangle) (ear.Shape, error)

	// Close releases any resources held by the predictor.
	Close() error
}

// Config holds configuration options for face detection.
type Config struct {
	// MinFaceSize is the smallest face edge in pixels worth reporting.
	MinFaceSize int

	// MaxFaceSize caps the face edge; 0 means the frame size.
	MaxFaceSize int

	// ScaleFactor is the pyramid step between detection scales.
	ScaleFactor float64

	// MinNeighbors is the Haar grouping threshold.
	MinNeighbors int

	// MinQuality drops pigo detections scoring below it.
	MinQuality float32
}

// DefaultConfig returns a Config tuned for a driver-facing camera at width 400.
func DefaultConfig() Config {
	return Config{
		MinFaceSize:  60,
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		MinQuality:   5.0,
	}
}

// Status names the outcome of observing one frame.
type Status int

const (
	StatusOK Status = iota
	StatusNoFace
	StatusNoLandmarks
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoFace:
		return "no_face"
	case StatusNoLandmarks:
		return "no_landmarks"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Observation is the result of running detection on one frame. Callers branch
// on Status instead of matching errors.
type Observation struct {
	Status Status
	Faces  int
	Face   image.Rectangle
	Shape  ear.Shape
	EAR    ear.Measurement

	// Err carries the underlying cause for a non-OK status.
	Err error
}

// OK reports whether the observation carries a usable EAR measurement.
func (o Observation) OK() bool {
	return o.Status == StatusOK
}

// Error maps the status back to the package sentinel, or nil when OK.
func (o Observation) Error() error {
	switch o.Status {
	case StatusOK:
		return nil
	case StatusNoFace:
		if o.Err != nil {
			return fmt.Errorf("%w: %v", ErrNoFace, o.Err)
		}
		return ErrNoFace
	default:
		if o.Err != nil {
			return fmt.Errorf("%w: %v", ErrNoLandmarks, o.Err)
		}
		return ErrNoLandmarks
	}
}

// Measured builds a successful observation from a shape. Handy for tests and
// for predictors that already hold landmarks.
func Measured(shape ear.Shape) Observation {
	m, err := ear.MeasureShape(shape)
	if err != nil {
		return Observation{Status: StatusNoLandmarks, Faces: 1, Shape: shape, Err: err}
	}
	return Observation{Status: StatusOK, Faces: 1, Shape: shape, EAR: m}
}
