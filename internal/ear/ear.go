package ear

import (
	"errors"
	"fmt"
)

var (
	// ErrTooFewPoints is returned when a contour or shape is missing landmarks.
	ErrTooFewPoints = errors.New("too few landmark points")

	// ErrDegenerateContour is returned when the eye corners coincide and the
	// ratio is undefined.
	ErrDegenerateContour = errors.New("degenerate eye contour")
)

// minWidth guards the horizontal distance against division by zero.
const minWidth = 1e-10

// Compute returns the Eye Aspect Ratio of a six-point contour:
//
//	EAR = (|p1-p5| + |p2-p4|) / (2 * |p0-p3|)
//
// Lower values mean a more closed eye. Open eyes usually sit around 0.3.
func Compute(c Contour) (float64, error) {
	if len(c) < ContourPoints {
		return 0, fmt.Errorf("%w: contour has %d points, want %d", ErrTooFewPoints, len(c), ContourPoints)
	}

	a := distance(c[1], c[5])
	b := distance(c[2], c[4])
	h := distance(c[0], c[3])

	if h < minWidth {
		return 0, ErrDegenerateContour
	}

	return (a + b) / (2.0 * h), nil
}

// Measurement holds per-eye ratios for one face.
type Measurement struct {
	Left    float64 `json:"left"`
	Right   float64 `json:"right"`
	Average float64 `json:"average"`
}

// Measure computes both eye ratios and their mean.
func Measure(left, right Contour) (Measurement, error) {
	l, err := Compute(left)
	if err != nil {
		return Measurement{}, fmt.Errorf("left eye: %w", err)
	}
	r, err := Compute(right)
	if err != nil {
		return Measurement{}, fmt.Errorf("right eye: %w", err)
	}
	return Measurement{Left: l, Right: r, Average: (l + r) / 2.0}, nil
}

// MeasureShape extracts both eyes from a 68-point shape and measures them.
func MeasureShape(s Shape) (Measurement, error) {
	left, right, err := s.Eyes()
	if err != nil {
		return Measurement{}, err
	}
	return Measure(left, right)
}
