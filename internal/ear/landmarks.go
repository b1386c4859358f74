// Package ear computes the Eye Aspect Ratio from 68-point facial landmarks.
package ear

import (
	"fmt"
	"math"
)

// Facial landmark indices following the dlib / iBUG 300-W 68-point convention.
// Each eye range is half-open: [Start, End).
const (
	JawStart       = 0
	JawEnd         = 17
	RightBrowStart = 17
	RightBrowEnd   = 22
	LeftBrowStart  = 22
	LeftBrowEnd    = 27
	NoseStart      = 27
	NoseEnd        = 36
	RightEyeStart  = 36
	RightEyeEnd    = 42
	LeftEyeStart   = 42
	LeftEyeEnd     = 48
	MouthStart     = 48
	MouthEnd       = 68
	NumLandmarks   = 68
	ContourPoints  = 6
)

// Point is a 2D landmark coordinate in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Shape is the full set of landmarks predicted for one face.
type Shape []Point

// Contour is the ordered six-point outline of one eye: outer corner, two
// upper-lid points, inner corner, two lower-lid points.
type Contour []Point

// distance calculates the Euclidean distance between two points.
func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Eyes slices the left and right eye contours out of a 68-point shape.
// "Left" is the subject's left eye, which appears on the right of the image.
func (s Shape) Eyes() (left, right Contour, err error) {
	if len(s) < NumLandmarks {
		return nil, nil, fmt.Errorf("%w: shape has %d landmarks, want %d", ErrTooFewPoints, len(s), NumLandmarks)
	}

	left = append(Contour(nil), s[LeftEyeStart:LeftEyeEnd]...)
	right = append(Contour(nil), s[RightEyeStart:RightEyeEnd]...)
	return left, right, nil
}
