// Package testdata builds synthetic camera frames and eye-landmark sequences
// for tests that run without a camera or landmark model.
package testdata

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/ear"
)

// Frame returns a BGR frame filled with a flat grey level.
func Frame(width, height int, level uint8) *gocv.Mat {
	mat := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(float64(level), float64(level), float64(level), 0),
		height, width, gocv.MatTypeCV8UC3,
	)
	return &mat
}

// FaceFrame returns a dark frame with a bright face-sized ellipse in the
// middle and two dark eye spots.
func FaceFrame(width, height int) *gocv.Mat {
	frame := Frame(width, height, 40)

	center := image.Pt(width/2, height/2)
	axes := image.Pt(width/6, height/4)
	gocv.Ellipse(frame, center, axes, 0, 0, 360, color.RGBA{R: 200, G: 180, B: 170}, -1)

	eyeY := center.Y - axes.Y/4
	eyeR := axes.X / 6
	gocv.Circle(frame, image.Pt(center.X-axes.X/2, eyeY), eyeR, color.RGBA{R: 20, G: 20, B: 20}, -1)
	gocv.Circle(frame, image.Pt(center.X+axes.X/2, eyeY), eyeR, color.RGBA{R: 20, G: 20, B: 20}, -1)
	return frame
}

// Frames returns n flat frames. Callers close every frame.
func Frames(n, width, height int) []*gocv.Mat {
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		frames[i] = Frame(width, height, uint8(60+i%100))
	}
	return frames
}

// CloseAll releases frames.
func CloseAll(frames []*gocv.Mat) {
	for _, f := range frames {
		if f != nil {
			f.Close()
		}
	}
}

// Shapes expands a pattern into landmark shapes: 'o' is an open-eye frame,
// 'c' a closed-eye frame. Any other rune is skipped.
func Shapes(pattern string) []ear.Shape {
	shapes := make([]ear.Shape, 0, len(pattern))
	for _, r := range pattern {
		switch r {
		case 'o':
			shapes = append(shapes, detector.OpenEyesShape())
		case 'c':
			shapes = append(shapes, detector.ClosedEyesShape())
		}
	}
	return shapes
}
