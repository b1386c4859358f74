package detector

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/nosleep-drive/nosleep/internal/ear"
	"gocv.io/x/gocv"
)

// Selection decides which face to measure when several are found.
type Selection int

const (
	// SelectFirst uses the first face reported by the detector.
	SelectFirst Selection = iota
	// SelectLargest uses the face with the biggest bounding box.
	SelectLargest
)

// ParseSelection converts "first" or "largest" into a Selection.
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return SelectFirst, nil
	case "largest":
		return SelectLargest, nil
	default:
		return SelectFirst, fmt.Errorf("unknown face selection %q", s)
	}
}

func (s Selection) String() string {
	if s == SelectLargest {
		return "largest"
	}
	return "first"
}

// Pick returns the selected rectangle, or false when faces is empty.
func (s Selection) Pick(faces []image.Rectangle) (image.Rectangle, bool) {
	if len(faces) == 0 {
		return image.Rectangle{}, false
	}
	if s != SelectLargest {
		return faces[0], true
	}

	best := faces[0]
	bestArea := best.Dx() * best.Dy()
	for _, f := range faces[1:] {
		if area := f.Dx() * f.Dy(); area > bestArea {
			best, bestArea = f, area
		}
	}
	return best, true
}

// Pipeline runs a FaceDetector and a LandmarkPredictor back to back and
// measures the selected face.
type Pipeline struct {
	faces     FaceDetector
	landmarks LandmarkPredictor
	selection Selection
	mu        sync.Mutex
}

// NewPipeline wires a face detector to a landmark predictor.
func NewPipeline(faces FaceDetector, landmarks LandmarkPredictor, selection Selection) *Pipeline {
	return &Pipeline{
		faces:     faces,
		landmarks: landmarks,
		selection: selection,
	}
}

// Observe detects, predicts and measures one grayscale frame. It never
// returns an error: failures are folded into the observation status.
func (p *Pipeline) Observe(frame *gocv.Mat) Observation {
	p.mu.Lock()
	defer p.mu.Unlock()

	rects, err := p.faces.DetectFaces(frame)
	if err != nil {
		return Observation{Status: StatusNoFace, Err: err}
	}

	face, ok := p.selection.Pick(rects)
	if !ok {
		return Observation{Status: StatusNoFace}
	}

	shape, err := p.landmarks.Predict(frame, face)
	if err != nil {
		return Observation{Status: StatusNoLandmarks, Faces: len(rects), Face: face, Err: err}
	}
	if len(shape) == 0 {
		return Observation{Status: StatusNoLandmarks, Faces: len(rects), Face: face}
	}

	m, err := ear.MeasureShape(shape)
	if err != nil {
		return Observation{Status: StatusNoLandmarks, Faces: len(rects), Face: face, Shape: shape, Err: err}
	}

	return Observation{
		Status: StatusOK,
		Faces:  len(rects),
		Face:   face,
		Shape:  shape,
		EAR:    m,
	}
}

// Selection returns the active face selection policy.
func (p *Pipeline) Selection() Selection {
	return p.selection
}

// Close releases both collaborators.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errFaces := p.faces.Close()
	errLandmarks := p.landmarks.Close()
	if errFaces != nil {
		return errFaces
	}
	return errLandmarks
}
