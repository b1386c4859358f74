package detector

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// CascadeDetector finds faces with an OpenCV Haar cascade.
type CascadeDetector struct {
	config     Config
	classifier gocv.CascadeClassifier
	mu         sync.Mutex
	closed     bool
}

// NewCascadeDetector loads the cascade XML at path.
// A missing or unparsable file is reported as ErrModelLoad.
func NewCascadeDetector(path string, config Config) (*CascadeDetector, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: face cascade %s: %v", ErrModelLoad, path, err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("%w: face cascade %s could not be parsed", ErrModelLoad, path)
	}

	return &CascadeDetector{
		config:     config,
		classifier: classifier,
	}, nil
}

// DetectFaces implements FaceDetector.
func (d *CascadeDetector) DetectFaces(frame *gocv.Mat) ([]image.Rectangle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("cascade detector is closed")
	}
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	minSize := image.Pt(d.config.MinFaceSize, d.config.MinFaceSize)
	maxSize := image.Pt(d.config.MaxFaceSize, d.config.MaxFaceSize)

	return d.classifier.DetectMultiScaleWithParams(
		*frame,
		d.config.ScaleFactor,
		d.config.MinNeighbors,
		0,
		minSize,
		maxSize,
	), nil
}

// Close releases the classifier.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.classifier.Close()
}
