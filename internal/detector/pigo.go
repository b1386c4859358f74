package detector

import (
	"fmt"
	"image"
	"os"
	"sort"
	"sync"

	pigo "github.com/esimov/pigo/core"
	"gocv.io/x/gocv"
)

// PigoDetector finds faces with the pure-Go pigo cascade. It needs no OpenCV
// model files, only the pigo "facefinder" binary.
type PigoDetector struct {
	config     Config
	classifier *pigo.Pigo
	mu         sync.Mutex
}

// NewPigoDetector unpacks the cascade at path.
func NewPigoDetector(path string, config Config) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: pigo cascade %s: %v", ErrModelLoad, path, err)
	}

	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack pigo cascade: %v", ErrModelLoad, err)
	}

	return &PigoDetector{
		config:     config,
		classifier: classifier,
	}, nil
}

// DetectFaces implements FaceDetector. Detections are returned best first.
func (d *PigoDetector) DetectFaces(frame *gocv.Mat) ([]image.Rectangle, error) {
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	if frame.Channels() != 1 {
		return nil, fmt.Errorf("pigo expects a single-channel frame, got %d channels", frame.Channels())
	}

	rows, cols := frame.Rows(), frame.Cols()
	pixels := frame.ToBytes()

	maxSize := d.config.MaxFaceSize
	if maxSize <= 0 {
		maxSize = max(rows, cols)
	}

	params := pigo.CascadeParams{
		MinSize:     d.config.MinFaceSize,
		MaxSize:     maxSize,
		ShiftFactor: 0.1,
		ScaleFactor: d.config.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	d.mu.Lock()
	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, 0.2)
	d.mu.Unlock()

	sort.Slice(dets, func(i, j int) bool { return dets[i].Q > dets[j].Q })

	faces := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		if det.Q < d.config.MinQuality {
			continue
		}
		half := det.Scale / 2
		r := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half)
		faces = append(faces, r.Intersect(image.Rect(0, 0, cols, rows)))
	}

	return faces, nil
}

// Close is a no-op; pigo holds no native resources.
func (d *PigoDetector) Close() error {
	return nil
}
