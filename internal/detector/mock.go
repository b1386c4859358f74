package detector

import (
	"image"
	"sync"

	"github.com/nosleep-drive/nosleep/internal/ear"
	"gocv.io/x/gocv"
)

// MockFaceDetector is a test implementation of FaceDetector.
// It allows tests to control the detection results frame by frame.
type MockFaceDetector struct {
	faces    []image.Rectangle
	sequence [][]image.Rectangle
	err      error
	calls    int
	mu       sync.Mutex
}

// NewMockFaceDetector creates a MockFaceDetector that reports one default face.
func NewMockFaceDetector() *MockFaceDetector {
	return &MockFaceDetector{
		faces: []image.Rectangle{DefaultFace},
	}
}

// DefaultFace is the box reported by NewMockFaceDetector.
var DefaultFace = image.Rect(100, 60, 300, 260)

// SetFaces sets the faces returned on every call.
func (m *MockFaceDetector) SetFaces(faces []image.Rectangle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces = faces
}

// SetSequence queues per-call results. Once drained, SetFaces results are used.
func (m *MockFaceDetector) SetSequence(seq [][]image.Rectangle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = seq
}

// SetError sets the error that will be returned by DetectFaces.
func (m *MockFaceDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times DetectFaces ran.
func (m *MockFaceDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DetectFaces returns the pre-configured faces or error.
func (m *MockFaceDetector) DetectFaces(frame *gocv.Mat) ([]image.Rectangle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.sequence) > 0 {
		next := m.sequence[0]
		m.sequence = m.sequence[1:]
		return next, nil
	}
	return m.faces, nil
}

// Close is a no-op for the mock detector.
func (m *MockFaceDetector) Close() error {
	return nil
}

// MockPredictor is a test implementation of LandmarkPredictor.
type MockPredictor struct {
	shape    ear.Shape
	sequence []ear.Shape
	err      error
	mu       sync.Mutex
}

// NewMockPredictor creates a MockPredictor that reports open eyes.
func NewMockPredictor() *MockPredictor {
	return &MockPredictor{
		shape: OpenEyesShape(),
	}
}

// SetShape sets the shape returned on every call.
func (m *MockPredictor) SetShape(shape ear.Shape) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shape = shape
}

// SetSequence queues per-call shapes. A nil entry yields an empty result.
func (m *MockPredictor) SetSequence(seq []ear.Shape) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = seq
}

// SetError sets the error that will be returned by Predict.
func (m *MockPredictor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Predict returns the pre-configured shape or error.
func (m *MockPredictor) Predict(frame *gocv.Mat, rect image.Rectangle) (ear.Shape, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if len(m.sequence) > 0 {
		next := m.sequence[0]
		m.sequence = m.sequence[1:]
		return next, nil
	}
	return m.shape, nil
}

// Close is a no-op for the mock predictor.
func (m *MockPredictor) Close() error {
	return nil
}

// Eye openness presets for the synthetic shapes.
const (
	OpenEAR   = 0.32
	ClosedEAR = 0.08
)

// OpenEyesShape returns a 68-point face whose eyes both measure OpenEAR.
func OpenEyesShape() ear.Shape {
	return ShapeWithEAR(OpenEAR, OpenEAR)
}

// ClosedEyesShape returns a 68-point face whose eyes both measure ClosedEAR.
func ClosedEyesShape() ear.Shape {
	return ShapeWithEAR(ClosedEAR, ClosedEAR)
}

// ShapeWithEAR builds a plausible 68-point face centred on DefaultFace with the
// requested per-eye aspect ratios.
func ShapeWithEAR(left, right float64) ear.Shape {
	shape := make(ear.Shape, ear.NumLandmarks)

	cx := float64(DefaultFace.Min.X+DefaultFace.Max.X) / 2
	cy := float64(DefaultFace.Min.Y+DefaultFace.Max.Y) / 2
	w := float64(DefaultFace.Dx())

	// Jaw: an arc across the lower half of the box.
	for i := ear.JawStart; i < ear.JawEnd; i++ {
		t := float64(i)/float64(ear.JawEnd-1) - 0.5
		shape[i] = ear.Point{X: cx + t*w*0.9, Y: cy + w*0.45 - t*t*w*0.6}
	}
	// Brows, nose and mouth: evenly spaced rows.
	fillRow(shape, ear.RightBrowStart, ear.RightBrowEnd, cx-w*0.35, cx-w*0.08, cy-w*0.22)
	fillRow(shape, ear.LeftBrowStart, ear.LeftBrowEnd, cx+w*0.08, cx+w*0.35, cy-w*0.22)
	for i := ear.NoseStart; i < ear.NoseEnd; i++ {
		shape[i] = ear.Point{X: cx, Y: cy - w*0.1 + float64(i-ear.NoseStart)*w*0.03}
	}
	fillRow(shape, ear.MouthStart, ear.MouthEnd, cx-w*0.18, cx+w*0.18, cy+w*0.25)

	// Eyes use the reference contour (0,0),(3,h),(7,h),(10,0),(7,-h),(3,-h),
	// whose EAR is h/5, scaled to the face width.
	placeEye(shape, ear.RightEyeStart, cx-w*0.27, cy-w*0.1, w*0.015, right)
	placeEye(shape, ear.LeftEyeStart, cx+w*0.12, cy-w*0.1, w*0.015, left)

	return shape
}

func fillRow(shape ear.Shape, start, end int, x0, x1, y float64) {
	n := end - start
	for i := 0; i < n; i++ {
		x := x0
		if n > 1 {
			x = x0 + (x1-x0)*float64(i)/float64(n-1)
		}
		shape[start+i] = ear.Point{X: x, Y: y}
	}
}

func placeEye(shape ear.Shape, start int, x, y, unit, ratio float64) {
	h := 5 * ratio
	ref := [ear.ContourPoints]ear.Point{
		{X: 0, Y: 0}, {X: 3, Y: -h}, {X: 7, Y: -h},
		{X: 10, Y: 0}, {X: 7, Y: h}, {X: 3, Y: h},
	}
	for i, p := range ref {
		shape[start+i] = ear.Point{X: x + p.X*unit, Y: y + p.Y*unit}
	}
}
