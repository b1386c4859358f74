package detector

import (
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nosleep-drive/nosleep/internal/ear"
	"gocv.io/x/gocv"
)

const epsilon = 1e-9

func testFrame() gocv.Mat {
	return gocv.NewMatWithSize(300, 400, gocv.MatTypeCV8UC1)
}

func TestSyntheticShapes(t *testing.T) {
	t.Run("open eyes measure OpenEAR", func(t *testing.T) {
		m, err := ear.MeasureShape(OpenEyesShape())
		if err != nil {
			t.Fatalf("MeasureShape() error = %v", err)
		}
		if math.Abs(m.Average-OpenEAR) > epsilon {
			t.Errorf("expected average %f, got %f", OpenEAR, m.Average)
		}
	})

	t.Run("closed eyes measure ClosedEAR", func(t *testing.T) {
		m, err := ear.MeasureShape(ClosedEyesShape())
		if err != nil {
			t.Fatalf("MeasureShape() error = %v", err)
		}
		if math.Abs(m.Average-ClosedEAR) > epsilon {
			t.Errorf("expected average %f, got %f", ClosedEAR, m.Average)
		}
	})

	t.Run("per-eye ratios are independent", func(t *testing.T) {
		m, _ := ear.MeasureShape(ShapeWithEAR(0.3, 0.1))
		if math.Abs(m.Left-0.3) > epsilon || math.Abs(m.Right-0.1) > epsilon {
			t.Errorf("unexpected measurement %+v", m)
		}
	})
}

func TestSelection(t *testing.T) {
	small := image.Rect(0, 0, 50, 50)
	big := image.Rect(100, 100, 250, 250)

	t.Run("first", func(t *testing.T) {
		got, ok := SelectFirst.Pick([]image.Rectangle{small, big})
		if !ok || got != small {
			t.Errorf("expected %v, got %v (ok=%v)", small, got, ok)
		}
	})

	t.Run("largest", func(t *testing.T) {
		got, ok := SelectLargest.Pick([]image.Rectangle{small, big})
		if !ok || got != big {
			t.Errorf("expected %v, got %v (ok=%v)", big, got, ok)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if _, ok := SelectLargest.Pick(nil); ok {
			t.Error("expected no pick from an empty slice")
		}
	})

	t.Run("parse", func(t *testing.T) {
		tests := map[string]Selection{"": SelectFirst, "first": SelectFirst, "Largest": SelectLargest}
		for in, want := range tests {
			got, err := ParseSelection(in)
			if err != nil || got != want {
				t.Errorf("ParseSelection(%q) = %v, %v; want %v", in, got, err, want)
			}
		}
		if _, err := ParseSelection("random"); err == nil {
			t.Error("expected error for unknown selection")
		}
	})
}

func TestPipeline_Observe(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	t.Run("open eyes", func(t *testing.T) {
		p := NewPipeline(NewMockFaceDetector(), NewMockPredictor(), SelectFirst)
		obs := p.Observe(&frame)

		if !obs.OK() {
			t.Fatalf("expected OK observation, got %v (%v)", obs.Status, obs.Err)
		}
		if obs.Face != DefaultFace {
			t.Errorf("expected face %v, got %v", DefaultFace, obs.Face)
		}
		if math.Abs(obs.EAR.Average-OpenEAR) > epsilon {
			t.Errorf("expected EAR %f, got %f", OpenEAR, obs.EAR.Average)
		}
		if obs.Error() != nil {
			t.Errorf("expected nil error, got %v", obs.Error())
		}
	})

	t.Run("no face", func(t *testing.T) {
		faces := NewMockFaceDetector()
		faces.SetFaces(nil)
		p := NewPipeline(faces, NewMockPredictor(), SelectFirst)

		obs := p.Observe(&frame)
		if obs.Status != StatusNoFace {
			t.Fatalf("expected StatusNoFace, got %v", obs.Status)
		}
		if !errors.Is(obs.Error(), ErrNoFace) {
			t.Errorf("expected ErrNoFace, got %v", obs.Error())
		}
	})

	t.Run("detector error", func(t *testing.T) {
		faces := NewMockFaceDetector()
		faces.SetError(errors.New("boom"))
		p := NewPipeline(faces, NewMockPredictor(), SelectFirst)

		obs := p.Observe(&frame)
		if obs.Status != StatusNoFace || !errors.Is(obs.Error(), ErrNoFace) {
			t.Errorf("expected wrapped ErrNoFace, got %v / %v", obs.Status, obs.Error())
		}
	})

	t.Run("empty landmarks", func(t *testing.T) {
		predictor := NewMockPredictor()
		predictor.SetShape(nil)
		p := NewPipeline(NewMockFaceDetector(), predictor, SelectFirst)

		obs := p.Observe(&frame)
		if obs.Status != StatusNoLandmarks || !errors.Is(obs.Error(), ErrNoLandmarks) {
			t.Errorf("expected ErrNoLandmarks, got %v / %v", obs.Status, obs.Error())
		}
	})

	t.Run("truncated landmarks", func(t *testing.T) {
		predictor := NewMockPredictor()
		predictor.SetShape(OpenEyesShape()[:30])
		p := NewPipeline(NewMockFaceDetector(), predictor, SelectFirst)

		obs := p.Observe(&frame)
		if obs.Status != StatusNoLandmarks {
			t.Errorf("expected StatusNoLandmarks, got %v", obs.Status)
		}
		if !errors.Is(obs.Err, ear.ErrTooFewPoints) {
			t.Errorf("expected cause ErrTooFewPoints, got %v", obs.Err)
		}
	})

	t.Run("largest face is measured", func(t *testing.T) {
		faces := NewMockFaceDetector()
		big := image.Rect(10, 10, 290, 290)
		faces.SetFaces([]image.Rectangle{DefaultFace, big})
		p := NewPipeline(faces, NewMockPredictor(), SelectLargest)

		obs := p.Observe(&frame)
		if obs.Face != big || obs.Faces != 2 {
			t.Errorf("expected largest of 2 faces, got %v of %d", obs.Face, obs.Faces)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		p := NewPipeline(NewMockFaceDetector(), NewMockPredictor(), SelectFirst)
		first := p.Observe(&frame)
		for i := 0; i < 10; i++ {
			again := p.Observe(&frame)
			if again.Status != first.Status || again.EAR != first.EAR {
				t.Fatalf("observation %d differs: %+v vs %+v", i, again.EAR, first.EAR)
			}
		}
	})
}

func TestConstructors_ModelLoad(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.bin")

	if _, err := NewCascadeDetector(missing, DefaultConfig()); !errors.Is(err, ErrModelLoad) {
		t.Errorf("NewCascadeDetector: expected ErrModelLoad, got %v", err)
	}
	if _, err := NewPigoDetector(missing, DefaultConfig()); !errors.Is(err, ErrModelLoad) {
		t.Errorf("NewPigoDetector: expected ErrModelLoad, got %v", err)
	}
	if _, err := NewShapeService(ShapeServiceConfig{ModelPath: missing}); !errors.Is(err, ErrModelLoad) {
		t.Errorf("NewShapeService: expected ErrModelLoad, got %v", err)
	}

	empty := filepath.Join(t.TempDir(), "empty.dat")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewShapeService(ShapeServiceConfig{ModelPath: empty}); !errors.Is(err, ErrModelLoad) {
		t.Errorf("NewShapeService(empty): expected ErrModelLoad, got %v", err)
	}
}

func TestShapeResponse_ToShape(t *testing.T) {
	r := shapeResponse{Points: [][2]float64{{1, 2}, {3, 4}}}
	shape := r.toShape(image.Pt(10, 20))
	if len(shape) != 2 || shape[1] != (ear.Point{X: 13, Y: 24}) {
		t.Errorf("unexpected shape %v", shape)
	}
	if (shapeResponse{}).toShape(image.Pt(0, 0)) != nil {
		t.Error("expected nil shape for empty response")
	}
}

func TestInterfaces(t *testing.T) {
	var _ FaceDetector = (*MockFaceDetector)(nil)
	var _ FaceDetector = (*CascadeDetector)(nil)
	var _ FaceDetector = (*PigoDetector)(nil)
	var _ LandmarkPredictor = (*MockPredictor)(nil)
	var _ LandmarkPredictor = (*ShapeService)(nil)
}
