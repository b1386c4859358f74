package preprocess

import (
	"errors"
	"image"
	"testing"

	"gocv.io/x/gocv"
)

func TestTargetSize(t *testing.T) {
	tests := []struct {
		name       string
		cols, rows int
		width      int
		want       image.Point
	}{
		{"1080p to 400", 1920, 1080, 400, image.Pt(400, 225)},
		{"vga to 400", 640, 480, 400, image.Pt(400, 300)},
		{"upscale", 200, 100, 400, image.Pt(400, 200)},
		{"keep", 640, 480, 0, image.Pt(640, 480)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetSize(tt.cols, tt.rows, tt.width); got != tt.want {
				t.Errorf("TargetSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_FixesInvalidConfig(t *testing.T) {
	p := New(Config{Width: -1, MedianKernel: 4})
	cfg := p.Config()
	if cfg.Width != DefaultWidth {
		t.Errorf("expected width %d, got %d", DefaultWidth, cfg.Width)
	}
	if cfg.MedianKernel != DefaultMedianKernel {
		t.Errorf("expected kernel %d, got %d", DefaultMedianKernel, cfg.MedianKernel)
	}
	if cfg.GrayWeight != DefaultGrayWeight || cfg.LightWeight != DefaultLightWeight {
		t.Errorf("expected default weights, got %v/%v", cfg.GrayWeight, cfg.LightWeight)
	}
}

func TestNormalize_EmptyFrame(t *testing.T) {
	p := New(DefaultConfig())

	if _, err := p.Normalize(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame for nil, got %v", err)
	}

	empty := gocv.NewMat()
	defer empty.Close()
	if _, err := p.Normalize(&empty); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame for empty Mat, got %v", err)
	}

	gray := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC1)
	defer gray.Close()
	if _, err := p.Normalize(&gray); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame for single channel, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OpenCV pipeline test in short mode")
	}

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 120, 200, 0), 480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	p := New(DefaultConfig())
	res, err := p.Normalize(&frame)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	defer res.Close()

	for name, m := range map[string]gocv.Mat{
		"resized":    res.Resized,
		"gray":       res.Gray,
		"luminance":  res.Luminance,
		"normalized": res.Normalized,
	} {
		if m.Cols() != 400 || m.Rows() != 300 {
			t.Errorf("%s: expected 400x300, got %dx%d", name, m.Cols(), m.Rows())
		}
	}

	if res.Resized.Channels() != 3 {
		t.Errorf("expected colour resized frame, got %d channels", res.Resized.Channels())
	}
	if res.Normalized.Channels() != 1 || res.Luminance.Channels() != 1 {
		t.Error("expected single-channel luminance and normalized images")
	}

	// On a uniform frame the blend is 0.75*gray + 0.25*(255-L).
	gray := float64(res.Gray.GetUCharAt(150, 200))
	lum := float64(res.Luminance.GetUCharAt(150, 200))
	want := 0.75*gray + 0.25*(255-lum)
	got := float64(res.Normalized.GetUCharAt(150, 200))
	if diff := got - want; diff > 1 || diff < -1 {
		t.Errorf("expected normalized pixel ~%.1f, got %.1f", want, got)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OpenCV pipeline test in short mode")
	}

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 60, 90, 0), 240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()

	p := New(Config{Width: 160, MedianKernel: 5, GrayWeight: 0.75, LightWeight: 0.25})
	a, err := p.Normalize(&frame)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := p.Normalize(&frame)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a.Normalized, b.Normalized, &diff)
	if n := gocv.CountNonZero(diff); n != 0 {
		t.Errorf("expected identical output, %d pixels differ", n)
	}
}
