package evidence

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// Clip geometry matches what the backend player expects.
const (
	ClipWidth  = 1280
	ClipHeight = 720
	ClipFPS    = 24
	ClipCodec  = "mp4v"
)

// ErrNoFrames is returned when there is nothing to encode.
var ErrNoFrames = errors.New("no frames to encode")

// Encoder writes frames to MP4 files under Dir.
type Encoder struct {
	Dir    string
	FPS    float64
	Width  int
	Height int
}

// NewEncoder returns an Encoder with the default clip geometry.
func NewEncoder(dir string) *Encoder {
	return &Encoder{Dir: dir, FPS: ClipFPS, Width: ClipWidth, Height: ClipHeight}
}

// Encode writes frames to Dir/name and returns the file path. Frames that
// fail to decode are skipped; at least one must succeed.
func (e *Encoder) Encode(frames []Frame, name string) (string, error) {
	if len(frames) == 0 {
		return "", ErrNoFrames
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	path := filepath.Join(e.Dir, name)
	writer, err := gocv.VideoWriterFile(path, ClipCodec, e.FPS, e.Width, e.Height, true)
	if err != nil {
		return "", fmt.Errorf("open video writer: %w", err)
	}

	size := image.Pt(e.Width, e.Height)
	written := 0
	for _, f := range frames {
		img, err := gocv.IMDecode(f.JPEG, gocv.IMReadColor)
		if err != nil {
			continue
		}
		if img.Empty() {
			img.Close()
			continue
		}
		if img.Cols() != e.Width || img.Rows() != e.Height {
			gocv.Resize(img, &img, size, 0, 0, gocv.InterpolationLinear)
		}
		if err := writer.Write(img); err == nil {
			written++
		}
		img.Close()
	}

	if err := writer.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close video writer: %w", err)
	}
	if written == 0 {
		os.Remove(path)
		return "", ErrNoFrames
	}

	return path, nil
}

// EncodeFrame resizes a BGR frame to the clip size and JPEG-encodes it for the ring.
func EncodeFrame(frame *gocv.Mat) ([]byte, error) {
	if frame == nil || frame.Empty() {
		return nil, ErrNoFrames
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(*frame, &resized, image.Pt(ClipWidth, ClipHeight), 0, 0, gocv.InterpolationLinear)

	buf, err := gocv.IMEncode(".jpg", resized)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
