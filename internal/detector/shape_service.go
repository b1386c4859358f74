package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nosleep-drive/nosleep/internal/ear"
	"github.com/nosleep-drive/nosleep/internal/log"
	"gocv.io/x/gocv"
)

// ShapeServiceConfig locates the dlib shape predictor service and its model.
type ShapeServiceConfig struct {
	// ModelPath is the dlib 68-point model, e.g. shape_predictor_68_face_landmarks.dat.
	ModelPath string

	// Script overrides the service script search.
	Script string

	// Python overrides the interpreter search.
	Python string

	// IdleTimeout stops the service after a period without requests. Zero keeps it running.
	IdleTimeout time.Duration

	// Margin pads the face crop sent to the service, as a fraction of the face size.
	Margin float64
}

const shapeServiceScript = "shape_service.py"

// ShapeService implements LandmarkPredictor by streaming face crops to a
// Python dlib subprocess.
//
// Each request is a 4-byte big-endian JPEG length, the face rectangle inside
// the crop as four big-endian int32 values (x0, y0, x1, y1), then the JPEG.
// The service answers with one JSON line: {"points": [[x, y], ...]} or
// {"error": "..."}. On start it prints {"ready": true} once the model loaded.
type ShapeService struct {
	config    ShapeServiceConfig
	script    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	mu        sync.Mutex
	started   bool
	idleTimer *time.Timer
}

// NewShapeService validates the model and starts the service so that a bad
// model is reported before the first frame.
func NewShapeService(config ShapeServiceConfig) (*ShapeService, error) {
	info, err := os.Stat(config.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: landmark model %s: %v", ErrModelLoad, config.ModelPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: landmark model %s is not a model file", ErrModelLoad, config.ModelPath)
	}

	script := config.Script
	if script == "" {
		script = findShapeServiceScript()
	}
	if script == "" {
		return nil, fmt.Errorf("%w: %s not found", ErrModelLoad, shapeServiceScript)
	}
	if config.Margin <= 0 {
		config.Margin = 0.25
	}

	s := &ShapeService{
		config: config,
		script: script,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	return s, nil
}

// Predict implements LandmarkPredictor.
func (s *ShapeService) Predict(frame *gocv.Mat, rect image.Rectangle) (ear.Shape, error) {
	if frame == nil || frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())
	padX := int(float64(rect.Dx()) * s.config.Margin)
	padY := int(float64(rect.Dy()) * s.config.Margin)
	crop := image.Rect(rect.Min.X-padX, rect.Min.Y-padY, rect.Max.X+padX, rect.Max.Y+padY).Intersect(bounds)
	if crop.Empty() {
		return nil, fmt.Errorf("face %v outside frame %v", rect, bounds)
	}

	region := frame.Region(crop)
	buf, err := gocv.IMEncode(".jpg", region)
	region.Close()
	if err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}
	defer buf.Close()

	local := rect.Sub(crop.Min)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStarted(); err != nil {
		return nil, err
	}

	if err := s.writeRequest(local, buf.GetBytes()); err != nil {
		s.shutdown()
		return nil, err
	}

	line, err := s.stdout.ReadString('\n')
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("read response: %w", err)
	}

	var response shapeResponse
	if err := json.Unmarshal([]byte(line), &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("shape service: %s", response.Error)
	}

	s.resetIdleTimer()

	return response.toShape(crop.Min), nil
}

func (s *ShapeService) writeRequest(rect image.Rectangle, jpeg []byte) error {
	header := make([]byte, 20)
	binary.BigEndian.PutUint32(header[0:], uint32(len(jpeg)))
	binary.BigEndian.PutUint32(header[4:], uint32(int32(rect.Min.X)))
	binary.BigEndian.PutUint32(header[8:], uint32(int32(rect.Min.Y)))
	binary.BigEndian.PutUint32(header[12:], uint32(int32(rect.Max.X)))
	binary.BigEndian.PutUint32(header[16:], uint32(int32(rect.Max.Y)))

	if _, err := s.stdin.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.stdin.Write(jpeg); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// Close shuts down the Python process.
func (s *ShapeService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown()
}

func (s *ShapeService) ensureStarted() error {
	if s.started {
		return nil
	}

	python := s.config.Python
	if python == "" {
		python = findVenvPython()
	}
	if python == "" {
		python = "python3"
	}

	cmd := exec.Command(python, s.script, "--model", s.config.ModelPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start shape service: %v", ErrModelLoad, err)
	}

	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	if err != nil {
		stdin.Close()
		cmd.Wait()
		return fmt.Errorf("%w: shape service exited during start-up: %v", ErrModelLoad, err)
	}

	var hello shapeResponse
	if err := json.Unmarshal([]byte(line), &hello); err != nil || !hello.Ready {
		stdin.Close()
		cmd.Wait()
		if hello.Error != "" {
			return fmt.Errorf("%w: %s", ErrModelLoad, hello.Error)
		}
		return fmt.Errorf("%w: unexpected handshake %q", ErrModelLoad, line)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = reader
	s.started = true

	log.WithComponent("detector").WithField("model", s.config.ModelPath).Info("shape service started")
	return nil
}

func (s *ShapeService) shutdown() error {
	if !s.started {
		return nil
	}

	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	if s.stdin != nil {
		s.stdin.Close()
	}

	err := s.cmd.Wait()
	s.started = false
	s.cmd = nil
	s.stdin = nil
	s.stdout = nil

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (s *ShapeService) resetIdleTimer() {
	if s.config.IdleTimeout <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.config.IdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.shutdown()
	})
}

func findShapeServiceScript() string {
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		filepath.Join("scripts", shapeServiceScript),
		filepath.Join("..", "scripts", shapeServiceScript),
		filepath.Join(execDir, "scripts", shapeServiceScript),
		filepath.Join(os.Getenv("HOME"), ".nosleep", "scripts", shapeServiceScript),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".nosleep/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// shapeResponse is the JSON line written by the Python service.
type shapeResponse struct {
	Ready  bool         `json:"ready"`
	Points [][2]float64 `json:"points"`
	Error  string       `json:"error"`
}

func (r shapeResponse) toShape(offset image.Point) ear.Shape {
	if len(r.Points) == 0 {
		return nil
	}
	shape := make(ear.Shape, len(r.Points))
	for i, p := range r.Points {
		shape[i] = ear.Point{
			X: p[0] + float64(offset.X),
			Y: p[1] + float64(offset.Y),
		}
	}
	return shape
}
