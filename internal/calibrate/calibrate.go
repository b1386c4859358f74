// Package calibrate derives a per-driver EAR threshold from a short supervised
// session: the driver keeps their eyes open, then closed, while samples are taken.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nosleep-drive/nosleep/internal/detector"
	"github.com/nosleep-drive/nosleep/internal/log"
)

var (
	// ErrCalibrationTimeout is returned when a phase cannot collect enough
	// valid samples within its budget.
	ErrCalibrationTimeout = errors.New("calibration timeout")

	// ErrInvalidSeparation is returned when the open-eye mean does not exceed
	// the closed-eye mean, so no threshold can separate them.
	ErrInvalidSeparation = errors.New("open and closed EAR do not separate")

	// ErrInProgress is returned when a session is requested while one is running.
	ErrInProgress = errors.New("calibration already in progress")

	// ErrNoSamples is returned by Mean for an empty slice.
	ErrNoSamples = errors.New("no samples provided")
)

// Phase is one half of a calibration session.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseClosed
)

func (p Phase) String() string {
	if p == PhaseClosed {
		return "closed"
	}
	return "open"
}

// Sampler produces one observation per call, typically by reading and
// processing the next camera frame. An error means no frame was available.
type Sampler interface {
	Sample(ctx context.Context) (detector.Observation, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (detector.Observation, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (detector.Observation, error) {
	return f(ctx)
}

// Prompter is told when a phase starts so the driver can be instructed.
type Prompter interface {
	Prompt(ctx context.Context, phase Phase)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, phase Phase)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, phase Phase) {
	f(ctx, phase)
}

// Config bounds a calibration session.
type Config struct {
	// Samples is the number of valid samples per phase.
	Samples int

	// Backoff is the wait after a frame without a usable face.
	Backoff time.Duration

	// Interval is the wait between accepted samples.
	Interval time.Duration

	// Settle is the wait after prompting, before sampling starts.
	Settle time.Duration

	// PhaseTimeout caps the wall time of one phase.
	PhaseTimeout time.Duration

	// MaxAttempts caps the frames examined in one phase. 0 means no cap.
	MaxAttempts int
}

// DefaultConfig returns the device defaults.
func DefaultConfig() Config {
	return Config{
		Samples:      5,
		Backoff:      50 * time.Millisecond,
		Interval:     50 * time.Millisecond,
		Settle:       time.Second,
		PhaseTimeout: 10 * time.Second,
		MaxAttempts:  200,
	}
}

// Result is a completed calibration.
type Result struct {
	OpenMean      float64       `json:"openMean"`
	ClosedMean    float64       `json:"closedMean"`
	Threshold     float64       `json:"threshold"`
	OpenSamples   []float64     `json:"openSamples"`
	ClosedSamples []float64     `json:"closedSamples"`
	Skipped       int           `json:"skipped"`
	Duration      time.Duration `json:"duration"`
}

// Calibrator runs calibration sessions.
type Calibrator struct {
	sampler  Sampler
	prompter Prompter
	config   Config
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Calibrator.
type Option func(*Calibrator)

// WithPrompter sets the phase prompter.
func WithPrompter(p Prompter) Option {
	return func(c *Calibrator) { c.prompter = p }
}

// New creates a Calibrator reading from sampler.
func New(sampler Sampler, config Config, opts ...Option) *Calibrator {
	def := DefaultConfig()
	if config.Samples <= 0 {
		config.Samples = def.Samples
	}
	if config.PhaseTimeout <= 0 {
		config.PhaseTimeout = def.PhaseTimeout
	}

	c := &Calibrator{
		sampler: sampler,
		config:  config,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs the open phase then the closed phase and returns the midpoint
// threshold. It never returns a threshold built from fewer samples than configured.
func (c *Calibrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	logger := log.WithComponent("calibrate")

	open, skippedOpen, err := c.collect(ctx, PhaseOpen)
	if err != nil {
		return nil, err
	}
	closed, skippedClosed, err := c.collect(ctx, PhaseClosed)
	if err != nil {
		return nil, err
	}

	openMean, _ := Mean(open)
	closedMean, _ := Mean(closed)
	if openMean <= closedMean {
		return nil, fmt.Errorf("%w: open %.3f, closed %.3f", ErrInvalidSeparation, openMean, closedMean)
	}

	res := &Result{
		OpenMean:      openMean,
		ClosedMean:    closedMean,
		Threshold:     Threshold(openMean, closedMean),
		OpenSamples:   open,
		ClosedSamples: closed,
		Skipped:       skippedOpen + skippedClosed,
		Duration:      time.Since(start),
	}

	logger.WithFields(log.Fields{
		"threshold": fmt.Sprintf("%.3f", res.Threshold),
		"open":      fmt.Sprintf("%.3f", openMean),
		"closed":    fmt.Sprintf("%.3f", closedMean),
		"skipped":   res.Skipped,
	}).Info("calibration complete")

	return res, nil
}

func (c *Calibrator) collect(ctx context.Context, phase Phase) ([]float64, int, error) {
	logger := log.WithComponent("calibrate").WithField("phase", phase.String())

	if c.prompter != nil {
		c.prompter.Prompt(ctx, phase)
	}
	if err := c.sleep(ctx, c.config.Settle); err != nil {
		return nil, 0, err
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.config.PhaseTimeout)
	defer cancel()

	samples := make([]float64, 0, c.config.Samples)
	skipped := 0
	attempts := 0

	timeout := func(cause string) error {
		return fmt.Errorf("%w: %s phase: %d of %d samples after %d frames (%s)",
			ErrCalibrationTimeout, phase, len(samples), c.config.Samples, attempts, cause)
	}

	for len(samples) < c.config.Samples {
		if c.config.MaxAttempts > 0 && attempts >= c.config.MaxAttempts {
			return nil, skipped, timeout("attempt budget exhausted")
		}
		attempts++

		obs, err := c.sampler.Sample(phaseCtx)
		if err == nil && obs.OK() {
			samples = append(samples, obs.EAR.Average)
			logger.WithField("ear", fmt.Sprintf("%.3f", obs.EAR.Average)).Debug("sample accepted")
			if len(samples) < c.config.Samples {
				err = c.sleep(phaseCtx, c.config.Interval)
			}
		} else {
			skipped++
			if err == nil {
				err = obs.Error()
			}
			logger.WithError(err).Debug("frame skipped")
			err = c.sleep(phaseCtx, c.config.Backoff)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, skipped, ctx.Err()
			}
			return nil, skipped, timeout("time budget exhausted")
		}
	}

	return samples, skipped, nil
}

// Threshold returns the midpoint between the two class means.
func Threshold(openMean, closedMean float64) float64 {
	return closedMean + (openMean-closedMean)/2.0
}

// Mean averages a slice of EAR samples.
func Mean(samples []float64) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples)), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
