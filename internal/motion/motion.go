// Package motion reads the vehicle accelerometer and decides whether the
// vehicle is moving. It is independent of the vision pipeline.
package motion

import (
	"math"
	"sync"
	"time"
)

// StandardGravity converts g to m/s².
const StandardGravity = 9.80665

// Vector is an acceleration in m/s².
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the Euclidean norm.
func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sensor is an accelerometer with hardware motion detection.
type Sensor interface {
	// Acceleration returns the current reading in m/s².
	Acceleration() (Vector, error)

	// IsMoving reports whether motion was detected since the last call.
	IsMoving() (bool, error)

	Close() error
}

// Gate smooths the sensor's edge-triggered motion events: once motion is
// seen the vehicle counts as moving for Hold.
type Gate struct {
	sensor     Sensor
	hold       time.Duration
	lastMotion time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// DefaultHold keeps the pipeline running through short stretches of smooth driving.
const DefaultHold = 5 * time.Second

// NewGate wraps sensor. A non-positive hold uses DefaultHold.
func NewGate(sensor Sensor, hold time.Duration) *Gate {
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Gate{
		sensor: sensor,
		hold:   hold,
		now:    time.Now,
	}
}

// Moving polls the sensor and reports whether motion was seen within the hold window.
// A failing sensor reports moving, with the error, so detection keeps running.
func (g *Gate) Moving() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	moving, err := g.sensor.IsMoving()
	if err != nil {
		return true, err
	}
	now := g.now()
	if moving {
		g.lastMotion = now
	}
	if g.lastMotion.IsZero() {
		return false, nil
	}
	return now.Sub(g.lastMotion) <= g.hold, nil
}

// Sensor returns the wrapped sensor.
func (g *Gate) Sensor() Sensor {
	return g.sensor
}
