package motion

import "sync"

// Mock is an in-memory Sensor used on benches without an accelerometer and in tests.
type Mock struct {
	mu     sync.Mutex
	moving bool
	accel  Vector
	err    error
	closed bool
}

// NewMock returns a Mock reporting the given motion state at rest (1g on Z).
func NewMock(moving bool) *Mock {
	return &Mock{moving: moving, accel: Vector{Z: StandardGravity}}
}

// SetMoving changes the reported motion state.
func (m *Mock) SetMoving(moving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moving = moving
}

// SetAcceleration changes the reported acceleration.
func (m *Mock) SetAcceleration(v Vector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accel = v
}

// SetError makes every read fail with err. nil clears it.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Acceleration implements Sensor.
func (m *Mock) Acceleration() (Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Vector{}, m.err
	}
	return m.accel, nil
}

// IsMoving implements Sensor.
func (m *Mock) IsMoving() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.moving, nil
}

// Close implements Sensor.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
