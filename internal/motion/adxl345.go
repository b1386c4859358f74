package motion

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// ADXL345 register map (subset).
const (
	regDevID      = 0x00
	regThreshAct  = 0x24
	regActInact   = 0x27
	regBWRate     = 0x2C
	regPowerCtl   = 0x2D
	regIntEnable  = 0x2E
	regIntSource  = 0x30
	regDataFormat = 0x31
	regDataX0     = 0x32

	deviceID = 0xE5

	powerMeasure  = 0x08
	intActivity   = 0x10
	actXYZ        = 0x70
	formatFullRes = 0x08
	rate100Hz     = 0x0A

	// scaleFullRes is g per LSB in full resolution mode.
	scaleFullRes = 0.004
)

const (
	// DefaultAddr is the I2C address with SDO pulled low.
	DefaultAddr = 0x53

	// DefaultMotionThreshold is the activity threshold at 62.5 mg/LSB.
	DefaultMotionThreshold = 18
)

// ErrWrongDevice is returned when the chip ID does not match an ADXL345.
var ErrWrongDevice = errors.New("adxl345: unexpected device id")

// Opts configures the ADXL345.
type Opts struct {
	// Addr is the I2C address, 0x53 with SDO low.
	Addr uint16

	// MotionThreshold is written to THRESH_ACT at 62.5 mg/LSB.
	MotionThreshold byte
}

// ADXL345 drives an Analog Devices ADXL345 accelerometer over I2C.
type ADXL345 struct {
	dev    *i2c.Dev
	closer i2c.BusCloser
	mu     sync.Mutex
}

// Open initializes the periph host, opens busName ("" for the default bus)
// and configures the accelerometer. Close releases the bus.
func Open(busName string, opts Opts) (*ADXL345, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("adxl345: periph host init: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("adxl345: open i2c bus %q: %w", busName, err)
	}

	a, err := New(bus, opts)
	if err != nil {
		bus.Close()
		return nil, err
	}
	a.closer = bus
	return a, nil
}

// New configures an ADXL345 on an already opened bus: full resolution ±2g,
// 100Hz output, activity detection on all axes and measurement mode.
func New(bus i2c.Bus, opts Opts) (*ADXL345, error) {
	if opts.Addr == 0 {
		opts.Addr = DefaultAddr
	}
	if opts.MotionThreshold == 0 {
		opts.MotionThreshold = DefaultMotionThreshold
	}

	a := &ADXL345{dev: &i2c.Dev{Bus: bus, Addr: opts.Addr}}

	id, err := a.readReg(regDevID)
	if err != nil {
		return nil, fmt.Errorf("adxl345: read device id: %w", err)
	}
	if id != deviceID {
		return nil, fmt.Errorf("%w: 0x%02X", ErrWrongDevice, id)
	}

	init := []struct {
		reg, val byte
	}{
		{regDataFormat, formatFullRes},
		{regBWRate, rate100Hz},
		{regThreshAct, opts.MotionThreshold},
		{regActInact, actXYZ},
		{regIntEnable, intActivity},
		{regPowerCtl, powerMeasure},
	}
	for _, w := range init {
		if err := a.writeReg(w.reg, w.val); err != nil {
			return nil, fmt.Errorf("adxl345: write register 0x%02X: %w", w.reg, err)
		}
	}

	return a, nil
}

// Acceleration implements Sensor.
func (a *ADXL345) Acceleration() (Vector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := make([]byte, 6)
	if err := a.dev.Tx([]byte{regDataX0}, buf); err != nil {
		return Vector{}, fmt.Errorf("adxl345: read data: %w", err)
	}

	x := int16(binary.LittleEndian.Uint16(buf[0:]))
	y := int16(binary.LittleEndian.Uint16(buf[2:]))
	z := int16(binary.LittleEndian.Uint16(buf[4:]))

	k := scaleFullRes * StandardGravity
	return Vector{X: float64(x) * k, Y: float64(y) * k, Z: float64(z) * k}, nil
}

// IsMoving implements Sensor. Reading INT_SOURCE clears the activity flag.
func (a *ADXL345) IsMoving() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, err := a.readReg(regIntSource)
	if err != nil {
		return false, fmt.Errorf("adxl345: read interrupt source: %w", err)
	}
	return src&intActivity != 0, nil
}

// Close puts the device in standby and releases the bus if Open created it.
func (a *ADXL345) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.writeReg(regPowerCtl, 0)
	if a.closer != nil {
		if cerr := a.closer.Close(); err == nil {
			err = cerr
		}
		a.closer = nil
	}
	return err
}

func (a *ADXL345) readReg(reg byte) (byte, error) {
	r := make([]byte, 1)
	if err := a.dev.Tx([]byte{reg}, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (a *ADXL345) writeReg(reg, val byte) error {
	return a.dev.Tx([]byte{reg, val}, nil)
}
