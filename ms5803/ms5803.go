// Package ms5803 drives the TE Connectivity MS5803 pressure and temperature
// sensor over I²C.
//
// The device is read at the lowest oversampling ratio. Calibration words are
// read from PROM on Init, or lazily by the first Query.
package ms5803

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"PressureServer/diag"
	"PressureServer/transport"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Addr is an I²C address the MS5803 can be strapped to.
type Addr uint16

const (
	// I2C76 is selected with CSB high.
	I2C76 Addr = 0x76
	// I2C77 is selected with CSB low. It is the default.
	I2C77 Addr = 0x77
)

// Valid reports whether the device can be strapped to a.
func (a Addr) Valid() bool {
	return a == I2C76 || a == I2C77
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%02x", uint16(a))
}

// ParseAddr accepts "0x76", "0x77", "118" or "119".
func ParseAddr(s string) (Addr, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("ms5803: invalid address %q: %v", s, err)
	}
	a := Addr(v)
	if !a.Valid() {
		return 0, fmt.Errorf("ms5803: address %s not supported by device", a)
	}
	return a, nil
}

// Commands.
const (
	cmdADCRead byte = 0x00
	cmdReset   byte = 0x1E
	// Conversion commands sent for D1 and D2 at the fixed oversampling ratio.
	cmdConvD1 byte = 0x47
	cmdConvD2 byte = 0x57
	// PROM word i is read with cmdPROMRead + 2*i.
	cmdPROMRead byte = 0xA0
)

const (
	resetAttempts = 3
	resetDelay    = 3 * time.Millisecond
	convDelay     = 10 * time.Millisecond
	promWords     = len(Coefficients{})
)

var (
	// ErrBusFailure is wrapped by every error caused by a failed bus
	// transaction.
	ErrBusFailure = errors.New("bus failure")
	// ErrUncalibrated is returned by Query when the PROM could not be read.
	ErrUncalibrated = errors.New("calibration unavailable")
)

// State is the calibration state of a Dev.
type State uint8

const (
	Uninitialized State = iota
	Initialized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initialized:
		return "Initialized"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Opts defines the options for the device.
type Opts struct {
	// Sink receives the PROM words on Init and every reading on Query. Leave
	// nil to disable.
	Sink diag.Sink
}

// DefaultOpts disables diagnostics.
var DefaultOpts = Opts{}

// New returns a handle to an MS5803 at addr on t.
//
// The bus is not touched; call Init to reset the sensor and read its
// calibration, or let the first Query do it.
func New(t transport.Transport, addr Addr, opts *Opts) (*Dev, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("ms5803: address %s not supported by device", addr)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	return &Dev{t: t, addr: addr, opts: *opts}, nil
}

// NewI2C returns an object that communicates over I²C to an MS5803.
func NewI2C(b i2c.Bus, addr Addr, opts *Opts) (*Dev, error) {
	return New(transport.NewPeriph(b), addr, opts)
}

// Dev is a handle to an MS5803.
type Dev struct {
	t    transport.Transport
	addr Addr
	opts Opts

	mu    sync.Mutex
	state State
	coeff Coefficients
	stop  chan struct{}
	wg    sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("MS5803{%s}", d.addr)
}

// Reset sends the reset sequence. It works in any calibration state and does
// not clear the calibration.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reset(); err != nil {
		return d.wrap(err)
	}
	return nil
}

// Init resets the sensor and reads the 8 PROM words.
//
// It may be called again to re-read the calibration; on failure the device
// goes back to Uninitialized.
func (d *Dev) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.init(); err != nil {
		return d.wrap(err)
	}
	return nil
}

// Query converts D1 then D2 and returns the compensated reading.
//
// The first Query on an Uninitialized device runs Init. Later calls reuse the
// calibration; it is never refreshed automatically.
func (d *Dev) Query() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.query()
	if err != nil {
		return Reading{}, d.wrap(err)
	}
	return r, nil
}

// Coefficients returns a copy of the calibration and its state.
func (d *Dev) Coefficients() (Coefficients, State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff, d.state
}

// Sense implements physic.SenseEnv. Humidity is not measured.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	r, err := d.query()
	if err != nil {
		return d.wrap(err)
	}
	*e = r.Env()
	return nil
}

// SenseContinuous returns readings on a continuous basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// goroutine and close the channel.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if err := d.Halt(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sensing := make(chan physic.Env)
	stop := make(chan struct{})
	d.stop = stop
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = physic.Pascal
}

// Halt stops continuous sensing. The sensor itself has no idle mode; it only
// converts on command.
func (d *Dev) Halt() error {
	// The sensing goroutine takes d.mu on every tick, so it must not be
	// held while waiting for it.
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	d.wg.Wait()
	return nil
}

//

func (d *Dev) reset() error {
	for i := 0; i < resetAttempts; i++ {
		if err := d.cmd(cmdReset); err != nil {
			return err
		}
		d.t.Delay(resetDelay)
	}
	return nil
}

func (d *Dev) init() error {
	d.state = Uninitialized
	if err := d.reset(); err != nil {
		return err
	}
	var c Coefficients
	for i := range c {
		if err := d.cmd(promCommand(i)); err != nil {
			return err
		}
		v, err := d.t.ReadUint16(uint16(d.addr))
		if err != nil {
			return d.busErr(err)
		}
		c[i] = v
		diag.Emit(d.opts.Sink, strconv.Itoa(i), float64(v))
	}
	d.coeff = c
	d.state = Initialized
	return nil
}

func (d *Dev) query() (Reading, error) {
	if d.state == Uninitialized {
		if err := d.init(); err != nil {
			return Reading{}, fmt.Errorf("%w: %w", ErrUncalibrated, err)
		}
	}
	d1, err := d.convert(cmdConvD1)
	if err != nil {
		return Reading{}, err
	}
	d2, err := d.convert(cmdConvD2)
	if err != nil {
		return Reading{}, err
	}
	r := NewReading(d1, d2, d.coeff)
	r.Dump(d.opts.Sink)
	return r, nil
}

// convert starts a conversion and reads the 24 bit result. The sensor
// returns it left aligned in a 4 byte read.
func (d *Dev) convert(c byte) (uint32, error) {
	if err := d.cmd(c); err != nil {
		return 0, err
	}
	d.t.Delay(convDelay)
	if err := d.cmd(cmdADCRead); err != nil {
		return 0, err
	}
	v, err := d.t.ReadUint32(uint16(d.addr))
	if err != nil {
		return 0, d.busErr(err)
	}
	return v >> 8, nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		d.mu.Lock()
		r, err := d.query()
		d.mu.Unlock()
		if err != nil {
			log.Printf("%s: failed to sense: %v", d, err)
			return
		}
		select {
		case sensing <- r.Env():
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (d *Dev) cmd(c byte) error {
	if err := d.t.WriteUint8(uint16(d.addr), c); err != nil {
		return d.busErr(err)
	}
	return nil
}

func (d *Dev) busErr(err error) error {
	return fmt.Errorf("%w: %w", ErrBusFailure, err)
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("ms5803: %w", err)
}

// promCommand returns the read command of PROM word i.
func promCommand(i int) byte {
	if i < 0 || i >= promWords {
		panic(fmt.Sprintf("ms5803: PROM index %d out of range", i))
	}
	return cmdPROMRead + byte(2*i)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
