// Package mprls drives the Honeywell MPRLS board mount pressure sensor over
// I²C.
//
// A measurement is started with a 4 byte command, the status byte is polled
// until the busy flag clears, then status and the 24 bit pressure count are
// read back together. The count is converted to hPa through a linear
// transfer function.
package mprls

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"PressureServer/diag"
	"PressureServer/transport"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Addr is an I²C address the MPRLS is sold with.
type Addr uint16

const (
	I2C08 Addr = 0x08
	// I2C18 is the default address.
	I2C18 Addr = 0x18
	I2C28 Addr = 0x28
	I2C38 Addr = 0x38
)

// Valid reports whether the device can be strapped to a.
func (a Addr) Valid() bool {
	switch a {
	case I2C08, I2C18, I2C28, I2C38:
		return true
	}
	return false
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%02x", uint16(a))
}

// ParseAddr accepts the address in any base strconv understands.
func ParseAddr(s string) (Addr, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("mprls: invalid address %q: %v", s, err)
	}
	a := Addr(v)
	if !a.Valid() {
		return 0, fmt.Errorf("mprls: address %s not supported by device", a)
	}
	return a, nil
}

// Status is the status byte returned ahead of every result.
type Status uint8

const (
	Saturated   Status = 0x01 // internal math saturation
	MemoryError Status = 0x04 // integrity test failed
	Busy        Status = 0x20
	Powered     Status = 0x40
)

// Sentinels returned by ReadRaw in place of a count. They are kept for
// compatibility with callers comparing raw values; Read reports the same
// conditions as errors.
const (
	SentinelBusy      uint32 = 0xFFFFFFF1
	SentinelSaturated uint32 = 0xFFFFFFF2
	SentinelError     uint32 = 0xFFFFFFF3
)

var (
	ErrBusy       = errors.New("sensor busy")
	ErrSaturated  = errors.New("math saturation")
	ErrSensor     = errors.New("sensor integrity error")
	ErrBusFailure = errors.New("bus failure")
)

const (
	cmdMeasure uint32 = 0xAA000000

	pollAttempts = 50
	pollDelay    = 10 * time.Millisecond

	// PSIToHPa converts psi to hPa.
	PSIToHPa = 68.947572932
)

// Transfer maps the raw 24 bit count linearly onto a pressure range in psi.
type Transfer struct {
	// CountMin and CountMax are the counts at PSIMin and PSIMax.
	CountMin, CountMax uint32
	PSIMin, PSIMax     float64
}

// DefaultTransfer maps the whole 24 bit range onto 0-25 psi, so a count of 0
// is 0 hPa.
var DefaultTransfer = Transfer{
	CountMin: 0,
	CountMax: 1<<24 - 1,
	PSIMin:   0,
	PSIMax:   25,
}

// DatasheetTransfer is transfer function B of the datasheet: 10% to 90% of
// 2^24 counts over 0-25 psi.
var DatasheetTransfer = Transfer{
	CountMin: 0x19999A,
	CountMax: 0xE66666,
	PSIMin:   0,
	PSIMax:   25,
}

// PSI converts a raw count.
func (t Transfer) PSI(raw uint32) float64 {
	return (float64(raw)-float64(t.CountMin))*(t.PSIMax-t.PSIMin)/(float64(t.CountMax)-float64(t.CountMin)) + t.PSIMin
}

// HectoPascal converts a raw count.
func (t Transfer) HectoPascal(raw uint32) float64 {
	return t.PSI(raw) * PSIToHPa
}

func (t Transfer) validate() error {
	if t.CountMax <= t.CountMin {
		return fmt.Errorf("mprls: transfer count range [%d, %d] is empty", t.CountMin, t.CountMax)
	}
	if t.CountMax > 1<<24-1 {
		return fmt.Errorf("mprls: transfer count %d exceeds 24 bits", t.CountMax)
	}
	return nil
}

// Opts defines the options for the device.
type Opts struct {
	// Transfer defaults to DefaultTransfer when zero.
	Transfer Transfer
	// Sink receives the status byte, the raw count and the pressure of every
	// successful read. Leave nil to disable.
	Sink diag.Sink
}

// New returns a handle to an MPRLS at addr on t. The bus is not touched.
func New(t transport.Transport, addr Addr, opts *Opts) (*Dev, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("mprls: address %s not supported by device", addr)
	}
	d := &Dev{t: t, addr: addr, transfer: DefaultTransfer}
	if opts != nil {
		d.sink = opts.Sink
		if opts.Transfer != (Transfer{}) {
			if err := opts.Transfer.validate(); err != nil {
				return nil, err
			}
			d.transfer = opts.Transfer
		}
	}
	return d, nil
}

// NewI2C returns an object that communicates over I²C to an MPRLS.
func NewI2C(b i2c.Bus, addr Addr, opts *Opts) (*Dev, error) {
	return New(transport.NewPeriph(b), addr, opts)
}

// Dev is a handle to an MPRLS.
type Dev struct {
	t        transport.Transport
	addr     Addr
	transfer Transfer
	sink     diag.Sink

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) String() string {
	return fmt.Sprintf("MPRLS{%s}", d.addr)
}

// Transfer returns the transfer function in use.
func (d *Dev) Transfer() Transfer {
	return d.transfer
}

// ReadRaw runs one measurement and returns the 24 bit count.
//
// The status byte is polled up to 50 times, 10ms apart. Running out of
// attempts is not an error by itself: the result is read anyway and its own
// status byte decides. When that status reports busy, saturation or a memory
// error, in this order of precedence, the matching sentinel is returned along
// with ErrBusy, ErrSaturated or ErrSensor.
func (d *Dev) ReadRaw() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readRaw()
	if err != nil {
		return v, d.wrap(err)
	}
	return v, nil
}

// Read returns the pressure in hPa, or an error telling the failure kinds
// apart.
func (d *Dev) Read() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hpa, err := d.read()
	if err != nil {
		return 0, d.wrap(err)
	}
	return hpa, nil
}

// Query returns the pressure in hPa, or -1 on any failure.
//
// The reason of the failure is discarded; use Read to get it.
func (d *Dev) Query() float64 {
	hpa, err := d.Read()
	if err != nil {
		return -1
	}
	return hpa
}

// Sense implements physic.SenseEnv. Only pressure is measured.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	hpa, err := d.read()
	if err != nil {
		return d.wrap(err)
	}
	e.Pressure = hectoPascal(hpa)
	return nil
}

// SenseContinuous returns measurements on a continuous basis.
//
// The application must call Halt() to stop the sensing when done.
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

// Precision implements physic.SenseEnv. It is one count of the transfer
// function.
func (d *Dev) Precision(e *physic.Env) {
	e.Pressure = hectoPascal(d.transfer.HectoPascal(d.transfer.CountMin+1) - d.transfer.HectoPascal(d.transfer.CountMin))
}

// Halt stops continuous sensing.
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

func (d *Dev) read() (float64, error) {
	raw, err := d.readRaw()
	if err != nil {
		return 0, err
	}
	hpa := d.transfer.HectoPascal(raw)
	diag.Emit(d.sink, "hPa", hpa)
	return hpa, nil
}

func (d *Dev) readRaw() (uint32, error) {
	addr := uint16(d.addr)
	if err := d.t.WriteUint32(addr, cmdMeasure); err != nil {
		return 0, d.busErr(err)
	}
	for i := 0; i < pollAttempts; i++ {
		s, err := d.t.ReadUint8(addr)
		if err != nil {
			return 0, d.busErr(err)
		}
		if Status(s)&Busy == 0 {
			break
		}
		d.t.Delay(pollDelay)
	}
	v, err := d.t.ReadUint32(addr)
	if err != nil {
		return 0, d.busErr(err)
	}
	status := Status(v >> 24)
	raw := v & 0xFFFFFF
	diag.Emit(d.sink, "status", float64(status))
	switch {
	case status&Busy != 0:
		return SentinelBusy, ErrBusy
	case status&Saturated != 0:
		return SentinelSaturated, ErrSaturated
	case status&MemoryError != 0:
		return SentinelError, ErrSensor
	}
	diag.Emit(d.sink, "raw", float64(raw))
	return raw, nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		d.mu.Lock()
		hpa, err := d.read()
		d.mu.Unlock()
		if err != nil {
			log.Printf("%s: failed to sense: %v", d, err)
			return
		}
		select {
		case sensing <- physic.Env{Pressure: hectoPascal(hpa)}:
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

func (d *Dev) busErr(err error) error {
	return fmt.Errorf("%w: %w", ErrBusFailure, err)
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("mprls: %w", err)
}

// HectoPascal is the unit Read and Query report in.
const HectoPascal = 100 * physic.Pascal

// hectoPascal converts to periph units, rounded to the nanopascal.
func hectoPascal(hpa float64) physic.Pressure {
	return physic.Pressure(math.Round(hpa * float64(HectoPascal)))
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
