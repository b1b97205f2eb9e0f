package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kidoman/embd"
)

// Embd is a Transport over an embd I²C bus, for hosts where periph.io has no
// driver but the kernel i2c-dev interface is available.
type Embd struct {
	b     embd.I2CBus
	sleep func(time.Duration)
}

// NewEmbd wraps b. embd only understands 7 bit addresses.
func NewEmbd(b embd.I2CBus) *Embd {
	return &Embd{b: b, sleep: doSleep}
}

// WithSleep replaces the function used by Delay.
func (e *Embd) WithSleep(f func(time.Duration)) *Embd {
	e.sleep = f
	return e
}

func (e *Embd) String() string {
	return "embd"
}

func (e *Embd) WriteUint8(addr uint16, v uint8) error {
	a, err := e.addr(addr)
	if err != nil {
		return err
	}
	return e.wrap(addr, e.b.WriteByte(a, v))
}

func (e *Embd) WriteUint32(addr uint16, v uint32) error {
	a, err := e.addr(addr)
	if err != nil {
		return err
	}
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], v)
	return e.wrap(addr, e.b.WriteBytes(a, w[:]))
}

func (e *Embd) ReadUint8(addr uint16) (uint8, error) {
	a, err := e.addr(addr)
	if err != nil {
		return 0, err
	}
	v, err := e.b.ReadByte(a)
	return v, e.wrap(addr, err)
}

func (e *Embd) ReadUint16(addr uint16) (uint16, error) {
	r, err := e.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r), nil
}

func (e *Embd) ReadUint32(addr uint16) (uint32, error) {
	r, err := e.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r), nil
}

func (e *Embd) Delay(d time.Duration) {
	e.sleep(d)
}

// Close closes the underlying bus.
func (e *Embd) Close() error {
	return e.b.Close()
}

func (e *Embd) read(addr uint16, n int) ([]byte, error) {
	a, err := e.addr(addr)
	if err != nil {
		return nil, err
	}
	r, err := e.b.ReadBytes(a, n)
	if err != nil {
		return nil, e.wrap(addr, err)
	}
	if len(r) != n {
		return nil, e.wrap(addr, fmt.Errorf("short read: got %d bytes, want %d", len(r), n))
	}
	return r, nil
}

func (e *Embd) addr(addr uint16) (byte, error) {
	if addr > 0x7F {
		return 0, e.wrap(addr, fmt.Errorf("address out of 7 bit range"))
	}
	return byte(addr), nil
}

func (e *Embd) wrap(addr uint16, err error) error {
	if err == nil {
		return nil
	}
	return &BusError{Backend: "embd", Addr: addr, Err: err}
}

var _ Transport = &Embd{}
