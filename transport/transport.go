// Package transport is the byte oriented I²C layer the sensor drivers talk
// through.
//
// Every operation addresses a device by its 7 bit bus address and blocks until
// the bus transaction is complete. Multi-byte values are big-endian on the
// wire.
package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// Transport is implemented by every bus backend.
type Transport interface {
	// WriteUint8 sends a single command byte with no payload.
	WriteUint8(addr uint16, v uint8) error
	// WriteUint32 sends v as 4 bytes, most significant first.
	WriteUint32(addr uint16, v uint32) error
	ReadUint8(addr uint16) (uint8, error)
	ReadUint16(addr uint16) (uint16, error)
	ReadUint32(addr uint16) (uint32, error)
	// Delay blocks the caller for d.
	Delay(d time.Duration)
}

// Periph is a Transport over a periph.io I²C bus.
type Periph struct {
	b     i2c.Bus
	sleep func(time.Duration)
}

// NewPeriph returns a Transport that issues every operation as one Tx on b.
func NewPeriph(b i2c.Bus) *Periph {
	return &Periph{b: b, sleep: doSleep}
}

// WithSleep replaces the function used by Delay. It is meant for tests.
func (p *Periph) WithSleep(f func(time.Duration)) *Periph {
	p.sleep = f
	return p
}

func (p *Periph) String() string {
	return fmt.Sprintf("periph{%s}", p.b)
}

func (p *Periph) WriteUint8(addr uint16, v uint8) error {
	return p.tx(addr, []byte{v}, nil)
}

func (p *Periph) WriteUint32(addr uint16, v uint32) error {
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], v)
	return p.tx(addr, w[:], nil)
}

func (p *Periph) ReadUint8(addr uint16) (uint8, error) {
	var r [1]byte
	if err := p.tx(addr, nil, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (p *Periph) ReadUint16(addr uint16) (uint16, error) {
	var r [2]byte
	if err := p.tx(addr, nil, r[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r[:]), nil
}

func (p *Periph) ReadUint32(addr uint16) (uint32, error) {
	var r [4]byte
	if err := p.tx(addr, nil, r[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r[:]), nil
}

func (p *Periph) Delay(d time.Duration) {
	p.sleep(d)
}

func (p *Periph) tx(addr uint16, w, r []byte) error {
	if err := p.b.Tx(addr, w, r); err != nil {
		return &BusError{Backend: "periph", Addr: addr, Err: err}
	}
	return nil
}

// BusError reports a failed bus transaction.
type BusError struct {
	Backend string
	Addr    uint16
	Err     error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("%s: i2c 0x%02x: %v", e.Backend, e.Addr, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

var doSleep = time.Sleep

var _ Transport = &Periph{}
