// transport/i2chost/i2chost.go
//
// Package i2chost adapts periph.io host buses and pins to the interfaces the
// drivers consume: drivers.I2C for transports and measure.PowerLine for
// switched sensor power. Which bus or pin a sensor uses is decided at
// runtime from configuration; nothing here is selected at build time.
package i2chost

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"

	"envsense-go/errcode"
	"envsense-go/measure"
)

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// Bus wraps one opened host I2C bus. All sensors on the same physical bus
// share one Bus and are serialized by the station's single tick loop.
type Bus struct {
	bus i2c.BusCloser
}

// Open opens a host I2C bus by registry name ("1", "/dev/i2c-1", ...).
func Open(name string) (*Bus, error) {
	if err := initHost(); err != nil {
		return nil, &errcode.E{C: errcode.UnknownBus, Op: "i2chost.Open", Err: err}
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, &errcode.E{C: errcode.UnknownBus, Op: "i2chost.Open", Msg: name, Err: err}
	}
	return &Bus{bus: b}, nil
}

func (b *Bus) Close() error { return b.bus.Close() }

// I2C exposes the bus through the drivers.I2C transaction interface.
// periph's Tx has the same write-then-repeated-start-read contract.
func (b *Bus) I2C() drivers.I2C { return txer{bus: b.bus} }

type txer struct {
	bus i2c.Bus
}

func (t txer) Tx(addr uint16, w, r []byte) error { return t.bus.Tx(addr, w, r) }

// Pin resolves a host GPIO by name into a sensor power line.
func Pin(name string) (measure.PowerLine, error) {
	if err := initHost(); err != nil {
		return nil, &errcode.E{C: errcode.UnknownPin, Op: "i2chost.Pin", Err: err}
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, &errcode.E{C: errcode.UnknownPin, Op: "i2chost.Pin", Msg: name}
	}
	return line{p: p}, nil
}

type line struct {
	p gpio.PinIO
}

func (l line) ConfigureOutput(initial bool) error { return l.p.Out(gpio.Level(initial)) }
func (l line) Set(on bool)                        { _ = l.p.Out(gpio.Level(on)) }
func (l line) Number() int                        { return l.p.Number() }
