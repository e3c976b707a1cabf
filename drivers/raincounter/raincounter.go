// drivers/raincounter/raincounter.go
//
// Package raincounter reads an external tip-bucket counter over I2C: an
// attached board tallies reed-switch tips and serves the count as two
// little-endian bytes. The counter accumulates continuously, so there is no
// warm-up, stabilization or conversion delay and no measurement request to
// issue; a read is just "fetch two bytes".
package raincounter

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"

	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/types"
)

// Address is the counter board's factory I2C address.
const Address = 0x08

// DefaultRainPerTip is the rain depth per tip event in millimeters, the
// usual calibration for a 0.01" funnel bucket.
const DefaultRainPerTip = 0.2

// Result slots.
const (
	SlotRain = 0 // rain depth, mm
	SlotTips = 1 // tip events
)

// Config assembles the driver's collaborators and calibration.
type Config struct {
	Name string
	Bus  drivers.I2C
	// Addr defaults to Address if zero.
	Addr uint16
	// RainPerTip defaults to DefaultRainPerTip if zero.
	RainPerTip float64
	// Average is the number of readings per published result.
	Average int
	// Line switches sensor power; nil means continuously powered, which is
	// the norm for a counter that must not miss tips between readings.
	Line  measure.PowerLine
	Clock clock.Clock
}

// New builds the acquisition cycle for one counter.
func New(cfg Config) (*measure.Cycle, error) {
	if cfg.Bus == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "raincounter.New", Msg: "nil bus"}
	}
	if cfg.Addr == 0 {
		cfg.Addr = Address
	}
	if cfg.RainPerTip == 0 {
		cfg.RainPerTip = DefaultRainPerTip
	}
	s := &Sampler{bus: cfg.Bus, addr: cfg.Addr}
	c := measure.New(measure.Config{
		Name: cfg.Name,
		// The counter is always ready; all three windows are zero.
		Average: cfg.Average,
	}, s, Decoder{RainPerTip: cfg.RainPerTip}, cfg.Line, cfg.Clock)
	return c, nil
}

// Variables describes the two reported slots.
func Variables() []types.Variable {
	return []types.Variable{
		{Slot: SlotRain, Name: "precipitation", Unit: "millimeter", Resolution: 2, Code: "TBRain"},
		{Slot: SlotTips, Name: "tipCount", Unit: "event", Resolution: 0, Code: "TBTips"},
	}
}

// Sampler fetches the raw two-byte count.
type Sampler struct {
	bus  drivers.I2C
	addr uint16
	buf  [2]byte
}

// Setup is a no-op: the shared bus is initialized when it is opened, and the
// counter needs no per-device configuration.
func (s *Sampler) Setup(context.Context) error { return nil }

func (s *Sampler) Location() string { return fmt.Sprintf("I2C_0x%X", s.addr) }

// Request is a no-op; the board counts continuously.
func (s *Sampler) Request(context.Context) error { return nil }

// Fetch reads the two-byte tip count. A failed transaction means the board
// put nothing on the bus.
func (s *Sampler) Fetch(context.Context) ([]byte, error) {
	if err := s.bus.Tx(s.addr, nil, s.buf[:]); err != nil {
		return nil, measure.ErrNoData
	}
	return s.buf[:], nil
}

// Decoder interprets the reply: low byte first, signed 16-bit tip count,
// scaled by the per-tip rain depth. A negative count is corrupted or
// overflowed data and invalidates both slots; "no bytes" must surface as the
// sentinel rather than a reading of zero.
type Decoder struct {
	RainPerTip float64
}

func (Decoder) Slots() int { return 2 }

func (d Decoder) Decode(raw []byte) []measure.Value {
	if len(raw) < 2 {
		return []measure.Value{measure.NoReading(), measure.NoReading()}
	}
	tips := int16(raw[1])<<8 | int16(raw[0])
	if tips < 0 {
		return []measure.Value{measure.Invalid(), measure.Invalid()}
	}
	rain := float64(tips) * d.RainPerTip
	return []measure.Value{measure.Valid(rain), measure.Valid(float64(tips))}
}
