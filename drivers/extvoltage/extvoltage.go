// drivers/extvoltage/extvoltage.go
//
// Package extvoltage measures an external DC voltage through an ADS1115
// 16-bit ADC: one single-shot conversion per reading, ±4.096 V full scale,
// with a configurable scale for an upstream divider and a calibration
// offset.
package extvoltage

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"

	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/types"
)

// Address is the ADC's default I2C address (ADDR pin to GND).
const Address = 0x48

// Register pointers.
const (
	pointerConv   = 0x00
	pointerConfig = 0x01
)

// pgaFS is the programmed full-scale range in volts.
const pgaFS = 4.096

// A single-shot conversion at 128 SPS finishes within 8 ms; the window adds
// headroom for bus latency.
const (
	WarmUp      = 2 * time.Millisecond
	Measurement = 10 * time.Millisecond
)

// SlotVoltage is the single reported slot.
const SlotVoltage = 0

// Config assembles the driver's collaborators and calibration.
type Config struct {
	Name string
	Bus  drivers.I2C
	// Addr defaults to Address if zero.
	Addr uint16
	// Channel selects the single-ended input, 0..3.
	Channel int
	// Scale multiplies the measured voltage, e.g. the ratio of an input
	// divider. Defaults to 1.
	Scale float64
	// Offset is added after scaling.
	Offset  float64
	Average int
	Line    measure.PowerLine
	Clock   clock.Clock
}

// New builds the acquisition cycle for one ADC channel.
func New(cfg Config) (*measure.Cycle, error) {
	if cfg.Bus == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "extvoltage.New", Msg: "nil bus"}
	}
	if cfg.Channel < 0 || cfg.Channel > 3 {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "extvoltage.New",
			Msg: fmt.Sprintf("channel %d", cfg.Channel)}
	}
	if cfg.Addr == 0 {
		cfg.Addr = Address
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	s := &Sampler{bus: cfg.Bus, addr: cfg.Addr, channel: cfg.Channel}
	c := measure.New(measure.Config{
		Name:        cfg.Name,
		WarmUp:      WarmUp,
		Measurement: Measurement,
		Average:     cfg.Average,
	}, s, Decoder{Scale: cfg.Scale, Offset: cfg.Offset}, cfg.Line, cfg.Clock)
	return c, nil
}

// Variables describes the reported slot.
func Variables() []types.Variable {
	return []types.Variable{
		{Slot: SlotVoltage, Name: "voltage", Unit: "volt", Resolution: 4, Code: "ExtVolt"},
	}
}

// Sampler drives single-shot conversions.
type Sampler struct {
	bus     drivers.I2C
	addr    uint16
	channel int
	buf     [2]byte
}

func (s *Sampler) Setup(context.Context) error { return nil }

func (s *Sampler) Location() string { return fmt.Sprintf("I2C_0x%X", s.addr) }

// Request writes the config register: start a single conversion on the
// selected channel, ±4.096 V, 128 SPS, comparator disabled.
func (s *Sampler) Request(context.Context) error {
	cfg := uint16(0x8000) // OS = 1, start conversion
	cfg |= uint16(0x4+s.channel) << 12
	cfg |= 0x1 << 9 // PGA ±4.096 V
	cfg |= 1 << 8   // single-shot
	cfg |= 0x4 << 5 // 128 SPS
	cfg |= 0x3      // comparator disabled
	return s.bus.Tx(s.addr, []byte{pointerConfig, byte(cfg >> 8), byte(cfg)}, nil)
}

// Fetch reads the big-endian signed conversion result.
func (s *Sampler) Fetch(context.Context) ([]byte, error) {
	if err := s.bus.Tx(s.addr, []byte{pointerConv}, s.buf[:]); err != nil {
		return nil, measure.ErrNoData
	}
	return s.buf[:], nil
}

// Decoder converts the raw count to volts. A single-ended input never reads
// meaningfully negative; more than a diode drop below ground means a wiring
// fault.
type Decoder struct {
	Scale  float64
	Offset float64
}

func (Decoder) Slots() int { return 1 }

func (d Decoder) Decode(raw []byte) []measure.Value {
	if len(raw) < 2 {
		return []measure.Value{measure.NoReading()}
	}
	count := int16(raw[0])<<8 | int16(raw[1])
	v := float64(count)*pgaFS/32768.0*d.Scale + d.Offset
	if v < -0.3*d.Scale {
		return []measure.Value{measure.Invalid()}
	}
	return []measure.Value{measure.Valid(v)}
}
