// drivers/atlasph/atlasph.go
//
// Package atlasph drives an Atlas Scientific EZO pH circuit over I2C. The
// circuit speaks an ASCII command protocol: write "R" to start a reading,
// wait out the processing time, then read back a status byte followed by a
// null-terminated decimal string.
package atlasph

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"

	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/types"
	"envsense-go/x/mathx"
)

// Address is the circuit's factory I2C address.
const Address = 0x63

// Electrode warm-up and reading processing times, from the EZO datasheet.
const (
	WarmUp      = 850 * time.Millisecond
	Measurement = 1660 * time.Millisecond
)

// Reply status bytes.
const (
	statusOK         = 1
	statusProcessing = 254
	statusNoData     = 255
)

// replyLen bounds one read: status byte plus the longest decimal reply.
const replyLen = 40

// SlotPH is the single reported slot.
const SlotPH = 0

// Config assembles the driver's collaborators.
type Config struct {
	Name string
	Bus  drivers.I2C
	// Addr defaults to Address if zero.
	Addr    uint16
	Average int
	Line    measure.PowerLine
	Clock   clock.Clock
}

// New builds the acquisition cycle for one circuit.
func New(cfg Config) (*measure.Cycle, error) {
	if cfg.Bus == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "atlasph.New", Msg: "nil bus"}
	}
	if cfg.Addr == 0 {
		cfg.Addr = Address
	}
	s := &Sampler{bus: cfg.Bus, addr: cfg.Addr}
	c := measure.New(measure.Config{
		Name:        cfg.Name,
		WarmUp:      WarmUp,
		Measurement: Measurement,
		Average:     cfg.Average,
	}, s, Decoder{}, cfg.Line, cfg.Clock)
	return c, nil
}

// Variables describes the reported slot.
func Variables() []types.Variable {
	return []types.Variable{
		{Slot: SlotPH, Name: "pH", Unit: "pH", Resolution: 3, Code: "AtlaspH"},
	}
}

// Sampler speaks the EZO ASCII protocol.
type Sampler struct {
	bus  drivers.I2C
	addr uint16
	buf  [replyLen]byte
}

// Setup is a no-op; the circuit needs no configuration beyond its address.
func (s *Sampler) Setup(context.Context) error { return nil }

func (s *Sampler) Location() string { return fmt.Sprintf("I2C_0x%X", s.addr) }

// Request issues the single-reading command.
func (s *Sampler) Request(context.Context) error {
	return s.bus.Tx(s.addr, []byte("R"), nil)
}

// Fetch reads the status byte and reply string.
func (s *Sampler) Fetch(context.Context) ([]byte, error) {
	if err := s.bus.Tx(s.addr, nil, s.buf[:]); err != nil {
		return nil, measure.ErrNoData
	}
	return s.buf[:], nil
}

// Decoder interprets one EZO reply. Status 255 means the circuit has nothing
// to report, which is a missing reading rather than a bad one; 254 means the
// processing window was too short and the value is not yet there. Anything
// else that is not a clean success invalidates the reading, as does a pH
// outside the 0..14 electrode range.
type Decoder struct{}

func (Decoder) Slots() int { return 1 }

func (Decoder) Decode(raw []byte) []measure.Value {
	if len(raw) < 2 {
		return []measure.Value{measure.NoReading()}
	}
	switch raw[0] {
	case statusOK:
	case statusNoData, statusProcessing:
		return []measure.Value{measure.NoReading()}
	default:
		return []measure.Value{measure.Invalid()}
	}
	body := raw[1:]
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	ph, err := strconv.ParseFloat(string(body), 64)
	if err != nil || !mathx.Between(ph, 0, 14) {
		return []measure.Value{measure.Invalid()}
	}
	return []measure.Value{measure.Valid(ph)}
}
