// drivers/hydros21/hydros21.go
//
// Package hydros21 drives a Meter Hydros 21 (Decagon CTD-10) sonde over
// SDI-12. One measurement reports water depth, temperature and specific
// conductance as three sign-delimited fields in a single data page.
package hydros21

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/transport/sdi12"
	"envsense-go/types"
	"envsense-go/x/mathx"
)

// Sensor timing, from the Meter integrator guide.
const (
	WarmUp      = 500 * time.Millisecond
	Measurement = 500 * time.Millisecond
)

// Result slots, in wire order.
const (
	SlotDepth = 0 // water depth above the sensor, mm
	SlotTemp  = 1 // water temperature, °C
	SlotCond  = 2 // specific conductance, µS/cm
)

// Config assembles the driver's collaborators.
type Config struct {
	Name string
	Port sdi12.Port
	// Address is the sensor's SDI-12 address character.
	Address byte
	Average int
	Line    measure.PowerLine
	Clock   clock.Clock
}

// New builds the acquisition cycle for one sonde.
func New(cfg Config) (*measure.Cycle, error) {
	if cfg.Port == nil {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "hydros21.New", Msg: "nil port"}
	}
	dev, err := sdi12.NewDevice(cfg.Port, cfg.Address)
	if err != nil {
		return nil, err
	}
	c := measure.New(measure.Config{
		Name:        cfg.Name,
		WarmUp:      WarmUp,
		Measurement: Measurement,
		Average:     cfg.Average,
	}, &Sampler{dev: dev}, Decoder{}, cfg.Line, cfg.Clock)
	return c, nil
}

// Variables describes the three reported slots.
func Variables() []types.Variable {
	return []types.Variable{
		{Slot: SlotDepth, Name: "waterDepth", Unit: "millimeter", Resolution: 1, Code: "CTDdepth"},
		{Slot: SlotTemp, Name: "temperature", Unit: "degreeCelsius", Resolution: 2, Code: "CTDtemp"},
		{Slot: SlotCond, Name: "specificConductance", Unit: "microsiemenPerCentimeter", Resolution: 1, Code: "CTDcond"},
	}
}

// Sampler speaks the SDI-12 measure/data sequence.
type Sampler struct {
	dev *sdi12.Device
}

// Setup probes the line with an acknowledge so a miswired or misaddressed
// sonde fails at start-up rather than on the first reading.
func (s *Sampler) Setup(ctx context.Context) error {
	return s.dev.Ack(ctx)
}

func (s *Sampler) Location() string { return s.dev.Location() }

// Request starts a measurement. The sonde's own readiness estimate from the
// "atttn" reply is ignored; the fixed measurement window already covers it.
func (s *Sampler) Request(ctx context.Context) error {
	_, _, err := s.dev.Measure(ctx)
	return err
}

// Fetch reads data page 0, which carries all three values.
func (s *Sampler) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := s.dev.Data(ctx, 0)
	if err != nil {
		return nil, measure.ErrNoData
	}
	return []byte(resp), nil
}

// Decoder parses the sign-delimited fields and applies each slot's physical
// range: depth 0..10000 mm, temperature -11..49 °C, conductance
// 0..120000 µS/cm. Fields the sonde did not send are missing readings,
// fields outside their range are invalid ones.
type Decoder struct{}

func (Decoder) Slots() int { return 3 }

var ranges = [3][2]float64{
	{0, 10000},
	{-11, 49},
	{0, 120000},
}

func (Decoder) Decode(raw []byte) []measure.Value {
	out := []measure.Value{measure.NoReading(), measure.NoReading(), measure.NoReading()}
	_, fields, err := sdi12.Fields(string(raw))
	if err != nil {
		return out
	}
	for i := 0; i < len(out) && i < len(fields); i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil || !mathx.Between(v, ranges[i][0], ranges[i][1]) {
			out[i] = measure.Invalid()
			continue
		}
		out[i] = measure.Valid(v)
	}
	return out
}
