// drivers/extvoltage/builder.go
package extvoltage

import (
	"envsense-go/errcode"
	"envsense-go/station"
)

// Model is the config string that selects this driver.
const Model = "ext_voltage"

// Params is the model-specific config blob.
type Params struct {
	// Bus is the I2C bus id, e.g. "i2c0".
	Bus string `json:"bus"`
	// Addr overrides the ADC address when non-zero.
	Addr uint16 `json:"addr,omitempty"`
	// Channel selects the single-ended input, 0..3.
	Channel int `json:"channel,omitempty"`
	// Scale multiplies the measured voltage (divider ratio).
	Scale float64 `json:"scale,omitempty"`
	// Offset is added after scaling.
	Offset float64 `json:"offset,omitempty"`
}

type builder struct{}

func init() { station.RegisterBuilder(Model, builder{}) }

func (builder) Build(in station.BuildInput) (station.BuildOutput, error) {
	var p Params
	if err := station.DecodeParams(in.Params, &p); err != nil {
		return station.BuildOutput{}, err
	}
	bus, ok := in.Buses.ByID(p.Bus)
	if !ok {
		return station.BuildOutput{}, &errcode.E{
			C: errcode.UnknownBus, Op: "extvoltage.Build",
			Msg: "no such i2c bus: " + p.Bus,
		}
	}
	c, err := New(Config{
		Name:    in.ID,
		Bus:     bus,
		Addr:    p.Addr,
		Channel: p.Channel,
		Scale:   p.Scale,
		Offset:  p.Offset,
		Average: in.Average,
		Line:    in.Line,
		Clock:   in.Clock,
	})
	if err != nil {
		return station.BuildOutput{}, err
	}
	return station.BuildOutput{Cycle: c, Vars: Variables(), Driver: Model}, nil
}
