// drivers/raincounter/builder.go
package raincounter

import (
	"envsense-go/errcode"
	"envsense-go/station"
)

// Model is the config string that selects this driver.
const Model = "rain_counter_i2c"

// Params is the model-specific config blob.
type Params struct {
	// Bus is the I2C bus id, e.g. "i2c0".
	Bus string `json:"bus"`
	// Addr overrides the factory address when non-zero.
	Addr uint16 `json:"addr,omitempty"`
	// RainPerTipMM overrides the per-tip calibration when non-zero.
	RainPerTipMM float64 `json:"rain_per_tip_mm,omitempty"`
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
			C: errcode.UnknownBus, Op: "raincounter.Build",
			Msg: "no such i2c bus: " + p.Bus,
		}
	}
	c, err := New(Config{
		Name:       in.ID,
		Bus:        bus,
		Addr:       p.Addr,
		RainPerTip: p.RainPerTipMM,
		Average:    in.Average,
		Line:       in.Line,
		Clock:      in.Clock,
	})
	if err != nil {
		return station.BuildOutput{}, err
	}
	return station.BuildOutput{Cycle: c, Vars: Variables(), Driver: Model}, nil
}
