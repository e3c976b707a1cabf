// drivers/hydros21/builder.go
package hydros21

import (
	"envsense-go/errcode"
	"envsense-go/station"
)

// Model is the config string that selects this driver.
const Model = "hydros21"

// Params is the model-specific config blob.
type Params struct {
	// Port is the SDI-12 port id, e.g. "sdi0".
	Port string `json:"port"`
	// Address is the sensor's address character, "0" by default.
	Address string `json:"address,omitempty"`
}

type builder struct{}

func init() { station.RegisterBuilder(Model, builder{}) }

func (builder) Build(in station.BuildInput) (station.BuildOutput, error) {
	p := Params{Address: "0"}
	if err := station.DecodeParams(in.Params, &p); err != nil {
		return station.BuildOutput{}, err
	}
	if len(p.Address) != 1 {
		return station.BuildOutput{}, &errcode.E{
			C: errcode.InvalidParams, Op: "hydros21.Build",
			Msg: "address must be one character: " + p.Address,
		}
	}
	port, ok := in.Ports.ByID(p.Port)
	if !ok {
		return station.BuildOutput{}, &errcode.E{
			C: errcode.UnknownPort, Op: "hydros21.Build",
			Msg: "no such sdi-12 port: " + p.Port,
		}
	}
	c, err := New(Config{
		Name:    in.ID,
		Port:    port,
		Address: p.Address[0],
		Average: in.Average,
		Line:    in.Line,
		Clock:   in.Clock,
	})
	if err != nil {
		return station.BuildOutput{}, err
	}
	return station.BuildOutput{Cycle: c, Vars: Variables(), Driver: Model}, nil
}
