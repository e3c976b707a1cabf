// station/registry.go
package station

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"

	"envsense-go/measure"
	"envsense-go/transport/sdi12"
	"envsense-go/types"
)

// I2CBusFactory injects configured I2C buses by id.
type I2CBusFactory interface {
	ByID(id string) (drivers.I2C, bool)
}

// PortFactory injects configured SDI-12 ports by id.
type PortFactory interface {
	ByID(id string) (sdi12.Port, bool)
}

// PinFactory supplies power lines by the configured pin number.
type PinFactory interface {
	ByNumber(n int) (measure.PowerLine, bool)
}

// BuildInput is provided to a sensor builder. The station resolves the power
// line from config before calling Build; drivers never touch pin numbers.
type BuildInput struct {
	ID      string
	Model   string
	Params  json.RawMessage
	Average int
	Line    measure.PowerLine // nil = continuously powered
	Buses   I2CBusFactory
	Ports   PortFactory
	Clock   clock.Clock
}

// BuildOutput is returned by a builder.
type BuildOutput struct {
	Cycle  *measure.Cycle
	Vars   []types.Variable
	Driver string // short driver name for info documents
}

// Builder constructs a sensor's acquisition cycle from config and injected
// transports.
type Builder interface {
	Build(in BuildInput) (BuildOutput, error)
}

var (
	muBuilders sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBuilder installs a builder for a given sensor model string.
// It panics on duplicate registration to catch mistakes at start-up.
func RegisterBuilder(model string, b Builder) {
	muBuilders.Lock()
	defer muBuilders.Unlock()
	if model == "" {
		panic("station: empty model for builder")
	}
	if _, exists := builders[model]; exists {
		panic(fmt.Sprintf("station: builder already registered for model %q", model))
	}
	builders[model] = b
}

// findBuilder looks up a registered builder by model.
func findBuilder(model string) (Builder, bool) {
	muBuilders.RLock()
	defer muBuilders.RUnlock()
	b, ok := builders[model]
	return b, ok
}
