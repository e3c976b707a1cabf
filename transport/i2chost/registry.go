// transport/i2chost/registry.go
package i2chost

import (
	"fmt"

	"tinygo.org/x/drivers"

	"envsense-go/measure"
)

// Registry maps configured ids to opened host buses and resolves power pins
// on demand. It satisfies the station's bus and pin factory interfaces.
type Registry struct {
	buses map[string]*Bus
	pins  map[int]measure.PowerLine
}

func NewRegistry() *Registry {
	return &Registry{
		buses: map[string]*Bus{},
		pins:  map[int]measure.PowerLine{},
	}
}

// OpenBus opens the named host bus and registers it under id.
func (r *Registry) OpenBus(id, name string) error {
	b, err := Open(name)
	if err != nil {
		return err
	}
	r.buses[id] = b
	return nil
}

func (r *Registry) ByID(id string) (drivers.I2C, bool) {
	b, ok := r.buses[id]
	if !ok {
		return nil, false
	}
	return b.I2C(), true
}

// ByNumber resolves pin n as the host GPIO of the same number, caching the
// claimed line.
func (r *Registry) ByNumber(n int) (measure.PowerLine, bool) {
	if l, ok := r.pins[n]; ok {
		return l, true
	}
	l, err := Pin(fmt.Sprintf("GPIO%d", n))
	if err != nil {
		return nil, false
	}
	r.pins[n] = l
	return l, true
}

// Close closes every opened bus.
func (r *Registry) Close() error {
	var first error
	for _, b := range r.buses {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
