// measure/power.go
package measure

import (
	"time"

	"github.com/benbjohnson/clock"
)

// PowerLine is the control line that switches a sensor's supply. Hardware
// implementations wrap a GPIO pin; AlwaysOn stands in for sensors wired
// straight to the rail.
type PowerLine interface {
	// ConfigureOutput claims the line as an output at the given level.
	ConfigureOutput(initial bool) error
	// Set drives the line.
	Set(on bool)
	// Number returns the pin number, or -1 when there is no physical line.
	Number() int
}

// AlwaysOn is the PowerLine for continuously powered sensors.
var AlwaysOn PowerLine = alwaysOn{}

type alwaysOn struct{}

func (alwaysOn) ConfigureOutput(bool) error { return nil }
func (alwaysOn) Set(bool)                   {}
func (alwaysOn) Number() int                { return -1 }

// Power governs one sensor's supply and remembers when it came up, which is
// the reference event for warm-up timing.
type Power struct {
	line PowerLine
	clk  clock.Clock

	on        bool
	poweredAt time.Time
}

// NewPower wraps a control line. A nil line means always-on.
func NewPower(line PowerLine, clk clock.Clock) *Power {
	if line == nil {
		line = AlwaysOn
	}
	if clk == nil {
		clk = clock.New()
	}
	p := &Power{line: line, clk: clk}
	if p.Continuous() {
		// No switch to throw; treat the rail as up from the start.
		p.on = true
		p.poweredAt = clk.Now()
	}
	return p
}

// Continuous reports whether the sensor has no switchable supply.
func (p *Power) Continuous() bool { return p.line.Number() < 0 }

// Setup claims the line as an output, left off. Always-on lines are a no-op.
func (p *Power) Setup() error {
	if p.Continuous() {
		return nil
	}
	return p.line.ConfigureOutput(false)
}

// On raises the line and stamps the warm-up reference. Raising an
// already-raised line keeps the original timestamp so warm-up timing is not
// restarted by a redundant call.
func (p *Power) On() time.Time {
	if !p.on {
		p.line.Set(true)
		p.on = true
		p.poweredAt = p.clk.Now()
	}
	return p.poweredAt
}

// Off drops the line and clears the warm-up reference. Callers must cancel
// any in-flight acquisition first; the cycle does this in PowerOff.
func (p *Power) Off() {
	if p.Continuous() {
		return
	}
	if p.on {
		p.line.Set(false)
	}
	p.on = false
	p.poweredAt = time.Time{}
}

// IsOn reports whether the supply is currently up.
func (p *Power) IsOn() bool { return p.on }

// PoweredAt returns the warm-up reference, zero when the supply is down.
func (p *Power) PoweredAt() time.Time { return p.poweredAt }
