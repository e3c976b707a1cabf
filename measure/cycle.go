// measure/cycle.go
//
// Package measure implements the timed acquisition cycle shared by every
// sensor driver in this library: power up, wait out the warm-up and
// stabilization windows, issue a measurement request, wait the measurement
// window, fetch and decode, then either loop for averaging or publish.
//
// The cycle never sleeps. The owning caller invokes Tick repeatedly (the
// station does this from a single timer loop) and each invocation performs at
// most one phase transition when its timing condition is satisfied, otherwise
// it returns without touching the transport.
package measure

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Phase is the lifecycle state of one acquisition cycle.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhasePowerOff
	PhaseWarmingUp
	PhaseStabilizing
	PhaseMeasuring
	PhaseResultReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePowerOff:
		return "power_off"
	case PhaseWarmingUp:
		return "warming_up"
	case PhaseStabilizing:
		return "stabilizing"
	case PhaseMeasuring:
		return "measuring"
	case PhaseResultReady:
		return "result_ready"
	case PhaseFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// ErrNoData signals that the transport answered with zero bytes: the sensor
// is absent, unpowered, or not done. Distinct from a reply that decodes out
// of range (StatusInvalid).
var ErrNoData = errNoData{}

type errNoData struct{}

func (errNoData) Error() string { return "no data" }

// Sampler is the transport face of one sensor: it issues measurement
// requests and fetches raw replies. Implementations wrap an I2C device, an
// SDI-12 port, or an ADC channel; they must not sleep.
type Sampler interface {
	// Setup performs one-time transport initialization.
	Setup(ctx context.Context) error
	// Location returns a human-readable address, e.g. "I2C_0x4D".
	Location() string
	// Request asks the sensor to begin a measurement. Sensors that measure
	// continuously (tip counters) make this a no-op.
	Request(ctx context.Context) error
	// Fetch reads the raw reply for the last request. Returns ErrNoData
	// when the transport produced no bytes.
	Fetch(ctx context.Context) ([]byte, error)
}

// Decoder turns one raw reply into typed slot values. It never fails
// outright: malformed or out-of-range input yields Invalid slots, which the
// cycle converts to sentinels at the publish boundary.
type Decoder interface {
	// Slots is the number of reported variables.
	Slots() int
	// Decode interprets one raw reply.
	Decode(raw []byte) []Value
}

// Config is the immutable per-sensor parameterization of the cycle. Set once
// at construction, never mutated.
type Config struct {
	Name string

	// WarmUp is the delay after power-on before output is electrically valid.
	WarmUp time.Duration
	// Stabilization is the additional settling delay after warm-up.
	Stabilization time.Duration
	// Measurement is the delay after a request before the result is readable.
	Measurement time.Duration

	// Average is how many readings to take and average per published result.
	// Values below 1 are treated as 1.
	Average int
}

func (c Config) averages() int {
	if c.Average < 1 {
		return 1
	}
	return c.Average
}

// Cycle drives one sensor through the acquisition state machine. All state
// is owned by the instance and mutated only by its own transitions; it is
// not safe for concurrent use and is meant to be driven from a single
// cooperative loop.
type Cycle struct {
	cfg     Config
	sampler Sampler
	dec     Decoder
	power   *Power
	clk     clock.Clock

	// OnResult, when set, receives each published Result. Called from
	// within Tick, on the caller's goroutine.
	OnResult func(Result)

	phase       Phase
	requestedAt time.Time
	taken       int // attempts completed this cycle, good or failed
	sums        []float64
	counts      []int
	invalids    []int // decoded-but-out-of-range readings per slot

	last    Result
	hasLast bool
}

// New builds a cycle from its collaborators. A nil line means the sensor is
// continuously powered; a nil clk selects the wall clock.
func New(cfg Config, s Sampler, d Decoder, line PowerLine, clk clock.Clock) *Cycle {
	if clk == nil {
		clk = clock.New()
	}
	n := d.Slots()
	return &Cycle{
		cfg:      cfg,
		sampler:  s,
		dec:      d,
		power:    NewPower(line, clk),
		clk:      clk,
		phase:    PhaseUninitialized,
		sums:     make([]float64, n),
		counts:   make([]int, n),
		invalids: make([]int, n),
	}
}

// Setup initializes the transport and claims the power line, then parks the
// cycle in PowerOff. Safe to call again after a failure.
func (c *Cycle) Setup(ctx context.Context) error {
	if err := c.sampler.Setup(ctx); err != nil {
		return err
	}
	if err := c.power.Setup(); err != nil {
		return err
	}
	c.phase = PhasePowerOff
	return nil
}

// Name returns the configured sensor name.
func (c *Cycle) Name() string { return c.cfg.Name }

// Config returns the immutable cycle configuration.
func (c *Cycle) Config() Config { return c.cfg }

// Location returns the sampler's transport address string.
func (c *Cycle) Location() string { return c.sampler.Location() }

// Phase returns the current lifecycle phase.
func (c *Cycle) Phase() Phase { return c.phase }

// Idle reports whether no acquisition is in flight.
func (c *Cycle) Idle() bool {
	return c.phase == PhaseUninitialized || c.phase == PhasePowerOff
}

// Start powers the sensor on and enters WarmingUp. Continuously powered
// sensors park in WarmingUp between cycles with their power reference
// retained, so starting from there is accepted and warm-up is already
// satisfied. Starting while a cycle is in flight is rejected; the caller
// queues or drops the request.
func (c *Cycle) Start() error {
	switch c.phase {
	case PhaseUninitialized:
		return ErrNotSetup
	case PhasePowerOff:
		c.power.On()
		c.phase = PhaseWarmingUp
		return nil
	case PhaseWarmingUp:
		return nil
	default:
		return ErrBusy
	}
}

// Stop cancels any in-flight acquisition, discards partial averages and cuts
// power on switched lines. The next Start begins a fresh cycle.
func (c *Cycle) Stop() {
	if c.phase == PhaseUninitialized {
		return
	}
	c.reset()
	c.power.Off()
	c.phase = PhasePowerOff
}

// Tick advances the state machine by at most one transition. It returns true
// when a transition happened. Before a phase's deadline it is a no-op: no
// state change and no transport I/O.
func (c *Cycle) Tick(ctx context.Context) bool {
	now := c.clk.Now()
	switch c.phase {
	case PhaseWarmingUp:
		if !Elapsed(now, c.power.PoweredAt(), c.cfg.WarmUp) {
			return false
		}
		c.phase = PhaseStabilizing
		return true

	case PhaseStabilizing:
		if !Elapsed(now, c.power.PoweredAt(), c.cfg.WarmUp+c.cfg.Stabilization) {
			return false
		}
		c.request(ctx)
		return true

	case PhaseMeasuring:
		if !Elapsed(now, c.requestedAt, c.cfg.Measurement) {
			return false
		}
		c.collect(ctx)
		return true

	case PhaseResultReady, PhaseFailed:
		if c.taken < c.cfg.averages() {
			c.request(ctx)
		} else {
			c.publish(now)
		}
		return true

	default:
		return false
	}
}

// NextDeadline returns the instant the current phase becomes actionable:
// zero when nothing is scheduled (PowerOff, Uninitialized), now when the
// phase is immediately actionable. Callers arm their wake-up timer with it.
func (c *Cycle) NextDeadline() time.Time {
	switch c.phase {
	case PhaseWarmingUp:
		return c.power.PoweredAt().Add(c.cfg.WarmUp)
	case PhaseStabilizing:
		return c.power.PoweredAt().Add(c.cfg.WarmUp + c.cfg.Stabilization)
	case PhaseMeasuring:
		return c.requestedAt.Add(c.cfg.Measurement)
	case PhaseResultReady, PhaseFailed:
		return c.clk.Now()
	default:
		return time.Time{}
	}
}

// Result returns the most recently published result, if any.
func (c *Cycle) Result() (Result, bool) { return c.last, c.hasLast }

// request issues the measurement request and stamps the measurement window.
// A transport failure consumes one attempt with no reading for every slot.
func (c *Cycle) request(ctx context.Context) {
	if err := c.sampler.Request(ctx); err != nil {
		c.record(nil)
		c.phase = PhaseFailed
		return
	}
	c.requestedAt = c.clk.Now()
	c.phase = PhaseMeasuring
}

// collect fetches and decodes one reading, then clears the request stamp so
// a subsequent attempt starts clean whether or not this one succeeded.
func (c *Cycle) collect(ctx context.Context) {
	raw, err := c.sampler.Fetch(ctx)
	c.requestedAt = time.Time{}
	if err != nil {
		c.record(nil)
		c.phase = PhaseFailed
		return
	}
	vals := c.dec.Decode(raw)
	ok := c.record(vals)
	if ok {
		c.phase = PhaseResultReady
	} else {
		c.phase = PhaseFailed
	}
}

// record folds one reading into the accumulators. A nil reading stands for
// "transport gave nothing": every slot counts as NoReading. Valid slots are
// accumulated even when a sibling slot is bad; Invalid slots are tallied
// separately so the publish boundary can tell a glitched sensor from an
// absent one. Returns true when every slot was valid.
func (c *Cycle) record(vals []Value) bool {
	c.taken++
	if vals == nil {
		return false
	}
	ok := true
	for i := 0; i < len(c.sums); i++ {
		if i >= len(vals) || vals[i].Status != StatusValid {
			ok = false
			if i < len(vals) && vals[i].Status == StatusInvalid {
				c.invalids[i]++
			}
			continue
		}
		c.sums[i] += vals[i].V
		c.counts[i]++
	}
	return ok
}

// publish emits the per-slot mean of the valid readings, substitutes the
// sentinel for slots that never produced one, and resets for the next cycle.
// Continuously powered sensors go straight back to WarmingUp (which their
// zero reference satisfies immediately); switched sensors power down.
func (c *Cycle) publish(now time.Time) {
	r := Result{
		Values:  make([]float64, len(c.sums)),
		Good:    make([]int, len(c.counts)),
		Invalid: make([]int, len(c.invalids)),
		Taken:   c.taken,
		When:    now,
	}
	for i := range c.sums {
		r.Invalid[i] = c.invalids[i]
		if c.counts[i] > 0 {
			r.Values[i] = c.sums[i] / float64(c.counts[i])
			r.Good[i] = c.counts[i]
		} else {
			r.Values[i] = Sentinel
		}
	}
	c.last = r
	c.hasLast = true
	c.reset()
	if c.power.Continuous() {
		c.phase = PhaseWarmingUp
	} else {
		c.power.Off()
		c.phase = PhasePowerOff
	}
	if c.OnResult != nil {
		c.OnResult(r)
	}
}

func (c *Cycle) reset() {
	c.requestedAt = time.Time{}
	c.taken = 0
	for i := range c.sums {
		c.sums[i] = 0
		c.counts[i] = 0
		c.invalids[i] = 0
	}
}

// ErrNotSetup is returned by Start before a successful Setup.
var ErrNotSetup = errNotSetup{}

// ErrBusy is returned by Start while an acquisition is in flight. Only one
// cycle per sensor may be pending; rejecting the overlap is the caller's
// signal to queue or drop.
var ErrBusy = errBusy{}

type errNotSetup struct{}

func (errNotSetup) Error() string { return "not set up" }

type errBusy struct{}

func (errBusy) Error() string { return "measurement in flight" }
