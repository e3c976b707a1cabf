// station/station.go
//
// Package station owns the cooperative tick loop: a single goroutine with
// one timer that drives each sensor's acquisition cycle when its next
// deadline arrives, and publishes finished results on the internal bus.
// Scheduling here is deliberately thin; anything beyond tick cadence and
// publish belongs to the surrounding deployment.
package station

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"envsense-go/bus"
	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/types"
)

// Deps are the injected collaborators: the internal bus and the transport
// factories handed through to builders.
type Deps struct {
	Bus   *bus.Bus
	Buses I2CBusFactory
	Ports PortFactory
	Pins  PinFactory
	Clock clock.Clock
}

type entry struct {
	id     string
	cycle  *measure.Cycle
	vars   []types.Variable
	driver string

	every   time.Duration // 0 = on demand only
	nextDue time.Time     // next periodic kick-off, zero when on demand

	pending  bool
	watchdog time.Time     // fail-safe deadline for the in-flight cycle
	budget   time.Duration // per-cycle watchdog allowance
}

type readReq struct {
	id    string
	reply chan error
}

// Station drives the registered sensors.
type Station struct {
	conn    *bus.Connection
	clk     clock.Clock
	entries map[string]*entry
	order   []string
	reqQ    chan readReq
	timer   *clock.Timer

	running atomic.Bool
	done    chan struct{} // closed when Run returns
}

// New resolves every configured sensor through the builder registry. Power
// lines are resolved here so drivers never see pin numbers.
func New(cfg Config, deps Deps) (*Station, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Station{
		conn:    deps.Bus.NewConnection("station"),
		clk:     clk,
		entries: map[string]*entry{},
		reqQ:    make(chan readReq, 8),
		done:    make(chan struct{}),
	}
	claimed := map[int]string{}
	for _, sc := range cfg.Sensors {
		b, ok := findBuilder(sc.Model)
		if !ok {
			return nil, &errcode.E{C: errcode.UnknownModel, Op: "station.New", Msg: sc.Model}
		}
		var line measure.PowerLine
		if sc.PowerPin != nil && *sc.PowerPin >= 0 {
			if deps.Pins == nil {
				return nil, &errcode.E{C: errcode.UnknownPin, Op: "station.New", Msg: sc.ID}
			}
			// A cycle powers its line off after publishing, so two
			// sensors sharing one pin would cut each other's power
			// mid-acquisition.
			if owner, dup := claimed[*sc.PowerPin]; dup {
				return nil, &errcode.E{C: errcode.PinInUse, Op: "station.New", Msg: sc.ID + ": pin held by " + owner}
			}
			claimed[*sc.PowerPin] = sc.ID
			l, ok := deps.Pins.ByNumber(*sc.PowerPin)
			if !ok {
				return nil, &errcode.E{C: errcode.UnknownPin, Op: "station.New", Msg: sc.ID}
			}
			line = l
		}
		out, err := b.Build(BuildInput{
			ID:      sc.ID,
			Model:   sc.Model,
			Params:  sc.Params,
			Average: sc.Average,
			Line:    line,
			Buses:   deps.Buses,
			Ports:   deps.Ports,
			Clock:   clk,
		})
		if err != nil {
			return nil, err
		}
		e := &entry{
			id:     sc.ID,
			cycle:  out.Cycle,
			vars:   out.Vars,
			driver: out.Driver,
			every:  time.Duration(sc.EveryMS) * time.Millisecond,
			budget: cycleBudget(out.Cycle.Config()),
		}
		out.Cycle.OnResult = func(r measure.Result) { s.onResult(e, r) }
		s.entries[sc.ID] = e
		s.order = append(s.order, sc.ID)
	}
	return s, nil
}

// cycleBudget is the watchdog allowance for one full cycle: every configured
// window, once per averaged attempt, plus slack for a slow transport. It
// bounds the stall a stuck phase can cause.
func cycleBudget(c measure.Config) time.Duration {
	avg := c.Average
	if avg < 1 {
		avg = 1
	}
	d := c.WarmUp + c.Stabilization + time.Duration(avg)*c.Measurement
	return d + d/2 + time.Second
}

// Setup initializes every sensor and publishes the retained variable info
// documents. Sensors that fail setup abort the whole start; a station with
// half its transports down is better restarted than half-run.
func (s *Station) Setup(ctx context.Context) error {
	for _, id := range s.order {
		e := s.entries[id]
		if err := e.cycle.Setup(ctx); err != nil {
			return &errcode.E{C: errcode.NotSetup, Op: "station.Setup", Msg: id, Err: err}
		}
		for _, v := range e.vars {
			s.conn.Publish(&bus.Message{
				Topic:    bus.T("env", e.id, v.Code, "info"),
				Payload:  types.Info{SchemaVersion: 1, Driver: e.driver, Location: e.cycle.Location(), Variable: v},
				Retained: true,
			})
		}
	}
	s.publishState("idle", "setup_complete")
	return nil
}

// ReadNow requests a one-shot acquisition. A sensor with a cycle already in
// flight rejects the overlap; the caller decides whether to retry. Without a
// running loop there is nothing to serve the request, so ReadNow fails fast
// instead of parking the caller.
func (s *Station) ReadNow(id string) error {
	if !s.running.Load() {
		return errcode.NotSetup
	}
	req := readReq{id: id, reply: make(chan error, 1)}
	select {
	case s.reqQ <- req:
	default:
		return errcode.Busy
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		return errcode.NotSetup
	}
}

// Sensors lists the registered sensor ids in configuration order.
func (s *Station) Sensors() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Location returns a sensor's transport address string.
func (s *Station) Location(id string) (string, error) {
	e, ok := s.entries[id]
	if !ok {
		return "", errcode.UnknownSensor
	}
	return e.cycle.Location(), nil
}

// Variables returns a sensor's reported variables.
func (s *Station) Variables(id string) ([]types.Variable, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, errcode.UnknownSensor
	}
	return e.vars, nil
}

// Run drives the loop until ctx is canceled. Everything that touches cycle
// state happens on this goroutine; the shared transport buses are therefore
// serialized without locks.
func (s *Station) Run(ctx context.Context) {
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		close(s.done)
	}()

	now := s.clk.Now()
	for _, id := range s.order {
		e := s.entries[id]
		if e.every > 0 {
			e.nextDue = now
		}
	}
	s.publishState("running", "ok")

	s.timer = s.clk.Timer(time.Hour)
	s.stopTimer()

	for {
		if next := s.earliestDeadline(); next.IsZero() {
			s.resetTimer(time.Hour)
		} else {
			s.resetTimer(next.Sub(s.clk.Now()))
		}

		select {
		case <-ctx.Done():
			for _, id := range s.order {
				s.entries[id].cycle.Stop()
			}
			s.drainRequests()
			s.publishState("stopped", "context_cancelled")
			return

		case req := <-s.reqQ:
			e, ok := s.entries[req.id]
			if !ok {
				req.reply <- errcode.UnknownSensor
				continue
			}
			if e.pending {
				req.reply <- errcode.Busy
				continue
			}
			req.reply <- s.start(e)
			s.advance(ctx, e)

		case <-s.timer.C:
			s.tickAll(ctx)
		}
	}
}

// drainRequests answers every queued on-demand request with an error so no
// ReadNow caller is left waiting across shutdown.
func (s *Station) drainRequests() {
	for {
		select {
		case req := <-s.reqQ:
			req.reply <- errcode.NotSetup
		default:
			return
		}
	}
}

func (s *Station) tickAll(ctx context.Context) {
	now := s.clk.Now()
	for _, id := range s.order {
		e := s.entries[id]
		if !e.pending && !e.nextDue.IsZero() && !now.Before(e.nextDue) {
			if err := s.start(e); err != nil {
				s.publishFailure(e, errcode.Of(err))
				e.nextDue = now.Add(e.every)
				continue
			}
		}
		if e.pending {
			if !now.Before(e.watchdog) {
				// A phase that never elapses would stall the cycle
				// forever; cut it off and report the stall.
				e.cycle.Stop()
				e.pending = false
				s.publishFailure(e, errcode.Stalled)
				continue
			}
			s.advance(ctx, e)
		}
	}
}

// advance drains every immediately actionable transition so a finished
// measurement window runs collect and publish in one wake-up.
func (s *Station) advance(ctx context.Context, e *entry) {
	for e.pending && e.cycle.Tick(ctx) {
	}
}

func (s *Station) start(e *entry) error {
	if err := e.cycle.Start(); err != nil {
		return err
	}
	now := s.clk.Now()
	e.pending = true
	e.watchdog = now.Add(e.budget)
	if e.every > 0 {
		e.nextDue = now.Add(e.every)
	}
	return nil
}

func (s *Station) earliestDeadline() time.Time {
	var min time.Time
	for _, id := range s.order {
		e := s.entries[id]
		var t time.Time
		if e.pending {
			t = e.cycle.NextDeadline()
			if !e.watchdog.IsZero() && (t.IsZero() || e.watchdog.Before(t)) {
				t = e.watchdog
			}
		} else {
			t = e.nextDue
		}
		if t.IsZero() {
			continue
		}
		if min.IsZero() || t.Before(min) {
			min = t
		}
	}
	return min
}

// onResult is invoked from within Tick on the loop goroutine.
func (s *Station) onResult(e *entry, r measure.Result) {
	e.pending = false
	ts := r.When.UnixMilli()
	for _, v := range e.vars {
		if v.Slot >= len(r.Values) {
			continue
		}
		val := r.Values[v.Slot]
		good := r.Good[v.Slot]
		reading := types.Reading{
			Sensor: e.id,
			Code:   v.Code,
			Value:  v.Round(val),
			Good:   good,
			TSMs:   ts,
		}
		if good == 0 {
			reading.Value = measure.Sentinel
			// The sensor answering with garbage and the sensor not
			// answering at all are different field problems.
			if v.Slot < len(r.Invalid) && r.Invalid[v.Slot] > 0 {
				reading.Error = string(errcode.OutOfRange)
			} else {
				reading.Error = string(errcode.NoData)
			}
		}
		s.conn.Publish(&bus.Message{Topic: bus.T("env", e.id, v.Code), Payload: reading})
	}
}

// publishFailure emits sentinel readings with an error code for every slot,
// the same shape a failed acquisition produces.
func (s *Station) publishFailure(e *entry, code errcode.Code) {
	ts := s.clk.Now().UnixMilli()
	for _, v := range e.vars {
		s.conn.Publish(&bus.Message{
			Topic: bus.T("env", e.id, v.Code),
			Payload: types.Reading{
				Sensor: e.id,
				Code:   v.Code,
				Value:  measure.Sentinel,
				Error:  string(code),
				TSMs:   ts,
			},
		})
	}
}

func (s *Station) publishState(level, status string) {
	s.conn.Publish(&bus.Message{
		Topic:    bus.T("station", "state"),
		Payload:  types.StationState{Level: level, Status: status, TSMs: s.clk.Now().UnixMilli()},
		Retained: true,
	})
}

func (s *Station) resetTimer(d time.Duration) {
	s.stopTimer()
	if d < 0 {
		d = 0
	}
	s.timer.Reset(d)
}

func (s *Station) stopTimer() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}
