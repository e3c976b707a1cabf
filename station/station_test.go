// station/station_test.go
package station

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"

	"envsense-go/bus"
	"envsense-go/errcode"
	"envsense-go/measure"
	"envsense-go/transport/sdi12"
	"envsense-go/types"
)

// ---- fake sensor model -------------------------------------------------

// fakeParams configures the scripted probe from the sensor's params blob.
type fakeParams struct {
	Value   float64 `json:"value"`
	WarmMS  int     `json:"warm_ms"`
	MeasMS  int     `json:"meas_ms"`
	Fail    bool    `json:"fail"`
	Garbage bool    `json:"garbage"`
}

type fakeSampler struct {
	fail    bool
	fetches int
}

func (s *fakeSampler) Setup(context.Context) error { return nil }
func (s *fakeSampler) Location() string            { return "FAKE_0" }
func (s *fakeSampler) Request(context.Context) error {
	if s.fail {
		return errors.New("probe: request refused")
	}
	return nil
}
func (s *fakeSampler) Fetch(context.Context) ([]byte, error) {
	s.fetches++
	return []byte{1}, nil
}

type fakeDecoder struct {
	value   float64
	garbage bool // reply decodes but fails the range check
}

func (fakeDecoder) Slots() int { return 1 }
func (d fakeDecoder) Decode([]byte) []measure.Value {
	if d.garbage {
		return []measure.Value{measure.Invalid()}
	}
	return []measure.Value{measure.Valid(d.value)}
}

type fakeBuilder struct{}

func init() { RegisterBuilder("fake_probe", fakeBuilder{}) }

func (fakeBuilder) Build(in BuildInput) (BuildOutput, error) {
	var p fakeParams
	if err := DecodeParams(in.Params, &p); err != nil {
		return BuildOutput{}, err
	}
	c := measure.New(measure.Config{
		Name:        in.ID,
		WarmUp:      time.Duration(p.WarmMS) * time.Millisecond,
		Measurement: time.Duration(p.MeasMS) * time.Millisecond,
		Average:     in.Average,
	}, &fakeSampler{fail: p.Fail}, fakeDecoder{value: p.Value, garbage: p.Garbage}, in.Line, in.Clock)
	return BuildOutput{
		Cycle:  c,
		Vars:   []types.Variable{{Slot: 0, Name: "level", Unit: "unit", Resolution: 2, Code: "FP"}},
		Driver: "fake_probe",
	}, nil
}

// ---- fake factories ----------------------------------------------------

type noFactories struct{}

func (noFactories) ByID(string) (drivers.I2C, bool)        { return nil, false }
func (noFactories) ByNumber(int) (measure.PowerLine, bool) { return nil, false }

type noPorts struct{}

func (noPorts) ByID(string) (sdi12.Port, bool) { return nil, false }

type fakeLine struct{ n int }

func (l *fakeLine) ConfigureOutput(bool) error { return nil }
func (l *fakeLine) Set(bool)                   {}
func (l *fakeLine) Number() int                { return l.n }

// fakePins hands out a switchable line for any pin number.
type fakePins struct{}

func (fakePins) ByID(string) (drivers.I2C, bool) { return nil, false }
func (fakePins) ByNumber(n int) (measure.PowerLine, bool) {
	return &fakeLine{n: n}, true
}

// ---- helpers -----------------------------------------------------------

func stationConfig(t *testing.T, doc string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func newStation(t *testing.T, doc string, mock *clock.Mock) (*Station, *bus.Bus) {
	t.Helper()
	b := bus.NewBus(16)
	s, err := New(stationConfig(t, doc), Deps{
		Bus:   b,
		Buses: noFactories{},
		Ports: noPorts{},
		Pins:  noFactories{},
		Clock: mock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return s, b
}

// waitReading pumps the mock clock until a message arrives or the real-time
// cap runs out.
func waitReading(t *testing.T, mock *clock.Mock, sub *bus.Subscription) types.Reading {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			return m.Payload.(types.Reading)
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("no reading arrived")
	return types.Reading{}
}

// waitRunning blocks until Run's loop has come up.
func waitRunning(t *testing.T, s *Station) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.running.Load() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("loop never started")
}

// ---- tests -------------------------------------------------------------

func TestSetupPublishesInfo(t *testing.T) {
	mock := clock.NewMock()
	_, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","params":{"value":1.5}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP", "info"))
	select {
	case m := <-sub.Channel():
		info := m.Payload.(types.Info)
		if info.Driver != "fake_probe" || info.Location != "FAKE_0" {
			t.Errorf("info = %+v", info)
		}
		if info.Variable.Code != "FP" {
			t.Errorf("variable = %+v", info.Variable)
		}
	default:
		t.Fatal("info document not retained")
	}
}

func TestPeriodicReadings(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","every_ms":1000,"params":{"value":4.2}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r1 := waitReading(t, mock, sub)
	if r1.Value != 4.2 || r1.Good != 1 || r1.Error != "" {
		t.Errorf("first reading = %+v", r1)
	}
	r2 := waitReading(t, mock, sub)
	if r2.TSMs <= r1.TSMs {
		t.Errorf("second reading not later: %d then %d", r1.TSMs, r2.TSMs)
	}
}

func TestReadNow(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","params":{"value":7.0,"meas_ms":10000}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitRunning(t, s)

	if err := s.ReadNow("p0"); err != nil {
		t.Fatalf("ReadNow: %v", err)
	}
	// The measurement window is still open: a second request must be
	// rejected, not queued behind the first.
	if err := s.ReadNow("p0"); !errors.Is(err, errcode.Busy) {
		t.Fatalf("overlapping ReadNow: %v, want busy", err)
	}
	if err := s.ReadNow("ghost"); !errors.Is(err, errcode.UnknownSensor) {
		t.Fatalf("unknown sensor: %v", err)
	}

	r := waitReading(t, mock, sub)
	if r.Value != 7.0 {
		t.Errorf("reading = %+v", r)
	}
}

func TestRequestFailurePublishesSentinel(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","every_ms":1000,"params":{"fail":true}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r := waitReading(t, mock, sub)
	if r.Value != measure.Sentinel {
		t.Errorf("value = %v, want sentinel", r.Value)
	}
	if r.Error == "" {
		t.Error("failed reading carries no error code")
	}
}

func TestOutOfRangeReadingsPublishDistinctError(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","every_ms":1000,"params":{"garbage":true}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The sensor answered and the reply decoded, but the value failed
	// the range check. That is not the same story as a silent sensor.
	r := waitReading(t, mock, sub)
	if r.Value != measure.Sentinel {
		t.Errorf("value = %v, want sentinel", r.Value)
	}
	if r.Error != string(errcode.OutOfRange) {
		t.Errorf("error = %q, want %q", r.Error, errcode.OutOfRange)
	}
}

func TestReadNowBeforeRun(t *testing.T) {
	mock := clock.NewMock()
	s, _ := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","params":{"value":1.0}}
	]}`, mock)

	// No loop is serving the queue; blocking here would hang the caller.
	if err := s.ReadNow("p0"); !errors.Is(err, errcode.NotSetup) {
		t.Fatalf("ReadNow without a loop: %v, want not_setup", err)
	}
}

func TestReadNowAfterShutdown(t *testing.T) {
	mock := clock.NewMock()
	s, _ := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","params":{"value":1.0}}
	]}`, mock)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	waitRunning(t, s)
	cancel()
	<-s.done

	if err := s.ReadNow("p0"); !errors.Is(err, errcode.NotSetup) {
		t.Fatalf("ReadNow after shutdown: %v, want not_setup", err)
	}
}

func TestDuplicatePowerPinRejected(t *testing.T) {
	_, err := New(stationConfig(t, `{"sensors":[
		{"id":"a","model":"fake_probe","power_pin":22},
		{"id":"b","model":"fake_probe","power_pin":22}
	]}`), Deps{
		Bus:   bus.NewBus(8),
		Pins:  fakePins{},
		Clock: clock.NewMock(),
	})
	if err == nil {
		t.Fatal("expected error for shared power pin")
	}
	if errcode.Of(err) != errcode.PinInUse {
		t.Errorf("code = %v, want pin_in_use", errcode.Of(err))
	}
}

func TestWatchdogCutsStalledCycle(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","params":{"value":1.0,"meas_ms":5000}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	e := s.entries["p0"]
	if err := s.start(e); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Force the fail-safe: pretend the budget was exhausted with the
	// cycle still in flight.
	e.watchdog = mock.Now().Add(-time.Second)
	s.tickAll(context.Background())

	if e.pending {
		t.Error("entry still pending after watchdog")
	}
	if !e.cycle.Idle() {
		t.Errorf("cycle phase = %v, want idle", e.cycle.Phase())
	}
	select {
	case m := <-sub.Channel():
		r := m.Payload.(types.Reading)
		if r.Value != measure.Sentinel || r.Error != string(errcode.Stalled) {
			t.Errorf("stall reading = %+v", r)
		}
	default:
		t.Fatal("no stall reading published")
	}
}

func TestRoundingAtPublish(t *testing.T) {
	mock := clock.NewMock()
	s, b := newStation(t, `{"sensors":[
		{"id":"p0","model":"fake_probe","every_ms":1000,"params":{"value":3.14159}}
	]}`, mock)

	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.T("env", "p0", "FP"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r := waitReading(t, mock, sub)
	if r.Value != 3.14 {
		t.Errorf("value = %v, want 3.14 (resolution 2)", r.Value)
	}
}

func TestUnknownModelRejected(t *testing.T) {
	_, err := New(stationConfig(t, `{"sensors":[{"id":"x","model":"nope"}]}`), Deps{
		Bus:   bus.NewBus(8),
		Clock: clock.NewMock(),
	})
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if errcode.Of(err) != errcode.UnknownModel {
		t.Errorf("code = %v, want unknown_model", errcode.Of(err))
	}
}

func TestSensorAccessors(t *testing.T) {
	mock := clock.NewMock()
	s, _ := newStation(t, `{"sensors":[
		{"id":"a","model":"fake_probe"},
		{"id":"b","model":"fake_probe"}
	]}`, mock)

	ids := s.Sensors()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("sensors = %v", ids)
	}
	loc, err := s.Location("a")
	if err != nil || loc != "FAKE_0" {
		t.Errorf("location = %q, %v", loc, err)
	}
	vars, err := s.Variables("b")
	if err != nil || len(vars) != 1 || vars[0].Code != "FP" {
		t.Errorf("variables = %v, %v", vars, err)
	}
	if _, err := s.Location("ghost"); !errors.Is(err, errcode.UnknownSensor) {
		t.Errorf("ghost location err = %v", err)
	}
}

func TestRegisterBuilderPanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterBuilder("fake_probe", fakeBuilder{})
}
