// measure/cycle_test.go
package measure

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// Compile-time checks.
var (
	_ Sampler = (*fakeSampler)(nil)
	_ Decoder = (*countDecoder)(nil)
)

// fakeSampler scripts raw replies and counts transport traffic.
type fakeSampler struct {
	replies  [][]byte // consumed one per Fetch
	fetchErr []error  // parallel to replies; nil entry = success
	reqErr   error

	setups   int
	requests int
	fetches  int
}

func (f *fakeSampler) Setup(context.Context) error { f.setups++; return nil }
func (f *fakeSampler) Location() string            { return "I2C_0x4D" }

func (f *fakeSampler) Request(context.Context) error {
	f.requests++
	return f.reqErr
}

func (f *fakeSampler) Fetch(context.Context) ([]byte, error) {
	i := f.fetches
	f.fetches++
	if i < len(f.fetchErr) && f.fetchErr[i] != nil {
		return nil, f.fetchErr[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return nil, ErrNoData
}

// countDecoder decodes a 2-byte little-endian signed count; negative counts
// are invalid.
type countDecoder struct{}

func (countDecoder) Slots() int { return 1 }

func (countDecoder) Decode(raw []byte) []Value {
	if len(raw) < 2 {
		return []Value{NoReading()}
	}
	n := int16(raw[1])<<8 | int16(raw[0])
	if n < 0 {
		return []Value{Invalid()}
	}
	return []Value{Valid(float64(n))}
}

func newTestCycle(t *testing.T, s Sampler, avg int, line PowerLine) (*Cycle, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c := New(Config{
		Name:          "counter0",
		WarmUp:        100 * time.Millisecond,
		Stabilization: 50 * time.Millisecond,
		Measurement:   200 * time.Millisecond,
		Average:       avg,
	}, s, countDecoder{}, line, mock)
	if err := c.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return c, mock
}

func TestCycleHappyPath(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0x05, 0x00}}}
	line := &fakeLine{n: 22}
	c, mock := newTestCycle(t, s, 1, line)

	var published []Result
	c.OnResult = func(r Result) { published = append(published, r) }

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.Phase() != PhaseWarmingUp {
		t.Fatalf("phase = %v, want warming_up", c.Phase())
	}

	// Ticks before the warm-up deadline: no state change, no I/O.
	mock.Add(99 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if c.Tick(ctx) {
			t.Fatal("tick before warm-up deadline must not advance")
		}
	}
	if s.requests != 0 || s.fetches != 0 {
		t.Fatal("early ticks must not touch the transport")
	}

	// Boundary inclusive: at exactly ref+warmUp the phase is elapsed.
	mock.Add(1 * time.Millisecond)
	if !c.Tick(ctx) || c.Phase() != PhaseStabilizing {
		t.Fatalf("phase = %v, want stabilizing", c.Phase())
	}

	// Stabilization runs from the same power-on reference.
	if c.Tick(ctx) {
		t.Fatal("stabilization not elapsed yet")
	}
	mock.Add(50 * time.Millisecond)
	if !c.Tick(ctx) || c.Phase() != PhaseMeasuring {
		t.Fatalf("phase = %v, want measuring", c.Phase())
	}
	if s.requests != 1 {
		t.Fatalf("requests = %d, want 1", s.requests)
	}

	// Not ready before request+measurement.
	mock.Add(199 * time.Millisecond)
	if c.Tick(ctx) || s.fetches != 0 {
		t.Fatal("fetch must wait out the measurement window")
	}
	mock.Add(1 * time.Millisecond)
	if !c.Tick(ctx) || c.Phase() != PhaseResultReady {
		t.Fatalf("phase = %v, want result_ready", c.Phase())
	}

	// One more tick publishes and powers down the switched line.
	if !c.Tick(ctx) {
		t.Fatal("publish tick should advance")
	}
	if c.Phase() != PhasePowerOff || line.level {
		t.Fatalf("after publish: phase = %v, line on = %v", c.Phase(), line.level)
	}
	if len(published) != 1 {
		t.Fatalf("published %d results, want 1", len(published))
	}
	r := published[0]
	if r.Values[0] != 5 || r.Good[0] != 1 || r.Taken != 1 {
		t.Fatalf("result = %+v, want value 5 from 1 good reading", r)
	}
}

func runToResult(t *testing.T, ctx context.Context, c *Cycle, mock *clock.Mock) Result {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var out *Result
	prev := c.OnResult
	c.OnResult = func(r Result) {
		out = &r
		if prev != nil {
			prev(r)
		}
	}
	for i := 0; i < 1000 && out == nil; i++ {
		if !c.Tick(ctx) {
			mock.Add(10 * time.Millisecond)
		}
	}
	c.OnResult = prev
	if out == nil {
		t.Fatal("cycle never published")
	}
	return *out
}

func TestCycleAveraging(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0x02, 0x00}, {0x04, 0x00}, {0x06, 0x00}}}
	c, mock := newTestCycle(t, s, 3, &fakeLine{n: 22})

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != 4.0 {
		t.Fatalf("mean = %v, want 4.0", r.Values[0])
	}
	if r.Good[0] != 3 || r.Taken != 3 {
		t.Fatalf("good/taken = %d/%d, want 3/3", r.Good[0], r.Taken)
	}
	if s.requests != 3 || s.fetches != 3 {
		t.Fatalf("transport traffic = %d req / %d fetch, want 3/3", s.requests, s.fetches)
	}
}

func TestCycleNoDataPublishesSentinel(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{fetchErr: []error{ErrNoData}}
	c, mock := newTestCycle(t, s, 1, &fakeLine{n: 22})

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != Sentinel {
		t.Fatalf("value = %v, want sentinel", r.Values[0])
	}
	if r.Good[0] != 0 || r.Taken != 1 {
		t.Fatalf("good/taken = %d/%d, want 0/1", r.Good[0], r.Taken)
	}
	if r.Invalid[0] != 0 {
		t.Fatalf("invalid = %d, want 0 for a silent transport", r.Invalid[0])
	}

	// Local recovery: the next cycle runs cleanly.
	s.replies = [][]byte{nil, {0x07, 0x00}}
	s.fetchErr = []error{ErrNoData, nil}
	r = runToResult(t, ctx, c, mock)
	if r.Values[0] != 7 {
		t.Fatalf("recovered value = %v, want 7", r.Values[0])
	}
}

func TestCycleInvalidDecodePublishesSentinel(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0xFF, 0xFF}}} // -1: corrupt counter
	c, mock := newTestCycle(t, s, 1, &fakeLine{n: 22})

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != Sentinel {
		t.Fatalf("value = %v, want sentinel for negative count", r.Values[0])
	}
	if r.Invalid[0] != 1 {
		t.Fatalf("invalid = %d, want 1: the counter answered, badly", r.Invalid[0])
	}

	// The tally does not leak into the next cycle.
	s.replies = [][]byte{nil, {0x03, 0x00}}
	r = runToResult(t, ctx, c, mock)
	if r.Invalid[0] != 0 || r.Values[0] != 3 {
		t.Fatalf("result = %+v, want a clean second cycle", r)
	}
}

func TestCycleAveragingSkipsBadReadings(t *testing.T) {
	ctx := context.Background()
	// Middle attempt yields nothing; mean is over the two good readings.
	s := &fakeSampler{
		replies:  [][]byte{{0x02, 0x00}, nil, {0x06, 0x00}},
		fetchErr: []error{nil, ErrNoData, nil},
	}
	c, mock := newTestCycle(t, s, 3, &fakeLine{n: 22})

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != 4.0 || r.Good[0] != 2 || r.Taken != 3 {
		t.Fatalf("result = %+v, want mean 4.0 of 2 good out of 3", r)
	}
}

func TestCycleRequestFailureConsumesAttempt(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{reqErr: ErrNoData}
	c, mock := newTestCycle(t, s, 1, &fakeLine{n: 22})

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != Sentinel || r.Taken != 1 {
		t.Fatalf("result = %+v, want sentinel from one failed attempt", r)
	}
	if s.fetches != 0 {
		t.Fatal("a failed request must not be followed by a fetch")
	}
}

func TestCycleStopDiscardsPartialAverages(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0x02, 0x00}, {0x04, 0x00}, {0x06, 0x00}}}
	line := &fakeLine{n: 22}
	c, mock := newTestCycle(t, s, 3, line)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Run through the first reading, then cancel mid-cycle.
	mock.Add(150 * time.Millisecond)
	c.Tick(ctx) // -> stabilizing
	c.Tick(ctx) // -> measuring
	mock.Add(200 * time.Millisecond)
	c.Tick(ctx) // -> result_ready (1 of 3)
	c.Stop()

	if c.Phase() != PhasePowerOff || line.level {
		t.Fatal("Stop should cancel the cycle and cut power")
	}
	if _, ok := c.Result(); ok {
		t.Fatal("no result should be published for a canceled cycle")
	}

	// A fresh cycle starts from zero accumulated readings.
	r := runToResult(t, ctx, c, mock)
	if r.Taken != 3 {
		t.Fatalf("taken = %d, want 3 fresh attempts", r.Taken)
	}
}

func TestCycleStartWhileBusy(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0x01, 0x00}}}
	c, mock := newTestCycle(t, s, 1, &fakeLine{n: 22})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mock.Add(150 * time.Millisecond)
	c.Tick(ctx)
	c.Tick(ctx) // measuring
	if err := c.Start(); err != ErrBusy {
		t.Fatalf("Start while measuring = %v, want ErrBusy", err)
	}
}

func TestCycleContinuousPowerParksWarm(t *testing.T) {
	ctx := context.Background()
	s := &fakeSampler{replies: [][]byte{{0x03, 0x00}, {0x08, 0x00}}}
	c, mock := newTestCycle(t, s, 1, nil) // always-on

	r := runToResult(t, ctx, c, mock)
	if r.Values[0] != 3 {
		t.Fatalf("first value = %v, want 3", r.Values[0])
	}
	if c.Phase() != PhaseWarmingUp {
		t.Fatalf("continuous sensor parked in %v, want warming_up", c.Phase())
	}

	// Next round: Start is accepted from the parked state and warm-up is
	// already satisfied by the retained power reference.
	r = runToResult(t, ctx, c, mock)
	if r.Values[0] != 8 {
		t.Fatalf("second value = %v, want 8", r.Values[0])
	}
}
