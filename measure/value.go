// measure/value.go
package measure

import "time"

// Sentinel is the reserved reading published in place of a real value when a
// slot could not be measured. It is kept for wire compatibility with deployed
// logging systems; inside the library a Value carries an explicit status and
// the sentinel appears only at the publish boundary.
const Sentinel = -9999

// Status classifies one decoded slot.
type Status uint8

const (
	// StatusNoReading: the transport produced no bytes for this slot.
	StatusNoReading Status = iota
	// StatusInvalid: bytes arrived but decoded outside the physically
	// valid range (negative tip count, unparseable reply, ...).
	StatusInvalid
	// StatusValid: a usable reading.
	StatusValid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "no_reading"
	}
}

// Value is one decoded slot: a number plus how much to trust it.
type Value struct {
	Status Status
	V      float64
}

// Valid wraps a usable reading.
func Valid(v float64) Value { return Value{Status: StatusValid, V: v} }

// Invalid marks a slot whose bytes decoded out of range.
func Invalid() Value { return Value{Status: StatusInvalid} }

// NoReading marks a slot the transport never answered for.
func NoReading() Value { return Value{Status: StatusNoReading} }

// Publish converts to the wire representation: the value itself when valid,
// the sentinel otherwise. Never 0 and never NaN for a failed slot.
func (v Value) Publish() float64 {
	if v.Status == StatusValid {
		return v.V
	}
	return Sentinel
}

// Result is one finished acquisition cycle: the per-slot mean of the valid
// readings collected, already sentinel-substituted for slots that never
// produced a valid reading. Produced fresh each cycle and handed to the
// publish callback; the cycle does not retain it beyond the next run.
type Result struct {
	Values  []float64 // published value per slot (mean or Sentinel)
	Good    []int     // valid readings that went into each slot's mean
	Invalid []int     // readings that decoded but failed the validity check
	Taken   int       // measurement attempts this cycle (good or failed)
	When    time.Time
}

// OK reports whether every slot ended with at least one valid reading.
func (r Result) OK() bool {
	for _, n := range r.Good {
		if n == 0 {
			return false
		}
	}
	return len(r.Good) > 0
}
