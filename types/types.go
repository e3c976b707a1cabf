// types/types.go
package types

import "math"

// ---- Variable metadata (retained info documents) ----

// Variable describes one reported quantity of a sensor: which result slot it
// comes from, what it is called, and how many decimal places are meaningful.
type Variable struct {
	Slot       int    `json:"slot"`
	Name       string `json:"name"` // e.g. "precipitation", "pH", "waterDepth"
	Unit       string `json:"unit"` // e.g. "millimeter", "degreeCelsius"
	Resolution int    `json:"resolution"`
	Code       string `json:"code"`           // short file/column code, e.g. "TBRain"
	UUID       string `json:"uuid,omitempty"` // registry identifier, caller-assigned
}

// Round trims a value to the variable's resolution. Sentinel and other
// failure values pass through untouched.
func (v Variable) Round(x float64) float64 {
	if v.Resolution <= 0 {
		return math.Round(x)
	}
	p := math.Pow10(v.Resolution)
	return math.Round(x*p) / p
}

// Info is the retained envelope each sensor publishes for every variable.
type Info struct {
	SchemaVersion int      `json:"schema_version"`
	Driver        string   `json:"driver"`
	Location      string   `json:"location"` // transport address string
	Variable      Variable `json:"variable"`
}

// ---- Readings (bus payloads) ----

// Reading is one published value for one variable slot.
type Reading struct {
	Sensor string  `json:"sensor"`
	Code   string  `json:"code"`
	Value  float64 `json:"value"` // sentinel-substituted at this boundary
	Good   int     `json:"good"`  // valid raw readings behind the value
	Error  string  `json:"error,omitempty"`
	TSMs   int64   `json:"ts_ms"`
}

// ---- Station state (retained) ----

type StationState struct {
	Level  string `json:"level"`  // "idle", "running", "stopped"
	Status string `json:"status"` // freeform short code
	TSMs   int64  `json:"ts_ms"`
}
