// station/config.go
package station

import (
	"encoding/json"

	"envsense-go/errcode"
	"envsense-go/x/mathx"
)

// SensorConfig is one sensor entry in the station document. Params is the
// model-specific blob handed to the builder untouched.
type SensorConfig struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	// PowerPin selects the GPIO that switches sensor power; nil or -1
	// means continuously powered.
	PowerPin *int `json:"power_pin,omitempty"`
	// Average is the number of readings per published result, 1..100.
	Average int `json:"average,omitempty"`
	// EveryMS is the sampling period; 0 means on-demand only.
	EveryMS int             `json:"every_ms,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Config is the station document.
type Config struct {
	// QueueLen sizes bus subscription queues.
	QueueLen int            `json:"queue_len,omitempty"`
	Sensors  []SensorConfig `json:"sensors"`
}

// ParseConfig decodes and normalizes a station document.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &errcode.E{C: errcode.InvalidPayload, Op: "station.ParseConfig", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

// Validate checks the shape the builders rely on.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.ID == "" {
			return &errcode.E{C: errcode.InvalidParams, Op: "station.Validate", Msg: "sensor with empty id"}
		}
		if s.Model == "" {
			return &errcode.E{C: errcode.InvalidParams, Op: "station.Validate", Msg: "sensor " + s.ID + " has no model"}
		}
		if seen[s.ID] {
			return &errcode.E{C: errcode.InvalidParams, Op: "station.Validate", Msg: "duplicate sensor id " + s.ID}
		}
		seen[s.ID] = true
	}
	return nil
}

func (c *Config) normalize() {
	c.QueueLen = mathx.Clamp(c.QueueLen, 8, 256)
	for i := range c.Sensors {
		s := &c.Sensors[i]
		s.Average = mathx.Clamp(s.Average, 1, 100)
		if s.EveryMS < 0 {
			s.EveryMS = 0
		}
	}
}

// DecodeParams unmarshals a sensor's params blob into a builder's shape.
func DecodeParams[T any](src json.RawMessage, dst *T) error {
	if len(src) == 0 {
		return nil
	}
	if err := json.Unmarshal(src, dst); err != nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "station.DecodeParams", Err: err}
	}
	return nil
}
