package config

import (
	"encoding/json"
	"time"

	"github.com/pingcap/errors"
)

// Duration is a time.Duration that reads and writes as a string like "10s"
// in toml and json.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Trace(err)
	}
	return d.UnmarshalText([]byte(s))
}

// Set implements pflag.Value so that durations can be bound to flags.
func (d *Duration) Set(s string) error {
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) Type() string {
	return "duration"
}
