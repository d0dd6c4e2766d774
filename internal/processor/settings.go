package processor

import (
	"strconv"
	"time"
)

// Option names recognized across backends. Individual processors document
// their own credential options on their Config.
const (
	OptUseSandbox  = "use_sandbox"
	OptContinueURL = "continue_url"
	OptNotifyURL   = "notify_url"
	OptSuccessURL  = "success_url"
	OptFailureURL  = "failure_url"
)

// Settings is the scoped per-backend configuration accessor. Values come
// from the BACKEND_SETTINGS mapping (slug -> option -> value).
type Settings struct {
	values map[string]string
}

// NewSettings wraps a backend's option map.
func NewSettings(values map[string]string) Settings {
	if values == nil {
		values = map[string]string{}
	}
	return Settings{values: values}
}

// String returns the option value or def when unset.
func (s Settings) String(name, def string) string {
	if v, ok := s.values[name]; ok {
		return v
	}
	return def
}

// Bool returns the option parsed as a boolean or def when unset/invalid.
func (s Settings) Bool(name string, def bool) bool {
	v, ok := s.values[name]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns the option parsed as an integer or def when unset/invalid.
func (s Settings) Int(name string, def int) int {
	v, ok := s.values[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns the option parsed as a time.Duration or def.
func (s Settings) Duration(name string, def time.Duration) time.Duration {
	v, ok := s.values[name]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
