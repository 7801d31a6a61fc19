// Package config loads engine settings from YAML or JSON.
//
// Config is a loose accessor over a decoded document. Settings is the typed
// view the engine consumes; every field is declared in Schema with its
// type, default and description, and Load rejects keys the schema does not
// know.
package config

import (
	"math"
	"time"
)

// Config wraps a decoded document for typed lookups. The accessors return
// the given default when a key is missing or its value has the wrong type.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string at key.
func (c Config) String(key, def string) string {
	if v, ok := c.lookupString(key); ok {
		return v
	}
	return def
}

// Int returns the integer at key. Floats with a fractional part are rejected.
func (c Config) Int(key string, def int) int {
	if v, ok := c.lookupInt(key); ok {
		return v
	}
	return def
}

// Float returns the number at key.
func (c Config) Float(key string, def float64) float64 {
	if v, ok := c.lookupFloat(key); ok {
		return v
	}
	return def
}

// Bool returns the boolean at key.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c.lookupBool(key); ok {
		return v
	}
	return def
}

// Duration returns the duration at key. Strings use time.ParseDuration;
// bare numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	if v, ok := c.lookupDuration(key); ok {
		return v
	}
	return def
}

// StringSlice returns the list of strings at key.
func (c Config) StringSlice(key string, def []string) []string {
	switch val := c.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Keys returns the document's top-level keys in no particular order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}

func (c Config) lookupString(key string) (string, bool) {
	s, ok := c.data[key].(string)
	return s, ok
}

func (c Config) lookupInt(key string) (int, bool) {
	switch val := c.data[key].(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case uint64:
		if val <= math.MaxInt64 {
			return int(val), true
		}
	case float64:
		if val == math.Trunc(val) {
			return int(val), true
		}
	}
	return 0, false
}

func (c Config) lookupFloat(key string) (float64, bool) {
	switch val := c.data[key].(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}

func (c Config) lookupBool(key string) (bool, bool) {
	b, ok := c.data[key].(bool)
	return b, ok
}

func (c Config) lookupDuration(key string) (time.Duration, bool) {
	switch val := c.data[key].(type) {
	case string:
		d, err := time.ParseDuration(val)
		return d, err == nil
	case time.Duration:
		return val, true
	case int:
		return time.Duration(val) * time.Second, true
	case int64:
		return time.Duration(val) * time.Second, true
	case float64:
		return time.Duration(val * float64(time.Second)), true
	}
	return 0, false
}
