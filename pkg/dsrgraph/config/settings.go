package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind is the type of a settings field.
type Kind string

// Setting kinds.
const (
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindString   Kind = "string"
	KindDuration Kind = "duration"
)

// Spec declares one settings field.
type Spec struct {
	Name        string
	Kind        Kind
	Default     any
	Description string
}

// Schema lists every recognized settings key.
var Schema = []Spec{
	{"workers", KindInt, 1, "maximum graph tasks run concurrently within one run"},
	{"task_retry_count", KindInt, 3, "attempts per task before it is marked error"},
	{"task_retry_delay", KindDuration, time.Second, "delay before the first retry"},
	{"task_retry_backoff", KindFloat, 2.0, "multiplier applied to the delay after each retry"},
	{"task_retry_max_delay", KindDuration, 30 * time.Second, "upper bound on the retry delay, 0 for none"},
	{"durable", KindBool, true, "persist task state so runs can resume after a crash"},
	{"identity_cache_ttl", KindDuration, 168 * time.Hour, "lifetime of the cached identity; a paused request errors when it expires"},
	{"cache_dir", KindString, "", "directory of the result and identity cache, empty for in-memory"},
	{"store_path", KindString, ":memory:", "SQLite database holding requests and tasks"},
	{"metrics_enabled", KindBool, false, "record OpenTelemetry metrics"},
	{"tracing_enabled", KindBool, false, "record OpenTelemetry spans"},
	{"log_level", KindString, "info", "debug, info, warn or error"},
}

// Settings is the typed engine configuration.
type Settings struct {
	Workers           int           `validate:"min=1"`
	TaskRetryCount    int           `validate:"min=1"`
	TaskRetryDelay    time.Duration `validate:"gte=0"`
	TaskRetryBackoff  float64       `validate:"gte=1"`
	TaskRetryMaxDelay time.Duration `validate:"gte=0"`
	Durable           bool
	IdentityCacheTTL  time.Duration `validate:"gt=0"`
	CacheDir          string
	StorePath         string `validate:"required"`
	MetricsEnabled    bool
	TracingEnabled    bool
	LogLevel          string `validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Defaults returns the settings with every field at its schema default.
func Defaults() Settings {
	s, err := FromConfig(New(nil))
	if err != nil {
		panic(fmt.Sprintf("config: schema defaults invalid: %v", err))
	}
	return s
}

// Load reads settings from a YAML or JSON file.
func Load(path string) (Settings, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	return FromConfig(cfg)
}

// FromMap builds settings from a decoded document.
func FromMap(data map[string]any) (Settings, error) {
	return FromConfig(New(data))
}

// FromConfig applies schema defaults for missing keys, converts present
// ones to their declared kind and validates the result. Unknown keys and
// values of the wrong type are errors.
func FromConfig(cfg Config) (Settings, error) {
	var s Settings
	targets := s.targets()
	var errs []error

	for _, key := range cfg.Keys() {
		if !slices.ContainsFunc(Schema, func(sp Spec) bool { return sp.Name == key }) {
			errs = append(errs, fmt.Errorf("unknown setting %q", key))
		}
	}

	for _, sp := range Schema {
		value := sp.Default
		if cfg.Has(sp.Name) {
			v, ok := cfg.lookup(sp.Name, sp.Kind)
			if !ok {
				errs = append(errs, fmt.Errorf("setting %q: expected %s, got %T", sp.Name, sp.Kind, cfg.data[sp.Name]))
				continue
			}
			value = v
		}
		assign(targets[sp.Name], value)
	}
	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks field constraints. FromConfig calls it; settings built
// in code should too.
func (s Settings) Validate() error {
	if err := validate.Struct(&s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func (s *Settings) targets() map[string]any {
	return map[string]any{
		"workers":              &s.Workers,
		"task_retry_count":     &s.TaskRetryCount,
		"task_retry_delay":     &s.TaskRetryDelay,
		"task_retry_backoff":   &s.TaskRetryBackoff,
		"task_retry_max_delay": &s.TaskRetryMaxDelay,
		"durable":              &s.Durable,
		"identity_cache_ttl":   &s.IdentityCacheTTL,
		"cache_dir":            &s.CacheDir,
		"store_path":           &s.StorePath,
		"metrics_enabled":      &s.MetricsEnabled,
		"tracing_enabled":      &s.TracingEnabled,
		"log_level":            &s.LogLevel,
	}
}

func assign(target, value any) {
	switch p := target.(type) {
	case *int:
		*p = value.(int)
	case *float64:
		*p = value.(float64)
	case *bool:
		*p = value.(bool)
	case *string:
		*p = value.(string)
	case *time.Duration:
		*p = value.(time.Duration)
	}
}

func (c Config) lookup(key string, kind Kind) (any, bool) {
	var v any
	var ok bool
	switch kind {
	case KindInt:
		v, ok = c.lookupInt(key)
	case KindFloat:
		v, ok = c.lookupFloat(key)
	case KindBool:
		v, ok = c.lookupBool(key)
	case KindString:
		v, ok = c.lookupString(key)
	case KindDuration:
		v, ok = c.lookupDuration(key)
	}
	return v, ok
}

// Level returns the slog level named by LogLevel.
func (s Settings) Level() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Describe renders Schema as an aligned table for help output.
func Describe() string {
	var b strings.Builder
	for _, sp := range Schema {
		fmt.Fprintf(&b, "%-22s %-9s %-10v %s\n", sp.Name, sp.Kind, sp.Default, sp.Description)
	}
	return b.String()
}
