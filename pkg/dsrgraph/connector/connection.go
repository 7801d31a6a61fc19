package connector

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

// AccessLevel controls whether the engine may mutate a store.
type AccessLevel string

// Access levels.
const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)

// Connection is the configuration of one store.
type Connection struct {
	Key    string      `json:"key" yaml:"key" validate:"required"`
	Type   string      `json:"type" yaml:"type" validate:"required"`
	Access AccessLevel `json:"access" yaml:"access" validate:"required,oneof=read write"`

	// Disabled connections are skipped entirely.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// EnabledActions restricts the actions run against this connection.
	// Empty enables every action.
	EnabledActions []policy.ActionType `json:"enabled_actions,omitempty" yaml:"enabled_actions,omitempty" validate:"dive,oneof=access erasure consent"`

	// Secrets holds connector-specific settings such as a database path.
	Secrets map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`

	// RateLimit caps calls per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" validate:"gte=0"`
	Burst     int     `json:"burst,omitempty" yaml:"burst,omitempty" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks required fields.
func (c *Connection) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("connection %q: %w", c.Key, err)
	}
	return nil
}

// ActionEnabled reports whether action may run against this connection.
func (c *Connection) ActionEnabled(action policy.ActionType) bool {
	return len(c.EnabledActions) == 0 || slices.Contains(c.EnabledActions, action)
}

// CanWrite reports whether erasure and consent may run.
func (c *Connection) CanWrite() bool {
	return c.Access == AccessWrite
}

type connectionFile struct {
	Connections []Connection `yaml:"connections"`
}

// ParseConnections decodes and validates a YAML "connections" list.
func ParseConnections(data []byte) ([]Connection, error) {
	var f connectionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	seen := make(map[string]bool, len(f.Connections))
	for i := range f.Connections {
		c := &f.Connections[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Key] {
			return nil, fmt.Errorf("duplicate connection %q", c.Key)
		}
		seen[c.Key] = true
	}
	return f.Connections, nil
}

// LoadConnections reads connections from a YAML file.
func LoadConnections(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection file: %w", err)
	}
	return ParseConnections(data)
}
