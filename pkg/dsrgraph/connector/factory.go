package connector

import (
	"fmt"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/registry"
)

// Factory builds a connector for a connection.
type Factory func(conn Connection) (Connector, error)

// Built-in connector types.
const (
	TypeSQLite = "sqlite"
	TypeEmail  = "email"
)

// Factories maps connection types to factories.
type Factories struct {
	reg *registry.Registry[string, Factory]
}

// NewFactories returns factories with the built-in types registered.
func NewFactories() *Factories {
	f := &Factories{reg: registry.New[string, Factory]()}
	f.reg.Replace(TypeSQLite, func(conn Connection) (Connector, error) {
		return OpenSQLite(conn)
	})
	f.reg.Replace(TypeEmail, func(Connection) (Connector, error) {
		return EmailConnector{}, nil
	})
	return f
}

// Register adds a factory for typ. It fails if typ is taken.
func (f *Factories) Register(typ string, factory Factory) error {
	return f.reg.Register(typ, factory)
}

// Replace adds or overrides the factory for typ.
func (f *Factories) Replace(typ string, factory Factory) {
	f.reg.Replace(typ, factory)
}

// Types lists the registered connection types.
func (f *Factories) Types() []string {
	return f.reg.Keys()
}

// Build constructs the connector for conn, rate limited when the
// connection sets rate_limit.
func (f *Factories) Build(conn Connection) (Connector, error) {
	factory, ok := f.reg.Get(conn.Type)
	if !ok {
		return nil, fmt.Errorf("connection %q: unknown connector type %q", conn.Key, conn.Type)
	}
	c, err := factory(conn)
	if err != nil {
		return nil, err
	}
	if conn.RateLimit > 0 {
		c = WithRateLimit(c, conn.RateLimit, conn.Burst)
	}
	return c, nil
}
