package connector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// Hooks intercept MemoryConnector calls. A non-nil error returned by a hook
// is returned by the call before any data is touched.
type Hooks struct {
	Retrieve func(addr graph.CollectionAddress, input transform.Input) error
	Mask     func(addr graph.CollectionAddress, rows []graph.Row) error
	Consent  func(dataset string) error
}

// ConsentCall records one RunConsentRequest invocation.
type ConsentCall struct {
	RequestID   string
	Dataset     string
	Identity    map[string]any
	Preferences []taskstore.ConsentPreference
}

// MemoryConnector serves rows held in memory, keyed by collection address.
// A row matches when any flat input value matches its field, or when every
// field of a grouped tuple matches.
type MemoryConnector struct {
	mu       sync.Mutex
	tables   map[graph.CollectionAddress][]graph.Row
	inputs   map[graph.CollectionAddress][]transform.Input
	consents []ConsentCall
	closed   bool

	// SupportsConsent enables RunConsentRequest.
	SupportsConsent bool
	Hooks           Hooks
}

// NewMemoryConnector creates a connector over tables. The rows are copied.
func NewMemoryConnector(tables map[graph.CollectionAddress][]graph.Row) *MemoryConnector {
	m := &MemoryConnector{
		tables: make(map[graph.CollectionAddress][]graph.Row, len(tables)),
		inputs: make(map[graph.CollectionAddress][]transform.Input),
	}
	for addr, rows := range tables {
		m.tables[addr] = graph.CloneRows(rows)
	}
	return m
}

// Rows returns a copy of the current contents of addr.
func (m *MemoryConnector) Rows(addr graph.CollectionAddress) []graph.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return graph.CloneRows(m.tables[addr])
}

// Inputs returns the inputs RetrieveData received for addr, in call order.
func (m *MemoryConnector) Inputs(addr graph.CollectionAddress) []transform.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.inputs[addr])
}

// ConsentCalls returns every recorded consent propagation.
func (m *MemoryConnector) ConsentCalls() []ConsentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.consents)
}

// DryRunQuery describes the scan RetrieveData performs.
func (m *MemoryConnector) DryRunQuery(node *traversal.TraversalNode) (string, bool) {
	paths := node.InputPaths()
	if len(paths) == 0 {
		return "", false
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p.String()
	}
	return fmt.Sprintf("scan %s matching %s", node.Address, strings.Join(names, ", ")), true
}

// RetrieveData returns copies of the rows of node matching input.
func (m *MemoryConnector) RetrieveData(ctx context.Context, node *traversal.TraversalNode, _ *policy.Policy,
	_ *taskstore.PrivacyRequest, _ *taskstore.RequestTask, input transform.Input) ([]graph.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Hooks.Retrieve != nil {
		if err := m.Hooks.Retrieve(node.Address, input); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("memory connector closed")
	}
	m.inputs[node.Address] = append(m.inputs[node.Address], input)

	var out []graph.Row
	for _, row := range m.tables[node.Address] {
		if rowMatches(node.Node, row, input) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// MaskData masks the stored rows identified by the primary keys of rows.
func (m *MemoryConnector) MaskData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
	_ *taskstore.PrivacyRequest, _ *taskstore.RequestTask, rows []graph.Row, _ transform.Input) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.Hooks.Mask != nil {
		if err := m.Hooks.Mask(node.Address, rows); err != nil {
			return 0, err
		}
	}
	pks := node.Node.PrimaryKeys()
	targets := MaskTargets(node.Node, pol)
	if len(pks) == 0 || len(targets) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("memory connector closed")
	}
	masked := 0
	table := m.tables[node.Address]
	for _, ref := range rows {
		want := pkKey(ref, pks)
		if want == "" {
			continue
		}
		for _, stored := range table {
			if pkKey(stored, pks) != want {
				continue
			}
			changed := false
			for _, target := range targets {
				if MaskRow(stored, ref, target) {
					changed = true
				}
			}
			if changed {
				masked++
			}
		}
	}
	return masked, nil
}

// RunConsentRequest records the request's consent preferences.
func (m *MemoryConnector) RunConsentRequest(ctx context.Context, node traversal.ConsentNode, _ *policy.Policy,
	req *taskstore.PrivacyRequest, _ *taskstore.RequestTask, identity map[string]any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !m.SupportsConsent {
		return false, ErrConsentNotSupported
	}
	if m.Hooks.Consent != nil {
		if err := m.Hooks.Consent(node.Dataset); err != nil {
			return false, err
		}
	}
	if len(req.ConsentPreferences) == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.consents = append(m.consents, ConsentCall{
		RequestID:   req.ID,
		Dataset:     node.Dataset,
		Identity:    maps.Clone(identity),
		Preferences: slices.Clone(req.ConsentPreferences),
	})
	return true, nil
}

// TestConnection always succeeds while the connector is open.
func (m *MemoryConnector) TestConnection(context.Context) (TestStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return TestFailed, fmt.Errorf("memory connector closed")
	}
	return TestSucceeded, nil
}

// Close marks the connector closed. Stored rows remain readable through Rows.
func (m *MemoryConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func rowMatches(node *graph.Node, row graph.Row, in transform.Input) bool {
	for path, values := range in.Values {
		if fieldMatches(node, row, path, values) {
			return true
		}
	}
	for _, tuple := range in.Grouped {
		if len(tuple) == 0 {
			continue
		}
		all := true
		for path, values := range tuple {
			if !fieldMatches(node, row, path, values) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func fieldMatches(node *graph.Node, row graph.Row, path graph.FieldPath, values []any) bool {
	if len(values) == 0 {
		return false
	}
	var typ graph.DataType
	if f, ok := node.FieldAt(path); ok {
		typ = f.DataType
	}
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[valueKey(typ, v)] = true
	}
	for _, v := range path.Retrieve(row) {
		if want[valueKey(typ, v)] {
			return true
		}
	}
	return false
}

func valueKey(typ graph.DataType, v any) string {
	if c, ok := typ.Coerce(v); ok {
		return graph.ValueKey(c)
	}
	return graph.ValueKey(v)
}

// pkKey returns a key identifying row by its primary key values, or "" when
// any key is missing.
func pkKey(row graph.Row, pks []graph.FieldPath) string {
	parts := make([]string, len(pks))
	for i, p := range pks {
		vals := p.Retrieve(row)
		if len(vals) == 0 {
			return ""
		}
		parts[i] = graph.ValueKey(vals[0])
	}
	return strings.Join(parts, "\x00")
}
