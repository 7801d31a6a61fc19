package dsrgraph

import (
	"context"
	"fmt"
	"slices"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// QueryPlan is the access query one collection would run for an identity.
type QueryPlan struct {
	Address       graph.CollectionAddress
	ConnectionKey string
	Upstream      []graph.CollectionAddress

	// Query is the connector's description of the query. Empty when the
	// connection is disabled or the connector has nothing to show.
	Query string
}

// DryRun plans an access run for identity without querying anything. Plans
// are returned in execution order.
func (r *Runner) DryRun(ctx context.Context, identity map[string]any) ([]QueryPlan, error) {
	plan, err := traversal.Traverse(r.graph, identity)
	if err != nil {
		return nil, err
	}
	res := NewResources(ResourcesConfig{
		Request:     &taskstore.PrivacyRequest{ID: "dry-run", Identity: identity},
		Action:      policy.ActionAccess,
		Connections: r.connections,
		Factories:   r.factories,
		Logger:      r.logger,
	})
	defer res.Close()

	out := make([]QueryPlan, 0, len(plan.Order()))
	for _, addr := range plan.Order() {
		tn, _ := plan.Node(addr)
		qp := QueryPlan{
			Address:       addr,
			ConnectionKey: tn.Node.ConnectionKey,
			Upstream:      slices.Clone(tn.Upstream),
		}
		if conn, ok := res.Connection(qp.ConnectionKey); ok && !conn.Disabled {
			c, err := res.Connector(ctx, qp.ConnectionKey)
			if err != nil {
				return nil, fmt.Errorf("dry run %s: %w", addr, err)
			}
			if q, ok := c.DryRunQuery(tn); ok {
				qp.Query = q
			}
		}
		out = append(out, qp)
	}
	return out, nil
}

// ConnectionTest is the result of testing one connection.
type ConnectionTest struct {
	Key    string
	Type   string
	Status connector.TestStatus
	Err    error
}

// TestConnections tests every configured connection, sorted by key.
// Disabled connections are skipped.
func (r *Runner) TestConnections(ctx context.Context) []ConnectionTest {
	keys := make([]string, 0, len(r.connections))
	for k := range r.connections {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]ConnectionTest, 0, len(keys))
	for _, key := range keys {
		conn := r.connections[key]
		ct := ConnectionTest{Key: key, Type: conn.Type}
		if conn.Disabled {
			ct.Status = connector.TestSkipped
			out = append(out, ct)
			continue
		}
		c, err := r.factories.Build(conn)
		if err != nil {
			ct.Status = connector.TestFailed
			ct.Err = err
			out = append(out, ct)
			continue
		}
		ct.Status, ct.Err = c.TestConnection(ctx)
		if ct.Err != nil {
			ct.Status = connector.TestFailed
		}
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close connector after test", "connection", key, "error", err.Error())
		}
		out = append(out, ct)
	}
	return out
}
