package connector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

var (
	usersAddr   = graph.NewCollectionAddress("shop", "users")
	ordersAddr  = graph.NewCollectionAddress("shop", "orders")
	membersAddr = graph.NewCollectionAddress("shop", "members")
)

// shopTraversal plans ROOT(email) -> users -> orders, and members fed by a
// grouped (org_id, project_id) pair from users.
func shopTraversal(t *testing.T) *traversal.Traversal {
	t.Helper()
	g, err := graph.Merge(graph.Dataset{
		Name:          "shop",
		ConnectionKey: "shop_db",
		Collections: []graph.Collection{
			{Name: "users", Fields: []graph.Field{
				{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
				{Name: "email", DataType: graph.TypeString, Identity: "email", DataCategories: []string{"user.contact.email"}},
				{Name: "name", DataType: graph.TypeString, DataCategories: []string{"user.name"}},
				{Name: "org_id", DataType: graph.TypeInteger},
				{Name: "project_id", DataType: graph.TypeString},
				{Name: "phones", DataType: "string[]", DataCategories: []string{"user.contact.phone"}},
			}},
			{Name: "orders", Fields: []graph.Field{
				{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
				{Name: "user_id", DataType: graph.TypeInteger, References: []graph.Reference{
					{Dataset: "shop", Field: "users.id", Direction: graph.DirectionFrom},
				}},
				{Name: "address", DataType: graph.TypeString, DataCategories: []string{"user.contact.address"}},
			}},
			{Name: "members", GroupedInputs: []string{"org_id", "project_id"}, Fields: []graph.Field{
				{Name: "id", DataType: graph.TypeInteger, PrimaryKey: true},
				{Name: "org_id", DataType: graph.TypeInteger, References: []graph.Reference{
					{Dataset: "shop", Field: "users.org_id", Direction: graph.DirectionFrom},
				}},
				{Name: "project_id", DataType: graph.TypeString, References: []graph.Reference{
					{Dataset: "shop", Field: "users.project_id", Direction: graph.DirectionFrom},
				}},
			}},
		},
	})
	require.NoError(t, err)
	tr, err := traversal.Traverse(g, map[string]any{"email": "x@example.com"})
	require.NoError(t, err)
	return tr
}

func planNode(t *testing.T, tr *traversal.Traversal, addr graph.CollectionAddress) *traversal.TraversalNode {
	t.Helper()
	n, ok := tr.Node(addr)
	require.True(t, ok, "node %s", addr)
	return n
}

func erasurePolicy() *policy.Policy {
	return &policy.Policy{
		Key: "erase",
		Rules: []policy.Rule{
			{Key: "erase_contact", ActionType: policy.ActionErasure, TargetCategories: []string{"user.contact"}},
			{Key: "erase_name", ActionType: policy.ActionErasure, TargetCategories: []string{"user.name"},
				MaskingStrategy: policy.MaskString, MaskValue: "REDACTED"},
		},
	}
}

func consentNodeFor(dataset string) traversal.ConsentNode {
	return traversal.ConsentNode{Address: traversal.ConsentAddress(dataset), Dataset: dataset, ConnectionKey: dataset + "_db"}
}
