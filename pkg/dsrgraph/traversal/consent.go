package traversal

import "github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"

// consentCollection names the synthetic per-dataset consent node.
const consentCollection = "__consent__"

// ConsentAddress returns the address of dataset's consent node.
func ConsentAddress(dataset string) graph.CollectionAddress {
	return graph.NewCollectionAddress(dataset, consentCollection)
}

// ConsentNode is one unit of consent propagation. Consent is sent once per
// dataset, fed only by the seed identity, so there are no dependencies
// between consent nodes.
type ConsentNode struct {
	Address       graph.CollectionAddress
	Dataset       string
	ConnectionKey string
}

// ConsentPlan returns one consent node per dataset in declaration order.
func ConsentPlan(g *graph.DatasetGraph) []ConsentNode {
	var out []ConsentNode
	for _, ds := range g.Datasets() {
		key, err := g.ConnectionFor(ds)
		if err != nil {
			continue
		}
		out = append(out, ConsentNode{
			Address:       ConsentAddress(ds),
			Dataset:       ds,
			ConnectionKey: key,
		})
	}
	return out
}
