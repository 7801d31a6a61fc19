package graph

import (
	"errors"
	"fmt"
	"slices"
)

// DatasetGraph is the union of the nodes and edges of every configured
// dataset. It is immutable once built by Merge.
type DatasetGraph struct {
	nodes    map[CollectionAddress]*Node
	order    []CollectionAddress
	edges    []Edge
	identity map[FieldAddress]string
	after    map[CollectionAddress][]CollectionAddress
}

// Merge builds a DatasetGraph from independently defined datasets.
//
// Validation failures across all datasets are joined into one error.
// Two datasets declaring the same collection address fail with
// *DuplicateCollectionAddressError. References to collections that do not
// exist are not checked here; traversal reports them.
func Merge(datasets ...Dataset) (*DatasetGraph, error) {
	g := &DatasetGraph{
		nodes:    make(map[CollectionAddress]*Node),
		identity: make(map[FieldAddress]string),
		after:    make(map[CollectionAddress][]CollectionAddress),
	}

	var errs []error
	for i := range datasets {
		if err := datasets[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Copy so callers can't mutate the graph through their slices.
	owned := make([]Dataset, len(datasets))
	for i := range datasets {
		owned[i] = cloneDataset(datasets[i])
	}

	for i := range owned {
		ds := &owned[i]
		for j := range ds.Collections {
			node := newNode(ds, &ds.Collections[j])
			if _, exists := g.nodes[node.Address]; exists {
				errs = append(errs, &DuplicateCollectionAddressError{Address: node.Address})
				continue
			}
			g.nodes[node.Address] = node
			g.order = append(g.order, node.Address)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	seen := make(map[Edge]bool)
	addEdge := func(e Edge) {
		key := e
		if e.Bidirectional && e.From.String() > e.To.String() {
			key = e.Reverse()
		}
		if !seen[key] {
			seen[key] = true
			g.edges = append(g.edges, e)
		}
	}

	for i := range owned {
		ds := &owned[i]
		for j := range ds.Collections {
			c := &ds.Collections[j]
			addr := NewCollectionAddress(ds.Name, c.Name)
			for _, entry := range c.Walk() {
				local := addr.Field(entry.Path)
				if entry.Field.Identity != "" {
					g.identity[local] = entry.Field.Identity
					addEdge(Edge{From: RootAddress.Field(FieldPath(entry.Field.Identity)), To: local})
				}
				for _, ref := range entry.Field.References {
					remote, err := ref.Address()
					if err != nil {
						return nil, err
					}
					switch ref.Direction {
					case DirectionFrom:
						addEdge(Edge{From: remote, To: local})
					case DirectionTo:
						addEdge(Edge{From: local, To: remote})
					default:
						addEdge(Edge{From: remote, To: local, Bidirectional: true})
					}
				}
			}

			for _, a := range c.After {
				dep, err := ParseCollectionAddress(a)
				if err != nil {
					return nil, err
				}
				g.after[addr] = appendUnique(g.after[addr], dep)
			}
			for _, name := range ds.After {
				for _, other := range owned {
					if other.Name != name {
						continue
					}
					for _, oc := range other.Collections {
						g.after[addr] = appendUnique(g.after[addr], NewCollectionAddress(name, oc.Name))
					}
				}
			}
		}
	}

	return g, nil
}

func appendUnique(list []CollectionAddress, a CollectionAddress) []CollectionAddress {
	if slices.Contains(list, a) {
		return list
	}
	return append(list, a)
}

func cloneDataset(d Dataset) Dataset {
	out := d
	out.After = slices.Clone(d.After)
	out.Collections = make([]Collection, len(d.Collections))
	for i, c := range d.Collections {
		out.Collections[i] = Collection{
			Name:          c.Name,
			Fields:        cloneFields(c.Fields),
			GroupedInputs: slices.Clone(c.GroupedInputs),
			After:         slices.Clone(c.After),
		}
	}
	return out
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f
		out[i].DataCategories = slices.Clone(f.DataCategories)
		out[i].References = slices.Clone(f.References)
		out[i].Fields = cloneFields(f.Fields)
	}
	return out
}

// CollectionAt returns the node at addr.
func (g *DatasetGraph) CollectionAt(addr CollectionAddress) (*Node, bool) {
	n, ok := g.nodes[addr]
	return n, ok
}

// AllAddresses returns every collection address in declaration order.
func (g *DatasetGraph) AllAddresses() []CollectionAddress {
	return slices.Clone(g.order)
}

// Edges returns every edge in declaration order.
func (g *DatasetGraph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// IdentityKeys maps each identity field to the seed key that feeds it.
func (g *DatasetGraph) IdentityKeys() map[FieldAddress]string {
	out := make(map[FieldAddress]string, len(g.identity))
	for k, v := range g.identity {
		out[k] = v
	}
	return out
}

// After returns the ordering-only dependencies declared for addr.
func (g *DatasetGraph) After(addr CollectionAddress) []CollectionAddress {
	return slices.Clone(g.after[addr])
}

// Datasets returns the distinct dataset names in declaration order.
func (g *DatasetGraph) Datasets() []string {
	var out []string
	for _, a := range g.order {
		if !slices.Contains(out, a.Dataset) {
			out = append(out, a.Dataset)
		}
	}
	return out
}

// ConnectionKeys returns the distinct connection keys in declaration order.
func (g *DatasetGraph) ConnectionKeys() []string {
	var out []string
	for _, a := range g.order {
		key := g.nodes[a].ConnectionKey
		if !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	return out
}

// ConnectionFor returns the connection key serving dataset.
func (g *DatasetGraph) ConnectionFor(dataset string) (string, error) {
	for _, a := range g.order {
		if a.Dataset == dataset {
			return g.nodes[a].ConnectionKey, nil
		}
	}
	return "", fmt.Errorf("%w: unknown dataset %q", ErrInvalidDataset, dataset)
}
