// Package traversal computes the reachable subgraph for a seed identity and
// turns it into an execution plan.
package traversal

import (
	"errors"
	"fmt"
	"slices"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
)

// TraversalNode is a node of the execution plan. It lives for one run.
type TraversalNode struct {
	Node    *graph.Node
	Address graph.CollectionAddress

	// Incoming holds the resolved data edges grouped by source collection.
	Incoming map[graph.CollectionAddress][]graph.Edge

	// Upstream lists every collection that must finish first, data sources
	// before ordering-only dependencies, each in discovery order.
	Upstream []graph.CollectionAddress

	// After lists the ordering-only subset of Upstream.
	After []graph.CollectionAddress

	// Downstream lists the collections that wait on this one.
	Downstream []graph.CollectionAddress

	Reachable bool

	discovered int
}

// DataSources returns the upstream collections that feed data, in Upstream order.
func (n *TraversalNode) DataSources() []graph.CollectionAddress {
	var out []graph.CollectionAddress
	for _, a := range n.Upstream {
		if _, ok := n.Incoming[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// IsEntryPoint reports whether the node is fed directly by the seed.
func (n *TraversalNode) IsEntryPoint() bool {
	_, ok := n.Incoming[graph.RootAddress]
	return ok
}

// InputPaths returns the local field paths that receive query input.
func (n *TraversalNode) InputPaths() []graph.FieldPath {
	var out []graph.FieldPath
	for _, src := range n.DataSources() {
		for _, e := range n.Incoming[src] {
			if !slices.Contains(out, e.To.Path) {
				out = append(out, e.To.Path)
			}
		}
	}
	return out
}

// Traversal is the reachable plan for one seed.
type Traversal struct {
	graph *graph.DatasetGraph
	seed  map[string]any
	nodes map[graph.CollectionAddress]*TraversalNode
	order []graph.CollectionAddress

	descendants map[graph.CollectionAddress][]graph.CollectionAddress
}

// Traverse expands the graph breadth first from ROOT using the identity
// keys present in seed.
//
// Nodes that cannot be reached from the seed are kept in the result with
// Reachable false and are not scheduled. Edges naming collections or fields
// that do not exist fail with *TraversalError, as does a cycle created by
// ordering-only dependencies. Cycles among data edges are broken by dropping
// edges that point from a later discovered node back to an earlier one.
func Traverse(g *graph.DatasetGraph, seed map[string]any) (*Traversal, error) {
	if err := validateEdges(g); err != nil {
		return nil, err
	}

	t := &Traversal{
		graph:       g,
		seed:        seed,
		nodes:       make(map[graph.CollectionAddress]*TraversalNode),
		descendants: make(map[graph.CollectionAddress][]graph.CollectionAddress),
	}
	for _, addr := range g.AllAddresses() {
		node, _ := g.CollectionAt(addr)
		t.nodes[addr] = &TraversalNode{
			Node:       node,
			Address:    addr,
			Incoming:   make(map[graph.CollectionAddress][]graph.Edge),
			discovered: -1,
		}
	}

	edges := g.Edges()
	discovered := t.discover(edges)
	oriented := orient(edges, discovered, seed)
	oriented = breakCycles(oriented, discovered)

	for _, e := range oriented {
		tn := t.nodes[e.To.Collection]
		tn.Incoming[e.From.Collection] = append(tn.Incoming[e.From.Collection], e)
	}

	for addr, tn := range t.nodes {
		if !tn.Reachable {
			continue
		}
		sources := make([]graph.CollectionAddress, 0, len(tn.Incoming))
		for src := range tn.Incoming {
			sources = append(sources, src)
		}
		sortByDiscovery(sources, discovered)
		tn.Upstream = sources

		for _, dep := range g.After(addr) {
			if _, ok := discovered[dep]; !ok || dep == addr || slices.Contains(tn.Upstream, dep) {
				continue
			}
			tn.After = append(tn.After, dep)
		}
		sortByDiscovery(tn.After, discovered)
		tn.Upstream = append(tn.Upstream, tn.After...)

		for _, up := range tn.Upstream {
			if up.IsRoot() {
				continue
			}
			parent := t.nodes[up]
			parent.Downstream = append(parent.Downstream, addr)
		}
	}
	for _, tn := range t.nodes {
		sortByDiscovery(tn.Downstream, discovered)
	}

	order, err := t.topoSort(discovered)
	if err != nil {
		return nil, err
	}
	t.order = order
	t.collectDescendants()
	return t, nil
}

// collectDescendants fills the transitive downstream closure of every
// reachable node, walking the order backwards.
func (t *Traversal) collectDescendants() {
	position := make(map[graph.CollectionAddress]int, len(t.order))
	for i, a := range t.order {
		position[a] = i
	}
	for i := len(t.order) - 1; i >= 0; i-- {
		addr := t.order[i]
		seen := make(map[graph.CollectionAddress]bool)
		for _, down := range t.nodes[addr].Downstream {
			seen[down] = true
			for _, d := range t.descendants[down] {
				seen[d] = true
			}
		}
		out := make([]graph.CollectionAddress, 0, len(seen))
		for a := range seen {
			out = append(out, a)
		}
		slices.SortFunc(out, func(a, b graph.CollectionAddress) int {
			return position[a] - position[b]
		})
		t.descendants[addr] = out
	}
}

// discover runs the breadth first expansion and returns each reachable
// address's discovery index. ROOT is index 0.
func (t *Traversal) discover(edges []graph.Edge) map[graph.CollectionAddress]int {
	discovered := map[graph.CollectionAddress]int{graph.RootAddress: 0}
	queue := []graph.CollectionAddress{graph.RootAddress}

	visit := func(addr graph.CollectionAddress) {
		if _, ok := discovered[addr]; ok {
			return
		}
		discovered[addr] = len(discovered)
		tn := t.nodes[addr]
		tn.Reachable = true
		tn.discovered = discovered[addr]
		queue = append(queue, addr)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, e := range edges {
			switch {
			case e.From.Collection == current:
				if current.IsRoot() && !seedHas(t.seed, string(e.From.Path)) {
					continue
				}
				visit(e.To.Collection)
			case e.Bidirectional && e.To.Collection == current:
				visit(e.From.Collection)
			}
		}
	}
	return discovered
}

// orient keeps edges whose endpoints are both reachable, drops ROOT edges
// for identity keys missing from the seed, and points every
// bidirectional edge from the earlier discovered endpoint to the later one.
func orient(edges []graph.Edge, discovered map[graph.CollectionAddress]int, seed map[string]any) []graph.Edge {
	var out []graph.Edge
	for _, e := range edges {
		from, okFrom := discovered[e.From.Collection]
		to, okTo := discovered[e.To.Collection]
		if !okFrom || !okTo {
			continue
		}
		if e.From.Collection.IsRoot() && !seedHas(seed, string(e.From.Path)) {
			continue
		}
		if e.Bidirectional && from > to {
			e = e.Reverse()
		}
		out = append(out, e)
	}
	return out
}

// breakCycles removes self edges and, inside every strongly connected
// component, the edges that run against discovery order.
func breakCycles(edges []graph.Edge, discovered map[graph.CollectionAddress]int) []graph.Edge {
	adj := make(map[graph.CollectionAddress][]graph.CollectionAddress)
	for _, e := range edges {
		adj[e.From.Collection] = append(adj[e.From.Collection], e.To.Collection)
	}
	component := stronglyConnected(adj, discovered)

	out := edges[:0:0]
	for _, e := range edges {
		from, to := e.From.Collection, e.To.Collection
		if from == to {
			continue
		}
		if component[from] == component[to] && discovered[from] > discovered[to] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// stronglyConnected labels each address with its component using Tarjan's
// algorithm. Vertices are visited in discovery order for stable labels.
func stronglyConnected(adj map[graph.CollectionAddress][]graph.CollectionAddress, discovered map[graph.CollectionAddress]int) map[graph.CollectionAddress]int {
	vertices := make([]graph.CollectionAddress, 0, len(discovered))
	for a := range discovered {
		vertices = append(vertices, a)
	}
	sortByDiscovery(vertices, discovered)

	index := 0
	indices := make(map[graph.CollectionAddress]int)
	lowlink := make(map[graph.CollectionAddress]int)
	onStack := make(map[graph.CollectionAddress]bool)
	var stack []graph.CollectionAddress
	component := make(map[graph.CollectionAddress]int)
	next := 0

	var connect func(v graph.CollectionAddress)
	connect = func(v graph.CollectionAddress) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component[w] = next
				if w == v {
					break
				}
			}
			next++
		}
	}

	for _, v := range vertices {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}
	return component
}

// topoSort orders reachable nodes so every node follows its upstreams.
// Ties are broken by discovery order.
func (t *Traversal) topoSort(discovered map[graph.CollectionAddress]int) ([]graph.CollectionAddress, error) {
	pending := make(map[graph.CollectionAddress]int)
	var ready []graph.CollectionAddress
	for addr, tn := range t.nodes {
		if !tn.Reachable {
			continue
		}
		n := 0
		for _, up := range tn.Upstream {
			if !up.IsRoot() {
				n++
			}
		}
		pending[addr] = n
		if n == 0 {
			ready = append(ready, addr)
		}
	}

	var order []graph.CollectionAddress
	for len(ready) > 0 {
		sortByDiscovery(ready, discovered)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, down := range t.nodes[current].Downstream {
			pending[down]--
			if pending[down] == 0 {
				ready = append(ready, down)
			}
		}
	}

	if len(order) != len(pending) {
		var stuck []graph.CollectionAddress
		for addr, n := range pending {
			if n > 0 {
				stuck = append(stuck, addr)
			}
		}
		sortByDiscovery(stuck, discovered)
		return nil, &TraversalError{Address: stuck[0], Message: fmt.Sprintf("cycle in after dependencies involving %v", stuck)}
	}
	return order, nil
}

func validateEdges(g *graph.DatasetGraph) error {
	var errs []error
	check := func(fa graph.FieldAddress, role string) {
		if fa.Collection.IsRoot() {
			return
		}
		node, ok := g.CollectionAt(fa.Collection)
		if !ok {
			errs = append(errs, &TraversalError{Address: fa.Collection, Message: role + " collection does not exist"})
			return
		}
		if _, ok := node.FieldAt(fa.Path); !ok {
			errs = append(errs, &TraversalError{Address: fa.Collection, Field: fa.Path, Message: role + " field does not exist"})
		}
	}
	for _, e := range g.Edges() {
		check(e.From, "edge source")
		check(e.To, "edge target")
	}
	for _, addr := range g.AllAddresses() {
		for _, dep := range g.After(addr) {
			if _, ok := g.CollectionAt(dep); !ok {
				errs = append(errs, &TraversalError{Address: dep, Message: "after dependency of " + addr.String() + " does not exist"})
			}
		}
	}
	return errors.Join(errs...)
}

func seedHas(seed map[string]any, key string) bool {
	v, ok := seed[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	if arr, ok := graph.AsArray(v); ok {
		return len(arr) > 0
	}
	return true
}

func sortByDiscovery(addrs []graph.CollectionAddress, discovered map[graph.CollectionAddress]int) {
	slices.SortFunc(addrs, func(a, b graph.CollectionAddress) int {
		return discovered[a] - discovered[b]
	})
}

// Node returns the plan node at addr, reachable or not.
func (t *Traversal) Node(addr graph.CollectionAddress) (*TraversalNode, bool) {
	tn, ok := t.nodes[addr]
	return tn, ok
}

// Reachable returns the reachable plan nodes keyed by address.
func (t *Traversal) Reachable() map[graph.CollectionAddress]*TraversalNode {
	out := make(map[graph.CollectionAddress]*TraversalNode, len(t.order))
	for _, addr := range t.order {
		out[addr] = t.nodes[addr]
	}
	return out
}

// Unreachable returns the addresses excluded from execution, in
// declaration order.
func (t *Traversal) Unreachable() []graph.CollectionAddress {
	var out []graph.CollectionAddress
	for _, addr := range t.graph.AllAddresses() {
		if !t.nodes[addr].Reachable {
			out = append(out, addr)
		}
	}
	return out
}

// Order returns the reachable addresses in a valid execution order.
func (t *Traversal) Order() []graph.CollectionAddress {
	return slices.Clone(t.order)
}

// EndAddresses returns the reachable nodes nothing else waits on, sorted.
// Their outputs are what TERMINATOR collects.
func (t *Traversal) EndAddresses() []graph.CollectionAddress {
	var out []graph.CollectionAddress
	for _, addr := range t.order {
		if len(t.nodes[addr].Downstream) == 0 {
			out = append(out, addr)
		}
	}
	slices.SortFunc(out, func(a, b graph.CollectionAddress) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		default:
			return 0
		}
	})
	return out
}

// Descendants returns every address that transitively waits on addr, in
// execution order.
func (t *Traversal) Descendants(addr graph.CollectionAddress) []graph.CollectionAddress {
	return slices.Clone(t.descendants[addr])
}

// Seed returns the seed the traversal was built from.
func (t *Traversal) Seed() map[string]any {
	return t.seed
}

// Graph returns the underlying dataset graph.
func (t *Traversal) Graph() *graph.DatasetGraph {
	return t.graph
}
