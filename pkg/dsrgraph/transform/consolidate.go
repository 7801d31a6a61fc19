// Package transform merges upstream rows into query input and filters
// array elements in query results against that input.
package transform

import (
	"slices"
	"strings"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// Input is the consolidated query input for one node.
type Input struct {
	// Values maps each independently flattened field to its distinct values.
	Values map[graph.FieldPath][]any

	// Grouped holds one tuple per upstream row for fields listed in the
	// collection's grouped_inputs. Values within a tuple came from the same row.
	Grouped []map[graph.FieldPath][]any
}

// IsEmpty reports whether there is nothing to query with.
func (in Input) IsEmpty() bool {
	for _, v := range in.Values {
		if len(v) > 0 {
			return false
		}
	}
	return len(in.Grouped) == 0
}

// Paths returns the fields that received values, sorted. Grouped fields
// are included.
func (in Input) Paths() []graph.FieldPath {
	var out []graph.FieldPath
	for p, v := range in.Values {
		if len(v) > 0 {
			out = append(out, p)
		}
	}
	for _, tuple := range in.Grouped {
		for p := range tuple {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out
}

// AllValues returns every value received for path, flat and grouped, deduplicated.
func (in Input) AllValues(path graph.FieldPath) []any {
	var acc accumulator
	acc.add(in.Values[path]...)
	for _, tuple := range in.Grouped {
		acc.add(tuple[path]...)
	}
	return acc.values
}

// Consolidate builds the query input for node from its upstream results.
// upstream[i] holds the rows of node.DataSources()[i]; ROOT's rows are the
// seed identity row.
func Consolidate(node *traversal.TraversalNode, upstream [][]graph.Row) Input {
	in := Input{Values: make(map[graph.FieldPath][]any)}
	flat := make(map[graph.FieldPath]*accumulator)
	collection := node.Node.Collection

	var rootTuple map[graph.FieldPath][]any
	var tuples []map[graph.FieldPath][]any

	for i, src := range node.DataSources() {
		if i >= len(upstream) {
			break
		}
		edges := node.Incoming[src]
		for _, row := range upstream[i] {
			var tuple map[graph.FieldPath][]any
			for _, e := range edges {
				values := coerceAll(node.Node, e.To.Path, e.From.Path.Retrieve(row))
				if len(values) == 0 {
					continue
				}
				if collection.IsGrouped(e.To.Path) {
					if tuple == nil {
						tuple = make(map[graph.FieldPath][]any)
					}
					tuple[e.To.Path] = mergeDistinct(tuple[e.To.Path], values)
					continue
				}
				acc, ok := flat[e.To.Path]
				if !ok {
					acc = &accumulator{}
					flat[e.To.Path] = acc
				}
				acc.add(values...)
			}
			if tuple == nil {
				continue
			}
			if src.IsRoot() {
				rootTuple = mergeTuple(rootTuple, tuple)
			} else {
				tuples = append(tuples, tuple)
			}
		}
	}

	for p, acc := range flat {
		in.Values[p] = acc.values
	}

	switch {
	case len(tuples) == 0 && rootTuple != nil:
		in.Grouped = []map[graph.FieldPath][]any{rootTuple}
	case len(tuples) > 0:
		seen := make(map[string]bool)
		for _, tuple := range tuples {
			merged := mergeTuple(tuple, rootTuple)
			key := tupleKey(merged)
			if seen[key] {
				continue
			}
			seen[key] = true
			in.Grouped = append(in.Grouped, merged)
		}
	}
	return in
}

// coerceAll converts values to the declared type of the target field.
// Values that don't convert are passed through unchanged.
func coerceAll(node *graph.Node, path graph.FieldPath, values []any) []any {
	field, ok := node.FieldAt(path)
	if !ok || field.DataType == "" {
		return values
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		if c, ok := field.DataType.Coerce(v); ok {
			out = append(out, c)
		} else {
			out = append(out, v)
		}
	}
	return out
}

// mergeTuple returns a copy of base with extra's fields added where base
// lacks them.
func mergeTuple(base, extra map[graph.FieldPath][]any) map[graph.FieldPath][]any {
	out := make(map[graph.FieldPath][]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func tupleKey(t map[graph.FieldPath][]any) string {
	keys := make([]graph.FieldPath, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(string(k))
		b.WriteByte('=')
		for _, v := range t[k] {
			b.WriteString(graph.ValueKey(v))
			b.WriteByte(',')
		}
		b.WriteByte(';')
	}
	return b.String()
}

func mergeDistinct(existing, values []any) []any {
	acc := accumulator{values: existing}
	for _, v := range existing {
		if acc.seen == nil {
			acc.seen = make(map[string]bool)
		}
		acc.seen[graph.ValueKey(v)] = true
	}
	acc.add(values...)
	return acc.values
}

// accumulator collects distinct values in first-seen order.
type accumulator struct {
	values []any
	seen   map[string]bool
}

func (a *accumulator) add(values ...any) {
	if a.seen == nil {
		a.seen = make(map[string]bool)
	}
	for _, v := range values {
		k := graph.ValueKey(v)
		if a.seen[k] {
			continue
		}
		a.seen[k] = true
		a.values = append(a.values, v)
	}
}
