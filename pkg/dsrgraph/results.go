package dsrgraph

import (
	"strings"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
)

// FilterResults keeps, in every row, only the fields whose data categories
// satisfy match, preserving nesting. Collections with no such field are
// dropped. results is not modified.
func FilterResults(g *graph.DatasetGraph, results map[graph.CollectionAddress][]graph.Row, match func(category string) bool) map[graph.CollectionAddress][]graph.Row {
	out := make(map[graph.CollectionAddress][]graph.Row, len(results))
	for addr, rows := range results {
		node, ok := g.CollectionAt(addr)
		if !ok {
			continue
		}
		paths, _ := node.FieldsMatching(match)
		if len(paths) == 0 {
			continue
		}
		keep := make(map[graph.FieldPath]bool, len(paths))
		for _, p := range paths {
			keep[p] = true
		}
		filtered := make([]graph.Row, 0, len(rows))
		for _, row := range rows {
			if sel := selectFields(row, "", keep); len(sel) > 0 {
				filtered = append(filtered, graph.Row(sel))
			}
		}
		out[addr] = filtered
	}
	return out
}

// selectFields copies the parts of obj on or above a kept path.
func selectFields(obj map[string]any, prefix graph.FieldPath, keep map[graph.FieldPath]bool) map[string]any {
	out := make(map[string]any)
	for k, v := range obj {
		p := prefix.Child(k)
		if keep[p] {
			out[k] = v
			continue
		}
		if !keepsBelow(p, keep) {
			continue
		}
		if child, ok := graph.AsObject(v); ok {
			if sel := selectFields(child, p, keep); len(sel) > 0 {
				out[k] = sel
			}
			continue
		}
		if arr, ok := graph.AsArray(v); ok {
			var elems []any
			for _, el := range arr {
				child, ok := graph.AsObject(el)
				if !ok {
					continue
				}
				if sel := selectFields(child, p, keep); len(sel) > 0 {
					elems = append(elems, sel)
				}
			}
			if len(elems) > 0 {
				out[k] = elems
			}
		}
	}
	return out
}

func keepsBelow(p graph.FieldPath, keep map[graph.FieldPath]bool) bool {
	prefix := string(p) + "."
	for k := range keep {
		if strings.HasPrefix(string(k), prefix) {
			return true
		}
	}
	return false
}
