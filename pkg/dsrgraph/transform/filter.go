package transform

import (
	"strconv"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
)

// Placeholder replaces unmatched array elements in PlaceholderUnmatched
// mode. Masking code skips elements holding it.
const Placeholder = "__dsrgraph_do_not_mask__"

// Mode selects what FilterRows does with unmatched array elements.
type Mode int

const (
	// RemoveUnmatched drops unmatched elements. Used for access output.
	RemoveUnmatched Mode = iota

	// PlaceholderUnmatched keeps array positions by writing Placeholder.
	// Used for erasure input.
	PlaceholderUnmatched
)

// IsPlaceholder reports whether v is the placeholder marker.
func IsPlaceholder(v any) bool {
	s, ok := v.(string)
	return ok && s == Placeholder
}

// FilterRows keeps, for every input field that crosses an array, only the
// array elements whose value matches one of the input values. Matching
// coerces both sides to the field's declared type. Fields flagged
// return_all_elements, or nested under such a field, are not filtered.
// When several input fields cross the same array, an element is kept if
// any of them matches. rows is not modified.
func FilterRows(node *graph.Node, rows []graph.Row, in Input, mode Mode) []graph.Row {
	type target struct {
		path    graph.FieldPath
		matches map[string]bool
		typ     graph.DataType
	}
	var targets []target
	for _, p := range in.Paths() {
		if returnsAll(node, p) {
			continue
		}
		typ := graph.DataType("")
		if f, ok := node.FieldAt(p); ok {
			typ = f.DataType
		}
		matches := make(map[string]bool)
		for _, v := range in.AllValues(p) {
			matches[matchKey(typ, v)] = true
		}
		targets = append(targets, target{path: p, matches: matches, typ: typ})
	}

	out := make([]graph.Row, len(rows))
	for i, row := range rows {
		if len(targets) == 0 {
			out[i] = row.Clone()
			continue
		}
		keep := make(map[string]map[int]bool)
		for _, t := range targets {
			markMatches(map[string]any(row), t.path.Levels(), "", t.typ, t.matches, keep)
		}
		if len(keep) == 0 {
			out[i] = row.Clone()
			continue
		}
		filtered := applyKeep(map[string]any(row), "", keep, mode)
		obj, _ := graph.AsObject(filtered)
		out[i] = graph.Row(obj)
	}
	return out
}

func returnsAll(node *graph.Node, path graph.FieldPath) bool {
	var prefix graph.FieldPath
	for _, level := range path.Levels() {
		prefix = prefix.Child(level)
		if f, ok := node.FieldAt(prefix); ok && f.ReturnAllElements {
			return true
		}
	}
	return false
}

func matchKey(typ graph.DataType, v any) string {
	if c, ok := typ.Coerce(v); ok {
		return graph.ValueKey(c)
	}
	return graph.ValueKey(v)
}

// markMatches walks v along levels. For every array crossed it records
// which element indexes lead to a matching value, keyed by the array's
// location. It reports whether anything under v matched.
func markMatches(v any, levels []string, loc string, typ graph.DataType, matches map[string]bool, keep map[string]map[int]bool) bool {
	if v == nil {
		return false
	}
	if arr, ok := graph.AsArray(v); ok {
		kept, ok := keep[loc]
		if !ok {
			kept = make(map[int]bool)
			keep[loc] = kept
		}
		matched := false
		for i, elem := range arr {
			if IsPlaceholder(elem) {
				continue
			}
			if markMatches(elem, levels, elemLoc(loc, i), typ, matches, keep) {
				kept[i] = true
				matched = true
			}
		}
		return matched
	}
	if len(levels) == 0 {
		return matches[matchKey(typ, v)]
	}
	obj, ok := graph.AsObject(v)
	if !ok {
		return false
	}
	return markMatches(obj[levels[0]], levels[1:], keyLoc(loc, levels[0]), typ, matches, keep)
}

// applyKeep rebuilds v, filtering every array that has an entry in keep.
func applyKeep(v any, loc string, keep map[string]map[int]bool, mode Mode) any {
	if arr, ok := graph.AsArray(v); ok {
		kept, filtered := keep[loc]
		out := make([]any, 0, len(arr))
		for i, elem := range arr {
			if filtered && !kept[i] {
				if mode == PlaceholderUnmatched {
					out = append(out, Placeholder)
				}
				continue
			}
			out = append(out, applyKeep(elem, elemLoc(loc, i), keep, mode))
		}
		return out
	}
	if obj, ok := graph.AsObject(v); ok {
		out := make(map[string]any, len(obj))
		for k, val := range obj {
			out[k] = applyKeep(val, keyLoc(loc, k), keep, mode)
		}
		return out
	}
	return v
}

func elemLoc(loc string, i int) string {
	return loc + "[" + strconv.Itoa(i) + "]"
}

func keyLoc(loc, key string) string {
	if loc == "" {
		return key
	}
	return loc + "." + key
}
