package connector

import (
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
)

// MaskTarget is one field to overwrite during erasure and its replacement.
type MaskTarget struct {
	Path  graph.FieldPath
	Value any
}

// MaskTargets returns the fields of node that the policy's erasure rules
// target, each with the replacement its rule's masking strategy produces.
// A path tagged with several matching categories takes the first rule found
// in category order.
func MaskTargets(node *graph.Node, pol *policy.Policy) []MaskTarget {
	if pol == nil {
		return nil
	}
	_, cats := node.FieldsMatching(pol.Matcher(policy.ActionErasure))
	index := node.CategoryIndex()
	seen := make(map[graph.FieldPath]bool)
	var out []MaskTarget
	for _, cat := range cats {
		rule, ok := pol.RuleFor(policy.ActionErasure, cat)
		if !ok {
			continue
		}
		var value any
		if rule.MaskingStrategy == policy.MaskString {
			value = rule.MaskValue
		}
		for _, p := range index[cat] {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, MaskTarget{Path: p, Value: value})
		}
	}
	return out
}

// MaskRow overwrites target inside row, walking ref alongside it. ref is the
// placeholder variant of the access result for the same record: array
// elements holding transform.Placeholder in ref keep their value in row.
// Reports whether anything changed.
func MaskRow(row, ref graph.Row, target MaskTarget) bool {
	_, changed := maskAt(map[string]any(row), map[string]any(ref), target.Path.Levels(), target.Value)
	return changed
}

func maskAt(v, ref any, levels []string, value any) (any, bool) {
	if refArr, ok := graph.AsArray(ref); ok {
		arr, ok := graph.AsArray(v)
		if !ok {
			return v, false
		}
		changed := false
		for i := range arr {
			if i >= len(refArr) || transform.IsPlaceholder(refArr[i]) {
				continue
			}
			var c bool
			arr[i], c = maskAt(arr[i], refArr[i], levels, value)
			changed = changed || c
		}
		return arr, changed
	}
	if len(levels) == 0 {
		if v == nil || transform.IsPlaceholder(ref) {
			return nil, false
		}
		return value, true
	}
	obj, ok := graph.AsObject(v)
	if !ok {
		return v, false
	}
	refObj, ok := graph.AsObject(ref)
	if !ok {
		return v, false
	}
	cur, present := obj[levels[0]]
	if !present {
		return v, false
	}
	next, changed := maskAt(cur, refObj[levels[0]], levels[1:], value)
	obj[levels[0]] = next
	return obj, changed
}
