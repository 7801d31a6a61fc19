package graph

import (
	"fmt"
	"strings"
)

// Reserved names for the synthetic ROOT and TERMINATOR collections.
const (
	rootName       = "__ROOT__"
	terminatorName = "__TERMINATE__"
)

// CollectionAddress uniquely identifies a collection across all datasets.
type CollectionAddress struct {
	Dataset    string `json:"dataset" yaml:"dataset"`
	Collection string `json:"collection" yaml:"collection"`
}

var (
	// RootAddress is the synthetic source of seed identity data.
	RootAddress = CollectionAddress{Dataset: rootName, Collection: rootName}

	// TerminatorAddress is the synthetic sink that collects final outputs.
	TerminatorAddress = CollectionAddress{Dataset: terminatorName, Collection: terminatorName}
)

// NewCollectionAddress returns the address of collection within dataset.
func NewCollectionAddress(dataset, collection string) CollectionAddress {
	return CollectionAddress{Dataset: dataset, Collection: collection}
}

// ParseCollectionAddress parses the "dataset:collection" form produced by String.
func ParseCollectionAddress(s string) (CollectionAddress, error) {
	dataset, collection, ok := strings.Cut(s, ":")
	if !ok || dataset == "" || collection == "" || strings.Contains(collection, ":") {
		return CollectionAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return CollectionAddress{Dataset: dataset, Collection: collection}, nil
}

// String returns "dataset:collection".
func (a CollectionAddress) String() string {
	return a.Dataset + ":" + a.Collection
}

// IsRoot reports whether a is the ROOT sentinel.
func (a CollectionAddress) IsRoot() bool {
	return a == RootAddress
}

// IsTerminator reports whether a is the TERMINATOR sentinel.
func (a CollectionAddress) IsTerminator() bool {
	return a == TerminatorAddress
}

// Field returns the address of path within this collection.
func (a CollectionAddress) Field(path FieldPath) FieldAddress {
	return FieldAddress{Collection: a, Path: path}
}

// FieldPath is a dot-separated path to a possibly nested field, e.g. "address.city".
type FieldPath string

// NewFieldPath joins levels into a FieldPath.
func NewFieldPath(levels ...string) FieldPath {
	return FieldPath(strings.Join(levels, "."))
}

// Levels splits the path into its components.
func (p FieldPath) Levels() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), ".")
}

// Child appends a level to the path.
func (p FieldPath) Child(name string) FieldPath {
	if p == "" {
		return FieldPath(name)
	}
	return FieldPath(string(p) + "." + name)
}

// Root returns the first level of the path.
func (p FieldPath) Root() string {
	first, _, _ := strings.Cut(string(p), ".")
	return first
}

// String implements fmt.Stringer.
func (p FieldPath) String() string {
	return string(p)
}

// Retrieve walks row along the path and returns every value found.
// Arrays encountered along the way are flattened, so a path through an
// array of objects yields one value per matching element. Missing keys
// and nil values contribute nothing.
func (p FieldPath) Retrieve(row Row) []any {
	var out []any
	collect(map[string]any(row), p.Levels(), &out)
	return out
}

func collect(v any, levels []string, out *[]any) {
	if v == nil {
		return
	}
	if arr, ok := AsArray(v); ok {
		for _, elem := range arr {
			collect(elem, levels, out)
		}
		return
	}
	if len(levels) == 0 {
		*out = append(*out, v)
		return
	}
	obj, ok := AsObject(v)
	if !ok {
		return
	}
	collect(obj[levels[0]], levels[1:], out)
}

// Assign writes value at the path inside row, creating intermediate objects.
func (p FieldPath) Assign(row Row, value any) {
	levels := p.Levels()
	if len(levels) == 0 {
		return
	}
	cur := map[string]any(row)
	for _, level := range levels[:len(levels)-1] {
		next, ok := AsObject(cur[level])
		if !ok {
			next = map[string]any{}
			cur[level] = next
		}
		cur = next
	}
	cur[levels[len(levels)-1]] = value
}

// FieldAddress identifies a field within a collection.
type FieldAddress struct {
	Collection CollectionAddress `json:"collection"`
	Path       FieldPath         `json:"path"`
}

// String returns "dataset:collection:path".
func (a FieldAddress) String() string {
	return a.Collection.String() + ":" + string(a.Path)
}
