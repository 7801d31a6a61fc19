package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Direction controls which way data flows along a field reference.
type Direction string

// Reference directions. An empty direction means the reference can be
// followed either way; traversal orients it by discovery order.
const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
)

// Reference points from one field to a field in another collection.
type Reference struct {
	// Dataset owning the referenced field.
	Dataset string `json:"dataset" yaml:"dataset"`

	// Field is "collection.path.to.field".
	Field string `json:"field" yaml:"field"`

	// Direction "from" pulls values out of the referenced field into this
	// one; "to" pushes this field's values into the referenced one.
	Direction Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Address resolves the reference into a FieldAddress.
func (r Reference) Address() (FieldAddress, error) {
	collection, path, ok := strings.Cut(r.Field, ".")
	if !ok || r.Dataset == "" || collection == "" || path == "" {
		return FieldAddress{}, fmt.Errorf("%w: reference %s.%s", ErrInvalidAddress, r.Dataset, r.Field)
	}
	return NewCollectionAddress(r.Dataset, collection).Field(FieldPath(path)), nil
}

// Field describes one (possibly nested) attribute of a collection.
type Field struct {
	Name     string   `json:"name" yaml:"name"`
	DataType DataType `json:"data_type,omitempty" yaml:"data_type,omitempty"`

	PrimaryKey bool `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`

	// Identity names the seed key feeding this field, e.g. "email".
	Identity string `json:"identity,omitempty" yaml:"identity,omitempty"`

	// ReturnAllElements disables array element matching for this field.
	ReturnAllElements bool `json:"return_all_elements,omitempty" yaml:"return_all_elements,omitempty"`

	DataCategories []string    `json:"data_categories,omitempty" yaml:"data_categories,omitempty"`
	References     []Reference `json:"references,omitempty" yaml:"references,omitempty"`

	// Fields holds sub-fields of an object or array-of-object field.
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Collection is a table, endpoint or resource type within a dataset.
type Collection struct {
	Name   string  `json:"name" yaml:"name"`
	Fields []Field `json:"fields" yaml:"fields"`

	// GroupedInputs names fields whose incoming values stay correlated as tuples.
	GroupedInputs []string `json:"grouped_inputs,omitempty" yaml:"grouped_inputs,omitempty"`

	// After lists collection addresses ("dataset:collection") that must
	// finish before this collection runs. Ordering only; no data flows.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// FieldEntry pairs a field with its full path inside the collection.
type FieldEntry struct {
	Path  FieldPath
	Field *Field
}

// Walk returns every field in the collection, depth first, with nested
// fields listed after their parent.
func (c *Collection) Walk() []FieldEntry {
	var out []FieldEntry
	var walk func(prefix FieldPath, fields []Field)
	walk = func(prefix FieldPath, fields []Field) {
		for i := range fields {
			p := prefix.Child(fields[i].Name)
			out = append(out, FieldEntry{Path: p, Field: &fields[i]})
			walk(p, fields[i].Fields)
		}
	}
	walk("", c.Fields)
	return out
}

// FieldAt returns the field at path.
func (c *Collection) FieldAt(path FieldPath) (*Field, bool) {
	fields := c.Fields
	var found *Field
	for _, level := range path.Levels() {
		found = nil
		for i := range fields {
			if fields[i].Name == level {
				found = &fields[i]
				break
			}
		}
		if found == nil {
			return nil, false
		}
		fields = found.Fields
	}
	return found, found != nil
}

// IsGrouped reports whether the top-level field of path is a grouped input.
func (c *Collection) IsGrouped(path FieldPath) bool {
	return slices.Contains(c.GroupedInputs, path.Root()) || slices.Contains(c.GroupedInputs, string(path))
}

// Dataset is one configured data store: a set of collections served by a
// single connection.
type Dataset struct {
	Name          string       `json:"name" yaml:"name"`
	ConnectionKey string       `json:"connection_key" yaml:"connection_key"`
	Collections   []Collection `json:"collections" yaml:"collections"`

	// After lists datasets whose collections must all finish first.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Validate checks the dataset is internally consistent. Cross-dataset
// references are resolved later by traversal.
func (d *Dataset) Validate() error {
	var errs []error
	fail := func(path, format string, args ...any) {
		errs = append(errs, &DatasetError{Dataset: d.Name, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if d.Name == "" {
		fail("", "name is required")
	}
	if strings.ContainsAny(d.Name, ":.") {
		fail("", "name must not contain ':' or '.'")
	}
	if d.Name == rootName || d.Name == terminatorName {
		fail("", "name %q is reserved", d.Name)
	}

	seen := make(map[string]bool, len(d.Collections))
	for i := range d.Collections {
		c := &d.Collections[i]
		if c.Name == "" {
			fail(fmt.Sprintf("collections[%d]", i), "name is required")
			continue
		}
		if seen[c.Name] {
			fail(c.Name, "duplicate collection")
		}
		seen[c.Name] = true
		validateFields(c.Name, c.Fields, fail)

		for _, g := range c.GroupedInputs {
			if _, ok := c.FieldAt(FieldPath(g)); !ok {
				fail(c.Name, "grouped input %q is not a field", g)
			}
		}
		for _, a := range c.After {
			if _, err := ParseCollectionAddress(a); err != nil {
				fail(c.Name, "after: %v", err)
			}
		}
	}
	return errors.Join(errs...)
}

func validateFields(prefix string, fields []Field, fail func(path, format string, args ...any)) {
	names := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		path := prefix + "." + f.Name
		if f.Name == "" || strings.Contains(f.Name, ".") {
			fail(path, "invalid field name")
			continue
		}
		if names[f.Name] {
			fail(path, "duplicate field")
		}
		names[f.Name] = true
		if !f.DataType.Valid() {
			fail(path, "unknown data type %q", f.DataType)
		}
		for _, ref := range f.References {
			if _, err := ref.Address(); err != nil {
				fail(path, "%v", err)
			}
			if ref.Direction != "" && ref.Direction != DirectionFrom && ref.Direction != DirectionTo {
				fail(path, "unknown reference direction %q", ref.Direction)
			}
		}
		validateFields(path, f.Fields, fail)
	}
}

// Node is a collection bound to its dataset and connection.
type Node struct {
	Address       CollectionAddress
	ConnectionKey string
	Collection    *Collection

	categories map[string][]FieldPath
}

func newNode(dataset *Dataset, c *Collection) *Node {
	n := &Node{
		Address:       NewCollectionAddress(dataset.Name, c.Name),
		ConnectionKey: dataset.ConnectionKey,
		Collection:    c,
		categories:    make(map[string][]FieldPath),
	}
	for _, e := range c.Walk() {
		for _, cat := range e.Field.DataCategories {
			n.categories[cat] = append(n.categories[cat], e.Path)
		}
	}
	return n
}

// Dataset returns the owning dataset name.
func (n *Node) Dataset() string {
	return n.Address.Dataset
}

// FieldAt returns the field at path.
func (n *Node) FieldAt(path FieldPath) (*Field, bool) {
	return n.Collection.FieldAt(path)
}

// PrimaryKeys returns the paths of fields flagged primary_key.
func (n *Node) PrimaryKeys() []FieldPath {
	var out []FieldPath
	for _, e := range n.Collection.Walk() {
		if e.Field.PrimaryKey {
			out = append(out, e.Path)
		}
	}
	return out
}

// CategoryIndex returns data category → field paths tagged with it.
func (n *Node) CategoryIndex() map[string][]FieldPath {
	return n.categories
}

// FieldsMatching returns the field paths whose data categories satisfy
// match, grouped by the matched category. Paths are deduplicated.
func (n *Node) FieldsMatching(match func(category string) bool) ([]FieldPath, []string) {
	var paths []FieldPath
	var cats []string
	seen := make(map[FieldPath]bool)
	for cat, fieldPaths := range n.categories {
		if !match(cat) {
			continue
		}
		cats = append(cats, cat)
		for _, p := range fieldPaths {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	slices.Sort(paths)
	slices.Sort(cats)
	return paths, cats
}

// Edge is a directed data dependency: To's collection needs values from
// From's field to be queried.
type Edge struct {
	From FieldAddress
	To   FieldAddress

	// Bidirectional edges may be followed in either direction.
	Bidirectional bool
}

// Reverse swaps the edge endpoints.
func (e Edge) Reverse() Edge {
	return Edge{From: e.To, To: e.From, Bidirectional: e.Bidirectional}
}

// String returns "from -> to".
func (e Edge) String() string {
	arrow := " -> "
	if e.Bidirectional {
		arrow = " <-> "
	}
	return e.From.String() + arrow + e.To.String()
}
