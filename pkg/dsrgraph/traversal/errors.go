package traversal

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
)

// ErrTraversal is the sentinel wrapped by every *TraversalError.
var ErrTraversal = errors.New("traversal error")

// TraversalError reports a graph that cannot be planned, such as an edge
// whose source collection does not exist.
type TraversalError struct {
	Address graph.CollectionAddress
	Field   graph.FieldPath
	Message string
}

// Error implements the error interface.
func (e *TraversalError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("traversal: %s: %s", e.Address.Field(e.Field), e.Message)
	}
	return fmt.Sprintf("traversal: %s: %s", e.Address, e.Message)
}

// Unwrap returns ErrTraversal.
func (e *TraversalError) Unwrap() error {
	return ErrTraversal
}
