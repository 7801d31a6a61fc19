package errors

import "fmt"

// PanicError is returned when a connector call panics.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}
