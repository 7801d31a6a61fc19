package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph construction.
var (
	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidDataset is returned when a dataset definition is malformed.
	ErrInvalidDataset = errors.New("invalid dataset")
)

// DuplicateCollectionAddressError is returned by Merge when two datasets
// declare the same collection address.
type DuplicateCollectionAddressError struct {
	Address CollectionAddress
}

// Error implements the error interface.
func (e *DuplicateCollectionAddressError) Error() string {
	return fmt.Sprintf("duplicate collection address %s", e.Address)
}

// DatasetError describes a single problem in a dataset definition.
type DatasetError struct {
	Dataset string
	Path    string
	Message string
}

// Error implements the error interface.
func (e *DatasetError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("dataset %s: %s", e.Dataset, e.Message)
	}
	return fmt.Sprintf("dataset %s: %s: %s", e.Dataset, e.Path, e.Message)
}

// Unwrap returns ErrInvalidDataset.
func (e *DatasetError) Unwrap() error {
	return ErrInvalidDataset
}
