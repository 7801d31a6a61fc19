// Package errors classifies task failures and retries transient ones.
//
// Failures fall into three categories:
//   - Transient: network faults, timeouts and any unrecognized connector error.
//     These are retried with exponential backoff.
//   - Configuration: missing edge sources, duplicate collection addresses,
//     unknown connection keys. Fatal and surfaced immediately.
//   - Permanent: failures a retry cannot fix, such as a canceled context or
//     a panicking connector.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryConfiguration indicates the graph, policy or connection
	// definitions are invalid. Never retried.
	CategoryConfiguration

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent
)

var categoryNames = [...]string{
	CategoryTransient:     "transient",
	CategoryConfiguration: "configuration",
	CategoryPermanent:     "permanent",
}

// String returns the category name.
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// CategorizedError pins a category on an error.
type CategorizedError struct {
	Err      error
	Category Category

	// Op names the operation that failed, e.g. a collection address or
	// a connector call.
	Op string

	// Attempts is how many times the operation ran. Zero when unknown.
	Attempts int
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s [%s after %d attempts]", msg, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Category)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Op: op}
}

// Configuration marks err as caused by invalid definitions.
func Configuration(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryConfiguration, Op: op}
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Op: op}
}

// Categorize determines how an error should be handled. The outermost
// CategorizedError wins. Unrecognized errors are transient: a connector
// failure of unknown origin gets the full retry budget before the task is
// marked failed.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		return CategoryPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, errors.ErrUnsupported):
		return CategoryPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}
	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return err != nil && Categorize(err) == CategoryTransient
}

// IsConfiguration reports whether err stems from invalid definitions.
func IsConfiguration(err error) bool {
	return err != nil && Categorize(err) == CategoryConfiguration
}
