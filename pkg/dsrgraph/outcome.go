package dsrgraph

import (
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
)

// Outcome is the result of one GraphTask invocation. It is one of
// Complete, Skipped, AwaitingCallback, Paused or Failed.
type Outcome interface {
	// Status is the task status the outcome records.
	Status() taskstore.TaskStatus
	outcome()
}

// Complete is a successful task.
type Complete struct {
	// Rows are the access results with unmatched array elements removed.
	Rows []graph.Row

	// ErasureRows are the access results with unmatched array elements
	// replaced by transform.Placeholder.
	ErasureRows []graph.Row

	// Input is the consolidated query input the task ran with.
	Input transform.Input

	// Masked counts rows changed by an erasure.
	Masked int

	// ConsentSent reports whether a consent task propagated anything.
	ConsentSent bool

	// Deferred marks work the connector handed to the email send gate.
	// The task counts as done but the request cannot complete until the
	// email is sent.
	Deferred bool

	// Note explains a no-op completion, e.g. a collection without
	// primary keys under erasure.
	Note string
}

// Skipped is a task that did not apply. Downstream tasks run with an empty
// result in its place.
type Skipped struct {
	Reason string
}

// AwaitingCallback is a task whose result a third party will deliver
// later. Its downstream tasks wait.
type AwaitingCallback struct{}

// Paused halts the whole request until it is resolved.
type Paused struct {
	Reason string
}

// Failed is a task that errored, after retries when the error was
// retryable.
type Failed struct {
	Err      error
	Attempts int
}

func (Complete) Status() taskstore.TaskStatus         { return taskstore.StatusComplete }
func (Skipped) Status() taskstore.TaskStatus          { return taskstore.StatusSkipped }
func (AwaitingCallback) Status() taskstore.TaskStatus { return taskstore.StatusAwaitingProcessing }
func (Paused) Status() taskstore.TaskStatus           { return taskstore.StatusPaused }
func (Failed) Status() taskstore.TaskStatus           { return taskstore.StatusError }

func (Complete) outcome()         {}
func (Skipped) outcome()          {}
func (AwaitingCallback) outcome() {}
func (Paused) outcome()           {}
func (Failed) outcome()           {}
