// Package connector defines the capability set the engine needs from a data
// store, plus reference implementations.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// Connector queries and mutates one external data store.
// Implementations must be safe for concurrent use.
type Connector interface {
	// DryRunQuery describes the query RetrieveData would issue for node.
	// The second result is false when the connector has nothing to show.
	DryRunQuery(node *traversal.TraversalNode) (string, bool)

	// RetrieveData returns the rows of node matching input.
	RetrieveData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
		req *taskstore.PrivacyRequest, task *taskstore.RequestTask, input transform.Input) ([]graph.Row, error)

	// MaskData masks the policy's erasure targets in rows and returns how
	// many rows were changed. Array elements holding transform.Placeholder
	// must be left alone.
	MaskData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
		req *taskstore.PrivacyRequest, task *taskstore.RequestTask, rows []graph.Row, input transform.Input) (int, error)

	// RunConsentRequest propagates the request's consent preferences for
	// the seed identity and reports whether anything was sent.
	RunConsentRequest(ctx context.Context, node traversal.ConsentNode, pol *policy.Policy,
		req *taskstore.PrivacyRequest, task *taskstore.RequestTask, identity map[string]any) (bool, error)

	// TestConnection checks the store is reachable.
	TestConnection(ctx context.Context) (TestStatus, error)

	// Close releases any resources (connections, files).
	Close() error
}

// TestStatus is the result of TestConnection.
type TestStatus string

// Connection test results.
const (
	TestSucceeded TestStatus = "succeeded"
	TestFailed    TestStatus = "failed"
	TestSkipped   TestStatus = "skipped"
)

// Flow-control errors a connector returns to steer the task instead of
// failing it. The task converts each into a distinct outcome.
var (
	// ErrAwaitingCallback: a third party will deliver the result later.
	ErrAwaitingCallback = errors.New("awaiting async callback")

	// ErrSkipCollection: the collection does not apply to this request.
	ErrSkipCollection = errors.New("collection skipped")

	// ErrConsentNotSupported: the connector has no consent capability.
	ErrConsentNotSupported = errors.New("consent propagation not supported")

	// ErrRequiresEmail: fulfillment happens out of band through the
	// email send gate.
	ErrRequiresEmail = errors.New("fulfillment requires email send")

	// ErrPaused is wrapped by *PauseError.
	ErrPaused = errors.New("request paused")
)

// PauseError halts the whole privacy request until it is resolved
// externally, typically by a manual task.
type PauseError struct {
	Reason string
}

// Error implements the error interface.
func (e *PauseError) Error() string {
	return fmt.Sprintf("request paused: %s", e.Reason)
}

// Unwrap returns ErrPaused.
func (e *PauseError) Unwrap() error {
	return ErrPaused
}

// Pause returns a *PauseError with reason.
func Pause(reason string) error {
	return &PauseError{Reason: reason}
}

// IsSignal reports whether err is one of the flow-control errors.
func IsSignal(err error) bool {
	return errors.Is(err, ErrAwaitingCallback) ||
		errors.Is(err, ErrSkipCollection) ||
		errors.Is(err, ErrConsentNotSupported) ||
		errors.Is(err, ErrRequiresEmail) ||
		errors.Is(err, ErrPaused)
}

// ErasureDeferrer is implemented by connectors that fulfill erasure out of
// band. Their MaskData runs even when access found nothing to mask.
type ErasureDeferrer interface {
	DefersErasure() bool
}

// DefersErasure reports whether c, or a connector it wraps, defers erasure.
func DefersErasure(c Connector) bool {
	for c != nil {
		if d, ok := c.(ErasureDeferrer); ok && d.DefersErasure() {
			return true
		}
		w, ok := c.(interface{ Unwrap() Connector })
		if !ok {
			return false
		}
		c = w.Unwrap()
	}
	return false
}
