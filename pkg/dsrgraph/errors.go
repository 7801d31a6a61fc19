package dsrgraph

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

// Sentinel errors for runs and request control.
var (
	// ErrRequestCanceled indicates the request was canceled before or
	// during the run.
	ErrRequestCanceled = errors.New("privacy request canceled")

	// ErrRequestFinished indicates the request already completed or failed.
	ErrRequestFinished = errors.New("privacy request already finished")

	// ErrPolicyNotFound indicates the request names an unknown policy.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrConnectionNotFound indicates a dataset names an unknown connection.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrNoWriteAccess indicates erasure or consent against a read-only
	// connection.
	ErrNoWriteAccess = errors.New("connection has no write access")

	// ErrNotAwaiting indicates a callback for a task that is not waiting
	// for one.
	ErrNotAwaiting = errors.New("task is not awaiting a callback")

	// ErrNotPaused indicates a pause resolution for a request that is not
	// paused.
	ErrNotPaused = errors.New("privacy request is not paused")

	// ErrAccessIncomplete indicates an erasure run before every access
	// task of the request finished.
	ErrAccessIncomplete = errors.New("access run not complete")

	// ErrUpstreamFailed marks tasks that never ran because a task they
	// depend on failed.
	ErrUpstreamFailed = errors.New("upstream task failed")
)

// TaskError wraps the failure of one graph task.
type TaskError struct {
	Action   policy.ActionType
	Address  graph.CollectionAddress
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %s failed after %d attempt(s): %v", e.Action, e.Address, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}
