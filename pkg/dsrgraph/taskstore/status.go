package taskstore

import (
	"fmt"
	"slices"
)

// TaskStatus is the execution state of one RequestTask.
type TaskStatus string

// Task statuses. in_processing and retrying are transient.
const (
	StatusPending            TaskStatus = "pending"
	StatusInProcessing       TaskStatus = "in_processing"
	StatusRetrying           TaskStatus = "retrying"
	StatusAwaitingProcessing TaskStatus = "awaiting_processing"
	StatusSkipped            TaskStatus = "skipped"
	StatusPaused             TaskStatus = "paused"
	StatusComplete           TaskStatus = "complete"
	StatusError              TaskStatus = "error"
)

// transitions lists the forward moves of the task state machine. The one
// backward move, a requeue to pending, goes through Store.RequeueTask.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusInProcessing, StatusError, StatusSkipped},
	StatusInProcessing: {
		StatusComplete, StatusError, StatusRetrying,
		StatusAwaitingProcessing, StatusSkipped, StatusPaused,
	},
	StatusRetrying:           {StatusInProcessing, StatusError},
	StatusAwaitingProcessing: {StatusComplete, StatusError},
	StatusPaused:             {StatusComplete, StatusError},
}

// CanTransition reports whether a task may move forward from one status
// to another.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// checkSave validates replacing stored with next. Saving progress without
// a status change is always allowed.
func checkSave(stored, next *RequestTask) error {
	if stored.Status == next.Status || CanTransition(stored.Status, next.Status) {
		return nil
	}
	return &TransitionError{Address: next.CollectionAddress, From: stored.Status, To: next.Status}
}

// checkRequeue validates moving stored back to pending.
func checkRequeue(stored *RequestTask) error {
	if stored.Status == StatusPending {
		return &TransitionError{Address: stored.CollectionAddress, From: StatusPending, To: StatusPending}
	}
	return nil
}

// IsTerminal reports whether the task will not run again without a requeue.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuspended reports whether the task is waiting on something outside the run.
func (s TaskStatus) IsSuspended() bool {
	return s == StatusAwaitingProcessing || s == StatusPaused
}

// TransitionError is returned for a move the state machine forbids.
type TransitionError struct {
	Address string
	From    TaskStatus
	To      TaskStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.Address, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RequestStatus is the overall state of a privacy request.
type RequestStatus string

// Privacy request statuses.
const (
	RequestPending           RequestStatus = "pending"
	RequestInProcessing      RequestStatus = "in_processing"
	RequestPaused            RequestStatus = "paused"
	RequestAwaitingEmailSend RequestStatus = "awaiting_email_send"
	RequestComplete          RequestStatus = "complete"
	RequestError             RequestStatus = "error"
	RequestCanceled          RequestStatus = "canceled"
)

// IsFinished reports whether the request has reached a final status.
func (s RequestStatus) IsFinished() bool {
	return s == RequestComplete || s == RequestError || s == RequestCanceled
}

// Step is a checkpoint marking the phase a request was in.
type Step string

// Processing phases, in execution order.
const (
	StepPreWebhooks     Step = "pre_webhooks"
	StepAccess          Step = "access"
	StepUploadAccess    Step = "upload_access"
	StepErasure         Step = "erasure"
	StepFinalizeErasure Step = "finalize_erasure"
	StepConsent         Step = "consent"
	StepFinalizeConsent Step = "finalize_consent"
	StepEmailPostSend   Step = "email_post_send"
	StepPostWebhooks    Step = "post_webhooks"
)

// Steps lists every phase in execution order.
var Steps = []Step{
	StepPreWebhooks,
	StepAccess,
	StepUploadAccess,
	StepErasure,
	StepFinalizeErasure,
	StepConsent,
	StepFinalizeConsent,
	StepEmailPostSend,
	StepPostWebhooks,
}

// Index returns the step's position in Steps, or -1.
func (s Step) Index() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}
