// Package taskstore persists privacy requests, their per-collection tasks
// and the execution log.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a request or task doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("task store closed")

	// ErrTaskClaimed indicates another run is already processing the task.
	ErrTaskClaimed = errors.New("task already in processing")

	// ErrInvalidTransition is wrapped by *TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RequestTask is the persisted execution record of one collection for one
// action of one privacy request.
type RequestTask struct {
	ID                 string            `json:"id"`
	PrivacyRequestID   string            `json:"privacy_request_id"`
	ActionType         policy.ActionType `json:"action_type"`
	CollectionAddress  string            `json:"collection_address"`
	Status             TaskStatus        `json:"status"`
	UpstreamTasks      []string          `json:"upstream_tasks"`
	DownstreamTasks    []string          `json:"downstream_tasks"`
	AllDescendantTasks []string          `json:"all_descendant_tasks"`

	// AccessData holds access results with unmatched array elements removed.
	AccessData []graph.Row `json:"access_data,omitempty"`

	// DataForErasures holds access results with unmatched array elements
	// replaced by a placeholder.
	DataForErasures []graph.Row `json:"data_for_erasures,omitempty"`

	RowsMasked  int  `json:"rows_masked"`
	ConsentSent bool `json:"consent_sent"`
	Attempts    int  `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRequestTask returns a pending task with a fresh ID.
func NewRequestTask(requestID string, action policy.ActionType, address string) *RequestTask {
	now := time.Now().UTC()
	return &RequestTask{
		ID:                "task-" + uuid.NewString(),
		PrivacyRequestID:  requestID,
		ActionType:        action,
		CollectionAddress: address,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy.
func (t *RequestTask) Clone() *RequestTask {
	c := *t
	c.UpstreamTasks = cloneStrings(t.UpstreamTasks)
	c.DownstreamTasks = cloneStrings(t.DownstreamTasks)
	c.AllDescendantTasks = cloneStrings(t.AllDescendantTasks)
	c.AccessData = graph.CloneRows(t.AccessData)
	c.DataForErasures = graph.CloneRows(t.DataForErasures)
	return &c
}

// ConsentStatus records what happened to a consent preference at one connection.
type ConsentStatus string

// Consent propagation outcomes.
const (
	ConsentPending  ConsentStatus = "pending"
	ConsentComplete ConsentStatus = "complete"
	ConsentSkipped  ConsentStatus = "skipped"
	ConsentError    ConsentStatus = "error"
)

// ConsentPreference is one opt-in or opt-out submitted with the request.
type ConsentPreference struct {
	DataUse string `json:"data_use"`
	OptIn   bool   `json:"opt_in"`

	// Propagation maps connection key to the outcome at that connection.
	Propagation map[string]ConsentStatus `json:"propagation,omitempty"`
}

// PrivacyRequest is a data subject request being processed.
type PrivacyRequest struct {
	ID          string         `json:"id"`
	PolicyKey   string         `json:"policy_key"`
	Status      RequestStatus  `json:"status"`
	Identity    map[string]any `json:"identity"`
	CurrentStep Step           `json:"current_step,omitempty"`

	// PausedAt and PausedCollection describe the pause, when paused.
	PausedAt         *time.Time        `json:"paused_at,omitempty"`
	PausedCollection string            `json:"paused_collection,omitempty"`
	PausedAction     policy.ActionType `json:"paused_action,omitempty"`

	ConsentPreferences []ConsentPreference `json:"consent_preferences,omitempty"`

	// EmailConnections lists connections whose erasure or consent must be
	// fulfilled by the email send gate before the request can complete.
	EmailConnections []string `json:"email_connections,omitempty"`

	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewPrivacyRequest returns a pending request with a fresh ID.
func NewPrivacyRequest(policyKey string, identity map[string]any) *PrivacyRequest {
	now := time.Now().UTC()
	return &PrivacyRequest{
		ID:        "pri-" + uuid.NewString(),
		PolicyKey: policyKey,
		Status:    RequestPending,
		Identity:  identity,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (r *PrivacyRequest) Clone() *PrivacyRequest {
	c := *r
	if r.Identity != nil {
		c.Identity = graph.Row(r.Identity).Clone()
	}
	if r.PausedAt != nil {
		t := *r.PausedAt
		c.PausedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	c.EmailConnections = cloneStrings(r.EmailConnections)
	if r.ConsentPreferences != nil {
		c.ConsentPreferences = make([]ConsentPreference, len(r.ConsentPreferences))
		for i, p := range r.ConsentPreferences {
			c.ConsentPreferences[i] = p
			if p.Propagation != nil {
				c.ConsentPreferences[i].Propagation = make(map[string]ConsentStatus, len(p.Propagation))
				for k, v := range p.Propagation {
					c.ConsentPreferences[i].Propagation[k] = v
				}
			}
		}
	}
	return &c
}

// ExecutionLog is one user-visible entry in a request's execution history.
type ExecutionLog struct {
	ID                string            `json:"id"`
	PrivacyRequestID  string            `json:"privacy_request_id"`
	ActionType        policy.ActionType `json:"action_type"`
	CollectionAddress string            `json:"collection_address"`
	ConnectionKey     string            `json:"connection_key"`
	Status            TaskStatus        `json:"status"`
	Message           string            `json:"message,omitempty"`
	Fields            []string          `json:"fields,omitempty"`
	DataCategories    []string          `json:"data_categories,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Store persists requests, tasks and logs.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveRequest inserts or replaces a privacy request.
	SaveRequest(ctx context.Context, req *PrivacyRequest) error

	// GetRequest returns ErrNotFound if the request doesn't exist.
	GetRequest(ctx context.Context, id string) (*PrivacyRequest, error)

	// ListRequests returns all requests ordered by creation time.
	ListRequests(ctx context.Context) ([]*PrivacyRequest, error)

	// DeleteRequest removes a request with its tasks and logs.
	DeleteRequest(ctx context.Context, id string) error

	// SaveTask inserts or replaces the task identified by
	// (PrivacyRequestID, ActionType, CollectionAddress). A replacement
	// must move the status forward or leave it unchanged; anything else
	// returns a *TransitionError and writes nothing.
	SaveTask(ctx context.Context, task *RequestTask) error

	// RequeueTask moves a task back to pending so the next run executes
	// it again. Returns ErrNotFound if the task doesn't exist and a
	// *TransitionError if it is already pending.
	RequeueTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error)

	// GetTask returns ErrNotFound if the task doesn't exist.
	GetTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error)

	// ListTasks returns a request's tasks for one action in creation order.
	ListTasks(ctx context.Context, requestID string, action policy.ActionType) ([]*RequestTask, error)

	// ClaimTask atomically moves a pending task to in_processing.
	// Returns ErrTaskClaimed if it is already in processing.
	ClaimTask(ctx context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error)

	// AppendLog records an execution log entry.
	AppendLog(ctx context.Context, entry *ExecutionLog) error

	// ListLogs returns a request's log in insertion order.
	ListLogs(ctx context.Context, requestID string) ([]*ExecutionLog, error)

	// Close releases any resources (connections, files).
	Close() error
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// claimError explains why a task that is not pending could not be claimed.
func claimError(task *RequestTask) error {
	if task.Status == StatusInProcessing {
		return ErrTaskClaimed
	}
	return &TransitionError{Address: task.CollectionAddress, From: task.Status, To: StatusInProcessing}
}
