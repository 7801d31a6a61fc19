package taskstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
)

// MemoryStore is an in-memory store for tests and single-shot CLI runs.
// Data is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*PrivacyRequest
	tasks    map[taskKey]*RequestTask
	taskSeq  map[taskKey]int
	logs     map[string][]*ExecutionLog
	seq      int
	closed   bool
}

type taskKey struct {
	requestID string
	action    policy.ActionType
	address   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*PrivacyRequest),
		tasks:    make(map[taskKey]*RequestTask),
		taskSeq:  make(map[taskKey]int),
		logs:     make(map[string][]*ExecutionLog),
	}
}

// SaveRequest implements Store.
func (m *MemoryStore) SaveRequest(_ context.Context, req *PrivacyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	stored := req.Clone()
	stored.UpdatedAt = time.Now().UTC()
	m.requests[req.ID] = stored
	return nil
}

// GetRequest implements Store.
func (m *MemoryStore) GetRequest(_ context.Context, id string) (*PrivacyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// ListRequests implements Store.
func (m *MemoryStore) ListRequests(_ context.Context) ([]*PrivacyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*PrivacyRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *PrivacyRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// DeleteRequest implements Store.
func (m *MemoryStore) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.requests, id)
	delete(m.logs, id)
	for k := range m.tasks {
		if k.requestID == id {
			delete(m.tasks, k)
			delete(m.taskSeq, k)
		}
	}
	return nil
}

// SaveTask implements Store.
func (m *MemoryStore) SaveTask(_ context.Context, task *RequestTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	k := keyOf(task)
	if prev, ok := m.tasks[k]; ok {
		if err := checkSave(prev, task); err != nil {
			return err
		}
	}
	if _, ok := m.taskSeq[k]; !ok {
		m.seq++
		m.taskSeq[k] = m.seq
	}
	stored := task.Clone()
	stored.UpdatedAt = time.Now().UTC()
	m.tasks[k] = stored
	return nil
}

// RequeueTask implements Store.
func (m *MemoryStore) RequeueTask(_ context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	task, ok := m.tasks[taskKey{requestID, action, address}]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkRequeue(task); err != nil {
		return nil, err
	}
	task.Status = StatusPending
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// GetTask implements Store.
func (m *MemoryStore) GetTask(_ context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	task, ok := m.tasks[taskKey{requestID, action, address}]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// ListTasks implements Store.
func (m *MemoryStore) ListTasks(_ context.Context, requestID string, action policy.ActionType) ([]*RequestTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var keys []taskKey
	for k := range m.tasks {
		if k.requestID == requestID && k.action == action {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b taskKey) int {
		return m.taskSeq[a] - m.taskSeq[b]
	})
	out := make([]*RequestTask, len(keys))
	for i, k := range keys {
		out[i] = m.tasks[k].Clone()
	}
	return out, nil
}

// ClaimTask implements Store.
func (m *MemoryStore) ClaimTask(_ context.Context, requestID string, action policy.ActionType, address string) (*RequestTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	task, ok := m.tasks[taskKey{requestID, action, address}]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != StatusPending {
		return nil, claimError(task)
	}
	task.Status = StatusInProcessing
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// AppendLog implements Store.
func (m *MemoryStore) AppendLog(_ context.Context, entry *ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	stored := *entry
	if stored.ID == "" {
		stored.ID = "log-" + uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Fields = cloneStrings(entry.Fields)
	stored.DataCategories = cloneStrings(entry.DataCategories)
	m.logs[entry.PrivacyRequestID] = append(m.logs[entry.PrivacyRequestID], &stored)
	return nil
}

// ListLogs implements Store.
func (m *MemoryStore) ListLogs(_ context.Context, requestID string) ([]*ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*ExecutionLog, len(m.logs[requestID]))
	for i, l := range m.logs[requestID] {
		c := *l
		out[i] = &c
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.requests = nil
	m.tasks = nil
	m.logs = nil
	return nil
}

func keyOf(t *RequestTask) taskKey {
	return taskKey{requestID: t.PrivacyRequestID, action: t.ActionType, address: t.CollectionAddress}
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
