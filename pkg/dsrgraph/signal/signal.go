// Package signal delivers out-of-band messages to privacy requests:
// third-party callback results, pause resolutions and cancellations.
//
// Signals are queued and applied when the dispatcher processes the target
// request, so a sender never blocks on a running graph.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/registry"
)

// Kind names what a signal asks for.
type Kind string

// Signal kinds.
const (
	// KindCallback delivers rows for a task awaiting an async callback.
	KindCallback Kind = "callback"

	// KindResume resolves a paused request.
	KindResume Kind = "resume"

	// KindCancel cancels a request.
	KindCancel Kind = "cancel"
)

// Status is the delivery state of a signal.
type Status string

// Signal statuses.
const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Errors returned by queues and the dispatcher.
var (
	ErrNotFound  = errors.New("signal not found")
	ErrNoHandler = errors.New("no handler for signal")
)

// Signal is one message to a privacy request.
type Signal struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	RequestID string `json:"request_id"`

	// Action and Collection address the task a callback completes, or the
	// paused task a resume resolves.
	Action     policy.ActionType `json:"action,omitempty"`
	Collection string            `json:"collection,omitempty"`

	// Rows carries a callback's result, or rows supplied by a manual step
	// when resolving a pause.
	Rows   []graph.Row    `json:"rows,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`

	Status      Status     `json:"status"`
	SentAt      time.Time  `json:"sent_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// New returns a pending signal of kind for requestID.
func New(kind Kind, requestID string) *Signal {
	return &Signal{
		ID:        "sig-" + uuid.NewString(),
		Kind:      kind,
		RequestID: requestID,
		Status:    StatusPending,
		SentAt:    time.Now().UTC(),
	}
}

// Callback returns a callback signal carrying rows for one task.
func Callback(requestID string, action policy.ActionType, collection string, rows []graph.Row) *Signal {
	s := New(KindCallback, requestID)
	s.Action = action
	s.Collection = collection
	s.Rows = rows
	return s
}

// Resume returns a signal resolving requestID's pause, optionally with rows
// for the paused collection.
func Resume(requestID string, rows []graph.Row) *Signal {
	s := New(KindResume, requestID)
	s.Rows = rows
	return s
}

// Cancel returns a cancellation signal.
func Cancel(requestID, reason string) *Signal {
	s := New(KindCancel, requestID)
	s.Reason = reason
	return s
}

// Clone returns a deep copy.
func (s *Signal) Clone() *Signal {
	c := *s
	c.Rows = graph.CloneRows(s.Rows)
	c.Meta = maps.Clone(s.Meta)
	if s.ProcessedAt != nil {
		t := *s.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// Queue stores signals until they are processed.
type Queue interface {
	Enqueue(ctx context.Context, sig *Signal) error
	Pending(ctx context.Context, requestID string) ([]*Signal, error)
	Get(ctx context.Context, id string) (*Signal, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	List(ctx context.Context, requestID string) ([]*Signal, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu        sync.RWMutex
	signals   map[string]*Signal
	byRequest map[string][]string
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		signals:   make(map[string]*Signal),
		byRequest: make(map[string][]string),
	}
}

// Enqueue stores a copy of sig, filling in missing ID, status and time.
func (q *MemoryQueue) Enqueue(_ context.Context, sig *Signal) error {
	if sig.ID == "" {
		sig.ID = "sig-" + uuid.NewString()
	}
	if sig.Status == "" {
		sig.Status = StatusPending
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.signals[sig.ID]; exists {
		return fmt.Errorf("signal %s already queued", sig.ID)
	}
	q.signals[sig.ID] = sig.Clone()
	q.byRequest[sig.RequestID] = append(q.byRequest[sig.RequestID], sig.ID)
	return nil
}

// Pending returns the request's pending signals in send order.
func (q *MemoryQueue) Pending(_ context.Context, requestID string) ([]*Signal, error) {
	return q.collect(requestID, func(s *Signal) bool { return s.Status == StatusPending }), nil
}

// List returns all of the request's signals in send order.
func (q *MemoryQueue) List(_ context.Context, requestID string) ([]*Signal, error) {
	return q.collect(requestID, func(*Signal) bool { return true }), nil
}

func (q *MemoryQueue) collect(requestID string, keep func(*Signal) bool) []*Signal {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*Signal
	for _, id := range q.byRequest[requestID] {
		if s := q.signals[id]; s != nil && keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Get returns a copy of the signal with id.
func (q *MemoryQueue) Get(_ context.Context, id string) (*Signal, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	s, ok := q.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// MarkProcessed records successful handling.
func (q *MemoryQueue) MarkProcessed(_ context.Context, id string) error {
	return q.finish(id, StatusProcessed, nil)
}

// MarkFailed records failed handling.
func (q *MemoryQueue) MarkFailed(_ context.Context, id string, cause error) error {
	return q.finish(id, StatusFailed, cause)
}

func (q *MemoryQueue) finish(id string, status Status, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.signals[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = status
	s.ProcessedAt = &now
	if cause != nil {
		s.Error = cause.Error()
	}
	return nil
}

// Handler applies one signal.
type Handler func(ctx context.Context, sig *Signal) error

// Dispatcher routes queued signals to the handler registered for their kind.
type Dispatcher struct {
	handlers *registry.Registry[Kind, Handler]
	queue    Queue
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over queue.
func NewDispatcher(queue Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: registry.New[Kind, Handler](),
		queue:    queue,
		logger:   logger,
	}
}

// Handle registers handler for kind. Each kind takes one handler.
func (d *Dispatcher) Handle(kind Kind, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	return d.handlers.Register(kind, handler)
}

// Kinds lists the kinds with a handler.
func (d *Dispatcher) Kinds() []Kind {
	return d.handlers.Keys()
}

// Send queues sig.
func (d *Dispatcher) Send(ctx context.Context, sig *Signal) error {
	if sig.RequestID == "" {
		return errors.New("signal request ID is required")
	}
	if sig.Kind == "" {
		return errors.New("signal kind is required")
	}
	if err := d.queue.Enqueue(ctx, sig); err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}
	d.logger.Debug("signal sent",
		slog.String("signal_id", sig.ID),
		slog.String("kind", string(sig.Kind)),
		slog.String("request_id", sig.RequestID),
	)
	return nil
}

// Process applies every pending signal of requestID in send order and
// returns how many succeeded. Handler failures are joined into the error;
// processing continues past them.
func (d *Dispatcher) Process(ctx context.Context, requestID string) (int, error) {
	pending, err := d.queue.Pending(ctx, requestID)
	if err != nil {
		return 0, fmt.Errorf("dequeue signals: %w", err)
	}
	var errs []error
	done := 0
	for _, sig := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.apply(ctx, sig); err != nil {
			errs = append(errs, fmt.Errorf("signal %s (%s): %w", sig.ID, sig.Kind, err))
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// ProcessOne applies the signal with id regardless of request.
func (d *Dispatcher) ProcessOne(ctx context.Context, id string) error {
	sig, err := d.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if sig.Status != StatusPending {
		return fmt.Errorf("signal %s already %s", id, sig.Status)
	}
	return d.apply(ctx, sig)
}

func (d *Dispatcher) apply(ctx context.Context, sig *Signal) error {
	handler, ok := d.handlers.Get(sig.Kind)
	if !ok {
		d.fail(ctx, sig, ErrNoHandler)
		return ErrNoHandler
	}
	if err := handler(ctx, sig); err != nil {
		d.fail(ctx, sig, err)
		return err
	}
	if err := d.queue.MarkProcessed(ctx, sig.ID); err != nil {
		d.logger.Error("failed to mark signal processed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	}
	d.logger.Debug("signal processed",
		slog.String("signal_id", sig.ID),
		slog.String("kind", string(sig.Kind)),
		slog.String("request_id", sig.RequestID),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, sig *Signal, cause error) {
	d.logger.Warn("signal handling failed",
		slog.String("signal_id", sig.ID),
		slog.String("kind", string(sig.Kind)),
		slog.String("request_id", sig.RequestID),
		slog.String("error", cause.Error()),
	)
	if err := d.queue.MarkFailed(ctx, sig.ID, cause); err != nil {
		d.logger.Error("failed to mark signal failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	}
}
