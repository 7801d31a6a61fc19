package dsrgraph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	dsrerrors "github.com/randalmurphal/dsrgraph/pkg/dsrgraph/errors"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// GraphTask runs one action against the connector of one plan node.
type GraphTask struct {
	resources *Resources
	node      *traversal.TraversalNode
	consent   traversal.ConsentNode
	record    *taskstore.RequestTask
	retry     dsrerrors.RetryConfig

	// onRetry runs after a failed attempt that will be retried.
	onRetry func(attempt int, err error, delay time.Duration)

	// onAttempt runs before every attempt after the first.
	onAttempt func(attempt int)
}

// NewGraphTask creates the access or erasure task for node. record is the
// task's persisted state, or a transient record when tasks are not persisted.
func NewGraphTask(res *Resources, node *traversal.TraversalNode, record *taskstore.RequestTask, retry dsrerrors.RetryConfig) *GraphTask {
	return &GraphTask{resources: res, node: node, record: record, retry: retry}
}

// NewConsentTask creates the consent task for one dataset.
func NewConsentTask(res *Resources, node traversal.ConsentNode, record *taskstore.RequestTask, retry dsrerrors.RetryConfig) *GraphTask {
	return &GraphTask{resources: res, consent: node, record: record, retry: retry}
}

// Address returns the plan address the task runs for.
func (t *GraphTask) Address() graph.CollectionAddress {
	if t.node != nil {
		return t.node.Address
	}
	return t.consent.Address
}

// ConnectionKey returns the connection the task runs against.
func (t *GraphTask) ConnectionKey() string {
	if t.node != nil {
		return t.node.Node.ConnectionKey
	}
	return t.consent.ConnectionKey
}

// Access retrieves the node's rows. upstream[i] holds the result of the
// node's i-th data source.
func (t *GraphTask) Access(ctx context.Context, upstream [][]graph.Row) Outcome {
	conn, out := t.guard(ctx, policy.ActionAccess)
	if out != nil {
		return out
	}
	input := transform.Consolidate(t.node, upstream)
	if input.IsEmpty() {
		return Complete{Input: input, Note: "no input values"}
	}

	res := t.call(ctx, "retrieve_data", func(ctx context.Context) (any, error) {
		return conn.RetrieveData(ctx, t.node, t.resources.Policy, t.resources.Request, t.record, input)
	})
	if res.Err != nil {
		return t.failure(res.Err, res.Attempts)
	}
	rows, _ := res.Value.([]graph.Row)
	return Complete{
		Rows:        transform.FilterRows(t.node.Node, rows, input, transform.RemoveUnmatched),
		ErasureRows: transform.FilterRows(t.node.Node, rows, input, transform.PlaceholderUnmatched),
		Input:       input,
	}
}

// Erasure masks rows, the placeholder variant of the node's access result.
// upstream is the access data of the node's sources, as for Access.
func (t *GraphTask) Erasure(ctx context.Context, rows []graph.Row, upstream [][]graph.Row) Outcome {
	conn, out := t.guard(ctx, policy.ActionErasure)
	if out != nil {
		return out
	}
	if !connector.DefersErasure(conn) {
		if len(t.node.Node.PrimaryKeys()) == 0 {
			return Complete{Note: "collection has no primary key"}
		}
		if len(rows) == 0 {
			return Complete{Note: "no rows to mask"}
		}
	}
	input := transform.Consolidate(t.node, upstream)

	res := t.call(ctx, "mask_data", func(ctx context.Context) (any, error) {
		return conn.MaskData(ctx, t.node, t.resources.Policy, t.resources.Request, t.record, graph.CloneRows(rows), input)
	})
	if res.Err != nil {
		return t.failure(res.Err, res.Attempts)
	}
	masked, _ := res.Value.(int)
	return Complete{Masked: masked, Input: input}
}

// Consent propagates the request's consent preferences for identity.
func (t *GraphTask) Consent(ctx context.Context, identity map[string]any) Outcome {
	conn, out := t.guard(ctx, policy.ActionConsent)
	if out != nil {
		return out
	}
	if len(t.resources.Request.ConsentPreferences) == 0 {
		return Skipped{Reason: "no consent preferences"}
	}

	res := t.call(ctx, "run_consent_request", func(ctx context.Context) (any, error) {
		return conn.RunConsentRequest(ctx, t.consent, t.resources.Policy, t.resources.Request, t.record, identity)
	})
	if res.Err != nil {
		return t.failure(res.Err, res.Attempts)
	}
	sent, _ := res.Value.(bool)
	return Complete{ConsentSent: sent}
}

// guard applies the checks that decide the outcome without calling the
// connector. It returns the connector when none of them applies.
func (t *GraphTask) guard(ctx context.Context, action policy.ActionType) (connector.Connector, Outcome) {
	key := t.ConnectionKey()
	conn, ok := t.resources.Connection(key)
	if !ok {
		err := dsrerrors.Configuration(fmt.Errorf("%w: %q", ErrConnectionNotFound, key), t.Address().String())
		return nil, Failed{Err: t.taskError(err, 0)}
	}
	if conn.Disabled {
		return nil, Skipped{Reason: fmt.Sprintf("connection %q is disabled", key)}
	}
	if !conn.ActionEnabled(action) {
		return nil, Skipped{Reason: fmt.Sprintf("%s is not enabled for connection %q", action, key)}
	}
	if action != policy.ActionAccess && !conn.CanWrite() {
		err := dsrerrors.Configuration(fmt.Errorf("%w: %q", ErrNoWriteAccess, key), t.Address().String())
		return nil, Failed{Err: t.taskError(err, 0)}
	}

	c, err := t.resources.Connector(ctx, key)
	if err != nil {
		return nil, Failed{Err: t.taskError(dsrerrors.Configuration(err, t.Address().String()), 0)}
	}
	return c, nil
}

// call runs fn under the task's retry policy. Flow-control errors are never
// retried. A panic becomes a permanent *PanicError.
func (t *GraphTask) call(ctx context.Context, op string, fn func(context.Context) (any, error)) dsrerrors.RetryResult[any] {
	cfg := t.retry
	cfg.RetryableFunc = func(err error) bool {
		return !connector.IsSignal(err) && dsrerrors.IsRetryable(err)
	}
	cfg.OnRetry = t.onRetry

	attempt := 0
	return dsrerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (out any, err error) {
		attempt++
		if attempt > 1 && t.onAttempt != nil {
			t.onAttempt(attempt)
		}
		defer func() {
			if r := recover(); r != nil {
				err = &dsrerrors.PanicError{Operation: op, Value: r, Stack: string(debug.Stack())}
			}
		}()
		return fn(ctx)
	})
}

// failure turns an error returned through the retry policy into an outcome.
func (t *GraphTask) failure(err error, attempts int) Outcome {
	var pause *connector.PauseError
	switch {
	case errors.As(err, &pause):
		return Paused{Reason: pause.Reason}
	case errors.Is(err, connector.ErrPaused):
		return Paused{Reason: err.Error()}
	case errors.Is(err, connector.ErrAwaitingCallback):
		return AwaitingCallback{}
	case errors.Is(err, connector.ErrSkipCollection):
		return Skipped{Reason: "skipped by connector"}
	case errors.Is(err, connector.ErrConsentNotSupported):
		return Skipped{Reason: "consent not supported by connector"}
	case errors.Is(err, connector.ErrRequiresEmail):
		return Complete{Deferred: true, Note: "fulfilled by email"}
	default:
		return Failed{Err: t.taskError(err, attempts), Attempts: attempts}
	}
}

func (t *GraphTask) taskError(err error, attempts int) *TaskError {
	return &TaskError{Action: t.resources.Action, Address: t.Address(), Attempts: attempts, Err: err}
}
