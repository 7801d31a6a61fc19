package connector

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// rateLimited waits on a token bucket before every call that reaches the
// store.
type rateLimited struct {
	next    Connector
	limiter *rate.Limiter
}

// WithRateLimit wraps c so data calls are limited to perSecond with the
// given burst. A burst below 1 is treated as 1.
func WithRateLimit(c Connector, perSecond float64, burst int) Connector {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: c, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Unwrap returns the wrapped connector.
func (r *rateLimited) Unwrap() Connector {
	return r.next
}

func (r *rateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (r *rateLimited) DryRunQuery(node *traversal.TraversalNode) (string, bool) {
	return r.next.DryRunQuery(node)
}

func (r *rateLimited) RetrieveData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
	req *taskstore.PrivacyRequest, task *taskstore.RequestTask, input transform.Input) ([]graph.Row, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.RetrieveData(ctx, node, pol, req, task, input)
}

func (r *rateLimited) MaskData(ctx context.Context, node *traversal.TraversalNode, pol *policy.Policy,
	req *taskstore.PrivacyRequest, task *taskstore.RequestTask, rows []graph.Row, input transform.Input) (int, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.next.MaskData(ctx, node, pol, req, task, rows, input)
}

func (r *rateLimited) RunConsentRequest(ctx context.Context, node traversal.ConsentNode, pol *policy.Policy,
	req *taskstore.PrivacyRequest, task *taskstore.RequestTask, identity map[string]any) (bool, error) {
	if err := r.wait(ctx); err != nil {
		return false, err
	}
	return r.next.RunConsentRequest(ctx, node, pol, req, task, identity)
}

func (r *rateLimited) TestConnection(ctx context.Context) (TestStatus, error) {
	return r.next.TestConnection(ctx)
}

func (r *rateLimited) Close() error {
	return r.next.Close()
}
