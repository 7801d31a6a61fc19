package connector

import (
	"context"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// EmailConnector stands in for stores a human processes by email. It has
// no data to return; erasure and consent are deferred to the email send
// gate.
type EmailConnector struct{}

// DryRunQuery has nothing to show.
func (EmailConnector) DryRunQuery(*traversal.TraversalNode) (string, bool) {
	return "", false
}

// RetrieveData returns no rows.
func (EmailConnector) RetrieveData(context.Context, *traversal.TraversalNode, *policy.Policy,
	*taskstore.PrivacyRequest, *taskstore.RequestTask, transform.Input) ([]graph.Row, error) {
	return nil, nil
}

// DefersErasure is always true: access never sees this store's rows.
func (EmailConnector) DefersErasure() bool {
	return true
}

// MaskData defers to the email send gate.
func (EmailConnector) MaskData(context.Context, *traversal.TraversalNode, *policy.Policy,
	*taskstore.PrivacyRequest, *taskstore.RequestTask, []graph.Row, transform.Input) (int, error) {
	return 0, ErrRequiresEmail
}

// RunConsentRequest defers to the email send gate.
func (EmailConnector) RunConsentRequest(context.Context, traversal.ConsentNode, *policy.Policy,
	*taskstore.PrivacyRequest, *taskstore.RequestTask, map[string]any) (bool, error) {
	return false, ErrRequiresEmail
}

// TestConnection is skipped; there is nothing to reach.
func (EmailConnector) TestConnection(context.Context) (TestStatus, error) {
	return TestSkipped, nil
}

// Close is a no-op.
func (EmailConnector) Close() error {
	return nil
}
