package dsrgraph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	dsrerrors "github.com/randalmurphal/dsrgraph/pkg/dsrgraph/errors"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
)

func TestNewRunner_ReportsEveryProblem(t *testing.T) {
	conns := []connector.Connection{
		{Key: "shop_db", Type: memoryType, Access: connector.AccessWrite},
		{Key: "shop_db", Type: memoryType, Access: connector.AccessRead},
		{Key: "bad", Type: memoryType, Access: "admin"},
	}
	policies := []policy.Policy{{Key: "empty"}}

	_, err := NewRunner(testGraph(t), policies, conns, WithStore(taskstore.NewMemoryStore()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate connection "shop_db"`)
	assert.Contains(t, err.Error(), `connection "bad"`)
	assert.Contains(t, err.Error(), "empty")
}

func TestNewRunner_RequiresGraph(t *testing.T) {
	_, err := NewRunner(nil, nil, nil)
	require.Error(t, err)
}

func TestNewRunner_RejectsInvalidSettings(t *testing.T) {
	s := config.Defaults()
	s.Workers = 0
	_, err := NewRunner(testGraph(t), testPolicies(), testConnections(), WithSettings(s))
	require.Error(t, err)
}

func TestSubmit_UnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.runner.Submit(context.Background(), "nope", map[string]any{"email": "x@example.com"})
	require.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestSubmit_CachesIdentity(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")

	var identity map[string]any
	require.NoError(t, env.cache.GetJSON(context.Background(), kvcache.IdentityKey(req.ID), &identity))
	assert.Equal(t, "x@example.com", identity["email"])
	assert.Equal(t, taskstore.RequestPending, req.Status)
}

func TestRunAccess_FollowsReferences(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 3, res.Executed)
	assert.Equal(t, []any{7}, ids(res.Results[usersAddr]))
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
	assert.Equal(t, []any{1}, ids(res.Results[profilesAddr]))

	inputs := env.db.Inputs(ordersAddr)
	require.Len(t, inputs, 1)
	assert.Equal(t, []any{int64(7)}, inputs[0].Values[graph.FieldPath("user_id")])

	for _, addr := range []graph.CollectionAddress{usersAddr, ordersAddr, profilesAddr} {
		task := env.task(t, req.ID, policy.ActionAccess, addr)
		assert.Equal(t, taskstore.StatusComplete, task.Status, addr.String())
		assert.Equal(t, 1, task.Attempts)
		assert.Equal(t, taskstore.StatusComplete, res.Tasks[addr])
	}

	users := env.task(t, req.ID, policy.ActionAccess, usersAddr)
	assert.Equal(t, []string{ordersAddr.String()}, users.DownstreamTasks)
	assert.Equal(t, []string{ordersAddr.String()}, users.AllDescendantTasks)
	orders := env.task(t, req.ID, policy.ActionAccess, ordersAddr)
	assert.Equal(t, []string{usersAddr.String()}, orders.UpstreamTasks)

	assert.Equal(t, taskstore.RequestInProcessing, env.request(t, req.ID).Status)
}

func TestRunAccess_ConcurrentWorkers(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Workers = 4 }))
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 3, res.Executed)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
}

func TestRunAccess_FailureFailsDescendants(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(usersAddr, dsrerrors.Permanent(errors.New("boom"), "users"))
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, RunError, res.Status)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, taskstore.StatusError, res.Tasks[usersAddr])
	assert.Equal(t, taskstore.StatusError, res.Tasks[ordersAddr])
	assert.Equal(t, taskstore.StatusComplete, res.Tasks[profilesAddr])

	var taskErr *TaskError
	require.ErrorAs(t, res.Errors[usersAddr], &taskErr)
	assert.Equal(t, usersAddr, taskErr.Address)
	assert.Equal(t, 1, taskErr.Attempts)
	assert.ErrorIs(t, res.Errors[ordersAddr], ErrUpstreamFailed)

	assert.Equal(t, taskstore.StatusError, env.task(t, req.ID, policy.ActionAccess, ordersAddr).Status)
	assert.Empty(t, env.db.Inputs(ordersAddr))

	stored := env.request(t, req.ID)
	assert.Equal(t, taskstore.RequestError, stored.Status)
	assert.Contains(t, stored.Message, "boom")
	assert.NotNil(t, stored.FinishedAt)
}

func TestRunAccess_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.db.Hooks.Retrieve = func(addr graph.CollectionAddress, _ transform.Input) error {
		if addr == usersAddr && calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 3, env.task(t, req.ID, policy.ActionAccess, usersAddr).Attempts)
}

func TestRunAccess_ExhaustedRetries(t *testing.T) {
	env := newTestEnv(t, withAttempts(2))
	var calls atomic.Int32
	env.db.Hooks.Retrieve = func(addr graph.CollectionAddress, _ transform.Input) error {
		if addr == profilesAddr {
			calls.Add(1)
			return errors.New("timeout")
		}
		return nil
	}
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunError, res.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, env.task(t, req.ID, policy.ActionAccess, profilesAddr).Attempts)
	assert.Equal(t, taskstore.StatusComplete, res.Tasks[ordersAddr])
}

func TestRunAccess_SimpleModeAbortsOnFailure(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	env.db.Hooks.Retrieve = failOn(ordersAddr, dsrerrors.Permanent(errors.New("boom"), "orders"))
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, ordersAddr, taskErr.Address)
	assert.Equal(t, RunError, res.Status)
	assert.Equal(t, taskstore.RequestError, env.request(t, req.ID).Status)

	_, err = env.store.GetTask(context.Background(), req.ID, policy.ActionAccess, usersAddr.String())
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestRunAccess_SimpleModeResumesFromCache(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	env.db.Hooks.Retrieve = failOn(ordersAddr, dsrerrors.Permanent(errors.New("boom"), "orders"))
	req := env.submit(t, "access")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.Error(t, err)

	env.db.Hooks.Retrieve = nil
	_, err = env.runner.Requeue(ctx, req.ID, policy.ActionAccess)
	require.NoError(t, err)

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Len(t, env.db.Inputs(usersAddr), 1)
	assert.Len(t, env.db.Inputs(profilesAddr), 1)
	assert.Len(t, env.db.Inputs(ordersAddr), 1)
	assert.Len(t, res.Results, 3)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
	assert.Equal(t, []any{7.0}, ids(res.Results[usersAddr]))
}

func TestRunAccess_StaleInProcessingTaskHeldUntilRequeue(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()

	// A run that died after claiming users leaves it in_processing.
	require.NoError(t, env.store.SaveTask(ctx, taskstore.NewRequestTask(req.ID, policy.ActionAccess, usersAddr.String())))
	_, err := env.store.ClaimTask(ctx, req.ID, policy.ActionAccess, usersAddr.String())
	require.NoError(t, err)

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunAwaiting, res.Status)
	assert.Equal(t, taskstore.StatusInProcessing, res.Tasks[usersAddr])
	assert.Empty(t, env.db.Inputs(usersAddr))
	assert.Empty(t, env.db.Inputs(ordersAddr))

	n, err := env.runner.Requeue(ctx, req.ID, policy.ActionAccess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
}

func TestRunAccess_DurableResumeRunsOnlyUnfinished(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(ordersAddr, dsrerrors.Permanent(errors.New("boom"), "orders"))
	req := env.submit(t, "access")
	ctx := context.Background()

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, RunError, res.Status)

	env.db.Hooks.Retrieve = nil
	n, err := env.runner.Requeue(ctx, req.ID, policy.ActionAccess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 1, res.Executed)
	assert.Len(t, env.db.Inputs(usersAddr), 1)
	assert.Equal(t, []any{7}, ids(res.Results[usersAddr]))
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Zero(t, res.Executed)
}

func TestRunAccess_DisabledConnectionSkipped(t *testing.T) {
	conns := testConnections()
	conns[1].Disabled = true
	env := newTestEnv(t, withConnections(conns...))
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, taskstore.StatusSkipped, res.Tasks[profilesAddr])
	assert.Empty(t, env.db.Inputs(profilesAddr))
}

func TestRunAccess_CanceledRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()
	require.NoError(t, env.runner.Cancel(ctx, req.ID, "withdrawn"))

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCanceled, res.Status)
	assert.Empty(t, env.db.Inputs(usersAddr))
}

func TestRunAccess_FinishedRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()
	req.Status = taskstore.RequestComplete
	require.NoError(t, env.store.SaveRequest(ctx, req))

	_, err := env.runner.RunAccess(ctx, req.ID)
	assert.ErrorIs(t, err, ErrRequestFinished)
}

func TestRunErasure_MasksAccessedRows(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "erase")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	res, err := env.runner.RunErasure(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 1, res.Masked[usersAddr])
	assert.Equal(t, 2, res.Masked[ordersAddr])
	assert.Equal(t, 1, res.Masked[profilesAddr])
	assert.Equal(t, 4, res.TotalMasked())
	assert.Equal(t, 2, env.task(t, req.ID, policy.ActionErasure, ordersAddr).RowsMasked)

	users := env.db.Rows(usersAddr)
	assert.Nil(t, users[0]["email"])
	assert.Equal(t, "REDACTED", users[0]["name"])
	assert.Equal(t, "y@example.com", users[1]["email"])

	orders := env.db.Rows(ordersAddr)
	assert.Nil(t, orders[0]["address"])
	assert.Nil(t, orders[1]["address"])
	assert.Equal(t, "3 Far Rd", orders[2]["address"])
	assert.Equal(t, 9.5, orders[0]["total"])
}

func TestRunErasure_SimpleMode(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	req := env.submit(t, "erase")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	res, err := env.runner.RunErasure(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 4, res.TotalMasked())
}

func TestRunErasure_RequiresAccess(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "erase")

	_, err := env.runner.RunErasure(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrAccessIncomplete)
}

func TestRunErasure_ReadOnlyConnection(t *testing.T) {
	conns := testConnections()
	conns[0].Access = connector.AccessRead
	env := newTestEnv(t, withConnections(conns...))
	req := env.submit(t, "erase")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	res, err := env.runner.RunErasure(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, RunError, res.Status)
	assert.ErrorIs(t, res.Errors[usersAddr], ErrNoWriteAccess)
	assert.True(t, dsrerrors.IsConfiguration(res.Errors[usersAddr]))
	assert.Equal(t, 1, res.Masked[profilesAddr])
	assert.Equal(t, "Ada", env.db.Rows(usersAddr)[0]["name"])
}

func TestRunConsent_PropagatesPreferences(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "consent", taskstore.ConsentPreference{DataUse: "marketing", OptIn: false})

	res, err := env.runner.RunConsent(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)

	calls := env.db.ConsentCalls()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []string{"shop", "crm"}, []string{calls[0].Dataset, calls[1].Dataset})
	assert.Equal(t, "x@example.com", calls[0].Identity["email"])

	stored := env.request(t, req.ID)
	assert.Equal(t, map[string]taskstore.ConsentStatus{
		"shop_db": taskstore.ConsentComplete,
		"crm_db":  taskstore.ConsentComplete,
	}, stored.ConsentPreferences[0].Propagation)
}

func TestRunConsent_EmailConnectionDeferred(t *testing.T) {
	conns := testConnections()
	conns[1].Type = connector.TypeEmail
	env := newTestEnv(t, withConnections(conns...))
	req := env.submit(t, "consent", taskstore.ConsentPreference{DataUse: "marketing", OptIn: true})

	res, err := env.runner.RunConsent(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)

	stored := env.request(t, req.ID)
	assert.Equal(t, []string{"crm_db"}, stored.EmailConnections)
	assert.Equal(t, taskstore.ConsentPending, stored.ConsentPreferences[0].Propagation["crm_db"])
	assert.Equal(t, taskstore.ConsentComplete, stored.ConsentPreferences[0].Propagation["shop_db"])
}

func TestRunConsent_UnsupportedConnectorSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.db.SupportsConsent = false
	req := env.submit(t, "consent", taskstore.ConsentPreference{DataUse: "marketing"})

	res, err := env.runner.RunConsent(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	for _, status := range res.Tasks {
		assert.Equal(t, taskstore.StatusSkipped, status)
	}
	assert.Equal(t, taskstore.ConsentSkipped, env.request(t, req.ID).ConsentPreferences[0].Propagation["shop_db"])
}

func TestRunAccess_AppendsExecutionLog(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")

	_, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)

	logs, err := env.store.ListLogs(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, entry := range logs {
		assert.Equal(t, taskstore.StatusComplete, entry.Status)
		assert.Equal(t, policy.ActionAccess, entry.ActionType)
	}
	var users *taskstore.ExecutionLog
	for _, entry := range logs {
		if entry.CollectionAddress == usersAddr.String() {
			users = entry
		}
	}
	require.NotNil(t, users)
	assert.Equal(t, "shop_db", users.ConnectionKey)
	assert.ElementsMatch(t, []string{"email", "name"}, users.Fields)
}
