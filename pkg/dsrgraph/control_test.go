package dsrgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/signal"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
)

var callbackUser = []graph.Row{{"id": 7, "email": "x@example.com", "name": "Ada (callback)"}}

func TestCompleteCallback_ResumesDownstream(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(usersAddr, connector.ErrAwaitingCallback)
	req := env.submit(t, "access")
	ctx := context.Background()

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunAwaiting, res.Status)
	assert.Equal(t, taskstore.StatusAwaitingProcessing, res.Tasks[usersAddr])
	assert.Equal(t, taskstore.StatusComplete, res.Tasks[profilesAddr])
	assert.Empty(t, env.db.Inputs(ordersAddr))
	assert.Equal(t, taskstore.RequestInProcessing, env.request(t, req.ID).Status)

	require.NoError(t, env.runner.CompleteCallback(ctx, req.ID, policy.ActionAccess, usersAddr.String(), callbackUser))
	users := env.task(t, req.ID, policy.ActionAccess, usersAddr)
	assert.Equal(t, taskstore.StatusComplete, users.Status)
	assert.Equal(t, "Ada (callback)", users.AccessData[0]["name"])

	env.db.Hooks.Retrieve = nil
	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 1, res.Executed)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
	assert.Equal(t, "Ada (callback)", res.Results[usersAddr][0]["name"])
}

func TestCompleteCallback_SimpleMode(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	env.db.Hooks.Retrieve = failOn(usersAddr, connector.ErrAwaitingCallback)
	req := env.submit(t, "access")
	ctx := context.Background()

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, RunAwaiting, res.Status)

	require.NoError(t, env.runner.CompleteCallback(ctx, req.ID, policy.ActionAccess, usersAddr.String(), callbackUser))
	env.db.Hooks.Retrieve = nil

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 1, res.Executed)
	assert.Len(t, env.db.Inputs(profilesAddr), 1)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
}

func TestCompleteCallback_TaskNotAwaiting(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()
	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)

	err = env.runner.CompleteCallback(ctx, req.ID, policy.ActionAccess, usersAddr.String(), callbackUser)
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

func TestCompleteCallback_Erasure(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "erase")
	ctx := context.Background()
	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)

	env.db.Hooks.Mask = func(addr graph.CollectionAddress, _ []graph.Row) error {
		if addr == ordersAddr {
			return connector.ErrAwaitingCallback
		}
		return nil
	}
	res, err := env.runner.RunErasure(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, RunAwaiting, res.Status)

	require.NoError(t, env.runner.CompleteCallback(ctx, req.ID, policy.ActionErasure, ordersAddr.String(),
		[]graph.Row{{"id": 100}, {"id": 101}}))
	res, err = env.runner.RunErasure(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, 2, res.Masked[ordersAddr])
}

func TestPause_ResolveWithRows(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(ordersAddr, connector.Pause("manual review"))
	req := env.submit(t, "access")
	ctx := context.Background()

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPaused, res.Status)

	stored := env.request(t, req.ID)
	assert.Equal(t, taskstore.RequestPaused, stored.Status)
	assert.Equal(t, ordersAddr.String(), stored.PausedCollection)
	assert.Equal(t, policy.ActionAccess, stored.PausedAction)
	assert.Equal(t, "manual review", stored.Message)
	assert.NotNil(t, stored.PausedAt)
	assert.Equal(t, taskstore.StatusPaused, env.task(t, req.ID, policy.ActionAccess, ordersAddr).Status)

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPaused, res.Status)
	assert.Zero(t, res.Executed)

	require.NoError(t, env.runner.ResolvePause(ctx, req.ID, []graph.Row{{"id": 200, "user_id": 7, "address": "manual"}}))
	stored = env.request(t, req.ID)
	assert.Equal(t, taskstore.RequestInProcessing, stored.Status)
	assert.Empty(t, stored.PausedCollection)
	assert.Nil(t, stored.PausedAt)

	res, err = env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.Equal(t, []any{200}, ids(res.Results[ordersAddr]))
	assert.Empty(t, env.db.Inputs(ordersAddr))
}

func TestPause_ResolveRerunsTask(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(ordersAddr, connector.Pause("manual review"))
	req := env.submit(t, "access")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)

	env.db.Hooks.Retrieve = nil
	require.NoError(t, env.runner.ResolvePause(ctx, req.ID, nil))
	assert.Equal(t, taskstore.StatusPending, env.task(t, req.ID, policy.ActionAccess, ordersAddr).Status)

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, res.Status)
	assert.ElementsMatch(t, []any{100, 101}, ids(res.Results[ordersAddr]))
}

func TestResolvePause_NotPaused(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")

	err := env.runner.ResolvePause(context.Background(), req.ID, nil)
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestPause_ExpiresWithIdentity(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.IdentityCacheTTL = time.Second }))
	env.db.Hooks.Retrieve = failOn(ordersAddr, connector.Pause("manual review"))
	req := env.submit(t, "access")

	res, err := env.runner.RunAccess(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, RunPaused, res.Status)

	assert.Eventually(t, func() bool {
		stored, err := env.store.GetRequest(context.Background(), req.ID)
		return err == nil && stored.Status == taskstore.RequestError
	}, 5*time.Second, 20*time.Millisecond)

	stored := env.request(t, req.ID)
	assert.Equal(t, pauseExpiredMessage, stored.Message)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, taskstore.StatusError, env.task(t, req.ID, policy.ActionAccess, ordersAddr).Status)
}

func TestPause_ResolveStopsExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(ordersAddr, connector.Pause("manual review"))
	req := env.submit(t, "access")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	env.runner.mu.Lock()
	assert.Contains(t, env.runner.timers, req.ID)
	env.runner.mu.Unlock()

	require.NoError(t, env.runner.ResolvePause(ctx, req.ID, []graph.Row{{"id": 200, "user_id": 7}}))
	env.runner.mu.Lock()
	assert.NotContains(t, env.runner.timers, req.ID)
	env.runner.mu.Unlock()
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()

	require.NoError(t, env.runner.Cancel(ctx, req.ID, "withdrawn"))
	stored := env.request(t, req.ID)
	assert.Equal(t, taskstore.RequestCanceled, stored.Status)
	assert.Equal(t, "withdrawn", stored.Message)

	assert.ErrorIs(t, env.runner.Cancel(ctx, req.ID, "again"), ErrRequestFinished)
	_, err := env.runner.Requeue(ctx, req.ID, policy.ActionAccess)
	assert.ErrorIs(t, err, ErrRequestCanceled)
}

func TestCancel_DuringRun(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "access")
	ctx := context.Background()
	env.db.Hooks.Retrieve = func(addr graph.CollectionAddress, _ transform.Input) error {
		if addr == usersAddr {
			return env.runner.Cancel(ctx, req.ID, "withdrawn")
		}
		return nil
	}

	res, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCanceled, res.Status)
	assert.Empty(t, env.db.Inputs(ordersAddr))
	assert.Equal(t, taskstore.RequestCanceled, env.request(t, req.ID).Status)
}

func TestRequeue_ResetsFailedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(usersAddr, connector.ErrAwaitingCallback)
	req := env.submit(t, "access")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)

	n, err := env.runner.Requeue(ctx, req.ID, policy.ActionAccess)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, taskstore.StatusPending, env.task(t, req.ID, policy.ActionAccess, usersAddr).Status)
	assert.Equal(t, taskstore.StatusComplete, env.task(t, req.ID, policy.ActionAccess, profilesAddr).Status)

	logs, err := env.store.ListLogs(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "requeued 1 task(s)", logs[len(logs)-1].Message)
}

func TestSignals_RouteToControls(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(usersAddr, connector.ErrAwaitingCallback)
	req := env.submit(t, "access")
	ctx := context.Background()

	_, err := env.runner.RunAccess(ctx, req.ID)
	require.NoError(t, err)

	signals := env.runner.Signals()
	assert.ElementsMatch(t, []signal.Kind{signal.KindCallback, signal.KindResume, signal.KindCancel}, signals.Kinds())

	require.NoError(t, signals.Send(ctx, signal.Callback(req.ID, policy.ActionAccess, usersAddr.String(), callbackUser)))
	require.NoError(t, signals.Send(ctx, signal.Resume(req.ID, nil)))
	n, err := signals.Process(ctx, req.ID)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrNotPaused)
	assert.Equal(t, taskstore.StatusComplete, env.task(t, req.ID, policy.ActionAccess, usersAddr).Status)

	require.NoError(t, signals.Send(ctx, signal.Cancel(req.ID, "withdrawn")))
	n, err = signals.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, taskstore.RequestCanceled, env.request(t, req.ID).Status)
}
