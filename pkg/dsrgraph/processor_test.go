package dsrgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

type recordingWebhooks struct {
	pre, post int
	preErr    error
}

func (w *recordingWebhooks) PreExecution(context.Context, *taskstore.PrivacyRequest) error {
	w.pre++
	return w.preErr
}

func (w *recordingWebhooks) PostExecution(context.Context, *taskstore.PrivacyRequest) error {
	w.post++
	return nil
}

type recordingUploader struct {
	calls   int
	results map[graph.CollectionAddress][]graph.Row
}

func (u *recordingUploader) Upload(_ context.Context, _ *taskstore.PrivacyRequest, results map[graph.CollectionAddress][]graph.Row) error {
	u.calls++
	u.results = results
	return nil
}

type stubEmail struct {
	err  error
	sent []string
}

func (e *stubEmail) Send(_ context.Context, _ *taskstore.PrivacyRequest, connections []string) error {
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, connections...)
	return nil
}

func TestProcess_AccessAndErasure(t *testing.T) {
	env := newTestEnv(t)
	hooks := &recordingWebhooks{}
	uploader := &recordingUploader{}
	p := NewProcessor(env.runner, WithWebhooks(hooks), WithUploader(uploader))
	req := env.submit(t, "erase")

	status, err := p.Process(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)

	assert.Equal(t, 1, hooks.pre)
	assert.Equal(t, 1, hooks.post)
	require.Equal(t, 1, uploader.calls)
	assert.Equal(t, []graph.Row{{"email": "x@example.com", "name": "Ada"}}, uploader.results[usersAddr])
	assert.ElementsMatch(t, []graph.Row{{"address": "1 Main St"}, {"address": "2 Side St"}}, uploader.results[ordersAddr])

	assert.Nil(t, env.db.Rows(usersAddr)[0]["email"])

	stored := env.request(t, req.ID)
	assert.Equal(t, taskstore.StepPostWebhooks, stored.CurrentStep)
	assert.NotNil(t, stored.FinishedAt)

	status, err = p.Process(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)
	assert.Equal(t, 1, hooks.pre)
}

func TestProcess_WebhookFailure(t *testing.T) {
	env := newTestEnv(t)
	hooks := &recordingWebhooks{preErr: errors.New("hook down")}
	p := NewProcessor(env.runner, WithWebhooks(hooks))
	req := env.submit(t, "access")

	status, err := p.Process(context.Background(), req.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook down")
	assert.Equal(t, taskstore.RequestError, status)
	assert.Empty(t, env.db.Inputs(usersAddr))
	assert.Contains(t, env.request(t, req.ID).Message, "hook down")
}

func TestProcess_ResumesAfterCallback(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(usersAddr, connector.ErrAwaitingCallback)
	p := NewProcessor(env.runner)
	req := env.submit(t, "access")
	ctx := context.Background()

	status, err := p.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestInProcessing, status)
	assert.Equal(t, taskstore.StepAccess, env.request(t, req.ID).CurrentStep)

	require.NoError(t, env.runner.CompleteCallback(ctx, req.ID, policy.ActionAccess, usersAddr.String(), callbackUser))
	status, err = p.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)
}

func TestProcess_PausedRequest(t *testing.T) {
	env := newTestEnv(t)
	env.db.Hooks.Retrieve = failOn(ordersAddr, connector.Pause("manual review"))
	p := NewProcessor(env.runner)
	req := env.submit(t, "access")
	ctx := context.Background()

	status, err := p.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestPaused, status)

	status, err = p.Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestPaused, status)
}

func TestProcess_EmailGate(t *testing.T) {
	conns := testConnections()
	conns[1].Type = connector.TypeEmail
	env := newTestEnv(t, withConnections(conns...))
	req := env.submit(t, "consent", taskstore.ConsentPreference{DataUse: "marketing", OptIn: false})
	ctx := context.Background()

	status, err := NewProcessor(env.runner).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestAwaitingEmailSend, status)

	failing := &stubEmail{err: errors.New("smtp down")}
	status, err = NewProcessor(env.runner, WithEmailSender(failing)).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestAwaitingEmailSend, status)
	assert.Contains(t, env.request(t, req.ID).Message, "smtp down")

	sender := &stubEmail{}
	status, err = NewProcessor(env.runner, WithEmailSender(sender)).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)
	assert.Equal(t, []string{"crm_db"}, sender.sent)

	stored := env.request(t, req.ID)
	assert.Empty(t, stored.EmailConnections)
	assert.Equal(t, taskstore.ConsentComplete, stored.ConsentPreferences[0].Propagation["crm_db"])
	assert.Len(t, env.db.ConsentCalls(), 1)
}

func TestProcess_ErasureEmailGate(t *testing.T) {
	conns := testConnections()
	conns[1].Type = connector.TypeEmail
	env := newTestEnv(t, withConnections(conns...))
	req := env.submit(t, "erase")
	ctx := context.Background()

	status, err := NewProcessor(env.runner).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestAwaitingEmailSend, status)
	assert.Equal(t, []string{"crm_db"}, env.request(t, req.ID).EmailConnections)
	assert.Nil(t, env.db.Rows(usersAddr)[0]["email"])
	assert.Equal(t, "likes graphs", env.db.Rows(profilesAddr)[0]["bio"])

	sender := &stubEmail{}
	status, err = NewProcessor(env.runner, WithEmailSender(sender)).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)
	assert.Equal(t, []string{"crm_db"}, sender.sent)
	assert.Empty(t, env.request(t, req.ID).EmailConnections)
}

func TestProcess_ClearsCachedResults(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	req := env.submit(t, "erase")
	ctx := context.Background()

	status, err := NewProcessor(env.runner).Process(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RequestComplete, status)

	keys, err := env.cache.Keys(ctx, "result:"+req.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestProcess_TaskFailure(t *testing.T) {
	env := newTestEnv(t, withSettings(func(s *config.Settings) { s.Durable = false }))
	env.db.Hooks.Retrieve = failOn(usersAddr, errors.New("down"))
	req := env.submit(t, "access")

	status, err := NewProcessor(env.runner).Process(context.Background(), req.ID)
	require.Error(t, err)
	assert.Equal(t, taskstore.RequestError, status)
}
