package dsrgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/observability"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/signal"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/transform"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// pauseExpiredMessage is recorded on requests whose pause timed out.
const pauseExpiredMessage = "pause expired before it was resolved"

// pauseTimer is the pending expiry of one paused request.
type pauseTimer struct {
	timer *time.Timer
}

// Requeue resets the request's failed, suspended and stale tasks of action
// to pending and moves an errored or paused request back to processing.
// The next run of action executes them again. It returns how many tasks
// were reset.
func (r *Runner) Requeue(ctx context.Context, requestID string, action policy.ActionType) (int, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return 0, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == taskstore.RequestCanceled {
		return 0, ErrRequestCanceled
	}

	n := 0
	if r.cfg.settings.Durable {
		tasks, err := r.store.ListTasks(ctx, requestID, action)
		if err != nil {
			return 0, fmt.Errorf("load tasks: %w", err)
		}
		for _, t := range tasks {
			switch t.Status {
			case taskstore.StatusError, taskstore.StatusPaused, taskstore.StatusAwaitingProcessing,
				taskstore.StatusInProcessing, taskstore.StatusRetrying:
			default:
				continue
			}
			if _, err := r.store.RequeueTask(ctx, requestID, action, t.CollectionAddress); err != nil {
				return n, fmt.Errorf("requeue task %s: %w", t.CollectionAddress, err)
			}
			n++
		}
	}

	if req.Status == taskstore.RequestError || req.Status == taskstore.RequestPaused {
		r.stopPauseExpiry(requestID)
		req.Status = taskstore.RequestInProcessing
		req.FinishedAt = nil
		clearPause(req)
		req.Message = ""
		if err := r.store.SaveRequest(ctx, req); err != nil {
			return n, fmt.Errorf("save request %s: %w", requestID, err)
		}
	}
	r.appendLog(ctx, &taskstore.ExecutionLog{
		PrivacyRequestID: requestID,
		ActionType:       action,
		Status:           taskstore.StatusPending,
		Message:          fmt.Sprintf("requeued %d task(s)", n),
	})
	r.logger.Info("request requeued",
		slog.String("request_id", requestID),
		slog.String("action", string(action)),
		slog.Int("tasks", n),
	)
	return n, nil
}

// CompleteCallback stores the result a third party delivered for a task
// awaiting a callback and marks the task complete. Access rows are
// filtered against the task's input like any other access result; for
// erasure, the number of rows counts as masked. Run the action again to
// continue with the task's downstream.
func (r *Runner) CompleteCallback(ctx context.Context, requestID string, action policy.ActionType, address string, rows []graph.Row) error {
	addr, err := graph.ParseCollectionAddress(address)
	if err != nil {
		return err
	}
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status.IsFinished() {
		return fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}

	record, err := r.suspendedTask(ctx, requestID, action, addr, taskstore.StatusAwaitingProcessing)
	if err != nil {
		return err
	}
	if err := r.completeWith(ctx, req, action, addr, record, rows); err != nil {
		return err
	}
	r.appendLog(ctx, &taskstore.ExecutionLog{
		PrivacyRequestID:  requestID,
		ActionType:        action,
		CollectionAddress: address,
		Status:            taskstore.StatusComplete,
		Message:           "callback received",
	})
	return nil
}

// ResolvePause moves a paused request back to processing. When rows is
// non-nil the paused task completes with them, as if its connector had
// returned them; otherwise the task runs again on the next run.
func (r *Runner) ResolvePause(ctx context.Context, requestID string, rows []graph.Row) error {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != taskstore.RequestPaused {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, requestID, req.Status)
	}
	r.stopPauseExpiry(requestID)

	action := req.PausedAction
	if req.PausedCollection != "" {
		addr, err := graph.ParseCollectionAddress(req.PausedCollection)
		if err != nil {
			return err
		}
		if rows != nil {
			record, err := r.suspendedTask(ctx, requestID, action, addr, taskstore.StatusPaused)
			if err != nil {
				return err
			}
			if err := r.completeWith(ctx, req, action, addr, record, rows); err != nil {
				return err
			}
		} else if r.cfg.settings.Durable {
			if _, err := r.suspendedTask(ctx, requestID, action, addr, taskstore.StatusPaused); err != nil {
				return err
			}
			if _, err := r.store.RequeueTask(ctx, requestID, action, addr.String()); err != nil {
				return fmt.Errorf("requeue task %s: %w", addr, err)
			}
		}
	}

	collection := req.PausedCollection
	req.Status = taskstore.RequestInProcessing
	req.Message = ""
	clearPause(req)
	if err := r.store.SaveRequest(ctx, req); err != nil {
		return fmt.Errorf("save request %s: %w", requestID, err)
	}
	r.appendLog(ctx, &taskstore.ExecutionLog{
		PrivacyRequestID:  requestID,
		ActionType:        action,
		CollectionAddress: collection,
		Status:            taskstore.StatusPending,
		Message:           "pause resolved",
	})
	return nil
}

// Cancel stops the request. Runs in progress exit at their next
// checkpoint; connector calls in flight are not interrupted.
func (r *Runner) Cancel(ctx context.Context, requestID, reason string) error {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status.IsFinished() {
		return fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}
	r.stopPauseExpiry(requestID)

	now := time.Now().UTC()
	req.Status = taskstore.RequestCanceled
	req.Message = reason
	req.FinishedAt = &now
	if err := r.store.SaveRequest(ctx, req); err != nil {
		return fmt.Errorf("save request %s: %w", requestID, err)
	}
	r.logger.Info("request canceled",
		slog.String("request_id", requestID),
		slog.String("reason", reason),
	)
	return nil
}

// suspendedTask returns the record of a task expected to be in status.
// Without persisted tasks there is nothing to check and a transient record
// is returned.
func (r *Runner) suspendedTask(ctx context.Context, requestID string, action policy.ActionType, addr graph.CollectionAddress, status taskstore.TaskStatus) (*taskstore.RequestTask, error) {
	if !r.cfg.settings.Durable {
		t := taskstore.NewRequestTask(requestID, action, addr.String())
		t.Status = status
		return t, nil
	}
	t, err := r.store.GetTask(ctx, requestID, action, addr.String())
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", addr, err)
	}
	if t.Status != status {
		if status == taskstore.StatusAwaitingProcessing {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, addr, t.Status)
		}
		return nil, &taskstore.TransitionError{Address: addr.String(), From: t.Status, To: taskstore.StatusComplete}
	}
	return t, nil
}

// completeWith completes a suspended task with externally supplied rows and
// stores the result where the next run will find it.
func (r *Runner) completeWith(ctx context.Context, req *taskstore.PrivacyRequest, action policy.ActionType,
	addr graph.CollectionAddress, record *taskstore.RequestTask, rows []graph.Row) error {
	switch action {
	case policy.ActionAccess:
		tn, upstream, err := r.accessInputs(ctx, req, addr)
		if err != nil {
			return err
		}
		input := transform.Consolidate(tn, upstream)
		record.AccessData = transform.FilterRows(tn.Node, rows, input, transform.RemoveUnmatched)
		record.DataForErasures = transform.FilterRows(tn.Node, rows, input, transform.PlaceholderUnmatched)
	case policy.ActionErasure:
		record.RowsMasked = len(rows)
	case policy.ActionConsent:
		record.ConsentSent = true
	}
	record.Status = taskstore.StatusComplete

	if r.cfg.settings.Durable {
		if err := r.store.SaveTask(ctx, record); err != nil {
			return fmt.Errorf("save task %s: %w", addr, err)
		}
		return nil
	}

	ttl := r.cfg.settings.IdentityCacheTTL
	key := kvcache.ResultKey(req.ID, string(action), addr.String())
	if err := r.cache.SetJSON(ctx, key, record.AccessData, ttl); err != nil {
		return fmt.Errorf("cache result %s: %w", addr, err)
	}
	if action == policy.ActionAccess {
		key := kvcache.ResultKey(req.ID, erasureInputAction, addr.String())
		if err := r.cache.SetJSON(ctx, key, record.DataForErasures, ttl); err != nil {
			return fmt.Errorf("cache erasure input %s: %w", addr, err)
		}
	}
	return nil
}

// accessInputs returns the plan node of addr and the access results of its
// data sources.
func (r *Runner) accessInputs(ctx context.Context, req *taskstore.PrivacyRequest, addr graph.CollectionAddress) (*traversal.TraversalNode, [][]graph.Row, error) {
	plan, err := traversal.Traverse(r.graph, req.Identity)
	if err != nil {
		return nil, nil, err
	}
	tn, ok := plan.Node(addr)
	if !ok || !tn.Reachable {
		return nil, nil, fmt.Errorf("%s is not reachable for request %s", addr, req.ID)
	}

	sources := tn.DataSources()
	upstream := make([][]graph.Row, len(sources))
	for i, src := range sources {
		if src.IsRoot() {
			upstream[i] = []graph.Row{graph.Row(req.Identity)}
			continue
		}
		if r.cfg.settings.Durable {
			t, err := r.store.GetTask(ctx, req.ID, policy.ActionAccess, src.String())
			if err != nil {
				return nil, nil, fmt.Errorf("load upstream task %s: %w", src, err)
			}
			upstream[i] = t.AccessData
			continue
		}
		key := kvcache.ResultKey(req.ID, string(policy.ActionAccess), src.String())
		if err := r.cache.GetJSON(ctx, key, &upstream[i]); err != nil && !errors.Is(err, kvcache.ErrNotFound) {
			return nil, nil, fmt.Errorf("load upstream result %s: %w", src, err)
		}
	}
	return tn, upstream, nil
}

// armPauseExpiry schedules the request to fail when its cached identity
// expires, unless the pause is resolved first.
func (r *Runner) armPauseExpiry(ctx context.Context, requestID string) {
	ttl, err := r.cache.TTL(ctx, kvcache.IdentityKey(requestID))
	switch {
	case errors.Is(err, kvcache.ErrNotFound):
		ttl = 0
	case err != nil:
		observability.LogCacheError(r.logger, "", "read identity ttl", err)
		ttl = r.cfg.settings.IdentityCacheTTL
	case ttl == 0:
		ttl = r.cfg.settings.IdentityCacheTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if prev, ok := r.timers[requestID]; ok {
		prev.timer.Stop()
	}
	p := &pauseTimer{}
	p.timer = time.AfterFunc(ttl, func() { r.expirePause(requestID, p) })
	r.timers[requestID] = p
	r.logger.Info("pause expiry scheduled",
		slog.String("request_id", requestID),
		slog.Duration("ttl", ttl),
	)
}

func (r *Runner) stopPauseExpiry(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.timers[requestID]; ok {
		p.timer.Stop()
		delete(r.timers, requestID)
	}
}

// expirePause fails a request that is still paused when its timer fires.
func (r *Runner) expirePause(requestID string, p *pauseTimer) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.timers[requestID] == p {
		delete(r.timers, requestID)
	}
	r.mu.Unlock()

	ctx := context.Background()
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		r.logger.Warn("failed to load paused request",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		return
	}
	if req.Status != taskstore.RequestPaused {
		return
	}

	if r.cfg.settings.Durable && req.PausedCollection != "" {
		t, err := r.store.GetTask(ctx, requestID, req.PausedAction, req.PausedCollection)
		if err == nil && t.Status == taskstore.StatusPaused {
			t.Status = taskstore.StatusError
			if err := r.store.SaveTask(ctx, t); err != nil {
				r.logger.Warn("failed to fail paused task",
					slog.String("request_id", requestID), slog.String("error", err.Error()))
			}
		}
	}

	now := time.Now().UTC()
	collection, action := req.PausedCollection, req.PausedAction
	req.Status = taskstore.RequestError
	req.Message = pauseExpiredMessage
	req.FinishedAt = &now
	if err := r.store.SaveRequest(ctx, req); err != nil {
		r.logger.Error("failed to expire paused request",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		return
	}
	r.appendLog(ctx, &taskstore.ExecutionLog{
		PrivacyRequestID:  requestID,
		ActionType:        action,
		CollectionAddress: collection,
		Status:            taskstore.StatusError,
		Message:           pauseExpiredMessage,
	})
	r.logger.Warn("paused request expired", slog.String("request_id", requestID))
}

func clearPause(req *taskstore.PrivacyRequest) {
	req.PausedAt = nil
	req.PausedCollection = ""
	req.PausedAction = ""
}

// registerSignalHandlers routes signals to the request controls.
func (r *Runner) registerSignalHandlers() error {
	return errors.Join(
		r.signals.Handle(signal.KindCallback, func(ctx context.Context, sig *signal.Signal) error {
			return r.CompleteCallback(ctx, sig.RequestID, sig.Action, sig.Collection, sig.Rows)
		}),
		r.signals.Handle(signal.KindResume, func(ctx context.Context, sig *signal.Signal) error {
			return r.ResolvePause(ctx, sig.RequestID, sig.Rows)
		}),
		r.signals.Handle(signal.KindCancel, func(ctx context.Context, sig *signal.Signal) error {
			return r.Cancel(ctx, sig.RequestID, sig.Reason)
		}),
	)
}
