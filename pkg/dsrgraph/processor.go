package dsrgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// Webhooks are called around the execution of a request.
type Webhooks interface {
	PreExecution(ctx context.Context, req *taskstore.PrivacyRequest) error
	PostExecution(ctx context.Context, req *taskstore.PrivacyRequest) error
}

// Uploader delivers access results to the data subject.
type Uploader interface {
	Upload(ctx context.Context, req *taskstore.PrivacyRequest, results map[graph.CollectionAddress][]graph.Row) error
}

// EmailSender fulfills erasure and consent for connections that can only
// be reached by email.
type EmailSender interface {
	Send(ctx context.Context, req *taskstore.PrivacyRequest, connections []string) error
}

// Processor walks privacy requests through their phases. Before each phase
// it records the phase on the request, so processing a request again
// resumes at the phase it stopped in.
type Processor struct {
	runner   *Runner
	webhooks Webhooks
	uploader Uploader
	email    EmailSender
	logger   *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWebhooks sets the pre- and post-execution webhooks.
func WithWebhooks(w Webhooks) ProcessorOption {
	return func(p *Processor) {
		p.webhooks = w
	}
}

// WithUploader sets the access result uploader.
func WithUploader(u Uploader) ProcessorOption {
	return func(p *Processor) {
		p.uploader = u
	}
}

// WithEmailSender sets the email sender. Without one, requests that need
// email fulfillment stay in awaiting_email_send.
func WithEmailSender(e EmailSender) ProcessorOption {
	return func(p *Processor) {
		p.email = e
	}
}

// NewProcessor creates a processor running requests on runner.
func NewProcessor(runner *Runner, opts ...ProcessorOption) *Processor {
	p := &Processor{runner: runner, logger: runner.logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process advances the request as far as it can go and returns the status
// it was left in. A request that pauses or waits for a callback or email
// returns without error; process it again once unblocked.
func (p *Processor) Process(ctx context.Context, requestID string) (taskstore.RequestStatus, error) {
	req, err := p.runner.store.GetRequest(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status.IsFinished() || req.Status == taskstore.RequestPaused {
		return req.Status, nil
	}
	pol, err := p.runner.policyFor(req)
	if err != nil {
		return req.Status, err
	}

	start := 0
	if req.CurrentStep != "" {
		if i := req.CurrentStep.Index(); i >= 0 {
			start = i
		}
	}

	var access map[graph.CollectionAddress][]graph.Row
	for _, step := range taskstore.Steps[start:] {
		req, err = p.runner.updateRequest(ctx, requestID, func(r *taskstore.PrivacyRequest) {
			r.CurrentStep = step
			if r.Status == taskstore.RequestPending {
				r.Status = taskstore.RequestInProcessing
			}
		})
		if err != nil {
			return "", err
		}
		if req.Status == taskstore.RequestCanceled {
			return req.Status, nil
		}
		p.logger.Debug("request step", slog.String("request_id", requestID), slog.String("step", string(step)))

		done, err := p.step(ctx, step, req, pol, &access)
		if err != nil {
			return p.fail(ctx, requestID, step, err)
		}
		if !done {
			req, err := p.runner.store.GetRequest(ctx, requestID)
			if err != nil {
				return "", fmt.Errorf("load request %s: %w", requestID, err)
			}
			return req.Status, nil
		}
	}

	p.clearCachedResults(ctx, requestID)
	now := time.Now().UTC()
	req, err = p.runner.updateRequest(ctx, requestID, func(r *taskstore.PrivacyRequest) {
		r.Status = taskstore.RequestComplete
		r.FinishedAt = &now
	})
	if err != nil {
		return "", err
	}
	p.logger.Info("request complete", slog.String("request_id", requestID))
	return req.Status, nil
}

// step runs one phase. It reports false when the request cannot go further
// for now.
func (p *Processor) step(ctx context.Context, step taskstore.Step, req *taskstore.PrivacyRequest, pol *policy.Policy,
	access *map[graph.CollectionAddress][]graph.Row) (bool, error) {
	switch step {
	case taskstore.StepPreWebhooks:
		if p.webhooks != nil {
			if err := p.webhooks.PreExecution(ctx, req); err != nil {
				return false, fmt.Errorf("pre-execution webhook: %w", err)
			}
		}
		return true, nil

	case taskstore.StepAccess:
		if !pol.HasAction(policy.ActionAccess) && !pol.HasAction(policy.ActionErasure) {
			return true, nil
		}
		res, err := p.runner.RunAccess(ctx, req.ID)
		if err != nil {
			return false, err
		}
		*access = res.Results
		return res.Status == RunComplete, nil

	case taskstore.StepUploadAccess:
		if !pol.HasAction(policy.ActionAccess) || p.uploader == nil {
			return true, nil
		}
		if *access == nil {
			results, err := p.runner.accessResults(ctx, req.ID)
			if err != nil {
				return false, err
			}
			*access = results
		}
		filtered := FilterResults(p.runner.graph, *access, pol.Matcher(policy.ActionAccess))
		if err := p.uploader.Upload(ctx, req, filtered); err != nil {
			return false, fmt.Errorf("upload access results: %w", err)
		}
		return true, nil

	case taskstore.StepErasure:
		if !pol.HasAction(policy.ActionErasure) {
			return true, nil
		}
		res, err := p.runner.RunErasure(ctx, req.ID)
		if err != nil {
			return false, err
		}
		return res.Status == RunComplete, nil

	case taskstore.StepConsent:
		if !pol.HasAction(policy.ActionConsent) {
			return true, nil
		}
		res, err := p.runner.RunConsent(ctx, req.ID)
		if err != nil {
			return false, err
		}
		return res.Status == RunComplete, nil

	case taskstore.StepFinalizeErasure, taskstore.StepFinalizeConsent:
		action := policy.ActionErasure
		if step == taskstore.StepFinalizeConsent {
			action = policy.ActionConsent
		}
		if pol.HasAction(action) {
			p.runner.appendLog(ctx, &taskstore.ExecutionLog{
				PrivacyRequestID: req.ID,
				ActionType:       action,
				Status:           taskstore.StatusComplete,
				Message:          string(action) + " finished",
			})
		}
		return true, nil

	case taskstore.StepEmailPostSend:
		return p.sendEmail(ctx, req)

	case taskstore.StepPostWebhooks:
		if p.webhooks != nil {
			if err := p.webhooks.PostExecution(ctx, req); err != nil {
				return false, fmt.Errorf("post-execution webhook: %w", err)
			}
		}
		return true, nil
	}
	return true, nil
}

// sendEmail is the gate for work deferred to email. The request stays in
// awaiting_email_send until the send succeeds.
func (p *Processor) sendEmail(ctx context.Context, req *taskstore.PrivacyRequest) (bool, error) {
	if len(req.EmailConnections) == 0 {
		return true, nil
	}
	var sendErr error
	if p.email != nil {
		sendErr = p.email.Send(ctx, req, req.EmailConnections)
	}
	if p.email == nil || sendErr != nil {
		msg := "waiting for email send"
		if sendErr != nil {
			msg = "email send failed: " + sendErr.Error()
			p.logger.Warn("email send failed",
				slog.String("request_id", req.ID), slog.String("error", sendErr.Error()))
		}
		_, err := p.runner.updateRequest(ctx, req.ID, func(r *taskstore.PrivacyRequest) {
			r.Status = taskstore.RequestAwaitingEmailSend
			r.Message = msg
		})
		return false, err
	}

	sent := req.EmailConnections
	_, err := p.runner.updateRequest(ctx, req.ID, func(r *taskstore.PrivacyRequest) {
		for i := range r.ConsentPreferences {
			for _, key := range sent {
				if r.ConsentPreferences[i].Propagation[key] == taskstore.ConsentPending {
					r.ConsentPreferences[i].Propagation[key] = taskstore.ConsentComplete
				}
			}
		}
		r.EmailConnections = nil
		r.Status = taskstore.RequestInProcessing
		r.Message = ""
	})
	if err != nil {
		return false, err
	}
	for _, key := range sent {
		p.runner.appendLog(ctx, &taskstore.ExecutionLog{
			PrivacyRequestID: req.ID,
			ConnectionKey:    key,
			Status:           taskstore.StatusComplete,
			Message:          "email sent",
		})
	}
	return true, nil
}

func (p *Processor) fail(ctx context.Context, requestID string, step taskstore.Step, cause error) (taskstore.RequestStatus, error) {
	now := time.Now().UTC()
	req, err := p.runner.updateRequest(context.WithoutCancel(ctx), requestID, func(r *taskstore.PrivacyRequest) {
		r.Status = taskstore.RequestError
		r.Message = cause.Error()
		r.FinishedAt = &now
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", step, cause)
	}
	p.logger.Error("request failed",
		slog.String("request_id", requestID),
		slog.String("step", string(step)),
		slog.String("error", cause.Error()),
	)
	return req.Status, fmt.Errorf("%s: %w", step, cause)
}

// clearCachedResults drops the request's cached results once it is done.
func (p *Processor) clearCachedResults(ctx context.Context, requestID string) {
	if p.runner.cfg.settings.Durable {
		return
	}
	for _, action := range []string{string(policy.ActionAccess), erasureInputAction, string(policy.ActionErasure), string(policy.ActionConsent)} {
		if err := p.runner.cache.DeletePrefix(ctx, kvcache.ResultPrefix(requestID, action)); err != nil {
			p.logger.Warn("failed to clear cached results",
				slog.String("request_id", requestID), slog.String("error", err.Error()))
		}
	}
}

// accessResults reads the request's stored access results.
func (r *Runner) accessResults(ctx context.Context, requestID string) (map[graph.CollectionAddress][]graph.Row, error) {
	if !r.cfg.settings.Durable {
		return readResults(ctx, r.cache, requestID, string(policy.ActionAccess))
	}
	tasks, err := r.store.ListTasks(ctx, requestID, policy.ActionAccess)
	if err != nil {
		return nil, fmt.Errorf("load access tasks: %w", err)
	}
	out := make(map[graph.CollectionAddress][]graph.Row, len(tasks))
	for _, t := range tasks {
		if t.Status != taskstore.StatusComplete {
			continue
		}
		addr, err := graph.ParseCollectionAddress(t.CollectionAddress)
		if err != nil {
			continue
		}
		out[addr] = t.AccessData
	}
	return out, nil
}
