package dsrgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/config"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/connector"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/kvcache"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/observability"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/signal"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// RunStatus is how a run ended.
type RunStatus string

// Run statuses.
const (
	// RunComplete: every reachable task completed or was skipped.
	RunComplete RunStatus = "complete"

	// RunAwaiting: some tasks wait for a callback. Run again after it
	// arrives. A task left in_processing by a crashed run is reported the
	// same way and stays held until Requeue resets it.
	RunAwaiting RunStatus = "awaiting_processing"

	// RunPaused: a task paused the request.
	RunPaused RunStatus = "paused"

	// RunError: at least one task failed.
	RunError RunStatus = "error"

	// RunCanceled: the request was canceled before or during the run.
	RunCanceled RunStatus = "canceled"
)

// RunResult summarizes one run.
type RunResult struct {
	RequestID string
	Action    policy.ActionType
	Status    RunStatus

	// Results holds the access rows of every finished collection,
	// including results restored from an earlier run.
	Results map[graph.CollectionAddress][]graph.Row

	// Masked holds rows changed per collection by an erasure run.
	Masked map[graph.CollectionAddress]int

	// Tasks holds the last known status of every planned task.
	Tasks map[graph.CollectionAddress]taskstore.TaskStatus

	// Errors holds the failure of every task that ended in error.
	Errors map[graph.CollectionAddress]error

	// Executed counts tasks run by this invocation.
	Executed int
	Duration time.Duration
}

func newRunResult(requestID string, action policy.ActionType) *RunResult {
	return &RunResult{
		RequestID: requestID,
		Action:    action,
		Results:   make(map[graph.CollectionAddress][]graph.Row),
		Masked:    make(map[graph.CollectionAddress]int),
		Tasks:     make(map[graph.CollectionAddress]taskstore.TaskStatus),
		Errors:    make(map[graph.CollectionAddress]error),
	}
}

// TotalMasked sums Masked.
func (r *RunResult) TotalMasked() int {
	n := 0
	for _, m := range r.Masked {
		n += m
	}
	return n
}

func (r *RunResult) has(status taskstore.TaskStatus) bool {
	for _, s := range r.Tasks {
		if s == status {
			return true
		}
	}
	return false
}

// Runner executes privacy requests against a dataset graph.
// It is safe for concurrent use across requests.
type Runner struct {
	graph       *graph.DatasetGraph
	policies    []policy.Policy
	connections map[string]connector.Connection
	cfg         runnerConfig

	store     taskstore.Store
	cache     *kvcache.Cache
	factories *connector.Factories
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	signals   *signal.Dispatcher

	ownsStore bool
	ownsCache bool

	mu     sync.Mutex
	timers map[string]*pauseTimer
	closed bool
}

// NewRunner creates a runner. Policies and connections are validated and
// every problem is reported at once.
func NewRunner(g *graph.DatasetGraph, policies []policy.Policy, connections []connector.Connection, opts ...Option) (*Runner, error) {
	if g == nil {
		return nil, errors.New("dataset graph is required")
	}
	cfg := defaultRunnerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var errs []error
	if err := cfg.settings.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	conns := make(map[string]connector.Connection, len(connections))
	for _, c := range connections {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := conns[c.Key]; dup {
			errs = append(errs, fmt.Errorf("duplicate connection %q", c.Key))
			continue
		}
		conns[c.Key] = c
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r := &Runner{
		graph:       g,
		policies:    policies,
		connections: conns,
		cfg:         cfg,
		store:       cfg.store,
		cache:       cfg.cache,
		factories:   cfg.factories,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		spans:       cfg.spans,
		timers:      make(map[string]*pauseTimer),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.factories == nil {
		r.factories = connector.NewFactories()
	}
	if r.metrics == nil {
		if cfg.settings.MetricsEnabled {
			r.metrics = observability.NewMetricsRecorder()
		} else {
			r.metrics = observability.NoopMetrics{}
		}
	}
	if r.spans == nil {
		if cfg.settings.TracingEnabled {
			r.spans = observability.NewSpanManager()
		} else {
			r.spans = observability.NoopSpanManager{}
		}
	}

	if r.store == nil {
		store, err := taskstore.NewSQLiteStore(cfg.settings.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open task store: %w", err)
		}
		r.store = store
		r.ownsStore = true
	}
	if r.cache == nil {
		cache, err := kvcache.Open(kvcache.Config{
			Dir:      cfg.settings.CacheDir,
			InMemory: cfg.settings.CacheDir == "",
			Logger:   r.logger.With("component", "kvcache"),
		})
		if err != nil {
			if r.ownsStore {
				_ = r.store.Close()
			}
			return nil, fmt.Errorf("open cache: %w", err)
		}
		r.cache = cache
		r.ownsCache = true
	}

	queue := cfg.queue
	if queue == nil {
		queue = signal.NewMemoryQueue()
	}
	r.signals = signal.NewDispatcher(queue, r.logger)
	if err := r.registerSignalHandlers(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Store returns the request and task store.
func (r *Runner) Store() taskstore.Store {
	return r.store
}

// Cache returns the identity and result cache.
func (r *Runner) Cache() *kvcache.Cache {
	return r.cache
}

// Signals returns the dispatcher delivering callback, resume and cancel
// signals to this runner.
func (r *Runner) Signals() *signal.Dispatcher {
	return r.signals
}

// Settings returns the engine settings.
func (r *Runner) Settings() config.Settings {
	return r.cfg.settings
}

// Submit stores a new privacy request for policyKey and identity and
// caches the identity.
func (r *Runner) Submit(ctx context.Context, policyKey string, identity map[string]any, prefs ...taskstore.ConsentPreference) (*taskstore.PrivacyRequest, error) {
	if _, ok := policy.Find(r.policies, policyKey); !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, policyKey)
	}
	req := taskstore.NewPrivacyRequest(policyKey, identity)
	req.ConsentPreferences = prefs
	if err := r.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	r.cacheIdentity(ctx, req)
	return req, nil
}

// RunAccess retrieves every reachable collection's rows for the request.
func (r *Runner) RunAccess(ctx context.Context, requestID string) (*RunResult, error) {
	return r.execute(ctx, requestID, policy.ActionAccess)
}

// RunErasure masks the rows found by the request's access run.
// It fails with ErrAccessIncomplete until that run has finished.
func (r *Runner) RunErasure(ctx context.Context, requestID string) (*RunResult, error) {
	return r.execute(ctx, requestID, policy.ActionErasure)
}

// RunConsent propagates the request's consent preferences to every
// dataset's connection.
func (r *Runner) RunConsent(ctx context.Context, requestID string) (*RunResult, error) {
	return r.execute(ctx, requestID, policy.ActionConsent)
}

// Close stops pending pause expiries and closes the store and cache the
// runner opened itself.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	var errs []error
	if r.ownsCache {
		if err := r.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if r.ownsStore {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// policyFor returns the request's policy.
func (r *Runner) policyFor(req *taskstore.PrivacyRequest) (*policy.Policy, error) {
	pol, ok := policy.Find(r.policies, req.PolicyKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, req.PolicyKey)
	}
	return pol, nil
}

// cacheIdentity stores the request's identity unless it is cached already.
// Its expiry bounds how long the request may stay paused.
func (r *Runner) cacheIdentity(ctx context.Context, req *taskstore.PrivacyRequest) {
	key := kvcache.IdentityKey(req.ID)
	_, err := r.cache.Get(ctx, key)
	if err == nil {
		return
	}
	if !errors.Is(err, kvcache.ErrNotFound) {
		observability.LogCacheError(r.logger, "", "read identity", err)
		return
	}
	if err := r.cache.SetJSON(ctx, key, req.Identity, r.cfg.settings.IdentityCacheTTL); err != nil {
		observability.LogCacheError(r.logger, "", "write identity", err)
	}
}

// checkCanceled returns ErrRequestCanceled once the request is canceled.
func (r *Runner) checkCanceled(ctx context.Context, requestID string) error {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == taskstore.RequestCanceled {
		return ErrRequestCanceled
	}
	return nil
}

// updateRequest applies fn to the stored request and saves it. Canceled
// requests are left alone.
func (r *Runner) updateRequest(ctx context.Context, requestID string, fn func(*taskstore.PrivacyRequest)) (*taskstore.PrivacyRequest, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status == taskstore.RequestCanceled {
		return req, nil
	}
	fn(req)
	if err := r.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request %s: %w", requestID, err)
	}
	return req, nil
}

// appendLog records entry in the request's execution log. Failures are
// logged only.
func (r *Runner) appendLog(ctx context.Context, entry *taskstore.ExecutionLog) {
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.logger.Warn("failed to append execution log",
			slog.String("request_id", entry.PrivacyRequestID),
			slog.String("collection", entry.CollectionAddress),
			slog.String("error", err.Error()),
		)
	}
}

// resources builds the context of one run.
func (r *Runner) resources(req *taskstore.PrivacyRequest, pol *policy.Policy, action policy.ActionType, logger *slog.Logger) *Resources {
	cfg := ResourcesConfig{
		Request:     req,
		Policy:      pol,
		Action:      action,
		Connections: r.connections,
		Factories:   r.factories,
		CacheTTL:    r.cfg.settings.IdentityCacheTTL,
		Logger:      logger,
	}
	if !r.cfg.settings.Durable {
		cfg.Cache = r.cache
	}
	return NewResources(cfg)
}
