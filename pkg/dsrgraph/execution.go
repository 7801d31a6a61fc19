package dsrgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/observability"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/policy"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/traversal"
)

// run is one invocation of one action for one privacy request.
type run struct {
	r       *Runner
	action  policy.ActionType
	req     *taskstore.PrivacyRequest
	pol     *policy.Policy
	res     *Resources
	durable bool
	logger  *slog.Logger

	plan    *traversal.Traversal
	consent map[graph.CollectionAddress]traversal.ConsentNode

	// Erasure reads the access run's output: accessData feeds inputs,
	// erasureData is what gets masked.
	accessData  map[graph.CollectionAddress][]graph.Row
	erasureData map[graph.CollectionAddress][]graph.Row

	mu            sync.Mutex
	result        *RunResult
	pause         *pauseInfo
	email         []string
	consentStatus map[string]taskstore.ConsentStatus
}

type pauseInfo struct {
	addr   graph.CollectionAddress
	reason string
}

// execute runs action for the request.
func (r *Runner) execute(ctx context.Context, requestID string, action policy.ActionType) (*RunResult, error) {
	start := time.Now()
	result := newRunResult(requestID, action)

	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	switch req.Status {
	case taskstore.RequestCanceled:
		result.Status = RunCanceled
		return result, nil
	case taskstore.RequestPaused:
		result.Status = RunPaused
		return result, nil
	case taskstore.RequestComplete, taskstore.RequestError:
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestFinished, requestID, req.Status)
	}
	pol, err := r.policyFor(req)
	if err != nil {
		return nil, err
	}
	if req.Status == taskstore.RequestPending {
		req.Status = taskstore.RequestInProcessing
		if err := r.store.SaveRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("save request %s: %w", requestID, err)
		}
	}
	r.cacheIdentity(ctx, req)

	logger := r.logger
	x := &run{
		r:             r,
		action:        action,
		req:           req,
		pol:           pol,
		durable:       r.cfg.settings.Durable,
		logger:        logger,
		result:        result,
		consentStatus: make(map[string]taskstore.ConsentStatus),
	}
	x.res = r.resources(req, pol, action, logger)
	defer func() {
		if err := x.res.Close(); err != nil {
			logger.Warn("failed to close connectors", slog.String("error", err.Error()))
		}
	}()

	steps, err := x.prepare(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := r.spans.StartRunSpan(ctx, requestID, string(action))
	observability.LogRunStart(logger, requestID, string(action), len(steps))

	released, held, err := x.restore(ctx, steps)
	if err != nil {
		r.spans.EndSpanWithError(span, err)
		return nil, err
	}

	sched, runErr := newScheduler(steps, r.cfg.settings.Workers).run(ctx, released, held, x.exec)
	result.Executed = len(sched.Started)
	if action == policy.ActionAccess {
		result.Results = x.res.AllCachedResults()
	}

	runErr = x.finish(context.WithoutCancel(ctx), runErr)
	result.Duration = time.Since(start)
	r.metrics.RecordRun(ctx, string(action), string(result.Status), result.Duration)
	r.spans.EndSpanWithError(span, runErr)
	ms := float64(result.Duration.Milliseconds())
	if runErr != nil {
		observability.LogRunError(logger, requestID, string(action), runErr, ms)
		return result, runErr
	}
	observability.LogRunComplete(logger, requestID, string(action), string(result.Status), ms, result.Executed)
	return result, nil
}

// prepare plans the run and returns its steps in execution order.
func (x *run) prepare(ctx context.Context) ([]planStep, error) {
	if x.action == policy.ActionConsent {
		x.consent = make(map[graph.CollectionAddress]traversal.ConsentNode)
		var steps []planStep
		for _, cn := range traversal.ConsentPlan(x.r.graph) {
			x.consent[cn.Address] = cn
			steps = append(steps, planStep{Address: cn.Address})
		}
		return steps, nil
	}

	plan, err := traversal.Traverse(x.r.graph, x.req.Identity)
	if err != nil {
		return nil, err
	}
	x.plan = plan
	steps := make([]planStep, 0, len(plan.Order()))
	for _, addr := range plan.Order() {
		tn, _ := plan.Node(addr)
		steps = append(steps, planStep{Address: addr, Upstream: tn.Upstream})
	}
	if x.action == policy.ActionErasure {
		if err := x.loadAccessOutput(ctx, plan.Order()); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// loadAccessOutput reads what the access run produced for every planned
// address. Erasure cannot start without it.
func (x *run) loadAccessOutput(ctx context.Context, order []graph.CollectionAddress) error {
	x.accessData = make(map[graph.CollectionAddress][]graph.Row, len(order))
	x.erasureData = make(map[graph.CollectionAddress][]graph.Row, len(order))

	if x.durable {
		tasks, err := x.r.store.ListTasks(ctx, x.req.ID, policy.ActionAccess)
		if err != nil {
			return fmt.Errorf("load access tasks: %w", err)
		}
		byAddr := make(map[string]*taskstore.RequestTask, len(tasks))
		for _, t := range tasks {
			byAddr[t.CollectionAddress] = t
		}
		for _, addr := range order {
			t, ok := byAddr[addr.String()]
			if !ok {
				return fmt.Errorf("%w: %s has no access task", ErrAccessIncomplete, addr)
			}
			if t.Status != taskstore.StatusComplete && t.Status != taskstore.StatusSkipped {
				return fmt.Errorf("%w: %s is %s", ErrAccessIncomplete, addr, t.Status)
			}
			x.accessData[addr] = t.AccessData
			x.erasureData[addr] = t.DataForErasures
		}
		return nil
	}

	access, err := readResults(ctx, x.r.cache, x.req.ID, string(policy.ActionAccess))
	if err != nil {
		return err
	}
	erasure, err := readResults(ctx, x.r.cache, x.req.ID, erasureInputAction)
	if err != nil {
		return err
	}
	for _, addr := range order {
		rows, ok := access[addr]
		if !ok {
			return fmt.Errorf("%w: no cached access result for %s", ErrAccessIncomplete, addr)
		}
		x.accessData[addr] = rows
		x.erasureData[addr] = erasure[addr]
	}
	return nil
}

// restore brings back the state of earlier runs. It returns the steps
// that need not run again, split by whether their downstream may proceed.
// Durable runs create the task records that don't exist yet.
func (x *run) restore(ctx context.Context, steps []planStep) (released, held map[graph.CollectionAddress]bool, err error) {
	released = make(map[graph.CollectionAddress]bool)
	held = make(map[graph.CollectionAddress]bool)

	if !x.durable {
		addrs, err := x.res.LoadCachedResults(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, addr := range addrs {
			released[addr] = true
			x.result.Tasks[addr] = taskstore.StatusComplete
		}
		return released, held, nil
	}

	existing, err := x.r.store.ListTasks(ctx, x.req.ID, x.action)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	byAddr := make(map[string]*taskstore.RequestTask, len(existing))
	for _, t := range existing {
		byAddr[t.CollectionAddress] = t
	}

	for _, st := range steps {
		t, ok := byAddr[st.Address.String()]
		if !ok {
			if err := x.r.store.SaveTask(ctx, x.newRecord(st)); err != nil {
				return nil, nil, fmt.Errorf("create task %s: %w", st.Address, err)
			}
			continue
		}
		x.result.Tasks[st.Address] = t.Status
		switch t.Status {
		case taskstore.StatusComplete, taskstore.StatusSkipped:
			released[st.Address] = true
			x.res.restoreResult(st.Address, t.AccessData)
			if x.action == policy.ActionErasure {
				x.result.Masked[st.Address] = t.RowsMasked
			}
		case taskstore.StatusError:
			held[st.Address] = true
			x.result.Errors[st.Address] = fmt.Errorf("%s task %s failed in an earlier run", x.action, st.Address)
		case taskstore.StatusPending:
		default:
			held[st.Address] = true
		}
	}
	return released, held, nil
}

// newRecord returns the pending task record of a planned step.
func (x *run) newRecord(st planStep) *taskstore.RequestTask {
	t := taskstore.NewRequestTask(x.req.ID, x.action, st.Address.String())
	for _, up := range st.Upstream {
		if !up.IsRoot() {
			t.UpstreamTasks = append(t.UpstreamTasks, up.String())
		}
	}
	if x.plan != nil {
		if tn, ok := x.plan.Node(st.Address); ok {
			t.DownstreamTasks = addressStrings(tn.Downstream)
		}
		t.AllDescendantTasks = addressStrings(x.plan.Descendants(st.Address))
	}
	return t
}

// exec runs one planned task. It is called by scheduler workers.
func (x *run) exec(ctx context.Context, addr graph.CollectionAddress) (decision, error) {
	if err := x.r.checkCanceled(ctx, x.req.ID); err != nil {
		return halt, err
	}

	record, err := x.claim(ctx, addr)
	if errors.Is(err, taskstore.ErrTaskClaimed) {
		x.logger.Warn("task already in processing", slog.String("collection", addr.String()))
		x.setStatus(addr, taskstore.StatusInProcessing)
		return hold, nil
	}
	if err != nil {
		return halt, fmt.Errorf("claim task %s: %w", addr, err)
	}
	x.setStatus(addr, taskstore.StatusInProcessing)

	logger := observability.EnrichLogger(x.logger, x.req.ID, string(x.action), addr.String())
	gt, attempts := x.newTask(ctx, addr, record, logger)
	ctx, span := x.r.spans.StartTaskSpan(ctx, string(x.action), addr.String())
	observability.LogTaskStart(logger, addr.String())
	start := time.Now()
	elapsed := observability.TimedOperation()

	var out Outcome
	switch x.action {
	case policy.ActionAccess:
		out = gt.Access(ctx, x.upstream(addr, x.res.CachedResult))
	case policy.ActionErasure:
		out = gt.Erasure(ctx, x.erasureData[addr], x.upstream(addr, func(a graph.CollectionAddress) ([]graph.Row, bool) {
			rows, ok := x.accessData[a]
			return rows, ok
		}))
	default:
		out = gt.Consent(ctx, x.req.Identity)
	}

	var taskErr error
	if f, ok := out.(Failed); ok {
		taskErr = f.Err
	}
	dec, err := x.apply(context.WithoutCancel(ctx), gt, record, out, *attempts)

	duration := time.Since(start)
	x.r.metrics.RecordTask(ctx, string(x.action), addr.String(), string(out.Status()), duration, taskErr)
	x.r.spans.EndSpanWithError(span, taskErr)
	if taskErr != nil {
		observability.LogTaskError(logger, addr.String(), taskErr)
	} else {
		observability.LogTaskComplete(logger, addr.String(), string(out.Status()), elapsed(), x.rowCount(out))
	}
	return dec, err
}

// claim takes the exclusion marker on the task. Runs without persisted
// tasks use a transient record.
func (x *run) claim(ctx context.Context, addr graph.CollectionAddress) (*taskstore.RequestTask, error) {
	if !x.durable {
		t := taskstore.NewRequestTask(x.req.ID, x.action, addr.String())
		t.Status = taskstore.StatusInProcessing
		return t, nil
	}
	return x.r.store.ClaimTask(ctx, x.req.ID, x.action, addr.String())
}

// newTask builds the graph task for addr with retry progress wired to the
// task record. The returned counter tracks the current attempt.
func (x *run) newTask(ctx context.Context, addr graph.CollectionAddress, record *taskstore.RequestTask, logger *slog.Logger) (*GraphTask, *int) {
	retry := x.r.cfg.retryConfig()
	var gt *GraphTask
	if x.action == policy.ActionConsent {
		gt = NewConsentTask(x.res, x.consent[addr], record, retry)
	} else {
		tn, _ := x.plan.Node(addr)
		gt = NewGraphTask(x.res, tn, record, retry)
	}

	attempts := 1
	gt.onRetry = func(attempt int, err error, delay time.Duration) {
		observability.LogTaskRetry(logger, addr.String(), attempt, delay, err)
		x.r.metrics.RecordRetry(ctx, string(x.action), addr.String())
		x.r.spans.AddSpanEvent(ctx, "task.retry")
		record.Status = taskstore.StatusRetrying
		x.persist(ctx, record)
	}
	gt.onAttempt = func(attempt int) {
		attempts = attempt
		record.Status = taskstore.StatusInProcessing
		x.persist(ctx, record)
	}
	return gt, &attempts
}

// upstream gathers the rows of addr's data sources in DataSources order.
func (x *run) upstream(addr graph.CollectionAddress, lookup func(graph.CollectionAddress) ([]graph.Row, bool)) [][]graph.Row {
	tn, _ := x.plan.Node(addr)
	sources := tn.DataSources()
	out := make([][]graph.Row, len(sources))
	for i, src := range sources {
		if src.IsRoot() {
			out[i] = []graph.Row{graph.Row(x.plan.Seed())}
			continue
		}
		out[i], _ = lookup(src)
	}
	return out
}

// apply records an outcome and decides what it means for downstream tasks.
func (x *run) apply(ctx context.Context, gt *GraphTask, record *taskstore.RequestTask, out Outcome, attempts int) (decision, error) {
	addr := gt.Address()
	key := gt.ConnectionKey()
	record.Status = out.Status()
	record.Attempts = attempts

	entry := &taskstore.ExecutionLog{
		PrivacyRequestID:  x.req.ID,
		ActionType:        x.action,
		CollectionAddress: addr.String(),
		ConnectionKey:     key,
		Status:            record.Status,
	}

	dec := release
	var runErr error
	switch o := out.(type) {
	case Complete:
		switch x.action {
		case policy.ActionAccess:
			record.AccessData = o.Rows
			record.DataForErasures = o.ErasureRows
			x.res.CacheResult(ctx, addr, o.Rows)
			if !x.durable {
				x.res.CacheErasureInput(ctx, addr, o.ErasureRows)
			}
		case policy.ActionErasure:
			record.RowsMasked = o.Masked
			x.res.CacheResult(ctx, addr, nil)
			x.mu.Lock()
			x.result.Masked[addr] = o.Masked
			x.mu.Unlock()
		case policy.ActionConsent:
			record.ConsentSent = o.ConsentSent
			x.res.CacheResult(ctx, addr, nil)
			status := taskstore.ConsentSkipped
			switch {
			case o.Deferred:
				status = taskstore.ConsentPending
			case o.ConsentSent:
				status = taskstore.ConsentComplete
			}
			x.recordConsent(key, status)
		}
		if o.Deferred {
			x.addEmailConnection(key)
		}
		entry.Message = o.Note
		entry.Fields, entry.DataCategories = x.touched(addr)
	case Skipped:
		x.res.CacheResult(ctx, addr, nil)
		if x.action == policy.ActionConsent {
			x.recordConsent(key, taskstore.ConsentSkipped)
		}
		entry.Message = o.Reason
	case AwaitingCallback:
		dec = hold
		entry.Message = "awaiting callback"
		if x.action == policy.ActionConsent {
			x.recordConsent(key, taskstore.ConsentPending)
		}
	case Paused:
		dec = halt
		entry.Message = o.Reason
		x.mu.Lock()
		if x.pause == nil {
			x.pause = &pauseInfo{addr: addr, reason: o.Reason}
		}
		x.mu.Unlock()
		if x.action == policy.ActionConsent {
			x.recordConsent(key, taskstore.ConsentPending)
		}
	case Failed:
		entry.Message = o.Err.Error()
		x.recordError(addr, o.Err)
		if x.action == policy.ActionConsent {
			x.recordConsent(key, taskstore.ConsentError)
		}
		if x.durable {
			dec = hold
		} else {
			dec = halt
			runErr = o.Err
		}
	}
	x.setStatus(addr, record.Status)

	if x.durable {
		if err := x.r.store.SaveTask(ctx, record); err != nil {
			return halt, fmt.Errorf("save task %s: %w", addr, err)
		}
		if _, failed := out.(Failed); failed {
			x.failDescendants(ctx, record)
		}
	}
	x.r.appendLog(ctx, entry)
	return dec, runErr
}

// failDescendants marks every task downstream of a failed one as failed.
// None of them can have started in this run.
func (x *run) failDescendants(ctx context.Context, failed *taskstore.RequestTask) {
	for _, d := range failed.AllDescendantTasks {
		t, err := x.r.store.GetTask(ctx, x.req.ID, x.action, d)
		if err != nil {
			x.logger.Warn("failed to load descendant task",
				slog.String("collection", d), slog.String("error", err.Error()))
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = taskstore.StatusError
		if err := x.r.store.SaveTask(ctx, t); err != nil {
			x.logger.Warn("failed to mark descendant task failed",
				slog.String("collection", d), slog.String("error", err.Error()))
			continue
		}
		addr, err := graph.ParseCollectionAddress(d)
		if err == nil {
			x.setStatus(addr, taskstore.StatusError)
			x.recordError(addr, fmt.Errorf("%w: %s", ErrUpstreamFailed, failed.CollectionAddress))
		}
		x.r.appendLog(ctx, &taskstore.ExecutionLog{
			PrivacyRequestID:  x.req.ID,
			ActionType:        x.action,
			CollectionAddress: d,
			Status:            taskstore.StatusError,
			Message:           "upstream task " + failed.CollectionAddress + " failed",
		})
	}
}

// finish settles the run status and writes what it means back to the
// request.
func (x *run) finish(ctx context.Context, runErr error) error {
	res := x.result
	switch {
	case errors.Is(runErr, ErrRequestCanceled):
		res.Status = RunCanceled
		return nil
	case runErr != nil:
		res.Status = RunError
	case x.pause != nil:
		res.Status = RunPaused
	case res.has(taskstore.StatusError):
		res.Status = RunError
	case res.has(taskstore.StatusAwaitingProcessing), res.has(taskstore.StatusInProcessing):
		res.Status = RunAwaiting
	default:
		res.Status = RunComplete
	}

	now := time.Now().UTC()
	req, err := x.r.updateRequest(ctx, x.req.ID, func(req *taskstore.PrivacyRequest) {
		for _, key := range x.email {
			if !slices.Contains(req.EmailConnections, key) {
				req.EmailConnections = append(req.EmailConnections, key)
			}
		}
		for i := range req.ConsentPreferences {
			for key, status := range x.consentStatus {
				if req.ConsentPreferences[i].Propagation == nil {
					req.ConsentPreferences[i].Propagation = make(map[string]taskstore.ConsentStatus)
				}
				req.ConsentPreferences[i].Propagation[key] = status
			}
		}
		switch res.Status {
		case RunPaused:
			req.Status = taskstore.RequestPaused
			req.PausedAt = &now
			req.PausedCollection = x.pause.addr.String()
			req.PausedAction = x.action
			req.Message = x.pause.reason
		case RunError:
			req.Status = taskstore.RequestError
			req.FinishedAt = &now
			req.Message = x.errorSummary(runErr)
		}
	})
	if err != nil {
		return errors.Join(runErr, err)
	}
	if req.Status == taskstore.RequestCanceled {
		res.Status = RunCanceled
		return runErr
	}
	if res.Status == RunPaused {
		x.r.armPauseExpiry(ctx, x.req.ID)
	}
	return runErr
}

func (x *run) errorSummary(runErr error) string {
	if runErr != nil {
		return runErr.Error()
	}
	for _, addr := range x.r.graph.AllAddresses() {
		if err, ok := x.result.Errors[addr]; ok {
			return err.Error()
		}
	}
	return fmt.Sprintf("%s run failed", x.action)
}

// touched returns the fields and data categories the action targets in
// addr's collection.
func (x *run) touched(addr graph.CollectionAddress) ([]string, []string) {
	if x.plan == nil {
		return nil, nil
	}
	tn, ok := x.plan.Node(addr)
	if !ok {
		return nil, nil
	}
	paths, cats := tn.Node.FieldsMatching(x.pol.Matcher(x.action))
	fields := make([]string, len(paths))
	for i, p := range paths {
		fields[i] = p.String()
	}
	return fields, cats
}

func (x *run) rowCount(out Outcome) int {
	c, ok := out.(Complete)
	if !ok {
		return 0
	}
	if x.action == policy.ActionErasure {
		return c.Masked
	}
	return len(c.Rows)
}

// persist saves an intermediate task state. Failures are logged; the final
// state is saved by apply.
func (x *run) persist(ctx context.Context, record *taskstore.RequestTask) {
	if !x.durable {
		return
	}
	if err := x.r.store.SaveTask(context.WithoutCancel(ctx), record); err != nil {
		x.logger.Warn("failed to save task progress",
			slog.String("collection", record.CollectionAddress), slog.String("error", err.Error()))
	}
}

func (x *run) setStatus(addr graph.CollectionAddress, status taskstore.TaskStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.result.Tasks[addr] = status
}

func (x *run) recordError(addr graph.CollectionAddress, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.result.Errors[addr] = err
}

func (x *run) recordConsent(key string, status taskstore.ConsentStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.consentStatus[key] = status
}

func (x *run) addEmailConnection(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !slices.Contains(x.email, key) {
		x.email = append(x.email, key)
	}
}

func addressStrings(addrs []graph.CollectionAddress) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
