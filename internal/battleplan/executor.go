package battleplan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/muster/internal/convoy"
	"github.com/dyluth/muster/internal/metrics"
	"github.com/dyluth/muster/pkg/workstore"
)

var (
	// ErrExecutorClosed is returned by Start once Shutdown has begun.
	ErrExecutorClosed = errors.New("executor is shutting down")

	// ErrExecutionFinished is returned by Cancel for an execution that already ended.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrItemNotRunnable is returned by Start for an item in a state no phase can work on.
	ErrItemNotRunnable = errors.New("work item cannot be worked on")
)

// TaskResult is what an agent reports for one phase task.
type TaskResult struct {
	Success   bool
	Artifacts []string
	Error     string
	Agent     string // destination that ran the task
}

// TaskRunner runs one phase against one work item. An error means the task
// could not be run at all, for example because no agent was viable.
type TaskRunner interface {
	RunTask(ctx context.Context, item *workstore.WorkItem, phase Phase) (TaskResult, error)
}

// Executor drives plan executions. Each execution runs in its own goroutine
// and hands every batch of ready phases to the convoy scheduler.
type Executor struct {
	store     *workstore.Store
	scheduler *convoy.Scheduler
	runner    TaskRunner
	execs     *ExecutionStore
	convoyCfg convoy.Config
	retry     workstore.RetryPolicy
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	runs   map[string]*executionRun
	closed bool
	wg     sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConvoyConfig sets the convoy bounds for plans that do not carry their own.
func WithConvoyConfig(cfg convoy.Config) ExecutorOption {
	return func(e *Executor) { e.convoyCfg = cfg }
}

// WithRetryPolicy sets the policy for work-item updates made during execution.
func WithRetryPolicy(p workstore.RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithExecutorMetrics records phase and execution outcomes.
func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor. Executions are persisted next to the
// store's items.
func NewExecutor(store *workstore.Store, scheduler *convoy.Scheduler, runner TaskRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     store,
		scheduler: scheduler,
		runner:    runner,
		execs:     NewExecutionStore(store.RedisClient(), store.InstanceName()),
		convoyCfg: convoy.DefaultConfig(),
		retry:     workstore.DefaultRetryPolicy(),
		logger:    slog.Default(),
		now:       time.Now,
		runs:      make(map[string]*executionRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// executionRun is the in-memory side of a running execution.
type executionRun struct {
	plan   *Plan
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	exec   *Execution
	halted bool // a phase failed without continue_on_error
}

func (r *executionRun) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// Start binds plan to the work items and begins executing it in the
// background. Plan variables are overridden by vars and written into each
// item's context as var.<name>. Backlog items are promoted to Ready first;
// an item with unfinished dependencies fails the start.
func (e *Executor) Start(ctx context.Context, plan *Plan, itemIDs []string, vars map[string]string) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrExecutorClosed
	}

	if err := plan.Validate(); err != nil {
		return "", err
	}
	itemIDs = dedupe(itemIDs)
	if len(itemIDs) == 0 {
		return "", fmt.Errorf("plan '%s' needs at least one work item", plan.Name)
	}

	merged := make(map[string]string, len(plan.Variables)+len(vars))
	for k, v := range plan.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	for _, id := range itemIDs {
		if err := e.prepareItem(ctx, id, merged); err != nil {
			return "", err
		}
	}

	exec := &Execution{
		ID:          uuid.NewString(),
		Plan:        plan.Name,
		PlanVersion: plan.Version,
		ItemIDs:     itemIDs,
		Variables:   merged,
		Status:      ExecutionRunning,
		StartedAt:   e.now().UTC(),
	}
	for _, ph := range plan.Phases {
		exec.Phases = append(exec.Phases, PhaseState{Name: ph.Name, Status: PhasePending})
	}
	if err := e.execs.Save(ctx, exec); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &executionRun{plan: plan, exec: exec, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", ErrExecutorClosed
	}
	e.runs[exec.ID] = run
	e.wg.Add(1)
	e.mu.Unlock()

	e.logEvent("execution_started", "execution_id", exec.ID, "plan", plan.Name,
		"plan_version", plan.Version, "items", len(itemIDs))

	go e.drive(runCtx, run)
	return exec.ID, nil
}

func (e *Executor) prepareItem(ctx context.Context, id string, vars map[string]string) error {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch item.Status {
	case workstore.StatusBacklog:
		ready, err := e.store.PromoteReady(ctx, id)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("work item %s: %w", id, workstore.ErrDependenciesPending)
		}
	case workstore.StatusReady, workstore.StatusInProgress:
	default:
		return fmt.Errorf("%w: %s is %s", ErrItemNotRunnable, id, item.Status)
	}

	if len(vars) == 0 {
		return nil
	}
	_, err = e.store.UpdateWithRetry(ctx, id, func(w *workstore.WorkItem) error {
		if w.Context == nil {
			w.Context = make(map[string]string)
		}
		for k, v := range vars {
			w.Context["var."+k] = v
		}
		return nil
	}, e.retry)
	return err
}

// Status returns a snapshot of the execution.
func (e *Executor) Status(ctx context.Context, id string) (*Execution, error) {
	if run := e.lookup(id); run != nil {
		return run.snapshot(), nil
	}
	return e.execs.Load(ctx, id)
}

// List returns every persisted execution, newest first.
func (e *Executor) List(ctx context.Context) ([]*Execution, error) {
	return e.execs.List(ctx)
}

// Cancel stops a running execution. Tasks already dispatched run to
// completion; every phase not yet terminal is marked failed with reason
// cancelled.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	run := e.lookup(id)
	if run == nil {
		if _, err := e.execs.Load(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrExecutionFinished, id)
	}

	run.mu.Lock()
	run.exec.Cancelled = true
	run.mu.Unlock()
	run.cancel()

	e.logEvent("execution_cancel_requested", "execution_id", id)
	return nil
}

// Wait blocks until the execution finishes or ctx is done.
func (e *Executor) Wait(ctx context.Context, id string) (*Execution, error) {
	if run := e.lookup(id); run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.execs.Load(ctx, id)
}

// Running returns the ids of executions still in progress.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops new executions and waits for running ones to finish. If ctx
// ends first the remaining executions are cancelled and ctx's error returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, run := range e.runs {
			run.cancel()
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (e *Executor) lookup(id string) *executionRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// drive schedules ready phases batch by batch until nothing is left to run.
func (e *Executor) drive(ctx context.Context, run *executionRun) {
	defer e.wg.Done()
	defer close(run.done)
	defer run.cancel()

	for {
		ready := e.advance(run)
		e.persist(ctx, run)
		if len(ready) == 0 || ctx.Err() != nil {
			break
		}
		e.runBatch(ctx, run, ready)
		if ctx.Err() != nil {
			break
		}
	}

	e.finish(ctx, run)

	e.mu.Lock()
	delete(e.runs, run.exec.ID)
	e.mu.Unlock()
}

// advance resolves pending phases whose dependencies are all terminal. Phases
// whose condition cannot hold are skipped, which may in turn resolve their
// dependents, so it loops until nothing changes. Ready phases are marked
// running and returned in plan order.
func (e *Executor) advance(run *executionRun) []Phase {
	run.mu.Lock()
	defer run.mu.Unlock()

	exec := run.exec
	var ready []Phase
	selected := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, ph := range run.plan.Phases {
			ps, _ := exec.Phase(ph.Name)
			if ps.Status != PhasePending || selected[ph.Name] {
				continue
			}

			deps, ok := dependencyStates(exec, ph)
			if !ok {
				continue
			}

			if run.halted && ph.Condition != ConditionOnFailure {
				e.skip(run, ps, ReasonExecutionFailed)
				changed = true
				continue
			}
			if !conditionHolds(ph.Condition, deps) {
				e.skip(run, ps, ReasonConditionNotMet)
				changed = true
				continue
			}
			selected[ph.Name] = true
			ready = append(ready, ph)
		}
	}

	now := e.now().UTC()
	for _, ph := range ready {
		ps, _ := exec.Phase(ph.Name)
		ps.Status = PhaseRunning
		ps.StartedAt = now
	}
	return ready
}

// dependencyStates returns the states of ph's dependencies, or false if any
// is not yet terminal.
func dependencyStates(exec *Execution, ph Phase) ([]PhaseStatus, bool) {
	states := make([]PhaseStatus, 0, len(ph.DependsOn))
	for _, dep := range ph.DependsOn {
		ds, ok := exec.Phase(dep)
		if !ok || !ds.Status.IsTerminal() {
			return nil, false
		}
		states = append(states, ds.Status)
	}
	return states, true
}

func conditionHolds(c Condition, deps []PhaseStatus) bool {
	switch c {
	case ConditionAlways:
		return true
	case ConditionOnFailure:
		for _, s := range deps {
			if s == PhaseFailed {
				return true
			}
		}
		return false
	default:
		for _, s := range deps {
			if s != PhaseSucceeded {
				return false
			}
		}
		return true
	}
}

func (e *Executor) skip(run *executionRun, ps *PhaseState, reason string) {
	ps.Status = PhaseSkipped
	ps.Reason = reason
	ps.FinishedAt = e.now().UTC()
	e.metrics.PhaseFinished(run.plan.Name, string(PhaseSkipped))
	e.logEvent("phase_skipped", "execution_id", run.exec.ID, "phase", ps.Name, "reason", reason)
}

// taskKey names a convoy member.
func taskKey(phase, itemID string) string {
	return phase + "/" + itemID
}

// runBatch runs every ready phase against every bound item as one convoy.
func (e *Executor) runBatch(ctx context.Context, run *executionRun, ready []Phase) {
	itemIDs := run.exec.ItemIDs

	var outcomesMu sync.Mutex
	outcomes := make(map[string]TaskOutcome, len(ready)*len(itemIDs))

	members := make([]convoy.Member, 0, len(ready)*len(itemIDs))
	for _, ph := range ready {
		for _, itemID := range itemIDs {
			members = append(members, convoy.Member{
				ID: taskKey(ph.Name, itemID),
				Run: func(mctx context.Context) ([]string, error) {
					out := e.runTask(mctx, run, ph, itemID)
					outcomesMu.Lock()
					outcomes[taskKey(ph.Name, itemID)] = out
					outcomesMu.Unlock()
					if !out.Succeeded {
						if out.Reason == ReasonTimeout {
							return out.Artifacts, fmt.Errorf("%s: %w", out.Error, context.DeadlineExceeded)
						}
						return out.Artifacts, errors.New(out.Error)
					}
					return out.Artifacts, nil
				},
			})
		}
	}

	cfg := e.convoyCfg
	if run.plan.Convoy != nil {
		cfg = *run.plan.Convoy
	}

	res, err := e.scheduler.Run(ctx, members, cfg)
	if err != nil {
		// only an invalid convoy config gets here; fail the whole batch
		res = &convoy.Result{}
		for _, m := range members {
			res.Members = append(res.Members, convoy.MemberResult{ID: m.ID, Reason: convoy.ReasonError, Error: err.Error()})
		}
	}

	// tasks abandoned at the convoy deadline may still be writing
	outcomesMu.Lock()
	settled := make(map[string]TaskOutcome, len(outcomes))
	for k, v := range outcomes {
		settled[k] = v
	}
	outcomesMu.Unlock()

	run.mu.Lock()
	defer run.mu.Unlock()

	now := e.now().UTC()
	for _, ph := range ready {
		ps, _ := run.exec.Phase(ph.Name)
		ps.Tasks = ps.Tasks[:0]
		ps.Status = PhaseSucceeded

		for _, itemID := range itemIDs {
			key := taskKey(ph.Name, itemID)
			mr, _ := res.Member(key)
			out, ran := settled[key]
			if !ran || (mr.Started && mr.FinishedAt.IsZero()) {
				out = TaskOutcome{ItemID: itemID, Reason: memberReason(mr), Error: mr.Error}
			}
			ps.Tasks = append(ps.Tasks, out)
			if !out.Succeeded && ps.Status == PhaseSucceeded {
				ps.Status = PhaseFailed
				ps.Reason = out.Reason
				ps.Error = out.Error
			}
		}
		ps.FinishedAt = now

		e.metrics.PhaseFinished(run.plan.Name, string(ps.Status))
		e.logEvent("phase_finished", "execution_id", run.exec.ID, "phase", ph.Name,
			"status", ps.Status, "reason", ps.Reason)

		if ps.Status == PhaseFailed && !ph.ContinueOnError && !run.halted {
			run.halted = true
			run.exec.Error = fmt.Sprintf("phase '%s' failed: %s", ph.Name, ps.Error)
		}
	}
}

func memberReason(mr convoy.MemberResult) string {
	switch mr.Reason {
	case convoy.ReasonCancelled:
		return ReasonCancelled
	case convoy.ReasonTimeout:
		return ReasonTimeout
	case convoy.ReasonPanic:
		return ReasonPanic
	default:
		return ReasonTaskFailed
	}
}

// runTask moves the item into progress, runs the phase on it and records the
// outcome in the item's context.
func (e *Executor) runTask(ctx context.Context, run *executionRun, ph Phase, itemID string) TaskOutcome {
	out := TaskOutcome{ItemID: itemID}

	taskCtx := workstore.WithCaller(ctx, "execution:"+run.exec.ID)
	if ph.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, ph.Timeout)
		defer cancel()
	}

	item, err := e.beginItem(taskCtx, itemID)
	if err != nil {
		out.Reason = ReasonTaskFailed
		out.Error = err.Error()
		return out
	}

	res, err := e.runner.RunTask(taskCtx, item, ph)
	out.Agent = res.Agent
	switch {
	case err != nil:
		out.Error = err.Error()
	case !res.Success:
		out.Error = res.Error
		if out.Error == "" {
			out.Error = "task reported failure"
		}
	default:
		out.Succeeded = true
		out.Artifacts = res.Artifacts
	}
	if !out.Succeeded {
		out.Reason = ReasonTaskFailed
		if errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil {
			out.Reason = ReasonTimeout
		}
	}

	// recorded even if the task's deadline has passed
	recordCtx := context.WithoutCancel(ctx)
	if out.Agent != "" {
		recordCtx = workstore.WithCaller(recordCtx, out.Agent)
	}
	if err := e.recordTask(recordCtx, ph, out); err != nil {
		e.logger.Warn("failed to record task outcome on work item",
			"component", "battleplan", "execution_id", run.exec.ID,
			"phase", ph.Name, "item_id", itemID, "error", err)
	}

	e.logEvent("task_finished", "execution_id", run.exec.ID, "phase", ph.Name,
		"item_id", itemID, "agent", out.Agent, "succeeded", out.Succeeded, "reason", out.Reason)
	return out
}

// beginItem moves a Ready item to InProgress, waiting out rate-limit denials
// under the executor's retry policy. Losing the race to another task on the
// same item is fine as long as the item ends up in progress.
func (e *Executor) beginItem(ctx context.Context, id string) (*workstore.WorkItem, error) {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != workstore.StatusReady {
		return item, nil
	}

	updated, err := e.store.TransitionWithRetry(ctx, id, workstore.StatusReady, workstore.StatusInProgress, e.retry)
	if err == nil {
		return updated, nil
	}
	if !workstore.IsConflict(err) {
		return nil, err
	}
	item, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != workstore.StatusInProgress {
		return nil, fmt.Errorf("work item %s moved to %s while starting", id, item.Status)
	}
	return item, nil
}

func (e *Executor) recordTask(ctx context.Context, ph Phase, out TaskOutcome) error {
	_, err := e.store.UpdateWithRetry(ctx, out.ItemID, func(w *workstore.WorkItem) error {
		if w.Context == nil {
			w.Context = make(map[string]string)
		}
		if out.Succeeded {
			w.Context["phase."+ph.Name] = string(PhaseSucceeded)
			w.Artifacts = append(w.Artifacts, out.Artifacts...)
		} else {
			w.Context["phase."+ph.Name] = string(PhaseFailed)
		}
		if w.Assignee == "" && out.Agent != "" {
			w.Assignee = out.Agent
		}
		return nil
	}, e.retry)
	return err
}

// finish settles the execution status, fails anything left behind by a
// cancellation and moves the work items on.
func (e *Executor) finish(ctx context.Context, run *executionRun) {
	bg := context.WithoutCancel(ctx)

	run.mu.Lock()
	exec := run.exec
	now := e.now().UTC()
	cancelled := exec.Cancelled || ctx.Err() != nil
	for i := range exec.Phases {
		ps := &exec.Phases[i]
		if ps.Status.IsTerminal() {
			continue
		}
		ps.Status = PhaseFailed
		ps.Reason = ReasonCancelled
		ps.FinishedAt = now
		e.metrics.PhaseFinished(run.plan.Name, string(PhaseFailed))
	}

	switch {
	case cancelled:
		exec.Status = ExecutionFailed
		exec.Cancelled = true
		if exec.Error == "" {
			exec.Error = "execution cancelled"
		}
	case run.halted:
		exec.Status = ExecutionFailed
	default:
		exec.Status = ExecutionCompleted
	}
	exec.FinishedAt = now
	status, id, items := exec.Status, exec.ID, append([]string(nil), exec.ItemIDs...)
	elapsed := now.Sub(exec.StartedAt)
	run.mu.Unlock()

	for _, itemID := range items {
		var err error
		if status == ExecutionCompleted {
			err = e.submitItem(bg, itemID)
		} else {
			_, err = e.store.UpdateWithRetry(bg, itemID, func(w *workstore.WorkItem) error {
				if w.Context == nil {
					w.Context = make(map[string]string)
				}
				w.Context["execution."+id] = string(ExecutionFailed)
				return nil
			}, e.retry)
		}
		if err != nil {
			e.logger.Warn("failed to update work item after execution",
				"component", "battleplan", "execution_id", id, "item_id", itemID, "error", err)
		}
	}

	e.persist(bg, run)
	e.metrics.ExecutionFinished(run.plan.Name, string(status))
	e.logEvent("execution_finished", "execution_id", id, "plan", run.plan.Name,
		"status", status, "duration_ms", elapsed.Milliseconds())
}

// submitItem moves an in-progress item to review. Items that never started
// (every phase skipped) are left where they are.
func (e *Executor) submitItem(ctx context.Context, id string) error {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != workstore.StatusInProgress {
		return nil
	}
	_, err = e.store.TransitionWithRetry(ctx, id, workstore.StatusInProgress, workstore.StatusInReview, e.retry)
	return err
}

func (e *Executor) persist(ctx context.Context, run *executionRun) {
	snap := run.snapshot()
	if err := e.execs.Save(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Error("failed to persist execution",
			"component", "battleplan", "execution_id", snap.ID, "error", err)
	}
}

func (e *Executor) logEvent(eventType string, fields ...any) {
	args := append([]any{"component", "battleplan", "event_type", eventType}, fields...)
	e.logger.Info(eventType, args...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
