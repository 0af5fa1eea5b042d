package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/muster/internal/backpressure"
	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/routing"
	"github.com/dyluth/muster/pkg/workstore"
)

// Agent is a routable destination with the executor that reaches it.
type Agent struct {
	routing.Candidate
	Executor TaskExecutor
}

// Registry holds the agents the dispatcher can route to.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Ids must be unique.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Role == "" {
		return fmt.Errorf("agent '%s' has no role", a.ID)
	}
	if a.Executor == nil {
		return fmt.Errorf("agent '%s' has no executor", a.ID)
	}
	if err := a.SensitivityCeiling.Validate(); err != nil {
		return fmt.Errorf("agent '%s': %w", a.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("duplicate agent id '%s'", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Candidates returns the agents serving role, ordered by id.
func (r *Registry) Candidates(role string) []routing.Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []routing.Candidate
	for _, a := range r.agents {
		if a.Role == role {
			out = append(out, a.Candidate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns the agent with the given id.
func (r *Registry) Agent(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns every agent ordered by id.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatcher routes phase tasks to agents. It implements battleplan.TaskRunner.
type Dispatcher struct {
	router   *routing.Router
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the clock used to measure task latency, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the router's health monitor.
func NewDispatcher(router *routing.Router, registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:   router,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunTask picks an agent for the phase's role under the phase's policy, runs
// the task and reports the outcome to the router. A failed task turns its
// routed event into a blocked one; backpressure and rate-limit denials turn
// it into a throttled one. A routing failure is returned as the router's error.
func (d *Dispatcher) RunTask(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
	decision, err := d.router.Route(ctx, d.registry.Candidates(phase.AgentRole), phase.Policy, phase.Priority)
	if err != nil {
		d.logger.Warn("no agent available for task",
			"component", "dispatch", "event_type", "dispatch_failed",
			"phase", phase.Name, "role", phase.AgentRole, "item_id", item.ID, "error", err)
		return battleplan.TaskResult{}, err
	}

	agent, ok := d.registry.Agent(decision.Destination)
	if !ok {
		return battleplan.TaskResult{}, fmt.Errorf("router selected unknown agent '%s'", decision.Destination)
	}

	start := d.now()
	res, err := agent.Executor.Execute(workstore.WithCaller(ctx, agent.ID), item, phase)
	latency := d.now().Sub(start)
	res.Agent = agent.ID

	d.router.Health().ObserveLatency(agent.ID, latency)

	switch {
	case err != nil:
		outcome, reason := classify(err)
		d.router.ReportOutcome(ctx, decision, outcome, reason)
	case !res.Success:
		d.router.ReportOutcome(ctx, decision, routing.OutcomeBlocked, routing.ReasonExecutionFailed)
	}

	d.logger.Info("task dispatched",
		"component", "dispatch", "event_type", "task_dispatched",
		"phase", phase.Name, "item_id", item.ID, "agent", agent.ID,
		"success", err == nil && res.Success, "latency_ms", latency.Milliseconds(),
		"degraded", decision.Degraded)

	return res, err
}

// classify maps an executor error to the routing outcome it counts as.
func classify(err error) (routing.Outcome, string) {
	var bp *backpressure.BackpressureError
	if errors.As(err, &bp) {
		return routing.OutcomeThrottled, routing.ReasonBackpressure
	}
	var rl *backpressure.RateLimitError
	if errors.As(err, &rl) {
		return routing.OutcomeThrottled, routing.ReasonRateLimited
	}
	return routing.OutcomeBlocked, routing.ReasonExecutionFailed
}
