package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ErrNoViableCandidate is matched by *NoViableCandidateError.
var ErrNoViableCandidate = errors.New("no viable candidate")

// NoViableCandidateError lists why every candidate was excluded.
// The caller decides whether to queue, escalate, or fail.
type NoViableCandidateError struct {
	Excluded map[string]string
}

func (e *NoViableCandidateError) Error() string {
	return fmt.Sprintf("no viable candidate (%s)", formatExclusions(e.Excluded))
}

func (e *NoViableCandidateError) Is(target error) bool {
	return target == ErrNoViableCandidate
}

// Decision is the router's choice for one task.
type Decision struct {
	Destination string            `json:"destination"`
	EventID     string            `json:"event_id"`
	Excluded    map[string]string `json:"excluded,omitempty"` // candidate id -> reason
	Degraded    bool              `json:"degraded"`           // chosen from the warn/critical fallback set
	Priority    Priority          `json:"priority"`
	Health      Snapshot          `json:"health"`
}

// Router filters candidates by policy and health and emits one event per decision.
// It is the only component that writes routing events.
type Router struct {
	source string
	health *HealthMonitor
	logger *slog.Logger
	now    func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for routing decisions.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterClock overrides time.Now for event timestamps.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router. source names the component requesting routes
// and is written on every event.
func NewRouter(source string, health *HealthMonitor, opts ...RouterOption) *Router {
	r := &Router{
		source: source,
		health: health,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Health returns the monitor the router consults.
func (r *Router) Health() *HealthMonitor {
	return r.health
}

// Route picks a destination for one task:
//  1. candidates violating policy are dropped, each with a Blocked event
//  2. candidates whose circuit is open are dropped
//  3. healthy candidates are preferred; warn/critical ones are the fallback
//  4. within the chosen set the lowest known latency wins, else the first
//  5. the winner gets a Routed event carrying the exclusions
//
// If nothing survives a Blocked event with reason circuit_breaker is emitted
// and *NoViableCandidateError returned.
func (r *Router) Route(ctx context.Context, candidates []Candidate, policy Policy, priority Priority) (*Decision, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	excluded := make(map[string]string)

	var allowed []Candidate
	for _, c := range candidates {
		if reason := policy.Violation(c); reason != "" {
			excluded[c.ID] = reason
			r.emit(ctx, c.ID, OutcomeBlocked, reason, priority)
			continue
		}
		allowed = append(allowed, c)
	}

	var preferred, fallback []Candidate
	snaps := make(map[string]Snapshot, len(allowed))
	for _, c := range allowed {
		snap := r.health.Snapshot(c.ID)
		snaps[c.ID] = snap
		switch {
		case !snap.Reachable():
			excluded[c.ID] = string(StatusCircuitOpen)
		case snap.Degraded():
			fallback = append(fallback, c)
		default:
			preferred = append(preferred, c)
		}
	}

	pool, degraded := preferred, false
	if len(pool) == 0 {
		pool, degraded = fallback, true
	}

	if len(pool) == 0 {
		e := r.emit(ctx, "", OutcomeBlocked, ReasonCircuitBreaker, priority)
		r.logger.Warn("no viable candidate",
			"component", "router", "event_type", "no_viable_candidate",
			"event_id", e.ID, "candidates", len(candidates), "excluded", formatExclusions(excluded))
		return nil, &NoViableCandidateError{Excluded: excluded}
	}

	winner := r.pickLowestLatency(pool)

	reason := ReasonSelected
	if len(excluded) > 0 {
		reason = ReasonSelected + "; excluded " + formatExclusions(excluded)
	}
	e := r.emit(ctx, winner.ID, OutcomeRouted, reason, priority)

	r.logger.Debug("routed task",
		"component", "router", "event_type", "routed",
		"event_id", e.ID, "destination", winner.ID, "degraded", degraded, "priority", string(priority))

	return &Decision{
		Destination: winner.ID,
		EventID:     e.ID,
		Excluded:    excluded,
		Degraded:    degraded,
		Priority:    priority,
		Health:      snaps[winner.ID],
	}, nil
}

func (r *Router) pickLowestLatency(pool []Candidate) Candidate {
	best := pool[0]
	var bestLatency time.Duration
	known := false
	for _, c := range pool {
		l, ok := r.health.Latency(c.ID)
		if !ok {
			continue
		}
		if !known || l < bestLatency {
			best, bestLatency, known = c, l, true
		}
	}
	return best
}

// ReportOutcome records what happened after a routed task ran. Use OutcomeBlocked
// for failed executions and OutcomeThrottled for backpressure denials. The
// decision's routed event is amended rather than joined by a second event, so
// each task counts once in its agent's window. If that event has already left
// the window a new event is recorded.
func (r *Router) ReportOutcome(ctx context.Context, d *Decision, outcome Outcome, reason string) Event {
	if e, ok := r.health.Amend(ctx, d.Destination, d.EventID, outcome, reason); ok {
		return e
	}
	priority := d.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return r.emit(ctx, d.Destination, outcome, reason, priority)
}

func (r *Router) emit(ctx context.Context, destination string, outcome Outcome, reason string, priority Priority) Event {
	now := r.now().UTC()
	e := Event{
		ID:          newEventID(now),
		Source:      r.source,
		Destination: destination,
		Outcome:     outcome,
		Reason:      reason,
		Priority:    priority,
		Timestamp:   now,
	}
	r.health.Record(ctx, e)
	return e
}

func formatExclusions(excluded map[string]string) string {
	if len(excluded) == 0 {
		return "none"
	}
	ids := make([]string, 0, len(excluded))
	for id := range excluded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+"="+excluded[id])
	}
	return strings.Join(parts, ",")
}
