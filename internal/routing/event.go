// Package routing selects a destination agent for each task and tracks the
// health of every destination from the events those decisions produce.
package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Outcome is what happened to a routing attempt for one destination.
type Outcome string

const (
	OutcomeRouted    Outcome = "routed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeThrottled Outcome = "throttled"
)

// Priority is carried on every event for operators; it does not change selection.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority accepts any case; empty input means normal.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority: %q", s)
}

// Reasons recorded on events.
const (
	ReasonSelected          = "selected"
	ReasonCircuitBreaker    = "circuit_breaker"
	ReasonExecutionFailed   = "execution_failed"
	ReasonBackpressure      = "backpressure"
	ReasonRateLimited       = "rate_limited"
	ReasonInsufficientTrust = "insufficient_trust"
	ReasonSensitivity       = "sensitivity_ceiling"
	reasonDeniedCapability  = "denied_capability"
)

// Event is one append-only routing record. Destination is empty for decisions
// that found no viable candidate.
type Event struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason"`
	Priority    Priority  `json:"priority"`
	Timestamp   time.Time `json:"timestamp"`
}

// newEventID returns a time-sortable id so the Redis log reads in order.
func newEventID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// window is a fixed-capacity ring of the most recent events for one destination.
type window struct {
	events []Event
	next   int
	full   bool
}

func newWindow(capacity int) *window {
	return &window{events: make([]Event, capacity)}
}

func (w *window) add(e Event) {
	w.events[w.next] = e
	w.next = (w.next + 1) % len(w.events)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.events)
	}
	return w.next
}

// list returns the events oldest first.
func (w *window) list() []Event {
	if !w.full {
		return append([]Event(nil), w.events[:w.next]...)
	}
	out := make([]Event, 0, len(w.events))
	out = append(out, w.events[w.next:]...)
	return append(out, w.events[:w.next]...)
}

// replace applies fn to the retained event with the given id.
func (w *window) replace(id string, fn func(*Event)) (Event, bool) {
	for i := 0; i < w.len(); i++ {
		if w.events[i].ID == id {
			fn(&w.events[i])
			return w.events[i], true
		}
	}
	return Event{}, false
}
