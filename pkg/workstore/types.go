// Package workstore provides the durable, concurrency-safe work-item store
// shared by every muster component. Items live in Redis and every write is a
// compare-and-swap on the item's version.
package workstore

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	// StatusBacklog is waiting on at least one unfinished dependency
	StatusBacklog Status = "backlog"

	// StatusReady has every dependency done and can be picked up
	StatusReady Status = "ready"

	// StatusInProgress has been accepted by an assignee
	StatusInProgress Status = "in_progress"

	// StatusInReview has submitted work waiting for acceptance
	StatusInReview Status = "in_review"

	// StatusDone is accepted work (terminal)
	StatusDone Status = "done"

	// StatusBlocked is held by an external block; it returns to BlockedFrom
	StatusBlocked Status = "blocked"

	// StatusFailed hit an unrecoverable error (terminal)
	StatusFailed Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusInReview,
	StatusDone, StatusBlocked, StatusFailed,
}

// WorkItem is the unit of trackable work.
type WorkItem struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	BlockedFrom Status            `json:"blocked_from,omitempty"` // state to return to when unblocked
	Assignee    string            `json:"assignee,omitempty"`     // agent identifier, empty when unassigned
	Version     int64             `json:"version"`                // OCC token, +1 per accepted write
	DependsOn   []string          `json:"depends_on"`
	Blocks      []string          `json:"blocks"` // reverse index of DependsOn, maintained by the store
	GroupID     string            `json:"group_id,omitempty"`
	Context     map[string]string `json:"context"`
	Artifacts   []string          `json:"artifacts"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks that the Status is a known enum value.
func (s Status) Validate() error {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusInReview,
		StatusDone, StatusBlocked, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// IsTerminal reports whether no transition may leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ParseStatus converts user input such as "in-progress" or "InProgress" to a Status.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "inprogress":
		norm = string(StatusInProgress)
	case "inreview":
		norm = string(StatusInReview)
	}
	st := Status(norm)
	if err := st.Validate(); err != nil {
		return "", err
	}
	return st, nil
}

// transitions is the exhaustive edge table, excluding the edges into Blocked,
// Failed and out of Blocked which are handled by CanTransition.
var transitions = map[Status][]Status{
	StatusBacklog:    {StatusReady},
	StatusReady:      {StatusInProgress},
	StatusInProgress: {StatusInReview},
	StatusInReview:   {StatusDone, StatusInProgress},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Leaving Blocked is only valid back to the state recorded when the item was
// blocked, which the store checks against the stored item.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusBlocked {
		return from != StatusBlocked
	}
	if from == StatusBlocked {
		return !to.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks the caller-supplied fields of a new or updated WorkItem.
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}
	for i, dep := range w.DependsOn {
		if dep == "" {
			return fmt.Errorf("invalid dependency at index %d: empty id", i)
		}
		if w.ID != "" && dep == w.ID {
			return fmt.Errorf("item cannot depend on itself")
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing store results.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.DependsOn = append([]string(nil), w.DependsOn...)
	c.Blocks = append([]string(nil), w.Blocks...)
	c.Artifacts = append([]string(nil), w.Artifacts...)
	c.Context = make(map[string]string, len(w.Context))
	for k, v := range w.Context {
		c.Context[k] = v
	}
	return &c
}
