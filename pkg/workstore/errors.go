package workstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a work item does not exist.
var ErrNotFound = errors.New("work item not found")

// ErrAlreadyExists is returned by Create when the supplied id is taken.
var ErrAlreadyExists = errors.New("work item already exists")

// ErrDependenciesPending is wrapped by InvalidTransitionError when an item would
// become Ready while a dependency is not Done.
var ErrDependenciesPending = errors.New("dependencies not done")

// ConflictError is an optimistic-concurrency rejection. The write was not applied.
// For version conflicts Expected/Actual hold versions; for status conflicts
// raised by Transition the status fields are set as well.
type ConflictError struct {
	ID             string
	Expected       int64
	Actual         int64
	ExpectedStatus Status
	ActualStatus   Status
}

func (e *ConflictError) Error() string {
	if e.ExpectedStatus != "" {
		return fmt.Sprintf("conflict on %s: expected status %s, found %s (version %d)",
			e.ID, e.ExpectedStatus, e.ActualStatus, e.Actual)
	}
	return fmt.Sprintf("conflict on %s: expected version %d, actual %d", e.ID, e.Expected, e.Actual)
}

// InvalidTransitionError rejects a status edge the state machine does not allow.
// It is a logic error and is never retried.
type InvalidTransitionError struct {
	ID     string
	From   Status
	To     Status
	Reason string
	Err    error
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return e.Err }

// CycleError rejects a dependency edge that would close a cycle.
// Path lists the existing chain from the new dependency back to the item.
type CycleError struct {
	ItemID    string
	DependsOn string
	Path      []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle (%s)",
		e.ItemID, e.DependsOn, strings.Join(e.Path, " -> "))
}

// IsNotFound reports whether err means the item does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
