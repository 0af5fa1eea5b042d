package battleplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrExecutionNotFound is returned for an unknown execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStatus is the overall state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// PhaseStatus is the state of one phase within an execution.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// IsTerminal reports whether the phase will not change again.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseSucceeded || s == PhaseFailed || s == PhaseSkipped
}

// Phase failure and skip reasons.
const (
	ReasonTaskFailed      = "task_failed"
	ReasonTimeout         = "timeout"
	ReasonCancelled       = "cancelled"
	ReasonPanic           = "panic"
	ReasonConditionNotMet = "condition_not_met"
	ReasonExecutionFailed = "execution_failed"
)

// TaskOutcome is the result of running one phase against one work item.
type TaskOutcome struct {
	ItemID    string   `json:"item_id"`
	Agent     string   `json:"agent,omitempty"`
	Succeeded bool     `json:"succeeded"`
	Reason    string   `json:"reason,omitempty"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// PhaseState tracks one phase of an execution.
type PhaseState struct {
	Name       string        `json:"name"`
	Status     PhaseStatus   `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Tasks      []TaskOutcome `json:"tasks,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Execution is a plan bound to work items. It is persisted on every phase
// transition.
type Execution struct {
	ID          string            `json:"id"`
	Plan        string            `json:"plan"`
	PlanVersion string            `json:"plan_version"`
	ItemIDs     []string          `json:"item_ids"`
	Variables   map[string]string `json:"variables,omitempty"`
	Status      ExecutionStatus   `json:"status"`
	Error       string            `json:"error,omitempty"`
	Cancelled   bool              `json:"cancelled,omitempty"`
	Phases      []PhaseState      `json:"phases"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// Phase returns the state of the named phase.
func (e *Execution) Phase(name string) (*PhaseState, bool) {
	for i := range e.Phases {
		if e.Phases[i].Name == name {
			return &e.Phases[i], true
		}
	}
	return nil, false
}

// IsTerminal reports whether the execution has finished.
func (e *Execution) IsTerminal() bool {
	return e.Status != ExecutionRunning
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	c := *e
	c.ItemIDs = append([]string(nil), e.ItemIDs...)
	if e.Variables != nil {
		c.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	c.Phases = make([]PhaseState, len(e.Phases))
	for i, p := range e.Phases {
		p.Tasks = append([]TaskOutcome(nil), p.Tasks...)
		c.Phases[i] = p
	}
	return &c
}

// ExecutionKey returns the Redis key holding one execution as JSON.
// Pattern: muster:{instance}:execution:{id}
func ExecutionKey(instanceName, id string) string {
	return fmt.Sprintf("muster:%s:execution:%s", instanceName, id)
}

// ExecutionIndexKey returns the sorted set of execution ids scored by start time.
// Pattern: muster:{instance}:executions
func ExecutionIndexKey(instanceName string) string {
	return fmt.Sprintf("muster:%s:executions", instanceName)
}

// ExecutionStore persists executions in Redis.
type ExecutionStore struct {
	rdb          redis.Cmdable
	instanceName string
}

// NewExecutionStore creates a store for one instance.
func NewExecutionStore(rdb redis.Cmdable, instanceName string) *ExecutionStore {
	return &ExecutionStore{rdb: rdb, instanceName: instanceName}
}

// Save writes the execution and indexes it.
func (s *ExecutionStore) Save(ctx context.Context, e *Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ExecutionKey(s.instanceName, e.ID), data, 0)
		pipe.ZAdd(ctx, ExecutionIndexKey(s.instanceName), redis.Z{
			Score:  float64(e.StartedAt.UnixNano()),
			Member: e.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", e.ID, err)
	}
	return nil
}

// Load reads one execution.
func (s *ExecutionStore) Load(ctx context.Context, id string) (*Execution, error) {
	data, err := s.rdb.Get(ctx, ExecutionKey(s.instanceName, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}
	return &e, nil
}

// List returns executions newest first. Index entries whose record is gone
// are skipped.
func (s *ExecutionStore) List(ctx context.Context) ([]*Execution, error) {
	ids, err := s.rdb.ZRevRange(ctx, ExecutionIndexKey(s.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrExecutionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
