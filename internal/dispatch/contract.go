// Package dispatch connects battle plan phases to agents. The Dispatcher asks
// the router for a destination among the agents registered for the phase's
// role, runs the task through that agent's TaskExecutor and feeds the outcome
// and latency back into the health monitor.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/muster/pkg/workstore"
)

// TaskInput is the JSON document an agent receives for one task.
//
// Example JSON:
//
//	{
//	  "phase": "build",
//	  "agent_role": "coder",
//	  "agent_id": "coder-1",
//	  "timeout_seconds": 300,
//	  "item": {"id": "abc-123", "title": "Add login", ...}
//	}
type TaskInput struct {
	Phase          string              `json:"phase"`
	AgentRole      string              `json:"agent_role"`
	AgentID        string              `json:"agent_id"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	Item           *workstore.WorkItem `json:"item"`
}

// TaskOutput is the JSON document an agent writes as its last line of output.
//
// Example JSON:
//
//	{"success": true, "artifacts": ["design.md"]}
type TaskOutput struct {
	Success   bool     `json:"success"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Validate checks that a failed output says why.
func (o *TaskOutput) Validate() error {
	if !o.Success && o.Error == "" {
		return fmt.Errorf("failed output must include an error")
	}
	for i, a := range o.Artifacts {
		if a == "" {
			return fmt.Errorf("artifact %d is empty", i)
		}
	}
	return nil
}

func newTaskInput(item *workstore.WorkItem, phase, role, agentID string, timeout time.Duration) *TaskInput {
	return &TaskInput{
		Phase:          phase,
		AgentRole:      role,
		AgentID:        agentID,
		TimeoutSeconds: int(timeout / time.Second),
		Item:           item,
	}
}

// parseTaskOutput reads the last non-empty line of stdout as a TaskOutput, so
// agents may log freely before reporting.
func parseTaskOutput(stdout []byte) (*TaskOutput, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return nil, fmt.Errorf("agent produced no output")
	}

	var out TaskOutput
	if err := json.Unmarshal(last, &out); err != nil {
		return nil, fmt.Errorf("invalid JSON on last output line: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
