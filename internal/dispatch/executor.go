package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/docker"
	"github.com/dyluth/muster/pkg/workstore"
)

const (
	// defaultTaskTimeout bounds a task whose phase sets no timeout
	defaultTaskTimeout = 5 * time.Minute

	// maxOutputSize is the maximum number of bytes kept from agent stdout/stderr (10MB)
	maxOutputSize = 10 * 1024 * 1024

	// TaskEnvVar carries the task JSON into container agents
	TaskEnvVar = "MUSTER_TASK"
)

// TaskExecutor runs one phase task on one work item for a single agent. The
// returned error means the task could not be run; a task that ran and failed
// is a result with Success false.
type TaskExecutor interface {
	Execute(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error)
}

// TaskExecutorFunc adapts a function to TaskExecutor.
type TaskExecutorFunc func(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error)

// Execute implements TaskExecutor.
func (f TaskExecutorFunc) Execute(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
	return f(ctx, item, phase)
}

// CommandExecutor runs the agent as a local subprocess. The task JSON is
// written to stdin and the last stdout line is read as the TaskOutput.
type CommandExecutor struct {
	AgentID string
	Role    string
	Command []string
	Dir     string
	Env     []string // appended to the daemon's environment
}

// Execute implements TaskExecutor.
func (e *CommandExecutor) Execute(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
	if len(e.Command) == 0 {
		return battleplan.TaskResult{}, fmt.Errorf("agent %s has an empty command", e.AgentID)
	}

	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(newTaskInput(item, phase.Name, e.Role, e.AgentID, timeout))
	if err != nil {
		return battleplan.TaskResult{}, fmt.Errorf("failed to marshal task input: %w", err)
	}

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)
	// children that inherit the pipes must not hold Run open past the kill
	cmd.WaitDelay = time.Second

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	runErr := cmd.Run()

	if execCtx.Err() != nil {
		return battleplan.TaskResult{}, fmt.Errorf("agent %s: task timed out after %s: %w", e.AgentID, timeout, execCtx.Err())
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return battleplan.TaskResult{}, fmt.Errorf("agent %s: failed to run command: %w", e.AgentID, runErr)
	}

	return resultFromOutput(stdoutBuf.Bytes(), stderrBuf.String(), exitCode(exitErr)), nil
}

// ContainerRunner runs one container to completion. docker.Runner implements it.
type ContainerRunner interface {
	Run(ctx context.Context, spec docker.RunSpec) (*docker.RunResult, error)
}

// ContainerExecutor runs each task in a fresh container of the agent's image.
// The task JSON is passed in the MUSTER_TASK environment variable.
type ContainerExecutor struct {
	AgentID      string
	Role         string
	InstanceName string
	Image        string
	Command      []string // overrides the image entrypoint arguments when set
	Env          []string
	Network      string
	Memory       int64

	Runner ContainerRunner
}

// Execute implements TaskExecutor.
func (e *ContainerExecutor) Execute(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(newTaskInput(item, phase.Name, e.Role, e.AgentID, timeout))
	if err != nil {
		return battleplan.TaskResult{}, fmt.Errorf("failed to marshal task input: %w", err)
	}

	env := append([]string{TaskEnvVar + "=" + string(input)}, e.Env...)
	res, err := e.Runner.Run(execCtx, docker.RunSpec{
		Name:    docker.TaskContainerName(e.InstanceName, e.AgentID, phase.Name, item.ID),
		Image:   e.Image,
		Command: e.Command,
		Env:     env,
		Labels:  docker.TaskLabels(e.InstanceName, e.AgentID, e.Role, item.ID, phase.Name),
		Network: e.Network,
		Memory:  e.Memory,
	})
	if err != nil {
		if execCtx.Err() != nil {
			return battleplan.TaskResult{}, fmt.Errorf("agent %s: task timed out after %s: %w", e.AgentID, timeout, execCtx.Err())
		}
		return battleplan.TaskResult{}, fmt.Errorf("agent %s: %w", e.AgentID, err)
	}

	return resultFromOutput([]byte(res.Stdout), res.Stderr, int(res.ExitCode)), nil
}

// resultFromOutput turns agent output into a TaskResult. A non-zero exit is a
// failure even if the output claims success.
func resultFromOutput(stdout []byte, stderr string, code int) battleplan.TaskResult {
	out, parseErr := parseTaskOutput(stdout)
	switch {
	case parseErr != nil && code != 0:
		return battleplan.TaskResult{Error: fmt.Sprintf("process exited with code %d: %s", code, truncate(stderr, 200))}
	case parseErr != nil:
		return battleplan.TaskResult{Error: fmt.Sprintf("failed to parse agent output: %v", parseErr)}
	case code != 0:
		msg := out.Error
		if msg == "" {
			msg = truncate(stderr, 200)
		}
		return battleplan.TaskResult{Artifacts: out.Artifacts, Error: fmt.Sprintf("process exited with code %d: %s", code, msg)}
	default:
		return battleplan.TaskResult{Success: out.Success, Artifacts: out.Artifacts, Error: out.Error}
	}
}

func exitCode(err *exec.ExitError) int {
	if err == nil {
		return 0
	}
	return err.ExitCode()
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		// over the limit, discard
		return len(p), nil
	}
	if len(p) > remaining {
		n, err = lw.w.Write(p[:remaining])
		lw.written += n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err = lw.w.Write(p)
	lw.written += n
	return n, err
}
