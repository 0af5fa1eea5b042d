package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// NewClient creates a Docker client and validates daemon is accessible.
// Returns an error if the Docker daemon is not running or not accessible.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Validate daemon is accessible
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf(`Docker daemon not accessible: %w

Ensure Docker is running:
  • macOS: Docker Desktop
  • Linux: sudo systemctl start docker`, err)
	}

	return cli, nil
}

// RunSpec describes one run-to-completion container.
type RunSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Labels  map[string]string
	Network string
	Memory  int64 // bytes, 0 means unlimited
}

// RunResult is what a finished container left behind.
type RunResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// Runner runs containers to completion on a Docker daemon.
type Runner struct {
	cli client.APIClient
}

// NewRunner wraps a Docker client.
func NewRunner(cli client.APIClient) *Runner {
	return &Runner{cli: cli}
}

// Run creates and starts the container, waits for it to exit, collects its
// output and removes it. The container is removed even if ctx is cancelled.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	hostConfig := &container.HostConfig{
		AutoRemove: false, // removed below, after the logs are read
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}
	if spec.Memory > 0 {
		hostConfig.Resources.Memory = spec.Memory
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: spec.Labels,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	result := &RunResult{}
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		result.ExitCode = status.StatusCode
	}

	logs, err := r.cli.ContainerLogs(context.WithoutCancel(ctx), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return result, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(logs, maxLogBytes)); err != nil {
		return result, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// maxLogBytes caps how much container output is read (10MB).
const maxLogBytes = 10 * 1024 * 1024
