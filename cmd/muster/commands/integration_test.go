//go:build integration

package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/muster/internal/config"
	"github.com/dyluth/muster/internal/engine"
	"github.com/dyluth/muster/internal/printer"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

const integrationConfig = `version: "1.0"
instance: it
redis:
  url: %s
http:
  addr: "-"
plans:
  dir: %s
agents:
  coder-1:
    role: coder
    trust_level: 1
    command: ["sh", "-c", "cat >/dev/null; echo '{\"success\":true,\"artifacts\":[\"build.log\"]}'"]
  reviewer-1:
    role: reviewer
    trust_level: 1
    command: ["sh", "-c", "cat >/dev/null; echo '{\"success\":true}'"]
`

// TestIntegration_PlanRunsThroughDaemon drives a running engine with the CLI
// against a real Redis.
func TestIntegration_PlanRunsThroughDaemon(t *testing.T) {
	color.NoColor = true
	t.Setenv("MUSTER_INSTANCE_NAME", "")
	t.Setenv("REDIS_URL", "")

	dir := t.TempDir()
	plansDir := filepath.Join(dir, "plans")
	require.NoError(t, os.MkdirAll(plansDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plansDir, "feature.yaml"), []byte(testPlan), 0o644))

	configPath := filepath.Join(dir, "muster.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(integrationConfig, setupRedis(t), plansDir)), 0o644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e, err := engine.New(ctx, cfg,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithPollInterval(100*time.Millisecond),
	)
	require.NoError(t, err)
	defer e.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- e.Run(runCtx) }()
	defer func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Error("engine did not stop")
		}
	}()

	cli := func(args ...string) (string, error) {
		var buf bytes.Buffer
		printer.Out, printer.ErrOut = &buf, &buf
		defer func() { printer.Out, printer.ErrOut = os.Stdout, os.Stderr }()

		root := newRootCmd()
		root.SetOut(&buf)
		root.SetErr(&buf)
		root.SetArgs(append([]string{"--config", configPath}, args...))
		err := root.ExecuteContext(ctx)
		return buf.String(), err
	}

	out, err := cli("item", "create", "--id", "it-item-0001", "--title", "Integration item")
	require.NoError(t, err, out)

	out, err = cli("plan", "start", "feature", "it-item-0001", "--wait")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status:  completed")
	assert.Contains(t, out, "✓ it-item-0001 @coder-1")
	assert.Contains(t, out, "✓ it-item-0001 @reviewer-1")

	out, err = cli("health", "--agent", "coder-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "coder-1")
}
