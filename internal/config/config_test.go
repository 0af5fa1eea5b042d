package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/muster/internal/routing"
)

func noEnv(string) string { return "" }

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "muster.yml")

	validConfig := `version: "1.0"
instance: prod
redis:
  url: redis://redis:6379/2
plans:
  dir: ./battle-plans
  watch: false
backpressure:
  max_queue_depth: 50
  rate_per_minute: 600
health:
  max_event_age: 5m
  recompute_interval: 30s
convoy:
  max_parallel_ceiling: 4
  baseline_parallelism: 1
  timeout: 10m
agents:
  coder-1:
    role: coder
    capabilities: ["fs/write", "shell:go"]
    trust_level: 2
    sensitivity_ceiling: confidential
    command: ["./agents/coder.sh"]
  reviewer-1:
    role: reviewer
    image: example/reviewer:latest
    memory: 512m
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0644))

	t.Setenv(EnvInstanceName, "")
	t.Setenv(EnvRedisURL, "")

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "prod", config.Instance)
	assert.Equal(t, "redis://redis:6379/2", config.Redis.URL)
	assert.Equal(t, "./battle-plans", config.Plans.Dir)
	assert.False(t, config.WatchPlans())

	assert.Equal(t, 50, config.BackpressureSettings().MaxQueueDepth)
	assert.Equal(t, 600.0, config.BackpressureSettings().RatePerMinute)
	assert.Equal(t, 20, config.BackpressureSettings().RateBurst)

	assert.Equal(t, 5*time.Minute, config.HealthSettings().MaxEventAge)
	assert.Equal(t, 30*time.Second, config.Health.RecomputeInterval)
	assert.Equal(t, 200, config.HealthSettings().WindowSize)

	assert.Equal(t, 4, config.Convoy.MaxParallelCeiling)
	assert.Equal(t, 1, config.Convoy.BaselineParallelism)
	assert.Equal(t, 10*time.Minute, config.Convoy.Timeout)

	assert.Equal(t, []string{"coder-1", "reviewer-1"}, config.AgentNames())
	assert.True(t, config.HasContainerAgents())

	coder := config.Agents["coder-1"]
	cand := coder.Candidate("coder-1")
	assert.Equal(t, "coder", cand.Role)
	assert.Equal(t, 2, cand.TrustLevel)
	assert.Equal(t, routing.SensitivityConfidential, cand.SensitivityCeiling)
	assert.Equal(t, []string{"fs/write", "shell:go"}, cand.Capabilities)

	reviewer := config.Agents["reviewer-1"]
	mem, err := reviewer.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), mem)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/muster.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestParse_InvalidYAML(t *testing.T) {
	invalidYAML := `version: "1.0"
agents:
  - this is invalid
    yaml syntax
`
	config, err := Parse([]byte(invalidYAML), noEnv)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_Defaults(t *testing.T) {
	config, err := Parse([]byte(`version: "1.0"`), noEnv)
	require.NoError(t, err)

	assert.Equal(t, "default", config.Instance)
	assert.Equal(t, "redis://localhost:6379/0", config.Redis.URL)
	assert.Equal(t, ":9090", config.HTTP.Addr)
	assert.Equal(t, "plans", config.Plans.Dir)
	assert.True(t, config.WatchPlans())

	bp := config.BackpressureSettings()
	assert.Equal(t, 100, bp.MaxQueueDepth)
	assert.Equal(t, 0.8, bp.SoftThresholdRatio)
	assert.Equal(t, 100.0, bp.RatePerMinute)
	assert.Equal(t, 20, bp.RateBurst)

	rp := config.RetryPolicy()
	assert.Equal(t, 3, rp.MaxAttempts)
	assert.Equal(t, time.Second, rp.InitialInterval)
	assert.Equal(t, 4*time.Second, rp.MaxInterval)

	hc := config.HealthSettings()
	assert.Equal(t, 5, hc.MinEvents)
	assert.Equal(t, 0.25, hc.WarnThreshold)
	assert.Equal(t, 0.5, hc.CriticalThreshold)
	assert.Equal(t, 0.7, hc.CircuitOpenThreshold)
	assert.Equal(t, 10*time.Minute, hc.MaxEventAge)

	rc := config.ResourceSettings()
	assert.Equal(t, 10*time.Second, rc.Interval)
	assert.Equal(t, 60, rc.HistorySize)
	assert.Equal(t, 80.0, rc.CPUThreshold)

	assert.Equal(t, 2, config.Convoy.BaselineParallelism)
	assert.Equal(t, 8, config.Convoy.MaxParallelCeiling)
	assert.Equal(t, 5*time.Second, config.Convoy.MaxThrottleDelay)

	assert.Empty(t, config.Agents)
	assert.False(t, config.HasContainerAgents())
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, "default", config.Instance)
	assert.Equal(t, 2, config.Convoy.BaselineParallelism)
}

func TestParse_EnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvInstanceName: "staging",
		EnvRedisURL:     "redis://other:6380/0",
	}
	config, err := Parse([]byte("version: \"1.0\"\ninstance: prod\n"), func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, "staging", config.Instance)
	assert.Equal(t, "redis://other:6380/0", config.Redis.URL)
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	config := &MusterConfig{Version: "2.0"}

	err := config.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version: 2.0")
}

func TestValidate_InvalidSettings(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(c *MusterConfig)
		expectErr string
	}{
		{
			name:      "instance with spaces",
			mutate:    func(c *MusterConfig) { c.Instance = "my instance" },
			expectErr: "instance: invalid name",
		},
		{
			name:      "queue depth negative",
			mutate:    func(c *MusterConfig) { c.Backpressure.MaxQueueDepth = -1 },
			expectErr: "max_queue_depth must be >= 1",
		},
		{
			name:      "soft ratio above one",
			mutate:    func(c *MusterConfig) { c.Backpressure.SoftThresholdRatio = 1.5 },
			expectErr: "soft_threshold_ratio",
		},
		{
			name:      "retry multiplier below one",
			mutate:    func(c *MusterConfig) { c.Retry.Multiplier = 0.5 },
			expectErr: "retry.multiplier",
		},
		{
			name:      "thresholds out of order",
			mutate:    func(c *MusterConfig) { c.Health.WarnThreshold = 0.6 },
			expectErr: "warn <= critical <= circuit_open",
		},
		{
			name:      "negative event age",
			mutate:    func(c *MusterConfig) { c.Health.MaxEventAge = -time.Second },
			expectErr: "must not be negative",
		},
		{
			name: "convoy ceiling below baseline",
			mutate: func(c *MusterConfig) {
				c.Convoy.BaselineParallelism = 4
				c.Convoy.MaxParallelCeiling = 2
			},
			expectErr: "convoy: max parallel ceiling (2) is below baseline (4)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := &MusterConfig{Version: "1.0"}
			tc.mutate(config)

			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectErr)
		})
	}
}

func TestAgentValidate(t *testing.T) {
	testCases := []struct {
		name      string
		id        string
		agent     Agent
		expectErr string
	}{
		{
			name:  "command agent",
			id:    "coder-1",
			agent: Agent{Role: "coder", Command: []string{"./run.sh"}},
		},
		{
			name:  "image agent with memory",
			id:    "reviewer-1",
			agent: Agent{Role: "reviewer", Image: "reviewer:latest", Memory: "1g"},
		},
		{
			name:      "missing role",
			id:        "coder-1",
			agent:     Agent{Command: []string{"./run.sh"}},
			expectErr: "role is required",
		},
		{
			name:      "neither command nor image",
			id:        "coder-1",
			agent:     Agent{Role: "coder"},
			expectErr: "exactly one of command or image",
		},
		{
			name:      "both command and image",
			id:        "coder-1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}, Image: "coder:latest"},
			expectErr: "exactly one of command or image",
		},
		{
			name:      "negative trust",
			id:        "coder-1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}, TrustLevel: -1},
			expectErr: "trust_level must be >= 0",
		},
		{
			name:      "unknown sensitivity",
			id:        "coder-1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}, SensitivityCeiling: "top-secret"},
			expectErr: "unknown sensitivity",
		},
		{
			name:      "memory on command agent",
			id:        "coder-1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}, Memory: "1g"},
			expectErr: "memory applies only to image agents",
		},
		{
			name:      "bad memory",
			id:        "reviewer-1",
			agent:     Agent{Role: "reviewer", Image: "reviewer:latest", Memory: "lots"},
			expectErr: "invalid memory limit",
		},
		{
			name:      "missing dir",
			id:        "coder-1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}, Dir: "/nonexistent/path"},
			expectErr: "dir does not exist",
		},
		{
			name:      "invalid id",
			id:        "coder/1",
			agent:     Agent{Role: "coder", Command: []string{"./run.sh"}},
			expectErr: "invalid name",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.agent.Validate(tc.id)
			if tc.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectErr)
			assert.Contains(t, err.Error(), tc.id)
		})
	}
}

func TestAgentValidate_ExistingDir(t *testing.T) {
	agent := Agent{Role: "coder", Command: []string{"./run.sh"}, Dir: t.TempDir()}
	assert.NoError(t, agent.Validate("coder-1"))
}
