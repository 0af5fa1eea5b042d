package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/muster/internal/backpressure"
	"github.com/dyluth/muster/internal/convoy"
	"github.com/dyluth/muster/internal/resource"
	"github.com/dyluth/muster/internal/routing"
	"github.com/dyluth/muster/pkg/workstore"
)

// Environment variables that override the file.
const (
	EnvInstanceName = "MUSTER_INSTANCE_NAME"
	EnvRedisURL     = "REDIS_URL"
)

// DefaultPath is where the CLI looks for the config when --config is not set.
const DefaultPath = "muster.yml"

// MusterConfig represents the top-level muster.yml configuration
type MusterConfig struct {
	Version      string             `yaml:"version"`
	Instance     string             `yaml:"instance"`
	Redis        RedisConfig        `yaml:"redis"`
	HTTP         HTTPConfig         `yaml:"http"`
	Plans        PlansConfig        `yaml:"plans"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Retry        RetryConfig        `yaml:"retry"`
	Health       HealthConfig       `yaml:"health"`
	Resource     ResourceConfig     `yaml:"resource"`
	Convoy       convoy.Config      `yaml:"convoy"`
	Agents       map[string]Agent   `yaml:"agents"`
	Docker       *DockerConfig      `yaml:"docker,omitempty"`
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	URL string `yaml:"url"` // default redis://localhost:6379/0
}

// HTTPConfig controls the daemon's health and metrics listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // default :9090, "-" disables the listener
}

// PlansConfig locates the battle plan templates.
type PlansConfig struct {
	Dir   string `yaml:"dir"`   // default ./plans
	Watch *bool  `yaml:"watch"` // reload on change (default true)
}

// BackpressureConfig mirrors backpressure.Config.
type BackpressureConfig struct {
	MaxQueueDepth      int     `yaml:"max_queue_depth"`
	SoftThresholdRatio float64 `yaml:"soft_threshold_ratio"`
	RatePerMinute      float64 `yaml:"rate_per_minute"`
	RateBurst          int     `yaml:"rate_burst"`
}

// RetryConfig mirrors workstore.RetryPolicy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// HealthConfig mirrors routing.HealthConfig plus the recompute interval.
type HealthConfig struct {
	WindowSize           int           `yaml:"window_size"`
	MinEvents            int           `yaml:"min_events"`
	WarnThreshold        float64       `yaml:"warn_threshold"`
	CriticalThreshold    float64       `yaml:"critical_threshold"`
	CircuitOpenThreshold float64       `yaml:"circuit_open_threshold"`
	ThrottleThreshold    float64       `yaml:"throttle_threshold"`
	MaxEventAge          time.Duration `yaml:"max_event_age"`
	LatencyAlpha         float64       `yaml:"latency_alpha"`
	RecomputeInterval    time.Duration `yaml:"recompute_interval"` // default 15s
}

// ResourceConfig mirrors resource.Config.
type ResourceConfig struct {
	Interval        time.Duration `yaml:"interval"`
	HistorySize     int           `yaml:"history_size"`
	CPUThreshold    float64       `yaml:"cpu_threshold"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
}

// DockerConfig applies to every container agent.
type DockerConfig struct {
	Network string `yaml:"network,omitempty"`
}

// Agent represents a single agent configuration. Exactly one of Command and
// Image must be set: command agents run as local subprocesses, image agents
// run one container per task.
type Agent struct {
	Role               string              `yaml:"role"`
	Capabilities       []string            `yaml:"capabilities,omitempty"`
	TrustLevel         int                 `yaml:"trust_level"`
	SensitivityCeiling routing.Sensitivity `yaml:"sensitivity_ceiling"`
	Command            []string            `yaml:"command,omitempty"`
	Dir                string              `yaml:"dir,omitempty"`
	Image              string              `yaml:"image,omitempty"`
	Environment        []string            `yaml:"environment,omitempty"`
	Memory             string              `yaml:"memory,omitempty"` // container limit, e.g. "512m"
}

// IsContainer reports whether the agent runs in Docker.
func (a *Agent) IsContainer() bool {
	return a.Image != ""
}

// MemoryBytes parses the memory limit; empty means unlimited.
func (a *Agent) MemoryBytes() (int64, error) {
	if a.Memory == "" {
		return 0, nil
	}
	return units.RAMInBytes(a.Memory)
}

// Candidate returns the routing view of the agent.
func (a *Agent) Candidate(id string) routing.Candidate {
	return routing.Candidate{
		ID:                 id,
		Role:               a.Role,
		Capabilities:       a.Capabilities,
		TrustLevel:         a.TrustLevel,
		SensitivityCeiling: a.SensitivityCeiling,
	}
}

// Default returns a config with every default applied and no agents.
func Default() *MusterConfig {
	c := &MusterConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return c
}

func (c *MusterConfig) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9090"
	}
	if c.Plans.Dir == "" {
		c.Plans.Dir = "plans"
	}
	if c.Plans.Watch == nil {
		watch := true
		c.Plans.Watch = &watch
	}

	bp := backpressure.DefaultConfig()
	if c.Backpressure.MaxQueueDepth == 0 {
		c.Backpressure.MaxQueueDepth = bp.MaxQueueDepth
	}
	if c.Backpressure.SoftThresholdRatio == 0 {
		c.Backpressure.SoftThresholdRatio = bp.SoftThresholdRatio
	}
	if c.Backpressure.RatePerMinute == 0 {
		c.Backpressure.RatePerMinute = bp.RatePerMinute
	}
	if c.Backpressure.RateBurst == 0 {
		c.Backpressure.RateBurst = bp.RateBurst
	}

	rp := workstore.DefaultRetryPolicy()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = rp.MaxAttempts
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = rp.InitialInterval
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = rp.Multiplier
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = rp.MaxInterval
	}

	hc := routing.DefaultHealthConfig()
	if c.Health.WindowSize == 0 {
		c.Health.WindowSize = hc.WindowSize
	}
	if c.Health.MinEvents == 0 {
		c.Health.MinEvents = hc.MinEvents
	}
	if c.Health.WarnThreshold == 0 {
		c.Health.WarnThreshold = hc.WarnThreshold
	}
	if c.Health.CriticalThreshold == 0 {
		c.Health.CriticalThreshold = hc.CriticalThreshold
	}
	if c.Health.CircuitOpenThreshold == 0 {
		c.Health.CircuitOpenThreshold = hc.CircuitOpenThreshold
	}
	if c.Health.ThrottleThreshold == 0 {
		c.Health.ThrottleThreshold = hc.ThrottleThreshold
	}
	if c.Health.MaxEventAge == 0 {
		c.Health.MaxEventAge = hc.MaxEventAge
	}
	if c.Health.LatencyAlpha == 0 {
		c.Health.LatencyAlpha = hc.LatencyAlpha
	}
	if c.Health.RecomputeInterval == 0 {
		c.Health.RecomputeInterval = 15 * time.Second
	}

	rc := resource.DefaultConfig()
	if c.Resource.Interval == 0 {
		c.Resource.Interval = rc.Interval
	}
	if c.Resource.HistorySize == 0 {
		c.Resource.HistorySize = rc.HistorySize
	}
	if c.Resource.CPUThreshold == 0 {
		c.Resource.CPUThreshold = rc.CPUThreshold
	}
	if c.Resource.MemoryThreshold == 0 {
		c.Resource.MemoryThreshold = rc.MemoryThreshold
	}
}

// Validate applies defaults, then performs strict validation on the configuration
func (c *MusterConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if err := validateName(c.Instance); err != nil {
		return fmt.Errorf("instance: %w", err)
	}

	if c.Backpressure.MaxQueueDepth < 1 {
		return fmt.Errorf("backpressure.max_queue_depth must be >= 1, got %d", c.Backpressure.MaxQueueDepth)
	}
	if c.Backpressure.SoftThresholdRatio <= 0 || c.Backpressure.SoftThresholdRatio > 1 {
		return fmt.Errorf("backpressure.soft_threshold_ratio must be in (0, 1], got %g", c.Backpressure.SoftThresholdRatio)
	}
	if c.Backpressure.RatePerMinute < 0 || c.Backpressure.RateBurst < 0 {
		return fmt.Errorf("backpressure rate settings must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier)
	}

	h := c.Health
	if h.WindowSize < 1 || h.MinEvents < 1 {
		return fmt.Errorf("health.window_size and health.min_events must be >= 1")
	}
	if !(h.WarnThreshold <= h.CriticalThreshold && h.CriticalThreshold <= h.CircuitOpenThreshold && h.CircuitOpenThreshold <= 1) {
		return fmt.Errorf("health thresholds must satisfy warn <= critical <= circuit_open <= 1 (got %g, %g, %g)",
			h.WarnThreshold, h.CriticalThreshold, h.CircuitOpenThreshold)
	}
	if h.MaxEventAge < 0 || h.RecomputeInterval < 0 {
		return fmt.Errorf("health durations must not be negative")
	}

	if c.Resource.Interval < 0 || c.Resource.HistorySize < 1 {
		return fmt.Errorf("resource.interval must not be negative and resource.history_size must be >= 1")
	}

	if err := c.Convoy.Validate(); err != nil {
		return fmt.Errorf("convoy: %w", err)
	}

	// Validate each agent
	for _, name := range c.AgentNames() {
		agent := c.Agents[name]
		if err := agent.Validate(name); err != nil {
			return err
		}
	}

	return nil
}

// Validate performs validation on a single agent configuration
func (a *Agent) Validate(name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("agent '%s': %w", name, err)
	}

	// Required: role
	if a.Role == "" {
		return fmt.Errorf("agent '%s': role is required", name)
	}

	// Exactly one of command and image
	hasCommand := len(a.Command) > 0
	if hasCommand == a.IsContainer() {
		return fmt.Errorf("agent '%s': exactly one of command or image must be provided", name)
	}

	if a.TrustLevel < 0 {
		return fmt.Errorf("agent '%s': trust_level must be >= 0", name)
	}

	if err := a.SensitivityCeiling.Validate(); err != nil {
		return fmt.Errorf("agent '%s': %w", name, err)
	}

	if a.Memory != "" {
		if !a.IsContainer() {
			return fmt.Errorf("agent '%s': memory applies only to image agents", name)
		}
		if _, err := a.MemoryBytes(); err != nil {
			return fmt.Errorf("agent '%s': invalid memory limit %q: %w", name, a.Memory, err)
		}
	}

	// If dir specified, verify path exists
	if a.Dir != "" {
		if _, err := os.Stat(a.Dir); os.IsNotExist(err) {
			return fmt.Errorf("agent '%s': dir does not exist: %s", name, a.Dir)
		}
	}

	return nil
}

// AgentNames returns the agent ids in sorted order.
func (c *MusterConfig) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasContainerAgents reports whether any agent needs a Docker daemon.
func (c *MusterConfig) HasContainerAgents() bool {
	for _, a := range c.Agents {
		if a.IsContainer() {
			return true
		}
	}
	return false
}

// WatchPlans reports whether the plan directory is watched for changes.
func (c *MusterConfig) WatchPlans() bool {
	return c.Plans.Watch == nil || *c.Plans.Watch
}

// BackpressureSettings converts to the guard's config.
func (c *MusterConfig) BackpressureSettings() backpressure.Config {
	return backpressure.Config{
		MaxQueueDepth:      c.Backpressure.MaxQueueDepth,
		SoftThresholdRatio: c.Backpressure.SoftThresholdRatio,
		RatePerMinute:      c.Backpressure.RatePerMinute,
		RateBurst:          c.Backpressure.RateBurst,
	}
}

// RetryPolicy converts to the store's retry policy.
func (c *MusterConfig) RetryPolicy() workstore.RetryPolicy {
	return workstore.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		Multiplier:      c.Retry.Multiplier,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// HealthSettings converts to the health monitor's config.
func (c *MusterConfig) HealthSettings() routing.HealthConfig {
	return routing.HealthConfig{
		WindowSize:           c.Health.WindowSize,
		MinEvents:            c.Health.MinEvents,
		WarnThreshold:        c.Health.WarnThreshold,
		CriticalThreshold:    c.Health.CriticalThreshold,
		CircuitOpenThreshold: c.Health.CircuitOpenThreshold,
		ThrottleThreshold:    c.Health.ThrottleThreshold,
		MaxEventAge:          c.Health.MaxEventAge,
		LatencyAlpha:         c.Health.LatencyAlpha,
	}
}

// ResourceSettings converts to the resource monitor's config.
func (c *MusterConfig) ResourceSettings() resource.Config {
	return resource.Config{
		Interval:        c.Resource.Interval,
		HistorySize:     c.Resource.HistorySize,
		CPUThreshold:    c.Resource.CPUThreshold,
		MemoryThreshold: c.Resource.MemoryThreshold,
	}
}

// ApplyEnv overrides file values with MUSTER_INSTANCE_NAME and REDIS_URL.
func (c *MusterConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvInstanceName); v != "" {
		c.Instance = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
}

// validateName accepts the characters allowed in Redis key segments and
// container names.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("invalid name %q: only letters, digits, '-', '_' and '.' are allowed", name)
		}
	}
	return nil
}

// Load reads muster.yml from the specified path, applies environment
// overrides and validates it
func Load(path string) (*MusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes and validates a config document.
func Parse(data []byte, getenv func(string) string) (*MusterConfig, error) {
	var config MusterConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if getenv != nil {
		config.ApplyEnv(getenv)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
