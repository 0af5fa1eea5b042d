// Package resource samples host CPU and memory and turns the readings into a
// parallelism recommendation and a throttle factor for the convoy scheduler.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dyluth/muster/internal/metrics"
)

// Sample is one utilisation reading, in percent.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sampler reads current utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSampler reads the local host through gopsutil.
type HostSampler struct{}

// Sample implements Sampler. CPU is measured since the previous call.
func (HostSampler) Sample(ctx context.Context) (Sample, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	s := Sample{MemoryPercent: vm.UsedPercent, Timestamp: time.Now()}
	if len(cpus) > 0 {
		s.CPUPercent = cpus[0]
	}
	return s, nil
}

// Config holds the sampling and threshold knobs.
type Config struct {
	Interval        time.Duration // default 10s
	HistorySize     int           // default 60
	CPUThreshold    float64       // throttling starts above this percent (default 80)
	MemoryThreshold float64       // default 80
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		HistorySize:     60,
		CPUThreshold:    80,
		MemoryThreshold: 80,
	}
}

// Monitor keeps a bounded history of samples. Before the first sample it
// reports an idle host, so callers get the ceiling rather than the baseline.
type Monitor struct {
	cfg     Config
	sampler Sampler
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	history []Sample
	next    int
	full    bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the host sampler, for tests.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithMetrics exports every sample as gauges.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithLogger sets the logger for sampling failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a monitor. Zero-valued config fields take defaults.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.CPUThreshold <= 0 || cfg.CPUThreshold > 100 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 100 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}

	m := &Monitor{
		cfg:     cfg,
		sampler: HostSampler{},
		logger:  slog.Default(),
		history: make([]Sample, cfg.HistorySize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SampleNow takes one reading and appends it to the history.
func (m *Monitor) SampleNow(ctx context.Context) (Sample, error) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	s.CPUPercent = clamp(s.CPUPercent, 0, 100)
	s.MemoryPercent = clamp(s.MemoryPercent, 0, 100)

	m.mu.Lock()
	m.history[m.next] = s
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	m.metrics.ResourceSample(s.CPUPercent, s.MemoryPercent)
	return s, nil
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.full && m.next == 0 {
		return Sample{}, false
	}
	i := m.next - 1
	if i < 0 {
		i = len(m.history) - 1
	}
	return m.history[i], true
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.full {
		return append([]Sample(nil), m.history[:m.next]...)
	}
	out := make([]Sample, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	return append(out, m.history[:m.next]...)
}

// OptimalParallelism interpolates between baseline and ceiling by headroom,
// where headroom = 0.6*(1-cpu/100) + 0.4*(1-mem/100).
func (m *Monitor) OptimalParallelism(baseline, ceiling int) int {
	if baseline < 1 {
		baseline = 1
	}
	if ceiling < baseline {
		ceiling = baseline
	}

	s, ok := m.Latest()
	if !ok {
		return ceiling
	}

	headroom := 0.6*(1-s.CPUPercent/100) + 0.4*(1-s.MemoryPercent/100)
	headroom = clamp(headroom, 0, 1)

	n := baseline + int(math.Round(headroom*float64(ceiling-baseline)))
	if n < baseline {
		return baseline
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// ThrottleFactor is 0 while CPU and memory are under their thresholds. Above a
// threshold it is the weighted overage, 0.6 for CPU and 0.4 for memory, each
// normalised to the room left above its threshold. The result is in [0,1].
func (m *Monitor) ThrottleFactor() float64 {
	s, ok := m.Latest()
	if !ok {
		return 0
	}

	over := func(value, threshold float64) float64 {
		if value <= threshold {
			return 0
		}
		return (value - threshold) / (100 - threshold)
	}

	f := 0.6*over(s.CPUPercent, m.cfg.CPUThreshold) + 0.4*over(s.MemoryPercent, m.cfg.MemoryThreshold)
	return clamp(f, 0, 1)
}

// Start samples immediately and then every interval until Stop.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(runCtx, m.done)
}

// Stop ends sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.SampleNow(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("resource sample failed",
				"component", "resource", "event_type", "sample_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
