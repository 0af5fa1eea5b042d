package routing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/muster/internal/metrics"
)

// Status is the derived health of a destination.
type Status string

const (
	StatusInsufficientData Status = "insufficient_data"
	StatusHealthy          Status = "healthy"
	StatusWarn             Status = "warn"
	StatusCritical         Status = "critical"
	StatusCircuitOpen      Status = "circuit_open"
)

// HealthConfig holds the windowing and threshold knobs.
type HealthConfig struct {
	WindowSize           int           // events kept per destination (default 200)
	MinEvents            int           // below this the status is InsufficientData (default 5)
	WarnThreshold        float64       // default 0.25
	CriticalThreshold    float64       // default 0.50
	CircuitOpenThreshold float64       // default 0.70
	ThrottleThreshold    float64       // default 0.50
	MaxEventAge          time.Duration // events older than this are ignored; 0 keeps them (default 10m)
	LatencyAlpha         float64       // EWMA smoothing for observed latency (default 0.3)
}

// DefaultHealthConfig returns the documented defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		WindowSize:           200,
		MinEvents:            5,
		WarnThreshold:        0.25,
		CriticalThreshold:    0.50,
		CircuitOpenThreshold: 0.70,
		ThrottleThreshold:    0.50,
		MaxEventAge:          10 * time.Minute,
		LatencyAlpha:         0.3,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	def := DefaultHealthConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinEvents <= 0 {
		c.MinEvents = def.MinEvents
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = def.WarnThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = def.CriticalThreshold
	}
	if c.CircuitOpenThreshold <= 0 {
		c.CircuitOpenThreshold = def.CircuitOpenThreshold
	}
	if c.ThrottleThreshold <= 0 {
		c.ThrottleThreshold = def.ThrottleThreshold
	}
	if c.MaxEventAge < 0 {
		c.MaxEventAge = 0
	}
	if c.LatencyAlpha <= 0 || c.LatencyAlpha > 1 {
		c.LatencyAlpha = def.LatencyAlpha
	}
	return c
}

// Snapshot is the health of one destination computed from its current window.
type Snapshot struct {
	Destination string        `json:"destination"`
	Total       int           `json:"total"`
	Blocked     int           `json:"blocked"`
	Throttled   int           `json:"throttled"`
	BlockRate   float64       `json:"block_rate"`
	Status      Status        `json:"status"`
	Throttle    bool          `json:"throttle"` // block rate at or above the throttle threshold
	Latency     time.Duration `json:"latency,omitempty"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// Reachable reports whether the router may select the destination.
func (s Snapshot) Reachable() bool {
	return s.Status != StatusCircuitOpen
}

// Degraded reports whether the destination belongs to the fallback set.
func (s Snapshot) Degraded() bool {
	return s.Status == StatusWarn || s.Status == StatusCritical
}

// EventSink persists routing events. RedisEventLog implements it.
type EventSink interface {
	Append(ctx context.Context, e Event) error
	Replace(ctx context.Context, e Event) error
}

// HealthMonitor keeps a ring window of events per destination and derives a
// Snapshot from it on demand. There is no circuit timer: a destination's
// circuit closes as soon as its window no longer crosses the threshold, either
// because newer events displace old ones or because old ones age out.
type HealthMonitor struct {
	cfg HealthConfig

	mu         sync.RWMutex
	windows    map[string]*window
	latency    map[string]time.Duration
	lastStatus map[string]Status
	unrouted   int

	sink    EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithEventSink persists every recorded event.
func WithEventSink(s EventSink) HealthOption {
	return func(m *HealthMonitor) { m.sink = s }
}

// WithHealthMetrics exports snapshots as gauges on each Recompute.
func WithHealthMetrics(mt *metrics.Metrics) HealthOption {
	return func(m *HealthMonitor) { m.metrics = mt }
}

// WithHealthLogger sets the logger for status transitions.
func WithHealthLogger(l *slog.Logger) HealthOption {
	return func(m *HealthMonitor) { m.logger = l }
}

// WithHealthClock overrides time.Now.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(m *HealthMonitor) { m.now = now }
}

// NewHealthMonitor creates a monitor. Zero-valued config fields take defaults.
func NewHealthMonitor(cfg HealthConfig, opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		cfg:        cfg.withDefaults(),
		windows:    make(map[string]*window),
		latency:    make(map[string]time.Duration),
		lastStatus: make(map[string]Status),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *HealthMonitor) Config() HealthConfig {
	return m.cfg
}

// Record appends an event to its destination's window and to the sink.
// Events without a destination are counted but belong to no window.
// A sink failure is logged; the in-memory window is authoritative.
func (m *HealthMonitor) Record(ctx context.Context, e Event) {
	m.restore(e)
	m.metrics.RoutingEvent(e.Destination, string(e.Outcome))

	if m.sink != nil {
		if err := m.sink.Append(ctx, e); err != nil {
			m.logger.Warn("failed to persist routing event",
				"component", "health", "event_id", e.ID, "destination", e.Destination, "error", err)
		}
	}
}

// Amend rewrites the outcome of a retained event in place, so a routed task
// that then fails counts once, as a failure. It reports false when the event
// is no longer in the destination's window.
func (m *HealthMonitor) Amend(ctx context.Context, destination, eventID string, outcome Outcome, reason string) (Event, bool) {
	m.mu.Lock()
	var (
		e  Event
		ok bool
	)
	if w, found := m.windows[destination]; found {
		e, ok = w.replace(eventID, func(e *Event) {
			e.Outcome = outcome
			e.Reason = reason
		})
	}
	m.mu.Unlock()
	if !ok {
		return Event{}, false
	}

	m.metrics.RoutingEvent(e.Destination, string(e.Outcome))
	if m.sink != nil {
		if err := m.sink.Replace(ctx, e); err != nil {
			m.logger.Warn("failed to persist amended routing event",
				"component", "health", "event_id", e.ID, "destination", e.Destination, "error", err)
		}
	}
	return e, true
}

// restore adds an event to the windows without persisting it.
func (m *HealthMonitor) restore(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Destination == "" {
		m.unrouted++
		return
	}
	w, ok := m.windows[e.Destination]
	if !ok {
		w = newWindow(m.cfg.WindowSize)
		m.windows[e.Destination] = w
	}
	w.add(e)
}

// ObserveLatency folds an observed task duration into the destination's EWMA.
func (m *HealthMonitor) ObserveLatency(destination string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.latency[destination]
	if !ok {
		m.latency[destination] = d
		return
	}
	a := m.cfg.LatencyAlpha
	m.latency[destination] = time.Duration(a*float64(d) + (1-a)*float64(prev))
}

// Latency returns the smoothed latency, if any has been observed.
func (m *HealthMonitor) Latency(destination string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.latency[destination]
	return d, ok
}

// Snapshot computes the destination's health from its current window.
// A destination with no events is InsufficientData.
func (m *HealthMonitor) Snapshot(destination string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(destination, m.now())
}

func (m *HealthMonitor) snapshotLocked(destination string, now time.Time) Snapshot {
	snap := Snapshot{
		Destination: destination,
		Status:      StatusInsufficientData,
		Latency:     m.latency[destination],
		ComputedAt:  now,
	}

	w, ok := m.windows[destination]
	if !ok {
		return snap
	}

	var cutoff time.Time
	if m.cfg.MaxEventAge > 0 {
		cutoff = now.Add(-m.cfg.MaxEventAge)
	}
	for _, e := range w.list() {
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		snap.Total++
		switch e.Outcome {
		case OutcomeBlocked:
			snap.Blocked++
		case OutcomeThrottled:
			snap.Throttled++
		}
	}

	if snap.Total > 0 {
		snap.BlockRate = float64(snap.Blocked+snap.Throttled) / float64(snap.Total)
	}
	snap.Throttle = snap.Total >= m.cfg.MinEvents && snap.BlockRate >= m.cfg.ThrottleThreshold
	snap.Status = m.classify(snap.Total, snap.BlockRate)
	return snap
}

func (m *HealthMonitor) classify(total int, rate float64) Status {
	switch {
	case total < m.cfg.MinEvents:
		return StatusInsufficientData
	case rate >= m.cfg.CircuitOpenThreshold:
		return StatusCircuitOpen
	case rate >= m.cfg.CriticalThreshold:
		return StatusCritical
	case rate >= m.cfg.WarnThreshold:
		return StatusWarn
	default:
		return StatusHealthy
	}
}

// Snapshots returns a snapshot for every destination with events, sorted by name.
func (m *HealthMonitor) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]Snapshot, 0, len(m.windows))
	for dest := range m.windows {
		out = append(out, m.snapshotLocked(dest, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Events returns the destination's window, oldest first.
func (m *HealthMonitor) Events(destination string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.windows[destination]; ok {
		return w.list()
	}
	return nil
}

// Unrouted returns how many decisions found no viable candidate.
func (m *HealthMonitor) Unrouted() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unrouted
}

// Recompute refreshes every snapshot, logs status changes and updates gauges.
func (m *HealthMonitor) Recompute() []Snapshot {
	snaps := m.Snapshots()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		prev, seen := m.lastStatus[s.Destination]
		m.lastStatus[s.Destination] = s.Status
		m.metrics.DestinationHealth(s.Destination, s.BlockRate, s.Status == StatusCircuitOpen)

		if seen && prev == s.Status {
			continue
		}
		switch {
		case s.Status == StatusCircuitOpen:
			m.logEvent("circuit_opened", s, prev)
		case prev == StatusCircuitOpen:
			m.logEvent("circuit_closed", s, prev)
		case seen:
			m.logEvent("health_changed", s, prev)
		}
	}
	return snaps
}

// Run recomputes health every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Recompute()
		}
	}
}

func (m *HealthMonitor) logEvent(eventType string, s Snapshot, prev Status) {
	level := slog.LevelInfo
	if eventType == "circuit_opened" {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "destination health changed",
		"component", "health",
		"event_type", eventType,
		"destination", s.Destination,
		"previous_status", string(prev),
		"status", string(s.Status),
		"block_rate", s.BlockRate,
		"window_total", s.Total,
	)
}
