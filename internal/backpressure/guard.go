// Package backpressure protects the work item store from overload.
//
// A Guard combines a counting semaphore over in-flight store mutations with a
// token bucket per caller. Denials are immediate: the caller receives a
// *BackpressureError or *RateLimitError and no store command is sent.
package backpressure

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dyluth/muster/internal/metrics"
)

// Denial reasons, also used as metric labels.
const (
	ReasonCapacity  = "capacity"
	ReasonDraining  = "draining"
	ReasonRateLimit = "rate_limit"
)

// Config holds the admission and rate-limit knobs.
type Config struct {
	MaxQueueDepth      int     // semaphore capacity (default 100)
	SoftThresholdRatio float64 // IsUnderPressure above this fraction of capacity (default 0.8)
	RatePerMinute      float64 // per-caller refill rate (default 100)
	RateBurst          int     // per-caller bucket size (default 20)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth:      100,
		SoftThresholdRatio: 0.8,
		RatePerMinute:      100,
		RateBurst:          20,
	}
}

// BackpressureError means every admission slot is held, or the guard is draining.
// Callers should back off and retry later.
type BackpressureError struct {
	Reason   string
	InFlight int64
	Capacity int64
}

func (e *BackpressureError) Error() string {
	if e.Reason == ReasonDraining {
		return "backpressure: guard is draining, no new admissions"
	}
	return fmt.Sprintf("backpressure: queue saturated (%d/%d in flight)", e.InFlight, e.Capacity)
}

// RateLimitError means the caller's token bucket is empty.
type RateLimitError struct {
	CallerID string
	Wait     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry in %s", e.CallerID, e.Wait)
}

// RetryAfter returns the wait hint. Retry loops in workstore honour it.
func (e *RateLimitError) RetryAfter() time.Duration {
	return e.Wait
}

// Stats is a point-in-time view of the guard's counters.
type Stats struct {
	InFlight        int64 `json:"in_flight"`
	Capacity        int64 `json:"capacity"`
	UnderPressure   bool  `json:"under_pressure"`
	CapacityDenials int64 `json:"capacity_denials"`
	RateDenials     int64 `json:"rate_denials"`
	Callers         int   `json:"callers"`
	Draining        bool  `json:"draining"`
}

// Guard is safe for concurrent use.
type Guard struct {
	cfg      Config
	capacity int64
	soft     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	closed   atomic.Bool

	capacityDenials atomic.Int64
	rateDenials     atomic.Int64

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics records denials and in-flight counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger for denial events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithClock overrides time.Now for token bucket arithmetic.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard. Zero-valued config fields take their defaults.
func NewGuard(cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.SoftThresholdRatio <= 0 || cfg.SoftThresholdRatio > 1 {
		cfg.SoftThresholdRatio = def.SoftThresholdRatio
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}

	g := &Guard{
		cfg:      cfg,
		capacity: int64(cfg.MaxQueueDepth),
		soft:     int64(math.Ceil(cfg.SoftThresholdRatio * float64(cfg.MaxQueueDepth))),
		sem:      semaphore.NewWeighted(int64(cfg.MaxQueueDepth)),
		buckets:  make(map[string]*rate.Limiter),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit takes one admission slot for callerID. It checks the queue depth first
// and then the caller's token bucket; a slot taken for a rate-limited caller is
// returned before the error is. The returned release must be called exactly once.
// Admit implements workstore.Admitter.
func (g *Guard) Admit(ctx context.Context, callerID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.closed.Load() {
		g.deny(ReasonDraining, callerID)
		return nil, &BackpressureError{Reason: ReasonDraining, InFlight: g.inFlight.Load(), Capacity: g.capacity}
	}

	if !g.sem.TryAcquire(1) {
		g.capacityDenials.Add(1)
		g.deny(ReasonCapacity, callerID)
		return nil, &BackpressureError{Reason: ReasonCapacity, InFlight: g.inFlight.Load(), Capacity: g.capacity}
	}

	if allowed, wait := g.TryAcquire(callerID); !allowed {
		g.sem.Release(1)
		return nil, &RateLimitError{CallerID: callerID, Wait: wait}
	}

	g.metrics.SetInFlight(g.inFlight.Add(1))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.metrics.SetInFlight(g.inFlight.Add(-1))
			g.sem.Release(1)
		})
	}, nil
}

// TryAcquire takes one token from callerID's bucket. When the bucket is empty
// it reports false and how long until a token is available; nothing is consumed.
func (g *Guard) TryAcquire(callerID string) (bool, time.Duration) {
	now := g.now()
	r := g.bucket(callerID).ReserveN(now, 1)
	if !r.OK() {
		g.rateDenials.Add(1)
		g.deny(ReasonRateLimit, callerID)
		return false, time.Minute
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		g.rateDenials.Add(1)
		g.deny(ReasonRateLimit, callerID)
		return false, wait
	}
	return true, 0
}

func (g *Guard) bucket(callerID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.buckets[callerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerMinute/60), g.cfg.RateBurst)
		g.buckets[callerID] = lim
	}
	return lim
}

// PruneIdle drops buckets that have refilled completely. A full bucket behaves
// exactly like a new one, so this only bounds memory.
func (g *Guard) PruneIdle() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for id, lim := range g.buckets {
		if lim.TokensAt(now) >= float64(g.cfg.RateBurst) {
			delete(g.buckets, id)
			pruned++
		}
	}
	return pruned
}

// IsUnderPressure reports whether in-flight admissions reached the soft threshold.
func (g *Guard) IsUnderPressure() bool {
	return g.inFlight.Load() >= g.soft
}

// Close stops new admissions. In-flight holders keep their slots.
func (g *Guard) Close() {
	if g.closed.CompareAndSwap(false, true) {
		g.logger.Info("backpressure guard draining",
			"component", "backpressure", "event_type", "guard_draining",
			"in_flight", g.inFlight.Load())
	}
}

// Wait blocks until every admission slot has been released or ctx is done.
// Call Close first, otherwise new admissions may keep the wait going.
func (g *Guard) Wait(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, g.capacity); err != nil {
		return fmt.Errorf("waiting for in-flight admissions: %w", err)
	}
	g.sem.Release(g.capacity)
	return nil
}

// Stats returns the current counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	callers := len(g.buckets)
	g.mu.Unlock()

	return Stats{
		InFlight:        g.inFlight.Load(),
		Capacity:        g.capacity,
		UnderPressure:   g.IsUnderPressure(),
		CapacityDenials: g.capacityDenials.Load(),
		RateDenials:     g.rateDenials.Load(),
		Callers:         callers,
		Draining:        g.closed.Load(),
	}
}

func (g *Guard) deny(reason, callerID string) {
	g.metrics.AdmissionDenied(reason)
	g.logger.Debug("admission denied",
		"component", "backpressure", "event_type", "admission_denied",
		"reason", reason, "caller", callerID)
}
