// Package convoy runs a batch of independent tasks with bounded, adaptive
// parallelism. The limit is re-read from a ResourceAdvisor before every
// dispatch and each dispatch is delayed in proportion to resource pressure.
package convoy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/muster/internal/metrics"
)

// Failure reasons recorded on member results.
const (
	ReasonError     = "error"
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonPanic     = "panic"
)

// ResourceAdvisor is consulted before every dispatch. resource.Monitor implements it.
type ResourceAdvisor interface {
	OptimalParallelism(baseline, ceiling int) int
	ThrottleFactor() float64
}

// Config bounds one run.
type Config struct {
	MaxParallelCeiling  int           `yaml:"max_parallel_ceiling" json:"max_parallel_ceiling"`
	BaselineParallelism int           `yaml:"baseline_parallelism" json:"baseline_parallelism"`
	StopOnFirstFailure  bool          `yaml:"stop_on_first_failure" json:"stop_on_first_failure"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"` // 0 means no timeout
	MaxThrottleDelay    time.Duration `yaml:"max_throttle_delay" json:"max_throttle_delay"`
}

// DefaultConfig returns baseline 2, ceiling 8 and a 5s maximum throttle delay.
func DefaultConfig() Config {
	return Config{
		MaxParallelCeiling:  8,
		BaselineParallelism: 2,
		MaxThrottleDelay:    5 * time.Second,
	}
}

// Validate applies defaults and checks the bounds.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.BaselineParallelism == 0 {
		c.BaselineParallelism = def.BaselineParallelism
	}
	if c.MaxParallelCeiling == 0 {
		c.MaxParallelCeiling = def.MaxParallelCeiling
	}
	if c.MaxThrottleDelay == 0 {
		c.MaxThrottleDelay = def.MaxThrottleDelay
	}
	if c.BaselineParallelism < 1 {
		return fmt.Errorf("baseline parallelism must be at least 1, got %d", c.BaselineParallelism)
	}
	if c.MaxParallelCeiling < c.BaselineParallelism {
		return fmt.Errorf("max parallel ceiling (%d) is below baseline (%d)", c.MaxParallelCeiling, c.BaselineParallelism)
	}
	if c.Timeout < 0 || c.MaxThrottleDelay < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	return nil
}

// Member is one task in a run.
type Member struct {
	ID  string
	Run func(ctx context.Context) (artifacts []string, err error)
}

// MemberResult is the outcome of one member. Members that never started
// carry Reason cancelled or timeout.
type MemberResult struct {
	ID         string        `json:"id"`
	Succeeded  bool          `json:"succeeded"`
	Started    bool          `json:"started"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	Err        error         `json:"-"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Result summarises a run. Members is in input order.
type Result struct {
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	Members         []MemberResult `json:"members"`
	Duration        time.Duration  `json:"duration"`
	PeakParallelism int            `json:"peak_parallelism"`
	Stopped         bool           `json:"stopped"` // stop-on-first-failure fired
	TimedOut        bool           `json:"timed_out"`
	Cancelled       bool           `json:"cancelled"`
}

// Member returns the result for id.
func (r *Result) Member(id string) (MemberResult, bool) {
	for _, m := range r.Members {
		if m.ID == id {
			return m, true
		}
	}
	return MemberResult{}, false
}

// Scheduler is safe for concurrent use; each Run is independent.
type Scheduler struct {
	advisor ResourceAdvisor
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records limits and member outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSleep replaces the throttle sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// NewScheduler creates a scheduler. A nil advisor always allows the ceiling.
func NewScheduler(advisor ResourceAdvisor, opts ...Option) *Scheduler {
	s := &Scheduler{
		advisor: advisor,
		logger:  slog.Default(),
		sleep:   sleepContext,
	}
	if s.advisor == nil {
		s.advisor = unconstrained{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run holds the state of one Run call.
type run struct {
	cfg     Config
	results []MemberResult

	mu      sync.Mutex
	running int
	peak    int
	sealed  bool          // results are final; late members are ignored
	slot    chan struct{} // signalled when a member finishes

	stopOnce sync.Once
	stop     chan struct{}
}

// Run dispatches members and blocks until every started member has finished,
// or until cfg.Timeout passes.
//
// Cancelling ctx or hitting cfg.Timeout stops further dispatch; started
// members are not interrupted by cancellation and run to completion. Their
// context carries the run deadline, if any. Members never started are marked
// failed with reason cancelled or timeout. A member still running when the
// deadline passes is marked failed with reason timeout and Run returns without
// it; whatever it reports later is discarded.
func (s *Scheduler) Run(ctx context.Context, members []Member, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid convoy config: %w", err)
	}

	start := time.Now()
	r := &run{
		cfg:     cfg,
		results: make([]MemberResult, len(members)),
		slot:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for i, m := range members {
		r.results[i].ID = m.ID
	}

	dispatchCtx := ctx
	memberBase := context.WithoutCancel(ctx)
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		deadline, _ := dispatchCtx.Deadline()
		var cancelMembers context.CancelFunc
		memberBase, cancelMembers = context.WithDeadline(memberBase, deadline)
		defer cancelMembers()
	}

	var wg sync.WaitGroup
	for i := range members {
		if !s.acquire(dispatchCtx, r) {
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.execute(memberBase, r, i, members[i])
		}(i)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	abandoned := false
	select {
	case <-finished:
	case <-memberBase.Done():
		select {
		case <-finished:
		default:
			abandoned = true
		}
	}

	r.mu.Lock()
	r.sealed = true
	res := &Result{
		Members:         append([]MemberResult(nil), r.results...),
		PeakParallelism: r.peak,
		Duration:        time.Since(start),
	}
	r.mu.Unlock()
	select {
	case <-r.stop:
		res.Stopped = true
	default:
	}
	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
	case abandoned, errors.Is(dispatchCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
	}

	for i := range res.Members {
		m := &res.Members[i]
		if m.Started && m.FinishedAt.IsZero() {
			m.Reason = ReasonTimeout
			m.Error = "still running at deadline"
		}
		if !m.Started {
			m.Reason = ReasonCancelled
			if res.TimedOut {
				m.Reason = ReasonTimeout
			}
			m.Error = "not started: " + m.Reason
		}
		if m.Succeeded {
			res.Succeeded++
			s.metrics.ConvoyMember("succeeded")
		} else {
			res.Failed++
			s.metrics.ConvoyMember(m.Reason)
		}
	}

	s.logger.Info("convoy finished",
		"component", "convoy", "event_type", "convoy_finished",
		"members", len(members), "succeeded", res.Succeeded, "failed", res.Failed,
		"peak_parallelism", res.PeakParallelism, "duration_ms", res.Duration.Milliseconds(),
		"stopped", res.Stopped, "timed_out", res.TimedOut, "cancelled", res.Cancelled)

	return res, nil
}

// acquire applies the throttle delay and then waits for a free slot under the
// current limit. It returns false if dispatch must stop.
func (s *Scheduler) acquire(ctx context.Context, r *run) bool {
	if r.stopped() || ctx.Err() != nil {
		return false
	}

	if f := s.advisor.ThrottleFactor(); f > 0 {
		delay := time.Duration(f * float64(r.cfg.MaxThrottleDelay))
		s.logger.Debug("throttling dispatch",
			"component", "convoy", "event_type", "throttle", "factor", f, "delay_ms", delay.Milliseconds())
		if err := s.sleep(ctx, delay); err != nil {
			return false
		}
		if r.stopped() {
			return false
		}
	}

	for {
		limit := s.limit(r.cfg)
		r.mu.Lock()
		if r.running < limit {
			r.running++
			if r.running > r.peak {
				r.peak = r.running
			}
			r.mu.Unlock()
			s.metrics.ConvoyLimit(limit)
			return true
		}
		r.mu.Unlock()

		select {
		case <-r.slot:
		case <-r.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Scheduler) limit(cfg Config) int {
	n := s.advisor.OptimalParallelism(cfg.BaselineParallelism, cfg.MaxParallelCeiling)
	if n < cfg.BaselineParallelism {
		return cfg.BaselineParallelism
	}
	if n > cfg.MaxParallelCeiling {
		return cfg.MaxParallelCeiling
	}
	return n
}

func (s *Scheduler) execute(ctx context.Context, r *run, i int, m Member) {
	res := MemberResult{ID: m.ID, Started: true, StartedAt: time.Now()}
	r.mu.Lock()
	r.results[i] = res
	r.mu.Unlock()

	artifacts, err := safeRun(ctx, m)

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Artifacts = artifacts
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		res.Reason = ReasonError
		var pe *panicError
		if errors.As(err, &pe) {
			res.Reason = ReasonPanic
		}
		if r.cfg.StopOnFirstFailure {
			r.stopOnce.Do(func() { close(r.stop) })
		}
	} else {
		res.Succeeded = true
	}

	r.mu.Lock()
	r.running--
	if !r.sealed {
		r.results[i] = res
	}
	r.mu.Unlock()
	select {
	case r.slot <- struct{}{}:
	default:
	}
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("member panicked: %v", e.value)
}

func safeRun(ctx context.Context, m Member) (artifacts []string, err error) {
	if m.Run == nil {
		return nil, fmt.Errorf("member %s has no task", m.ID)
	}
	defer func() {
		if v := recover(); v != nil {
			artifacts, err = nil, &panicError{value: v}
		}
	}()
	return m.Run(ctx)
}

type unconstrained struct{}

func (unconstrained) OptimalParallelism(_, ceiling int) int { return ceiling }
func (unconstrained) ThrottleFactor() float64              { return 0 }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
