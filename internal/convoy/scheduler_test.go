package convoy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fixedAdvisor returns a settable limit and throttle factor.
type fixedAdvisor struct {
	limit    atomic.Int64
	throttle atomic.Value
	calls    atomic.Int64
}

func newFixedAdvisor(limit int, throttle float64) *fixedAdvisor {
	a := &fixedAdvisor{}
	a.limit.Store(int64(limit))
	a.throttle.Store(throttle)
	return a
}

func (a *fixedAdvisor) OptimalParallelism(baseline, ceiling int) int {
	a.calls.Add(1)
	return int(a.limit.Load())
}

func (a *fixedAdvisor) ThrottleFactor() float64 {
	return a.throttle.Load().(float64)
}

// concurrencyTracker tracks how many members run at once.
type concurrencyTracker struct {
	current atomic.Int64
	max     atomic.Int64
}

func (p *concurrencyTracker) member(id string, d time.Duration, fail bool) Member {
	return Member{ID: id, Run: func(ctx context.Context) ([]string, error) {
		n := p.current.Add(1)
		for {
			m := p.max.Load()
			if n <= m || p.max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(d)
		p.current.Add(-1)
		if fail {
			return nil, errors.New("task failed")
		}
		return []string{id + ".out"}, nil
	}}
}

func members(p *concurrencyTracker, n int, d time.Duration) []Member {
	out := make([]Member, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.member(fmt.Sprintf("m%d", i), d, false))
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg := Config{}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 2, cfg.BaselineParallelism)
		assert.Equal(t, 8, cfg.MaxParallelCeiling)
		assert.Equal(t, 5*time.Second, cfg.MaxThrottleDelay)
	})

	t.Run("rejects ceiling below baseline", func(t *testing.T) {
		cfg := Config{BaselineParallelism: 4, MaxParallelCeiling: 2}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects negative baseline", func(t *testing.T) {
		cfg := Config{BaselineParallelism: -1, MaxParallelCeiling: 2}
		assert.Error(t, cfg.Validate())
	})
}

func TestRunAllSucceed(t *testing.T) {
	tracker := &concurrencyTracker{}
	s := NewScheduler(newFixedAdvisor(3, 0))

	res, err := s.Run(context.Background(), members(tracker, 9, 10*time.Millisecond),
		Config{BaselineParallelism: 1, MaxParallelCeiling: 5})
	require.NoError(t, err)

	assert.Equal(t, 9, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.PeakParallelism)
	assert.LessOrEqual(t, tracker.max.Load(), int64(3))
	require.Len(t, res.Members, 9)
	assert.Equal(t, "m0", res.Members[0].ID)
	assert.Equal(t, []string{"m0.out"}, res.Members[0].Artifacts)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestParallelismStaysWithinBounds(t *testing.T) {
	tests := []struct {
		name     string
		advised  int
		baseline int
		ceiling  int
		want     int64
	}{
		{"advisor above ceiling is capped", 50, 2, 4, 4},
		{"advisor below baseline is raised", 0, 3, 6, 3},
		{"advisor inside bounds is used", 5, 2, 8, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := &concurrencyTracker{}
			s := NewScheduler(newFixedAdvisor(tt.advised, 0))

			res, err := s.Run(context.Background(), members(tracker, 20, 15*time.Millisecond),
				Config{BaselineParallelism: tt.baseline, MaxParallelCeiling: tt.ceiling})
			require.NoError(t, err)

			assert.Equal(t, 20, res.Succeeded)
			assert.Equal(t, tt.want, tracker.max.Load())
			assert.LessOrEqual(t, res.PeakParallelism, tt.ceiling)
			assert.GreaterOrEqual(t, res.PeakParallelism, tt.baseline)
		})
	}
}

func TestLimitIsReevaluatedBeforeEachDispatch(t *testing.T) {
	advisor := newFixedAdvisor(1, 0)
	tracker := &concurrencyTracker{}
	s := NewScheduler(advisor)

	var dispatched atomic.Int64
	ms := make([]Member, 0, 12)
	for i := 0; i < 12; i++ {
		inner := tracker.member(fmt.Sprintf("m%d", i), 10*time.Millisecond, false)
		ms = append(ms, Member{ID: inner.ID, Run: func(ctx context.Context) ([]string, error) {
			if dispatched.Add(1) == 2 {
				advisor.limit.Store(4)
			}
			return inner.Run(ctx)
		}})
	}

	res, err := s.Run(context.Background(), ms, Config{BaselineParallelism: 1, MaxParallelCeiling: 4})
	require.NoError(t, err)
	assert.Equal(t, 12, res.Succeeded)
	assert.Equal(t, 4, res.PeakParallelism)
	assert.GreaterOrEqual(t, advisor.calls.Load(), int64(12))
}

func TestStopOnFirstFailure(t *testing.T) {
	tracker := &concurrencyTracker{}
	s := NewScheduler(newFixedAdvisor(1, 0))

	ms := []Member{
		tracker.member("ok", time.Millisecond, false),
		tracker.member("bad", time.Millisecond, true),
		tracker.member("pending-1", time.Millisecond, false),
		tracker.member("pending-2", time.Millisecond, false),
	}

	res, err := s.Run(context.Background(), ms,
		Config{BaselineParallelism: 1, MaxParallelCeiling: 1, StopOnFirstFailure: true})
	require.NoError(t, err)

	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Failed)

	bad, _ := res.Member("bad")
	assert.Equal(t, ReasonError, bad.Reason)
	assert.Equal(t, "task failed", bad.Error)

	for _, id := range []string{"pending-1", "pending-2"} {
		m, ok := res.Member(id)
		require.True(t, ok)
		assert.False(t, m.Started)
		assert.Equal(t, ReasonCancelled, m.Reason)
	}
}

func TestFailureWithoutStopContinues(t *testing.T) {
	tracker := &concurrencyTracker{}
	s := NewScheduler(newFixedAdvisor(1, 0))

	res, err := s.Run(context.Background(), []Member{
		tracker.member("bad", time.Millisecond, true),
		tracker.member("ok", time.Millisecond, false),
	}, Config{BaselineParallelism: 1, MaxParallelCeiling: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Stopped)
}

func TestTimeoutMarksPendingMembers(t *testing.T) {
	tracker := &concurrencyTracker{}
	s := NewScheduler(newFixedAdvisor(1, 0))

	res, err := s.Run(context.Background(), members(tracker, 5, 50*time.Millisecond),
		Config{BaselineParallelism: 1, MaxParallelCeiling: 1, Timeout: 75 * time.Millisecond})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Members[0].Succeeded)
	// the second member was in flight at expiry
	assert.True(t, res.Members[1].Started)
	assert.False(t, res.Members[1].Succeeded)
	assert.Equal(t, ReasonTimeout, res.Members[1].Reason)
	for _, m := range res.Members[2:] {
		assert.False(t, m.Started)
		assert.Equal(t, ReasonTimeout, m.Reason)
	}
}

func TestTimeoutReturnsWithoutStragglers(t *testing.T) {
	s := NewScheduler(newFixedAdvisor(2, 0))

	release := make(chan struct{})
	exited := make(chan struct{})
	stubborn := Member{ID: "stubborn", Run: func(ctx context.Context) ([]string, error) {
		defer close(exited)
		<-release
		return []string{"late.out"}, nil
	}}
	quick := Member{ID: "quick", Run: func(ctx context.Context) ([]string, error) {
		return nil, nil
	}}

	start := time.Now()
	res, err := s.Run(context.Background(), []Member{stubborn, quick},
		Config{BaselineParallelism: 2, MaxParallelCeiling: 2, Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)
	close(release)
	<-exited

	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	m, ok := res.Member("stubborn")
	require.True(t, ok)
	assert.True(t, m.Started)
	assert.False(t, m.Succeeded)
	assert.Equal(t, ReasonTimeout, m.Reason)
	assert.Empty(t, m.Artifacts, "late results are discarded")
}

func TestCancellationDoesNotInterruptInFlight(t *testing.T) {
	s := NewScheduler(newFixedAdvisor(2, 0))
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{}, 2)
	var interrupted atomic.Bool
	slow := func(id string) Member {
		return Member{ID: id, Run: func(ctx context.Context) ([]string, error) {
			started <- struct{}{}
			time.Sleep(30 * time.Millisecond)
			if ctx.Err() != nil {
				interrupted.Store(true)
			}
			return nil, nil
		}}
	}

	var (
		res *Result
		err error
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = s.Run(ctx, []Member{slow("a"), slow("b"), slow("c")},
			Config{BaselineParallelism: 2, MaxParallelCeiling: 2})
	}()

	<-started
	<-started
	cancel()
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, interrupted.Load(), "in-flight members keep an uncancelled context")
	assert.Equal(t, 2, res.Succeeded)
	c, _ := res.Member("c")
	assert.Equal(t, ReasonCancelled, c.Reason)
}

func TestThrottleDelaysDispatch(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	tracker := &concurrencyTracker{}
	s := NewScheduler(newFixedAdvisor(4, 0.5), WithSleep(sleep))
	res, err := s.Run(context.Background(), members(tracker, 3, time.Millisecond),
		Config{BaselineParallelism: 1, MaxParallelCeiling: 4, MaxThrottleDelay: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 3)
	for _, d := range delays {
		assert.Equal(t, time.Second, d)
	}
}

func TestThrottleSleepIsInterruptible(t *testing.T) {
	s := NewScheduler(newFixedAdvisor(1, 1.0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.Run(ctx, []Member{{ID: "x", Run: func(ctx context.Context) ([]string, error) { return nil, nil }}},
		Config{BaselineParallelism: 1, MaxParallelCeiling: 1, MaxThrottleDelay: time.Minute})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, res.Failed)
}

func TestPanickingMemberFails(t *testing.T) {
	s := NewScheduler(nil)
	res, err := s.Run(context.Background(), []Member{
		{ID: "boom", Run: func(ctx context.Context) ([]string, error) { panic("kaboom") }},
		{ID: "none"},
	}, Config{BaselineParallelism: 1, MaxParallelCeiling: 2})
	require.NoError(t, err)

	boom, _ := res.Member("boom")
	assert.Equal(t, ReasonPanic, boom.Reason)
	assert.Contains(t, boom.Error, "kaboom")

	none, _ := res.Member("none")
	assert.False(t, none.Succeeded)
	assert.Equal(t, ReasonError, none.Reason)
}

func TestEmptyRun(t *testing.T) {
	s := NewScheduler(nil)
	res, err := s.Run(context.Background(), nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded+res.Failed)
}
