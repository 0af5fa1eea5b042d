package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSampler struct {
	mu    sync.Mutex
	next  Sample
	err   error
	calls int
}

func (s *stubSampler) set(cpu, mem float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = Sample{CPUPercent: cpu, MemoryPercent: mem}
}

func (s *stubSampler) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.next, s.err
}

func (s *stubSampler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestMonitor(cfg Config) (*Monitor, *stubSampler) {
	stub := &stubSampler{}
	return NewMonitor(cfg, WithSampler(stub)), stub
}

func TestDefaults(t *testing.T) {
	m, _ := newTestMonitor(Config{})
	assert.Equal(t, 10*time.Second, m.cfg.Interval)
	assert.Equal(t, 60, m.cfg.HistorySize)
	assert.Equal(t, 80.0, m.cfg.CPUThreshold)
	assert.Equal(t, 80.0, m.cfg.MemoryThreshold)
}

func TestOptimalParallelism(t *testing.T) {
	tests := []struct {
		name     string
		cpu, mem float64
		want     int
	}{
		{"idle host gets the ceiling", 0, 0, 10},
		{"saturated host gets the baseline", 100, 100, 2},
		{"half loaded", 50, 50, 6},
		{"cpu weighs more than memory", 100, 0, 5},
		{"memory only", 0, 100, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, stub := newTestMonitor(Config{})
			stub.set(tt.cpu, tt.mem)
			_, err := m.SampleNow(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.OptimalParallelism(2, 10))
		})
	}

	t.Run("no sample yet means ceiling", func(t *testing.T) {
		m, _ := newTestMonitor(Config{})
		assert.Equal(t, 8, m.OptimalParallelism(2, 8))
	})

	t.Run("ceiling below baseline is raised", func(t *testing.T) {
		m, _ := newTestMonitor(Config{})
		assert.Equal(t, 4, m.OptimalParallelism(4, 1))
	})
}

func TestThrottleFactor(t *testing.T) {
	tests := []struct {
		name     string
		cpu, mem float64
		want     float64
	}{
		{"below thresholds", 79, 79, 0},
		{"at thresholds", 80, 80, 0},
		{"cpu halfway over", 90, 50, 0.3},
		{"memory fully over", 10, 100, 0.4},
		{"both saturated", 100, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, stub := newTestMonitor(Config{})
			stub.set(tt.cpu, tt.mem)
			_, err := m.SampleNow(context.Background())
			require.NoError(t, err)
			f := m.ThrottleFactor()
			assert.InDelta(t, tt.want, f, 1e-9)
			assert.GreaterOrEqual(t, f, 0.0)
			assert.LessOrEqual(t, f, 1.0)
		})
	}
}

func TestSamplesAreClamped(t *testing.T) {
	m, stub := newTestMonitor(Config{})
	stub.set(140, -3)
	s, err := m.SampleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.CPUPercent)
	assert.Equal(t, 0.0, s.MemoryPercent)
}

func TestHistoryIsBounded(t *testing.T) {
	m, stub := newTestMonitor(Config{HistorySize: 3})
	for i := 1; i <= 5; i++ {
		stub.set(float64(i), 0)
		_, err := m.SampleNow(context.Background())
		require.NoError(t, err)
	}

	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, 3.0, h[0].CPUPercent)
	assert.Equal(t, 5.0, h[2].CPUPercent)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.CPUPercent)
}

func TestSampleError(t *testing.T) {
	m, stub := newTestMonitor(Config{})
	stub.err = errors.New("no procfs")
	_, err := m.SampleNow(context.Background())
	assert.Error(t, err)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	m, stub := newTestMonitor(Config{Interval: 5 * time.Millisecond})
	stub.set(10, 10)

	m.Start(context.Background())
	m.Start(context.Background()) // second start is ignored

	assert.Eventually(t, func() bool { return stub.count() >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop()
	calls := stub.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, stub.count(), "no samples after Stop")

	m.Stop() // second stop is a no-op
}

func TestHostSampler(t *testing.T) {
	s, err := HostSampler{}.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, s.MemoryPercent, 0.0)
	assert.LessOrEqual(t, s.MemoryPercent, 100.0)
}
