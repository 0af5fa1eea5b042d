package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/config"
	"github.com/dyluth/muster/internal/resource"
	"github.com/dyluth/muster/pkg/workstore"
)

const testConfigYAML = `version: "1.0"
instance: enginetest
http:
  addr: "-"
plans:
  dir: /plans
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

const testPlanYAML = `name: feature
phases:
  - name: build
    agent_role: coder
  - name: review
    agent_role: reviewer
    depends_on: [build]
`

type quietSampler struct{}

func (quietSampler) Sample(ctx context.Context) (resource.Sample, error) {
	return resource.Sample{CPUPercent: 10, MemoryPercent: 20, Timestamp: time.Now()}, nil
}

func setupEngine(t *testing.T) (*Engine, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Parse([]byte(testConfigYAML), func(string) string { return "" })
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plans/feature.yaml", []byte(testPlanYAML), 0644))

	e, err := New(context.Background(), cfg,
		WithRedisClient(rdb),
		WithPlansFs(fs),
		WithSampler(quietSampler{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(50*time.Millisecond),
		WithDrainTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e, mr, rdb
}

// runEngine starts e in the background and returns a stop function that
// cancels it and returns Run's error.
func runEngine(t *testing.T, e *Engine) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	stopped := false
	var runErr error
	stop := func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-errCh:
		case <-time.After(10 * time.Second):
			t.Fatal("engine did not stop")
		}
		return runErr
	}
	t.Cleanup(func() { stop() })
	return stop
}

func createItem(t *testing.T, e *Engine, title string) string {
	t.Helper()
	id, err := e.Store().Create(context.Background(), &workstore.WorkItem{Title: title})
	require.NoError(t, err)
	return id
}

func TestNewBuildsAgents(t *testing.T) {
	e, _, _ := setupEngine(t)

	agents := e.Agents().Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "coder-1", agents[0].ID)
	assert.Equal(t, "coder", agents[0].Role)
	assert.Equal(t, "reviewer-1", agents[1].ID)
	assert.Nil(t, e.http, "http listener is disabled by addr '-'")
}

func TestStartRequestRunsPlan(t *testing.T) {
	e, _, rdb := setupEngine(t)
	stop := runEngine(t, e)
	ctx := context.Background()

	itemID := createItem(t, e, "Add login")

	reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
		Action:    ActionStart,
		Plan:      "feature",
		ItemIDs:   []string{itemID},
		Variables: map[string]string{"branch": "login"},
	}, 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, reply.Error)
	require.NotEmpty(t, reply.ExecutionID)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exec, err := e.Executor().Wait(waitCtx, reply.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, battleplan.ExecutionCompleted, exec.Status)
	for _, name := range []string{"build", "review"} {
		ps, ok := exec.Phase(name)
		require.True(t, ok, name)
		assert.Equal(t, battleplan.PhaseSucceeded, ps.Status, name)
	}

	item, err := e.Store().Get(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, workstore.StatusInReview, item.Status)
	assert.Equal(t, "coder-1", item.Assignee)
	assert.Equal(t, "login", item.Context["var.branch"])
	assert.Contains(t, item.Artifacts, "build.log")

	assert.NotEmpty(t, e.Health().Events("coder-1"))
	assert.NotEmpty(t, e.Health().Events("reviewer-1"))

	require.NoError(t, stop())
	assert.True(t, e.Draining())
}

func TestRequestErrorsAreReplied(t *testing.T) {
	e, _, rdb := setupEngine(t)
	runEngine(t, e)
	ctx := context.Background()

	t.Run("unknown plan", func(t *testing.T) {
		reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
			Action: ActionStart, Plan: "missing", ItemIDs: []string{"x"},
		}, 5*time.Second)
		require.NoError(t, err)
		assert.Contains(t, reply.Error, "not found")
		assert.Empty(t, reply.ExecutionID)
	})

	t.Run("unknown item", func(t *testing.T) {
		reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
			Action: ActionStart, Plan: "feature", ItemIDs: []string{"no-such-item"},
		}, 5*time.Second)
		require.NoError(t, err)
		assert.NotEmpty(t, reply.Error)
	})

	t.Run("cancel unknown execution", func(t *testing.T) {
		reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
			Action: ActionCancel, ExecutionID: "nope",
		}, 5*time.Second)
		require.NoError(t, err)
		assert.Contains(t, reply.Error, "not found")
	})
}

func TestSubmitValidates(t *testing.T) {
	_, _, rdb := setupEngine(t)

	testCases := []struct {
		name      string
		req       PlanRequest
		expectErr string
	}{
		{"start without plan", PlanRequest{Action: ActionStart, ItemIDs: []string{"a"}}, "requires a plan"},
		{"start without items", PlanRequest{Action: ActionStart, Plan: "p"}, "at least one item"},
		{"cancel without id", PlanRequest{Action: ActionCancel}, "requires an execution id"},
		{"unknown action", PlanRequest{Action: "pause"}, "unknown action"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Submit(context.Background(), rdb, "enginetest", &tc.req, time.Second)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectErr)
		})
	}
}

func TestSubmitTimesOutWithoutDaemon(t *testing.T) {
	_, _, rdb := setupEngine(t)

	_, err := Submit(context.Background(), rdb, "enginetest", &PlanRequest{
		Action: ActionCancel, ExecutionID: "x",
	}, time.Second)
	assert.ErrorIs(t, err, ErrNoReply)

	n, err := rdb.LLen(context.Background(), RequestQueueKey("enginetest")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "request stays queued for the next daemon")
}

func TestMalformedRequestIsSkipped(t *testing.T) {
	e, _, rdb := setupEngine(t)
	runEngine(t, e)
	ctx := context.Background()

	require.NoError(t, rdb.RPush(ctx, RequestQueueKey("enginetest"), "not json").Err())

	reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
		Action: ActionCancel, ExecutionID: "nope",
	}, 5*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Error)
}

func TestHealthEndpoints(t *testing.T) {
	e, mr, _ := setupEngine(t)
	require.NoError(t, e.Plans().Load())
	h := NewHealthServer(e, "127.0.0.1:0").Handler()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	t.Run("healthz healthy", func(t *testing.T) {
		w := get("/healthz")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "connected", resp.Redis)
	})

	t.Run("healthz rejects POST", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("health report", func(t *testing.T) {
		w := get("/health")
		assert.Equal(t, http.StatusOK, w.Code)

		var report HealthReport
		require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
		assert.Equal(t, "enginetest", report.Instance)
		assert.Equal(t, []string{"feature"}, report.Plans)
		assert.Equal(t, int64(100), report.Admission.Capacity)
	})

	t.Run("metrics", func(t *testing.T) {
		w := get("/metrics")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
	})

	t.Run("healthz draining", func(t *testing.T) {
		e.draining.Store(true)
		defer e.draining.Store(false)

		w := get("/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "draining", resp.Status)
	})

	t.Run("healthz unhealthy when redis is down", func(t *testing.T) {
		mr.Close()

		w := get("/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "disconnected", resp.Redis)
	})
}

func TestRunRestoresRoutingHistory(t *testing.T) {
	e, _, rdb := setupEngine(t)
	stop := runEngine(t, e)
	ctx := context.Background()

	itemID := createItem(t, e, "first")
	reply, err := Submit(ctx, rdb, "enginetest", &PlanRequest{
		Action: ActionStart, Plan: "feature", ItemIDs: []string{itemID},
	}, 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, reply.Error)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = e.Executor().Wait(waitCtx, reply.ExecutionID)
	require.NoError(t, err)
	require.NoError(t, stop())

	before := len(e.Health().Events("coder-1"))
	require.Positive(t, before)

	// a second engine on the same Redis starts with the same windows
	cfg, err := config.Parse([]byte(testConfigYAML), func(string) string { return "" })
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plans/feature.yaml", []byte(testPlanYAML), 0644))
	e2, err := New(ctx, cfg, WithRedisClient(rdb), WithPlansFs(fs), WithSampler(quietSampler{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithPollInterval(50*time.Millisecond))
	require.NoError(t, err)
	stop2 := runEngine(t, e2)

	require.Eventually(t, func() bool {
		return len(e2.Health().Events("coder-1")) == before
	}, 5*time.Second, 20*time.Millisecond)

	persisted, err := e2.Executor().Status(ctx, reply.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, battleplan.ExecutionCompleted, persisted.Status)

	require.NoError(t, stop2())
}
