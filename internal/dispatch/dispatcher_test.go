package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/muster/internal/backpressure"
	"github.com/dyluth/muster/internal/battleplan"
	"github.com/dyluth/muster/internal/routing"
	"github.com/dyluth/muster/pkg/workstore"
)

func succeed(artifact string) TaskExecutor {
	return TaskExecutorFunc(func(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
		return battleplan.TaskResult{Success: true, Artifacts: []string{artifact}}, nil
	})
}

func fail(msg string) TaskExecutor {
	return TaskExecutorFunc(func(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
		return battleplan.TaskResult{Error: msg}, nil
	})
}

func erroring(err error) TaskExecutor {
	return TaskExecutorFunc(func(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
		return battleplan.TaskResult{}, err
	})
}

func agent(id, role string, exec TaskExecutor) Agent {
	return Agent{
		Candidate: routing.Candidate{ID: id, Role: role, TrustLevel: 1, SensitivityCeiling: routing.SensitivityInternal},
		Executor:  exec,
	}
}

func setupDispatcher(t *testing.T, agents ...Agent) (*Dispatcher, *routing.HealthMonitor) {
	t.Helper()
	health := routing.NewHealthMonitor(routing.HealthConfig{})
	router := routing.NewRouter("executor", health)
	reg := NewRegistry()
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return NewDispatcher(router, reg), health
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(agent("coder-2", "coder", succeed("x"))))
	require.NoError(t, reg.Register(agent("coder-1", "coder", succeed("x"))))
	require.NoError(t, reg.Register(agent("reviewer-1", "reviewer", succeed("x"))))

	t.Run("candidates are filtered by role and sorted", func(t *testing.T) {
		cands := reg.Candidates("coder")
		require.Len(t, cands, 2)
		assert.Equal(t, "coder-1", cands[0].ID)
		assert.Equal(t, "coder-2", cands[1].ID)
		assert.Empty(t, reg.Candidates("tester"))
	})

	t.Run("lookup", func(t *testing.T) {
		a, ok := reg.Agent("reviewer-1")
		require.True(t, ok)
		assert.Equal(t, "reviewer", a.Role)
		_, ok = reg.Agent("nobody")
		assert.False(t, ok)
		assert.Len(t, reg.Agents(), 3)
	})

	t.Run("rejects invalid agents", func(t *testing.T) {
		testCases := []struct {
			name      string
			agent     Agent
			expectErr string
		}{
			{"duplicate id", agent("coder-1", "coder", succeed("x")), "duplicate agent id"},
			{"missing id", agent("", "coder", succeed("x")), "id is required"},
			{"missing role", agent("a", "", succeed("x")), "has no role"},
			{"missing executor", agent("a", "coder", nil), "has no executor"},
			{"bad sensitivity", Agent{Candidate: routing.Candidate{ID: "a", Role: "coder", SensitivityCeiling: "secret"}, Executor: succeed("x")}, "unknown sensitivity"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := reg.Register(tc.agent)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.expectErr)
			})
		}
	})
}

func TestDispatcherRunsOnRoutedAgent(t *testing.T) {
	d, health := setupDispatcher(t,
		agent("coder-1", "coder", succeed("a.go")),
		agent("reviewer-1", "reviewer", succeed("review.md")),
	)

	res, err := d.RunTask(context.Background(), testItem(), battleplan.Phase{Name: "review", AgentRole: "reviewer"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "reviewer-1", res.Agent)
	assert.Equal(t, []string{"review.md"}, res.Artifacts)

	events := health.Events("reviewer-1")
	require.Len(t, events, 1)
	assert.Equal(t, routing.OutcomeRouted, events[0].Outcome)
	assert.Equal(t, "executor", events[0].Source)

	_, ok := health.Latency("reviewer-1")
	assert.True(t, ok)
}

func TestDispatcherReportsFailures(t *testing.T) {
	testCases := []struct {
		name    string
		exec    TaskExecutor
		outcome routing.Outcome
		reason  string
		wantErr bool
	}{
		{"failed task", fail("tests failed"), routing.OutcomeBlocked, routing.ReasonExecutionFailed, false},
		{"executor error", erroring(errors.New("exec format error")), routing.OutcomeBlocked, routing.ReasonExecutionFailed, true},
		{"backpressure", erroring(&backpressure.BackpressureError{InFlight: 4, Capacity: 4}), routing.OutcomeThrottled, routing.ReasonBackpressure, true},
		{"rate limited", erroring(&backpressure.RateLimitError{CallerID: "coder-1", Wait: time.Second}), routing.OutcomeThrottled, routing.ReasonRateLimited, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, health := setupDispatcher(t, agent("coder-1", "coder", tc.exec))

			res, err := d.RunTask(context.Background(), testItem(), battleplan.Phase{Name: "build", AgentRole: "coder", Priority: routing.PriorityHigh})
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.False(t, res.Success)
			}
			assert.Equal(t, "coder-1", res.Agent)

			events := health.Events("coder-1")
			require.Len(t, events, 1)
			report := events[0]
			assert.Equal(t, tc.outcome, report.Outcome)
			assert.Equal(t, tc.reason, report.Reason)
			assert.Equal(t, routing.PriorityHigh, report.Priority)
		})
	}
}

func TestDispatcherAppliesPhasePolicy(t *testing.T) {
	trusted := agent("coder-trusted", "coder", succeed("x"))
	trusted.TrustLevel = 5
	d, health := setupDispatcher(t, agent("coder-a", "coder", succeed("x")), trusted)

	res, err := d.RunTask(context.Background(), testItem(), battleplan.Phase{
		Name:      "deploy",
		AgentRole: "coder",
		Policy:    routing.Policy{MinTrustLevel: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "coder-trusted", res.Agent)

	blocked := health.Events("coder-a")
	require.Len(t, blocked, 1)
	assert.Equal(t, routing.OutcomeBlocked, blocked[0].Outcome)
	assert.Equal(t, routing.ReasonInsufficientTrust, blocked[0].Reason)
}

func TestDispatcherNoCandidates(t *testing.T) {
	d, health := setupDispatcher(t, agent("coder-1", "coder", succeed("x")))

	_, err := d.RunTask(context.Background(), testItem(), battleplan.Phase{Name: "test", AgentRole: "tester"})
	require.Error(t, err)
	var nv *routing.NoViableCandidateError
	assert.True(t, errors.As(err, &nv))
	assert.Equal(t, 1, health.Unrouted())
}

func TestDispatcherRoutesAroundFailingAgent(t *testing.T) {
	calls := map[string]int{}
	counting := func(id string, success bool) TaskExecutor {
		return TaskExecutorFunc(func(ctx context.Context, item *workstore.WorkItem, phase battleplan.Phase) (battleplan.TaskResult, error) {
			calls[id]++
			if success {
				return battleplan.TaskResult{Success: true}, nil
			}
			return battleplan.TaskResult{Error: "crashed"}, nil
		})
	}
	d, health := setupDispatcher(t,
		agent("coder-a", "coder", counting("coder-a", false)),
		agent("coder-b", "coder", counting("coder-b", true)),
	)
	phase := battleplan.Phase{Name: "build", AgentRole: "coder"}

	for i := 0; i < 6; i++ {
		_, err := d.RunTask(context.Background(), testItem(), phase)
		require.NoError(t, err)
	}

	// five failures are enough events to judge coder-a, all of them blocked
	assert.Equal(t, 5, calls["coder-a"])
	assert.Equal(t, 1, calls["coder-b"])
	assert.Equal(t, routing.StatusCircuitOpen, health.Snapshot("coder-a").Status)

	for i := 0; i < 4; i++ {
		res, err := d.RunTask(context.Background(), testItem(), phase)
		require.NoError(t, err)
		assert.Equal(t, "coder-b", res.Agent)
	}
	assert.Equal(t, 5, calls["coder-a"])
}

func TestDispatcherOpensCircuitOnAlwaysFailingAgent(t *testing.T) {
	d, health := setupDispatcher(t, agent("coder-1", "coder", fail("boom")))
	phase := battleplan.Phase{Name: "build", AgentRole: "coder"}

	var runs int
	for i := 0; i < 50; i++ {
		_, err := d.RunTask(context.Background(), testItem(), phase)
		if err != nil {
			var nv *routing.NoViableCandidateError
			require.ErrorAs(t, err, &nv)
			break
		}
		runs++
	}

	snap := health.Snapshot("coder-1")
	assert.Equal(t, routing.StatusCircuitOpen, snap.Status)
	assert.Equal(t, snap.Total, snap.Blocked)
	assert.Equal(t, 1.0, snap.BlockRate)
	assert.Equal(t, 5, runs)

	_, err := d.RunTask(context.Background(), testItem(), phase)
	var nv *routing.NoViableCandidateError
	assert.ErrorAs(t, err, &nv)
}
