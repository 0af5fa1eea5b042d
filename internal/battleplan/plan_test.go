package battleplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/muster/internal/routing"
)

const reviewPlanYAML = `
name: review
version: "2"
description: design then build then review
variables:
  branch: main
convoy:
  baseline_parallelism: 1
  max_parallel_ceiling: 3
phases:
  - name: design
    agent_role: designer
    timeout: 30s
  - name: build
    agent_role: coder
    depends_on: [design]
    condition: OnSuccess
    policy:
      denied_capabilities: ["net:*"]
      data_sensitivity: internal
  - name: cleanup
    agent_role: janitor
    depends_on: [build]
    condition: on_failure
    continue_on_error: true
    priority: high
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(reviewPlanYAML))
	require.NoError(t, err)

	assert.Equal(t, "review", p.Name)
	assert.Equal(t, "2", p.Version)
	assert.Equal(t, "main", p.Variables["branch"])
	require.NotNil(t, p.Convoy)
	assert.Equal(t, 3, p.Convoy.MaxParallelCeiling)
	require.Len(t, p.Phases, 3)

	design := p.Phases[0]
	assert.Equal(t, ConditionOnSuccess, design.Condition, "condition defaults to on_success")
	assert.Equal(t, 30*time.Second, design.Timeout)
	assert.Equal(t, routing.PriorityNormal, design.Priority)

	build := p.Phases[1]
	assert.Equal(t, ConditionOnSuccess, build.Condition)
	assert.Equal(t, []string{"net:*"}, build.Policy.DeniedCapabilities)
	assert.Equal(t, routing.SensitivityInternal, build.Policy.DataSensitivity)

	cleanup := p.Phases[2]
	assert.Equal(t, ConditionOnFailure, cleanup.Condition)
	assert.True(t, cleanup.ContinueOnError)
	assert.Equal(t, routing.PriorityHigh, cleanup.Priority)
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in   string
		want Condition
	}{
		{"", ConditionOnSuccess},
		{"always", ConditionAlways},
		{"Always", ConditionAlways},
		{"OnFailure", ConditionOnFailure},
		{"on_failure", ConditionOnFailure},
		{"ON_SUCCESS", ConditionOnSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCondition(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCondition("sometimes")
	assert.Error(t, err)
}

func TestPlanValidate(t *testing.T) {
	phase := func(name string, deps ...string) Phase {
		return Phase{Name: name, AgentRole: "coder", DependsOn: deps}
	}

	tests := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{"missing name", Plan{Phases: []Phase{phase("a")}}, "name is required"},
		{"no phases", Plan{Name: "p"}, "has no phases"},
		{"duplicate phase", Plan{Name: "p", Phases: []Phase{phase("a"), phase("a")}}, "duplicate phase name 'a'"},
		{"unknown dependency", Plan{Name: "p", Phases: []Phase{phase("a", "ghost")}}, "unknown phase 'ghost'"},
		{"self dependency", Plan{Name: "p", Phases: []Phase{phase("a", "a")}}, "depends on itself"},
		{"cycle", Plan{Name: "p", Phases: []Phase{phase("a", "c"), phase("b", "a"), phase("c", "b")}}, "form a cycle"},
		{"missing role", Plan{Name: "p", Phases: []Phase{{Name: "a"}}}, "has no agent_role"},
		{"bad pattern", Plan{Name: "p", Phases: []Phase{{Name: "a", AgentRole: "x", Policy: routing.Policy{DeniedCapabilities: []string{"[unclosed"}}}}}, "invalid denied capability"},
		{"negative timeout", Plan{Name: "p", Phases: []Phase{{Name: "a", AgentRole: "x", Timeout: -time.Second}}}, "negative timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		p := Plan{Name: "p", Phases: []Phase{phase("a")}}
		require.NoError(t, p.Validate())
		assert.Equal(t, "1", p.Version)
		assert.Equal(t, ConditionOnSuccess, p.Phases[0].Condition)
	})
}

func TestTopologicalOrder(t *testing.T) {
	p := Plan{Name: "diamond", Phases: []Phase{
		{Name: "merge", AgentRole: "r", DependsOn: []string{"left", "right"}},
		{Name: "right", AgentRole: "r", DependsOn: []string{"root"}},
		{Name: "left", AgentRole: "r", DependsOn: []string{"root"}},
		{Name: "root", AgentRole: "r"},
	}}

	order, err := p.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "right", "left", "merge"}, order)
}
