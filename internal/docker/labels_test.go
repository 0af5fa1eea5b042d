package docker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels("prod", "daemon")

	assert.Equal(t, "true", labels[LabelProject])
	assert.Equal(t, "prod", labels[LabelInstanceName])
	assert.Equal(t, "daemon", labels[LabelComponent])
	assert.Len(t, labels, 3)
}

func TestBuildLabels_NoComponent(t *testing.T) {
	labels := BuildLabels("dev", "")

	assert.Equal(t, "true", labels[LabelProject])
	assert.NotContains(t, labels, LabelComponent)
	assert.Len(t, labels, 2)
}

func TestTaskLabels(t *testing.T) {
	labels := TaskLabels("prod", "coder-1", "coder", "item-42", "build")

	assert.Equal(t, ComponentTask, labels[LabelComponent])
	assert.Equal(t, "coder-1", labels[LabelAgentID])
	assert.Equal(t, "coder", labels[LabelAgentRole])
	assert.Equal(t, "item-42", labels[LabelItemID])
	assert.Equal(t, "build", labels[LabelPhase])
}

func TestTaskContainerName(t *testing.T) {
	testCases := []struct {
		name     string
		instance string
		agent    string
		phase    string
		item     string
		expected string
	}{
		{"simple", "prod", "coder", "build", "abc", "muster-task-prod-coder-build-abc"},
		{"long item id is shortened", "prod", "coder", "build", "0123456789abcdef", "muster-task-prod-coder-build-0123456789ab"},
		{"invalid characters replaced", "prod", "coder/1", "build step", "abc", "muster-task-prod-coder-1-build-step-abc"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := TaskContainerName(tc.instance, tc.agent, tc.phase, tc.item)
			assert.Equal(t, tc.expected, got)
			assert.False(t, strings.ContainsAny(got, " /"))
		})
	}
}
