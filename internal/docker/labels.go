package docker

import (
	"fmt"
	"regexp"
	"strings"
)

// Label keys set on every container muster launches
const (
	LabelProject      = "muster.project"
	LabelInstanceName = "muster.instance.name"
	LabelComponent    = "muster.component"
	LabelAgentID      = "muster.agent.id"
	LabelAgentRole    = "muster.agent.role"
	LabelItemID       = "muster.item.id"
	LabelPhase        = "muster.phase"
)

// ComponentTask marks a short-lived task container.
const ComponentTask = "task"

// BuildLabels creates the standard label set for a muster container.
// component may be empty.
func BuildLabels(instanceName, component string) map[string]string {
	labels := map[string]string{
		LabelProject:      "true",
		LabelInstanceName: instanceName,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// TaskLabels extends BuildLabels with the agent, item and phase a task container serves.
func TaskLabels(instanceName, agentID, agentRole, itemID, phase string) map[string]string {
	labels := BuildLabels(instanceName, ComponentTask)
	labels[LabelAgentID] = agentID
	labels[LabelAgentRole] = agentRole
	labels[LabelItemID] = itemID
	labels[LabelPhase] = phase
	return labels
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// TaskContainerName returns a container name for one phase task. Characters
// Docker rejects in names are replaced and the item id is shortened to 12.
func TaskContainerName(instanceName, agentID, phase, itemID string) string {
	if len(itemID) > 12 {
		itemID = itemID[:12]
	}
	name := fmt.Sprintf("muster-task-%s-%s-%s-%s", instanceName, agentID, phase, itemID)
	return strings.Trim(invalidNameChars.ReplaceAllString(name, "-"), "-")
}
