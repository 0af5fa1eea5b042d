// Package battleplan turns a named workflow template into a phase dependency
// graph over a set of work items and drives it to completion.
package battleplan

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/muster/internal/convoy"
	"github.com/dyluth/muster/internal/routing"
)

// Condition gates a phase on the outcome of its direct dependencies.
type Condition string

const (
	// ConditionAlways runs once every dependency is terminal
	ConditionAlways Condition = "always"

	// ConditionOnSuccess requires every dependency to have succeeded
	ConditionOnSuccess Condition = "on_success"

	// ConditionOnFailure requires at least one dependency to have failed
	ConditionOnFailure Condition = "on_failure"
)

// ParseCondition accepts always, on_success and on_failure in any case, with
// or without the underscore. An empty string is on_success.
func ParseCondition(s string) (Condition, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "") {
	case "", "onsuccess":
		return ConditionOnSuccess, nil
	case "always":
		return ConditionAlways, nil
	case "onfailure":
		return ConditionOnFailure, nil
	default:
		return "", fmt.Errorf("invalid condition '%s': must be one of always, on_success, on_failure", s)
	}
}

// UnmarshalYAML normalises the condition spelling.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseCondition(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Phase is one step of a plan. Every phase runs once per bound work item.
type Phase struct {
	Name            string           `yaml:"name" json:"name"`
	AgentRole       string           `yaml:"agent_role" json:"agent_role"`
	DependsOn       []string         `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition       Condition        `yaml:"condition,omitempty" json:"condition"`
	ContinueOnError bool             `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Timeout         time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"` // per task, 0 means none
	Policy          routing.Policy   `yaml:"policy,omitempty" json:"policy"`
	Priority        routing.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Plan is a named, versioned template.
type Plan struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"` // defaults, overridden at start
	Convoy      *convoy.Config    `yaml:"convoy,omitempty" json:"convoy,omitempty"`
	Phases      []Phase           `yaml:"phases" json:"phases"`
}

// Parse decodes and validates a YAML plan.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate applies defaults and checks that phase names are unique, every
// dependency names a phase and the phase graph is acyclic.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if p.Version == "" {
		p.Version = "1"
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan '%s' has no phases", p.Name)
	}

	seen := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Name == "" {
			return fmt.Errorf("plan '%s': phase %d has no name", p.Name, i)
		}
		if seen[ph.Name] {
			return fmt.Errorf("plan '%s': duplicate phase name '%s'", p.Name, ph.Name)
		}
		seen[ph.Name] = true

		if ph.AgentRole == "" {
			return fmt.Errorf("plan '%s': phase '%s' has no agent_role", p.Name, ph.Name)
		}
		if ph.Condition == "" {
			ph.Condition = ConditionOnSuccess
		}
		if _, err := ParseCondition(string(ph.Condition)); err != nil {
			return fmt.Errorf("plan '%s': phase '%s': %w", p.Name, ph.Name, err)
		}
		if ph.Timeout < 0 {
			return fmt.Errorf("plan '%s': phase '%s' has a negative timeout", p.Name, ph.Name)
		}
		if ph.Priority == "" {
			ph.Priority = routing.PriorityNormal
		}
		if _, err := routing.ParsePriority(string(ph.Priority)); err != nil {
			return fmt.Errorf("plan '%s': phase '%s': %w", p.Name, ph.Name, err)
		}
		if err := ph.Policy.Validate(); err != nil {
			return fmt.Errorf("plan '%s': phase '%s': %w", p.Name, ph.Name, err)
		}
	}

	for _, ph := range p.Phases {
		for _, dep := range ph.DependsOn {
			if dep == ph.Name {
				return fmt.Errorf("plan '%s': phase '%s' depends on itself", p.Name, ph.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("plan '%s': phase '%s' depends on unknown phase '%s'", p.Name, ph.Name, dep)
			}
		}
	}

	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}

	if p.Convoy != nil {
		if err := p.Convoy.Validate(); err != nil {
			return fmt.Errorf("plan '%s': %w", p.Name, err)
		}
	}
	return nil
}

// Phase returns the named phase.
func (p *Plan) Phase(name string) (Phase, bool) {
	for _, ph := range p.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// TopologicalOrder sorts phase names with Kahn's algorithm, breaking ties by
// declaration order. A cycle is reported with the phases left unsorted.
func (p *Plan) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Phases))
	dependents := make(map[string][]string, len(p.Phases))
	position := make(map[string]int, len(p.Phases))
	for i, ph := range p.Phases {
		position[ph.Name] = i
		indegree[ph.Name] += 0
		for _, dep := range ph.DependsOn {
			indegree[ph.Name]++
			dependents[dep] = append(dependents[dep], ph.Name)
		}
	}

	var queue []string
	for _, ph := range p.Phases {
		if indegree[ph.Name] == 0 {
			queue = append(queue, ph.Name)
		}
	}

	order := make([]string, 0, len(p.Phases))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		var released []string
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				released = append(released, d)
			}
		}
		sort.Slice(released, func(i, j int) bool { return position[released[i]] < position[released[j]] })
		queue = append(queue, released...)
	}

	if len(order) != len(p.Phases) {
		var stuck []string
		for _, ph := range p.Phases {
			if indegree[ph.Name] > 0 {
				stuck = append(stuck, ph.Name)
			}
		}
		return nil, fmt.Errorf("plan '%s': phase dependencies form a cycle through %s", p.Name, strings.Join(stuck, ", "))
	}
	return order, nil
}
