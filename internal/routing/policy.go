package routing

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Sensitivity orders data classifications from least to most restricted.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

var sensitivityRank = map[Sensitivity]int{
	"":                      0,
	SensitivityPublic:       0,
	SensitivityInternal:     1,
	SensitivityConfidential: 2,
	SensitivityRestricted:   3,
}

// Validate checks the value is a known level (empty means public).
func (s Sensitivity) Validate() error {
	if _, ok := sensitivityRank[s]; !ok {
		return fmt.Errorf("unknown sensitivity: %q", s)
	}
	return nil
}

// Candidate is a destination the router may pick.
type Candidate struct {
	ID                 string      `yaml:"id" json:"id"`
	Role               string      `yaml:"role" json:"role"`
	Capabilities       []string    `yaml:"capabilities" json:"capabilities"`
	TrustLevel         int         `yaml:"trust_level" json:"trust_level"`
	SensitivityCeiling Sensitivity `yaml:"sensitivity_ceiling" json:"sensitivity_ceiling"`
}

// Policy restricts which candidates may receive a task.
type Policy struct {
	// DeniedCapabilities are doublestar patterns, e.g. "net/**" or "shell:*".
	DeniedCapabilities []string    `yaml:"denied_capabilities" json:"denied_capabilities,omitempty"`
	MinTrustLevel      int         `yaml:"min_trust_level" json:"min_trust_level,omitempty"`
	DataSensitivity    Sensitivity `yaml:"data_sensitivity" json:"data_sensitivity,omitempty"`
}

// Validate rejects malformed patterns and unknown sensitivity levels.
func (p Policy) Validate() error {
	for _, pattern := range p.DeniedCapabilities {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid denied capability pattern: %q", pattern)
		}
	}
	return p.DataSensitivity.Validate()
}

// Violation returns the reason c may not receive tasks under p, or "" if it may.
func (p Policy) Violation(c Candidate) string {
	for _, capability := range c.Capabilities {
		for _, pattern := range p.DeniedCapabilities {
			if ok, _ := doublestar.Match(pattern, capability); ok {
				return reasonDeniedCapability + ":" + capability
			}
		}
	}
	if c.TrustLevel < p.MinTrustLevel {
		return ReasonInsufficientTrust
	}
	if sensitivityRank[p.DataSensitivity] > sensitivityRank[c.SensitivityCeiling] {
		return ReasonSensitivity
	}
	return ""
}

// Merge combines two policies, keeping the stricter value of each field.
func (p Policy) Merge(other Policy) Policy {
	out := Policy{
		DeniedCapabilities: append(append([]string{}, p.DeniedCapabilities...), other.DeniedCapabilities...),
		MinTrustLevel:      p.MinTrustLevel,
		DataSensitivity:    p.DataSensitivity,
	}
	if other.MinTrustLevel > out.MinTrustLevel {
		out.MinTrustLevel = other.MinTrustLevel
	}
	if sensitivityRank[other.DataSensitivity] > sensitivityRank[out.DataSensitivity] {
		out.DataSensitivity = other.DataSensitivity
	}
	return out
}

// IsPolicyReason reports whether an exclusion reason came from a policy check.
func IsPolicyReason(reason string) bool {
	return reason == ReasonInsufficientTrust || reason == ReasonSensitivity ||
		strings.HasPrefix(reason, reasonDeniedCapability)
}
