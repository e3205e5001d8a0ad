package policy

import (
	"time"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Severity of a violation. Only error and critical deny an install.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module. Its package must define a "deny" set whose
// members are strings or objects with "message" and optional "severity".
type Policy struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"` // default for deny entries without their own
	Enabled     bool     `json:"enabled" yaml:"-"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata["source"] is the file a loaded policy came from.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// PolicyResult is the outcome of evaluating every enabled policy against
// one staged table.
type PolicyResult struct {
	Allowed           bool                     `json:"allowed"`
	Violations        []engine.PolicyViolation `json:"violations,omitempty"` // blocking
	Warnings          []engine.PolicyViolation `json:"warnings,omitempty"`
	EvaluatedPolicies []string                 `json:"evaluated_policies"`
	EvaluatedAt       time.Time                `json:"evaluated_at"`
	Duration          time.Duration            `json:"duration"`
}
