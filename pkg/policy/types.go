// Package policy gates runs on Rego rules evaluated over the spec pair and
// the expanded matrix before any cell starts provisioning.
package policy

import (
	"time"

	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/envspec"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for advisory findings that never block a run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Input is what the Rego rules see.
type Input struct {
	// RuntimeSpec is the parsed minimal runtime spec.
	RuntimeSpec *envspec.EnvironmentSpec `json:"runtime_spec"`

	// DevSpec is the parsed superset development spec.
	DevSpec *envspec.EnvironmentSpec `json:"dev_spec"`

	// Cells is the expanded (and filtered) matrix.
	Cells []engine.MatrixCell `json:"cells"`

	// Epoch is the configured cache epoch.
	Epoch int `json:"epoch"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Package is the package the violation refers to, if any.
	Package string `json:"package,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of one policy evaluation.
type Result struct {
	// Allowed indicates whether the run may proceed. Only error and
	// critical violations block.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists advisory violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation completed.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
