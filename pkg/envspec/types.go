// Package envspec parses conda-style environment specification documents and
// computes the incremental package set needed to upgrade a runtime
// environment into a development environment, split by installer channel.
package envspec

import (
	"fmt"
	"strings"
)

// Channel identifies which dependency list of a spec an operation applies to.
type Channel string

const (
	// ChannelConda is the conda-style channel dependency list.
	ChannelConda Channel = "conda"

	// ChannelPip is the nested pip-installed dependency list.
	ChannelPip Channel = "pip"
)

// Validate checks if the channel is valid.
func (c Channel) Validate() error {
	switch c {
	case ChannelConda, ChannelPip:
		return nil
	default:
		return fmt.Errorf("invalid channel: %s", c)
	}
}

// PackageRequirement is a single package entry in an environment spec.
// Identity for diff purposes is by name only, case-insensitive, regardless
// of the version constraint.
type PackageRequirement struct {
	// Name is the package name with its original casing preserved.
	Name string `json:"name"`

	// Constraint is the optional version constraint (e.g., ">=1.21,<2").
	Constraint string `json:"constraint,omitempty"`
}

// Key returns the case-insensitive identity of the requirement.
func (r PackageRequirement) Key() string {
	return strings.ToLower(r.Name)
}

// String renders the requirement as it would appear on an installer
// command line.
func (r PackageRequirement) String() string {
	if r.Constraint == "" {
		return r.Name
	}
	return r.Name + r.Constraint
}

// EnvironmentSpec is the structured model of one environment specification
// document.
type EnvironmentSpec struct {
	// Name is the environment name, if the document declares one.
	Name string `json:"name,omitempty"`

	// Channels are the package-manager channels in priority order.
	Channels []string `json:"channels"`

	// Dependencies is the conda-channel dependency list in document order.
	Dependencies []PackageRequirement `json:"dependencies"`

	// PipDependencies is the nested pip dependency list in document order.
	// Empty when the document has no pip section.
	PipDependencies []PackageRequirement `json:"pip_dependencies,omitempty"`
}

// ChannelDependencies returns the requirement list for the given channel.
func (s *EnvironmentSpec) ChannelDependencies(channel Channel) []PackageRequirement {
	if channel == ChannelPip {
		return s.PipDependencies
	}
	return s.Dependencies
}

// MalformedSpecError indicates an environment specification document that
// lacks a recognizable channel/dependency structure.
type MalformedSpecError struct {
	// Source names the document (file path or "inline").
	Source string

	// Reason describes what made the document unparseable.
	Reason string

	// Err is the underlying parse error, if any.
	Err error
}

// Error implements the error interface.
func (e *MalformedSpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed environment spec %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed environment spec %s: %s", e.Source, e.Reason)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *MalformedSpecError) Unwrap() error {
	return e.Err
}
