package engine

import (
	"encoding/json"
	"fmt"
)

// CellState represents the provisioning state of one matrix cell. Each cell
// advances strictly through the pipeline; Failed is reachable from any
// non-terminal state.
type CellState string

const (
	// StateInit is the starting state; nothing installed yet.
	StateInit CellState = "init"

	// StateBaseInstalled means the runtime spec has been installed pinned
	// to the cell's language version.
	StateBaseInstalled CellState = "base_installed"

	// StateCacheHit means a previously built dev environment was found in
	// the cache, so dev-dependency installation is skipped entirely.
	StateCacheHit CellState = "cache_hit"

	// StateDevInstalled means the dev-spec increment has been installed
	// on a cache miss.
	StateDevInstalled CellState = "dev_installed"

	// StateLinted means both lint passes completed (fatal pass clean,
	// advisory pass recorded).
	StateLinted CellState = "linted"

	// StateTested means the test collaborator ran and produced its
	// coverage artifact (whether or not all assertions passed).
	StateTested CellState = "tested"

	// StateCoverageConverted means the native coverage artifact was
	// converted to the portable format.
	StateCoverageConverted CellState = "coverage_converted"

	// StateUploaded means the portable coverage was uploaded tagged with
	// the cell identity, marked non-final.
	StateUploaded CellState = "uploaded"

	// StateDone is the successful terminal state.
	StateDone CellState = "done"

	// StateFailed is the failure terminal state.
	StateFailed CellState = "failed"
)

// IsTerminal returns true if the state represents a final cell status.
func (s CellState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Validate checks if the cell state is valid.
func (s CellState) Validate() error {
	switch s {
	case StateInit, StateBaseInstalled, StateCacheHit, StateDevInstalled,
		StateLinted, StateTested, StateCoverageConverted, StateUploaded,
		StateDone, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid cell state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe serialization.
func (s CellState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *CellState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = CellState(str)
	return s.Validate()
}

// RunStatus represents the overall status of a matrix run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates cells are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every cell succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some cells failed while others succeeded.
	// Coverage aggregation still completed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates every cell failed, or the run itself
	// aborted (e.g., an aggregation-ordering violation).
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Ruleset selects which lint severity configuration a lint pass runs with.
type Ruleset string

const (
	// RulesetFatal selects the pass whose findings fail the cell
	// (syntax errors, undefined names).
	RulesetFatal Ruleset = "fatal"

	// RulesetAdvisory selects the style/complexity pass whose findings
	// are reported but never fail the cell.
	RulesetAdvisory Ruleset = "advisory"
)

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a matrix run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a matrix run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeCellStarted indicates a cell began provisioning.
	EventTypeCellStarted EventType = "cell_started"

	// EventTypeCellTransition indicates a cell advanced to a new state.
	EventTypeCellTransition EventType = "cell_transition"

	// EventTypeCellCompleted indicates a cell reached Done.
	EventTypeCellCompleted EventType = "cell_completed"

	// EventTypeCellFailed indicates a cell reached Failed.
	EventTypeCellFailed EventType = "cell_failed"

	// EventTypeCacheHit indicates the cell reused a cached environment.
	EventTypeCacheHit EventType = "cache_hit"

	// EventTypeCacheMiss indicates the cell built its environment.
	EventTypeCacheMiss EventType = "cache_miss"

	// EventTypeCoverageFinished indicates the aggregation barrier fired.
	EventTypeCoverageFinished EventType = "coverage_finished"

	// EventTypeWarning indicates a non-fatal condition (advisory lint
	// findings, cache store hiccups).
	EventTypeWarning EventType = "warning"
)
