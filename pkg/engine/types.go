package engine

import (
	"fmt"
	"time"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/envspec"
)

// MatrixCell is one independent (platform, language version) execution
// context in the build matrix. Cells share no mutable state with each other.
type MatrixCell struct {
	// Platform is the operating system identifier (e.g., "ubuntu-latest").
	Platform string `json:"platform"`

	// LanguageVersion is the runtime version pinned for this cell.
	LanguageVersion string `json:"language_version"`
}

// ID returns the cell's shard tag, used to label its coverage upload.
func (c MatrixCell) ID() string {
	return fmt.Sprintf("%s-py%s", c.Platform, c.LanguageVersion)
}

// String implements fmt.Stringer.
func (c MatrixCell) String() string {
	return c.ID()
}

// SpecPair holds the two parsed environment specifications plus the raw dev
// document, which is what the cache key hashes.
type SpecPair struct {
	// Runtime is the minimal base environment spec.
	Runtime *envspec.EnvironmentSpec

	// Dev is the superset development spec.
	Dev *envspec.EnvironmentSpec

	// DevDocument is the raw dev spec document content.
	DevDocument []byte
}

// LintFinding is a single finding reported by the lint collaborator.
type LintFinding struct {
	// File is the source file the finding refers to.
	File string `json:"file"`

	// Line is the 1-indexed line number.
	Line int `json:"line"`

	// Code is the rule code (e.g., "F821").
	Code string `json:"code"`

	// Message is the human-readable finding text.
	Message string `json:"message"`
}

// TestResult is the outcome of the test collaborator.
type TestResult struct {
	// Passed reports whether every assertion passed.
	Passed bool `json:"passed"`

	// CoverageArtifact is the path of the native coverage artifact, empty
	// when the run produced none.
	CoverageArtifact string `json:"coverage_artifact,omitempty"`
}

// CellResult is the terminal record of one cell's pipeline.
type CellResult struct {
	// Cell identifies the matrix cell.
	Cell MatrixCell `json:"cell"`

	// State is the terminal state (Done or Failed).
	State CellState `json:"state"`

	// CacheKey is the key the cell looked up and, on miss, populated.
	CacheKey cachekey.CacheKey `json:"cache_key"`

	// CacheHit reports whether a cached environment was reused.
	CacheHit bool `json:"cache_hit"`

	// CoverageUploaded reports whether the cell's shard reached the
	// aggregation service.
	CoverageUploaded bool `json:"coverage_uploaded"`

	// AdvisoryFindings counts findings from the advisory lint pass.
	AdvisoryFindings int `json:"advisory_findings"`

	// StartedAt is when the cell began provisioning.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the cell reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total cell wall time.
	Duration time.Duration `json:"duration"`

	// Error is the classified error for failed cells.
	Error *CellError `json:"error,omitempty"`
}

// RunResult summarizes a whole matrix run.
type RunResult struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Cells holds every cell's terminal record.
	Cells []CellResult `json:"cells"`

	// CoverageFinished reports whether the aggregation barrier fired.
	CoverageFinished bool `json:"coverage_finished"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`
}

// Summary tallies terminal cell states.
func (r *RunResult) Summary() (succeeded, failed int) {
	for _, cell := range r.Cells {
		if cell.State == StateDone {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Event is a timeline event emitted during a run.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Cell is the cell's shard tag, if applicable.
	Cell string `json:"cell,omitempty"`

	// State is the cell state at the time of the event, if applicable.
	State CellState `json:"state,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`
}
