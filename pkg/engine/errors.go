// Package engine drives the cache-aware provisioning pipeline: one state
// machine per matrix cell, a parallel scheduler across cells, and the fan-in
// coverage barrier that closes the run.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure (network timeouts,
	// a flaky remote builder) that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error. All pipeline
	// errors from the taxonomy below are permanent.
	ErrorClassPermanent ErrorClass = "permanent"
)

// CellError represents a classified error with cell and step context.
type CellError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the pipeline error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Cell is the matrix cell the error belongs to, if applicable.
	Cell string `json:"cell,omitempty"`

	// State is the cell state in which the error occurred.
	State CellState `json:"state,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CellError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Cell != "" {
		msg += fmt.Sprintf(" (cell=%s, state=%s)", e.Cell, e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CellError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *CellError) Is(target error) bool {
	t, ok := target.(*CellError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCell adds cell context to an error.
func (e *CellError) WithCell(cell string) *CellError {
	e.Cell = cell
	return e
}

// WithState adds the cell state in which the error occurred.
func (e *CellError) WithState(state CellState) *CellError {
	e.State = state
	return e
}

// Pipeline error codes. Every code is cell-local except ErrCodeAggregation,
// which is fatal to the whole run.
const (
	// ErrCodeMalformedSpec: an environment spec could not be parsed.
	// Fatal before any install runs.
	ErrCodeMalformedSpec = "MALFORMED_SPEC"

	// ErrCodeProvision: the base (runtime) install failed. Fatal per cell.
	ErrCodeProvision = "PROVISION_FAILED"

	// ErrCodeDevInstall: installing the dev-spec increment failed. The
	// remainder of the cell's pipeline is aborted.
	ErrCodeDevInstall = "DEV_INSTALL_FAILED"

	// ErrCodeLintFatal: the fatal-ruleset lint pass reported findings.
	// Advisory-ruleset findings never raise this.
	ErrCodeLintFatal = "LINT_FATAL"

	// ErrCodeTestFailure: the test collaborator reported failing
	// assertions. The cell is failed but coverage is still uploaded when
	// an artifact was produced.
	ErrCodeTestFailure = "TEST_FAILURE"

	// ErrCodeAggregation: the coverage barrier was invoked before every
	// cell reported a terminal status. A programming error, fatal to the
	// run.
	ErrCodeAggregation = "AGGREGATION_ERROR"

	// ErrCodeCoverage: converting or uploading the coverage artifact
	// failed.
	ErrCodeCoverage = "COVERAGE_FAILED"

	// ErrCodeInternal: an unclassified internal failure.
	ErrCodeInternal = "INTERNAL_ERROR"
)

// NewCellError creates a permanent classified error with a pipeline code.
func NewCellError(code, message string, err error) *CellError {
	return &CellError{
		Class:   ErrorClassPermanent,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a transient classified error.
func NewTransientError(message string, err error) *CellError {
	return &CellError{
		Class:   ErrorClassTransient,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// ErrorCode extracts the pipeline error code from an error chain, or
// ErrCodeInternal when the chain carries no CellError.
func ErrorCode(err error) string {
	var e *CellError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *CellError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsAggregationError reports whether the error is a barrier-ordering
// violation.
func IsAggregationError(err error) bool {
	var e *CellError
	return errors.As(err, &e) && e.Code == ErrCodeAggregation
}

// IsTestFailure reports whether the error is a test-collaborator failure.
func IsTestFailure(err error) bool {
	var e *CellError
	return errors.As(err, &e) && e.Code == ErrCodeTestFailure
}
