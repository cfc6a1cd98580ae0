package collab

import (
	"context"
	"fmt"

	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// pytest exit codes. Code 1 is failing assertions; everything else above
// zero means the runner itself broke.
const (
	pytestExitOK     = 0
	pytestExitFailed = 1
)

// PytestRunner runs the test suite under coverage measurement.
type PytestRunner struct {
	runner       Runner
	args         string
	artifactPath string
	logger       *telemetry.Logger
}

// NewPytestRunner creates a test runner. artifactPath is where the native
// coverage artifact lands; extra args are appended to the pytest command.
func NewPytestRunner(runner Runner, artifactPath string, args string, logger *telemetry.Logger) *PytestRunner {
	if artifactPath == "" {
		artifactPath = ".coverage"
	}
	return &PytestRunner{
		runner:       runner,
		args:         args,
		artifactPath: artifactPath,
		logger:       logger.NewComponentLogger("pytest"),
	}
}

// Run executes the suite. Failing assertions are reported through the
// result, not as an error.
func (p *PytestRunner) Run(ctx context.Context) (engine.TestResult, error) {
	cmd := "python -m pytest --cov --cov-report="
	if p.args != "" {
		cmd += " " + p.args
	}

	result, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return engine.TestResult{}, fmt.Errorf("pytest failed to run: %w", err)
	}

	switch result.ExitCode {
	case pytestExitOK:
		p.logger.Debug().Msg("test suite passed")
		return engine.TestResult{Passed: true, CoverageArtifact: p.artifactPath}, nil
	case pytestExitFailed:
		p.logger.Warn().Msg("test suite reported failures")
		// Coverage is still measured for the tests that ran.
		return engine.TestResult{Passed: false, CoverageArtifact: p.artifactPath}, nil
	default:
		return engine.TestResult{}, fmt.Errorf("pytest exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}
}
