package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/envmatrix/envmatrix/pkg/envspec"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// PipInstaller installs pip-channel requirements into the cell's
// environment.
type PipInstaller struct {
	runner Runner
	logger *telemetry.Logger
}

// NewPipInstaller creates a pip-channel installer.
func NewPipInstaller(runner Runner, logger *telemetry.Logger) *PipInstaller {
	return &PipInstaller{
		runner: runner,
		logger: logger.NewComponentLogger("pip"),
	}
}

// Install installs the given requirements.
func (p *PipInstaller) Install(ctx context.Context, reqs []envspec.PackageRequirement) error {
	if len(reqs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("python -m pip install --no-input")
	for _, req := range reqs {
		sb.WriteString(" '")
		sb.WriteString(req.String())
		sb.WriteString("'")
	}

	p.logger.Debug().
		Int("packages", len(reqs)).
		Msg("installing pip requirements")

	result, err := p.runner.Run(ctx, sb.String())
	if err != nil {
		return fmt.Errorf("pip install failed to run: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("pip install exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	return nil
}
