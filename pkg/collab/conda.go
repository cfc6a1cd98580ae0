package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/envmatrix/envmatrix/pkg/envspec"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// CondaInstaller drives micromamba to install conda-channel requirements
// into the cell's environment.
type CondaInstaller struct {
	runner   Runner
	envName  string
	channels []string
	logger   *telemetry.Logger
}

// NewCondaInstaller creates a conda-channel installer.
func NewCondaInstaller(runner Runner, envName string, channels []string, logger *telemetry.Logger) *CondaInstaller {
	if envName == "" {
		envName = "envmatrix"
	}
	return &CondaInstaller{
		runner:   runner,
		envName:  envName,
		channels: channels,
		logger:   logger.NewComponentLogger("conda"),
	}
}

// Install installs the requirements with the language runtime pinned to the
// cell's version.
func (c *CondaInstaller) Install(ctx context.Context, reqs []envspec.PackageRequirement, pinnedLanguageVersion string) error {
	specs := make([]string, 0, len(reqs)+1)
	if pinnedLanguageVersion != "" {
		specs = append(specs, fmt.Sprintf("python=%s", pinnedLanguageVersion))
	}
	for _, req := range reqs {
		specs = append(specs, req.String())
	}
	if len(specs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("micromamba install --yes --name ")
	sb.WriteString(c.envName)
	for _, channel := range c.channels {
		sb.WriteString(" --channel ")
		sb.WriteString(channel)
	}
	for _, spec := range specs {
		sb.WriteString(" '")
		sb.WriteString(spec)
		sb.WriteString("'")
	}
	cmd := sb.String()

	c.logger.Debug().
		Int("packages", len(specs)).
		Str("python", pinnedLanguageVersion).
		Msg("installing conda requirements")

	result, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("conda install failed to run: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("conda install exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	return nil
}

// firstLine truncates multi-line tool output for error messages.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
