package collab

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

// FlakeLinter runs flake8 in two passes: a fatal pass restricted to the
// configured fatal codes and an advisory style pass that never fails.
type FlakeLinter struct {
	runner  Runner
	cfg     config.LintConfig
	targets []string
	logger  *telemetry.Logger
}

// NewFlakeLinter creates a linter over the given source targets.
func NewFlakeLinter(runner Runner, cfg config.LintConfig, targets []string, logger *telemetry.Logger) *FlakeLinter {
	if len(targets) == 0 {
		targets = []string{"."}
	}
	return &FlakeLinter{
		runner:  runner,
		cfg:     cfg,
		targets: targets,
		logger:  logger.NewComponentLogger("lint"),
	}
}

// Run executes the pass selected by the ruleset and returns its findings.
func (l *FlakeLinter) Run(ctx context.Context, ruleset engine.Ruleset) ([]engine.LintFinding, error) {
	var cmd string
	switch ruleset {
	case engine.RulesetFatal:
		cmd = fmt.Sprintf("flake8 --select %s --count %s",
			strings.Join(l.cfg.FatalCodes, ","), strings.Join(l.targets, " "))
	case engine.RulesetAdvisory:
		cmd = fmt.Sprintf("flake8 --exit-zero --max-line-length %d --max-complexity %d --count %s",
			l.cfg.MaxLineLength, l.cfg.MaxComplexity, strings.Join(l.targets, " "))
	default:
		return nil, fmt.Errorf("unknown ruleset: %s", ruleset)
	}

	result, err := l.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("flake8 failed to run: %w", err)
	}

	// flake8 exits 1 when findings exist. Anything above that means the
	// tool itself broke.
	if result.ExitCode > 1 {
		return nil, fmt.Errorf("flake8 exited with code %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	findings := parseFlakeOutput(result.Stdout)

	l.logger.Debug().
		Str("ruleset", string(ruleset)).
		Int("findings", len(findings)).
		Msg("lint pass completed")

	return findings, nil
}

// parseFlakeOutput parses flake8's default "path:line:col: CODE message"
// lines. Lines that do not match (summary counts, notes) are skipped.
func parseFlakeOutput(output string) []engine.LintFinding {
	var findings []engine.LintFinding

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ":", 4)
		if len(parts) != 4 {
			continue
		}

		lineNum, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if _, err := strconv.Atoi(parts[2]); err != nil {
			continue
		}

		rest := strings.TrimSpace(parts[3])
		code, message, found := strings.Cut(rest, " ")
		if !found {
			code = rest
		}

		findings = append(findings, engine.LintFinding{
			File:    parts[0],
			Line:    lineNum,
			Code:    code,
			Message: message,
		})
	}

	return findings
}
