package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/envspec"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "envmatrix",
		Short: "envmatrix - CI environment matrix provisioner",
		Long: `envmatrix provisions per-cell conda environments for a CI build matrix
and drives each cell through lint, test, and coverage aggregation.

Features:
  - Typed pipeline configs via CUE
  - Matrix filtering via Starlark hooks
  - Spec policy enforcement (OPA/rego)
  - Month-bucketed environment caching with an operator epoch
  - Coverage fan-in across all matrix cells`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "envmatrix.cue", "pipeline config path (CUE file or directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newKeyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// loadPipelineConfig loads and validates the pipeline config from the
// --config source.
func loadPipelineConfig() (*config.PipelineConfig, error) {
	parser := config.NewCUEParser()
	cfg, err := parser.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadSpecs reads and parses the runtime and dev environment specs named
// by the pipeline config.
func loadSpecs(cfg *config.PipelineConfig) (engine.SpecPair, error) {
	runtime, err := envspec.ParseFile(cfg.Project.RuntimeSpec)
	if err != nil {
		return engine.SpecPair{}, fmt.Errorf("runtime spec: %w", err)
	}

	devDoc, err := os.ReadFile(cfg.Project.DevSpec)
	if err != nil {
		return engine.SpecPair{}, fmt.Errorf("dev spec: %w", err)
	}
	dev, err := envspec.Parse(devDoc)
	if err != nil {
		return engine.SpecPair{}, fmt.Errorf("dev spec: %w", err)
	}

	return engine.SpecPair{
		Runtime:     runtime,
		Dev:         dev,
		DevDocument: devDoc,
	}, nil
}
