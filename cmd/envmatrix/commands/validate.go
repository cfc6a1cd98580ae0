package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline config and environment specs",
		Long: `Validate the CUE pipeline config, parse both environment specs, and
run the builtin policies against them.

This command checks:
  - CUE syntax and schema conformance
  - Spec document structure (conda/pip dependency tables)
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate the default config
  envmatrix validate

  # Treat policy warnings as errors
  envmatrix validate --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPipelineConfig()
			if err != nil {
				return err
			}
			specs, err := loadSpecs(cfg)
			if err != nil {
				return err
			}

			eng, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			result, err := eng.Evaluate(cmd.Context(), &policy.Input{
				RuntimeSpec: specs.Runtime,
				DevSpec:     specs.Dev,
				Cells:       cfg.Cells(),
				Epoch:       cfg.Cache.Epoch,
			})
			if err != nil {
				return fmt.Errorf("policy evaluation: %w", err)
			}

			for _, warning := range result.Warnings {
				fmt.Printf("warning [%s] %s\n", warning.Policy, warning.Message)
			}
			for _, violation := range result.Violations {
				fmt.Printf("violation [%s] %s\n", violation.Policy, violation.Message)
			}

			if !result.Allowed {
				return fmt.Errorf("%d policy violation(s)", len(result.Violations))
			}
			if strict && len(result.Warnings) > 0 {
				return fmt.Errorf("%d policy warning(s) in strict mode", len(result.Warnings))
			}

			fmt.Printf("ok: %s (%d cells)\n", cfg.Project.Name, len(cfg.Cells()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}
