package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/envspec"
)

func newDiffCommand() *cobra.Command {
	var (
		runtimePath string
		devPath     string
	)

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show what the dev spec adds over the runtime spec",
		Long: `Compute the one-directional spec diff.

The diff lists every dev-spec package missing from the runtime spec, per
channel. Constraint changes on shared packages and packages the dev spec
drops are not part of the diff; runtime language pins never appear.`,
		Example: `  # Diff the specs named by the pipeline config
  envmatrix diff

  # Diff explicit spec files
  envmatrix diff --runtime env.yml --dev dev-env.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtimePath == "" || devPath == "" {
				cfg, err := loadPipelineConfig()
				if err != nil {
					return err
				}
				if runtimePath == "" {
					runtimePath = cfg.Project.RuntimeSpec
				}
				if devPath == "" {
					devPath = cfg.Project.DevSpec
				}
			}

			runtime, err := envspec.ParseFile(runtimePath)
			if err != nil {
				return fmt.Errorf("runtime spec: %w", err)
			}
			dev, err := envspec.ParseFile(devPath)
			if err != nil {
				return fmt.Errorf("dev spec: %w", err)
			}

			conda := envspec.Diff(runtime, dev, envspec.ChannelConda)
			pip := envspec.Diff(runtime, dev, envspec.ChannelPip)

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string][]envspec.PackageRequirement{
					"conda": conda.Added(),
					"pip":   pip.Added(),
				})
			}

			if conda.IsNoChange() && pip.IsNoChange() {
				fmt.Println("no change: the dev spec adds nothing over the runtime spec")
				return nil
			}

			printChannelDiff("conda", conda)
			printChannelDiff("pip", pip)
			return nil
		},
	}

	cmd.Flags().StringVar(&runtimePath, "runtime", "", "runtime spec file (defaults to the config's)")
	cmd.Flags().StringVar(&devPath, "dev", "", "dev spec file (defaults to the config's)")

	return cmd
}

func printChannelDiff(channel string, diff envspec.DiffResult) {
	if diff.IsNoChange() {
		fmt.Printf("%s: no change\n", channel)
		return
	}
	fmt.Printf("%s:\n", channel)
	for _, req := range diff.Added() {
		fmt.Printf("  + %s\n", req.String())
	}
}
