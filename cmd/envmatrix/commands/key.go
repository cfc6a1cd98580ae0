package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
)

func newKeyCommand() *cobra.Command {
	var (
		platform        string
		languageVersion string
		epoch           int
		month           string
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Compute the environment cache key for each matrix cell",
		Long: `Compute the cache key the matrix cells would use right now.

The key covers the platform, the pinned language version, the current UTC
month, the hash of the raw dev spec document, and the cache epoch. Keys
roll over automatically at month boundaries.`,
		Example: `  # Keys for every configured cell
  envmatrix key

  # Key for one explicit cell
  envmatrix key --platform ubuntu-latest --language-version 3.11

  # Keys as they would be computed in another month
  envmatrix key --month 2026-09`,
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

			runEpoch := cfg.Cache.Epoch
			if cmd.Flags().Changed("epoch") {
				runEpoch = epoch
			}

			now := time.Now()
			if month != "" {
				now, err = parseMonth(month)
				if err != nil {
					return err
				}
			}
			keys := make(map[string]string)

			if platform != "" && languageVersion != "" {
				key := cachekey.Build(platform, languageVersion, now, specs.DevDocument, runEpoch)
				keys[platform+"-py"+languageVersion] = key.String()
			} else {
				for _, cell := range cfg.Cells() {
					key := cachekey.Build(cell.Platform, cell.LanguageVersion, now, specs.DevDocument, runEpoch)
					keys[cell.ID()] = key.String()
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(keys)
			}

			for _, cell := range sortedKeys(keys) {
				fmt.Printf("%-28s %s\n", cell, keys[cell])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "compute for one platform only")
	cmd.Flags().StringVar(&languageVersion, "language-version", "", "compute for one language version only")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "override the cache epoch")
	cmd.Flags().StringVar(&month, "month", "", "override the month bucket (YYYY-MM)")

	return cmd
}

// parseMonth parses a YYYY-MM month override into a UTC instant inside
// that month.
func parseMonth(value string) (time.Time, error) {
	t, err := time.Parse("2006-01", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: expected YYYY-MM", value)
	}
	return t, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
