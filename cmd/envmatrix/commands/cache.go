package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/stores"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the environment cache",
	}

	cmd.AddCommand(newCacheLsCommand())
	cmd.AddCommand(newCachePruneCommand())

	return cmd
}

// openStore opens the cache store named by the pipeline config.
func openStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := loadPipelineConfig()
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Cache.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newCacheLsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListEnvironments(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Println("cache is empty")
				return nil
			}
			fmt.Printf("%-14s %-8s %-9s %-6s %s\n", "PLATFORM", "PYTHON", "MONTH", "EPOCH", "CREATED")
			for _, rec := range records {
				fmt.Printf("%-14s %-8s %-9s %-6d %s\n",
					rec.Platform, rec.LanguageVersion, rec.MonthBucket, rec.Epoch,
					rec.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to list")

	return cmd
}

func newCachePruneCommand() *cobra.Command {
	var (
		beforeMonth string
		beforeEpoch int
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cache entries from old month buckets or epochs",
		Example: `  # Drop everything cached before March 2026
  envmatrix cache prune --before-month 2026-03

  # Drop entries from epochs before 3
  envmatrix cache prune --before-epoch 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if beforeMonth == "" && !cmd.Flags().Changed("before-epoch") {
				return fmt.Errorf("at least one of --before-month or --before-epoch is required")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.PruneEnvironments(cmd.Context(), beforeMonth, beforeEpoch)
			if err != nil {
				return err
			}

			fmt.Printf("pruned %d cache entries\n", pruned)
			return nil
		},
	}

	cmd.Flags().StringVar(&beforeMonth, "before-month", "", "delete entries bucketed before this YYYY-MM month")
	cmd.Flags().IntVar(&beforeEpoch, "before-epoch", 0, "delete entries from epochs below this value")

	return cmd
}
