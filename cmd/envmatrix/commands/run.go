package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/collab"
	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/engine"
	"github.com/envmatrix/envmatrix/pkg/policy"
	"github.com/envmatrix/envmatrix/pkg/stores"
	"github.com/envmatrix/envmatrix/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		maxParallel  int
		epoch        int
		epochSet     bool
		month        string
		serveMetrics bool
		skipPolicy   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision and test every cell of the build matrix",
		Long: `Execute the full pipeline for every matrix cell.

Each cell installs the runtime base environment, resolves the dev
environment through the month-bucketed cache, lints, tests, and uploads
its coverage shard. Once every cell is terminal the coverage aggregation
barrier fires.`,
		Example: `  # Run the matrix defined in envmatrix.cue
  envmatrix run

  # Cap concurrency and force a cache epoch bump
  envmatrix run --max-parallel 2 --epoch 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			epochSet = cmd.Flags().Changed("epoch")

			cfg, err := loadPipelineConfig()
			if err != nil {
				return err
			}
			specs, err := loadSpecs(cfg)
			if err != nil {
				return err
			}

			telCfg := telemetry.DefaultConfig()
			if verbose {
				telCfg.Logging.Level = "debug"
			}
			tel, err := telemetry.NewTelemetry(telCfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			ctx := tel.WithContext(cmd.Context())

			if serveMetrics {
				if err := tel.StartMetricsServer(); err != nil {
					return err
				}
			}

			runEpoch := cfg.Cache.Epoch
			if epochSet {
				runEpoch = epoch
			}

			cells := cfg.Cells()
			if cfg.Matrix.FilterScript != "" {
				script, err := os.ReadFile(cfg.Matrix.FilterScript)
				if err != nil {
					return fmt.Errorf("filter script: %w", err)
				}
				filter := config.NewMatrixFilter(0)
				cells, err = filter.Apply(ctx, string(script), cells)
				if err != nil {
					return fmt.Errorf("matrix filter: %w", err)
				}
			}

			if !skipPolicy {
				if err := enforcePolicies(ctx, tel, specs, cells, runEpoch); err != nil {
					return err
				}
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Cache.Path})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			runTag := uuid.New().String()
			coverage := collab.NewCoverallsClient(cfg.Coverage, runTag, tel.Logger)
			factory := collab.NewFactory(cfg, stores.NewEnvironmentCache(store), coverage, tel.Logger)
			defer factory.Close()

			scheduler := engine.NewMatrixScheduler(
				cfg.Matrix.MaxParallel,
				factory,
				coverage,
				stores.NewRunLog(store),
				tel.Metrics,
				tel.Logger.Logger,
			)
			scheduler.SetTracer(tel.Tracer)
			if month != "" {
				bucket, err := parseMonth(month)
				if err != nil {
					return err
				}
				scheduler.SetClock(func() time.Time { return bucket })
			}

			ctx, runSpan := tel.Tracer.StartRunSpan(ctx, runTag)
			defer runSpan.End()

			started := time.Now()
			result, err := scheduler.Run(ctx, cells, specs, engine.SchedulerOptions{
				MaxParallel: maxParallel,
				Epoch:       runEpoch,
			})
			if err != nil {
				telemetry.RecordError(runSpan, err)
				return err
			}
			telemetry.RecordSuccess(runSpan)
			tel.Metrics.RunCompleted(string(result.Status), time.Since(started))

			if err := printRunResult(result); err != nil {
				return err
			}
			if result.Status == engine.RunStatusFailed {
				return fmt.Errorf("run %s failed", result.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "max concurrent cells (0 uses the config value)")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "override the cache epoch for this run")
	cmd.Flags().StringVar(&month, "month", "", "override the cache month bucket (YYYY-MM)")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "expose Prometheus metrics while the run executes")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip policy enforcement (not recommended)")

	return cmd
}

// enforcePolicies evaluates the builtin policies against the run's input
// and blocks on violations. Warnings are printed but never block.
func enforcePolicies(ctx context.Context, tel *telemetry.Telemetry, specs engine.SpecPair, cells []engine.MatrixCell, epoch int) error {
	eng, err := policy.NewEngine(tel.Logger.Logger)
	if err != nil {
		return err
	}

	result, err := eng.Evaluate(ctx, &policy.Input{
		RuntimeSpec: specs.Runtime,
		DevSpec:     specs.Dev,
		Cells:       cells,
		Epoch:       epoch,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}

	for _, warning := range result.Warnings {
		tel.Logger.Warn().
			Str("policy", warning.Policy).
			Str("package", warning.Package).
			Msg(warning.Message)
	}
	if !result.Allowed {
		for _, violation := range result.Violations {
			tel.Logger.Error().
				Str("policy", violation.Policy).
				Str("package", violation.Package).
				Msg(violation.Message)
		}
		return fmt.Errorf("%d policy violation(s) block this run", len(result.Violations))
	}

	return nil
}

// printRunResult renders the run summary.
func printRunResult(result *engine.RunResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("run %s: %s\n", result.ID, result.Status)
	for _, cell := range result.Cells {
		status := string(cell.State)
		if cell.CacheHit {
			status += " (cache hit)"
		}
		if cell.Error != nil {
			status += fmt.Sprintf(" [%s]", cell.Error.Code)
		}
		fmt.Printf("  %-28s %s\n", cell.Cell.ID(), status)
	}
	if result.CoverageFinished {
		fmt.Println("coverage: aggregated")
	} else {
		fmt.Println("coverage: AGGREGATION_ERROR")
	}
	return nil
}
