package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/cachekey"
	"github.com/envmatrix/envmatrix/pkg/config"
	"github.com/envmatrix/envmatrix/pkg/envspec"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the environment specs and report diff and key changes",
		Long: `Watch both spec files and, on every change, recompute the spec diff
and the cache keys the matrix would use. Useful while editing the dev
spec to see when a change would invalidate the cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPipelineConfig()
			if err != nil {
				return err
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			watched := map[string]bool{
				filepath.Clean(cfg.Project.RuntimeSpec): true,
				filepath.Clean(cfg.Project.DevSpec):     true,
			}
			// Watch the parent directories; editors often replace files
			// on save, which drops inode-level watches.
			dirs := map[string]bool{}
			for path := range watched {
				dirs[filepath.Dir(path)] = true
			}
			for dir := range dirs {
				if err := watcher.Add(dir); err != nil {
					return fmt.Errorf("failed to watch %s: %w", dir, err)
				}
			}

			if err := reportSpecState(cfg); err != nil {
				log.Warn().Err(err).Msg("initial spec state unavailable")
			}

			var timer *time.Timer
			trigger := make(chan struct{}, 1)

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !watched[filepath.Clean(event.Name)] {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case trigger <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn().Err(err).Msg("watch error")
				case <-trigger:
					if err := reportSpecState(cfg); err != nil {
						log.Warn().Err(err).Msg("spec state unavailable")
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before reacting to a change")

	return cmd
}

// reportSpecState prints the current diff and the cache key each matrix
// cell would use.
func reportSpecState(cfg *config.PipelineConfig) error {
	specs, err := loadSpecs(cfg)
	if err != nil {
		return err
	}

	conda := envspec.Diff(specs.Runtime, specs.Dev, envspec.ChannelConda)
	pip := envspec.Diff(specs.Runtime, specs.Dev, envspec.ChannelPip)

	fmt.Printf("--- %s ---\n", time.Now().Format(time.TimeOnly))
	printChannelDiff("conda", conda)
	printChannelDiff("pip", pip)

	now := time.Now()
	for _, cell := range cfg.Cells() {
		key := cachekey.Build(cell.Platform, cell.LanguageVersion, now, specs.DevDocument, cfg.Cache.Epoch)
		fmt.Printf("  %-28s %s\n", cell.ID(), key.String())
	}
	return nil
}
