package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/staging"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging directories",
	}

	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))

	return stagingCmd
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List staging directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			stagingDir := strings.TrimSpace(cfg.Paths.StagingDir)
			out := cmd.OutOrStdout()
			if stagingDir == "" {
				fmt.Fprintln(out, "Staging directory not configured")
				return nil
			}

			dirs, err := staging.ListDirectories(stagingDir)
			if err != nil {
				return fmt.Errorf("list staging directories: %w", err)
			}
			if len(dirs) == 0 {
				fmt.Fprintln(out, "No staging directories found")
				return nil
			}

			fmt.Fprintf(out, "Staging directory: %s\n\n", stagingDir)

			var totalSize int64
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				totalSize += dir.Size
				rows = append(rows, []string{
					dir.Name,
					humanize.Time(dir.ModTime),
					humanize.IBytes(uint64(dir.Size)),
				})
			}

			fmt.Fprintln(out, renderTable([]string{"Directory", "Modified", "Size"}, rows, 2))
			fmt.Fprintf(out, "Total: %d directories, %s\n", len(dirs), humanize.IBytes(uint64(totalSize)))
			return nil
		},
	}
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned staging directories",
		Long: `Remove staging directories whose queue job no longer exists. With
--max-age-days, directories older than the limit are removed as well,
regardless of queue state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				jobs, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				// Failed jobs keep their staging directory for forensics, so
				// every job still in the store counts as active.
				active := make(map[int64]struct{}, len(jobs))
				for _, job := range jobs {
					active[job.ID] = struct{}{}
				}

				logger := logging.NewNop()
				result := staging.CleanOrphaned(cmd.Context(), cfg.Paths.StagingDir, active, logger)
				if maxAgeDays > 0 {
					stale := staging.CleanStale(cmd.Context(), cfg.Paths.StagingDir, time.Duration(maxAgeDays)*24*time.Hour, logger)
					result.Removed = append(result.Removed, stale.Removed...)
					result.Errors = append(result.Errors, stale.Errors...)
				}

				out := cmd.OutOrStdout()
				for _, path := range result.Removed {
					fmt.Fprintf(out, "Removed %s\n", path)
				}
				for _, cleanupErr := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "Failed to remove %s: %v\n", cleanupErr.Path, cleanupErr.Error)
				}
				fmt.Fprintf(out, "Removed %d directories (%d errors)\n", len(result.Removed), len(result.Errors))
				if len(result.Errors) > 0 {
					return exitWith(exitFailed, "")
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Also remove directories older than this many days")
	return cmd
}
