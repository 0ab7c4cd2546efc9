package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/preflight"
	"balloon/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show preflight checks and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()

				results := preflight.RunAll(cmd.Context(), cfg)
				rows := make([][]string, 0, len(results))
				for _, result := range results {
					state := "ok"
					if !result.Passed {
						state = "FAIL"
					}
					rows = append(rows, []string{result.Name, state, result.Detail})
				}
				fmt.Fprintln(out, renderTable([]string{"Check", "State", "Detail"}, rows))

				summary, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Queue", "Jobs"},
					[][]string{
						{"Total", strconv.Itoa(summary.Total)},
						{"Pending", strconv.Itoa(summary.Pending)},
						{"Processing", strconv.Itoa(summary.Processing)},
						{"Verified", strconv.Itoa(summary.Verified)},
						{"Degraded", strconv.Itoa(summary.Degraded)},
						{"Failed", strconv.Itoa(summary.Failed)},
					},
					1,
				))

				if failures := preflight.Failures(results); len(failures) > 0 {
					return exitWith(exitFailed, "%d preflight check(s) failed", len(failures))
				}
				return nil
			})
		},
	}
}
