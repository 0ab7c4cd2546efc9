package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the backup queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []queue.Status
			for _, raw := range strings.Split(statusFilter, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				status, ok := queue.ParseStatus(raw)
				if !ok {
					return invalidf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				jobs, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					label := job.Label
					if label == "" {
						label = "-"
					}
					detail := job.ProgressStage
					if job.Status == queue.StatusFailed {
						detail = job.FailureReason
					}
					rows = append(rows, []string{
						strconv.FormatInt(job.ID, 10),
						label,
						string(job.SourceKind),
						string(job.Status),
						detail,
						humanize.Time(job.UpdatedAt),
					})
				}

				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Label", "Kind", "Status", "Detail", "Updated"},
					rows,
					0,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter (e.g. pending,failed)")
	return cmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearFailed bool
	var clearArchived bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove jobs from the queue",
		Long: `Remove jobs from the queue. Without flags every job is removed. With
--failed or --archived only jobs in those terminal states are removed.
Archived artifacts on disk are never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				switch {
				case clearFailed && clearArchived:
					return invalidf("--failed and --archived are mutually exclusive")
				case clearFailed:
					count, err := store.ClearFailed(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d failed job(s)\n", count)
				case clearArchived:
					count, err := store.ClearArchived(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Removed %d archived job(s)\n", count)
				default:
					if err := store.Clear(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(out, "Queue cleared")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove only failed jobs")
	cmd.Flags().BoolVar(&clearArchived, "archived", false, "Remove only verified and degraded jobs")
	return cmd
}

// exactlyOneJobID validates single-job-id argument lists as an invalid
// invocation rather than a runtime failure.
func exactlyOneJobID(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return invalidf("expected exactly one job id")
	}
	return nil
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidf("invalid job id %q", arg)
	}
	return id, nil
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or in-flight backup job",
		Args:  exactlyOneJobID,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.GetByID(cmd.Context(), id)
				if err != nil {
					return err
				}
				if job == nil {
					return invalidf("job %d not found", id)
				}
				if job.IsTerminal() {
					return fmt.Errorf("job %d already finished (%s)", id, job.Status)
				}

				out := cmd.OutOrStdout()
				if job.Status == queue.StatusPending {
					// Nothing is running yet; fail the job immediately.
					job.SetFailed("UserCancelled", "cancelled before processing started")
					if err := store.Update(cmd.Context(), job); err != nil {
						return err
					}
					fmt.Fprintf(out, "Job %d cancelled\n", id)
					return nil
				}

				if err := store.RequestCancel(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(out, "Cancellation requested for job %d; the running stage stops at its next checkpoint\n", id)
				return nil
			})
		},
	}
}
