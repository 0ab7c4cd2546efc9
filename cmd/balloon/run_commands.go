package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/queue"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process queued jobs until the queue is idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return processQueue(cmd, ctx, processOptions{untilIdle: true})
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline and queue jobs on media insertion",
		Long: `Run the pipeline continuously and listen for udev insertion events on
the configured device. Detected media is queued automatically. Stops on
SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Extraction.Device == "" {
				return invalidf("watch requires a configured extraction device")
			}
			return processQueue(cmd, ctx, processOptions{withMonitor: true})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var retryFailed bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Reclaim interrupted jobs and process the queue",
		Long: `Roll jobs interrupted mid-stage back to the start of their stage and
process the queue until idle. With --failed, each failed job is cloned
into a fresh pending attempt; the failed record itself stays terminal
so the history of attempts remains auditable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if retryFailed {
					failed, err := store.List(cmd.Context(), queue.StatusFailed)
					if err != nil {
						return fmt.Errorf("list failed jobs: %w", err)
					}
					for _, prior := range failed {
						attempt, err := store.NewAttempt(cmd.Context(), prior.ID)
						if err != nil {
							return fmt.Errorf("new attempt for job %d: %w", prior.ID, err)
						}
						fmt.Fprintf(cmd.OutOrStdout(), "Queued job %d as a new attempt of failed job %d\n", attempt.ID, prior.ID)
					}
				}
				return processQueueWithStore(cmd, ctx, cfg, store, processOptions{untilIdle: true})
			})
		},
	}

	cmd.Flags().BoolVar(&retryFailed, "failed", false, "Queue a fresh attempt for each failed job before processing")
	return cmd
}

type processOptions struct {
	untilIdle   bool
	withMonitor bool
}

func processQueue(cmd *cobra.Command, ctx *commandContext, opts processOptions) error {
	return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
		return processQueueWithStore(cmd, ctx, cfg, store, opts)
	})
}

func processQueueWithStore(cmd *cobra.Command, ctx *commandContext, cfg *config.Config, store *queue.Store, opts processOptions) error {
	logger, err := ctx.newLogger(false)
	if err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup, err := newSupervisor(cfg, store, logger, opts.withMonitor)
	if err != nil {
		return err
	}
	if err := sup.Start(signalCtx); err != nil {
		return err
	}
	defer sup.Stop()

	if !opts.untilIdle {
		<-signalCtx.Done()
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-ticker.C:
			idle, err := queueIdle(signalCtx, store)
			if err != nil {
				if signalCtx.Err() != nil {
					return nil
				}
				return err
			}
			if idle {
				sup.Stop()
				return printQueueOutcome(cmd, store)
			}
		}
	}
}

// queueIdle reports whether every job has reached a terminal status.
func queueIdle(ctx context.Context, store *queue.Store) (bool, error) {
	summary, err := store.Health(ctx)
	if err != nil {
		return false, err
	}
	inFlight := summary.Total - summary.Verified - summary.Degraded - summary.Failed
	return inFlight == 0, nil
}

// printQueueOutcome summarizes terminal counts after a run and derives the
// process exit code from the worst verdict encountered.
func printQueueOutcome(cmd *cobra.Command, store *queue.Store) error {
	summary, err := store.Health(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue idle: %d verified, %d degraded, %d failed\n",
		summary.Verified, summary.Degraded, summary.Failed)
	switch {
	case summary.Failed > 0:
		return exitWith(exitFailed, "")
	case summary.Degraded > 0:
		return exitWith(exitDegraded, "")
	default:
		return nil
	}
}
