package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/queue"
	"balloon/internal/report"
	"balloon/internal/staging"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var (
		source    string
		kind      string
		label     string
		dest      string
		algorithm string
		ratio     float64
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Queue a backup job and process it to a terminal verdict",
		Long: `Queue a backup job for the given source and drive it through
extraction, checksumming, redundancy encoding, and verification. The
verification report is printed when the job finishes and the exit code
reflects the verdict.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			src := strings.TrimSpace(source)
			if src == "" {
				src = strings.TrimSpace(cfg.Extraction.Device)
			}
			if src == "" {
				return invalidf("--source is required when no device is configured")
			}

			sourceKind, ok := queue.ParseSourceKind(kind)
			if !ok {
				return invalidf("unknown source kind %q (optical-data, optical-audio, cartridge)", kind)
			}

			alg := strings.TrimSpace(algorithm)
			if alg == "" {
				alg = cfg.Integrity.Algorithm
			}
			if ratio == 0 {
				ratio = cfg.Redundancy.Ratio
			}
			if ratio <= 0 || ratio >= 1 {
				return invalidf("redundancy ratio %.3f must be between 0 and 1 exclusive", ratio)
			}

			logger, err := ctx.newLogger(false)
			if err != nil {
				return err
			}

			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				jobLabel := strings.TrimSpace(label)
				if jobLabel == "" {
					jobLabel = queue.DeriveLabel(src)
				}
				job, err := store.NewJob(signalCtx, src, sourceKind, jobLabel, strings.TrimSpace(dest), alg, ratio)
				if err != nil {
					return fmt.Errorf("queue job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %d for %s\n", job.ID, src)

				sup, err := newSupervisor(cfg, store, logger, false)
				if err != nil {
					return err
				}
				if err := sup.Start(signalCtx); err != nil {
					return err
				}
				defer sup.Stop()

				final, err := waitForTerminal(signalCtx, store, job.ID)
				sup.Stop()
				if err != nil {
					return err
				}

				rep, repErr := report.Load(reportPathForJob(cfg, final))
				if repErr == nil {
					report.Render(cmd.OutOrStdout(), rep)
					return verdictExit(rep)
				}
				if final.Status == queue.StatusFailed {
					return exitWith(exitFailed, "job %d failed: %s (%s)", final.ID, final.ErrorMessage, final.FailureReason)
				}
				return fmt.Errorf("load report: %w", repErr)
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source device or cartridge path (defaults to the configured device)")
	cmd.Flags().StringVar(&kind, "kind", string(queue.KindOpticalData), "Source kind: optical-data, optical-audio, or cartridge")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the archive directory")
	cmd.Flags().StringVar(&dest, "dest", "", "Archive root override for this job")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Checksum algorithm (defaults to configured)")
	cmd.Flags().Float64Var(&ratio, "ratio", 0, "Redundancy ratio in (0,1) (defaults to configured)")

	return cmd
}

// waitForTerminal polls the store until the job reaches a terminal status or
// the context is cancelled.
func waitForTerminal(ctx context.Context, store *queue.Store, jobID int64) (*queue.Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		job, err := store.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, fmt.Errorf("job %d disappeared from the queue", jobID)
		}
		if job.IsTerminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			// Flag the job so a later resume does not silently continue it.
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = store.RequestCancel(cancelCtx, jobID)
			cancel()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// reportPathForJob locates a job's verification report: next to the archived
// image for jobs that finished, in staging otherwise.
func reportPathForJob(cfg *config.Config, job *queue.Job) string {
	if job.ImageFile != "" && (job.Status == queue.StatusVerified || job.Status == queue.StatusDegraded) {
		return filepath.Join(filepath.Dir(job.ImageFile), "report.json")
	}
	return staging.ForJob(cfg.Paths.StagingDir, job).ReportPath()
}
