package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"balloon/internal/config"
	"balloon/internal/extract"
	"balloon/internal/ledger"
	"balloon/internal/queue"
	"balloon/internal/report"
	"balloon/internal/staging"
)

func newReportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "report <job-id>",
		Short: "Show the verification report for a job",
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

				rep, err := report.Load(reportPathForJob(cfg, job))
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return fmt.Errorf("job %d has no verification report yet (status %s)", id, job.Status)
					}
					return fmt.Errorf("load report: %w", err)
				}

				report.Render(cmd.OutOrStdout(), rep)
				return verdictExit(rep)
			})
		},
	}
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <job-id>",
		Short: "Re-check a job's image against its checksum ledger",
		Long: `Recompute every unit digest of a job's image and compare it against the
checksum ledger. Works on archived jobs as well as jobs whose staging
directory still exists. No repair is attempted; the exit code reports
whether the image still matches the ledger.`,
		Args: exactlyOneJobID,
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

				imagePath, ledgerPath := artifactPathsForJob(cfg, job)
				if _, err := os.Stat(imagePath); err != nil {
					return fmt.Errorf("image for job %d not found at %s: %w", id, imagePath, err)
				}

				algorithm, err := ledger.ParseAlgorithm(job.ChecksumAlgorithm)
				if err != nil {
					return err
				}
				led, err := ledger.Open(ledgerPath)
				if err != nil {
					return fmt.Errorf("open ledger: %w", err)
				}
				units, err := store.UnitsForJob(cmd.Context(), id)
				if err != nil {
					if errors.Is(err, queue.ErrNoUnits) {
						return fmt.Errorf("job %d has no recorded units to verify", id)
					}
					return err
				}

				var mismatched []int
				for _, unit := range units {
					data, err := extract.ReadUnit(imagePath, extract.Unit{
						Seq:        unit.Seq,
						ByteOffset: unit.ByteOffset,
						ByteSize:   unit.ByteSize,
					})
					if err != nil {
						mismatched = append(mismatched, unit.Seq)
						continue
					}
					digest, err := ledger.Digest(data, algorithm)
					if err != nil {
						return err
					}
					ok, err := led.Verify(unit.Seq, algorithm, digest)
					if err != nil {
						return fmt.Errorf("unit %d: %w", unit.Seq, err)
					}
					if !ok {
						mismatched = append(mismatched, unit.Seq)
					}
				}

				out := cmd.OutOrStdout()
				rows := [][]string{
					{"Image", imagePath},
					{"Units checked", strconv.Itoa(len(units))},
					{"Mismatched", strconv.Itoa(len(mismatched))},
				}
				fmt.Fprintln(out, renderTable([]string{"Verification", "Value"}, rows))

				if len(mismatched) > 0 {
					return exitWith(exitFailed, "job %d: %d unit(s) no longer match the ledger", id, len(mismatched))
				}
				fmt.Fprintf(out, "Job %d image matches its ledger\n", id)
				return nil
			})
		},
	}
}

// artifactPathsForJob resolves where a job's image and ledger currently live:
// the archive directory once promoted, staging before that.
func artifactPathsForJob(cfg *config.Config, job *queue.Job) (imagePath, ledgerPath string) {
	if job.ImageFile != "" && (job.Status == queue.StatusVerified || job.Status == queue.StatusDegraded) {
		dir := filepath.Dir(job.ImageFile)
		return job.ImageFile, filepath.Join(dir, "checksums.jsonl")
	}
	layout := staging.ForJob(cfg.Paths.StagingDir, job)
	return layout.ImagePath(), layout.LedgerPath()
}
