package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"balloon/internal/config"
	"balloon/internal/extract"
	"balloon/internal/fec"
	"balloon/internal/fileutil"
	"balloon/internal/ledger"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/report"
	"balloon/internal/services"
	"balloon/internal/services/parchive"
	"balloon/internal/stage"
	"balloon/internal/staging"
)

// Verifier recomputes every unit digest against the ledger, attempts repair
// of mismatches from the redundancy blocks, writes the verification report,
// and promotes the artifacts of a passing job into the archive.
type Verifier struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
	client fec.Encoder
}

// NewVerifier constructs the verification handler using default dependencies.
func NewVerifier(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Verifier {
	client, err := parchive.New(cfg.RedundancyBinary())
	if err != nil {
		logger.Warn("redundancy encoder unavailable", logging.Error(err))
	}
	return NewVerifierWithClient(cfg, store, logger, client)
}

// NewVerifierWithClient allows injecting the repair client (used in tests).
func NewVerifierWithClient(cfg *config.Config, store *queue.Store, logger *slog.Logger, client fec.Encoder) *Verifier {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String(logging.FieldComponent, "verifier"))
	}
	return &Verifier{store: store, cfg: cfg, logger: stageLogger, client: client}
}

func (v *Verifier) Prepare(ctx context.Context, job *queue.Job) error {
	job.SetProgress("Verifying", "Re-reading units against ledger", 0)
	job.ErrorMessage = ""
	return nil
}

func (v *Verifier) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, v.logger)

	algorithm, err := ledger.ParseAlgorithm(job.ChecksumAlgorithm)
	if err != nil {
		return services.Wrap(services.ErrUnrecoverable, "verifying", "algorithm", "Unsupported checksum algorithm", err)
	}

	units, err := v.store.UnitsForJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNoUnits) {
			return services.Wrap(services.ErrUnrecoverable, "verifying", "load units",
				"No unit manifest recorded; extraction did not complete", err)
		}
		return services.Wrap(services.ErrStorageIO, "verifying", "load units", "Failed to load unit manifest", err)
	}
	blocks, err := v.store.BlocksForJob(ctx, job.ID)
	if err != nil {
		return services.Wrap(services.ErrStorageIO, "verifying", "load blocks", "Failed to load redundancy blocks", err)
	}

	layout := staging.ForJob(v.cfg.Paths.StagingDir, job)
	led, err := ledger.Open(layout.LedgerPath())
	if err != nil {
		return services.Wrap(services.ErrStorageIO, "verifying", "open ledger", "Failed to open checksum ledger", err)
	}

	intact := v.checkBlocks(ctx, blocks)
	logger.Info("redundancy block self-check",
		logging.Int("total", len(blocks)),
		logging.Int("intact", len(intact)),
	)

	mismatched, err := v.verifyUnits(ctx, job, units, led, algorithm)
	if err != nil {
		return err
	}

	if len(mismatched) > 0 {
		if err := v.repairUnits(ctx, job, layout, units, mismatched, intact, led, algorithm); err != nil {
			return err
		}
	}
	for _, unit := range units {
		if err := v.store.UpdateUnit(ctx, unit); err != nil {
			return services.Wrap(services.ErrStorageIO, "verifying", "persist unit status",
				fmt.Sprintf("Failed to persist status for unit %d", unit.Seq), err)
		}
	}

	rep := report.Generate(job, units, blocks, len(intact))
	if err := report.Write(layout.ReportPath(), rep); err != nil {
		return services.Wrap(services.ErrStorageIO, "verifying", "write report", "Failed to write verification report", err)
	}
	logger.Info("verification report written",
		logging.String("verdict", string(rep.Verdict)),
		logging.Int("repaired", len(rep.RepairedUnits)),
		logging.Int("unrepairable", len(rep.UnrepairableUnits)),
	)

	switch rep.Verdict {
	case report.VerdictFailed:
		// Staging is left in place for forensics.
		return services.Wrap(services.ErrUnrecoverable, "verifying", "verdict",
			fmt.Sprintf("%d units could not be reconstructed from parity", len(rep.UnrepairableUnits)), nil)
	case report.VerdictDegraded:
		if err := v.promote(ctx, job, layout); err != nil {
			return err
		}
		job.Status = queue.StatusDegraded
		job.SetProgress("Degraded", degradedDetail(rep), 100)
	default:
		if err := v.promote(ctx, job, layout); err != nil {
			return err
		}
		job.SetProgress("Verified", "All units verified against ledger", 100)
	}
	return nil
}

// degradedDetail names what keeps a degraded job short of a clean verdict.
func degradedDetail(rep *report.Report) string {
	if len(rep.RepairedUnits) > 0 {
		return fmt.Sprintf("Verified with %d repaired units", len(rep.RepairedUnits))
	}
	return fmt.Sprintf("Units verified but only %d of %d parity blocks intact", rep.IntactBlocks, rep.TotalBlocks)
}

// checkBlocks filters the persisted blocks down to those whose self-checksum
// still holds. A corrupted parity block is excluded from repair rather than
// trusted.
func (v *Verifier) checkBlocks(ctx context.Context, blocks []queue.RedundancyBlock) []fec.Block {
	logger := logging.WithContext(ctx, v.logger)
	intact := make([]fec.Block, 0, len(blocks))
	for _, block := range blocks {
		candidate := fec.Block{
			Index:     block.Index,
			FirstUnit: block.FirstUnit,
			LastUnit:  block.LastUnit,
			Params:    block.Params,
			Path:      block.Path,
			Checksum:  block.Checksum,
		}
		ok, err := fec.VerifyBlock(candidate)
		if err != nil {
			logger.Warn("redundancy block check failed", logging.Int("block", block.Index), logging.Error(err))
			continue
		}
		if !ok {
			logger.Warn("redundancy block corrupted", logging.Int("block", block.Index))
			continue
		}
		intact = append(intact, candidate)
	}
	return intact
}

// verifyUnits recomputes every unit digest and returns the mismatched
// sequence numbers. Unit statuses are updated in place.
func (v *Verifier) verifyUnits(ctx context.Context, job *queue.Job, units []queue.Unit, led *ledger.Ledger, algorithm ledger.Algorithm) ([]int, error) {
	results := make([]bool, len(units))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(v.workers())
	for i := range units {
		i := i
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			ok, err := v.verifyOne(job.ImageFile, units[i], led, algorithm)
			if err != nil {
				return err
			}
			results[i] = ok
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var mismatched []int
	for i := range units {
		if results[i] {
			units[i].Status = queue.UnitVerified
		} else {
			units[i].Status = queue.UnitMismatched
			mismatched = append(mismatched, units[i].Seq)
		}
	}
	return mismatched, nil
}

func (v *Verifier) verifyOne(imagePath string, unit queue.Unit, led *ledger.Ledger, algorithm ledger.Algorithm) (bool, error) {
	data, err := extract.ReadUnit(imagePath, extract.Unit{Seq: unit.Seq, ByteOffset: unit.ByteOffset, ByteSize: unit.ByteSize})
	if err != nil {
		// An unreadable region counts as a mismatch; parity may recover it.
		return false, nil
	}
	digest, err := ledger.Digest(data, algorithm)
	if err != nil {
		return false, services.Wrap(services.ErrUnrecoverable, "verifying", "digest", "Digest computation failed", err)
	}
	ok, err := led.Verify(unit.Seq, algorithm, digest)
	if err != nil {
		if errors.Is(err, ledger.ErrNoEntry) {
			return false, services.Wrap(services.ErrUnrecoverable, "verifying", "ledger lookup",
				fmt.Sprintf("Unit %d has no ledger entry; checksumming did not complete", unit.Seq), err)
		}
		return false, services.Wrap(services.ErrStorageIO, "verifying", "ledger lookup", "Failed to read checksum ledger", err)
	}
	return ok, nil
}

// repairUnits attempts to reconstruct mismatched units from intact parity and
// re-verifies the result. Unit statuses move to repaired or unrepairable.
func (v *Verifier) repairUnits(ctx context.Context, job *queue.Job, layout staging.Layout, units []queue.Unit, mismatched []int, intact []fec.Block, led *ledger.Ledger, algorithm ledger.Algorithm) error {
	logger := logging.WithContext(ctx, v.logger)

	markUnrepairable := func() {
		for i := range units {
			if units[i].Status == queue.UnitMismatched {
				units[i].Status = queue.UnitUnrepairable
			}
		}
	}

	if v.client == nil || len(intact) == 0 {
		logger.Warn("no usable parity for repair", logging.Int("mismatched", len(mismatched)))
		markUnrepairable()
		return nil
	}

	logger.Info("attempting repair from parity",
		logging.Int("mismatched", len(mismatched)),
		logging.Int("intact_blocks", len(intact)),
	)
	result, err := v.client.Repair(ctx, fec.RepairRequest{
		ImagePath:       job.ImageFile,
		ParityDir:       layout.ParityDir(),
		DamagedUnits:    mismatched,
		AvailableBlocks: intact,
	})
	if err != nil {
		return err
	}
	if !result.Recovered {
		logger.Warn("damage exceeds parity budget", logging.Int("mismatched", len(mismatched)))
		markUnrepairable()
		return nil
	}

	// Trust nothing: re-verify every previously mismatched unit against the
	// ledger before calling it repaired.
	for i := range units {
		if units[i].Status != queue.UnitMismatched {
			continue
		}
		ok, err := v.verifyOne(job.ImageFile, units[i], led, algorithm)
		if err != nil {
			return err
		}
		if ok {
			units[i].Status = queue.UnitRepaired
		} else {
			units[i].Status = queue.UnitUnrepairable
		}
	}
	return nil
}

// promote moves the job's staging tree into its archive destination.
func (v *Verifier) promote(ctx context.Context, job *queue.Job, layout staging.Layout) error {
	root := strings.TrimSpace(job.DestinationDir)
	if root == "" {
		root = v.cfg.Paths.ArchiveDir
	}
	destDir := filepath.Join(root, job.ArchiveName())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return services.Wrap(services.ErrStorageIO, "verifying", "archive", "Failed to create archive directory", err)
	}
	if err := fileutil.MoveDir(layout.Root(), destDir); err != nil {
		return services.Wrap(services.ErrStorageIO, "verifying", "archive",
			"Failed to move verified artifacts into archive", err)
	}
	job.ImageFile = filepath.Join(destDir, filepath.Base(layout.ImagePath()))
	logging.WithContext(ctx, v.logger).Info("artifacts archived", logging.String("archive_dir", destDir))
	return nil
}

func (v *Verifier) workers() int {
	if v.cfg != nil && v.cfg.Workflow.Workers > 0 {
		return v.cfg.Workflow.Workers
	}
	return 1
}

// HealthCheck verifies verification dependencies.
func (v *Verifier) HealthCheck(ctx context.Context) stage.Health {
	const name = "verifier"
	if v.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(v.cfg.Paths.ArchiveDir) == "" {
		return stage.Unhealthy(name, "archive directory not configured")
	}
	if _, err := ledger.ParseAlgorithm(v.cfg.Integrity.Algorithm); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("checksum algorithm %q unsupported", strings.TrimSpace(v.cfg.Integrity.Algorithm)))
	}
	return stage.Healthy(name)
}
