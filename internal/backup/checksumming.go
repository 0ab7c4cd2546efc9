package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"balloon/internal/config"
	"balloon/internal/extract"
	"balloon/internal/ledger"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
	"balloon/internal/stage"
	"balloon/internal/staging"
)

// Checksummer records the content digest of every extracted unit in the
// job's checksum ledger.
type Checksummer struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewChecksummer constructs the checksumming handler.
func NewChecksummer(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Checksummer {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String(logging.FieldComponent, "checksummer"))
	}
	return &Checksummer{store: store, cfg: cfg, logger: stageLogger}
}

func (c *Checksummer) Prepare(ctx context.Context, job *queue.Job) error {
	job.SetProgress("Checksumming", "Recording unit digests", 0)
	job.ErrorMessage = ""
	return nil
}

func (c *Checksummer) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, c.logger)

	algorithm, err := ledger.ParseAlgorithm(job.ChecksumAlgorithm)
	if err != nil {
		return services.Wrap(services.ErrUnrecoverable, "checksumming", "algorithm", "Unsupported checksum algorithm", err)
	}

	units, err := c.store.UnitsForJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNoUnits) {
			return services.Wrap(services.ErrUnrecoverable, "checksumming", "load units",
				"No unit manifest recorded; extraction did not complete", err)
		}
		return services.Wrap(services.ErrStorageIO, "checksumming", "load units", "Failed to load unit manifest", err)
	}

	layout := staging.ForJob(c.cfg.Paths.StagingDir, job)
	led, err := ledger.Open(layout.LedgerPath())
	if err != nil {
		return services.Wrap(services.ErrStorageIO, "checksumming", "open ledger", "Failed to open checksum ledger", err)
	}

	digests := make([]string, len(units))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers())
	for i := range units {
		i := i
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			data, err := extract.ReadUnit(job.ImageFile, extract.Unit{
				Seq:        units[i].Seq,
				ByteOffset: units[i].ByteOffset,
				ByteSize:   units[i].ByteSize,
			})
			if err != nil {
				return services.Wrap(services.ErrStorageIO, "checksumming", "read unit",
					fmt.Sprintf("Failed to read unit %d", units[i].Seq), err)
			}
			digest, err := ledger.Digest(data, algorithm)
			if err != nil {
				return services.Wrap(services.ErrUnrecoverable, "checksumming", "digest", "Digest computation failed", err)
			}
			digests[i] = digest
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, unit := range units {
		if err := c.recordDigest(led, unit.Seq, algorithm, digests[i]); err != nil {
			return err
		}
		unit.Digest = digests[i]
		if err := c.store.UpdateUnit(ctx, unit); err != nil {
			return services.Wrap(services.ErrStorageIO, "checksumming", "persist digest",
				fmt.Sprintf("Failed to persist digest for unit %d", unit.Seq), err)
		}
		if (i+1)%32 == 0 || i == len(units)-1 {
			updated := *job
			updated.SetProgress("Checksumming", fmt.Sprintf("Recorded %d/%d units", i+1, len(units)),
				float64(i+1)/float64(len(units))*100)
			if err := c.store.Update(ctx, &updated); err == nil {
				*job = updated
			}
		}
	}

	job.SetProgress("Checksummed", fmt.Sprintf("%d unit digests recorded", len(units)), 100)
	logger.Info("checksumming completed",
		logging.Int("unit_count", len(units)),
		logging.String("algorithm", string(algorithm)),
	)
	return nil
}

// recordDigest appends one digest, tolerating entries left behind by an
// interrupted earlier run as long as they agree with the recomputed value.
func (c *Checksummer) recordDigest(led *ledger.Ledger, seq int, algorithm ledger.Algorithm, digest string) error {
	existing, err := led.DigestFor(seq, algorithm)
	switch {
	case err == nil:
		if existing != digest {
			return services.Wrap(services.ErrChecksumMismatch, "checksumming", "reconcile ledger",
				fmt.Sprintf("Unit %d digest differs from earlier ledger entry", seq), nil)
		}
		return nil
	case errors.Is(err, ledger.ErrNoEntry):
		if err := led.Record(seq, algorithm, digest); err != nil {
			return services.Wrap(services.ErrStorageIO, "checksumming", "record digest",
				fmt.Sprintf("Failed to record digest for unit %d", seq), err)
		}
		return nil
	default:
		return services.Wrap(services.ErrStorageIO, "checksumming", "read ledger", "Failed to read checksum ledger", err)
	}
}

func (c *Checksummer) workers() int {
	if c.cfg != nil && c.cfg.Workflow.Workers > 0 {
		return c.cfg.Workflow.Workers
	}
	return 1
}

// HealthCheck verifies checksumming dependencies.
func (c *Checksummer) HealthCheck(ctx context.Context) stage.Health {
	const name = "checksummer"
	if c.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if _, err := ledger.ParseAlgorithm(c.cfg.Integrity.Algorithm); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("checksum algorithm %q unsupported", strings.TrimSpace(c.cfg.Integrity.Algorithm)))
	}
	return stage.Healthy(name)
}
