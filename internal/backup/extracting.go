package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"balloon/internal/config"
	"balloon/internal/extract"
	"balloon/internal/fileutil"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
	"balloon/internal/services/ddrescue"
	"balloon/internal/stage"
	"balloon/internal/staging"
)

// Extractor manages the extraction stage: pulling a raw image off the
// physical source into staging and slicing it into the unit manifest.
type Extractor struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
	client extract.Extractor
}

// NewExtractor constructs the extraction handler using default dependencies.
func NewExtractor(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Extractor {
	client, err := ddrescue.New(cfg.ExtractorBinary())
	if err != nil {
		logger.Warn("extractor client unavailable", logging.Error(err))
	}
	return NewExtractorWithClient(cfg, store, logger, client)
}

// NewExtractorWithClient allows injecting the extractor client (used in tests).
func NewExtractorWithClient(cfg *config.Config, store *queue.Store, logger *slog.Logger, client extract.Extractor) *Extractor {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String(logging.FieldComponent, "extractor"))
	}
	return &Extractor{store: store, cfg: cfg, logger: stageLogger, client: client}
}

func (e *Extractor) Prepare(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, e.logger)
	job.SetProgress("Extracting", "Starting extraction", 0)
	job.ErrorMessage = ""

	layout := staging.ForJob(e.cfg.Paths.StagingDir, job)
	if err := layout.Ensure(); err != nil {
		return services.Wrap(services.ErrStorageIO, "extracting", "prepare staging",
			"Failed to create staging directory; check staging_dir permissions", err)
	}
	logger.Info("starting extraction",
		logging.String("source_path", strings.TrimSpace(job.SourcePath)),
		logging.String("source_kind", string(job.SourceKind)),
		logging.String("staging_root", layout.Root()),
	)
	return nil
}

func (e *Extractor) Execute(ctx context.Context, job *queue.Job) error {
	layout := staging.ForJob(e.cfg.Paths.StagingDir, job)

	var manifest *extract.Manifest
	var err error
	if job.SourceKind == queue.KindCartridge {
		manifest, err = e.ingestCartridge(ctx, job, layout)
	} else {
		manifest, err = e.extractOptical(ctx, job, layout)
	}
	if err != nil {
		return err
	}

	units := make([]queue.Unit, len(manifest.Units))
	for i, unit := range manifest.Units {
		units[i] = queue.Unit{
			JobID:      job.ID,
			Seq:        unit.Seq,
			ByteOffset: unit.ByteOffset,
			ByteSize:   unit.ByteSize,
			Status:     queue.UnitUnverified,
		}
	}
	if err := e.store.InsertUnits(ctx, job.ID, units); err != nil {
		return services.Wrap(services.ErrStorageIO, "extracting", "persist units", "Failed to record unit manifest", err)
	}

	job.ImageFile = manifest.ImagePath
	job.SetProgress("Extracted", fmt.Sprintf("Image extracted into %d units", len(units)), 100)
	logging.WithContext(ctx, e.logger).Info("extraction completed",
		logging.String("image_file", manifest.ImagePath),
		logging.Int64("total_bytes", manifest.TotalBytes),
		logging.Int("unit_count", len(units)),
	)
	return nil
}

// ingestCartridge handles sources that are already a file on disk. The copy
// is hash-verified end to end; a cartridge read error is not retryable the
// way a dirty disc is.
func (e *Extractor) ingestCartridge(ctx context.Context, job *queue.Job, layout staging.Layout) (*extract.Manifest, error) {
	logger := logging.WithContext(ctx, e.logger)
	logger.Info("ingesting cartridge dump", logging.String("source_path", job.SourcePath))

	if err := fileutil.CopyFileVerified(job.SourcePath, layout.ImagePath()); err != nil {
		return nil, services.Wrap(services.ErrDevice, "extracting", "ingest cartridge",
			"Verified copy of cartridge dump failed; re-read the cartridge", err)
	}
	manifest, err := extract.BuildManifest(layout.ImagePath(), e.cfg.UnitSize())
	if err != nil {
		return nil, services.Wrap(services.ErrDevice, "extracting", "ingest cartridge",
			"Cartridge dump produced no usable image", err)
	}
	return manifest, nil
}

func (e *Extractor) extractOptical(ctx context.Context, job *queue.Job, layout staging.Layout) (*extract.Manifest, error) {
	if e.client == nil {
		return nil, services.Wrap(services.ErrDevice, "extracting", "begin", "extractor client unavailable", nil)
	}
	logger := logging.WithContext(ctx, e.logger)

	budget := e.cfg.Extraction.RetryBudget
	if budget < 1 {
		budget = 1
	}
	backoff := time.Duration(e.cfg.Extraction.RetryBackoffSeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		job.ExtractionAttempts++
		if err := e.store.Update(ctx, job); err != nil {
			return nil, services.Wrap(services.ErrStorageIO, "extracting", "record attempt", "Failed to persist attempt count", err)
		}
		if attempt > 1 {
			wait := backoff * (1 << (attempt - 2))
			logger.Info("retrying extraction",
				logging.Int("attempt", attempt),
				logging.Duration("backoff", wait),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		manifest, err := e.runAttempt(ctx, job, layout)
		if err == nil {
			return manifest, nil
		}
		lastErr = err
		if !services.Retryable(err) {
			return nil, err
		}
		logger.Warn("extraction attempt failed",
			logging.Int("attempt", attempt),
			logging.Error(err),
		)
	}
	return nil, services.Wrap(services.ErrTransientExtraction, "extracting", "retry",
		fmt.Sprintf("Extraction failed after %d attempts", budget), lastErr)
}

// runAttempt drives one extraction from Begin to a terminal Poll. Partial
// output never survives between attempts; each Begin starts from a clean
// image.
func (e *Extractor) runAttempt(ctx context.Context, job *queue.Job, layout staging.Layout) (*extract.Manifest, error) {
	logger := logging.WithContext(ctx, e.logger)

	handle, err := e.client.Begin(ctx, extract.Request{
		Device:     job.SourcePath,
		OutputPath: layout.ImagePath(),
		SectorSize: e.cfg.Extraction.SectorSize,
		UnitSize:   e.cfg.UnitSize(),
	})
	if err != nil {
		return nil, err
	}

	pollInterval := time.Duration(e.cfg.Extraction.PollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	stallTimeout := time.Duration(e.cfg.Extraction.StallTimeout) * time.Second

	lastBytes := int64(-1)
	lastChange := time.Now()

	for {
		select {
		case <-ctx.Done():
			_ = handle.Cancel(context.Background())
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		if cancelled, err := e.cancelRequested(ctx, job.ID); err != nil {
			logger.Warn("failed to check cancellation", logging.Error(err))
		} else if cancelled {
			if err := handle.Cancel(ctx); err != nil {
				logger.Warn("failed to cancel extraction", logging.Error(err))
			}
			return nil, services.Wrap(services.ErrUserCancelled, "extracting", "cancel",
				"Extraction cancelled by operator", nil)
		}

		status, err := handle.Poll(ctx)
		if err != nil {
			logger.Warn("extraction poll failed", logging.Error(err))
			continue
		}

		switch status.State {
		case extract.StateDone:
			return status.Manifest, nil
		case extract.StateFailed:
			return nil, status.Reason
		case extract.StateRunning:
			if status.BytesRead != lastBytes {
				lastBytes = status.BytesRead
				lastChange = time.Now()
				e.persistProgress(ctx, job, status.BytesRead)
			} else if stallTimeout > 0 && time.Since(lastChange) > stallTimeout {
				if err := handle.Cancel(ctx); err != nil {
					logger.Warn("failed to cancel stalled extraction", logging.Error(err))
				}
				return nil, services.Wrap(services.ErrStalledExtraction, "extracting", "stall watch",
					fmt.Sprintf("No progress for %s; drive may be wedged", stallTimeout), nil)
			}
		}
	}
}

func (e *Extractor) cancelRequested(ctx context.Context, id int64) (bool, error) {
	current, err := e.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return current.CancelRequested, nil
}

func (e *Extractor) persistProgress(ctx context.Context, job *queue.Job, bytesRead int64) {
	logger := logging.WithContext(ctx, e.logger)
	updated := *job
	updated.SetProgress("Extracting", fmt.Sprintf("Read %s", humanize.IBytes(uint64(bytesRead))), updated.ProgressPercent)
	updated.TouchProgress(time.Now().UTC())
	if err := e.store.Update(ctx, &updated); err != nil {
		logger.Warn("failed to persist progress", logging.Error(err))
		return
	}
	*job = updated
}

// HealthCheck verifies extraction dependencies.
func (e *Extractor) HealthCheck(ctx context.Context) stage.Health {
	const name = "extractor"
	if e.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(e.cfg.Paths.StagingDir) == "" {
		return stage.Unhealthy(name, "staging directory not configured")
	}
	if e.client == nil {
		return stage.Unhealthy(name, "extractor client unavailable")
	}
	binary := e.cfg.ExtractorBinary()
	if _, err := exec.LookPath(binary); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("extractor binary %q not found", binary))
	}
	return stage.Healthy(name)
}
