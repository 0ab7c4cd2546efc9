package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"balloon/internal/config"
	"balloon/internal/fec"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
	"balloon/internal/services/parchive"
	"balloon/internal/stage"
	"balloon/internal/staging"
)

// Encoder generates redundancy blocks for the extracted image.
type Encoder struct {
	store  *queue.Store
	cfg    *config.Config
	logger *slog.Logger
	client fec.Encoder
}

// NewEncoder constructs the encoding handler using default dependencies.
func NewEncoder(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Encoder {
	client, err := parchive.New(cfg.RedundancyBinary())
	if err != nil {
		logger.Warn("redundancy encoder unavailable", logging.Error(err))
	}
	return NewEncoderWithClient(cfg, store, logger, client)
}

// NewEncoderWithClient allows injecting the encoder client (used in tests).
func NewEncoderWithClient(cfg *config.Config, store *queue.Store, logger *slog.Logger, client fec.Encoder) *Encoder {
	stageLogger := logger
	if stageLogger != nil {
		stageLogger = stageLogger.With(logging.String(logging.FieldComponent, "encoder"))
	}
	return &Encoder{store: store, cfg: cfg, logger: stageLogger, client: client}
}

func (e *Encoder) Prepare(ctx context.Context, job *queue.Job) error {
	job.SetProgress("Encoding", "Generating redundancy blocks", 0)
	job.ErrorMessage = ""
	return nil
}

func (e *Encoder) Execute(ctx context.Context, job *queue.Job) error {
	logger := logging.WithContext(ctx, e.logger)
	if e.client == nil {
		return services.Wrap(services.ErrEncoding, "encoding", "begin", "redundancy encoder unavailable", nil)
	}

	units, err := e.store.UnitsForJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNoUnits) {
			return services.Wrap(services.ErrEncoding, "encoding", "load units",
				"No unit manifest recorded; cannot encode an empty image", err)
		}
		return services.Wrap(services.ErrStorageIO, "encoding", "load units", "Failed to load unit manifest", err)
	}

	layout := staging.ForJob(e.cfg.Paths.StagingDir, job)
	blocks, err := e.client.Encode(ctx, fec.EncodeRequest{
		ImagePath: job.ImageFile,
		ParityDir: layout.ParityDir(),
		UnitSize:  e.cfg.UnitSize(),
		UnitCount: len(units),
		Ratio:     job.RedundancyRatio,
	})
	if err != nil {
		return err
	}

	records := make([]queue.RedundancyBlock, len(blocks))
	for i, block := range blocks {
		records[i] = queue.RedundancyBlock{
			JobID:     job.ID,
			Index:     block.Index,
			FirstUnit: block.FirstUnit,
			LastUnit:  block.LastUnit,
			Params:    block.Params,
			Path:      block.Path,
			Checksum:  block.Checksum,
		}
	}
	if err := e.store.ReplaceBlocks(ctx, job.ID, records); err != nil {
		return services.Wrap(services.ErrStorageIO, "encoding", "persist blocks", "Failed to record redundancy blocks", err)
	}

	job.SetProgress("Encoded", fmt.Sprintf("%d redundancy blocks generated", len(blocks)), 100)
	logger.Info("encoding completed",
		logging.Int("block_count", len(blocks)),
		logging.Float64("ratio", job.RedundancyRatio),
	)
	return nil
}

// HealthCheck verifies encoding dependencies.
func (e *Encoder) HealthCheck(ctx context.Context) stage.Health {
	const name = "encoder"
	if e.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if e.client == nil {
		return stage.Unhealthy(name, "redundancy encoder unavailable")
	}
	if ratio := e.cfg.Redundancy.Ratio; ratio <= 0 || ratio >= 1 {
		return stage.Unhealthy(name, fmt.Sprintf("redundancy ratio %.3f outside (0, 1)", ratio))
	}
	binary := e.cfg.RedundancyBinary()
	if _, err := exec.LookPath(binary); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("redundancy binary %q not found", binary))
	}
	return stage.Healthy(name)
}
