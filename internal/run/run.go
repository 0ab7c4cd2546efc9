package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"balloon/internal/config"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/staging"
	"balloon/internal/watch"
	"balloon/internal/workflow"
)

// Supervisor owns the long-running pieces of a balloon process: the workflow
// manager, the optional insertion monitor, and the single-instance lock.
type Supervisor struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	workflow *workflow.Manager
	monitor  *watch.Monitor

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status describes supervisor runtime state for the status command.
type Status struct {
	Running      bool
	Monitoring   bool
	QueueDBPath  string
	LockFilePath string
}

// New constructs a supervisor. The monitor may be nil when no device is
// configured.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, wf *workflow.Manager, monitor *watch.Monitor) (*Supervisor, error) {
	if cfg == nil || store == nil || wf == nil {
		return nil, errors.New("supervisor requires config, store, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "balloon.lock")
	return &Supervisor{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "supervisor"),
		store:    store,
		workflow: wf,
		monitor:  monitor,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, reclaims interrupted work, sweeps the
// staging area, and launches the workflow manager.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("supervisor already running")
	}

	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another balloon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)

	if reclaimed, err := s.store.ResetStuckProcessing(runCtx); err != nil {
		s.logger.Warn("reset interrupted jobs", logging.Error(err))
	} else if reclaimed > 0 {
		s.logger.Info("rolled interrupted jobs back to stage start", logging.Int64("jobs", reclaimed))
	}

	s.sweepStaging(runCtx)

	if err := s.workflow.Start(runCtx); err != nil {
		_ = s.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}

	if err := s.monitor.Start(runCtx); err != nil {
		s.logger.Warn("start insertion monitor", logging.Error(err))
	}

	s.cancel = cancel
	s.running.Store(true)
	s.logger.Info("balloon supervisor started", logging.String("lock", s.lockPath))
	return nil
}

// Stop halts background processing and releases the instance lock.
func (s *Supervisor) Stop() {
	if !s.running.Load() {
		return
	}

	s.monitor.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.workflow.Stop()
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("failed to release instance lock", logging.Error(err))
	}
	s.running.Store(false)
	s.logger.Info("balloon supervisor stopped")
}

// Close stops the supervisor and closes the queue store.
func (s *Supervisor) Close() error {
	s.Stop()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Status reports the supervisor's runtime state.
func (s *Supervisor) Status() Status {
	return Status{
		Running:      s.running.Load(),
		Monitoring:   s.monitor.Running(),
		QueueDBPath:  s.store.Path(),
		LockFilePath: s.lockPath,
	}
}

// sweepStaging removes staging directories whose job no longer exists and,
// when an age limit is configured, directories older than that limit.
func (s *Supervisor) sweepStaging(ctx context.Context) {
	dir := strings.TrimSpace(s.cfg.Paths.StagingDir)
	if dir == "" {
		return
	}

	jobs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("list jobs for staging sweep", logging.Error(err))
		return
	}
	active := make(map[int64]struct{}, len(jobs))
	for _, job := range jobs {
		active[job.ID] = struct{}{}
	}

	result := staging.CleanOrphaned(ctx, dir, active, s.logger)
	if days := s.cfg.Workflow.StagingMaxAgeDays; days > 0 {
		stale := staging.CleanStale(ctx, dir, time.Duration(days)*24*time.Hour, s.logger)
		result.Removed = append(result.Removed, stale.Removed...)
		result.Errors = append(result.Errors, stale.Errors...)
	}
	if len(result.Removed) > 0 || len(result.Errors) > 0 {
		s.logger.Info("staging sweep finished",
			logging.Int64("removed", int64(len(result.Removed))),
			logging.Int64("errors", int64(len(result.Errors))),
		)
	}
}

// InsertionHandler returns a watch handler that enqueues a backup job for a
// detected device. A device with a job still in flight is not re-queued.
func InsertionHandler(cfg *config.Config, store *queue.Store, logger *slog.Logger) watch.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return func(ctx context.Context, device string) (*watch.Result, error) {
		jobs, err := store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, job := range jobs {
			if job.SourcePath == device && !job.IsTerminal() {
				return &watch.Result{
					Handled: false,
					Message: fmt.Sprintf("job %d for %s is still in flight", job.ID, device),
				}, nil
			}
		}

		job, err := store.NewJob(ctx, device, queue.KindOpticalData, queue.DeriveLabel(device), "", cfg.Integrity.Algorithm, cfg.Redundancy.Ratio)
		if err != nil {
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
		logger.Info("queued backup job for inserted media",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String("device", device),
		)
		return &watch.Result{Handled: true, Message: "queued", JobID: job.ID}, nil
	}
}
