package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"balloon/internal/config"
	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
	"balloon/internal/stage"
)

// pipelineStage binds a queued status to the handler that advances it.
type pipelineStage struct {
	name       string
	handler    stage.Handler
	processing queue.Status
	done       queue.Status
}

// Handlers collects the stage handlers the manager dispatches to.
type Handlers struct {
	Extractor   stage.Handler
	Checksummer stage.Handler
	Encoder     stage.Handler
	Verifier    stage.Handler
}

// Manager coordinates queue processing: it pulls the next ready job, walks it
// through its stage, and records the outcome.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	logger       *slog.Logger
	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor

	stages map[queue.Status]pipelineStage
	order  []queue.Status

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	lastJob *queue.Job
}

// NewManager constructs a workflow manager over the given stage handlers.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger, handlers Handlers) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		logger:       logger.With(logging.String(logging.FieldComponent, "workflow-manager")),
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		stages: make(map[queue.Status]pipelineStage),
	}
	m.register(queue.StatusPending, pipelineStage{name: "extracting", handler: handlers.Extractor, processing: queue.StatusExtracting, done: queue.StatusExtracted})
	m.register(queue.StatusExtracted, pipelineStage{name: "checksumming", handler: handlers.Checksummer, processing: queue.StatusChecksumming, done: queue.StatusChecksummed})
	m.register(queue.StatusChecksummed, pipelineStage{name: "encoding", handler: handlers.Encoder, processing: queue.StatusEncoding, done: queue.StatusEncoded})
	m.register(queue.StatusEncoded, pipelineStage{name: "verifying", handler: handlers.Verifier, processing: queue.StatusVerifying, done: queue.StatusVerified})
	return m
}

func (m *Manager) register(ready queue.Status, s pipelineStage) {
	m.stages[ready] = s
	m.order = append(m.order, ready)
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.heartbeat.ReclaimStaleJobs(ctx, m.logger); err != nil {
			m.logger.Warn("reclaim stale processing failed; stuck jobs may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}

		job, err := m.store.NextForStatuses(ctx, m.order...)
		if err != nil {
			m.handleFetchError(ctx, err)
			continue
		}
		if job == nil {
			m.waitForJobOrShutdown(ctx)
			continue
		}

		if err := m.processJob(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (m *Manager) processJob(ctx context.Context, job *queue.Job) error {
	s, ok := m.stages[job.Status]
	if !ok {
		m.logger.Warn("no stage configured for status", logging.String("status", string(job.Status)))
		m.waitForJobOrShutdown(ctx)
		return nil
	}

	requestID := uuid.NewString()
	stageCtx := services.WithRequestID(services.WithStage(services.WithJobID(ctx, job.ID), s.name), requestID)
	logger := logging.WithContext(stageCtx, m.logger)

	if job.CancelRequested {
		err := services.Wrap(services.ErrUserCancelled, s.name, "cancel",
			fmt.Sprintf("Cancelled before %s started", s.name), nil)
		m.handleStageFailure(stageCtx, s.name, job, err)
		return err
	}

	if err := m.transitionToProcessing(stageCtx, s, job); err != nil {
		logger.Error("failed to transition job to processing", logging.Error(err))
		m.setLastError(err)
		return err
	}

	return m.executeStage(stageCtx, logger, s, job)
}

func (m *Manager) executeStage(ctx context.Context, logger *slog.Logger, s pipelineStage, job *queue.Job) error {
	stageStart := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("processing_status", string(s.processing)),
		logging.String("label", strings.TrimSpace(job.Label)),
		logging.String("source_path", strings.TrimSpace(job.SourcePath)),
	)

	if s.handler == nil {
		job.SetFailed("Unknown", fmt.Sprintf("stage %s missing handler", s.name))
		if err := m.store.Update(ctx, job); err != nil {
			logger.Error("failed to persist missing handler failure", logging.Error(err))
		}
		err := errors.New("stage handler unavailable")
		m.setLastError(err)
		return err
	}

	if err := s.handler.Prepare(ctx, job); err != nil {
		m.handleStageFailure(ctx, s.name, job, err)
		return err
	}
	if err := m.store.Update(ctx, job); err != nil {
		wrapped := fmt.Errorf("persist stage preparation: %w", err)
		logger.Error("failed to persist stage preparation", logging.Error(wrapped))
		m.setLastError(wrapped)
		return wrapped
	}

	execErr := m.executeWithHeartbeat(ctx, s.handler, job)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			logger.Debug("stage interrupted by shutdown")
			return execErr
		}
		m.handleStageFailure(ctx, s.name, job, execErr)
		return execErr
	}

	// A handler may land the job on a terminal status itself (the verifier
	// reports degraded outcomes that way); otherwise advance to the stage's
	// done status. A cancel that arrived mid-stage is honored here, once the
	// in-flight unit work has settled.
	if job.Status == s.processing || job.Status == "" {
		if cancelled, cErr := m.cancelRequested(ctx, job.ID); cErr != nil {
			logger.Warn("failed to check cancellation", logging.Error(cErr))
		} else if cancelled {
			err := services.Wrap(services.ErrUserCancelled, s.name, "cancel",
				fmt.Sprintf("Cancelled during %s", s.name), nil)
			m.handleStageFailure(ctx, s.name, job, err)
			return err
		}
		job.Status = s.done
	}
	job.LastHeartbeat = nil
	if err := m.store.Update(ctx, job); err != nil {
		wrapped := fmt.Errorf("persist stage result: %w", err)
		logger.Error("failed to persist stage result", logging.Error(wrapped))
		m.setLastError(wrapped)
		return wrapped
	}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(job.Status)),
		logging.String("progress_stage", strings.TrimSpace(job.ProgressStage)),
		logging.Duration("stage_duration", time.Since(stageStart)),
	)
	m.setLastJob(job)
	return nil
}

func (m *Manager) cancelRequested(ctx context.Context, id int64) (bool, error) {
	current, err := m.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	return current.CancelRequested, nil
}

func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, job *queue.Job) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)

	execErr := handler.Execute(ctx, job)
	hbCancel()
	hbWG.Wait()
	return execErr
}

func (m *Manager) transitionToProcessing(ctx context.Context, s pipelineStage, job *queue.Job) error {
	now := time.Now().UTC()
	job.Status = s.processing
	job.ProgressPercent = 0
	job.ErrorMessage = ""
	job.LastHeartbeat = &now
	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("persist processing transition: %w", err)
	}
	m.setLastJob(job)
	return nil
}

func (m *Manager) handleFetchError(ctx context.Context, err error) {
	m.setLastError(err)
	m.logger.Error("failed to fetch next queue job",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second):
	}
}

func (m *Manager) waitForJobOrShutdown(ctx context.Context) {
	interval := m.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastJob(job *queue.Job) {
	copied := *job
	m.mu.Lock()
	m.lastJob = &copied
	m.mu.Unlock()
}

// LastError returns the most recent processing error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// LastJob returns a copy of the most recently touched job.
func (m *Manager) LastJob() *queue.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastJob == nil {
		return nil
	}
	copied := *m.lastJob
	return &copied
}

// Health runs every registered handler's health check.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	results := make([]stage.Health, 0, len(m.order))
	for _, ready := range m.order {
		s := m.stages[ready]
		if s.handler == nil {
			results = append(results, stage.Unhealthy(s.name, "handler unavailable"))
			continue
		}
		results = append(results, s.handler.HealthCheck(ctx))
	}
	return results
}
