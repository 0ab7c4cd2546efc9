package workflow

import (
	"context"
	"errors"
	"strings"

	"balloon/internal/logging"
	"balloon/internal/queue"
	"balloon/internal/services"
)

func (m *Manager) handleStageFailure(ctx context.Context, stageName string, job *queue.Job, stageErr error) {
	logger := logging.WithContext(ctx, m.logger)

	reason := services.FailureReason(stageErr)
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = stageName + " failed"
	}
	job.SetFailed(reason, message)

	logger.Error("stage failed",
		logging.String("failure_reason", reason),
		logging.String("error_message", message),
		logging.Error(stageErr),
		logging.String(logging.FieldEventType, "stage_failure"),
	)

	if err := m.store.Update(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("shutting down, could not persist stage failure")
		} else {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
	}

	m.setLastJob(job)
	m.setLastError(stageErr)
}
