package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/latentworks/studio-be/internal/compute"
	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/gpu"
)

// processJob drives one delivery through the state machine: claim, decode,
// execute, record terminal status. The claim is a compare-and-swap on
// pending, so a duplicate delivery loses the claim and gets dropped by the
// caller. Once a terminal status is recorded the returned error only labels
// the outcome; the delivery is consumed either way.
func (w *Worker) processJob(ctx context.Context, msg *domain.Message) error {
	job, err := w.store.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return err
		}
		// The job is still pending; a redelivery can claim it.
		return transient(fmt.Errorf("failed to claim job: %w", err))
	}

	logger := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
	)
	logger.Info("Job claimed", slog.String("worker_id", w.workerID))

	// A cancel requested while the job sat in the queue can lose the race
	// against the claim. Honor it before doing any work.
	if job.CancelRequested {
		return w.recordCancelled(ctx, logger, job)
	}

	spec, err := domain.DecodeSpec(job.Kind, job.Spec)
	if err != nil {
		return w.recordFailure(ctx, logger, job, domain.ErrorKindHandler, err)
	}

	handler, ok := w.handlers[job.Kind]
	if !ok {
		return w.recordFailure(ctx, logger, job, domain.ErrorKindHandler,
			fmt.Errorf("no handler registered for kind %q", job.Kind))
	}

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	result, err := handler(ctx, spec, w.progressFunc(ctx, job.JobID), w.cancelCheckFunc(ctx, job.JobID))
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return w.recordCancelled(ctx, logger, job)
		}
		errorKind := domain.ErrorKindHandler
		if gpu.IsAcquisitionFailure(err) || gpu.IsBusy(err) {
			errorKind = domain.ErrorKindResource
		}
		return w.recordFailure(ctx, logger, job, errorKind, err)
	}

	if err := w.store.CompleteJob(ctx, job.JobID, result); err != nil {
		// ErrConflict means the job left running behind our back, e.g. the
		// reaper declared this worker lost. The result is dropped.
		logger.Error("Failed to record job success",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("Job succeeded")
	w.notifyBatch(ctx, logger, job, false)
	return nil
}

// recordFailure writes the failed terminal status and propagates the cause.
func (w *Worker) recordFailure(ctx context.Context, logger *slog.Logger, job *domain.Job, errorKind string, cause error) error {
	logger.Error("Job failed",
		slog.String("error_kind", errorKind),
		slog.String("error", cause.Error()),
	)

	if err := w.store.FailJob(ctx, job.JobID, errorKind, cause.Error()); err != nil {
		logger.Error("Failed to record job failure",
			slog.String("error", err.Error()),
		)
		return cause
	}

	w.notifyBatch(ctx, logger, job, true)
	return cause
}

// recordCancelled writes the cancelled terminal status. Cancelled batch
// children count against failed_items so the batch still resolves.
func (w *Worker) recordCancelled(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	if err := w.store.CancelRunningJob(ctx, job.JobID); err != nil {
		logger.Error("Failed to record job cancellation",
			slog.String("error", err.Error()),
		)
		return domain.ErrCancelled
	}

	logger.Info("Job cancelled")
	w.notifyBatch(ctx, logger, job, true)
	return domain.ErrCancelled
}

// notifyBatch advances batch accounting for batch children.
func (w *Worker) notifyBatch(ctx context.Context, logger *slog.Logger, job *domain.Job, failed bool) {
	if job.BatchID == nil || w.notifier == nil {
		return
	}
	if err := w.notifier.OnChildDone(ctx, job, failed); err != nil {
		logger.Error("Failed to notify batch of child completion",
			slog.String("batch_id", *job.BatchID),
			slog.String("error", err.Error()),
		)
	}
}

// progressFunc persists handler progress reports as a 0..1 fraction.
func (w *Worker) progressFunc(ctx context.Context, jobID string) compute.ProgressFunc {
	return func(completed, total int) {
		if total <= 0 {
			return
		}
		progress := float64(completed) / float64(total)
		if err := w.store.UpdateProgress(ctx, jobID, progress); err != nil {
			w.logger.Debug("Failed to update progress",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// cancelCheckFunc polls the cancellation flag. Store errors read as "not
// cancelled"; the job keeps running rather than aborting on a flaky read.
func (w *Worker) cancelCheckFunc(ctx context.Context, jobID string) compute.CancelCheckFunc {
	return func() bool {
		requested, err := w.store.IsCancelRequested(ctx, jobID)
		if err != nil {
			w.logger.Debug("Failed to read cancellation flag",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return false
		}
		return requested
	}
}

// heartbeatLoop refreshes last_heartbeat_at while a job runs, keeping the
// reaper off a healthy worker's back.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
