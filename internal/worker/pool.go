package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/latentworks/studio-be/internal/domain"
)

// transientError marks failures worth a redelivery: the job is still pending
// in the store, so another attempt can claim it.
type transientError struct{ err error }

func (e transientError) Error() string { return "transient: " + e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func transient(err error) error { return transientError{err: err} }

// spawnPool starts the lane's worker goroutines.
func (w *Worker) spawnPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned", slog.Int("worker_count", w.concurrency))
}

// workerLoop processes dispatched messages until shutdown.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			err := w.processJob(ctx, msg)
			w.settle(workerName, msg, err)
		}
	}
}

// settle acks or nacks a delivery based on the processing outcome. A job
// whose terminal status was recorded is done regardless of success or
// failure; only transient pre-claim errors are requeued. Duplicate
// deliveries lose the claim and are dropped.
func (w *Worker) settle(workerName string, msg *domain.Message, err error) {
	switch {
	case err == nil:
		processedTotal.WithLabelValues(w.lane, "succeeded").Inc()
		w.ack(msg.DeliveryTag)

	case errors.Is(err, domain.ErrJobAlreadyClaimed):
		processedTotal.WithLabelValues(w.lane, "duplicate").Inc()
		w.logger.Warn("Job already claimed, dropping delivery",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		w.ack(msg.DeliveryTag)

	case errors.Is(err, domain.ErrCancelled):
		processedTotal.WithLabelValues(w.lane, "cancelled").Inc()
		w.logger.Info("Job cancelled at handler checkpoint",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		w.ack(msg.DeliveryTag)

	case errors.As(err, &transientError{}):
		processedTotal.WithLabelValues(w.lane, "requeued").Inc()
		w.logger.Error("Transient failure, requeueing",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(msg.DeliveryTag, true)

	default:
		processedTotal.WithLabelValues(w.lane, "failed").Inc()
		w.logger.Error("Job failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.ack(msg.DeliveryTag)
	}
}
