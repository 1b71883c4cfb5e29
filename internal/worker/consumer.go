package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/latentworks/studio-be/internal/domain"
)

// setupConsumer starts consuming the lane queue with this worker's QoS.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.rabbitClient.Consume(w.queue, w.workerID, w.prefetchCount)
	if err != nil {
		return nil, err
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queue),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// dispatch reads deliveries, validates the envelope, and feeds the pool.
// Malformed messages are nacked without requeue; redelivering them can never
// succeed.
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			var msg domain.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				w.nack(delivery.DeliveryTag, false)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Message carries invalid job_id",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				w.nack(delivery.DeliveryTag, false)
				continue
			}

			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- &msg:
			case <-ctx.Done():
				// Requeue so another worker picks it up after shutdown.
				w.nack(delivery.DeliveryTag, true)
				w.logger.Info("Dispatcher stopped while dispatching")
				return
			}
		}
	}
}

func (w *Worker) ack(deliveryTag uint64) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("No channel available for ACK", slog.Uint64("delivery_tag", deliveryTag))
		return
	}
	if err := channel.Ack(deliveryTag, false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(deliveryTag uint64, requeue bool) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		w.logger.Error("No channel available for NACK", slog.Uint64("delivery_tag", deliveryTag))
		return
	}
	if err := channel.Nack(deliveryTag, false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", deliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
