package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/shared/rabbitmq"
)

// Lane names. Each lane has its own queue and worker pool so long training
// jobs cannot starve quick generation jobs.
const (
	LaneGeneration = "generation"
	LaneTraining   = "training"
	LaneScraping   = "scraping"
	LaneLabeling   = "labeling"
)

// Lanes lists every lane name.
var Lanes = []string{LaneGeneration, LaneTraining, LaneScraping, LaneLabeling}

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "studio",
	Subsystem: "queue",
	Name:      "published_total",
	Help:      "Job descriptors published to the work queue, by lane.",
}, []string{"lane"})

// LaneForKind maps a job kind to its delivery lane. single_generation and
// batch_item share the generation lane since both contend for the same GPU.
func LaneForKind(kind string) (string, error) {
	switch kind {
	case domain.KindSingleGeneration, domain.KindBatchItem:
		return LaneGeneration, nil
	case domain.KindTraining:
		return LaneTraining, nil
	case domain.KindScrape:
		return LaneScraping, nil
	case domain.KindLabeling:
		return LaneLabeling, nil
	}
	return "", fmt.Errorf("no lane for kind %q", kind)
}

// RoutingKeyForLane returns the exchange routing key a lane's queue is bound
// with.
func RoutingKeyForLane(lane string) string {
	return "jobs." + lane
}

// Publisher delivers job descriptors into kind-specific lanes.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher creates a Publisher over an established RabbitMQ client.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// Enqueue publishes a {job_id, kind} envelope to the kind's lane. The
// payload stays a descriptor: workers load the authoritative record from the
// job store, which also makes duplicate delivery harmless.
func (p *Publisher) Enqueue(ctx context.Context, kind, jobID string) error {
	lane, err := LaneForKind(kind)
	if err != nil {
		return err
	}

	body, err := json.Marshal(domain.Message{JobID: jobID, Kind: kind})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	if err := p.client.PublishWithRetry(ctx, RoutingKeyForLane(lane), body); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	publishedTotal.WithLabelValues(lane).Inc()

	p.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.String("lane", lane),
	)

	return nil
}
