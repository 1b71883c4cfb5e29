// Package worker consumes job descriptors from one lane's queue and drives
// them through the job state machine: claim, execute, record terminal
// status. Each lane runs its own Worker with its own concurrency, so a
// long-running training job never starves the generation lane.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/shared/rabbitmq"
)

var processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "studio",
	Subsystem: "worker",
	Name:      "jobs_processed_total",
	Help:      "Jobs processed by lane and outcome.",
}, []string{"lane", "outcome"})

// JobStore is the subset of the job store the worker needs.
type JobStore interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, result []byte) error
	FailJob(ctx context.Context, jobID, errorKind, errorMessage string) error
	CancelRunningJob(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, progress float64) error
	UpdateHeartbeat(ctx context.Context, jobID string) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}

// BatchNotifier receives terminal transitions of batch children so the
// orchestrator can advance counters and dispatch the next chunk.
type BatchNotifier interface {
	OnChildDone(ctx context.Context, job *domain.Job, failed bool) error
}

// Config holds per-lane worker configuration.
type Config struct {
	Logger            *slog.Logger
	Store             JobStore
	RabbitClient      *rabbitmq.Client
	Handlers          Registry
	Notifier          BatchNotifier
	Lane              string
	Queue             string
	Concurrency       int
	PrefetchCount     int
	HeartbeatInterval time.Duration
}

// Worker consumes one lane's queue with a pool of goroutines.
type Worker struct {
	logger            *slog.Logger
	store             JobStore
	rabbitClient      *rabbitmq.Client
	handlers          Registry
	notifier          BatchNotifier
	lane              string
	queue             string
	concurrency       int
	prefetchCount     int
	heartbeatInterval time.Duration
	workerID          string
	jobsChan          chan *domain.Message
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a worker for one lane.
func NewWorker(cfg *Config) *Worker {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("lane", cfg.Lane)),
		store:             cfg.Store,
		rabbitClient:      cfg.RabbitClient,
		handlers:          cfg.Handlers,
		notifier:          cfg.Notifier,
		lane:              cfg.Lane,
		queue:             cfg.Queue,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		heartbeatInterval: heartbeat,
		workerID:          fmt.Sprintf("%s-%s-%s", hostname, cfg.Lane, uuid.New().String()[:8]),
		jobsChan:          make(chan *domain.Message),
		stopChan:          make(chan struct{}),
	}
}

// WorkerID returns the identity recorded on jobs this worker claims.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Start subscribes to the lane queue, spawns the pool, and dispatches
// deliveries until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queue),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnPool(ctx)
	w.dispatch(ctx, deliveries)

	return nil
}

// Stop waits for in-flight jobs to finish. Messages already dispatched keep
// running to completion; undispatched deliveries are redelivered after the
// connection closes.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker", slog.String("worker_id", w.workerID))
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	})
}
