package handler

import (
	"context"
	"log/slog"

	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/jobstore"
)

// JobStore is the subset of the job store the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, error)
	RequestCancel(ctx context.Context, jobID string) (string, error)
	CancelPendingJob(ctx context.Context, jobID string) error
	GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error)
}

// Admitter applies admission policy before a submission is accepted.
type Admitter interface {
	Admit(ctx context.Context, ownerID string) error
}

// Enqueuer publishes accepted jobs into the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, jobID string) error
}

// BatchOrchestrator owns batch fan-out and aggregation.
type BatchOrchestrator interface {
	Submit(ctx context.Context, ownerID string, items []domain.GenerationSpec, chunkSize int) (*domain.Batch, error)
	Cancel(ctx context.Context, batchID string) error
	OnChildDone(ctx context.Context, job *domain.Job, failed bool) error
}

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Admission Admitter
	Queue     Enqueuer
	Batches   BatchOrchestrator

	// Ready reports whether backing services are reachable. Optional.
	Ready func(ctx context.Context) error
}

// JobHandler handles job submission, status, and cancellation requests.
type JobHandler struct {
	logger    *slog.Logger
	store     JobStore
	admission Admitter
	queue     Enqueuer
	batches   BatchOrchestrator
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		admission: deps.Admission,
		queue:     deps.Queue,
		batches:   deps.Batches,
	}
}

// BatchHandler handles batch submission, status, and cancellation requests.
type BatchHandler struct {
	logger    *slog.Logger
	store     JobStore
	admission Admitter
	batches   BatchOrchestrator
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		admission: deps.Admission,
		batches:   deps.Batches,
	}
}
