// Package batchops fans an N-item batch out into child jobs, chunked to
// bound in-flight queue pressure, and aggregates their terminal outcomes.
package batchops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/latentworks/studio-be/internal/domain"
)

// Store is the subset of the job store the orchestrator mutates.
type Store interface {
	CreateBatchWithJobs(ctx context.Context, batch *domain.Batch, children []*domain.Job) error
	GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error)
	MarkBatchRunning(ctx context.Context, batchID string) error
	IncrementBatchCounter(ctx context.Context, batchID string, failed bool) (*domain.Batch, error)
	TryAdvanceChunk(ctx context.Context, batchID string, fromIndex, toIndex int) (bool, error)
	FinalizeBatch(ctx context.Context, batchID, status string) error
	RequestBatchCancel(ctx context.Context, batchID string) error
	ListBatchChildren(ctx context.Context, batchID string, fromIndex, toIndex int) ([]domain.Job, error)
	ListPendingBatchChildren(ctx context.Context, batchID string) ([]string, error)
	CancelPendingJob(ctx context.Context, jobID string) error
}

// Enqueuer delivers job descriptors into the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, jobID string) error
}

// Config holds orchestration tunables.
type Config struct {
	DefaultChunkSize int
	MaxItems         int
}

// Orchestrator decomposes batches into batch_item jobs and advances chunks as
// children resolve.
type Orchestrator struct {
	store  Store
	queue  Enqueuer
	config Config
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, queue Enqueuer, config Config, logger *slog.Logger) *Orchestrator {
	if config.DefaultChunkSize <= 0 {
		config.DefaultChunkSize = 4
	}
	return &Orchestrator{
		store:  store,
		queue:  queue,
		config: config,
		logger: logger,
	}
}

// Submit creates the batch record and its N children, then dispatches the
// first chunk. GPU exclusivity already serializes actual inference; chunking
// only bounds how much sits in the queue at once.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, items []domain.GenerationSpec, chunkSize int) (*domain.Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("batch must contain at least one item")
	}
	if o.config.MaxItems > 0 && len(items) > o.config.MaxItems {
		return nil, fmt.Errorf("batch exceeds maximum of %d items", o.config.MaxItems)
	}
	if chunkSize <= 0 {
		chunkSize = o.config.DefaultChunkSize
	}

	batch := &domain.Batch{
		BatchID:     uuid.New().String(),
		OwnerID:     ownerID,
		TotalItems:  len(items),
		ChunkSize:   chunkSize,
		Status:      domain.BatchStatusPending,
		SubmittedAt: time.Now(),
	}

	children := make([]*domain.Job, 0, len(items))
	for i, spec := range items {
		raw, err := json.Marshal(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item %d: %w", i, err)
		}
		idx := i
		children = append(children, &domain.Job{
			JobID:       uuid.New().String(),
			OwnerID:     ownerID,
			Kind:        domain.KindBatchItem,
			Spec:        string(raw),
			BatchID:     &batch.BatchID,
			BatchIndex:  &idx,
			SubmittedAt: time.Now(),
		})
	}

	// One transaction: a batch row with a partial fan-out can never resolve.
	if err := o.store.CreateBatchWithJobs(ctx, batch, children); err != nil {
		return nil, err
	}

	if err := o.dispatchChunk(ctx, batch.BatchID, 0, chunkSize, len(items)); err != nil {
		return nil, err
	}

	if err := o.store.MarkBatchRunning(ctx, batch.BatchID); err != nil {
		o.logger.Error("Failed to mark batch running",
			slog.String("batch_id", batch.BatchID),
			slog.Any("error", err),
		)
	}
	batch.Status = domain.BatchStatusRunning

	o.logger.Info("Batch submitted",
		slog.String("batch_id", batch.BatchID),
		slog.Int("total_items", len(items)),
		slog.Int("chunk_size", chunkSize),
	)

	return batch, nil
}

// dispatchChunk advances next_index by CAS and enqueues the children of the
// won window. Losing the CAS means another completion already dispatched it.
func (o *Orchestrator) dispatchChunk(ctx context.Context, batchID string, from, chunkSize, total int) error {
	to := from + chunkSize
	if to > total {
		to = total
	}
	if to <= from {
		return nil
	}

	won, err := o.store.TryAdvanceChunk(ctx, batchID, from, to)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	children, err := o.store.ListBatchChildren(ctx, batchID, from, to)
	if err != nil {
		return err
	}

	for i := range children {
		child := &children[i]
		if child.Status != domain.JobStatusPending {
			// Cancelled before dispatch; already accounted for.
			continue
		}
		if err := o.queue.Enqueue(ctx, child.Kind, child.JobID); err != nil {
			return fmt.Errorf("failed to enqueue child %s: %w", child.JobID, err)
		}
	}

	o.logger.Debug("Batch chunk dispatched",
		slog.String("batch_id", batchID),
		slog.Int("from", from),
		slog.Int("to", to),
	)

	return nil
}

// OnChildDone records one child's terminal transition: a single atomic
// counter increment, then chunk advance once the current chunk fully
// resolves, then finalization once every child has resolved.
func (o *Orchestrator) OnChildDone(ctx context.Context, job *domain.Job, failed bool) error {
	if job.BatchID == nil {
		return nil
	}
	batchID := *job.BatchID

	batch, err := o.store.IncrementBatchCounter(ctx, batchID, failed)
	if err != nil {
		if err == domain.ErrConflict {
			// Counters already account for every child; nothing to do.
			return nil
		}
		return err
	}

	resolved := batch.Resolved()

	if resolved == batch.TotalItems {
		return o.finalize(ctx, batch)
	}

	// The chunk is resolved once everything dispatched so far has resolved.
	if resolved >= batch.NextIndex && batch.NextIndex < batch.TotalItems && !batch.CancelRequested {
		if err := o.dispatchChunk(ctx, batchID, batch.NextIndex, batch.ChunkSize, batch.TotalItems); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, batch *domain.Batch) error {
	status := domain.BatchStatusSucceeded
	switch {
	case batch.CancelRequested:
		status = domain.BatchStatusCancelled
	case batch.FailedItems > 0:
		status = domain.BatchStatusPartialFailure
	}

	err := o.store.FinalizeBatch(ctx, batch.BatchID, status)
	if err == domain.ErrConflict {
		// A concurrent completion finalized first.
		return nil
	}
	return err
}

// Cancel marks not-yet-started children cancelled, flags running children for
// cooperative cancellation, and leaves terminal children untouched.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatchByID(ctx, batchID)
	if err != nil {
		return err
	}
	if domain.IsTerminalBatchStatus(batch.Status) {
		return domain.ErrConflict
	}

	if err := o.store.RequestBatchCancel(ctx, batchID); err != nil {
		return err
	}

	pending, err := o.store.ListPendingBatchChildren(ctx, batchID)
	if err != nil {
		return err
	}

	for _, jobID := range pending {
		if err := o.store.CancelPendingJob(ctx, jobID); err != nil {
			if err == domain.ErrConflict {
				// Claimed between listing and cancel; its worker will see the
				// cancellation flag.
				continue
			}
			return err
		}
		child := &domain.Job{JobID: jobID, BatchID: &batchID}
		if err := o.OnChildDone(ctx, child, true); err != nil {
			return err
		}
	}

	o.logger.Info("Batch cancellation requested",
		slog.String("batch_id", batchID),
		slog.Int("pending_cancelled", len(pending)),
	)

	return nil
}

// ChunkSizes returns the dispatch windows for a batch, e.g. 9 items with
// chunk 4 dispatch as [4 4 1]. Exposed for status reporting.
func ChunkSizes(total, chunk int) []int {
	if total <= 0 || chunk <= 0 {
		return nil
	}
	var sizes []int
	for remaining := total; remaining > 0; remaining -= chunk {
		if remaining < chunk {
			sizes = append(sizes, remaining)
		} else {
			sizes = append(sizes, chunk)
		}
	}
	return sizes
}
