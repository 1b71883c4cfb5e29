package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/latentworks/studio-be/internal/domain"
)

const batchColumns = `
	batch_id, owner_id, total_items, completed_items, failed_items,
	chunk_size, next_index, status, cancel_requested, submitted_at,
	completed_at`

const insertBatchQuery = `
	INSERT INTO batches (
		batch_id, owner_id, total_items, chunk_size, next_index,
		status, submitted_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// CreateBatchWithJobs inserts a batch and all of its children in one
// transaction. Either the full fan-out exists or nothing does; a batch row
// with fewer children than total_items could never reach a terminal state.
func (s *Store) CreateBatchWithJobs(ctx context.Context, batch *domain.Batch, children []*domain.Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertBatchQuery,
		batch.BatchID,
		batch.OwnerID,
		batch.TotalItems,
		batch.ChunkSize,
		batch.NextIndex,
		domain.BatchStatusPending,
		batch.SubmittedAt,
	); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	for _, child := range children {
		if _, err := tx.ExecContext(ctx, insertJobQuery,
			child.JobID,
			child.IdempotencyKey,
			child.OwnerID,
			child.Kind,
			child.Spec,
			domain.JobStatusPending,
			child.BatchID,
			child.BatchIndex,
			child.SubmittedAt,
		); err != nil {
			return fmt.Errorf("failed to create batch child %s: %w", child.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch transaction: %w", err)
	}

	return nil
}

// GetBatchByID retrieves a batch by its ID.
func (s *Store) GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE batch_id = $1`

	var batch domain.Batch
	if err := s.db.GetContext(ctx, &batch, query, batchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	return &batch, nil
}

// MarkBatchRunning moves a pending batch to running once its first chunk is
// submitted.
func (s *Store) MarkBatchRunning(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = $1 WHERE batch_id = $2 AND status = $3`,
		domain.BatchStatusRunning, batchID, domain.BatchStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark batch running: %w", err)
	}
	return nil
}

// IncrementBatchCounter atomically bumps completed_items or failed_items and
// returns the updated batch. A single UPDATE..RETURNING makes concurrent
// child completions safe: no read-modify-write, no lost updates. The guard
// clause keeps completed+failed from ever exceeding total_items.
func (s *Store) IncrementBatchCounter(ctx context.Context, batchID string, failed bool) (*domain.Batch, error) {
	column := "completed_items"
	if failed {
		column = "failed_items"
	}

	query := fmt.Sprintf(`
		UPDATE batches
		SET %s = %s + 1
		WHERE batch_id = $1
		  AND completed_items + failed_items < total_items
		RETURNING `+batchColumns, column, column)

	var batch domain.Batch
	if err := s.db.GetContext(ctx, &batch, query, batchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("failed to increment batch counter: %w", err)
	}

	return &batch, nil
}

// TryAdvanceChunk moves next_index forward by a compare-and-swap on its
// expected value. Exactly one of the concurrently-finishing children of a
// chunk wins and submits the next chunk.
func (s *Store) TryAdvanceChunk(ctx context.Context, batchID string, fromIndex, toIndex int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE batches SET next_index = $1 WHERE batch_id = $2 AND next_index = $3`,
		toIndex, batchID, fromIndex)
	if err != nil {
		return false, fmt.Errorf("failed to advance chunk: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// FinalizeBatch transitions a non-terminal batch to its terminal status.
func (s *Store) FinalizeBatch(ctx context.Context, batchID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET status = $1, completed_at = NOW()
		WHERE batch_id = $2 AND status IN ($3, $4)
	`, status, batchID, domain.BatchStatusPending, domain.BatchStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return domain.ErrConflict
	}

	s.logger.Info("Batch finalized",
		slog.String("batch_id", batchID),
		slog.String("status", status),
	)

	return nil
}

// RequestBatchCancel sets the batch-level cancellation flag and flags every
// running child. Pending children are cancelled individually by the
// orchestrator; terminal children are untouched.
func (s *Store) RequestBatchCancel(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET cancel_requested = TRUE WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("failed to request batch cancel: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = TRUE WHERE batch_id = $1 AND status = $2`,
		batchID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to flag running children: %w", err)
	}

	return nil
}

// ListBatchChildren returns children of a batch whose batch_index falls in
// [fromIndex, toIndex), in submission order. Used for chunked dispatch.
func (s *Store) ListBatchChildren(ctx context.Context, batchID string, fromIndex, toIndex int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE batch_id = $1 AND batch_index >= $2 AND batch_index < $3
		ORDER BY batch_index ASC`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, batchID, fromIndex, toIndex); err != nil {
		return nil, fmt.Errorf("failed to list batch children: %w", err)
	}

	return jobs, nil
}

// ListPendingBatchChildren returns IDs of children still pending, for batch
// cancellation.
func (s *Store) ListPendingBatchChildren(ctx context.Context, batchID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT job_id FROM jobs WHERE batch_id = $1 AND status = $2 ORDER BY batch_index ASC`,
		batchID, domain.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending children: %w", err)
	}
	return ids, nil
}
