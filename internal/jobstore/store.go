package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/latentworks/studio-be/internal/domain"
)

// jobColumns is the scan list shared by every job query.
const jobColumns = `
	job_id, idempotency_key, owner_id, kind, spec, status, progress,
	result, error_message, error_kind, batch_id, batch_index,
	cancel_requested, worker_id, submitted_at, started_at, completed_at,
	last_heartbeat_at`

// Store handles all database operations for jobs and batches.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

const insertJobQuery = `
	INSERT INTO jobs (
		job_id, idempotency_key, owner_id, kind, spec, status,
		batch_id, batch_index, submitted_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// CreateJob inserts a new pending job record. A concurrent submission that
// already took the owner's idempotency key surfaces as
// domain.ErrIdempotencyConflict so the caller can return the existing job.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, insertJobQuery,
		job.JobID,
		job.IdempotencyKey,
		job.OwnerID,
		job.Kind,
		job.Spec,
		domain.JobStatusPending,
		job.BatchID,
		job.BatchIndex,
		job.SubmittedAt,
	)
	if err != nil {
		if isIdempotencyViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// isIdempotencyViolation reports whether err is a unique violation on the
// owner+idempotency_key partial index.
func isIdempotencyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		pqErr.Code == "23505" &&
		pqErr.Constraint == "idx_jobs_owner_idempotency"
}

// GetJobByID retrieves a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobByIdempotencyKey returns the job previously submitted by owner with
// the same idempotency key, or ErrJobNotFound.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1 AND idempotency_key = $2`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, ownerID, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return &job, nil
}

// ClaimJob attempts to claim a pending job using a compare-and-swap on its
// status. Duplicate queue deliveries lose the CAS and are dropped by the
// caller, which is what makes at-least-once delivery safe.
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING job_id, owner_id, kind, spec, batch_id, batch_index, cancel_requested
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, workerID, jobID, domain.JobStatusPending).Scan(
		&job.JobID,
		&job.OwnerID,
		&job.Kind,
		&job.Spec,
		&job.BatchID,
		&job.BatchIndex,
		&job.CancelRequested,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not pending",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("kind", job.Kind),
	)

	return &job, nil
}

// CompleteJob transitions a running job to succeeded with its result.
func (s *Store) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	query := `
		UPDATE jobs
		SET status = $1, result = $2, progress = 1.0, completed_at = NOW()
		WHERE job_id = $3 AND status = $4
	`
	return s.casTransition(ctx, jobID, domain.JobStatusSucceeded, query,
		domain.JobStatusSucceeded, result, jobID, domain.JobStatusRunning)
}

// FailJob transitions a running job to failed with the error detail.
func (s *Store) FailJob(ctx context.Context, jobID, errorKind, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_kind = $2, error_message = $3, completed_at = NOW()
		WHERE job_id = $4 AND status = $5
	`
	return s.casTransition(ctx, jobID, domain.JobStatusFailed, query,
		domain.JobStatusFailed, errorKind, errorMessage, jobID, domain.JobStatusRunning)
}

// CancelRunningJob transitions a running job to cancelled after its handler
// observed the cancellation request.
func (s *Store) CancelRunningJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_kind = $2, completed_at = NOW()
		WHERE job_id = $3 AND status = $4
	`
	return s.casTransition(ctx, jobID, domain.JobStatusCancelled, query,
		domain.JobStatusCancelled, domain.ErrorKindCancelled, jobID, domain.JobStatusRunning)
}

// CancelPendingJob transitions a pending job straight to cancelled. A later
// claim attempt loses its CAS and becomes a no-op.
func (s *Store) CancelPendingJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_kind = $2, completed_at = NOW()
		WHERE job_id = $3 AND status = $4
	`
	return s.casTransition(ctx, jobID, domain.JobStatusCancelled, query,
		domain.JobStatusCancelled, domain.ErrorKindCancelled, jobID, domain.JobStatusPending)
}

// casTransition executes a guarded status update and maps a missed guard to
// ErrConflict.
func (s *Store) casTransition(ctx context.Context, jobID, target, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return domain.ErrConflict
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", target),
	)

	return nil
}

// RequestCancel sets the cancellation flag on a non-terminal job and returns
// its current status so the caller can decide whether to cancel immediately
// (pending) or wait for the handler checkpoint (running).
func (s *Store) RequestCancel(ctx context.Context, jobID string) (string, error) {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE
		WHERE job_id = $1 AND status IN ($2, $3)
		RETURNING status
	`

	var status string
	err := s.db.QueryRowContext(ctx, query, jobID, domain.JobStatusPending, domain.JobStatusRunning).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			// Either unknown or already terminal; disambiguate for the caller.
			job, getErr := s.GetJobByID(ctx, jobID)
			if getErr != nil {
				return "", getErr
			}
			return job.Status, domain.ErrConflict
		}
		return "", fmt.Errorf("failed to request cancel: %w", err)
	}

	return status, nil
}

// IsCancelRequested reports the cancellation flag. Handlers poll this at
// checkpoints between inference steps.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// UpdateProgress records progress for a running job. Progress writes on
// non-running jobs are silently dropped so a slow handler cannot touch a
// record the reaper already failed.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $1 WHERE job_id = $2 AND status = $3`,
		progress, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat_at = NOW() WHERE job_id = $1 AND status = $2`,
		jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// CountActiveByOwner counts the owner's non-terminal jobs. The admission
// controller uses this for the per-caller concurrency cap.
func (s *Store) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status IN ($2, $3)`,
		ownerID, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// CountBacklog counts all pending jobs, the global queue-depth signal.
func (s *Store) CountBacklog(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, domain.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	return count, nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	OwnerID  string
	Kind     string
	Status   string
	BatchID  string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is an opaque pagination position over (submitted_at, job_id).
type JobCursor struct {
	SubmittedAt time.Time
	JobID       string
}

// ListJobs returns jobs matching the filter, newest first, cursor-paginated.
// One extra row beyond PageSize is fetched so callers can detect more pages.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.OwnerID != "" {
		query += fmt.Sprintf(" AND owner_id = $%d", argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.BatchID != "" {
		query += fmt.Sprintf(" AND batch_id = $%d", argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (submitted_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.SubmittedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY submitted_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
