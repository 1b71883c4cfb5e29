package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/latentworks/studio-be/internal/domain"
)

// BatchNotifier receives terminal child transitions the reaper produces, so
// batch counters stay correct when a child is failed as worker_lost.
type BatchNotifier interface {
	OnChildDone(ctx context.Context, job *domain.Job, failed bool) error
}

// ReaperConfig holds reaper tunables.
type ReaperConfig struct {
	Interval         time.Duration
	DefaultMaxRun    time.Duration
	MaxRunByKind     map[string]time.Duration
	HeartbeatTimeout time.Duration
}

const defaultHeartbeatTimeout = 2 * time.Minute

// Reaper detects jobs stuck in running (crashed worker, lost heartbeat) and
// fails them with error_kind=worker_lost, bounded per kind since a training
// run may legitimately take hours while a generation should finish in
// minutes.
type Reaper struct {
	store    *Store
	notifier BatchNotifier
	config   ReaperConfig
	logger   *slog.Logger
}

// NewReaper creates a Reaper. notifier may be nil when batch accounting is
// handled elsewhere.
func NewReaper(store *Store, notifier BatchNotifier, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Reaper{
		store:    store,
		notifier: notifier,
		config:   config,
		logger:   logger,
	}
}

// maxRunFor returns the execution bound for a kind.
func (r *Reaper) maxRunFor(kind string) time.Duration {
	if bound, ok := r.config.MaxRunByKind[kind]; ok && bound > 0 {
		return bound
	}
	return r.config.DefaultMaxRun
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("default_max_run", r.config.DefaultMaxRun),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reaper sweep failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

// Sweep fails every stuck running job once, per kind.
func (r *Reaper) Sweep(ctx context.Context) error {
	for _, kind := range domain.Kinds {
		reaped, err := r.store.ReapStuckJobs(ctx, kind, r.maxRunFor(kind), r.config.HeartbeatTimeout)
		if err != nil {
			return fmt.Errorf("reap %s: %w", kind, err)
		}

		for i := range reaped {
			job := &reaped[i]
			r.logger.Warn("Reaped stuck job",
				slog.String("job_id", job.JobID),
				slog.String("kind", job.Kind),
			)
			if r.notifier != nil && job.BatchID != nil {
				if err := r.notifier.OnChildDone(ctx, job, true); err != nil {
					r.logger.Error("Failed to propagate reaped child to batch",
						slog.String("job_id", job.JobID),
						slog.String("batch_id", *job.BatchID),
						slog.Any("error", err),
					)
				}
			}
		}
	}
	return nil
}

// ReapStuckJobs fails running jobs of a kind that either exceeded the
// per-kind execution bound since started_at or stopped heartbeating. A live
// heartbeat shortens crash detection but never extends the execution bound:
// a hung handler on a healthy worker still gets reaped at maxRun.
func (s *Store) ReapStuckJobs(ctx context.Context, kind string, maxRun, heartbeatTimeout time.Duration) ([]domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_kind = $2,
		    error_message = $3,
		    completed_at = NOW()
		WHERE kind = $4
		  AND status = $5
		  AND (
		      started_at < NOW() - $6::interval
		      OR COALESCE(last_heartbeat_at, started_at) < NOW() - $7::interval
		  )
		RETURNING job_id, owner_id, kind, batch_id, batch_index
	`

	maxRunInterval := fmt.Sprintf("%d seconds", int(maxRun.Seconds()))
	heartbeatInterval := fmt.Sprintf("%d seconds", int(heartbeatTimeout.Seconds()))

	var reaped []domain.Job
	rows, err := s.db.QueryContext(ctx, query,
		domain.JobStatusFailed,
		domain.ErrorKindWorkerLost,
		"worker lost: no progress within execution bound",
		kind,
		domain.JobStatusRunning,
		maxRunInterval,
		heartbeatInterval,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reap stuck jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.JobID, &job.OwnerID, &job.Kind, &job.BatchID, &job.BatchIndex); err != nil {
			return nil, fmt.Errorf("failed to scan reaped job: %w", err)
		}
		job.Status = domain.JobStatusFailed
		reaped = append(reaped, job)
	}

	return reaped, rows.Err()
}
