package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/domain"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) OnChildDone(ctx context.Context, job *domain.Job, failed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, job.JobID)
	return nil
}

func reapedRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"job_id", "owner_id", "kind", "batch_id", "batch_index"})
}

func TestSweepAppliesPerKindBounds(t *testing.T) {
	store, mock := newMockStore(t)
	reaper := NewReaper(store, nil, ReaperConfig{
		Interval:      time.Minute,
		DefaultMaxRun: 30 * time.Minute,
		MaxRunByKind: map[string]time.Duration{
			domain.KindTraining: 6 * time.Hour,
		},
	}, store.logger)

	assert.Equal(t, 6*time.Hour, reaper.maxRunFor(domain.KindTraining))
	assert.Equal(t, 30*time.Minute, reaper.maxRunFor(domain.KindScrape))

	for _, kind := range domain.Kinds {
		interval := "1800 seconds"
		if kind == domain.KindTraining {
			interval = "21600 seconds"
		}
		mock.ExpectQuery(`UPDATE jobs`).
			WithArgs(domain.JobStatusFailed, domain.ErrorKindWorkerLost, sqlmock.AnyArg(),
				kind, domain.JobStatusRunning, interval, "120 seconds").
			WillReturnRows(reapedRows())
	}

	require.NoError(t, reaper.Sweep(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepNotifiesBatchChildren(t *testing.T) {
	store, mock := newMockStore(t)
	notifier := &recordingNotifier{}
	reaper := NewReaper(store, notifier, ReaperConfig{
		Interval:      time.Minute,
		DefaultMaxRun: 30 * time.Minute,
	}, store.logger)

	batchID := "batch-1"
	for _, kind := range domain.Kinds {
		rows := reapedRows()
		if kind == domain.KindBatchItem {
			rows.AddRow("job-7", "user-1", kind, batchID, 2)
		}
		mock.ExpectQuery(`UPDATE jobs`).
			WithArgs(domain.JobStatusFailed, domain.ErrorKindWorkerLost, sqlmock.AnyArg(),
				kind, domain.JobStatusRunning, "1800 seconds", "120 seconds").
			WillReturnRows(rows)
	}

	require.NoError(t, reaper.Sweep(context.Background()))
	assert.Equal(t, []string{"job-7"}, notifier.calls)
}
