package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/compute"
	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/gpu"
	"github.com/latentworks/studio-be/shared/logger"
)

// fakeJobStore records state transitions in memory with the same
// compare-and-swap semantics as the real store.
type fakeJobStore struct {
	mu              sync.Mutex
	jobs            map[string]*domain.Job
	claimErr        error
	progressUpdates []float64
	heartbeats      int
}

func newFakeJobStore(jobs ...*domain.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*domain.Job)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeJobStore) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	job, ok := s.jobs[jobID]
	if !ok || job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) transition(jobID, from, to string, mutate func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != from {
		return domain.ErrConflict
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	return nil
}

func (s *fakeJobStore) CompleteJob(ctx context.Context, jobID string, result []byte) error {
	return s.transition(jobID, domain.JobStatusRunning, domain.JobStatusSucceeded, func(j *domain.Job) {
		j.Result = result
	})
}

func (s *fakeJobStore) FailJob(ctx context.Context, jobID, errorKind, errorMessage string) error {
	return s.transition(jobID, domain.JobStatusRunning, domain.JobStatusFailed, func(j *domain.Job) {
		j.ErrorKind = errorKind
		j.ErrorMessage = errorMessage
	})
}

func (s *fakeJobStore) CancelRunningJob(ctx context.Context, jobID string) error {
	return s.transition(jobID, domain.JobStatusRunning, domain.JobStatusCancelled, func(j *domain.Job) {
		j.ErrorKind = domain.ErrorKindCancelled
	})
}

func (s *fakeJobStore) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressUpdates = append(s.progressUpdates, progress)
	if j, ok := s.jobs[jobID]; ok {
		j.Progress = progress
	}
	return nil
}

func (s *fakeJobStore) UpdateHeartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeJobStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		return j.CancelRequested, nil
	}
	return false, domain.ErrJobNotFound
}

func (s *fakeJobStore) job(jobID string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.jobs[jobID]
	return &copied
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []struct {
		jobID  string
		failed bool
	}
}

func (n *fakeNotifier) OnChildDone(ctx context.Context, job *domain.Job, failed bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct {
		jobID  string
		failed bool
	}{job.JobID, failed})
	return nil
}

func newTestWorker(store JobStore, handlers Registry, notifier BatchNotifier) *Worker {
	return NewWorker(&Config{
		Logger:            logger.NewNop().Logger,
		Store:             store,
		Handlers:          handlers,
		Notifier:          notifier,
		Lane:              "generation",
		Queue:             "jobs.generation",
		Concurrency:       1,
		HeartbeatInterval: time.Hour,
	})
}

func pendingJob(id, kind, spec string) *domain.Job {
	return &domain.Job{
		JobID:  id,
		Kind:   kind,
		Spec:   spec,
		Status: domain.JobStatusPending,
	}
}

func staticHandler(result []byte, err error) Handler {
	return func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
		return result, err
	}
}

func TestProcessJobSuccess(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`))
	handlers := Registry{
		domain.KindScrape: func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
			require.IsType(t, &domain.ScrapeSpec{}, spec)
			progress(5, 10)
			return []byte(`{"pages_fetched":10}`), nil
		},
	}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	require.NoError(t, err)
	job := store.job("job-1")
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.JSONEq(t, `{"pages_fetched":10}`, string(job.Result))
	assert.Equal(t, []float64{0.5}, store.progressUpdates)
}

func TestDuplicateDeliveryLosesClaim(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`))
	handlers := Registry{domain.KindScrape: staticHandler([]byte(`{}`), nil)}
	w := newTestWorker(store, handlers, nil)

	require.NoError(t, w.processJob(context.Background(), &domain.Message{JobID: "job-1"}))

	// Redelivery of the same descriptor: the claim CAS fails, no handler
	// runs, terminal state is untouched.
	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Equal(t, domain.JobStatusSucceeded, store.job("job-1").Status)
}

func TestHandlerFailureRecordsHandlerError(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`))
	handlers := Registry{domain.KindScrape: staticHandler(nil, errors.New("upstream returned 500"))}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	require.Error(t, err)
	job := store.job("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindHandler, job.ErrorKind)
	assert.Contains(t, job.ErrorMessage, "upstream returned 500")
}

func TestAcquisitionFailureRecordsResourceError(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindSingleGeneration, `{"prompt":"a fox"}`))
	handlers := Registry{
		domain.KindSingleGeneration: staticHandler(nil, gpu.ErrAcquisition(errors.New("model load failed"))),
	}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	require.Error(t, err)
	job := store.job("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindResource, job.ErrorKind)
}

func TestCancellationAtCheckpoint(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`))
	handlers := Registry{
		domain.KindScrape: func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
			return nil, domain.ErrCancelled
		},
	}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	assert.ErrorIs(t, err, domain.ErrCancelled)
	job := store.job("job-1")
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, domain.ErrorKindCancelled, job.ErrorKind)
}

func TestCancelRequestedBeforeStartSkipsHandler(t *testing.T) {
	job := pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`)
	job.CancelRequested = true
	store := newFakeJobStore(job)

	handlerRan := false
	handlers := Registry{
		domain.KindScrape: func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
			handlerRan = true
			return nil, nil
		},
	}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.False(t, handlerRan)
	assert.Equal(t, domain.JobStatusCancelled, store.job("job-1").Status)
}

func TestInvalidSpecFailsJob(t *testing.T) {
	store := newFakeJobStore(pendingJob("job-1", domain.KindSingleGeneration, `{"prompt":""}`))
	w := newTestWorker(store, Registry{domain.KindSingleGeneration: staticHandler(nil, nil)}, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	require.Error(t, err)
	job := store.job("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindHandler, job.ErrorKind)
}

func TestClaimStoreErrorIsTransient(t *testing.T) {
	store := newFakeJobStore()
	store.claimErr = errors.New("connection refused")
	w := newTestWorker(store, Registry{}, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	require.Error(t, err)
	assert.True(t, errors.As(err, &transientError{}))
}

func TestBatchChildNotifiesOrchestrator(t *testing.T) {
	batchID := "batch-1"
	index := 0
	job := pendingJob("job-1", domain.KindBatchItem, `{"prompt":"a fox"}`)
	job.BatchID = &batchID
	job.BatchIndex = &index
	store := newFakeJobStore(job)
	notifier := &fakeNotifier{}

	handlers := Registry{domain.KindBatchItem: staticHandler([]byte(`{}`), nil)}
	w := newTestWorker(store, handlers, notifier)

	require.NoError(t, w.processJob(context.Background(), &domain.Message{JobID: "job-1"}))

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "job-1", notifier.calls[0].jobID)
	assert.False(t, notifier.calls[0].failed)
}

func TestFailedBatchChildNotifiesAsFailed(t *testing.T) {
	batchID := "batch-1"
	index := 1
	job := pendingJob("job-1", domain.KindBatchItem, `{"prompt":"a fox"}`)
	job.BatchID = &batchID
	job.BatchIndex = &index
	store := newFakeJobStore(job)
	notifier := &fakeNotifier{}

	handlers := Registry{domain.KindBatchItem: staticHandler(nil, errors.New("boom"))}
	w := newTestWorker(store, handlers, notifier)

	require.Error(t, w.processJob(context.Background(), &domain.Message{JobID: "job-1"}))

	require.Len(t, notifier.calls, 1)
	assert.True(t, notifier.calls[0].failed)
}

func TestCancelCheckReflectsStoreFlag(t *testing.T) {
	job := pendingJob("job-1", domain.KindScrape, `{"source_url":"https://example.com"}`)
	store := newFakeJobStore(job)

	handlers := Registry{
		domain.KindScrape: func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
			require.False(t, cancelled())
			store.mu.Lock()
			store.jobs["job-1"].CancelRequested = true
			store.mu.Unlock()
			if cancelled() {
				return nil, domain.ErrCancelled
			}
			return []byte(`{}`), nil
		},
	}
	w := newTestWorker(store, handlers, nil)

	err := w.processJob(context.Background(), &domain.Message{JobID: "job-1"})

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.JobStatusCancelled, store.job("job-1").Status)
}
