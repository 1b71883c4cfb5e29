package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/shared/logger"
)

// fakeSidecar emulates the async task API of the compute sidecars: submit
// returns a task id, polls walk through a scripted sequence of statuses,
// interrupt flips a flag.
type fakeSidecar struct {
	mu          sync.Mutex
	statuses    []taskStatus
	pollCount   int
	interrupted atomic.Bool
	submits     []string
}

func (f *fakeSidecar) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks/task-1/interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.interrupted.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.statuses[min(f.pollCount, len(f.statuses)-1)]
		f.pollCount++
		f.mu.Unlock()
		if err := json.NewEncoder(w).Encode(status); err != nil {
			t.Errorf("encode status: %v", err)
		}
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.submits = append(f.submits, r.URL.Path)
		f.mu.Unlock()
		if err := json.NewEncoder(w).Encode(taskRef{TaskID: "task-1"}); err != nil {
			t.Errorf("encode ref: %v", err)
		}
	})
	return mux
}

func newTestClient(t *testing.T, sidecar *fakeSidecar) *Client {
	srv := httptest.NewServer(sidecar.handler(t))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, 5*time.Second, logger.NewNop().Logger)
	c.pollInterval = time.Millisecond
	return c
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestGenerateReportsProgressAndResult(t *testing.T) {
	sidecar := &fakeSidecar{statuses: []taskStatus{
		{State: taskStateRunning, Step: 5, TotalSteps: 20},
		{State: taskStateRunning, Step: 15, TotalSteps: 20},
		{State: taskStateDone, Step: 20, TotalSteps: 20, Result: mustRaw(t, GenerationResult{
			ImageURI: "s3://out/img.png",
			Seed:     42,
		})},
	}}
	client := newTestClient(t, sidecar)

	var reported [][2]int
	result, err := client.Generate(context.Background(), &domain.GenerationSpec{Prompt: "a fox"},
		func(completed, total int) { reported = append(reported, [2]int{completed, total}) },
		func() bool { return false },
	)

	require.NoError(t, err)
	assert.Equal(t, "s3://out/img.png", result.ImageURI)
	assert.Equal(t, int64(42), result.Seed)
	assert.Equal(t, []string{"/v1/txt2img"}, sidecar.submits)
	require.NotEmpty(t, reported)
	assert.Equal(t, [2]int{5, 20}, reported[0])
	assert.Equal(t, [2]int{20, 20}, reported[len(reported)-1])
}

func TestGenerateCancellationInterruptsTask(t *testing.T) {
	sidecar := &fakeSidecar{statuses: []taskStatus{
		{State: taskStateRunning, Step: 1, TotalSteps: 20},
	}}
	client := newTestClient(t, sidecar)

	var polls atomic.Int32
	_, err := client.Generate(context.Background(), &domain.GenerationSpec{Prompt: "a fox"},
		nil,
		func() bool { return polls.Add(1) > 2 },
	)

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.True(t, sidecar.interrupted.Load())
}

func TestGenerateTaskFailure(t *testing.T) {
	sidecar := &fakeSidecar{statuses: []taskStatus{
		{State: taskStateFailed, Error: "CUDA out of memory"},
	}}
	client := newTestClient(t, sidecar)

	_, err := client.Generate(context.Background(), &domain.GenerationSpec{Prompt: "a fox"}, nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestTrainSubmitsToTrainEndpoint(t *testing.T) {
	sidecar := &fakeSidecar{statuses: []taskStatus{
		{State: taskStateDone, Result: mustRaw(t, TrainingResult{
			AdapterID:  "adp-9",
			AdapterURI: "s3://adapters/adp-9.safetensors",
			Epochs:     10,
		})},
	}}
	client := newTestClient(t, sidecar)

	result, err := client.Train(context.Background(), &domain.TrainingSpec{
		AdapterName: "style-a",
		DatasetURI:  "s3://datasets/style-a",
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "adp-9", result.AdapterID)
	assert.Equal(t, []string{"/v1/train"}, sidecar.submits)
}

func TestScrape(t *testing.T) {
	sidecar := &fakeSidecar{statuses: []taskStatus{
		{State: taskStateRunning, Step: 3, TotalSteps: 10},
		{State: taskStateDone, Result: mustRaw(t, ScrapeResult{
			PagesFetched: 10,
			ImageURIs:    []string{"s3://raw/a.png", "s3://raw/b.png"},
		})},
	}}
	client := newTestClient(t, sidecar)

	result, err := client.Scrape(context.Background(), &domain.ScrapeSpec{SourceURL: "https://example.com"}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 10, result.PagesFetched)
	assert.Len(t, result.ImageURIs, 2)
}

func TestLabelCaptionsEachImage(t *testing.T) {
	mux := http.NewServeMux()
	var mu sync.Mutex
	var requests int
	mux.HandleFunc("POST /v1/caption", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		var in struct {
			ImageURI string `json:"image_uri"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"caption": "caption of " + in.ImageURI})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 5*time.Second, logger.NewNop().Logger)

	var reported [][2]int
	result, err := client.Label(context.Background(), &domain.LabelingSpec{
		ImageURIs: []string{"a.png", "b.png", "c.png"},
	},
		func(completed, total int) { reported = append(reported, [2]int{completed, total}) },
		func() bool { return false },
	)

	require.NoError(t, err)
	assert.Equal(t, 3, requests)
	assert.Equal(t, "caption of b.png", result.Captions["b.png"])
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, reported)
}

func TestLabelStopsAtCancellationCheckpoint(t *testing.T) {
	mux := http.NewServeMux()
	var mu sync.Mutex
	var requests int
	mux.HandleFunc("POST /v1/caption", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"caption": "x"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 5*time.Second, logger.NewNop().Logger)

	var checks int
	_, err := client.Label(context.Background(), &domain.LabelingSpec{
		ImageURIs: []string{"a.png", "b.png", "c.png"},
	}, nil, func() bool {
		checks++
		return checks > 2
	})

	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 2, requests)
}

func TestSubmitRejectsEmptyTaskID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/txt2img", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskRef{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 5*time.Second, logger.NewNop().Logger)

	_, err := client.Generate(context.Background(), &domain.GenerationSpec{Prompt: "x"}, nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty task id")
}
