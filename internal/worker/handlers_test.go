package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentworks/studio-be/internal/compute"
	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/gpu"
	"github.com/latentworks/studio-be/shared/logger"
)

type stubRuntime struct{}

func (stubRuntime) LoadBase(ctx context.Context) error                                  { return nil }
func (stubRuntime) ApplyAdapters(ctx context.Context, adapters []domain.AdapterRef) error { return nil }
func (stubRuntime) Unload(ctx context.Context) error                                    { return nil }

type stubGenerator struct {
	sawLease *gpu.Lease
	mgr      *gpu.Manager
	result   *compute.GenerationResult
	err      error
}

func (g *stubGenerator) Generate(ctx context.Context, spec *domain.GenerationSpec, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) (*compute.GenerationResult, error) {
	g.sawLease = g.mgr.Lease()
	return g.result, g.err
}

type stubTrainer struct {
	mgr      *gpu.Manager
	sawLease *gpu.Lease
}

func (tr *stubTrainer) Train(ctx context.Context, spec *domain.TrainingSpec, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) (*compute.TrainingResult, error) {
	tr.sawLease = tr.mgr.Lease()
	return &compute.TrainingResult{AdapterID: "adp-1"}, nil
}

func newTestManager(t *testing.T) *gpu.Manager {
	return gpu.NewManager(stubRuntime{}, gpu.Config{
		MaxQueueDepth: 1,
		MaxWait:       time.Second,
	}, logger.NewNop().Logger)
}

func TestGenerationHandlerHoldsLockWithSpecAdapters(t *testing.T) {
	mgr := newTestManager(t)
	gen := &stubGenerator{mgr: mgr, result: &compute.GenerationResult{ImageURI: "s3://out/a.png"}}
	handler := generationHandler(mgr, gen)

	spec := &domain.GenerationSpec{
		Prompt:   "a fox",
		Adapters: []domain.AdapterRef{{AdapterID: "style-a", Weight: 0.8}},
	}
	result, err := handler(context.Background(), spec, nil, nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"image_uri":"s3://out/a.png","seed":0}`, string(result))
	require.NotNil(t, gen.sawLease)
	assert.Equal(t, "style-a@0.8", gen.sawLease.Fingerprint)

	// The lock must be free again after the handler returns.
	handle, err := mgr.Acquire(context.Background(), nil)
	require.NoError(t, err)
	handle.Release()
}

func TestGenerationHandlerReleasesLockOnFailure(t *testing.T) {
	mgr := newTestManager(t)
	gen := &stubGenerator{mgr: mgr, err: domain.ErrCancelled}
	handler := generationHandler(mgr, gen)

	_, err := handler(context.Background(), &domain.GenerationSpec{Prompt: "a fox"}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrCancelled)

	handle, err := mgr.Acquire(context.Background(), nil)
	require.NoError(t, err)
	handle.Release()
}

func TestTrainingHandlerRunsOnBareBase(t *testing.T) {
	mgr := newTestManager(t)
	tr := &stubTrainer{mgr: mgr}
	handler := trainingHandler(mgr, tr)

	result, err := handler(context.Background(), &domain.TrainingSpec{
		AdapterName: "style-b",
		DatasetURI:  "s3://datasets/style-b",
	}, nil, nil)

	require.NoError(t, err)
	assert.Contains(t, string(result), "adp-1")
	require.NotNil(t, tr.sawLease)
	assert.Equal(t, "base", tr.sawLease.Fingerprint)
}

func TestHandlerRejectsMismatchedSpecType(t *testing.T) {
	mgr := newTestManager(t)
	handler := generationHandler(mgr, &stubGenerator{mgr: mgr})

	_, err := handler(context.Background(), &domain.TrainingSpec{}, nil, nil)

	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestNewRegistryCoversEveryKind(t *testing.T) {
	registry := NewRegistry(HandlerDeps{})
	for _, kind := range domain.Kinds {
		assert.Contains(t, registry, kind)
	}
}
