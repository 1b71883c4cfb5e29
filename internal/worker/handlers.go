package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latentworks/studio-be/internal/compute"
	"github.com/latentworks/studio-be/internal/domain"
	"github.com/latentworks/studio-be/internal/gpu"
)

// Handler executes one job kind. The decoded spec is the typed struct
// domain.DecodeSpec produces for the kind. Handlers return the result as
// JSON, or domain.ErrCancelled when they stopped at a cancellation
// checkpoint.
type Handler func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error)

// Registry maps job kinds to their handlers.
type Registry map[string]Handler

// HandlerDeps holds the compute backends handlers dispatch to. GPU may be
// nil for lanes whose kinds never touch the device.
type HandlerDeps struct {
	GPU       *gpu.Manager
	Generator compute.Generator
	Trainer   compute.Trainer
	Scraper   compute.Scraper
	Labeler   compute.Labeler
}

// NewRegistry builds the full handler table. Generation and training hold
// the GPU lock for the duration of the compute call; scraping and labeling
// never acquire it.
func NewRegistry(deps HandlerDeps) Registry {
	return Registry{
		domain.KindSingleGeneration: generationHandler(deps.GPU, deps.Generator),
		domain.KindBatchItem:        generationHandler(deps.GPU, deps.Generator),
		domain.KindTraining:         trainingHandler(deps.GPU, deps.Trainer),
		domain.KindScrape:           scrapeHandler(deps.Scraper),
		domain.KindLabeling:         labelingHandler(deps.Labeler),
	}
}

func generationHandler(mgr *gpu.Manager, gen compute.Generator) Handler {
	return func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
		genSpec, ok := spec.(*domain.GenerationSpec)
		if !ok {
			return nil, fmt.Errorf("%w: expected generation spec", domain.ErrInvalidSpec)
		}

		handle, err := mgr.Acquire(ctx, genSpec.Adapters)
		if err != nil {
			return nil, err
		}
		defer handle.Release()

		result, err := gen.Generate(ctx, genSpec, progress, cancelled)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

func trainingHandler(mgr *gpu.Manager, trainer compute.Trainer) Handler {
	return func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
		trainSpec, ok := spec.(*domain.TrainingSpec)
		if !ok {
			return nil, fmt.Errorf("%w: expected training spec", domain.ErrInvalidSpec)
		}

		// Training runs on the bare base model; any fused adapters are
		// swapped out first.
		handle, err := mgr.Acquire(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer handle.Release()

		result, err := trainer.Train(ctx, trainSpec, progress, cancelled)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

func scrapeHandler(scraper compute.Scraper) Handler {
	return func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
		scrapeSpec, ok := spec.(*domain.ScrapeSpec)
		if !ok {
			return nil, fmt.Errorf("%w: expected scrape spec", domain.ErrInvalidSpec)
		}

		result, err := scraper.Scrape(ctx, scrapeSpec, progress, cancelled)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

func labelingHandler(labeler compute.Labeler) Handler {
	return func(ctx context.Context, spec interface{}, progress compute.ProgressFunc, cancelled compute.CancelCheckFunc) ([]byte, error) {
		labelSpec, ok := spec.(*domain.LabelingSpec)
		if !ok {
			return nil, fmt.Errorf("%w: expected labeling spec", domain.ErrInvalidSpec)
		}

		result, err := labeler.Label(ctx, labelSpec, progress, cancelled)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}
