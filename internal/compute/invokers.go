package compute

import (
	"context"
	"fmt"

	"github.com/latentworks/studio-be/internal/domain"
)

// Generate submits a txt2img task to the diffusion sidecar and polls it to
// completion. The GPU lock is expected to be held by the caller for the
// whole call.
func (c *Client) Generate(ctx context.Context, spec *domain.GenerationSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*GenerationResult, error) {
	taskID, err := c.submitTask(ctx, "/v1/txt2img", spec)
	if err != nil {
		return nil, fmt.Errorf("failed to submit generation: %w", err)
	}

	var result GenerationResult
	if err := c.pollTask(ctx, taskID, progress, cancelled, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Train submits a LoRA training task and polls it to completion. Progress
// units are epochs; cancellation is observed between epochs.
func (c *Client) Train(ctx context.Context, spec *domain.TrainingSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*TrainingResult, error) {
	taskID, err := c.submitTask(ctx, "/v1/train", spec)
	if err != nil {
		return nil, fmt.Errorf("failed to submit training: %w", err)
	}

	var result TrainingResult
	if err := c.pollTask(ctx, taskID, progress, cancelled, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Scrape submits a crawl task to the scraper service and polls it. Progress
// units are pages.
func (c *Client) Scrape(ctx context.Context, spec *domain.ScrapeSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*ScrapeResult, error) {
	taskID, err := c.submitTask(ctx, "/v1/scrape", spec)
	if err != nil {
		return nil, fmt.Errorf("failed to submit scrape: %w", err)
	}

	var result ScrapeResult
	if err := c.pollTask(ctx, taskID, progress, cancelled, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Label captions each image with one request to the vision service, checking
// cancellation and reporting progress between items.
func (c *Client) Label(ctx context.Context, spec *domain.LabelingSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*LabelingResult, error) {
	result := &LabelingResult{Captions: make(map[string]string, len(spec.ImageURIs))}

	total := len(spec.ImageURIs)
	for i, uri := range spec.ImageURIs {
		if cancelled != nil && cancelled() {
			return nil, domain.ErrCancelled
		}

		var out struct {
			Caption string `json:"caption"`
		}
		payload := map[string]string{
			"image_uri": uri,
			"tag_mode":  spec.TagMode,
		}
		if err := c.postJSON(ctx, "/v1/caption", payload, &out); err != nil {
			return nil, fmt.Errorf("failed to caption %s: %w", uri, err)
		}

		result.Captions[uri] = out.Caption
		if progress != nil {
			progress(i+1, total)
		}
	}

	return result, nil
}
