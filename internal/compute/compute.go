// Package compute defines the opaque per-kind compute functions the
// scheduler dispatches to. The scheduler never looks inside a handler: each
// function takes a typed input spec, a progress callback, and a
// cancellation-check callback, and returns a result or an error. Whether a
// function runs natively, over FFI, or against a sidecar process is a
// per-kind decision made here, not in the worker.
package compute

import (
	"context"

	"github.com/latentworks/studio-be/internal/domain"
)

// ProgressFunc reports completed work units out of a total. Implementations
// call it between inference steps / epochs / pages.
type ProgressFunc func(completed, total int)

// CancelCheckFunc reports whether cooperative cancellation was requested.
// Compute functions poll it at checkpoints; there is no preemptive kill.
type CancelCheckFunc func() bool

// GenerationResult is the output of a generation compute call.
type GenerationResult struct {
	ImageURI     string `json:"image_uri"`
	ThumbnailURI string `json:"thumbnail_uri,omitempty"`
	Seed         int64  `json:"seed"`
}

// TrainingResult is the output of a LoRA training run.
type TrainingResult struct {
	AdapterID  string `json:"adapter_id"`
	AdapterURI string `json:"adapter_uri"`
	Epochs     int    `json:"epochs"`
}

// ScrapeResult is the output of a scrape run.
type ScrapeResult struct {
	PagesFetched int      `json:"pages_fetched"`
	ImageURIs    []string `json:"image_uris"`
}

// LabelingResult is the output of a vision-labeling run.
type LabelingResult struct {
	Captions map[string]string `json:"captions"` // image URI -> caption
}

// Generator produces an image from a generation spec.
type Generator interface {
	Generate(ctx context.Context, spec *domain.GenerationSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*GenerationResult, error)
}

// Trainer trains a LoRA adapter.
type Trainer interface {
	Train(ctx context.Context, spec *domain.TrainingSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*TrainingResult, error)
}

// Scraper collects reference images from an external source.
type Scraper interface {
	Scrape(ctx context.Context, spec *domain.ScrapeSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*ScrapeResult, error)
}

// Labeler captions images via a remote vision model.
type Labeler interface {
	Label(ctx context.Context, spec *domain.LabelingSpec, progress ProgressFunc, cancelled CancelCheckFunc) (*LabelingResult, error)
}
