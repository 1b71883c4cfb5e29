package domain

import (
	"encoding/json"
	"fmt"
)

// AdapterRef is one entry of an ordered adapter configuration: a LoRA id and
// the weight it is fused with.
type AdapterRef struct {
	AdapterID string  `json:"adapter_id"`
	Weight    float64 `json:"weight"`
}

// GenerationSpec is the input of single_generation and batch_item jobs.
type GenerationSpec struct {
	Prompt         string       `json:"prompt"`
	NegativePrompt string       `json:"negative_prompt,omitempty"`
	Adapters       []AdapterRef `json:"adapters,omitempty"`
	Steps          int          `json:"steps,omitempty"`
	Width          int          `json:"width,omitempty"`
	Height         int          `json:"height,omitempty"`
	Seed           int64        `json:"seed,omitempty"`
}

// TrainingSpec is the input of training jobs.
type TrainingSpec struct {
	AdapterName string `json:"adapter_name"`
	DatasetURI  string `json:"dataset_uri"`
	Epochs      int    `json:"epochs,omitempty"`
	Rank        int    `json:"rank,omitempty"`
}

// ScrapeSpec is the input of scrape jobs.
type ScrapeSpec struct {
	SourceURL string `json:"source_url"`
	MaxPages  int    `json:"max_pages,omitempty"`
	Tags      string `json:"tags,omitempty"`
}

// LabelingSpec is the input of labeling jobs.
type LabelingSpec struct {
	ImageURIs []string `json:"image_uris"`
	TagMode   string   `json:"tag_mode,omitempty"`
}

// DecodeSpec unmarshals raw into the typed spec for kind. The scheduler
// itself never inspects specs beyond this validation step.
func DecodeSpec(kind, raw string) (interface{}, error) {
	var (
		out interface{}
		err error
	)
	switch kind {
	case KindSingleGeneration, KindBatchItem:
		var s GenerationSpec
		err = json.Unmarshal([]byte(raw), &s)
		if err == nil && s.Prompt == "" {
			err = fmt.Errorf("prompt is required")
		}
		out = &s
	case KindTraining:
		var s TrainingSpec
		err = json.Unmarshal([]byte(raw), &s)
		if err == nil && (s.AdapterName == "" || s.DatasetURI == "") {
			err = fmt.Errorf("adapter_name and dataset_uri are required")
		}
		out = &s
	case KindScrape:
		var s ScrapeSpec
		err = json.Unmarshal([]byte(raw), &s)
		if err == nil && s.SourceURL == "" {
			err = fmt.Errorf("source_url is required")
		}
		out = &s
	case KindLabeling:
		var s LabelingSpec
		err = json.Unmarshal([]byte(raw), &s)
		if err == nil && len(s.ImageURIs) == 0 {
			err = fmt.Errorf("image_uris is required")
		}
		out = &s
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return out, nil
}
