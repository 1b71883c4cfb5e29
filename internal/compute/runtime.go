package compute

import (
	"context"

	"github.com/latentworks/studio-be/internal/domain"
)

// SidecarRuntime drives model lifecycle on the diffusion sidecar. It backs
// the GPU manager's Runtime: loading base weights, fusing adapter
// configurations, and unloading on idle eviction. Lifecycle calls are
// synchronous on the sidecar side, unlike the async task API.
type SidecarRuntime struct {
	client        *Client
	baseModelPath string
}

// NewSidecarRuntime wraps a sidecar client as a model runtime.
func NewSidecarRuntime(client *Client, baseModelPath string) *SidecarRuntime {
	return &SidecarRuntime{client: client, baseModelPath: baseModelPath}
}

// LoadBase loads the base model weights.
func (r *SidecarRuntime) LoadBase(ctx context.Context) error {
	payload := map[string]string{"model_path": r.baseModelPath}
	return r.client.postJSON(ctx, "/v1/model/load", payload, nil)
}

// ApplyAdapters replaces the fused adapter configuration. An empty list
// strips all adapters back to base-only.
func (r *SidecarRuntime) ApplyAdapters(ctx context.Context, adapters []domain.AdapterRef) error {
	payload := map[string]interface{}{"adapters": adapters}
	if adapters == nil {
		payload["adapters"] = []domain.AdapterRef{}
	}
	return r.client.postJSON(ctx, "/v1/model/adapters", payload, nil)
}

// Unload releases the model weights.
func (r *SidecarRuntime) Unload(ctx context.Context) error {
	return r.client.postJSON(ctx, "/v1/model/unload", nil, nil)
}
