package gpu

import (
	"context"
	"fmt"
	"strings"

	"github.com/latentworks/studio-be/internal/domain"
)

// Runtime is the underlying compute context: base model weights plus fused
// LoRA adapters. The manager is the only holder of a Runtime reference; no
// other component touches it directly. Implementations may run natively, via
// FFI, or over IPC to a sidecar.
type Runtime interface {
	// LoadBase loads the base model weights.
	LoadBase(ctx context.Context) error

	// ApplyAdapters fuses the given ordered adapter configuration onto the
	// loaded base, replacing whatever configuration was fused before. An
	// empty list means base-only.
	ApplyAdapters(ctx context.Context, adapters []domain.AdapterRef) error

	// Unload releases base weights and adapters.
	Unload(ctx context.Context) error
}

// Lease records the currently fused adapter configuration. There is at most
// one active lease; it lives only inside the manager.
type Lease struct {
	Adapters    []domain.AdapterRef
	Fingerprint string
}

// fingerprint builds a canonical key for an ordered adapter configuration.
// Order matters: fusing A then B is not the same weights as B then A.
func fingerprint(adapters []domain.AdapterRef) string {
	if len(adapters) == 0 {
		return "base"
	}
	var b strings.Builder
	for i, a := range adapters {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s@%g", a.AdapterID, a.Weight)
	}
	return b.String()
}
