package gpu

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	swapTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "studio",
		Subsystem: "gpu",
		Name:      "adapter_swaps_total",
		Help:      "Adapter configuration swaps performed on the loaded base model.",
	})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "studio",
		Subsystem: "gpu",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting to acquire the GPU lock.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	lockHoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "studio",
		Subsystem: "gpu",
		Name:      "lock_hold_seconds",
		Help:      "Time the GPU lock was held between Acquire and Release.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
	})

	lockHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "studio",
		Subsystem: "gpu",
		Name:      "lock_held",
		Help:      "Whether the GPU lock is currently held (0 or 1).",
	})

	modelLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "studio",
		Subsystem: "gpu",
		Name:      "model_loaded",
		Help:      "Whether the base model is resident (0 or 1).",
	})
)
