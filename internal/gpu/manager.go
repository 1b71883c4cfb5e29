// Package gpu owns the exclusive GPU compute context: one base model plus a
// hot-swappable LoRA adapter configuration. Acquire/Release is a strict
// mutual-exclusion lock with a bounded wait queue; consecutive holders with
// the same adapter configuration skip the swap entirely, which is the hot
// path that amortizes load cost across batch items. An idle sweeper unloads
// everything after a configurable quiet period.
package gpu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latentworks/studio-be/internal/domain"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 5 * time.Minute
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Config holds manager tunables.
type Config struct {
	MaxQueueDepth int
	MaxWait       time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager serializes access to the GPU compute context.
type Manager struct {
	runtime Runtime
	logger  *slog.Logger

	maxWait       time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	slotCh  chan struct{} // size 1: single holder
	queueCh chan struct{} // buffered: bounded waiters

	mu       sync.Mutex
	loaded   bool
	lease    *Lease
	lastUsed time.Time

	swaps uint64
	loads uint64
}

// NewManager creates a Manager over the given runtime.
func NewManager(runtime Runtime, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	return &Manager{
		runtime:       runtime,
		logger:        logger,
		maxWait:       cfg.MaxWait,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		slotCh:        make(chan struct{}, 1),
		queueCh:       make(chan struct{}, cfg.MaxQueueDepth),
	}
}

// Handle represents a held lock. Release is idempotent and must run on every
// exit path; callers defer it immediately after a successful Acquire.
type Handle struct {
	m          *Manager
	acquiredAt time.Time
	once       sync.Once
}

// Release frees the lock.
func (h *Handle) Release() {
	h.once.Do(func() {
		lockHoldSeconds.Observe(time.Since(h.acquiredAt).Seconds())
		h.m.mu.Lock()
		h.m.lastUsed = time.Now()
		h.m.mu.Unlock()
		<-h.m.slotCh
		<-h.m.queueCh
		lockHeld.Set(0)
	})
}

// Acquire blocks until the GPU is free, then ensures the active lease matches
// the requested adapter configuration, swapping only when it differs. On any
// runtime failure the lock is released before returning, so the lock can
// never be stuck behind a failed load.
func (m *Manager) Acquire(ctx context.Context, adapters []domain.AdapterRef) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	waitStart := time.Now()

	// Reserve a bounded wait-queue slot without blocking: a full queue is
	// an immediate rejection, not another wait.
	select {
	case m.queueCh <- struct{}{}:
	default:
		return nil, busyError{reason: "wait queue full"}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-m.queueCh
		}
	}()

	// One deadline covers the whole acquisition, so a caller never waits
	// longer than maxWait end to end.
	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case m.slotCh <- struct{}{}:
		acquired = true
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, busyError{reason: "max wait elapsed"}
	}

	lockWaitSeconds.Observe(time.Since(waitStart).Seconds())

	if err := m.ensureLease(ctx, adapters); err != nil {
		<-m.slotCh
		acquired = false
		return nil, ErrAcquisition(err)
	}

	lockHeld.Set(1)
	return &Handle{m: m, acquiredAt: time.Now()}, nil
}

// ensureLease is called with the slot held. It loads the base on first use
// and swaps the adapter configuration only when the fingerprint differs.
func (m *Manager) ensureLease(ctx context.Context, adapters []domain.AdapterRef) error {
	want := fingerprint(adapters)

	m.mu.Lock()
	loaded := m.loaded
	var have string
	if m.lease != nil {
		have = m.lease.Fingerprint
	}
	m.mu.Unlock()

	if loaded && have == want {
		// Hot path: same configuration as the previous holder, no swap.
		m.touch()
		return nil
	}

	if !loaded {
		start := time.Now()
		if err := m.runtime.LoadBase(ctx); err != nil {
			return err
		}
		atomic.AddUint64(&m.loads, 1)
		m.logger.Info("Base model loaded",
			slog.Duration("load_time", time.Since(start)),
		)
	}

	start := time.Now()
	if err := m.runtime.ApplyAdapters(ctx, adapters); err != nil {
		// The runtime state is now unknown; force a full reload next time.
		m.mu.Lock()
		m.loaded = false
		m.lease = nil
		m.mu.Unlock()
		_ = m.runtime.Unload(ctx)
		return err
	}

	if loaded {
		atomic.AddUint64(&m.swaps, 1)
		swapTotal.Inc()
	}

	m.mu.Lock()
	m.loaded = true
	m.lease = &Lease{Adapters: adapters, Fingerprint: want}
	m.lastUsed = time.Now()
	m.mu.Unlock()
	modelLoaded.Set(1)

	m.logger.Info("Adapter configuration fused",
		slog.String("fingerprint", want),
		slog.Duration("swap_time", time.Since(start)),
	)

	return nil
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

// SwapCount returns how many adapter swaps have occurred. Used by tests and
// the status report.
func (m *Manager) SwapCount() uint64 {
	return atomic.LoadUint64(&m.swaps)
}

// LoadCount returns how many full base loads have occurred.
func (m *Manager) LoadCount() uint64 {
	return atomic.LoadUint64(&m.loads)
}

// Lease returns a copy of the active lease, or nil when nothing is loaded.
func (m *Manager) Lease() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return nil
	}
	cp := *m.lease
	return &cp
}

// Run sweeps for idle eviction until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown(context.Background())
			return
		case <-ticker.C:
			m.sweepIdle(ctx)
		}
	}
}

// sweepIdle unloads the runtime once it has sat idle past the threshold with
// no holder and no waiter. The next Acquire pays full load cost again.
func (m *Manager) sweepIdle(ctx context.Context) {
	m.mu.Lock()
	idle := m.loaded && time.Since(m.lastUsed) >= m.idleTimeout
	m.mu.Unlock()

	if !idle || len(m.queueCh) > 0 {
		return
	}

	// Take the slot without blocking; a holder or a racing waiter wins.
	select {
	case m.slotCh <- struct{}{}:
	default:
		return
	}
	defer func() { <-m.slotCh }()

	m.mu.Lock()
	stillIdle := m.loaded && time.Since(m.lastUsed) >= m.idleTimeout
	m.mu.Unlock()
	if !stillIdle {
		return
	}

	m.evict(ctx)
}

// evict unloads with the slot held.
func (m *Manager) evict(ctx context.Context) {
	if err := m.runtime.Unload(ctx); err != nil {
		m.logger.Error("Failed to unload idle runtime",
			slog.Any("error", err),
		)
		return
	}

	m.mu.Lock()
	m.loaded = false
	m.lease = nil
	m.mu.Unlock()
	modelLoaded.Set(0)

	m.logger.Info("Idle runtime evicted")
}

// Shutdown synchronously unloads the runtime if loaded, waiting for the slot.
func (m *Manager) Shutdown(ctx context.Context) {
	select {
	case m.slotCh <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-m.slotCh }()

	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if loaded {
		m.evict(ctx)
	}
}
