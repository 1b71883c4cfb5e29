// Package admission gatekeeps job submission before any record is created:
// per-caller rate limit, per-caller concurrency cap, and an optional global
// backlog ceiling. Rejections are synchronous; nothing is persisted for a
// rejected submission.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// StoreCounter is the read-only store view admission decisions need.
type StoreCounter interface {
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	CountBacklog(ctx context.Context) (int, error)
}

// Config holds admission thresholds.
type Config struct {
	RatePerMinute     int
	RateBurst         int // defaults to RatePerMinute
	MaxActivePerOwner int
	MaxBacklog        int // 0 disables the global ceiling
}

// RateLimitedError reports a token-bucket rejection with the wait a caller
// should back off for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// CapacityError reports a per-caller concurrency cap rejection.
type CapacityError struct {
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("concurrency cap exceeded: %d of %d jobs active", e.Current, e.Max)
}

// ErrServiceBusy is returned when the global backlog ceiling is hit.
var ErrServiceBusy = errors.New("service busy: global backlog exceeded")

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsCapacityExceeded reports whether err is a concurrency-cap rejection.
func IsCapacityExceeded(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// limiter idle entries older than this are pruned on access.
const limiterIdleTTL = 15 * time.Minute

type ownerLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Controller applies admission policy per caller.
type Controller struct {
	store  StoreCounter
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*ownerLimiter
}

// NewController creates a Controller.
func NewController(store StoreCounter, config Config, logger *slog.Logger) *Controller {
	if config.RateBurst <= 0 {
		config.RateBurst = config.RatePerMinute
	}
	return &Controller{
		store:    store,
		config:   config,
		logger:   logger,
		limiters: make(map[string]*ownerLimiter),
	}
}

// Admit applies all three checks in order: rate limit, concurrency cap,
// global backlog. The first rejection wins.
func (c *Controller) Admit(ctx context.Context, ownerID string) error {
	return c.admitAt(ctx, ownerID, time.Now())
}

func (c *Controller) admitAt(ctx context.Context, ownerID string, now time.Time) error {
	lim := c.limiterFor(ownerID, now)

	reservation := lim.ReserveN(now, 1)
	if !reservation.OK() {
		return &RateLimitedError{RetryAfter: time.Minute}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		c.logger.Debug("Submission rate limited",
			slog.String("owner_id", ownerID),
			slog.Duration("retry_after", delay),
		)
		return &RateLimitedError{RetryAfter: delay}
	}

	active, err := c.store.CountActiveByOwner(ctx, ownerID)
	if err != nil {
		reservation.CancelAt(now)
		return fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= c.config.MaxActivePerOwner {
		reservation.CancelAt(now)
		c.logger.Debug("Submission over concurrency cap",
			slog.String("owner_id", ownerID),
			slog.Int("active", active),
		)
		return &CapacityError{Current: active, Max: c.config.MaxActivePerOwner}
	}

	if c.config.MaxBacklog > 0 {
		backlog, err := c.store.CountBacklog(ctx)
		if err != nil {
			reservation.CancelAt(now)
			return fmt.Errorf("failed to count backlog: %w", err)
		}
		if backlog >= c.config.MaxBacklog {
			reservation.CancelAt(now)
			return ErrServiceBusy
		}
	}

	return nil
}

// limiterFor returns the caller's token bucket, creating it on first use.
func (c *Controller) limiterFor(ownerID string, now time.Time) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.limiters[ownerID]
	if !ok {
		entry = &ownerLimiter{
			lim: rate.NewLimiter(rate.Limit(float64(c.config.RatePerMinute)/60.0), c.config.RateBurst),
		}
		c.limiters[ownerID] = entry
		c.pruneLocked(now)
	}
	entry.lastSeen = now

	return entry.lim
}

// pruneLocked drops limiters idle past the TTL so the map cannot grow
// unbounded across many one-off callers.
func (c *Controller) pruneLocked(now time.Time) {
	for owner, entry := range c.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(c.limiters, owner)
		}
	}
}
