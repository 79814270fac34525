// Package aimd implements the per-session AIMD congestion window (C7):
// additive increase on healthy feedback, multiplicative decrease
// otherwise, with a pluggable state backend so a horizontally scaled
// deployment can share window state across instances.
package aimd

import (
	"context"
	"math"
	"time"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

// WindowState is one session's congestion window plus the time it was
// last touched, the unit a StateBackend persists.
type WindowState struct {
	Window     int       `json:"window"`
	LastUpdate time.Time `json:"last_update"`
}

// StateBackend stores per-session window state. The in-memory backend
// (default) is a single process's view; RedisBackend shares state across
// a horizontally scaled deployment.
type StateBackend interface {
	Get(ctx context.Context, session string) (WindowState, bool, error)
	Set(ctx context.Context, session string, state WindowState) error
	Delete(ctx context.Context, session string) error
	// PruneIdle removes entries whose LastUpdate is before now.Add(-ttl).
	// Backends whose storage already expires keys natively (e.g. Redis
	// TTLs) may implement this as a no-op.
	PruneIdle(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// Controller computes and persists AIMD feedback decisions for sessions.
type Controller struct {
	cfg     models.AIMDConfig
	clock   clock.Clock
	backend StateBackend
}

// New constructs a Controller. A nil backend defaults to an in-memory
// one.
func New(cfg models.AIMDConfig, clk clock.Clock, backend StateBackend) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	return &Controller{cfg: cfg, clock: clk, backend: backend}
}

// Get returns the current window for a session, defaulting to
// initial_window if the session has no recorded state.
func (c *Controller) Get(ctx context.Context, session string) (int, error) {
	state, ok, err := c.backend.Get(ctx, session)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.cfg.InitialWindow, nil
	}
	return state.Window, nil
}

// Feedback applies one AIMD step: additive increase when ok and
// latency_ms is within the configured target, otherwise multiplicative
// decrease by β (floor 1).
func (c *Controller) Feedback(ctx context.Context, session string, latencyMs float64, ok bool) (int, error) {
	state, exists, err := c.backend.Get(ctx, session)
	if err != nil {
		return 0, err
	}
	window := c.cfg.InitialWindow
	if exists {
		window = state.Window
	}

	if ok && latencyMs <= c.cfg.LatencyTargetMs {
		window = window + 1
		if window > c.cfg.MaxWindow {
			window = c.cfg.MaxWindow
		}
	} else {
		window = int(math.Floor(float64(window) * c.cfg.MultiplicativeDecrease))
		if window < 1 {
			window = 1
		}
	}

	now := c.clock.Now()
	if err := c.backend.Set(ctx, session, WindowState{Window: window, LastUpdate: now}); err != nil {
		return 0, err
	}
	return window, nil
}

// PruneIdle removes sessions untouched beyond the configured idle TTL
// (or an explicit override when ttl > 0).
func (c *Controller) PruneIdle(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = c.cfg.IdleTTL
	}
	return c.backend.PruneIdle(ctx, c.clock.Now(), ttl)
}

// Reset drops a session's window state entirely, e.g. on session close.
func (c *Controller) Reset(ctx context.Context, session string) error {
	return c.backend.Delete(ctx, session)
}
