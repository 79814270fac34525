// Package dampening implements route-flap penalty accounting and the
// mutually exclusive hold-down/grace timers (C1). Penalty decay follows the
// RFC 2439-style formula p·2^(−Δt/half_life); suppression engages at
// suppress_threshold and clears once penalty has decayed below
// reuse_threshold.
package dampening

import (
	"math"
	"sync"
	"time"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

// Info is a read-only view of a prefix's dampening state, suitable for
// snapshots and the external get_dampening_info accessor.
type Info struct {
	Prefix      string    `json:"prefix"`
	Penalty     float64   `json:"penalty"`
	FlapCount   int       `json:"flap_count"`
	Suppressed  bool      `json:"suppressed"`
	LastFlapAt  time.Time `json:"last_flap_at"`
}

// HoldDownInfo is a read-only view of a prefix's hold-down/grace state.
type HoldDownInfo struct {
	Prefix           string     `json:"prefix"`
	HoldDownUntil    *time.Time `json:"hold_down_until,omitempty"`
	GracePeriodUntil *time.Time `json:"grace_period_until,omitempty"`
}

type penaltyState struct {
	penalty    float64
	lastFlapAt time.Time
	flapCount  int
	suppressed bool
	// flapTimes is a rolling window of flap timestamps used by the
	// independent flap-rate guard (max_flaps_per_minute).
	flapTimes []time.Time
}

type timerState struct {
	holdDownUntil    time.Time
	gracePeriodUntil time.Time
}

// Tracker accounts route-flap penalties and hold-down/grace timers per
// prefix. All accessors decay the stored penalty to the present moment
// before reading it, so penalty and suppression state are always current
// without a background sweep (CleanupExpiredStates is provided to drop
// expired hold-down/grace timer entries; penalty entries are kept).
type Tracker struct {
	cfg       models.DampeningConfig
	holdCfg   models.HoldDownConfig
	clock     clock.Clock

	mu        sync.Mutex
	penalties map[string]*penaltyState
	timers    map[string]*timerState

	holdDownEventsTotal  uint64
	graceEventsTotal     uint64
}

// New constructs a Tracker with the given configuration and clock.
func New(cfg models.DampeningConfig, holdCfg models.HoldDownConfig, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		cfg:       cfg,
		holdCfg:   holdCfg,
		clock:     clk,
		penalties: make(map[string]*penaltyState),
		timers:    make(map[string]*timerState),
	}
}

func (t *Tracker) decayLocked(ps *penaltyState, now time.Time) {
	if ps.penalty == 0 {
		return
	}
	elapsed := now.Sub(ps.lastFlapAt)
	if elapsed <= 0 {
		return
	}
	halfLife := t.cfg.HalfLife()
	if halfLife <= 0 {
		return
	}
	decayed := ps.penalty * math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
	if decayed < 0.001 {
		decayed = 0
	}
	ps.penalty = decayed
}

// RecordFlap decays the current penalty to now, adds penalty_per_flap
// (clamped to max_penalty), and engages suppression if the penalty crosses
// suppress_threshold. It also feeds the independent flap-rate guard.
func (t *Tracker) RecordFlap(prefix string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.penalties[prefix]
	if ps == nil {
		ps = &penaltyState{}
		t.penalties[prefix] = ps
	}
	t.decayLocked(ps, now)

	ps.penalty += t.cfg.PenaltyPerFlap
	if ps.penalty > t.cfg.MaxPenalty {
		ps.penalty = t.cfg.MaxPenalty
	}
	ps.lastFlapAt = now
	ps.flapCount++

	ps.flapTimes = append(ps.flapTimes, now)
	cutoff := now.Add(-time.Minute)
	kept := ps.flapTimes[:0]
	for _, ft := range ps.flapTimes {
		if ft.After(cutoff) {
			kept = append(kept, ft)
		}
	}
	ps.flapTimes = kept

	if ps.penalty >= t.cfg.SuppressThreshold {
		ps.suppressed = true
	}
	if t.cfg.MaxFlapsPerMinute > 0 && len(ps.flapTimes) > t.cfg.MaxFlapsPerMinute {
		ps.suppressed = true
	}
}

// IsSuppressed reports whether the prefix is currently suppressed, after
// decaying and re-evaluating the reuse threshold.
func (t *Tracker) IsSuppressed(prefix string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.penalties[prefix]
	if ps == nil {
		return false
	}
	t.decayLocked(ps, now)
	if ps.suppressed && ps.penalty < t.cfg.ReuseThreshold {
		ps.suppressed = false
	}
	return ps.suppressed
}

// GetDampeningInfo returns the current (decayed) dampening state for a
// prefix, for diagnostics and snapshot serialization.
func (t *Tracker) GetDampeningInfo(prefix string) Info {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.penalties[prefix]
	if ps == nil {
		return Info{Prefix: prefix}
	}
	t.decayLocked(ps, now)
	if ps.suppressed && ps.penalty < t.cfg.ReuseThreshold {
		ps.suppressed = false
	}
	return Info{
		Prefix:     prefix,
		Penalty:    ps.penalty,
		FlapCount:  ps.flapCount,
		Suppressed: ps.suppressed,
		LastFlapAt: ps.lastFlapAt,
	}
}

// NonZeroPenalties returns a snapshot-ready map of prefixes whose decayed
// penalty is still nonzero.
func (t *Tracker) NonZeroPenalties() map[string]Info {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Info)
	for prefix, ps := range t.penalties {
		t.decayLocked(ps, now)
		if ps.penalty > 0 {
			out[prefix] = Info{Prefix: prefix, Penalty: ps.penalty, FlapCount: ps.flapCount, Suppressed: ps.suppressed, LastFlapAt: ps.lastFlapAt}
		}
	}
	return out
}

// RestoreState repopulates the tracker from a snapshot's dampening states,
// clearing whatever was present before.
func (t *Tracker) RestoreState(states map[string]Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.penalties = make(map[string]*penaltyState, len(states))
	for prefix, info := range states {
		t.penalties[prefix] = &penaltyState{
			penalty:    info.Penalty,
			lastFlapAt: info.LastFlapAt,
			flapCount:  info.FlapCount,
			suppressed: info.Suppressed,
		}
	}
}

// ClearAll drops all dampening and timer state.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.penalties = make(map[string]*penaltyState)
	t.timers = make(map[string]*timerState)
}

// RecordHealthChange starts hold-down on degradation or grace on recovery.
// Starting one clears any pending state of the other (mutual exclusion);
// a repeated event of the same kind within its own active window does not
// extend the deadline.
func (t *Tracker) RecordHealthChange(prefix string, degraded bool) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.timers[prefix]
	if ts == nil {
		ts = &timerState{}
		t.timers[prefix] = ts
	}
	if degraded {
		ts.gracePeriodUntil = time.Time{}
		if ts.holdDownUntil.IsZero() || !ts.holdDownUntil.After(now) {
			ts.holdDownUntil = now.Add(time.Duration(t.holdCfg.PersistSeconds) * time.Second)
		}
	} else {
		ts.holdDownUntil = time.Time{}
		if ts.gracePeriodUntil.IsZero() || !ts.gracePeriodUntil.After(now) {
			ts.gracePeriodUntil = now.Add(time.Duration(t.holdCfg.GraceSeconds) * time.Second)
		}
	}
}

// ShouldDelayWithdrawal reports whether a withdrawal for this prefix must
// be deferred because it is currently held down, incrementing the
// hold-down event counter when it defers.
func (t *Tracker) ShouldDelayWithdrawal(prefix string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.timers[prefix]
	if ts == nil || ts.holdDownUntil.IsZero() {
		return false
	}
	if ts.holdDownUntil.After(now) {
		t.holdDownEventsTotal++
		return true
	}
	ts.holdDownUntil = time.Time{}
	return false
}

// ShouldDelayAdvertisement reports whether a re-advertisement for this
// prefix must be deferred because it is currently in its grace period,
// incrementing the grace event counter when it defers.
func (t *Tracker) ShouldDelayAdvertisement(prefix string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.timers[prefix]
	if ts == nil || ts.gracePeriodUntil.IsZero() {
		return false
	}
	if ts.gracePeriodUntil.After(now) {
		t.graceEventsTotal++
		return true
	}
	ts.gracePeriodUntil = time.Time{}
	return false
}

// GetHoldDownInfo returns the current hold-down/grace deadlines for a
// prefix, omitting fields that are unset.
func (t *Tracker) GetHoldDownInfo(prefix string) HoldDownInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.timers[prefix]
	info := HoldDownInfo{Prefix: prefix}
	if ts == nil {
		return info
	}
	if !ts.holdDownUntil.IsZero() {
		hd := ts.holdDownUntil
		info.HoldDownUntil = &hd
	}
	if !ts.gracePeriodUntil.IsZero() {
		gp := ts.gracePeriodUntil
		info.GracePeriodUntil = &gp
	}
	return info
}

// HoldDownEventsTotal returns the cumulative count of deferred withdrawals.
func (t *Tracker) HoldDownEventsTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holdDownEventsTotal
}

// GraceEventsTotal returns the cumulative count of deferred advertisements.
func (t *Tracker) GraceEventsTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graceEventsTotal
}

// CleanupExpiredStates drops timer entries whose hold-down and grace
// deadlines have both passed, bounding map growth for prefixes that are no
// longer flapping or recovering.
func (t *Tracker) CleanupExpiredStates() {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for prefix, ts := range t.timers {
		holdActive := !ts.holdDownUntil.IsZero() && ts.holdDownUntil.After(now)
		graceActive := !ts.gracePeriodUntil.IsZero() && ts.gracePeriodUntil.After(now)
		if !holdActive && !graceActive {
			delete(t.timers, prefix)
		}
	}
}
