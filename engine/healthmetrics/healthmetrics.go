// Package healthmetrics implements the EWMA smoother and hysteresis gate
// that decide whether a raw health sample (typically p95 latency) is worth
// re-advertising (C2).
package healthmetrics

import (
	"math"
	"sync"
	"time"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

// EWMASmoother tracks s ← α·x + (1−α)·s, seeded by the first observation.
type EWMASmoother struct {
	alpha       float64
	value       float64
	initialized bool
}

// NewEWMASmoother constructs a smoother with the given alpha (0 < α ≤ 1).
func NewEWMASmoother(alpha float64) *EWMASmoother {
	return &EWMASmoother{alpha: alpha}
}

// Update folds in a new observation and returns the smoothed value.
func (s *EWMASmoother) Update(x float64) float64 {
	if !s.initialized {
		s.value = x
		s.initialized = true
		return s.value
	}
	s.value = s.alpha*x + (1-s.alpha)*s.value
	return s.value
}

// Smoothed returns the current smoothed value.
func (s *EWMASmoother) Smoothed() float64 { return s.value }

// Reset clears all internal state so the next Update is treated as the
// first observation again.
func (s *EWMASmoother) Reset() {
	s.value = 0
	s.initialized = false
}

// Processor gates advertisement of a single scalar metric stream behind
// EWMA smoothing and a percent-change + stabilization-period hysteresis.
// The first observation is always advertised; subsequent observations are
// advertised only when the percent change since the last advertised value
// is at least change_threshold_percent AND at least
// stabilization_period_seconds have elapsed since the last advertisement.
type Processor struct {
	cfg   models.HysteresisConfig
	clock clock.Clock

	mu                sync.Mutex
	ewma              *EWMASmoother
	lastAdvertised    float64
	hasAdvertised     bool
	lastChangeTime    time.Time
	suppressedUpdates uint64
}

// NewProcessor constructs a health metrics processor.
func NewProcessor(cfg models.HysteresisConfig, clk clock.Clock) *Processor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Processor{cfg: cfg, clock: clk, ewma: NewEWMASmoother(cfg.EWMAAlpha)}
}

// ShouldAdvertise feeds a raw sample through EWMA (if enabled) and the
// hysteresis gate, returning the value to advertise and whether it should
// be advertised at all.
func (p *Processor) ShouldAdvertise(sample float64) (value float64, advertise bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value = sample
	if p.cfg.EWMAEnabled {
		value = p.ewma.Update(sample)
	}

	now := p.clock.Now()
	if !p.hasAdvertised {
		p.lastAdvertised = value
		p.hasAdvertised = true
		p.lastChangeTime = now
		return value, true
	}

	percentChange := percentChange(p.lastAdvertised, value)
	elapsed := now.Sub(p.lastChangeTime)
	stabilized := elapsed >= time.Duration(p.cfg.StabilizationPeriodSecs)*time.Second

	if percentChange >= p.cfg.ChangeThresholdPercent && stabilized {
		p.lastAdvertised = value
		p.lastChangeTime = now
		return value, true
	}

	p.suppressedUpdates++
	return value, false
}

func percentChange(last, current float64) float64 {
	if last == 0 {
		if current == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(current-last) / math.Abs(last) * 100
}

// SuppressedUpdates returns the cumulative count of samples gated out.
func (p *Processor) SuppressedUpdates() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressedUpdates
}

// LastAdvertised returns the last value that passed the gate.
func (p *Processor) LastAdvertised() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdvertised, p.hasAdvertised
}

// Reset clears the smoother, last-advertised value, and suppressed counter.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ewma.Reset()
	p.lastAdvertised = 0
	p.hasAdvertised = false
	p.lastChangeTime = time.Time{}
	p.suppressedUpdates = 0
}
