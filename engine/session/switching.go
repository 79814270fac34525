package session

import "time"

// SwitchingContext is the estimated signal set the adaptive policy
// heuristic consults. When reinforcement-learning-based selection is
// unavailable (the common case), the heuristic below is authoritative.
type SwitchingContext struct {
	RequestComplexity float64
	TimePressure      bool
	CostSensitivity   float64
	QualityRequirement float64
	PersonaCount      int
	RecentConvergence []bool
}

// minSwitchInterval throttles how often the adaptive policy may change,
// preventing thrash between reconciliation strategies mid-session.
const minSwitchInterval = 300 * time.Second

// ChoosePolicy applies the fixed priority order: time pressure always
// wins (fastest available path); otherwise quality requirement favors
// consensus; a wide persona fan-out favors arbiter (worth the
// adjudication cost when there are many candidates to reconcile); cost
// sensitivity favors weighted-merge; first-win is the fallback.
func ChoosePolicy(ctx SwitchingContext) PolicyName {
	switch {
	case ctx.TimePressure:
		return PolicyFirstWin
	case ctx.QualityRequirement > 0.8:
		return PolicyConsensus
	case ctx.PersonaCount > 3:
		return PolicyArbiter
	case ctx.CostSensitivity > 0.7:
		return PolicyWeightedMerge
	default:
		return PolicyFirstWin
	}
}

// SwitchGate throttles policy switches to at most one per
// minSwitchInterval per session.
type SwitchGate struct {
	lastSwitch time.Time
	current    PolicyName
}

// NewSwitchGate starts with an initial policy and no switch history.
func NewSwitchGate(initial PolicyName) *SwitchGate {
	return &SwitchGate{current: initial}
}

// Evaluate returns the policy that should be active now: the proposed
// policy if the gate allows a switch (first call, or minSwitchInterval
// has elapsed since the last one), otherwise the currently active
// policy.
func (g *SwitchGate) Evaluate(now time.Time, proposed PolicyName) PolicyName {
	if proposed == g.current {
		return g.current
	}
	if g.lastSwitch.IsZero() || now.Sub(g.lastSwitch) >= minSwitchInterval {
		g.current = proposed
		g.lastSwitch = now
	}
	return g.current
}
