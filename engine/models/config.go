package models

import "time"

// DampeningConfig controls route-flap penalty accounting and decay.
type DampeningConfig struct {
	PenaltyPerFlap    float64       `yaml:"penalty_per_flap" json:"penalty_per_flap"`
	SuppressThreshold float64       `yaml:"suppress_threshold" json:"suppress_threshold"`
	ReuseThreshold    float64       `yaml:"reuse_threshold" json:"reuse_threshold"`
	MaxPenalty        float64       `yaml:"max_penalty" json:"max_penalty"`
	HalfLifeMinutes   float64       `yaml:"half_life_minutes" json:"half_life_minutes"`
	MaxFlapsPerMinute int           `yaml:"max_flaps_per_minute" json:"max_flaps_per_minute"`
}

// DefaultDampeningConfig mirrors the originating service's defaults.
func DefaultDampeningConfig() DampeningConfig {
	return DampeningConfig{
		PenaltyPerFlap:    1000,
		SuppressThreshold: 2000,
		ReuseThreshold:    750,
		MaxPenalty:        16000,
		HalfLifeMinutes:   15,
		MaxFlapsPerMinute: 6,
	}
}

// HalfLife returns the configured half-life as a duration.
func (c DampeningConfig) HalfLife() time.Duration {
	return time.Duration(c.HalfLifeMinutes * float64(time.Minute))
}

// HoldDownConfig controls the mutually exclusive hold-down/grace timers.
type HoldDownConfig struct {
	PersistSeconds int `yaml:"persist_seconds" json:"persist_seconds"`
	GraceSeconds   int `yaml:"grace_seconds" json:"grace_seconds"`
}

// DefaultHoldDownConfig mirrors the originating service's defaults.
func DefaultHoldDownConfig() HoldDownConfig {
	return HoldDownConfig{PersistSeconds: 8, GraceSeconds: 5}
}

// HysteresisConfig controls EWMA smoothing and the advertise-gate.
type HysteresisConfig struct {
	ChangeThresholdPercent  float64 `yaml:"change_threshold_percent" json:"change_threshold_percent"`
	StabilizationPeriodSecs int     `yaml:"stabilization_period_seconds" json:"stabilization_period_seconds"`
	EWMAAlpha               float64 `yaml:"ewma_alpha" json:"ewma_alpha"`
	EWMAEnabled             bool    `yaml:"ewma_enabled" json:"ewma_enabled"`
}

// DefaultHysteresisConfig mirrors the originating service's defaults.
func DefaultHysteresisConfig() HysteresisConfig {
	return HysteresisConfig{
		ChangeThresholdPercent:  10.0,
		StabilizationPeriodSecs: 5,
		EWMAAlpha:               0.1,
		EWMAEnabled:             true,
	}
}

// SafeModeConfig controls the last-known-good snapshot fallback.
type SafeModeConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	SnapshotPath     string `yaml:"snapshot_path" json:"snapshot_path"`
	MaxRetries       int    `yaml:"max_retries" json:"max_retries"`
	RetryDelaySecs   int    `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
}

// DefaultSafeModeConfig mirrors the originating service's defaults.
func DefaultSafeModeConfig() SafeModeConfig {
	return SafeModeConfig{
		Enabled:        true,
		SnapshotPath:   "/var/lib/agprouter/snapshots/last_known_good.json",
		MaxRetries:     3,
		RetryDelaySecs: 5,
	}
}

// QoSBufferMultipliers scales a session's buffer size limit by QoS tier:
// tighter windows for low-latency tiers, looser for best-effort ones.
type QoSBufferMultipliers struct {
	Gold   float64 `yaml:"gold" json:"gold"`
	Silver float64 `yaml:"silver" json:"silver"`
	Bronze float64 `yaml:"bronze" json:"bronze"`
}

// DefaultQoSBufferMultipliers mirrors the originating service's defaults.
func DefaultQoSBufferMultipliers() QoSBufferMultipliers {
	return QoSBufferMultipliers{Gold: 0.5, Silver: 1.0, Bronze: 2.0}
}

// ParallelSessionConfig controls buffering, timeouts and reconciliation
// knobs for a parallel session.
type ParallelSessionConfig struct {
	MaxBufferTokens        int                   `yaml:"max_buffer_tokens" json:"max_buffer_tokens"`
	ReconciliationTimeoutS int                   `yaml:"reconciliation_timeout_s" json:"reconciliation_timeout_s"`
	BufferTimeoutS         int                   `yaml:"buffer_timeout_s" json:"buffer_timeout_s"`
	QoSBufferMultipliers   QoSBufferMultipliers  `yaml:"qos_buffer_multipliers" json:"qos_buffer_multipliers"`
	ReconciliationPolicy   string                `yaml:"reconciliation_policy" json:"reconciliation_policy"`
	ArbiterMaxUSD          float64               `yaml:"arbiter_max_usd" json:"arbiter_max_usd"`
	AdaptiveEnabled        bool                  `yaml:"adaptive_enabled" json:"adaptive_enabled"`
}

// DefaultParallelSessionConfig mirrors the originating service's defaults.
func DefaultParallelSessionConfig() ParallelSessionConfig {
	return ParallelSessionConfig{
		MaxBufferTokens:        4096,
		ReconciliationTimeoutS: 30,
		BufferTimeoutS:         5,
		QoSBufferMultipliers:   DefaultQoSBufferMultipliers(),
		ReconciliationPolicy:   "first-win",
		ArbiterMaxUSD:          0.10,
		AdaptiveEnabled:        false,
	}
}

// AIMDConfig controls the per-session congestion window.
type AIMDConfig struct {
	InitialWindow    int           `yaml:"initial_window" json:"initial_window"`
	MaxWindow        int           `yaml:"max_window" json:"max_window"`
	LatencyTargetMs  float64       `yaml:"latency_target_ms" json:"latency_target_ms"`
	MultiplicativeDecrease float64 `yaml:"multiplicative_decrease" json:"multiplicative_decrease"`
	IdleTTL          time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

// DefaultAIMDConfig mirrors the originating service's defaults.
func DefaultAIMDConfig() AIMDConfig {
	return AIMDConfig{
		InitialWindow:          4,
		MaxWindow:              64,
		LatencyTargetMs:        2000,
		MultiplicativeDecrease: 0.5,
		IdleTTL:                10 * time.Minute,
	}
}

// SchedulerConfig controls the fair-queue scheduler.
type SchedulerConfig struct {
	DefaultWeight      float64       `yaml:"default_weight" json:"default_weight"`
	MinWeight          float64       `yaml:"min_weight" json:"min_weight"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	BoostFactor        float64       `yaml:"boost_factor" json:"boost_factor"`
	BoostDecayPerSec   float64       `yaml:"boost_decay_per_sec" json:"boost_decay_per_sec"`
	MinStarvationWaitMs float64      `yaml:"min_starvation_wait_ms" json:"min_starvation_wait_ms"`
	QoSPriorityEnabled bool          `yaml:"qos_priority_enabled" json:"qos_priority_enabled"`
}

// DefaultSchedulerConfig mirrors the originating service's defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DefaultWeight:       1.0,
		MinWeight:           0.1,
		AcquireTimeout:      5 * time.Second,
		BoostFactor:         2.0,
		BoostDecayPerSec:    0.5,
		MinStarvationWaitMs: 10,
		QoSPriorityEnabled:  true,
	}
}
