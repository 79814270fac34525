package engine

import (
	"strings"

	"github.com/99souls/agprouter/engine/aimd"
	"github.com/99souls/agprouter/engine/models"
	"github.com/99souls/agprouter/engine/update"
)

// Config is the public configuration surface for the Router facade. It
// narrows the per-component configs (C1-C8) into one struct callers
// build once at process start, typically starting from DefaultConfig.
// New uses every section as given: fields left zero-valued are not
// replaced by defaults.
type Config struct {
	// RouterID identifies this router in OPEN negotiation, Route
	// origination, and loop prevention (originator_id / cluster_list).
	RouterID string
	// ADN is this router's Autonomous Domain Number, advertised in OPEN.
	ADN int

	Dampening       models.DampeningConfig
	HoldDown        models.HoldDownConfig
	Hysteresis      models.HysteresisConfig
	RouteSelection  models.RouteSelectionConfig
	SafeMode        models.SafeModeConfig
	ParallelSession models.ParallelSessionConfig
	AIMD            models.AIMDConfig
	Scheduler       models.SchedulerConfig

	// Verifier validates route attestations; nil defaults to a noop
	// verifier that accepts every route (attestation enforcement off).
	Verifier update.AttestationVerifier

	// AuditLogPath is where the session manager's hash-chained audit
	// log is appended. Empty disables audit emission entirely.
	AuditLogPath string
	// AuditKey is the HMAC key chaining the audit log. Required
	// (non-empty) whenever AuditLogPath is set.
	AuditKey []byte

	// AIMDBackend optionally shares congestion-window state across a
	// horizontally scaled deployment (e.g. aimd.NewRedisBackend). Nil
	// defaults to a single-process in-memory backend.
	AIMDBackend aimd.StateBackend

	// MetricsEnabled toggles metrics provider construction.
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled is
	// true: "prom" (default), "otel", or "noop".
	MetricsBackend string
}

// DefaultConfig returns a Config with every component default applied
// and attestation enforcement disabled. RouterID and ADN are left for
// the caller to fill in — they have no meaningful default.
func DefaultConfig() Config {
	return Config{
		Dampening:       models.DefaultDampeningConfig(),
		HoldDown:        models.DefaultHoldDownConfig(),
		Hysteresis:      models.DefaultHysteresisConfig(),
		RouteSelection:  models.DefaultRouteSelectionConfig(),
		SafeMode:        models.DefaultSafeModeConfig(),
		ParallelSession: models.DefaultParallelSessionConfig(),
		AIMD:            models.DefaultAIMDConfig(),
		Scheduler:       models.DefaultSchedulerConfig(),
	}
}

func normalizeMetricsBackend(s string) string {
	switch strings.ToLower(s) {
	case "otel", "opentelemetry":
		return "otel"
	case "noop":
		return "noop"
	default:
		return "prom"
	}
}
