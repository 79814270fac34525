package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/99souls/agprouter/engine/audit"
	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
	"github.com/99souls/agprouter/engine/telemetry/tracing"
)

// PersonaSpec names a persona and how many clones of it to dispatch.
type PersonaSpec struct {
	PersonaID string
	Count     int
}

// Manager owns every live session: clone id allocation, creation,
// lookup, removal, the stale-session cleanup sweep, and the tracing +
// audit wrapping around reconciliation.
type Manager struct {
	cfg    models.ParallelSessionConfig
	clock  clock.Clock
	tracer tracing.Tracer
	logger *audit.Logger

	cloneCounter atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a session manager. A nil tracer defaults to a
// disabled (noop) tracer; logger may be nil to disable audit emission
// entirely (e.g. in unit tests that don't exercise it).
func NewManager(cfg models.ParallelSessionConfig, clk clock.Clock, tracer tracing.Tracer, logger *audit.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if tracer == nil {
		tracer = tracing.NewTracer(false)
	}
	return &Manager{cfg: cfg, clock: clk, tracer: tracer, logger: logger, sessions: make(map[string]*Session)}
}

// AllocateClones expands persona specs into globally unique clone ids:
// every clone takes the next value (starting at 1) of a single monotonic
// counter shared across the whole manager, so clone ids never collide
// across concurrently created sessions.
func (m *Manager) AllocateClones(specs []PersonaSpec) []Target {
	var targets []Target
	for _, spec := range specs {
		for i := 0; i < spec.Count; i++ {
			cloneID := int(m.cloneCounter.Add(1))
			targets = append(targets, Target{PersonaID: spec.PersonaID, CloneID: cloneID})
		}
	}
	return targets
}

// Create allocates a new session, records it, and emits a session_created
// audit entry.
func (m *Manager) Create(id string) *Session {
	s := New(id, m.cfg, m.clock)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.audit("session_created", map[string]any{"session_id": id})
	return s
}

// CreateWithGeneratedID allocates a new session under a fresh UUIDv4,
// for callers (e.g. an ingress handler) that don't have a natural
// session id of their own to hand in.
func (m *Manager) CreateWithGeneratedID() *Session {
	return m.Create(uuid.NewString())
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops a session from the manager's bookkeeping.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// CleanupExpired removes sessions older than maxAge, returning how many
// were swept.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.CreatedAt()) > maxAge {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) audit(event string, fields map[string]any) {
	if m.logger == nil {
		return
	}
	// Audit emission failures are not surfaced to the reconciliation
	// caller: losing an audit line must never fail the request it
	// documents. Chain verification happens offline, out of band.
	_ = m.logger.Append(event, fields, m.clock.Now())
}

// ReconcileSession runs a full reconciliation for the named session under
// a tracing span, then emits a reconciliation_complete audit entry.
func (m *Manager) ReconcileSession(ctx context.Context, id string, strategy Strategy) (Result, error) {
	s, ok := m.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("session: unknown session %q", id)
	}

	ctx, span := m.tracer.StartSpan(ctx, "session.reconcile")
	defer span.End()
	span.SetAttribute("session_id", id)
	span.SetAttribute("policy", string(strategy.Name()))

	if err := s.BeginReconciliation(); err != nil {
		return Result{}, err
	}
	result, err := strategy.FullReconcile(s)
	if err != nil {
		return Result{}, err
	}
	if err := s.Complete(); err != nil {
		return Result{}, err
	}

	m.audit("reconciliation_complete", map[string]any{
		"session_id": id,
		"policy":     string(result.Policy),
		"converged":  result.ResultsConverged,
	})
	return result, nil
}

// StreamingReconcileSession runs an incremental reconciliation against
// whatever personas have completed so far, without requiring the session
// to have reached BUFFERING/RECONCILING. Used by callers that want a
// partial result mid-stream when ShouldFlushPartial says it's worthwhile.
func (m *Manager) StreamingReconcileSession(ctx context.Context, id string, strategy Strategy) (Result, error) {
	s, ok := m.Get(id)
	if !ok {
		return Result{}, fmt.Errorf("session: unknown session %q", id)
	}

	ctx, span := m.tracer.StartSpan(ctx, "session.streaming_reconcile")
	defer span.End()
	span.SetAttribute("session_id", id)
	span.SetAttribute("policy", string(strategy.Name()))

	completed := s.CompletedPersonas()
	result, err := strategy.IncrementalReconcile(completed)
	if err != nil {
		return Result{}, err
	}

	m.audit("streaming_reconciliation", map[string]any{
		"session_id":  id,
		"policy":      string(result.Policy),
		"incremental": true,
	})
	return result, nil
}
