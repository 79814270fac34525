// Package engine composes C1-C8 into a single facade: peer negotiation,
// UPDATE ingestion, route selection, and the admission -> parallel
// session -> reconciliation path an ingress handler drives per request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/99souls/agprouter/engine/agp"
	"github.com/99souls/agprouter/engine/aimd"
	"github.com/99souls/agprouter/engine/audit"
	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/dampening"
	"github.com/99souls/agprouter/engine/healthmetrics"
	"github.com/99souls/agprouter/engine/routetable"
	"github.com/99souls/agprouter/engine/scheduler"
	"github.com/99souls/agprouter/engine/session"
	"github.com/99souls/agprouter/engine/telemetry/events"
	"github.com/99souls/agprouter/engine/telemetry/health"
	"github.com/99souls/agprouter/engine/telemetry/logging"
	"github.com/99souls/agprouter/engine/telemetry/metrics"
	"github.com/99souls/agprouter/engine/telemetry/tracing"
	"github.com/99souls/agprouter/engine/update"
)

// localAGPVersion is the version this router offers during OPEN
// negotiation. Bump the minor component when adding backward-compatible
// capabilities.
var localAGPVersion = agp.Version{Major: 1, Minor: 0}

// schedulerQueueUnhealthyDepth is the queued-session count past which
// the scheduler health probe reports unhealthy rather than degraded.
const schedulerQueueUnhealthyDepth = 100

// Stats aggregates the counters surfaced by each component into one
// snapshot for diagnostics and metrics scraping.
type Stats struct {
	Route     routetable.Stats
	Update    update.Stats
	Scheduler scheduler.Stats
}

// DispatchResult is what Dispatch hands back to an ingress caller: the
// parallel session it created, the dispatch targets allocated for it,
// and the admission permit that must be released (via CompleteDispatch
// or Permit.Release directly) once the request finishes.
type DispatchResult struct {
	Session *session.Session
	Targets []session.Target
	Permit  scheduler.Permit
}

// Router composes every component behind one construction surface. The
// zero value is not usable; construct with New.
type Router struct {
	cfg Config

	clock clock.Clock

	Dampening *dampening.Tracker
	Table     *routetable.Table
	Update    *update.Handler
	Sessions  *session.Manager
	AIMD      *aimd.Controller
	Scheduler *scheduler.Scheduler

	healthMu sync.Mutex
	health   map[string]*healthmetrics.Processor

	metricsProvider metrics.Provider
	eventBus        events.Bus
	healthEval      *health.Evaluator
	log             logging.Logger

	auditFile *os.File
}

// New constructs a Router from cfg, wiring the dampening tracker into
// the route table, the route table into the UPDATE handler, and a
// shared AIMD controller into the scheduler. A nil clk defaults every
// component to the real wall clock.
func New(cfg Config, clk clock.Clock) (*Router, error) {
	if cfg.RouterID == "" {
		return nil, errors.New("engine: RouterID is required")
	}
	if err := cfg.RouteSelection.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("engine: route selection weights: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}

	var logger *audit.Logger
	var auditFile *os.File
	if cfg.AuditLogPath != "" {
		l, f, err := audit.Open(cfg.AuditLogPath, cfg.AuditKey)
		if err != nil {
			return nil, fmt.Errorf("engine: open audit log: %w", err)
		}
		logger, auditFile = l, f
	}

	damp := dampening.New(cfg.Dampening, cfg.HoldDown, clk)
	table := routetable.New(cfg.RouteSelection, damp, clk)
	updateHandler := update.NewHandler(cfg.RouterID, table, cfg.Verifier)
	sessions := session.NewManager(cfg.ParallelSession, clk, tracing.NewTracer(true), logger)
	aimdCtrl := aimd.New(cfg.AIMD, clk, cfg.AIMDBackend)
	sched := scheduler.New(cfg.Scheduler, clk, aimdCtrl)

	r := &Router{
		cfg:       cfg,
		clock:     clk,
		Dampening: damp,
		Table:     table,
		Update:    updateHandler,
		Sessions:  sessions,
		AIMD:      aimdCtrl,
		Scheduler: sched,
		health:    make(map[string]*healthmetrics.Processor),
		auditFile: auditFile,
	}

	if cfg.MetricsEnabled {
		switch normalizeMetricsBackend(cfg.MetricsBackend) {
		case "otel":
			r.metricsProvider = metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "agprouter-" + cfg.RouterID})
		case "noop":
			r.metricsProvider = nil
		default:
			r.metricsProvider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		}
	}

	r.eventBus = events.NewBus(r.metricsProvider)
	r.log = logging.New(nil)
	r.healthEval = health.NewEvaluator(2*time.Second, r.healthProbes()...)

	return r, nil
}

// Close releases the audit log file handle, if one was opened. Safe to
// call on a Router built with an empty AuditLogPath.
func (r *Router) Close() error {
	if r.auditFile != nil {
		return r.auditFile.Close()
	}
	return nil
}

// MetricsHandler returns the HTTP handler exposing collected metrics, or
// nil if metrics are disabled or the backend doesn't expose one (the
// OTel bridge pushes instead of serving a scrape endpoint).
func (r *Router) MetricsHandler() http.Handler {
	if r.metricsProvider == nil {
		return nil
	}
	if hp, ok := r.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// NegotiateOpen runs AGP version negotiation against a peer's OPEN
// message, returning the negotiated version.
func (r *Router) NegotiateOpen(open *agp.OpenMessage) (agp.Version, error) {
	if err := open.Validate(); err != nil {
		return agp.Version{}, err
	}
	return agp.Negotiate(localAGPVersion, open)
}

// IngestUpdate runs the full per-route UPDATE pipeline (C4, using C1+C2
// transitively through the route table) and hands survivors to the
// route table. healthDegraded routes to the grace-period-aware variants
// of ingestion and withdrawal. Loop and attestation rejections are
// published to the event bus so external observers can alert on them.
func (r *Router) IngestUpdate(msg *agp.UpdateMessage, peerRouterID string, healthDegraded bool) []update.Rejection {
	rejections := r.Update.HandleUpdate(msg, peerRouterID, healthDegraded)
	for _, rej := range rejections {
		if rej.Reason != update.RejectLoop && rej.Reason != update.RejectAttestation {
			continue
		}
		_ = r.eventBus.Publish(events.Event{
			Category: events.CategoryError,
			Type:     string(rej.Reason),
			Severity: "warn",
			Fields:   map[string]interface{}{"prefix": rej.Prefix, "peer_router_id": peerRouterID},
		})
	}
	return rejections
}

// healthProbes builds the probe set behind HealthSnapshot: scheduler
// queue backlog, route-table safe mode, and dampening suppression
// pressure.
func (r *Router) healthProbes() []health.Probe {
	schedProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		st := r.Scheduler.Stats()
		switch {
		case st.QueueDepth == 0:
			return health.Healthy("scheduler")
		case st.QueueDepth < schedulerQueueUnhealthyDepth:
			return health.Degraded("scheduler", fmt.Sprintf("%d sessions queued", st.QueueDepth))
		default:
			return health.Unhealthy("scheduler", fmt.Sprintf("queue depth %d at or above %d", st.QueueDepth, schedulerQueueUnhealthyDepth))
		}
	})
	routeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if r.Table.SafeModeActive() {
			return health.Degraded("route_table", "operating in safe mode")
		}
		return health.Healthy("route_table")
	})
	dampeningProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		n := len(r.Dampening.NonZeroPenalties())
		if n == 0 {
			return health.Healthy("dampening")
		}
		return health.Degraded("dampening", fmt.Sprintf("%d prefixes carrying flap penalty", n))
	})
	return []health.Probe{schedProbe, routeProbe, dampeningProbe}
}

// HealthSnapshot evaluates (or returns the cached) aggregate health
// across the scheduler, route table, and dampening tracker.
func (r *Router) HealthSnapshot(ctx context.Context) health.Snapshot {
	return r.healthEval.Evaluate(ctx)
}

// HealthProcessor returns the hysteresis gate for a given metric stream
// key (typically a prefix, or "prefix:metric" for multi-metric
// deployments), creating one on first use. Callers feed raw samples
// through ShouldAdvertise to decide whether a self-originated UPDATE is
// worth sending.
func (r *Router) HealthProcessor(key string) *healthmetrics.Processor {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	p, ok := r.health[key]
	if !ok {
		p = healthmetrics.NewProcessor(r.cfg.Hysteresis, r.clock)
		r.health[key] = p
	}
	return p
}

// Dispatch runs the ingress admission path described for a request: C6
// creates the parallel session, C8 (scheduler) admits it against C7's
// (AIMD) window for the session (removing the session again if admission
// is denied), then dispatch targets are allocated across the requested
// personas. If sessionID is empty a fresh UUID is generated. The caller must release the returned permit (via
// CompleteDispatch, or Permit.Release directly) exactly once.
func (r *Router) Dispatch(ctx context.Context, sessionID string, qos string, specs []session.PersonaSpec) (*DispatchResult, error) {
	var sess *session.Session
	if sessionID == "" {
		sess = r.Sessions.CreateWithGeneratedID()
	} else {
		sess = r.Sessions.Create(sessionID)
	}

	permit, err := r.Scheduler.Acquire(ctx, sess.ID, qos)
	if err != nil {
		r.Sessions.Remove(sess.ID)
		r.log.ErrorCtx(ctx, "admission denied", "session_id", sess.ID, "qos", qos, "err", err)
		_ = r.eventBus.PublishCtx(ctx, events.Event{
			Category: events.CategoryScheduler,
			Type:     "admission_denied",
			Severity: "warn",
			Fields:   map[string]interface{}{"session_id": sess.ID, "qos": qos, "err": err.Error()},
		})
		return nil, fmt.Errorf("engine: admission: %w", err)
	}

	targets := r.Sessions.AllocateClones(specs)
	return &DispatchResult{Session: sess, Targets: targets, Permit: permit}, nil
}

// CompleteDispatch reports the outcome of a dispatched request back into
// the AIMD congestion window for the session and releases its admission
// permit. Call exactly once per successful Dispatch.
func (r *Router) CompleteDispatch(ctx context.Context, res *DispatchResult, latencyMs float64, ok bool) error {
	if res == nil {
		return errors.New("engine: nil dispatch result")
	}
	_, err := r.AIMD.Feedback(ctx, res.Session.ID, latencyMs, ok)
	res.Permit.Release()
	return err
}

// Reconcile runs a full reconciliation (C5) for an already-dispatched,
// fully-streamed session under the given merge policy.
func (r *Router) Reconcile(ctx context.Context, sessionID string, strategy session.Strategy) (session.Result, error) {
	return r.Sessions.ReconcileSession(ctx, sessionID, strategy)
}

// TakeSnapshot captures the route table's current state (C3), suitable
// for persistence and safe-mode restore.
func (r *Router) TakeSnapshot() routetable.Snapshot {
	return r.Table.TakeSnapshot()
}

// EnterSafeMode runs the route table's safe-mode fallback: attempt
// loadFn with backoff, fall back to the last snapshot on exhaustion.
func (r *Router) EnterSafeMode(ctx context.Context, loadFn func(context.Context) error) error {
	err := r.Table.EnterSafeMode(ctx, r.cfg.SafeMode, loadFn)
	if err != nil {
		r.log.ErrorCtx(ctx, "safe mode restore failed", "err", err)
		_ = r.eventBus.PublishCtx(ctx, events.Event{
			Category: events.CategoryRoute,
			Type:     "safe_mode_restore_failed",
			Severity: "error",
			Fields:   map[string]interface{}{"err": err.Error()},
		})
	} else if r.Table.SafeModeActive() {
		r.log.InfoCtx(ctx, "route table running in safe mode")
		_ = r.eventBus.PublishCtx(ctx, events.Event{
			Category: events.CategoryRoute,
			Type:     "safe_mode_engaged",
			Severity: "info",
		})
	}
	return err
}

// SubscribeEvents returns a subscription streaming UPDATE rejections and
// other internal telemetry events (buffered to bufferSize; events are
// dropped, not blocked, once the buffer is full). Callers must Close the
// subscription when done.
func (r *Router) SubscribeEvents(bufferSize int) (events.Subscription, error) {
	return r.eventBus.Subscribe(bufferSize)
}

// Stats returns a combined snapshot of route table, UPDATE, and
// scheduler counters.
func (r *Router) Stats() Stats {
	return Stats{
		Route:     r.Table.Stats(),
		Update:    r.Update.Stats,
		Scheduler: r.Scheduler.Stats(),
	}
}

// CleanupExpiredSessions sweeps sessions older than maxAge and returns
// how many were removed. Intended to be called periodically by the
// embedding process (e.g. from a time.Ticker loop); the router itself
// runs no background goroutines.
func (r *Router) CleanupExpiredSessions(maxAge time.Duration) int {
	return r.Sessions.CleanupExpired(maxAge)
}
