// Package routetable implements the keyed route store, weighted best-path
// and ECMP selection, snapshot/restore, and safe-mode fallback (C3).
package routetable

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/dampening"
	"github.com/99souls/agprouter/engine/models"
)

// Table stores routes keyed prefix → (peer_router_id → Route), enforces
// the route-table invariants (one route per prefix/peer, validated at
// ingestion, expired routes filtered at selection time), and performs
// weighted best-path and ECMP selection.
//
// The table is single-writer (UPDATE handling and snapshot restore),
// many-reader (selection): all mutation paths take the write lock, all
// selection paths take the read lock.
type Table struct {
	cfg       models.RouteSelectionConfig
	dampening *dampening.Tracker
	clock     clock.Clock

	mu     sync.RWMutex
	routes map[string]map[string]models.Route // prefix -> peer -> route

	stats        Stats
	peerOutcomes map[string]PeerOutcome

	safeModeActive bool
}

// Stats accumulates counters surfaced via Snapshot and diagnostics.
type Stats struct {
	RouteUpdatesTotal   uint64 `json:"route_updates_total"`
	RouteWithdrawsTotal uint64 `json:"route_withdraws_total"`
	ECMPSplitsTotal     uint64 `json:"ecmp_splits_total"`
	StaleHealthTotal    uint64 `json:"stale_health_total"`

	// PeerOutcomes summarizes RecordPeerOutcome calls per peer. This is
	// informational only — it never feeds route selection or withdrawal;
	// dampening owns that decision.
	PeerOutcomes map[string]PeerOutcome `json:"peer_outcomes,omitempty"`
}

// PeerOutcome tallies successes/failures reported via RecordPeerOutcome
// for one peer, across all prefixes that peer has advertised.
type PeerOutcome struct {
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
}

// New constructs an empty route table bound to a dampening tracker.
func New(cfg models.RouteSelectionConfig, tracker *dampening.Tracker, clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.Real()
	}
	return &Table{
		cfg:          cfg,
		dampening:    tracker,
		clock:        clk,
		routes:       make(map[string]map[string]models.Route),
		peerOutcomes: make(map[string]PeerOutcome),
	}
}

// RecordPeerOutcome annotates a lightweight per-peer success/failure
// signal, separate from dampening, for stats surfaced via Stats(). It
// never itself withdraws or suppresses a route — dampening owns that
// decision per the route-table invariants.
func (t *Table) RecordPeerOutcome(peer string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	po := t.peerOutcomes[peer]
	if ok {
		po.Successes++
	} else {
		po.Failures++
	}
	t.peerOutcomes[peer] = po
}

// backpressureReductionDefault is the factor UpdateRoutes falls back to
// when its backpressureReduction argument is outside (0, 1]. At 1.0 newly
// ingested Capacity fields are stored unscaled.
var backpressureReductionDefault = 1.0

// UpdateRoutes ingests a batch of already-validated routes. An ingested
// route records a flap on the dampening tracker when it is an
// advertisement following a withdrawal (nothing stored at (prefix, peer)
// and the prefix has flapped before); a first advertisement or an
// in-place replacement is not a flap. Each route replaces whatever was
// stored at (prefix, peer) — ingestion never blocks
// on dampening state; suppression is applied only at selection time so
// operators can still see the underlying advertised data.
func (t *Table) UpdateRoutes(routes []models.Route, backpressureReduction float64) {
	if backpressureReduction <= 0 || backpressureReduction > 1 {
		backpressureReduction = backpressureReductionDefault
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range routes {
		if backpressureReduction < 1 && r.Attributes.Capacity != nil {
			c := *r.Attributes.Capacity
			c.MaxParallel = int(float64(c.MaxParallel) * backpressureReduction)
			c.TokensPerS *= backpressureReduction
			c.USDPerS *= backpressureReduction
			r.Attributes.Capacity = &c
		}
		peers, ok := t.routes[r.Prefix]
		if !ok {
			peers = make(map[string]models.Route)
			t.routes[r.Prefix] = peers
		}
		if _, stored := peers[r.PeerRouterID]; !stored && t.dampening.GetDampeningInfo(r.Prefix).FlapCount > 0 {
			t.dampening.RecordFlap(r.Prefix)
		}
		peers[r.PeerRouterID] = r
		t.stats.RouteUpdatesTotal++
	}
}

// UpdateRoutesHealthBased is UpdateRoutes augmented with the grace-period
// check: when health has recovered (healthDegraded=false) and the prefix
// is still in its grace window, the advertisement is deferred (not
// stored) rather than applied.
func (t *Table) UpdateRoutesHealthBased(routes []models.Route, healthDegraded bool, backpressureReduction float64) {
	if !healthDegraded {
		deferred := routes[:0]
		for _, r := range routes {
			if t.dampening.ShouldDelayAdvertisement(r.Prefix) {
				continue
			}
			deferred = append(deferred, r)
		}
		routes = deferred
	}
	t.UpdateRoutes(routes, backpressureReduction)
}

// Withdraw removes routes for the given prefixes. If peer is non-empty,
// only that peer's entry is removed; otherwise every peer's entry for the
// prefix is removed. Each withdrawal records a flap.
func (t *Table) Withdraw(prefixes []string, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, prefix := range prefixes {
		peers, ok := t.routes[prefix]
		if !ok {
			continue
		}
		if peer != "" {
			delete(peers, peer)
		} else {
			delete(t.routes, prefix)
		}
		if len(peers) == 0 {
			delete(t.routes, prefix)
		}
		t.dampening.RecordFlap(prefix)
		t.stats.RouteWithdrawsTotal++
	}
}

// WithdrawHealthBased is Withdraw with the hold-down check: when the
// prefix is currently held down, the withdrawal is deferred entirely.
func (t *Table) WithdrawHealthBased(prefixes []string, peer string, healthDegraded bool) {
	remaining := prefixes[:0]
	for _, prefix := range prefixes {
		if healthDegraded && t.dampening.ShouldDelayWithdrawal(prefix) {
			continue
		}
		remaining = append(remaining, prefix)
	}
	t.Withdraw(remaining, peer)
}

func routeHealthScore(a *models.RouteAttributes) float64 {
	if a.Health == nil {
		return 0
	}
	return a.Health.P95Ms/1000 + a.Health.ErrRate*10
}

const defaultFreshnessHalfLifeS = 30.0

func (t *Table) freshnessFactor(a *models.RouteAttributes, now time.Time) float64 {
	if a.Health == nil || a.Health.MetricsTimestamp == nil {
		return 1.0
	}
	delta := now.Sub(*a.Health.MetricsTimestamp).Seconds()
	if delta <= 0 {
		return 1.0
	}
	if delta > 5*60 {
		t.stats.StaleHealthTotal++
	}
	tau := a.Health.MetricsHalfLifeS
	if tau <= 0 {
		tau = defaultFreshnessHalfLifeS
	}
	f := math.Exp(-delta / tau)
	return math.Max(f, 0.1)
}

// score computes the weighted multi-criteria best-path score; lower is
// better. See §4.3 for the formula.
func (t *Table) score(r *models.Route, now time.Time) float64 {
	a := &r.Attributes
	w := t.cfg.Weights
	f := t.freshnessFactor(a, now)

	s := w.LocalPref * (-float64(a.LocalPref) / 1000.0)
	s += w.PathLen * (float64(len(a.Path)) / 10.0)
	s += w.Health * (routeHealthScore(a) / f)

	if a.Cost != nil {
		s += w.Cost * (a.Cost.USDPer1kTokens * 100)
	}
	if a.Predictability != nil {
		s += w.Predict * (a.Predictability.EstimateMAPE7d + a.Predictability.UnderRate7d)
	}
	if a.Overhead != nil {
		s += w.Overhead * (a.Overhead.OverheadMAPE7d + math.Abs(a.Overhead.OverheadP95Factor-1))
	}
	// QoSFit weight is reserved for a future tier-preference term; no
	// current signal feeds it (see DESIGN.md open-question note).
	return s
}

type scoredRoute struct {
	route models.Route
	score float64
	index int // stable original ordering for tie-break
}

func (t *Table) candidateRoutes(prefix string, now time.Time) []scoredRoute {
	peers, ok := t.routes[prefix]
	if !ok {
		return nil
	}
	out := make([]scoredRoute, 0, len(peers))
	i := 0
	for _, r := range peers {
		if !r.IsValid(now) {
			i++
			continue
		}
		out = append(out, scoredRoute{route: r, score: t.score(&r, now), index: i})
		i++
	}
	return out
}

// GetBestRoute returns the lowest-scoring valid route for a prefix, or
// false if the prefix is suppressed or has no valid routes.
func (t *Table) GetBestRoute(prefix string) (models.Route, bool) {
	if t.dampening.IsSuppressed(prefix) {
		return models.Route{}, false
	}
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidates := t.candidateRoutes(prefix, now)
	if len(candidates) == 0 {
		return models.Route{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})
	return candidates[0].route, true
}

const ecmpScorePrecision = 6

func roundScore(s float64) float64 {
	p := math.Pow(10, ecmpScorePrecision)
	return math.Round(s*p) / p
}

// GetECMPRoutes returns the equal-cost group at the lowest score, filtered
// to routes supporting requestedQoS (if non-empty), truncated to
// max_ecmp_paths.
func (t *Table) GetECMPRoutes(prefix string, requestedQoS string) []models.Route {
	if t.dampening.IsSuppressed(prefix) {
		return nil
	}
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidates := t.candidateRoutes(prefix, now)
	if requestedQoS != "" {
		filtered := candidates[:0]
		for _, c := range candidates {
			if supportsQoS(c.route.Attributes.QoSSupported, requestedQoS) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil
	}

	best := roundScore(candidates[0].score)
	for _, c := range candidates[1:] {
		if r := roundScore(c.score); r < best {
			best = r
		}
	}

	var group []scoredRoute
	for _, c := range candidates {
		if roundScore(c.score) == best {
			group = append(group, c)
		}
	}
	sort.SliceStable(group, func(i, j int) bool { return group[i].index < group[j].index })

	if t.cfg.MaxECMPPaths > 0 && len(group) > t.cfg.MaxECMPPaths {
		group = group[:t.cfg.MaxECMPPaths]
	}
	if len(group) > 1 {
		t.stats.ECMPSplitsTotal++
	}

	out := make([]models.Route, len(group))
	for i, g := range group {
		out[i] = g.route
	}
	return out
}

func supportsQoS(supported []string, requested string) bool {
	for _, s := range supported {
		if s == requested {
			return true
		}
	}
	return false
}

// SelectRouteWithECMP deterministically picks one member of the ECMP
// group for a given session, using rendezvous (highest-random-weight)
// hashing seeded by (ecmp_hash_seed, session_id) over the group's peer
// identifiers. Because rendezvous hashing assigns each key to a member by
// independent per-member scoring rather than index modulo, the same
// session keeps mapping to the same member even as the rest of the group
// changes — a stronger determinism guarantee than a plain hash-mod-len
// would give when peers come and go.
func (t *Table) SelectRouteWithECMP(prefix, sessionID, requestedQoS string) (models.Route, bool) {
	group := t.GetECMPRoutes(prefix, requestedQoS)
	if len(group) == 0 {
		return models.Route{}, false
	}
	if len(group) == 1 {
		return group[0], true
	}
	nodes := make([]string, len(group))
	byPeer := make(map[string]models.Route, len(group))
	for i, r := range group {
		nodes[i] = r.PeerRouterID
		byPeer[r.PeerRouterID] = r
	}
	rz := rendezvous.New(nodes, fnvHash)
	picked := rz.Lookup(t.cfg.ECMPHashSeed + ":" + sessionID + ":" + prefix)
	return byPeer[picked], true
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Stats returns a copy of the table's cumulative counters, including a
// snapshot of per-peer outcome tallies recorded via RecordPeerOutcome.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.stats
	if len(t.peerOutcomes) > 0 {
		s.PeerOutcomes = make(map[string]PeerOutcome, len(t.peerOutcomes))
		for peer, po := range t.peerOutcomes {
			s.PeerOutcomes[peer] = po
		}
	}
	return s
}

// SafeModeActive reports whether the table is currently serving from a
// restored last-known-good snapshot due to repeated policy-load failure.
func (t *Table) SafeModeActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.safeModeActive
}

// SetSafeModeActive flags or clears safe mode.
func (t *Table) SetSafeModeActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.safeModeActive = active
}
