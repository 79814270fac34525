// Package models holds the data types shared across the AGP federation
// engine, the parallel-session reconciliation engine, and the fair
// concurrency scheduler: route attributes, routes, route-selection weights,
// QoS tiers, and the configuration surface each component binds to. The
// wire message envelopes and dispatch frames live in engine/agp.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// QoS tiers, ordered worst to best.
const (
	QoSBronze   = "bronze"
	QoSSilver   = "silver"
	QoSGold     = "gold"
	QoSPlatinum = "platinum"
)

var qosRank = map[string]int{
	QoSBronze:   0,
	QoSSilver:   1,
	QoSGold:     2,
	QoSPlatinum: 3,
}

// Capacity describes advertised throughput ceilings. When Capacity is
// present on a route, Validate rejects it only if all three fields are
// zero; a single field that was omitted decodes as zero and is not
// detected.
type Capacity struct {
	MaxParallel int     `json:"max_parallel"`
	TokensPerS  float64 `json:"tokens_per_s"`
	USDPerS     float64 `json:"usd_per_s"`
}

// Health carries the raw scalar health sample advertised with a route.
type Health struct {
	P50Ms             float64    `json:"p50_ms"`
	P95Ms             float64    `json:"p95_ms"`
	ErrRate           float64    `json:"err_rate"`
	MetricsTimestamp  *time.Time `json:"metrics_timestamp,omitempty"`
	MetricsHalfLifeS  float64    `json:"metrics_half_life_s,omitempty"`
}

// Cost carries the advertised per-token price.
type Cost struct {
	USDPer1kTokens float64 `json:"usd_per_1k_tokens"`
}

// Predictability carries rolling accuracy of latency/throughput forecasts.
type Predictability struct {
	EstimateMAPE7d float64 `json:"estimate_mape_7d"`
	UnderRate7d    float64 `json:"under_rate_7d"`
}

// Overhead carries advertised scheduling-overhead estimation quality.
type Overhead struct {
	OverheadMAPE7d      float64 `json:"overhead_mape_7d"`
	OverheadP95Factor   float64 `json:"overhead_p95_factor"`
}

// RouteAttributes is attached to every route announcement. Unrecognized
// JSON fields are preserved in Extra rather than dropped, so a forward
// AGP version's additions survive a round trip through an older peer.
type RouteAttributes struct {
	Path          []uint32 `json:"path"`
	NextHop       string   `json:"next_hop"`
	OriginatorID  string   `json:"originator_id,omitempty"`
	ClusterList   []string `json:"cluster_list,omitempty"`
	LocalPref     uint32   `json:"local_pref"`
	MED           uint32   `json:"med"`
	QoSSupported  []string `json:"qos_supported,omitempty"`

	Capacity       *Capacity       `json:"capacity,omitempty"`
	Health         *Health         `json:"health,omitempty"`
	Cost           *Cost           `json:"cost,omitempty"`
	Predictability *Predictability `json:"predictability,omitempty"`
	Overhead       *Overhead       `json:"overhead,omitempty"`

	Communities    []string `json:"communities,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty"`
	Regions        []string `json:"regions,omitempty"`

	ValidUntil *time.Time `json:"valid_until,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Validation error categories, used to route a rejection to the correct
// counter in the UPDATE handler rather than a single generic bucket.
var (
	ErrEmptyPath           = errors.New("route attributes: path must not be empty")
	ErrEmptyNextHop        = errors.New("route attributes: next_hop must not be empty")
	ErrADNOutOfRange       = errors.New("route attributes: path element exceeds 32-bit ADN range")
	ErrLocalPrefOutOfRange = errors.New("route attributes: local_pref out of range")
	ErrMEDOutOfRange       = errors.New("route attributes: med out of range")
	ErrUnknownQoSTier      = errors.New("route attributes: unknown qos tier")
	ErrIncompleteCapacity  = errors.New("route attributes: capacity requires max_parallel, tokens_per_s and usd_per_s")
	ErrIncompleteHealth    = errors.New("route attributes: health requires p50_ms, p95_ms and err_rate")
	ErrIncompleteCost      = errors.New("route attributes: cost requires usd_per_1k_tokens")
	ErrIncompletePredict   = errors.New("route attributes: predictability requires estimate_mape_7d and under_rate_7d")
	ErrQoSFitRejected      = errors.New("route attributes: qos fit below required silver tier")
	ErrNoExportRejected    = errors.New("route attributes: no-export community present")
)

const maxADN = 0xFFFFFFFF

// Validate applies every §3 invariant in the order the AGP update handler
// relies on for its rejection-reason bucketing: structural checks first,
// then range checks, then policy checks (QoS fit, no-export). It does not
// check expiry — Validate and IsExpired are independent so a recently
// expired route can still be diffed and surfaced, only excluded from
// selection.
func (a *RouteAttributes) Validate() error {
	if len(a.Path) == 0 {
		return ErrEmptyPath
	}
	if a.NextHop == "" {
		return ErrEmptyNextHop
	}
	for _, adn := range a.Path {
		if adn > maxADN {
			return ErrADNOutOfRange
		}
	}
	if a.LocalPref > maxADN {
		return ErrLocalPrefOutOfRange
	}
	if a.MED > maxADN {
		return ErrMEDOutOfRange
	}
	for _, tier := range a.QoSSupported {
		if _, ok := qosRank[tier]; !ok {
			return ErrUnknownQoSTier
		}
	}
	if a.Capacity != nil {
		if a.Capacity.MaxParallel == 0 && a.Capacity.TokensPerS == 0 && a.Capacity.USDPerS == 0 {
			return ErrIncompleteCapacity
		}
	}
	if a.Health != nil {
		if a.Health.P50Ms == 0 && a.Health.P95Ms == 0 && a.Health.ErrRate == 0 {
			return ErrIncompleteHealth
		}
	}
	if a.Cost != nil && a.Cost.USDPer1kTokens == 0 {
		return ErrIncompleteCost
	}
	if a.Predictability != nil {
		if a.Predictability.EstimateMAPE7d == 0 && a.Predictability.UnderRate7d == 0 {
			return ErrIncompletePredict
		}
	}
	if !a.meetsQoSFloor() {
		return ErrQoSFitRejected
	}
	for _, c := range a.Communities {
		if c == "no-export" {
			return ErrNoExportRejected
		}
	}
	return nil
}

// meetsQoSFloor requires at least silver support when any tier is declared.
// A route that declares no QoS tiers at all is treated as untiered and
// passes (the original service only rejects declared-but-insufficient
// tiers, it does not mandate a declaration).
func (a *RouteAttributes) meetsQoSFloor() bool {
	if len(a.QoSSupported) == 0 {
		return true
	}
	best := -1
	for _, tier := range a.QoSSupported {
		if r := qosRank[tier]; r > best {
			best = r
		}
	}
	return best >= qosRank[QoSSilver]
}

// IsExpired reports whether ValidUntil has passed. Expiry makes a route
// invalid for selection but does not itself trigger withdrawal.
func (a *RouteAttributes) IsExpired(now time.Time) bool {
	return a.ValidUntil != nil && a.ValidUntil.Before(now)
}

// Route is immutable once parsed; a re-advertisement replaces it wholesale
// rather than mutating it in place.
type Route struct {
	Prefix       string          `json:"prefix"`
	Attributes   RouteAttributes `json:"attributes"`
	ReceivedAt   time.Time       `json:"received_at"`
	PeerRouterID string          `json:"peer_router_id"`
}

// IsValid reports whether the route is currently selectable: attributes
// passed structural validation at ingestion (guaranteed by the route
// table's invariants) and the attributes have not expired.
func (r *Route) IsValid(now time.Time) bool {
	return !r.Attributes.IsExpired(now)
}

// RouteSelectionWeights is the 7-term weight vector used by best-path
// scoring. Each weight must be in [0,1] and the vector must sum to 1.0
// within 1% tolerance.
type RouteSelectionWeights struct {
	LocalPref float64 `yaml:"local_pref_weight" json:"local_pref_weight"`
	PathLen   float64 `yaml:"path_len_weight" json:"path_len_weight"`
	Health    float64 `yaml:"health_weight" json:"health_weight"`
	Cost      float64 `yaml:"cost_weight" json:"cost_weight"`
	Predict   float64 `yaml:"predict_weight" json:"predict_weight"`
	QoSFit    float64 `yaml:"qos_fit_weight" json:"qos_fit_weight"`
	Overhead  float64 `yaml:"overhead_weight" json:"overhead_weight"`
}

// Sum returns the total weight, used to validate the ±1% tolerance.
func (w RouteSelectionWeights) Sum() float64 {
	return w.LocalPref + w.PathLen + w.Health + w.Cost + w.Predict + w.QoSFit + w.Overhead
}

var (
	ErrWeightOutOfRange = errors.New("route selection weights: each weight must be in [0,1]")
	ErrWeightSumInvalid = errors.New("route selection weights: sum must be 1.0 within 1% tolerance")
)

// Validate rejects a weight vector with any term outside [0,1] or whose
// sum strays more than 1% from 1.0.
func (w RouteSelectionWeights) Validate() error {
	for _, v := range []float64{w.LocalPref, w.PathLen, w.Health, w.Cost, w.Predict, w.QoSFit, w.Overhead} {
		if v < 0 || v > 1 {
			return ErrWeightOutOfRange
		}
	}
	if sum := w.Sum(); sum < 0.99 || sum > 1.01 {
		return ErrWeightSumInvalid
	}
	return nil
}

// RouteSelectionConfig controls best-path scoring and ECMP.
type RouteSelectionConfig struct {
	Weights      RouteSelectionWeights `yaml:"weights" json:"weights"`
	EnableECMP   bool                  `yaml:"enable_ecmp" json:"enable_ecmp"`
	MaxECMPPaths int                   `yaml:"max_ecmp_paths" json:"max_ecmp_paths"`
	ECMPHashSeed string                `yaml:"ecmp_hash_seed" json:"ecmp_hash_seed"`
}

// DefaultRouteSelectionConfig mirrors the originating service's defaults.
func DefaultRouteSelectionConfig() RouteSelectionConfig {
	return RouteSelectionConfig{
		Weights: RouteSelectionWeights{
			LocalPref: 0.25,
			PathLen:   0.15,
			Health:    0.15,
			Cost:      0.15,
			Predict:   0.10,
			QoSFit:    0.05,
			Overhead:  0.15,
		},
		EnableECMP:   true,
		MaxECMPPaths: 8,
		ECMPHashSeed: "agp-ecmp-v1",
	}
}

// QoSRank returns the ordinal rank of a tier, or -1 if unknown.
func QoSRank(tier string) int {
	if r, ok := qosRank[tier]; ok {
		return r
	}
	return -1
}
