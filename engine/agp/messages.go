// Package agp defines the wire types for the AGP federation protocol:
// the OPEN/UPDATE/KEEPALIVE/ROUTE_REFRESH/ERROR session messages and the
// DISPATCH/STREAM/END dispatch frames exchanged between a session's
// producer and its persona workers.
//
// Every struct tolerates unknown fields: top-level message parsing uses
// plain encoding/json (never DisallowUnknownFields) and attribute parsing
// routes anything it doesn't recognize into RouteAttributes.Extra, so a
// newer peer's additions survive a round trip through an older one.
package agp

import "encoding/json"

// Message type discriminators.
const (
	TypeOpen         = "OPEN"
	TypeUpdate       = "UPDATE"
	TypeKeepalive    = "KEEPALIVE"
	TypeRouteRefresh = "ROUTE_REFRESH"
	TypeError        = "ERROR"
)

// OpenMessage negotiates a session: router identity, local ADN, and a
// free-form capability bag. Unknown capability keys are ignored by the
// negotiator rather than rejected, so new capabilities can be rolled out
// without breaking older peers.
type OpenMessage struct {
	Type         string                     `json:"type" validate:"required,eq=OPEN"`
	RouterID     string                     `json:"router_id" validate:"required"`
	ADN          uint32                     `json:"adn" validate:"required"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
}

// Capability keys recognized by Negotiate; anything else in Capabilities
// is carried but ignored.
const capabilityAGPVersion = "agp_version"

// AnnounceEntry is one route announcement within an UPDATE message.
type AnnounceEntry struct {
	Prefix string          `json:"prefix" validate:"required"`
	Attrs  json.RawMessage `json:"attrs" validate:"required"`
}

// Attestation accompanies an UPDATE when route-origin validation is
// required. All four checks must pass for the announced routes to
// survive the UPDATE handler's attestation stage.
type Attestation struct {
	ROA              json.RawMessage `json:"roa"`
	CertificateChain []string        `json:"certificateChain"`
	Signature        string          `json:"signature"`
	SignedData       string          `json:"signedData"`
}

// UpdateMessage carries route announcements and/or withdrawals. At least
// one of Announce/Withdraw must be present — an UPDATE with neither is a
// parse error.
type UpdateMessage struct {
	Type        string          `json:"type" validate:"required,eq=UPDATE"`
	Announce    []AnnounceEntry `json:"announce,omitempty" validate:"dive"`
	Withdraw    []string        `json:"withdraw,omitempty"`
	Attestation *Attestation    `json:"attestation,omitempty"`
}

// KeepaliveMessage carries no payload beyond its type discriminator.
type KeepaliveMessage struct {
	Type string `json:"type"`
}

// RouteRefreshMessage requests a peer re-send its full route set.
type RouteRefreshMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a session-level protocol error.
type ErrorMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// DispatchFrame instructs persona workers to begin generating for a
// session, carrying the budget the AIMD/scheduler layer admitted.
type DispatchFrame struct {
	SessionID string          `json:"session_id"`
	Targets   []DispatchTarget `json:"targets"`
	Budget    Budget          `json:"budget"`
}

// DispatchTarget names one persona clone to dispatch to.
type DispatchTarget struct {
	PersonaID string `json:"persona_id"`
	CloneID   int    `json:"clone_id"`
}

// Budget bounds a dispatched session's resource consumption.
type Budget struct {
	Tokens  int     `json:"tokens"`
	Dollars float64 `json:"dollars"`
}

// StreamFrame carries one ordered chunk of a persona clone's output.
type StreamFrame struct {
	SessionID string `json:"session_id"`
	PersonaID string `json:"persona_id"`
	CloneID   int    `json:"clone_id"`
	Seq       int    `json:"seq"`
	Data      string `json:"data"`
}

// EndFrame marks a persona clone's stream as complete.
type EndFrame struct {
	SessionID string          `json:"session_id"`
	PersonaID string          `json:"persona_id"`
	CloneID   int             `json:"clone_id"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}
