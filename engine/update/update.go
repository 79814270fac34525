// Package update implements UPDATE message handling (C4): per-route
// validation, loop prevention, attestation checking, and handoff to the
// route table.
package update

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/99souls/agprouter/engine/agp"
	"github.com/99souls/agprouter/engine/models"
	"github.com/99souls/agprouter/engine/routetable"
)

// ErrNoAnnounceOrWithdraw is returned when an UPDATE carries neither
// announcements nor withdrawals.
var ErrNoAnnounceOrWithdraw = errors.New("update: message carries neither announce nor withdraw")

// RejectReason buckets a dropped route for counter attribution.
type RejectReason string

const (
	RejectValidation RejectReason = "validation"
	RejectQoSFit     RejectReason = "qos_fit"
	RejectNoExport   RejectReason = "no_export"
	RejectLoop       RejectReason = "loop"
	RejectAttestation RejectReason = "attestation"
)

// Rejection pairs a prefix with why it was dropped.
type Rejection struct {
	Prefix string
	Reason RejectReason
	Err    error
}

// Stats accumulates per-reason rejection counters plus the schema-level
// counters that distinguish pure protocol errors from semantic ones.
type Stats struct {
	QoSFitRejections      atomic.Uint64
	NoExportFiltered      atomic.Uint64
	LoopsPrevented        atomic.Uint64
	AttestationRejections atomic.Uint64
	UpdateParseErrors     atomic.Uint64
	IncompatibleUpdates   atomic.Uint64
}

// AttestationVerifier validates an announced route's attestation. The
// production implementation consults an ROA cache, path-derived ASN, a
// certificate chain validator and a CRL cache; a stub satisfying this
// interface is sufficient for deployments that don't yet enforce RPKI.
type AttestationVerifier interface {
	Verify(prefix string, attrs *models.RouteAttributes, att *agp.Attestation) error
}

// NoopAttestationVerifier accepts every route, used when attestation
// enforcement is disabled.
type NoopAttestationVerifier struct{}

// Verify always succeeds.
func (NoopAttestationVerifier) Verify(string, *models.RouteAttributes, *agp.Attestation) error {
	return nil
}

// Handler applies the per-route pipeline described in §4.4 and hands
// survivors to a route table.
type Handler struct {
	SelfRouterID string
	Table        *routetable.Table
	Verifier     AttestationVerifier
	Stats        Stats
}

// NewHandler constructs a Handler. A nil verifier defaults to
// NoopAttestationVerifier.
func NewHandler(selfRouterID string, table *routetable.Table, verifier AttestationVerifier) *Handler {
	if verifier == nil {
		verifier = NoopAttestationVerifier{}
	}
	return &Handler{SelfRouterID: selfRouterID, Table: table, Verifier: verifier}
}

// ParseUpdate decodes an UPDATE message body, tolerating unknown
// top-level fields (encoding/json already does this by default — we
// simply never set DisallowUnknownFields), then runs the struct-tag
// shape validation (required fields, type discriminator) plus the
// announce-or-withdraw envelope rule.
func ParseUpdate(data []byte) (*agp.UpdateMessage, error) {
	var msg agp.UpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		if errors.Is(err, agp.ErrUpdateNeedsAnnounceOrWithdraw) {
			return nil, ErrNoAnnounceOrWithdraw
		}
		return nil, err
	}
	return &msg, nil
}

// HandleUpdate runs the full per-route pipeline over an already-parsed
// UPDATE and hands surviving routes to the route table. peerRouterID
// identifies who sent the message (for Route.PeerRouterID and the route
// table's per-peer key); healthDegraded routes to the health-based
// ingestion/withdrawal variants.
func (h *Handler) HandleUpdate(msg *agp.UpdateMessage, peerRouterID string, healthDegraded bool) []Rejection {
	var rejections []Rejection
	var survivors []models.Route

	for _, entry := range msg.Announce {
		route, reject := h.processAnnounce(entry, peerRouterID)
		if reject != nil {
			rejections = append(rejections, *reject)
			h.Table.RecordPeerOutcome(peerRouterID, false)
			continue
		}
		if msg.Attestation != nil {
			if err := h.Verifier.Verify(entry.Prefix, &route.Attributes, msg.Attestation); err != nil {
				h.Stats.AttestationRejections.Add(1)
				rejections = append(rejections, Rejection{Prefix: entry.Prefix, Reason: RejectAttestation, Err: err})
				h.Table.RecordPeerOutcome(peerRouterID, false)
				continue
			}
		}
		survivors = append(survivors, route)
		h.Table.RecordPeerOutcome(peerRouterID, true)
	}

	if len(survivors) > 0 {
		h.Table.UpdateRoutesHealthBased(survivors, healthDegraded, 1.0)
	}
	if len(msg.Withdraw) > 0 {
		h.Table.WithdrawHealthBased(msg.Withdraw, peerRouterID, healthDegraded)
	}
	return rejections
}

func (h *Handler) processAnnounce(entry agp.AnnounceEntry, peerRouterID string) (models.Route, *Rejection) {
	if entry.Prefix == "" || len(entry.Attrs) == 0 {
		h.Stats.UpdateParseErrors.Add(1)
		return models.Route{}, &Rejection{Prefix: entry.Prefix, Reason: RejectValidation, Err: errors.New("update: announce entry missing prefix or attrs")}
	}

	var attrs models.RouteAttributes
	if err := json.Unmarshal(entry.Attrs, &attrs); err != nil {
		h.Stats.UpdateParseErrors.Add(1)
		return models.Route{}, &Rejection{Prefix: entry.Prefix, Reason: RejectValidation, Err: err}
	}

	if err := attrs.Validate(); err != nil {
		reason := RejectValidation
		switch {
		case errors.Is(err, models.ErrQoSFitRejected):
			reason = RejectQoSFit
			h.Stats.QoSFitRejections.Add(1)
		case errors.Is(err, models.ErrNoExportRejected):
			reason = RejectNoExport
			h.Stats.NoExportFiltered.Add(1)
		}
		return models.Route{}, &Rejection{Prefix: entry.Prefix, Reason: reason, Err: err}
	}

	if h.isLoop(&attrs) {
		h.Stats.LoopsPrevented.Add(1)
		return models.Route{}, &Rejection{Prefix: entry.Prefix, Reason: RejectLoop, Err: errors.New("update: loop detected via originator_id/cluster_list")}
	}

	return models.Route{
		Prefix:       entry.Prefix,
		Attributes:   attrs,
		PeerRouterID: peerRouterID,
	}, nil
}

func (h *Handler) isLoop(attrs *models.RouteAttributes) bool {
	if attrs.OriginatorID != "" && attrs.OriginatorID == h.SelfRouterID {
		return true
	}
	selfCluster := agp.DerivedClusterID(h.SelfRouterID)
	for _, c := range attrs.ClusterList {
		if c == selfCluster {
			return true
		}
	}
	return false
}

// HandleUpdateVersionChecked is the version-checked variant: validation
// rejections caused by a JSON syntax or type error, which suggest a
// protocol mismatch rather than a semantic rejection, are also counted as
// incompatible_updates. The negotiated version is accepted but not
// consulted, and the counter is not broken down by version.
func (h *Handler) HandleUpdateVersionChecked(msg *agp.UpdateMessage, peerRouterID string, negotiated agp.Version, healthDegraded bool) []Rejection {
	rejections := h.HandleUpdate(msg, peerRouterID, healthDegraded)
	for _, r := range rejections {
		if r.Reason == RejectValidation && looksLikeSchemaMismatch(r.Err) {
			h.Stats.IncompatibleUpdates.Add(1)
		}
	}
	_ = negotiated // retained for call-site symmetry with Negotiate's return value
	return rejections
}

func looksLikeSchemaMismatch(err error) bool {
	if err == nil {
		return false
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
