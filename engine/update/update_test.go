package update

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/agprouter/engine/agp"
	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/dampening"
	"github.com/99souls/agprouter/engine/models"
	"github.com/99souls/agprouter/engine/routetable"
)

func newTestHandler(selfRouterID string) *Handler {
	clk := clock.Real()
	tr := dampening.New(models.DefaultDampeningConfig(), models.DefaultHoldDownConfig(), clk)
	tbl := routetable.New(models.DefaultRouteSelectionConfig(), tr, clk)
	return NewHandler(selfRouterID, tbl, nil)
}

func marshalAttrs(t *testing.T, a models.RouteAttributes) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return data
}

func TestParseUpdate_RequiresAnnounceOrWithdraw(t *testing.T) {
	_, err := ParseUpdate([]byte(`{"type":"UPDATE"}`))
	assert.ErrorIs(t, err, ErrNoAnnounceOrWithdraw)
}

func TestParseUpdate_ToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"UPDATE","withdraw":["10.0.0.0/8"],"some_future_field":42}`)
	msg, err := ParseUpdate(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8"}, msg.Withdraw)
}

func TestHandleUpdate_ValidRouteIsIngested(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	attrs := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1", LocalPref: 100}
	msg := &agp.UpdateMessage{
		Type:     agp.TypeUpdate,
		Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, attrs)}},
	}

	rejections := h.HandleUpdate(msg, "peerA", false)
	assert.Empty(t, rejections)

	best, ok := h.Table.GetBestRoute("10.0.0.0/8")
	require.True(t, ok)
	assert.Equal(t, "peerA", best.PeerRouterID)
}

func TestHandleUpdate_RecordsPeerOutcomePerAnnounce(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	good := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1"}
	bad := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1", OriginatorID: "self:cluster-a"}
	msg := &agp.UpdateMessage{
		Announce: []agp.AnnounceEntry{
			{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, good)},
			{Prefix: "10.1.0.0/16", Attrs: marshalAttrs(t, bad)},
		},
	}

	h.HandleUpdate(msg, "peerA", false)

	outcome := h.Table.Stats().PeerOutcomes["peerA"]
	assert.EqualValues(t, 1, outcome.Successes)
	assert.EqualValues(t, 1, outcome.Failures)
}

func TestHandleUpdate_RejectsLoopViaOriginatorID(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	attrs := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1", OriginatorID: "self:cluster-a"}
	msg := &agp.UpdateMessage{
		Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, attrs)}},
	}

	rejections := h.HandleUpdate(msg, "peerA", false)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectLoop, rejections[0].Reason)
	assert.EqualValues(t, 1, h.Stats.LoopsPrevented.Load())
}

func TestHandleUpdate_RejectsLoopViaClusterList(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	attrs := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1", ClusterList: []string{"cluster-a"}}
	msg := &agp.UpdateMessage{
		Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, attrs)}},
	}

	rejections := h.HandleUpdate(msg, "peerA", false)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectLoop, rejections[0].Reason)
}

func TestHandleUpdate_RejectsQoSFitAndCountsReason(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	attrs := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1", QoSSupported: []string{"bronze"}}
	msg := &agp.UpdateMessage{
		Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, attrs)}},
	}

	rejections := h.HandleUpdate(msg, "peerA", false)
	require.Len(t, rejections, 1)
	assert.Equal(t, RejectQoSFit, rejections[0].Reason)
	assert.EqualValues(t, 1, h.Stats.QoSFitRejections.Load())
}

func TestHandleUpdate_MissingAttrsCountsParseError(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	msg := &agp.UpdateMessage{
		Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8"}},
	}

	rejections := h.HandleUpdate(msg, "peerA", false)
	require.Len(t, rejections, 1)
	assert.EqualValues(t, 1, h.Stats.UpdateParseErrors.Load())
}

func TestHandleUpdate_WithdrawRemovesRoute(t *testing.T) {
	h := newTestHandler("self:cluster-a")
	attrs := models.RouteAttributes{Path: []uint32{100}, NextHop: "10.0.0.1"}
	announce := &agp.UpdateMessage{Announce: []agp.AnnounceEntry{{Prefix: "10.0.0.0/8", Attrs: marshalAttrs(t, attrs)}}}
	h.HandleUpdate(announce, "peerA", false)

	withdraw := &agp.UpdateMessage{Withdraw: []string{"10.0.0.0/8"}}
	h.HandleUpdate(withdraw, "peerA", false)

	_, ok := h.Table.GetBestRoute("10.0.0.0/8")
	assert.False(t, ok)
}

func TestNegotiateRoundTrip_OpenMessageUnmarshal(t *testing.T) {
	raw := []byte(`{"type":"OPEN","router_id":"peer:cluster-b","adn":65001,"capabilities":{"agp_version":"2.0","unused_future_key":true}}`)
	var open agp.OpenMessage
	require.NoError(t, json.Unmarshal(raw, &open))

	v, err := agp.Negotiate(agp.Version{Major: 2, Minor: 4}, &open)
	require.NoError(t, err)
	assert.Equal(t, agp.Version{Major: 2, Minor: 0}, v)
}
