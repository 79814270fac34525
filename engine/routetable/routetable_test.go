package routetable

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/dampening"
	"github.com/99souls/agprouter/engine/models"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) Sleep(d time.Duration)                   { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- f.now.Add(d); return ch }

func newTestTable(clk clock.Clock) *Table {
	tr := dampening.New(models.DefaultDampeningConfig(), models.DefaultHoldDownConfig(), clk)
	return New(models.DefaultRouteSelectionConfig(), tr, clk)
}

func testRoute(prefix, peer string, localPref uint32) models.Route {
	return models.Route{
		Prefix: prefix,
		Attributes: models.RouteAttributes{
			Path:      []uint32{100, 200},
			NextHop:   "10.0.0.1",
			LocalPref: localPref,
		},
		PeerRouterID: peer,
	}
}

func TestRecordPeerOutcome_TalliesPerPeerWithoutAffectingSelection(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)

	tbl.RecordPeerOutcome("peer-a", true)
	tbl.RecordPeerOutcome("peer-a", true)
	tbl.RecordPeerOutcome("peer-a", false)
	tbl.RecordPeerOutcome("peer-b", false)

	stats := tbl.Stats()
	require.Contains(t, stats.PeerOutcomes, "peer-a")
	assert.EqualValues(t, 2, stats.PeerOutcomes["peer-a"].Successes)
	assert.EqualValues(t, 1, stats.PeerOutcomes["peer-a"].Failures)
	assert.EqualValues(t, 1, stats.PeerOutcomes["peer-b"].Failures)

	tbl.UpdateRoutes([]models.Route{testRoute("10.0.0.0/8", "peer-a", 100)}, 1.0)
	best, ok := tbl.GetBestRoute("10.0.0.0/8")
	require.True(t, ok)
	assert.Equal(t, "peer-a", best.PeerRouterID)
}

func TestGetBestRoute_PicksHigherLocalPref(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{
		testRoute("10.0.0.0/8", "peerA", 100),
		testRoute("10.0.0.0/8", "peerB", 200),
	}, 1.0)

	best, ok := tbl.GetBestRoute("10.0.0.0/8")
	require.True(t, ok)
	assert.Equal(t, "peerB", best.PeerRouterID)
}

func TestGetBestRoute_ExcludesExpiredRoutes(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	tbl := newTestTable(clk)
	past := clk.now.Add(-time.Second)
	r := testRoute("10.0.0.0/8", "peerA", 100)
	r.Attributes.ValidUntil = &past
	tbl.UpdateRoutes([]models.Route{r}, 1.0)

	_, ok := tbl.GetBestRoute("10.0.0.0/8")
	assert.False(t, ok)
}

func TestGetBestRoute_SuppressedPrefixReturnsFalse(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{testRoute("10.0.0.0/8", "peerA", 100)}, 1.0)

	for i := 0; i < 3; i++ {
		tbl.dampening.RecordFlap("10.0.0.0/8")
		clk.now = clk.now.Add(time.Second)
	}
	require.True(t, tbl.dampening.IsSuppressed("10.0.0.0/8"))

	_, ok := tbl.GetBestRoute("10.0.0.0/8")
	assert.False(t, ok)
}

func TestWithdraw_RemovesSinglePeerOnly(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{
		testRoute("10.0.0.0/8", "peerA", 100),
		testRoute("10.0.0.0/8", "peerB", 200),
	}, 1.0)

	tbl.Withdraw([]string{"10.0.0.0/8"}, "peerB")

	best, ok := tbl.GetBestRoute("10.0.0.0/8")
	require.True(t, ok)
	assert.Equal(t, "peerA", best.PeerRouterID)
}

func TestSelectRouteWithECMP_IsDeterministicPerSession(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{
		testRoute("10.0.0.0/8", "peerA", 100),
		testRoute("10.0.0.0/8", "peerB", 100),
		testRoute("10.0.0.0/8", "peerC", 100),
	}, 1.0)

	first, ok := tbl.SelectRouteWithECMP("10.0.0.0/8", "session-42", "")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := tbl.SelectRouteWithECMP("10.0.0.0/8", "session-42", "")
		require.True(t, ok)
		assert.Equal(t, first.PeerRouterID, again.PeerRouterID)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{testRoute("10.0.0.0/8", "peerA", 100)}, 1.0)

	snap := tbl.TakeSnapshot()

	other := newTestTable(clk)
	other.RestoreFromSnapshot(snap)

	best, ok := other.GetBestRoute("10.0.0.0/8")
	require.True(t, ok)
	assert.Equal(t, "peerA", best.PeerRouterID)
}

func TestPersistAndLoadSnapshot(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{testRoute("10.0.0.0/8", "peerA", 100)}, 1.0)
	snap := tbl.TakeSnapshot()

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, PersistSnapshot(path, snap))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, loaded.Routes, 1)
	assert.Equal(t, "10.0.0.0/8", loaded.Routes[0].Prefix)
}

func TestDiff_DetectsAddedRemovedChanged(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	tbl := newTestTable(clk)
	tbl.UpdateRoutes([]models.Route{
		testRoute("10.0.0.0/8", "peerA", 100),
		testRoute("10.0.1.0/8", "peerA", 100),
	}, 1.0)
	base := tbl.TakeSnapshot()

	tbl.Withdraw([]string{"10.0.1.0/8"}, "")
	tbl.UpdateRoutes([]models.Route{testRoute("10.0.2.0/8", "peerA", 100)}, 1.0)

	diff := tbl.Diff(base)
	assert.Contains(t, diff.Removed, "10.0.2.0/8")
	assert.Contains(t, diff.Added, "10.0.1.0/8")
}
