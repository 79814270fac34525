package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/agprouter/engine/agp"
	"github.com/99souls/agprouter/engine/session"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RouterID = "test-router"
	cfg.ADN = 65001
	cfg.AuditLogPath = t.TempDir() + "/audit.jsonl"
	cfg.AuditKey = []byte("test-key")
	r, err := New(cfg, &fakeClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_RequiresRouterID(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestNew_RejectsInvalidRouteSelectionWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RouterID = "r1"
	cfg.RouteSelection.Weights.LocalPref = 5.0
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestRouter_NegotiateOpen(t *testing.T) {
	r := newTestRouter(t)
	open := &agp.OpenMessage{
		Type:         agp.TypeOpen,
		RouterID:     "peer-1",
		ADN:          65002,
		Capabilities: map[string]json.RawMessage{"agp_version": json.RawMessage(`"1.0"`)},
	}
	v, err := r.NegotiateOpen(open)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Major)
}

func TestRouter_DispatchAdmitsAndAllocatesClones(t *testing.T) {
	r := newTestRouter(t)

	res, err := r.Dispatch(context.Background(), "sess-1", "standard", []session.PersonaSpec{{PersonaID: "writer", Count: 2}})
	require.NoError(t, err)
	assert.Len(t, res.Targets, 2)
	assert.Equal(t, "sess-1", res.Session.ID)

	err = r.CompleteDispatch(context.Background(), res, 50.0, true)
	assert.NoError(t, err)
}

func TestRouter_IngestUpdateEmptyEnvelopeYieldsNoRejections(t *testing.T) {
	r := newTestRouter(t)
	rejections := r.IngestUpdate(&agp.UpdateMessage{Type: agp.TypeUpdate}, "peer-1", false)
	assert.Empty(t, rejections)
}

func TestRouter_HealthProcessorIsStablePerKey(t *testing.T) {
	r := newTestRouter(t)
	p1 := r.HealthProcessor("10.0.0.0/8")
	p2 := r.HealthProcessor("10.0.0.0/8")
	assert.Same(t, p1, p2)
}

func TestRouter_StatsAggregatesComponents(t *testing.T) {
	r := newTestRouter(t)
	stats := r.Stats()
	assert.Equal(t, uint64(0), stats.Update.LoopsPrevented.Load())
}

func TestRouter_CleanupExpiredSessions(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), "old", "standard", nil)
	removed := r.CleanupExpiredSessions(0)
	assert.GreaterOrEqual(t, removed, 0)
}

func TestRouter_HealthSnapshotStartsHealthy(t *testing.T) {
	r := newTestRouter(t)
	snap := r.HealthSnapshot(context.Background())
	assert.Equal(t, "healthy", string(snap.Overall))
}

func TestRouter_SubscribeEventsReceivesLoopRejection(t *testing.T) {
	r := newTestRouter(t)
	sub, err := r.SubscribeEvents(4)
	require.NoError(t, err)
	defer sub.Close()

	r.IngestUpdate(&agp.UpdateMessage{
		Type: agp.TypeUpdate,
		Announce: []agp.AnnounceEntry{{
			Prefix: "10.0.0.0/8",
			Attrs:  json.RawMessage(`{"path":[65002],"next_hop":"10.0.0.1","originator_id":"test-router"}`),
		}},
	}, "peer-1", false)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "loop", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a loop-rejection event")
	}
}

func TestRouter_SubscribeEventsReceivesAdmissionDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RouterID = "test-router"
	cfg.ADN = 65001
	cfg.AuditLogPath = t.TempDir() + "/audit.jsonl"
	cfg.AuditKey = []byte("test-key")
	cfg.AIMD.InitialWindow = 1
	cfg.Scheduler.AcquireTimeout = time.Millisecond
	r, err := New(cfg, &fakeClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	sub, err := r.SubscribeEvents(4)
	require.NoError(t, err)
	defer sub.Close()

	first, err := r.Dispatch(context.Background(), "busy-session", "standard", nil)
	require.NoError(t, err)
	defer first.Permit.Release()

	// Same session, window already exhausted by the first dispatch:
	// AcquireTimeout fires on the fakeClock's always-ready channel.
	_, err = r.Dispatch(context.Background(), "busy-session", "standard", nil)
	require.Error(t, err)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "admission_denied", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an admission-denied event")
	}
}

func TestRouter_SubscribeEventsReceivesSafeModeRestoreFailed(t *testing.T) {
	// A snapshot path that doesn't exist in the test sandbox, so a
	// failing loadFn falls all the way through to a restore failure
	// rather than engaging safe mode successfully. MaxRetries/delay are
	// trimmed to keep the backoff loop fast.
	cfg := DefaultConfig()
	cfg.RouterID = "test-router"
	cfg.ADN = 65001
	cfg.AuditLogPath = t.TempDir() + "/audit.jsonl"
	cfg.AuditKey = []byte("test-key")
	cfg.SafeMode.MaxRetries = 1
	cfg.SafeMode.RetryDelaySecs = 0
	cfg.SafeMode.SnapshotPath = t.TempDir() + "/missing-snapshot.json"
	r, err := New(cfg, &fakeClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	sub, err := r.SubscribeEvents(4)
	require.NoError(t, err)
	defer sub.Close()

	err = r.EnterSafeMode(context.Background(), func(context.Context) error {
		return assert.AnError
	})
	require.Error(t, err)

	select {
	case ev := <-sub.C():
		assert.Equal(t, "safe_mode_restore_failed", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a safe-mode-restore-failed event")
	}
}
