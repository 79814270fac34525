package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/agprouter/engine/audit"
	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) Sleep(d time.Duration)                   { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- f.now.Add(d); return ch }

func newTestManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	path := t.TempDir() + "/audit.jsonl"
	logger, f, err := audit.Open(path, []byte("k"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return NewManager(models.DefaultParallelSessionConfig(), clk, nil, logger)
}

func dispatchAndStream(t *testing.T, s *Session, targets []Target, data map[string]string) {
	t.Helper()
	require.NoError(t, s.Dispatch(targets))
	require.NoError(t, s.StartStreaming())
	for key, text := range data {
		for _, tgt := range targets {
			if bufferKey(tgt.PersonaID, tgt.CloneID) == key {
				require.NoError(t, s.BufferStreamData(tgt.PersonaID, tgt.CloneID, 1, text))
				require.NoError(t, s.MarkPersonaComplete(tgt.PersonaID, tgt.CloneID, PersonaStats{}))
			}
		}
	}
}

func TestManager_AllocateClonesAreGloballyUnique(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := newTestManager(t, clk)

	t1 := m.AllocateClones([]PersonaSpec{{PersonaID: "writer", Count: 2}})
	t2 := m.AllocateClones([]PersonaSpec{{PersonaID: "writer", Count: 2}})

	seen := map[int]bool{}
	for _, tgt := range append(t1, t2...) {
		assert.False(t, seen[tgt.CloneID], "clone id %d reused across sessions", tgt.CloneID)
		seen[tgt.CloneID] = true
	}
}

func TestManager_ReconcileSession_FirstWin(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := newTestManager(t, clk)

	s := m.Create("sess-1")
	targets := m.AllocateClones([]PersonaSpec{{PersonaID: "writer", Count: 1}})
	key := bufferKey(targets[0].PersonaID, targets[0].CloneID)
	dispatchAndStream(t, s, targets, map[string]string{key: "hello"})

	require.Equal(t, StateBuffering, s.State())

	result, err := m.ReconcileSession(context.Background(), "sess-1", FirstWinStrategy{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, StateComplete, s.State())
}

func TestManager_CreateWithGeneratedID_ProducesUniqueSessions(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := newTestManager(t, clk)

	s1 := m.CreateWithGeneratedID()
	s2 := m.CreateWithGeneratedID()
	assert.NotEqual(t, s1.ID, s2.ID)

	_, ok := m.Get(s1.ID)
	assert.True(t, ok)
}

func TestManager_CleanupExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := newTestManager(t, clk)
	m.Create("old-session")

	clk.now = clk.now.Add(time.Hour)
	m.Create("new-session")

	removed := m.CleanupExpired(30 * time.Minute)
	assert.Equal(t, 1, removed)
	_, ok := m.Get("old-session")
	assert.False(t, ok)
	_, ok = m.Get("new-session")
	assert.True(t, ok)
}
