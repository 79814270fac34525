package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/agprouter/engine/aimd"
	"github.com/99souls/agprouter/engine/models"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func newTestScheduler(clk *fakeClock) *Scheduler {
	cfg := models.DefaultSchedulerConfig()
	a := aimd.New(models.DefaultAIMDConfig(), clk, aimd.NewInMemoryBackend())
	return New(cfg, clk, a)
}

func TestAcquire_FastPathWhenUnderWindow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := newTestScheduler(clk)

	p, err := s.Acquire(context.Background(), "sess-1", models.QoSSilver)
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Release()
}

func TestAcquire_QueuesPastWindowThenGrantsOnRelease(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := models.DefaultSchedulerConfig()
	cfg.AcquireTimeout = 0 // wait for the grant; the fake clock would fire any timeout at once
	a := aimd.New(models.AIMDConfig{InitialWindow: 1, MaxWindow: 1, LatencyTargetMs: 1000, MultiplicativeDecrease: 0.5, IdleTTL: time.Hour}, clk, aimd.NewInMemoryBackend())
	s := New(cfg, clk, a)

	p1, err := s.Acquire(context.Background(), "sess-1", models.QoSSilver)
	require.NoError(t, err)

	done := make(chan struct{})
	var p2 Permit
	var acquireErr error
	go func() {
		// same session: its window of 1 is full, so this acquire queues
		p2, acquireErr = s.Acquire(context.Background(), "sess-1", models.QoSSilver)
		close(done)
	}()

	// give the goroutine a moment to enqueue
	time.Sleep(20 * time.Millisecond)
	p1.Release()

	select {
	case <-done:
		require.NoError(t, acquireErr)
		require.NotNil(t, p2)
	case <-time.After(time.Second):
		t.Fatal("second acquire never granted after release")
	}
}

func TestAcquire_TimesOutWhenNeverGranted(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := models.DefaultSchedulerConfig()
	cfg.AcquireTimeout = 5 * time.Second
	a := aimd.New(models.AIMDConfig{InitialWindow: 1, MaxWindow: 1, LatencyTargetMs: 1000, MultiplicativeDecrease: 0.5, IdleTTL: time.Hour}, clk, aimd.NewInMemoryBackend())
	s := New(cfg, clk, a)

	p1, err := s.Acquire(context.Background(), "sess-1", models.QoSSilver)
	require.NoError(t, err)
	defer p1.Release()

	// the window is per session: a second acquire for sess-1 queues
	_, err = s.Acquire(context.Background(), "sess-1", models.QoSSilver)
	assert.ErrorIs(t, err, ErrNotGranted)
}

func TestJainFairnessIndex_PerfectlyFairIsOne(t *testing.T) {
	assert.InDelta(t, 1.0, jainFairnessIndex([]float64{5, 5, 5, 5}), 1e-9)
}

func TestJainFairnessIndex_AllToOneIsLeastFair(t *testing.T) {
	idx := jainFairnessIndex([]float64{10, 0, 0, 0})
	assert.InDelta(t, 0.25, idx, 1e-9)
}

func TestStats_ReportsQueueDepthAndGrants(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := newTestScheduler(clk)

	p, err := s.Acquire(context.Background(), "sess-1", models.QoSSilver)
	require.NoError(t, err)
	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.GrantsTotal)
	assert.Equal(t, 0, stats.QueueDepth)
	p.Release()
}
