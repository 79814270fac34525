// Package scheduler implements the fair concurrency scheduler (C8): a
// weighted fair queue gating admission against each session's AIMD
// congestion window, with starvation protection and, when QoS priority
// is enabled, QoS rank taking precedence over the served/weight ratio.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/99souls/agprouter/engine/aimd"
	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

// ErrNotGranted is returned when an acquisition times out waiting in the
// queue. Callers translate this into a 429-class response at the
// boundary.
var ErrNotGranted = errors.New("scheduler: acquisition not granted before timeout")

// Permit represents one granted concurrency slot. The holder must call
// Release exactly once when the underlying work completes.
type Permit interface {
	Release()
}

type sessionState struct {
	weight       float64
	served       uint64
	active       int
	boostBase    float64
	boostSetAt   time.Time
	boosted      bool
}

type queueEntry struct {
	session    string
	qos        string
	enqueuedAt time.Time
	grantCh    chan struct{}
	dropped    bool
}

// Stats is a point-in-time snapshot of scheduler health.
type Stats struct {
	QueueDepth     int
	GrantsTotal    uint64
	DropsTotal     uint64
	WaitP50Ms      float64
	WaitP90Ms      float64
	WaitP95Ms      float64
	WaitP99Ms      float64
	FairnessIndex  float64
}

// Scheduler is a single process-wide admission controller. All decisions
// serialize behind one mutex, matching the spec's single-writer model for
// the admission path (route-table reads, by contrast, use a separate
// read/write lock in engine/routetable).
type Scheduler struct {
	cfg   models.SchedulerConfig
	clock clock.Clock
	aimd  *aimd.Controller

	mu       sync.Mutex
	sessions map[string]*sessionState
	queue    *list.List // of *queueEntry

	grantsTotal uint64
	dropsTotal  uint64
	recentWaits []time.Duration
}

// New constructs a Scheduler. aimdCtrl supplies each session's current
// congestion window; it must not be nil.
func New(cfg models.SchedulerConfig, clk clock.Clock, aimdCtrl *aimd.Controller) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clk,
		aimd:     aimdCtrl,
		sessions: make(map[string]*sessionState),
		queue:    list.New(),
	}
}

func (s *Scheduler) stateFor(session string) *sessionState {
	st, ok := s.sessions[session]
	if !ok {
		st = &sessionState{weight: s.cfg.DefaultWeight}
		if st.weight < s.cfg.MinWeight {
			st.weight = s.cfg.MinWeight
		}
		s.sessions[session] = st
	}
	return st
}

// effectiveWeight applies any active starvation boost, decaying it by
// decay^elapsed since it was set, and clears it once it has decayed to
// within 5% of the base weight.
func (s *Scheduler) effectiveWeight(st *sessionState, now time.Time) float64 {
	if !st.boosted {
		return st.weight
	}
	elapsed := now.Sub(st.boostSetAt).Seconds()
	boosted := st.boostBase * math.Pow(s.cfg.BoostDecayPerSec, elapsed)
	if boosted <= st.weight*1.05 {
		st.boosted = false
		return st.weight
	}
	return boosted
}

type permit struct {
	sched   *Scheduler
	session string
}

func (p *permit) Release() { p.sched.release(p.session) }

// Acquire attempts to gain a concurrency slot for session, respecting its
// AIMD window. It blocks until granted, the context is cancelled, or
// AcquireTimeout elapses, whichever comes first.
func (s *Scheduler) Acquire(ctx context.Context, session string, qos string) (Permit, error) {
	window, err := s.aimd.Get(ctx, session)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.stateFor(session)
	headIsSelf := false
	if front := s.queue.Front(); front != nil {
		headIsSelf = front.Value.(*queueEntry).session == session
	}
	if st.active < window && !headIsSelf {
		st.active++
		st.served++
		s.grantsTotal++
		s.mu.Unlock()
		return &permit{sched: s, session: session}, nil
	}

	entry := &queueEntry{session: session, qos: qos, enqueuedAt: s.clock.Now(), grantCh: make(chan struct{}, 1)}
	el := s.queue.PushBack(entry)
	s.mu.Unlock()

	timeout := s.cfg.AcquireTimeout
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timeoutCh = s.clock.After(timeout)
	}

	select {
	case <-entry.grantCh:
		return &permit{sched: s, session: session}, nil
	case <-timeoutCh:
		s.mu.Lock()
		if !entry.dropped {
			s.queue.Remove(el)
			s.dropsTotal++
		}
		s.mu.Unlock()
		return nil, ErrNotGranted
	case <-ctx.Done():
		s.mu.Lock()
		if !entry.dropped {
			s.queue.Remove(el)
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release frees one active slot for session and, if the queue is
// non-empty, grants the next eligible entry.
func (s *Scheduler) release(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[session]; ok && st.active > 0 {
		st.active--
	}
	s.promoteStarved()
	s.grantNext()
}

// promoteStarved scans the queue for entries waiting past the dynamic
// starvation threshold and gives their session a temporary weight boost.
func (s *Scheduler) promoteStarved() {
	now := s.clock.Now()
	threshold := s.dynamicStarvationThreshold()
	for el := s.queue.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*queueEntry)
		if now.Sub(entry.enqueuedAt) <= threshold {
			continue
		}
		st := s.stateFor(entry.session)
		if !st.boosted {
			st.boosted = true
			st.boostBase = st.weight * s.cfg.BoostFactor
			st.boostSetAt = now
		}
	}
}

func (s *Scheduler) dynamicStarvationThreshold() time.Duration {
	floor := time.Duration(s.cfg.MinStarvationWaitMs) * time.Millisecond
	if len(s.recentWaits) == 0 {
		return floor
	}
	p95 := percentile(s.recentWaits, 0.95)
	if p95 > floor {
		return p95
	}
	return floor
}

// grantNext scans the queue, skipping entries whose session is already at
// its AIMD window cap, and grants the best-ranked remaining entry.
func (s *Scheduler) grantNext() {
	if s.queue.Len() == 0 {
		return
	}

	var best *list.Element
	var bestEntry *queueEntry
	var bestRatio float64
	var bestQoSRank int

	now := s.clock.Now()
	for el := s.queue.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*queueEntry)
		st := s.stateFor(entry.session)
		window, err := s.aimd.Get(context.Background(), entry.session)
		if err != nil {
			continue
		}
		if st.active >= window {
			continue
		}

		weight := s.effectiveWeight(st, now)
		if weight <= 0 {
			weight = s.cfg.MinWeight
		}
		ratio := float64(st.served) / weight
		rank := models.QoSRank(entry.qos)

		if best == nil {
			best, bestEntry, bestRatio, bestQoSRank = el, entry, ratio, rank
			continue
		}

		if s.cfg.QoSPriorityEnabled && rank != bestQoSRank {
			if rank > bestQoSRank {
				best, bestEntry, bestRatio, bestQoSRank = el, entry, ratio, rank
			}
			continue
		}

		if ratio < bestRatio || (ratio == bestRatio && entry.enqueuedAt.Before(bestEntry.enqueuedAt)) {
			best, bestEntry, bestRatio, bestQoSRank = el, entry, ratio, rank
		}
	}

	if best == nil {
		return
	}

	st := s.stateFor(bestEntry.session)
	st.active++
	st.served++
	s.grantsTotal++
	s.recordWait(now.Sub(bestEntry.enqueuedAt))
	s.queue.Remove(best)
	bestEntry.dropped = true
	bestEntry.grantCh <- struct{}{}
}

func (s *Scheduler) recordWait(d time.Duration) {
	const maxSamples = 1000
	s.recentWaits = append(s.recentWaits, d)
	if len(s.recentWaits) > maxSamples {
		s.recentWaits = s.recentWaits[len(s.recentWaits)-maxSamples:]
	}
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stats returns a snapshot of queue depth, grant/drop counters, wait-time
// percentiles, and Jain's fairness index over served counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	served := make([]float64, 0, len(s.sessions))
	for _, st := range s.sessions {
		served = append(served, float64(st.served))
	}

	toMs := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return Stats{
		QueueDepth:    s.queue.Len(),
		GrantsTotal:   s.grantsTotal,
		DropsTotal:    s.dropsTotal,
		WaitP50Ms:     toMs(percentile(s.recentWaits, 0.50)),
		WaitP90Ms:     toMs(percentile(s.recentWaits, 0.90)),
		WaitP95Ms:     toMs(percentile(s.recentWaits, 0.95)),
		WaitP99Ms:     toMs(percentile(s.recentWaits, 0.99)),
		FairnessIndex: jainFairnessIndex(served),
	}
}

// jainFairnessIndex computes Jain's fairness index over a set of served
// counts: (sum x)^2 / (n * sum x^2). 1.0 is perfectly fair; 1/n is the
// least fair case (all service to one session).
func jainFairnessIndex(served []float64) float64 {
	if len(served) == 0 {
		return 1.0
	}
	var sum, sumSq float64
	for _, x := range served {
		sum += x
		sumSq += x * x
	}
	if sumSq == 0 {
		return 1.0
	}
	n := float64(len(served))
	return (sum * sum) / (n * sumSq)
}
