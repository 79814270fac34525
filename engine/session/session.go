// Package session implements the parallel session state machine, ordered
// per-clone buffering with gap-filling, the reconciliation strategy sum
// type, and the session manager that ties them to tracing and the audit
// log (C5 + C6).
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/99souls/agprouter/engine/clock"
	"github.com/99souls/agprouter/engine/models"
)

// State is one of the parallel session's lifecycle stages.
type State string

const (
	StateInit        State = "INIT"
	StateDispatched   State = "DISPATCHED"
	StateStreaming    State = "STREAMING"
	StateBuffering    State = "BUFFERING"
	StateReconciling  State = "RECONCILING"
	StateComplete     State = "COMPLETE"
)

// legalTransitions enumerates the state machine's edges; anything not
// listed here is an illegal transition.
var legalTransitions = map[State]map[State]bool{
	StateInit:       {StateDispatched: true},
	StateDispatched: {StateStreaming: true},
	StateStreaming:  {StateBuffering: true, StateReconciling: true},
	StateBuffering:  {StateReconciling: true},
	StateReconciling: {StateComplete: true},
}

// ErrIllegalTransition is a programming-error class failure: the caller
// attempted a state change the machine does not permit.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("session: illegal transition %s -> %s", e.From, e.To)
}

// ErrIllegalBufferOp is returned when buffering is attempted outside
// STREAMING/BUFFERING.
var ErrIllegalBufferOp = errors.New("session: buffer_stream_data only legal in STREAMING or BUFFERING")

// ErrBufferOverflow is returned when an insert would exceed the
// QoS-scaled buffer limit.
var ErrBufferOverflow = errors.New("session: buffer overflow")

// BufferEntry is one ordered chunk in a persona clone's buffer.
type BufferEntry struct {
	Seq       int
	Data      string
	GapFilled bool
	InsertedAt time.Time
}

// PersonaStats is caller-supplied completion metadata for a persona.
type PersonaStats struct {
	TokensUsed int             `json:"tokens_used"`
	CostUSD    float64         `json:"cost_usd"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// personaBuffer holds one persona clone's ordered entries and completion
// state.
type personaBuffer struct {
	entries     map[int]BufferEntry
	ordered     []BufferEntry // recomputed by gap-fill scan
	complete    bool
	completedAt time.Time
	stats       PersonaStats
	limit       int
	dataLen     int // sum of len(Data) across entries, the overflow accounting unit
}

// Target names a persona/clone pair a session was dispatched to.
type Target struct {
	PersonaID string
	CloneID   int
	QoS       string
}

func bufferKey(personaID string, cloneID int) string {
	return fmt.Sprintf("%s-%d", personaID, cloneID)
}

// Session is a single parallel-dispatch session: a producer fanned out
// to N persona clones, whose ordered outputs are buffered independently
// and eventually reconciled into one result.
type Session struct {
	ID        string
	cfg       models.ParallelSessionConfig
	clock     clock.Clock

	mu         sync.Mutex
	state      State
	targets    []Target
	buffers    map[string]*personaBuffer
	// legacyAutoClone maps a bare persona_id to its sole clone's buffer
	// key, for callers that never pass clone_id.
	legacyAutoClone map[string]string
	createdAt  time.Time

	gapWaitHistogramS []float64
	budgetUsedUSD     float64
}

// BudgetUsedUSD returns the cumulative arbiter spend charged to this
// session.
func (s *Session) BudgetUsedUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budgetUsedUSD
}

// AddBudgetUsed charges an additional arbiter cost to the session.
func (s *Session) AddBudgetUsed(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetUsedUSD += usd
}

// New constructs a session in INIT state.
func New(id string, cfg models.ParallelSessionConfig, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	return &Session{
		ID:              id,
		cfg:             cfg,
		clock:           clk,
		state:           StateInit,
		buffers:         make(map[string]*personaBuffer),
		legacyAutoClone: make(map[string]string),
		createdAt:       clk.Now(),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to `to`, returning ErrIllegalTransition if
// the edge is not permitted. Re-entering the current state is always a
// no-op success (idempotent completion callbacks are common).
func (s *Session) transition(to State) error {
	if s.state == to {
		return nil
	}
	if legalTransitions[s.state][to] {
		s.state = to
		return nil
	}
	return &ErrIllegalTransition{From: s.state, To: to}
}

// Dispatch records the persona/clone targets and moves INIT->DISPATCHED.
func (s *Session) Dispatch(targets []Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateDispatched); err != nil {
		return err
	}
	s.targets = targets
	for _, t := range targets {
		key := bufferKey(t.PersonaID, t.CloneID)
		s.buffers[key] = &personaBuffer{entries: make(map[int]BufferEntry), limit: s.bufferLimit(t.QoS)}
		if _, exists := s.legacyAutoClone[t.PersonaID]; !exists {
			s.legacyAutoClone[t.PersonaID] = key
		} else {
			// More than one clone for this persona: no unambiguous
			// legacy mapping, withdraw it.
			delete(s.legacyAutoClone, t.PersonaID)
		}
	}
	return nil
}

// StartStreaming moves DISPATCHED->STREAMING.
func (s *Session) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateStreaming)
}

func (s *Session) bufferLimit(qos string) int {
	mult := 1.0
	switch qos {
	case models.QoSGold:
		mult = s.cfg.QoSBufferMultipliers.Gold
	case models.QoSSilver:
		mult = s.cfg.QoSBufferMultipliers.Silver
	case models.QoSBronze:
		mult = s.cfg.QoSBufferMultipliers.Bronze
	}
	return int(float64(s.cfg.MaxBufferTokens) * mult)
}

// resolveKey maps (personaID, cloneID) to a buffer key, falling back to
// the legacy bare-persona_id auto-mapping when cloneID is -1 (unspecified)
// and the persona has exactly one clone.
func (s *Session) resolveKey(personaID string, cloneID int) (string, error) {
	if cloneID >= 0 {
		return bufferKey(personaID, cloneID), nil
	}
	key, ok := s.legacyAutoClone[personaID]
	if !ok {
		return "", fmt.Errorf("session: persona %q has no unambiguous single-clone mapping", personaID)
	}
	return key, nil
}

// BufferStreamData is only legal in STREAMING or BUFFERING. cloneID = -1
// selects the legacy single-clone auto-mapping.
func (s *Session) BufferStreamData(personaID string, cloneID int, seq int, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming && s.state != StateBuffering {
		return ErrIllegalBufferOp
	}
	key, err := s.resolveKey(personaID, cloneID)
	if err != nil {
		return err
	}
	pb, ok := s.buffers[key]
	if !ok {
		return fmt.Errorf("session: unknown persona/clone %q", key)
	}
	prevLen := 0
	if existing, ok := pb.entries[seq]; ok {
		prevLen = len(existing.Data)
	}
	if pb.dataLen-prevLen+len(data) > pb.limit {
		return ErrBufferOverflow
	}
	pb.entries[seq] = BufferEntry{Seq: seq, Data: data, InsertedAt: s.clock.Now()}
	pb.dataLen += len(data) - prevLen
	s.gapFillScan(pb)
	return nil
}

// gapFillScan advances through consecutive present seqs starting at 1;
// at the first gap, if the next present entry is older than
// buffer_timeout_s, a gap-filler is synthesized for the missing seq and
// the scan continues recursively. The gap-to-fill wait is recorded into
// the session's gap-wait histogram.
func (s *Session) gapFillScan(pb *personaBuffer) {
	seqs := make([]int, 0, len(pb.entries))
	for seq := range pb.entries {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	ordered := make([]BufferEntry, 0, len(seqs))
	expected := 1
	timeout := time.Duration(s.cfg.BufferTimeoutS) * time.Second
	now := s.clock.Now()

	for {
		entry, ok := pb.entries[expected]
		if ok {
			ordered = append(ordered, entry)
			expected++
			continue
		}
		next := nextPresentSeq(pb.entries, expected)
		if next == -1 {
			break
		}
		nextEntry := pb.entries[next]
		wait := now.Sub(nextEntry.InsertedAt)
		if wait < timeout {
			break
		}
		s.gapWaitHistogramS = append(s.gapWaitHistogramS, wait.Seconds())
		filler := BufferEntry{Seq: expected, GapFilled: true, InsertedAt: now}
		pb.entries[expected] = filler
		ordered = append(ordered, filler)
		expected++
	}
	pb.ordered = ordered
}

func nextPresentSeq(entries map[int]BufferEntry, from int) int {
	best := -1
	for seq := range entries {
		if seq >= from && (best == -1 || seq < best) {
			best = seq
		}
	}
	return best
}

// MarkPersonaComplete marks the matching persona/clone complete. When
// every dispatched target is complete and the session is STREAMING, it
// auto-transitions to BUFFERING.
func (s *Session) MarkPersonaComplete(personaID string, cloneID int, stats PersonaStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.resolveKey(personaID, cloneID)
	if err != nil {
		return err
	}
	pb, ok := s.buffers[key]
	if !ok {
		return fmt.Errorf("session: unknown persona/clone %q", key)
	}
	pb.complete = true
	pb.completedAt = s.clock.Now()
	pb.stats = stats

	if s.state == StateStreaming && s.allComplete() {
		return s.transition(StateBuffering)
	}
	return nil
}

func (s *Session) allComplete() bool {
	for _, pb := range s.buffers {
		if !pb.complete {
			return false
		}
	}
	return true
}

// CompletedPersonas returns a snapshot map of completed persona buffers,
// keyed by buffer key (map iteration order is not defined), for the reconciliation strategies
// to consume.
func (s *Session) CompletedPersonas() map[string]CompletedPersona {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CompletedPersona)
	for key, pb := range s.buffers {
		if !pb.complete {
			continue
		}
		out[key] = CompletedPersona{
			Key:         key,
			CompletedAt: pb.completedAt,
			Stats:       pb.stats,
			Text:        concatOrdered(pb.ordered),
		}
	}
	return out
}

// TotalPersonas returns the number of dispatched persona/clone targets.
func (s *Session) TotalPersonas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// CompletedPersona is a read-only view handed to reconciliation
// strategies.
type CompletedPersona struct {
	Key         string
	CompletedAt time.Time
	Stats       PersonaStats
	Text        string
}

func concatOrdered(entries []BufferEntry) string {
	var sb []byte
	for _, e := range entries {
		sb = append(sb, []byte(e.Data)...)
	}
	return string(sb)
}

// BeginReconciliation transitions STREAMING/BUFFERING -> RECONCILING.
func (s *Session) BeginReconciliation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateReconciling)
}

// Complete transitions RECONCILING -> COMPLETE.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateComplete)
}

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// PersonaCount returns the number of distinct personas (not clones)
// dispatched, used by the adaptive switching heuristic.
func (s *Session) PersonaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, t := range s.targets {
		seen[t.PersonaID] = true
	}
	return len(seen)
}
