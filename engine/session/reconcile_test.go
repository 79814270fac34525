package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedSet(texts map[string]string) map[string]CompletedPersona {
	out := make(map[string]CompletedPersona)
	base := time.Unix(0, 0)
	i := 0
	for k, v := range texts {
		out[k] = CompletedPersona{Key: k, Text: v, CompletedAt: base.Add(time.Duration(i) * time.Second)}
		i++
	}
	return out
}

func TestFirstWinStrategy_SelectsEarliestCompleted(t *testing.T) {
	completed := map[string]CompletedPersona{
		"a": {Key: "a", Text: "first", CompletedAt: time.Unix(1, 0)},
		"b": {Key: "b", Text: "second", CompletedAt: time.Unix(2, 0)},
	}
	r, err := FirstWinStrategy{}.IncrementalReconcile(completed)
	require.NoError(t, err)
	assert.Equal(t, "first", r.Text)
}

func TestConsensusStrategy_CanReconcileRequiresMajority(t *testing.T) {
	c := ConsensusStrategy{MajorityThreshold: 0.5}
	assert.False(t, c.CanReconcile(4, 1))
	assert.True(t, c.CanReconcile(4, 2))
}

func TestWeightedMergeStrategy_TagsEachPersonaWithWeight(t *testing.T) {
	w := WeightedMergeStrategy{Weights: map[string]float64{"a": 0.7}}
	completed := completedSet(map[string]string{"a": "foo", "b": "bar"})
	r, err := w.IncrementalReconcile(completed)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "[a:0.70]")
	assert.Contains(t, r.Text, "[b:1.00]")
	assert.InDelta(t, 1.7, r.TotalWeight, 0.001)
}

func TestWeightedMergeStrategy_TotalWeightSumsContributingPersonas(t *testing.T) {
	w := WeightedMergeStrategy{Weights: map[string]float64{"doctor-1": 2.0, "lawyer-1": 1.0}}
	completed := map[string]CompletedPersona{
		"doctor-1": {Key: "doctor-1", Text: "Medical advice", CompletedAt: time.Unix(1, 0)},
		"lawyer-1": {Key: "lawyer-1", Text: "Legal advice", CompletedAt: time.Unix(2, 0)},
	}
	r, err := w.IncrementalReconcile(completed)
	require.NoError(t, err)
	assert.Contains(t, r.Text, "Medical advice")
	assert.Contains(t, r.Text, "Legal advice")
	assert.Contains(t, r.Text, "[doctor-1:2.00]")
	assert.Contains(t, r.Text, "[lawyer-1:1.00]")
	assert.Equal(t, 3.0, r.TotalWeight)
}

func TestArbiterStrategy_ConvergentFallsBackToFirstWin(t *testing.T) {
	a := NewArbiterStrategy(context.Background(), 1.0, ArbiterStub{})
	completed := map[string]CompletedPersona{
		"a": {Key: "a", Text: "same length!", CompletedAt: time.Unix(1, 0)},
		"b": {Key: "b", Text: "same length??", CompletedAt: time.Unix(2, 0)},
	}
	r, err := a.IncrementalReconcile(completed)
	require.NoError(t, err)
	assert.True(t, r.ResultsConverged)
}

func TestArbiterStrategy_DivergentCallsArbiterAndChargesBudget(t *testing.T) {
	sess := newTestSession(&fakeClock{now: time.Unix(0, 0)})
	a := NewArbiterStrategy(context.Background(), 1.0, ArbiterStub{})
	require.NoError(t, sess.Dispatch([]Target{{PersonaID: "a", CloneID: 1}, {PersonaID: "b", CloneID: 2}}))
	require.NoError(t, sess.StartStreaming())
	require.NoError(t, sess.BufferStreamData("a", 1, 1, shortText()))
	require.NoError(t, sess.MarkPersonaComplete("a", 1, PersonaStats{}))
	require.NoError(t, sess.BufferStreamData("b", 2, 1, longText()))
	require.NoError(t, sess.MarkPersonaComplete("b", 2, PersonaStats{}))

	r, err := a.FullReconcile(sess)
	require.NoError(t, err)
	assert.False(t, r.ResultsConverged)
}

func shortText() string { return "short" }
func longText() string {
	s := ""
	for i := 0; i < 150; i++ {
		s += "x"
	}
	return s
}

type erroringArbiter struct{}

func (erroringArbiter) Arbitrate(context.Context, map[string]CompletedPersona) (ArbiterResponse, error) {
	return ArbiterResponse{}, errors.New("arbiter unavailable")
}

func TestArbiterStrategy_ClientErrorFallsBackToFirstWin(t *testing.T) {
	a := NewArbiterStrategy(context.Background(), 1.0, erroringArbiter{})
	completed := map[string]CompletedPersona{
		"a": {Key: "a", Text: shortText(), CompletedAt: time.Unix(1, 0)},
		"b": {Key: "b", Text: longText(), CompletedAt: time.Unix(2, 0)},
	}
	r, err := a.IncrementalReconcile(completed)
	require.NoError(t, err)
	assert.Equal(t, shortText(), r.Text)
}

func TestArbiterStrategy_OverBudgetFlagsExceeded(t *testing.T) {
	sess := newTestSession(&fakeClock{now: time.Unix(0, 0)})
	sess.AddBudgetUsed(1.0)
	a := NewArbiterStrategy(context.Background(), 1.0, ArbiterStub{})
	require.NoError(t, sess.Dispatch([]Target{{PersonaID: "a", CloneID: 1}, {PersonaID: "b", CloneID: 2}}))
	require.NoError(t, sess.StartStreaming())
	require.NoError(t, sess.BufferStreamData("a", 1, 1, shortText()))
	require.NoError(t, sess.MarkPersonaComplete("a", 1, PersonaStats{}))
	require.NoError(t, sess.BufferStreamData("b", 2, 1, longText()))
	require.NoError(t, sess.MarkPersonaComplete("b", 2, PersonaStats{}))

	r, err := a.FullReconcile(sess)
	require.NoError(t, err)
	assert.True(t, r.BudgetExceeded)
}
