package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteSelectionWeights_DefaultSumsToOne(t *testing.T) {
	w := DefaultRouteSelectionConfig().Weights
	assert.InDelta(t, 1.0, w.Sum(), 0.01)
	assert.NoError(t, w.Validate())
}

func TestRouteSelectionWeights_Validate_RejectsOutOfRangeTerm(t *testing.T) {
	w := RouteSelectionWeights{LocalPref: 1.5, PathLen: -0.5}
	assert.ErrorIs(t, w.Validate(), ErrWeightOutOfRange)
}

func TestRouteSelectionWeights_Validate_RejectsSumOutsideTolerance(t *testing.T) {
	w := RouteSelectionWeights{LocalPref: 0.5, PathLen: 0.5, Health: 0.5}
	assert.ErrorIs(t, w.Validate(), ErrWeightSumInvalid)
}

func TestRouteSelectionWeights_Validate_AcceptsWithinOnePercentTolerance(t *testing.T) {
	w := RouteSelectionWeights{LocalPref: 0.3, PathLen: 0.2, Health: 0.2, Cost: 0.1, Predict: 0.1, QoSFit: 0.05, Overhead: 0.049}
	assert.NoError(t, w.Validate())
}

func baseRouteAttributes() RouteAttributes {
	return RouteAttributes{
		Path:    []uint32{65001},
		NextHop: "10.0.0.1",
	}
}

// Capacity and Health/Predictability share one convention: a block is
// only "incomplete" when every one of its required fields is the zero
// value (nothing was really set). A legitimate value of zero in just one
// field — a free route's usd_per_s, a consistently-fast route's err_rate
// — must not trip the incompleteness check.
func TestRouteAttributes_Validate_AcceptsLegitimateFreeRouteWithZeroCost(t *testing.T) {
	a := baseRouteAttributes()
	a.Capacity = &Capacity{MaxParallel: 4, TokensPerS: 100, USDPerS: 0}
	assert.NoError(t, a.Validate())
}

func TestRouteAttributes_Validate_RejectsAllZeroCapacity(t *testing.T) {
	a := baseRouteAttributes()
	a.Capacity = &Capacity{}
	assert.ErrorIs(t, a.Validate(), ErrIncompleteCapacity)
}

func TestRouteAttributes_Validate_AcceptsLegitimateZeroErrRate(t *testing.T) {
	a := baseRouteAttributes()
	a.Health = &Health{P50Ms: 40, P95Ms: 90, ErrRate: 0}
	assert.NoError(t, a.Validate())
}

func TestRouteAttributes_Validate_RejectsAllZeroHealth(t *testing.T) {
	a := baseRouteAttributes()
	a.Health = &Health{}
	assert.ErrorIs(t, a.Validate(), ErrIncompleteHealth)
}
