package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"funding-rotation-bot/internal/venue"
)

func TestAPR(t *testing.T) {
	assert.InDelta(t, 10.95, APR(0.0001, 3), 1e-9)
	assert.InDelta(t, 87.6, APR(0.0001, 24), 1e-9)
}

func TestHybridMAEqualWeightIsPlainMean(t *testing.T) {
	history := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	got := HybridMA(10, history, 10, 0.1)
	assert.InDelta(t, 5.5, got, 1e-12)
}

func TestHybridMAUsesNewestSamples(t *testing.T) {
	history := []float64{100, 100, 1, 1}
	got := HybridMA(1, history, 3, 0.5)
	assert.InDelta(t, 1, got, 1e-12)
}

func TestHybridMAWeightExtremes(t *testing.T) {
	history := []float64{2, 2, 2}
	assert.InDelta(t, 2, HybridMA(8, history, 4, 0), 1e-12)
	assert.InDelta(t, 8, HybridMA(8, history, 4, 1), 1e-12)
	assert.InDelta(t, 3.2, HybridMA(8, history, 4, 0.2), 1e-12)
}

func TestHybridMANoHistory(t *testing.T) {
	assert.Equal(t, 0.0003, HybridMA(0.0003, nil, 10, 0.1))
	assert.Equal(t, 0.0003, HybridMA(0.0003, []float64{1}, 1, 0.1))
}

func TestStabilizedAPRSpotLegContributesNothing(t *testing.T) {
	spot := venue.FundingRates{}
	perp := venue.FundingRates{Current: 0.0001, History: []float64{0.0001, 0.0001}, PeriodsPerDay: 24}
	assert.InDelta(t, 87.6, StabilizedAPR(spot, perp, 3, 0.5), 1e-9)
	assert.InDelta(t, 87.6, InstantAPR(spot, perp), 1e-9)
}

func TestStabilizedAPRNormalisesPeriods(t *testing.T) {
	a := venue.FundingRates{Current: 0.0003, PeriodsPerDay: 3}
	b := venue.FundingRates{Current: 0.0001, PeriodsPerDay: 24}
	// 87.6 - 32.85
	assert.InDelta(t, 54.75, InstantAPR(a, b), 1e-9)
}
