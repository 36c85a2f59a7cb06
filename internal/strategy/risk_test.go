package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/venue"
)

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		MaintenanceMargin:    0.005,
		StopLossBuffer:       0.007,
		MaxLeverage:          3,
		ImbalanceWarnPct:     5,
		ImbalanceCriticalPct: 10,
		MinNotionalUSD:       5,
	}
}

func TestCapitalFractionsSumToOne(t *testing.T) {
	for l := 1; l <= 10; l++ {
		assert.InDelta(t, 1, LeveredFraction(l)+UnleveredFraction(l), 1e-12, "leverage %d", l)
		a, b := SplitCapital(1000, l)
		assert.InDelta(t, 1000, a+b, 1e-9)
	}
	a, b := SplitCapital(1000, 3)
	assert.InDelta(t, 750, a, 1e-9)
	assert.InDelta(t, 250, b, 1e-9)
}

func TestLiquidationDistance(t *testing.T) {
	assert.InDelta(t, 0.3267, LiquidationDistance(3, 0.005), 1e-4)
	assert.InDelta(t, 0.99005, LiquidationDistance(1, 0.005), 1e-5)
}

func TestStopLossAtThreeX(t *testing.T) {
	assert.InDelta(t, -0.2398, StopLoss(3, 0.005, 0.007), 1e-4)
}

func TestStopLossTightensWithLeverage(t *testing.T) {
	prev := StopLoss(1, 0.005, 0.007)
	assert.Less(t, prev, 0.0)
	for l := 2; l <= 10; l++ {
		cur := StopLoss(l, 0.005, 0.007)
		assert.Less(t, -cur, -prev, "leverage %d", l)
		prev = cur
	}
	assert.InDelta(t, -0.0796, StopLoss(10, 0.005, 0.007), 1e-4)
}

func TestStopLossClampsAtZero(t *testing.T) {
	assert.Equal(t, 0.0, StopLoss(3, 0.005, 0.5))
}

func TestFloorToStep(t *testing.T) {
	assert.InDelta(t, 0.3, FloorToStep(0.3, 0.1), 1e-12)
	assert.InDelta(t, 1.23, FloorToStep(1.2399, 0.01), 1e-12)
	assert.Equal(t, 0.0, FloorToStep(0.009, 0.01))
	assert.Equal(t, 2.5, FloorToStep(2.5, 0))
}

func TestSizeHedgeUsesCoarserStep(t *testing.T) {
	a := venue.Instrument{Symbol: "ETH", SizeStep: 0.0001, MinSize: 0.001}
	b := venue.Instrument{Symbol: "ETH", SizeStep: 0.01, MinSize: 0.01}
	s := SizeHedge(1000, 3, a, b, venue.Quote{Bid: 2999, Ask: 3001}, venue.Quote{Bid: 2999, Ask: 3001})
	require.True(t, s.Eligible, s.Reason)
	assert.InDelta(t, 750, s.Notional, 1e-9)
	assert.Equal(t, 0.01, s.Step)
	assert.InDelta(t, 0.25, s.Quantity, 1e-12)
}

func TestSizeHedgeBelowMinimum(t *testing.T) {
	a := venue.Instrument{Symbol: "BTC", SizeStep: 0.00001, MinSize: 0.0001}
	b := venue.Instrument{Symbol: "BTC", SizeStep: 0.001, MinSize: 0.001}
	s := SizeHedge(40, 1, a, b, venue.Quote{Bid: 60000, Ask: 60001}, venue.Quote{Bid: 60000, Ask: 60001})
	assert.False(t, s.Eligible)
	assert.NotEmpty(t, s.Reason)
}

func TestSizeHedgeRejectsMissingQuote(t *testing.T) {
	inst := venue.Instrument{Symbol: "ETH", SizeStep: 0.01}
	s := SizeHedge(1000, 3, inst, inst, venue.Quote{}, venue.Quote{Bid: 1, Ask: 1})
	assert.False(t, s.Eligible)
}

func TestCheckHealthThresholds(t *testing.T) {
	cfg := testRisk()

	ok := CheckHealth(cfg, HealthInput{Instrument: "ETH", Leverage: 3, QtyUnlevered: 1, QtyLevered: 0.98, Notional: 3000})
	assert.True(t, ok.Healthy())
	assert.Empty(t, ok.Warnings)

	warn := CheckHealth(cfg, HealthInput{Instrument: "ETH", Leverage: 3, QtyUnlevered: 1, QtyLevered: 0.93, Notional: 3000})
	assert.True(t, warn.Healthy())
	assert.Len(t, warn.Warnings, 1)

	crit := CheckHealth(cfg, HealthInput{Instrument: "ETH", Leverage: 3, QtyUnlevered: 1, QtyLevered: 0.85, Notional: 3000})
	assert.False(t, crit.Healthy())

	lev := CheckHealth(cfg, HealthInput{Instrument: "ETH", Leverage: 4, QtyUnlevered: 1, QtyLevered: 1, Notional: 3000})
	assert.False(t, lev.Healthy())
}

func TestCheckHealthDustIsWarning(t *testing.T) {
	r := CheckHealth(testRisk(), HealthInput{Instrument: "ETH", Leverage: 2, QtyUnlevered: 0.001, QtyLevered: 0.001, Notional: 3})
	assert.True(t, r.Healthy())
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "$3.00")
}

func TestImbalancePct(t *testing.T) {
	assert.InDelta(t, 10, ImbalancePct(1, -0.9), 1e-9)
	assert.Equal(t, 0.0, ImbalancePct(0, 0))
	assert.Equal(t, 100.0, ImbalancePct(0, 1))
}
