package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"funding-rotation-bot/internal/venue"
)

func heldPosition() Position {
	return Position{
		Instrument:      "ETH",
		Unlevered:       Leg{Venue: "hyperliquid", Kind: venue.KindSpot, Side: venue.Buy, Quantity: 1, EntryPrice: 3000},
		Levered:         Leg{Venue: "hyperliquid", Kind: venue.KindPerp, Side: venue.Sell, Quantity: 1, EntryPrice: 3002},
		Leverage:        3,
		Capital:         4000,
		EntryFees:       6,
		FundingReceived: 12,
	}
}

func TestPositionPnL(t *testing.T) {
	p := heldPosition()
	lev := venue.Position{Symbol: "ETH", Size: -1, EntryPrice: 3002, MarkPrice: 3100, UnrealizedPnL: -98}
	got := PositionPnL(p, 3100, lev, 0.001)
	assert.InDelta(t, 100, got.Unlevered, 1e-9)
	assert.InDelta(t, -98, got.Levered, 1e-9)
	assert.InDelta(t, 6.2, got.ExitFees, 1e-9)
	assert.InDelta(t, 100-98+12-6-6.2, got.Total, 1e-9)
}

func TestPositionPnLFallsBackToLeveredEntry(t *testing.T) {
	p := heldPosition()
	p.Unlevered.EntryPrice = 0
	lev := venue.Position{Symbol: "ETH", Size: -1, EntryPrice: 2950, MarkPrice: 3000}
	got := PositionPnL(p, 3000, lev, 0)
	assert.InDelta(t, 50, got.Unlevered, 1e-9)
}

func TestRealizedPnL(t *testing.T) {
	p := heldPosition()
	closeA := venue.Fill{FilledSize: 1, AvgPrice: 2900, Fee: 2.9}
	closeB := venue.Fill{FilledSize: 1, AvgPrice: 2905, Fee: 2.905}
	// (2900-3000) + (3002-2905) + 12 - 6 - 2.9 - 2.905
	assert.InDelta(t, -100+97+12-6-5.805, RealizedPnL(p, closeA, closeB), 1e-9)
}

func TestPortfolioValue(t *testing.T) {
	balances := []venue.Balance{
		{Asset: "USDC", Total: 1000},
		{Asset: "ETH", Total: 0.5},
		{Asset: "PURR", Total: 10},
		{Asset: "HYPE", Total: 0},
	}
	value, missing := PortfolioValue(balances, "USDC", map[string]float64{"ETH": 3000})
	assert.InDelta(t, 2500, value, 1e-9)
	assert.Equal(t, []string{"PURR"}, missing)
}
