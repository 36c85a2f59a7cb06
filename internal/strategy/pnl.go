package strategy

import (
	"math"
	"sort"
	"strings"

	"funding-rotation-bot/internal/venue"
)

func sideSign(side venue.Side) float64 {
	if side == venue.Sell {
		return -1
	}
	return 1
}

// LegPricePnL is the price PnL of a leg marked at price. entry falls back to
// fallbackEntry when it was never recorded.
func LegPricePnL(leg Leg, mark, fallbackEntry float64) float64 {
	entry := leg.EntryPrice
	if entry <= 0 {
		entry = fallbackEntry
	}
	if entry <= 0 || mark <= 0 {
		return 0
	}
	return sideSign(leg.Side) * math.Abs(leg.Quantity) * (mark - entry)
}

func EstimateExitFees(notionalA, notionalB, takerFeeRate float64) float64 {
	return (math.Abs(notionalA) + math.Abs(notionalB)) * takerFeeRate
}

type PnLBreakdown struct {
	Unlevered float64
	Levered   float64
	Funding   float64
	EntryFees float64
	ExitFees  float64
	Total     float64
}

// PositionPnL values the open position. The leveraged leg uses the venue's
// unrealized PnL; the unleveraged leg is marked at markA and falls back to the
// leveraged leg's venue entry price when no entry was recorded.
func PositionPnL(p Position, markA float64, levered venue.Position, takerFeeRate float64) PnLBreakdown {
	out := PnLBreakdown{
		Unlevered: LegPricePnL(p.Unlevered, markA, levered.EntryPrice),
		Levered:   levered.UnrealizedPnL,
		Funding:   p.FundingReceived,
		EntryFees: p.EntryFees,
	}
	notionalA := math.Abs(p.Unlevered.Quantity) * markA
	out.ExitFees = EstimateExitFees(notionalA, levered.Notional(), takerFeeRate)
	out.Total = out.Unlevered + out.Levered + out.Funding - out.EntryFees - out.ExitFees
	return out
}

// RealizedPnL settles a closed position at its close fills.
func RealizedPnL(p Position, closeA, closeB venue.Fill) float64 {
	a := LegPricePnL(p.Unlevered, closeA.AvgPrice, p.Levered.EntryPrice)
	b := LegPricePnL(p.Levered, closeB.AvgPrice, 0)
	return a + b + p.FundingReceived - p.EntryFees - closeA.Fee - closeB.Fee
}

// PortfolioValue sums balances in quote terms. Assets without a mid are
// returned in missing and left out of the total.
func PortfolioValue(balances []venue.Balance, quote string, mids map[string]float64) (value float64, missing []string) {
	for _, b := range balances {
		if b.Total == 0 {
			continue
		}
		if strings.EqualFold(b.Asset, quote) {
			value += b.Total
			continue
		}
		px, ok := mids[b.Asset]
		if !ok || px <= 0 {
			missing = append(missing, b.Asset)
			continue
		}
		value += b.Total * px
	}
	sort.Strings(missing)
	return value, missing
}
