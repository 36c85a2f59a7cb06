package strategy

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rotation-bot/internal/venue"
)

func testParams() ScanParams {
	return ScanParams{
		MinVolumeUSD:      100,
		MaxSpreadPct:      0.15,
		MinAPR:            15,
		MAPeriods:         10,
		CurrentRateWeight: 0.1,
	}
}

func snapshot(instrument string, rate float64) MarketSnapshot {
	return MarketSnapshot{
		Instrument: instrument,
		VolumeA:    1000,
		VolumeB:    1000,
		RatesB:     venue.FundingRates{Current: rate, History: []float64{rate, rate, rate}, PeriodsPerDay: 24},
		QuoteA:     venue.Quote{Bid: 99.99, Ask: 100.01},
		QuoteB:     venue.Quote{Bid: 100.01, Ask: 100.03},
	}
}

func instruments(opps []Opportunity) []string {
	out := make([]string, 0, len(opps))
	for _, o := range opps {
		out = append(out, o.Instrument)
	}
	return out
}

func TestScanRanksByStabilizedAPR(t *testing.T) {
	snaps := []MarketSnapshot{
		snapshot("ETH", 0.0001),
		snapshot("BTC", 0.0002),
		snapshot("SOL", 0.00005),
	}
	res := Scan(testParams(), snaps)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, instruments(res.Ranked))
	best, ok := res.Best()
	require.True(t, ok)
	assert.InDelta(t, 175.2, best.StabilizedAPR, 1e-9)
	assert.InDelta(t, 175.2, best.InstantAPR, 1e-9)
}

func TestScanIsDeterministic(t *testing.T) {
	snaps := []MarketSnapshot{
		snapshot("ETH", 0.0001),
		snapshot("ARB", 0.0001),
		snapshot("BTC", 0.0002),
		snapshot("DOGE", -0.0001),
		snapshot("SOL", 0.0001),
	}
	want := Scan(testParams(), snaps)
	assert.Equal(t, []string{"BTC", "ARB", "ETH", "SOL"}, instruments(want.Ranked))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]MarketSnapshot(nil), snaps...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Scan(testParams(), shuffled))
	}
}

func TestScanVetoesNegativeRate(t *testing.T) {
	snap := snapshot("ETH", 0.0001)
	snap.RatesB.Current = -0.00001
	res := Scan(testParams(), []MarketSnapshot{snap})
	require.Empty(t, res.Ranked)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, RejectRateSign, res.Rejected[0].Rejection)
	// history is strongly positive, the veto still applies
	assert.Greater(t, res.Rejected[0].StabilizedAPR, 15.0)
}

func TestScanVetoesWhenLongLegPaysMore(t *testing.T) {
	snap := snapshot("ETH", 0.0001)
	snap.RatesA = venue.FundingRates{Current: 0.0002, PeriodsPerDay: 24}
	opp := Evaluate(testParams(), snap)
	assert.Equal(t, RejectRateSign, opp.Rejection)
}

func TestScanStageOrder(t *testing.T) {
	params := testParams()

	low := snapshot("ETH", -0.0001)
	low.VolumeB = 10
	assert.Equal(t, RejectVolume, Evaluate(params, low).Rejection)

	// long-leg volume does not matter
	spotThin := snapshot("ETH", 0.0001)
	spotThin.VolumeA = 1
	assert.True(t, Evaluate(params, spotThin).Eligible())

	wide := snapshot("ETH", -0.0001)
	wide.QuoteB = venue.Quote{Bid: 101, Ask: 101.02}
	assert.Equal(t, RejectRateSign, Evaluate(params, wide).Rejection)

	wide.RatesB.Current = 0.0001
	wide.RatesB.History = []float64{0.0001}
	opp := Evaluate(params, wide)
	assert.Equal(t, RejectSpread, opp.Rejection)
	assert.Greater(t, opp.SpreadPct, 0.15)

	small := snapshot("ETH", 0.00001)
	assert.Equal(t, RejectAPR, Evaluate(params, small).Rejection)
}

func TestScanDataUnavailableIsExcluded(t *testing.T) {
	broken := snapshot("ETH", 0.0001)
	broken.Err = venue.DataUnavailable("no funding history")
	crossed := snapshot("BTC", 0.0001)
	crossed.QuoteA = venue.Quote{Bid: 101, Ask: 100}
	res := Scan(testParams(), []MarketSnapshot{broken, crossed, snapshot("SOL", 0.0001)})

	assert.Equal(t, []string{"SOL"}, instruments(res.Ranked))
	require.Len(t, res.Rejected, 2)
	for _, r := range res.Rejected {
		assert.Equal(t, RejectDataUnavailable, r.Rejection)
	}
	assert.True(t, errors.Is(broken.Err, venue.ErrDataUnavailable))
}

func TestScanResultFind(t *testing.T) {
	res := Scan(testParams(), []MarketSnapshot{snapshot("ETH", 0.0001), snapshot("SOL", -0.0001)})
	opp, ok := res.Find("SOL")
	require.True(t, ok)
	assert.Equal(t, RejectRateSign, opp.Rejection)
	_, ok = res.Find("BTC")
	assert.False(t, ok)
}
