package strategy

import (
	"fmt"
	"math"
	"sort"

	"funding-rotation-bot/internal/config"
)

type ScanParams struct {
	MinVolumeUSD      float64
	MaxSpreadPct      float64
	MinAPR            float64
	MAPeriods         int
	CurrentRateWeight float64
}

func ScanParamsFromConfig(cfg config.StrategyConfig) ScanParams {
	return ScanParams{
		MinVolumeUSD:      cfg.MinVolumeUSD,
		MaxSpreadPct:      cfg.MaxSpreadPct,
		MinAPR:            cfg.MinAPR,
		MAPeriods:         cfg.MAPeriods,
		CurrentRateWeight: cfg.CurrentRateWeight,
	}
}

type ScanResult struct {
	// Ranked holds eligible opportunities, best first.
	Ranked   []Opportunity
	Rejected []Opportunity
}

func (r ScanResult) Best() (Opportunity, bool) {
	if len(r.Ranked) == 0 {
		return Opportunity{}, false
	}
	return r.Ranked[0], true
}

// Find returns the evaluation of instrument whether it was ranked or rejected.
func (r ScanResult) Find(instrument string) (Opportunity, bool) {
	for _, set := range [][]Opportunity{r.Ranked, r.Rejected} {
		for _, o := range set {
			if o.Instrument == instrument {
				return o, true
			}
		}
	}
	return Opportunity{}, false
}

// Scan filters and ranks snapshots. The output depends only on the input set,
// never on its order.
func Scan(params ScanParams, snaps []MarketSnapshot) ScanResult {
	var out ScanResult
	for _, snap := range snaps {
		opp := Evaluate(params, snap)
		if opp.Eligible() {
			out.Ranked = append(out.Ranked, opp)
		} else {
			out.Rejected = append(out.Rejected, opp)
		}
	}
	sort.SliceStable(out.Ranked, func(i, j int) bool {
		a, b := out.Ranked[i], out.Ranked[j]
		if a.StabilizedAPR != b.StabilizedAPR {
			return a.StabilizedAPR > b.StabilizedAPR
		}
		return a.Instrument < b.Instrument
	})
	sort.SliceStable(out.Rejected, func(i, j int) bool {
		return out.Rejected[i].Instrument < out.Rejected[j].Instrument
	})
	return out
}

// Evaluate runs one snapshot through the filter stages in order and stops at
// the first rejection. Both APRs are filled whenever the data allows.
func Evaluate(params ScanParams, snap MarketSnapshot) Opportunity {
	opp := Opportunity{
		Instrument: snap.Instrument,
		VolumeA:    snap.VolumeA,
		VolumeB:    snap.VolumeB,
		HistoryA:   snap.RatesA.History,
		HistoryB:   snap.RatesB.History,
		MidA:       snap.QuoteA.Mid(),
		MidB:       snap.QuoteB.Mid(),
	}
	switch {
	case snap.Err != nil:
		return reject(opp, RejectDataUnavailable, snap.Err.Error())
	case !snap.QuoteA.Valid() || !snap.QuoteB.Valid():
		return reject(opp, RejectDataUnavailable, "missing or crossed quote")
	case snap.RatesB.PeriodsPerDay <= 0:
		return reject(opp, RejectDataUnavailable, "unknown funding interval")
	}

	opp.RateDiff = snap.RatesB.Current - snap.RatesA.Current
	opp.InstantAPR = InstantAPR(snap.RatesA, snap.RatesB)
	opp.StabilizedAPR = StabilizedAPR(snap.RatesA, snap.RatesB, params.MAPeriods, params.CurrentRateWeight)
	avgMid := (opp.MidA + opp.MidB) / 2
	opp.SpreadPct = math.Abs(opp.MidA-opp.MidB) / avgMid * 100

	if opp.VolumeB < params.MinVolumeUSD {
		return reject(opp, RejectVolume, fmt.Sprintf("volume $%.0f below $%.0f", opp.VolumeB, params.MinVolumeUSD))
	}
	if opp.InstantAPR <= 0 {
		return reject(opp, RejectRateSign, fmt.Sprintf("instant APR %.2f%% does not favour the short leg", opp.InstantAPR))
	}
	if opp.SpreadPct > params.MaxSpreadPct {
		return reject(opp, RejectSpread, fmt.Sprintf("spread %.3f%% above %.3f%%", opp.SpreadPct, params.MaxSpreadPct))
	}
	if opp.StabilizedAPR < params.MinAPR {
		return reject(opp, RejectAPR, fmt.Sprintf("APR %.2f%% below %.2f%%", opp.StabilizedAPR, params.MinAPR))
	}
	return opp
}

func reject(opp Opportunity, reason Rejection, detail string) Opportunity {
	opp.Rejection = reason
	opp.Detail = detail
	return opp
}
