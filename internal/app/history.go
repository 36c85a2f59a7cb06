package app

import (
	"context"
	"strings"

	"funding-rotation-bot/internal/events"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/timescale"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

// refreshPortfolio values both wallets in the quote asset. The first
// valuation that prices every asset becomes the baseline for portfolio PnL.
func (a *App) refreshPortfolio(ctx context.Context) {
	quote := a.cfg.Venue.QuoteAsset
	var balances []venue.Balance
	for _, m := range []venue.Market{a.a, a.b} {
		bs, err := m.Balances(ctx)
		if err != nil {
			a.log.Warn("portfolio balances unavailable", zap.String("market", string(m.Kind())), zap.Error(err))
			return
		}
		balances = append(balances, bs...)
	}
	mids := make(map[string]float64)
	pricer, _ := a.a.(venue.Pricer)
	for _, b := range balances {
		if b.Total == 0 || strings.EqualFold(b.Asset, quote) || pricer == nil {
			continue
		}
		if _, ok := mids[b.Asset]; ok {
			continue
		}
		if px, err := pricer.Mid(ctx, b.Asset); err == nil && px > 0 {
			mids[b.Asset] = px
		}
	}
	value, missing := strategy.PortfolioValue(balances, quote, mids)
	if len(missing) > 0 {
		a.log.Debug("assets left out of portfolio value", zap.Strings("assets", missing))
	}
	rec := a.machine.Snapshot()
	switch {
	case rec.HasBaseline():
	case len(missing) > 0:
		a.log.Warn("portfolio baseline deferred, assets unpriced", zap.Strings("assets", missing))
	default:
		rec = a.step(ctx, strategy.Event{Kind: strategy.EventBaseline, Value: value})
		a.log.Info("portfolio baseline captured", zap.Float64("value", value))
	}
	var pnl float64
	if rec.HasBaseline() {
		pnl = value - rec.BaselineValue
	}
	a.metrics.PortfolioValue.Set(value)
	a.metrics.PortfolioPnL.Set(pnl)
	a.opsMu.Lock()
	a.portfolio = portfolioView{Value: value, PnL: pnl, At: a.now()}
	a.opsMu.Unlock()
}

func (a *App) recordSnapshot(scan strategy.ScanResult) {
	rec := a.machine.Snapshot()
	a.opsMu.RLock()
	view := a.portfolio
	a.opsMu.RUnlock()
	snap := timescale.PositionSnapshot{
		Time:           a.now().UTC(),
		Phase:          string(rec.Phase),
		PortfolioValue: view.Value,
		PortfolioPnL:   view.PnL,
	}
	if best, ok := scan.Best(); ok {
		snap.BestInstrument = best.Instrument
		snap.BestAPR = best.StabilizedAPR
	}
	if p := rec.Position; p != nil {
		snap.Instrument = p.Instrument
		snap.Leverage = p.Leverage
		snap.QtyUnlevered = p.Unlevered.Quantity
		snap.QtyLevered = p.Levered.Quantity
		snap.NotionalUSD = p.Notional
		snap.CapitalUSD = p.Capital
		snap.FundingReceived = p.FundingReceived
		snap.PnL = p.PnL
		snap.LeveredPnL = p.LeveredPnL
		snap.CurrentAPR = p.CurrentAPR
		a.metrics.PositionPnL.Set(p.PnL)
		a.metrics.FundingReceived.Set(p.FundingReceived)
		a.metrics.CurrentAPR.Set(p.CurrentAPR)
	} else {
		a.metrics.PositionPnL.Set(0)
		a.metrics.FundingReceived.Set(0)
		a.metrics.CurrentAPR.Set(0)
	}
	a.timescale.EnqueuePosition(snap)
}

func (a *App) recordCycle(p strategy.Position, reason string, exitFees, realized float64) {
	a.timescale.EnqueueCycle(timescale.Cycle{
		ClosedAt:        a.now().UTC(),
		OpenedAt:        p.OpenedAt,
		Instrument:      p.Instrument,
		Reason:          reason,
		Leverage:        p.Leverage,
		CapitalUSD:      p.Capital,
		EntryAPR:        p.EntryAPR,
		FundingReceived: p.FundingReceived,
		EntryFees:       p.EntryFees,
		ExitFees:        exitFees,
		RealizedPnL:     realized,
	})
}

func (a *App) publish(kind events.Kind, rec strategy.Record, p *strategy.Position, reason, errText string) {
	a.emit(lifecycle(kind, rec, p, reason, errText))
}

func (a *App) emit(ev events.Lifecycle) {
	if ev.At.IsZero() {
		ev.At = a.now().UTC()
	}
	_ = a.events.Publish(ev)
}

func lifecycle(kind events.Kind, rec strategy.Record, p *strategy.Position, reason, errText string) events.Lifecycle {
	ev := events.Lifecycle{
		Kind:   kind,
		Phase:  string(rec.Phase),
		Reason: reason,
		Error:  errText,
	}
	if p != nil {
		ev.Instrument = p.Instrument
		ev.Leverage = p.Leverage
		ev.Quantity = p.Levered.Quantity
		ev.CapitalUSD = p.Capital
		ev.EntryAPR = p.EntryAPR
		ev.Funding = p.FundingReceived
	}
	return ev
}
