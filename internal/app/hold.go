package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"funding-rotation-bot/internal/events"
	"funding-rotation-bot/internal/exec"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

// legs reads both venue legs of the held instrument. Dust counts as absent.
func (a *App) legs(ctx context.Context, symbol string) (venue.Position, bool, venue.Position, bool, error) {
	posA, okA, err := a.a.OpenPosition(ctx, symbol)
	if err != nil {
		return venue.Position{}, false, venue.Position{}, false, fmt.Errorf("%s position: %w", a.a.Kind(), err)
	}
	posB, okB, err := a.b.OpenPosition(ctx, symbol)
	if err != nil {
		return venue.Position{}, false, venue.Position{}, false, fmt.Errorf("%s position: %w", a.b.Kind(), err)
	}
	dust := a.cfg.Risk.MinNotionalUSD
	okA = okA && posA.Size != 0 && posA.Notional() >= dust
	okB = okB && posB.Size != 0 && posB.Notional() >= dust
	return posA, okA, posB, okB, nil
}

func (a *App) fundingSince(ctx context.Context, symbol string, since time.Time) (float64, error) {
	markets := []venue.Market{a.b}
	if a.a.Kind() == venue.KindPerp {
		markets = append(markets, a.a)
	}
	var total float64
	for _, m := range markets {
		payments, err := m.FundingPayments(ctx, symbol, since)
		if err != nil {
			return 0, err
		}
		for _, p := range payments {
			total += p.Amount
		}
	}
	return total, nil
}

// hold refreshes the open position and closes it when an exit rule fires.
// rotate reports a completed rotation close, after which the caller enters
// the target in the same tick.
func (a *App) hold(ctx context.Context, scan strategy.ScanResult, pairs map[string]Pair) (rotate bool, err error) {
	rec := a.machine.Snapshot()
	p := rec.Position
	if p == nil {
		return false, errors.New("holding without a recorded position")
	}
	posA, okA, posB, okB, err := a.legs(ctx, p.Instrument)
	if err != nil {
		return false, err
	}
	if !okA && !okB {
		next := a.step(ctx, strategy.Event{Kind: strategy.EventExternallyClosed})
		a.log.Warn("position closed outside the bot", zap.String("instrument", p.Instrument))
		a.notify(ctx, p.Instrument+" position is gone from the venue, marked closed")
		a.publish(events.KindExternallyClosed, next, p, "", "")
		return false, nil
	}

	funding, err := a.fundingSince(ctx, p.Instrument, p.OpenedAt)
	if err != nil {
		a.log.Warn("funding history unavailable, keeping recorded value", zap.String("instrument", p.Instrument), zap.Error(err))
		funding = p.FundingReceived
	}
	currentAPR := p.CurrentAPR
	if opp, ok := scan.Find(p.Instrument); ok && opp.Rejection != strategy.RejectDataUnavailable {
		currentAPR = opp.StabilizedAPR
	}
	markA := posA.MarkPrice
	if markA <= 0 {
		if q, err := a.a.BestBidAsk(ctx, p.Instrument); err == nil {
			markA = q.Mid()
		}
	}
	if markA <= 0 {
		markA = posB.MarkPrice
	}

	update := *p
	update.Unlevered.Quantity = math.Abs(posA.Size)
	update.Levered.Quantity = math.Abs(posB.Size)
	update.FundingReceived = funding
	breakdown := strategy.PositionPnL(update, markA, posB, a.cfg.Execution.TakerFeeRate)
	update.Notional = posB.Notional()
	update.PnL = breakdown.Total
	update.LeveredPnL = posB.UnrealizedPnL
	update.CurrentAPR = currentAPR
	update.RefreshedAt = a.now().UTC()
	rec = a.step(ctx, strategy.Event{Kind: strategy.EventRefreshed, Position: &update})
	p = rec.Position

	lev := posB.Leverage
	if lev <= 0 {
		lev = p.Leverage
	}
	health := strategy.CheckHealth(a.cfg.Risk, strategy.HealthInput{
		Instrument:   p.Instrument,
		Leverage:     lev,
		QtyUnlevered: p.Unlevered.Quantity,
		QtyLevered:   p.Levered.Quantity,
		Notional:     p.Notional,
	})
	for _, w := range health.Warnings {
		a.log.Warn("position health warning", zap.String("detail", w))
	}
	for _, c := range health.Critical {
		a.log.Error("position health critical", zap.String("detail", c))
	}

	in := strategy.ExitInput{
		Position:   *p,
		LeveredPnL: p.LeveredPnL,
		ExitFees:   breakdown.ExitFees,
		CurrentAPR: currentAPR,
		Health:     health,
		Now:        a.now(),
	}
	if best, ok := scan.Best(); ok {
		in.Best = &best
	}
	decision := strategy.EvaluateExit(a.exitParams, in)
	a.log.Info("position refreshed",
		zap.String("instrument", p.Instrument),
		zap.Float64("pnl", p.PnL),
		zap.Float64("funding", p.FundingReceived),
		zap.Float64("apr", currentAPR),
		zap.Bool("close", decision.Close),
	)
	if !decision.Close {
		return false, nil
	}

	a.step(ctx, strategy.Event{Kind: strategy.EventCloseStarted, Reason: string(decision.Reason)})
	a.log.Info("closing position",
		zap.String("instrument", p.Instrument),
		zap.String("reason", string(decision.Reason)),
		zap.String("detail", decision.Detail),
		zap.String("target", decision.Target),
	)
	pair, err := a.lookupPair(ctx, p.Instrument, pairs)
	if err != nil {
		return false, err
	}
	closed, err := a.closePosition(ctx, *p, string(decision.Reason), pair, posA, okA, posB, okB)
	if err != nil {
		return false, err
	}
	return closed && decision.Target != "", nil
}

// resumeClose finishes a close interrupted by a failed attempt or a restart.
func (a *App) resumeClose(ctx context.Context, pairs map[string]Pair) error {
	rec := a.machine.Snapshot()
	p := rec.Position
	if p == nil {
		a.step(ctx, strategy.Event{Kind: strategy.EventCloseFilled})
		return nil
	}
	posA, okA, posB, okB, err := a.legs(ctx, p.Instrument)
	if err != nil {
		return err
	}
	if !okA && !okB {
		a.log.Warn("legs already closed, settling at last known PnL",
			zap.String("instrument", p.Instrument), zap.Float64("pnl", p.PnL))
		next := a.step(ctx, strategy.Event{Kind: strategy.EventCloseFilled, RealizedPnL: p.PnL})
		a.metrics.PositionsClosed.With(rec.CloseReason).Inc()
		a.recordCycle(*p, rec.CloseReason, 0, p.PnL)
		ev := lifecycle(events.KindClosed, next, p, rec.CloseReason, "")
		ev.RealizedPnL = p.PnL
		a.emit(ev)
		return nil
	}
	pair, err := a.lookupPair(ctx, p.Instrument, pairs)
	if err != nil {
		return err
	}
	_, err = a.closePosition(ctx, *p, rec.CloseReason, pair, posA, okA, posB, okB)
	return err
}

// closePosition unwinds whichever legs are still held. When nothing fills it
// returns an error and leaves the strategy in CLOSING for the next tick.
func (a *App) closePosition(ctx context.Context, p strategy.Position, reason string, pair Pair,
	posA venue.Position, okA bool, posB venue.Position, okB bool) (closed bool, err error) {
	legA := exec.Leg{
		Market:     a.a,
		Instrument: pair.A,
		Side:       venue.Sell,
		Size:       strategy.FloorToStep(math.Abs(posA.Size), pair.A.SizeStep),
		ReduceOnly: a.a.Kind() == venue.KindPerp,
	}
	legB := exec.Leg{
		Market:     a.b,
		Instrument: pair.B,
		Side:       venue.Buy,
		Size:       math.Abs(posB.Size),
		ReduceOnly: true,
	}

	var res exec.Result
	switch {
	case okA && okB:
		res, err = a.coord.Submit(ctx, legA, legB)
	case okA:
		res.A = a.coord.PlaceLeg(ctx, legA)
		if !res.A.Complete() {
			err = legShortfall(p.Instrument, res.A)
		}
	default:
		res.B = a.coord.PlaceLeg(ctx, legB)
		if !res.B.Complete() {
			err = legShortfall(p.Instrument, res.B)
		}
	}
	a.countOrders(res)

	var partial *exec.PartialExecutionError
	switch {
	case errors.As(err, &partial):
		rec := a.step(ctx, strategy.Event{Kind: strategy.EventClosePartial, Err: partial.Error()})
		a.metrics.PartialExecutions.Inc()
		a.errorAlerted = true
		a.notify(ctx, "close of "+p.Instrument+" left one leg open, trading halted: "+partial.Error())
		a.publish(events.KindError, rec, &p, "close_partial", partial.Error())
		return false, partial
	case err != nil:
		return false, fmt.Errorf("close %s, will retry: %w", p.Instrument, err)
	}

	fillA, fillB := res.A.Fill, res.B.Fill
	if fillA.FilledSize > 0 && fillA.Fee == 0 {
		fillA.Fee = a.legFee(res.A)
	}
	if fillB.FilledSize > 0 && fillB.Fee == 0 {
		fillB.Fee = a.legFee(res.B)
	}
	realized := strategy.RealizedPnL(p, fillA, fillB)
	rec := a.step(ctx, strategy.Event{Kind: strategy.EventCloseFilled, RealizedPnL: realized})
	a.metrics.PositionsClosed.With(reason).Inc()
	a.recordCycle(p, reason, fillA.Fee+fillB.Fee, realized)
	a.log.Info("position closed",
		zap.String("instrument", p.Instrument),
		zap.String("reason", reason),
		zap.Float64("realized_pnl", realized),
		zap.Float64("funding", p.FundingReceived),
		zap.Float64("total_realized", rec.RealizedPnL),
	)
	a.notify(ctx, fmt.Sprintf("closed %s (%s): realized $%.2f, funding $%.2f, total $%.2f",
		p.Instrument, reason, realized, p.FundingReceived, rec.RealizedPnL))
	ev := lifecycle(events.KindClosed, rec, &p, reason, "")
	ev.RealizedPnL = realized
	a.emit(ev)
	return true, nil
}

// legShortfall describes a single close leg that failed or filled short. The
// remainder is picked up by the next CLOSING tick.
func legShortfall(symbol string, r exec.LegResult) error {
	if r.Err != nil {
		return fmt.Errorf("close %s: %w", symbol, r.Err)
	}
	return fmt.Errorf("close %s: filled %.8g of %.8g", symbol, r.Fill.FilledSize, r.Requested)
}

func (a *App) lookupPair(ctx context.Context, symbol string, pairs map[string]Pair) (Pair, error) {
	if pair, ok := pairs[symbol]; ok {
		return pair, nil
	}
	listed, err := a.scanner.Pairs(ctx)
	if err != nil {
		return Pair{}, err
	}
	if pair, ok := listed[symbol]; ok {
		return pair, nil
	}
	// An allowlist change can drop a held instrument from the scan.
	var pair Pair
	for _, m := range []struct {
		market venue.Market
		dst    *venue.Instrument
	}{{a.a, &pair.A}, {a.b, &pair.B}} {
		list, err := m.market.ListInstruments(ctx)
		if err != nil {
			return Pair{}, err
		}
		found := false
		for _, in := range list {
			if in.Symbol == symbol {
				*m.dst = in
				found = true
				break
			}
		}
		if !found {
			return Pair{}, fmt.Errorf("%s not listed on %s %s", symbol, m.market.Venue(), m.market.Kind())
		}
	}
	return pair, nil
}
