package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"funding-rotation-bot/internal/events"
	"funding-rotation-bot/internal/exec"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

// minTransferUSD skips rebalancing moves too small to matter.
const minTransferUSD = 1.0

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// enter opens the best ranked opportunity if there is one.
func (a *App) enter(ctx context.Context, scan strategy.ScanResult, pairs map[string]Pair) error {
	if a.isPaused() {
		a.log.Info("entries paused by operator")
		return nil
	}
	best, ok := scan.Best()
	if !ok {
		a.log.Info("no eligible opportunity", zap.Int("rejected", len(scan.Rejected)))
		return nil
	}
	pair, ok := pairs[best.Instrument]
	if !ok {
		return fmt.Errorf("no listing for %s", best.Instrument)
	}
	return a.open(ctx, best, pair)
}

func (a *App) open(ctx context.Context, opp strategy.Opportunity, pair Pair) error {
	lev := a.cfg.Strategy.Leverage
	quote := a.cfg.Venue.QuoteAsset
	balA, err := a.a.Balance(ctx, quote)
	if err != nil {
		return fmt.Errorf("%s balance: %w", a.a.Kind(), err)
	}
	balB, err := a.b.Balance(ctx, quote)
	if err != nil {
		return fmt.Errorf("%s balance: %w", a.b.Kind(), err)
	}
	capital := (balA.Total + balB.Total) * a.cfg.Strategy.CapitalFraction
	if capital <= 0 {
		a.log.Warn("no capital available to open", zap.Float64("unlevered", balA.Total), zap.Float64("levered", balB.Total))
		return nil
	}
	qA, err := a.a.BestBidAsk(ctx, opp.Instrument)
	if err != nil {
		return fmt.Errorf("%s quote: %w", a.a.Kind(), err)
	}
	qB, err := a.b.BestBidAsk(ctx, opp.Instrument)
	if err != nil {
		return fmt.Errorf("%s quote: %w", a.b.Kind(), err)
	}
	size := strategy.SizeHedge(capital, lev, pair.A, pair.B, qA, qB)
	if !size.Eligible {
		a.log.Info("opportunity too small to open",
			zap.String("instrument", opp.Instrument),
			zap.Float64("capital", capital),
			zap.String("reason", size.Reason),
		)
		return nil
	}

	a.step(ctx, strategy.Event{Kind: strategy.EventOpenStarted, Instrument: opp.Instrument})
	a.log.Info("opening position",
		zap.String("instrument", opp.Instrument),
		zap.Float64("apr", opp.StabilizedAPR),
		zap.Float64("capital", capital),
		zap.Float64("quantity", size.Quantity),
		zap.Int("leverage", lev),
	)
	if err := a.prepare(ctx, opp.Instrument, capital, balA.Available); err != nil {
		a.step(ctx, strategy.Event{Kind: strategy.EventOpenAborted, Err: err.Error()})
		return err
	}

	res, err := a.coord.Open(ctx,
		exec.Leg{Market: a.a, Instrument: pair.A, Side: venue.Buy, Size: size.Quantity},
		exec.Leg{Market: a.b, Instrument: pair.B, Side: venue.Sell, Size: size.Quantity},
	)
	a.countOrders(res)
	var partial *exec.PartialExecutionError
	switch {
	case errors.As(err, &partial):
		pos := a.positionFromFills(opp, capital, lev, res)
		rec := a.step(ctx, strategy.Event{Kind: strategy.EventOpenPartial, Position: pos, Err: partial.Error()})
		a.metrics.PartialExecutions.Inc()
		a.errorAlerted = true
		a.notify(ctx, "open of "+opp.Instrument+" left one leg filled, trading halted: "+partial.Error())
		a.publish(events.KindError, rec, pos, "open_partial", partial.Error())
		return partial
	case err != nil:
		a.step(ctx, strategy.Event{Kind: strategy.EventOpenAborted, Err: err.Error()})
		return fmt.Errorf("open %s: %w", opp.Instrument, err)
	}

	pos := a.positionFromFills(opp, capital, lev, res)
	rec := a.step(ctx, strategy.Event{Kind: strategy.EventOpenFilled, Position: pos})
	a.metrics.PositionsOpened.Inc()
	a.log.Info("position opened",
		zap.String("instrument", pos.Instrument),
		zap.Float64("quantity", pos.Levered.Quantity),
		zap.Float64("entry_a", pos.Unlevered.EntryPrice),
		zap.Float64("entry_b", pos.Levered.EntryPrice),
		zap.Float64("entry_fees", pos.EntryFees),
		zap.Float64("stop_loss", pos.StopLoss),
	)
	a.notify(ctx, fmt.Sprintf("opened %s %dx: %.6g @ %.6g / %.6g, capital $%.2f, APR %.2f%%",
		pos.Instrument, pos.Leverage, pos.Levered.Quantity, pos.Unlevered.EntryPrice, pos.Levered.EntryPrice, pos.Capital, pos.EntryAPR))
	a.publish(events.KindOpened, rec, pos, "", "")
	return nil
}

// prepare moves quote between wallets so each leg holds its share of the
// capital, then sets leverage on both legs.
func (a *App) prepare(ctx context.Context, symbol string, capital, availableA float64) error {
	lev := a.cfg.Strategy.Leverage
	if venue.SameVenue(a.a, a.b) && a.a.Kind() != a.b.Kind() {
		targetA, _ := strategy.SplitCapital(capital, lev)
		delta := targetA - availableA
		from, to := walletOf(a.b.Kind()), walletOf(a.a.Kind())
		if delta < 0 {
			from, to = to, from
		}
		if amount := math.Abs(delta); amount >= minTransferUSD {
			if err := a.b.TransferBalance(ctx, from, to, amount); err != nil {
				return fmt.Errorf("transfer %.2f %s -> %s: %w", amount, from, to, err)
			}
			a.log.Info("rebalanced wallets", zap.String("from", string(from)), zap.String("to", string(to)), zap.Float64("amount", amount))
		}
	}
	if err := a.b.SetLeverage(ctx, symbol, lev); err != nil {
		return fmt.Errorf("set %s leverage %dx: %w", symbol, lev, err)
	}
	if a.a.Kind() == venue.KindPerp {
		if err := a.a.SetLeverage(ctx, symbol, 1); err != nil {
			return fmt.Errorf("set %s unlevered leverage: %w", symbol, err)
		}
	}
	return nil
}

func (a *App) countOrders(res exec.Result) {
	for _, leg := range []exec.LegResult{res.A, res.B} {
		switch {
		case leg.Filled():
			a.metrics.OrdersPlaced.Inc()
		case leg.Err != nil:
			a.metrics.OrdersFailed.Inc()
		}
	}
}

func (a *App) legFee(r exec.LegResult) float64 {
	if r.Fill.Fee != 0 {
		return r.Fill.Fee
	}
	return r.Fill.FilledSize * r.Fill.AvgPrice * a.cfg.Execution.TakerFeeRate
}

// positionFromFills records what actually filled; a leg that failed keeps a
// zero quantity.
func (a *App) positionFromFills(opp strategy.Opportunity, capital float64, lev int, res exec.Result) *strategy.Position {
	now := a.now().UTC()
	pos := &strategy.Position{
		Instrument: opp.Instrument,
		Unlevered:  strategy.Leg{Venue: a.a.Venue(), Kind: a.a.Kind(), Side: venue.Buy},
		Levered:    strategy.Leg{Venue: a.b.Venue(), Kind: a.b.Kind(), Side: venue.Sell},
		Leverage:   lev,
		Capital:    capital,
		OpenedAt:   now,
		StopLoss:   strategy.StopLoss(lev, a.cfg.Risk.MaintenanceMargin, a.cfg.Risk.StopLossBuffer),
		EntryAPR:   opp.StabilizedAPR,
		CurrentAPR: opp.StabilizedAPR,
	}
	if res.A.Filled() {
		pos.Unlevered.Quantity = res.A.Fill.FilledSize
		pos.Unlevered.EntryPrice = res.A.Fill.AvgPrice
		pos.EntryFees += a.legFee(res.A)
	}
	if res.B.Filled() {
		pos.Levered.Quantity = res.B.Fill.FilledSize
		pos.Levered.EntryPrice = res.B.Fill.AvgPrice
		pos.EntryFees += a.legFee(res.B)
		pos.Notional = pos.Levered.Quantity * pos.Levered.EntryPrice
	}
	pos.RefreshedAt = now
	return pos
}
