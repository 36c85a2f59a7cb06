// Package exec submits the two legs of a hedge together and reports exactly
// what filled.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Leg is one order of a paired submission.
type Leg struct {
	Market     venue.Market
	Instrument venue.Instrument
	Side       venue.Side
	Size       float64
	ReduceOnly bool
}

// LegResult is the outcome of one leg. Step is the instrument size step and
// bounds how far a fill may fall short of Requested and still be complete.
type LegResult struct {
	Venue         string
	Symbol        string
	Side          venue.Side
	Requested     float64
	Step          float64
	Price         float64
	ClientOrderID string
	Fill          venue.Fill
	Err           error
}

func (r LegResult) Filled() bool {
	return r.Err == nil && r.Fill.FilledSize > 0
}

// Complete reports a fill of the whole requested size. An IOC order can
// fill less.
func (r LegResult) Complete() bool {
	if !r.Filled() {
		return false
	}
	tol := r.Step / 2
	if tol <= 0 {
		tol = 1e-9
	}
	return r.Fill.FilledSize >= r.Requested-tol
}

type Result struct {
	A LegResult
	B LegResult
}

// PartialExecutionError means the legs did not execute the same size: one
// leg failed or filled short of its request while the other filled. The
// filled exposure is left as is for the operator.
type PartialExecutionError struct {
	A LegResult
	B LegResult
}

func (e *PartialExecutionError) Error() string {
	describe := func(name string, r LegResult) string {
		switch {
		case r.Complete():
			return fmt.Sprintf("%s %s %s filled %.8g @ %.8g", name, r.Side, r.Symbol, r.Fill.FilledSize, r.Fill.AvgPrice)
		case r.Filled():
			return fmt.Sprintf("%s %s %s filled %.8g of %.8g @ %.8g", name, r.Side, r.Symbol, r.Fill.FilledSize, r.Requested, r.Fill.AvgPrice)
		}
		return fmt.Sprintf("%s %s %s failed: %v", name, r.Side, r.Symbol, r.Err)
	}
	return "partial execution: " + describe("leg A", e.A) + "; " + describe("leg B", e.B)
}

type Options struct {
	CrossTicks int
	Timeout    time.Duration
}

type Coordinator struct {
	exec *Executor
	opts Options
	log  *zap.Logger
	// newID is swapped in tests.
	newID func() string
}

func NewCoordinator(executor *Executor, opts Options, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{exec: executor, opts: opts, log: log, newID: uuid.NewString}
}

// Open buys qty on a and sells qty on b. qty is floored to the coarser step of
// the two instruments first.
func (c *Coordinator) Open(ctx context.Context, a, b Leg) (Result, error) {
	step := strategy.CoarserStep(a.Instrument.SizeStep, b.Instrument.SizeStep)
	qty := strategy.FloorToStep(math.Min(a.Size, b.Size), step)
	if qty <= 0 {
		return Result{}, fmt.Errorf("open size %.8g rounds to zero at step %.8g", math.Min(a.Size, b.Size), step)
	}
	a.Size, b.Size = qty, qty
	return c.Submit(ctx, a, b)
}

// Submit places both legs concurrently and waits for both outcomes. Anything
// short of both legs filling their full size with at least one fill is a
// *PartialExecutionError; the legs are never resized.
func (c *Coordinator) Submit(ctx context.Context, a, b Leg) (Result, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	var (
		res Result
		wg  sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.A = c.PlaceLeg(ctx, a)
	}()
	go func() {
		defer wg.Done()
		res.B = c.PlaceLeg(ctx, b)
	}()
	wg.Wait()

	switch {
	case res.A.Complete() && res.B.Complete():
		return res, nil
	case res.A.Filled() || res.B.Filled():
		perr := &PartialExecutionError{A: res.A, B: res.B}
		c.log.Error("partial execution", zap.Error(perr))
		return res, perr
	default:
		return res, fmt.Errorf("both legs failed: %w", errors.Join(res.A.Err, res.B.Err))
	}
}

// PlaceLeg prices and places a single aggressive limit order.
func (c *Coordinator) PlaceLeg(ctx context.Context, leg Leg) LegResult {
	out := LegResult{
		Venue:     leg.Market.Venue(),
		Symbol:    leg.Instrument.Symbol,
		Side:      leg.Side,
		Requested: leg.Size,
		Step:      leg.Instrument.SizeStep,
	}
	if leg.Size <= 0 {
		out.Err = fmt.Errorf("%s: non-positive size %.8g", leg.Instrument.Symbol, leg.Size)
		return out
	}
	quote, err := leg.Market.BestBidAsk(ctx, leg.Instrument.Symbol)
	if err != nil {
		out.Err = fmt.Errorf("quote %s: %w", leg.Instrument.Symbol, err)
		return out
	}
	price, err := CrossPrice(leg.Side, quote, leg.Instrument.PriceTick, c.opts.CrossTicks)
	if err != nil {
		out.Err = fmt.Errorf("price %s: %w", leg.Instrument.Symbol, err)
		return out
	}
	out.Price = price
	out.ClientOrderID = c.newID()
	req := venue.OrderRequest{
		Symbol:        leg.Instrument.Symbol,
		Side:          leg.Side,
		Size:          leg.Size,
		Price:         price,
		ReduceOnly:    leg.ReduceOnly,
		ClientOrderID: out.ClientOrderID,
	}
	fill, err := c.exec.Place(ctx, leg.Market, req)
	if err != nil {
		out.Err = err
		c.log.Warn("leg order failed",
			zap.String("venue", out.Venue),
			zap.String("market", string(leg.Market.Kind())),
			zap.String("instrument", out.Symbol),
			zap.String("side", string(out.Side)),
			zap.Float64("size", out.Requested),
			zap.Error(err),
		)
		return out
	}
	out.Fill = fill
	c.log.Info("leg order filled",
		zap.String("venue", out.Venue),
		zap.String("market", string(leg.Market.Kind())),
		zap.String("instrument", out.Symbol),
		zap.String("side", string(out.Side)),
		zap.Float64("size", fill.FilledSize),
		zap.Float64("avg_price", fill.AvgPrice),
		zap.Float64("fee", fill.Fee),
	)
	return out
}

// CrossPrice is ticks increments through the opposing best price, on the
// instrument's tick grid.
func CrossPrice(side venue.Side, q venue.Quote, tick float64, ticks int) (float64, error) {
	if !q.Valid() {
		return 0, venue.DataUnavailable("invalid quote bid=%v ask=%v", q.Bid, q.Ask)
	}
	if tick <= 0 {
		return 0, errors.New("instrument has no price tick")
	}
	offset := float64(ticks) * tick
	var px float64
	switch side {
	case venue.Buy:
		px = q.Ask + offset
	case venue.Sell:
		px = q.Bid - offset
	default:
		return 0, fmt.Errorf("unknown side %q", side)
	}
	px = math.Round(px/tick) * tick
	if px < tick {
		px = tick
	}
	return px, nil
}
