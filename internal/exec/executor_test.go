package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"funding-rotation-bot/internal/state"
	"funding-rotation-bot/internal/venue"
	"funding-rotation-bot/internal/venue/venuetest"

	"go.uber.org/zap"
)

var ethInstrument = venue.Instrument{Symbol: "ETH", PriceTick: 0.1, SizeStep: 0.001, MinSize: 0.001}

func ethMarkets() (*venuetest.Market, *venuetest.Market) {
	spot := venuetest.New("hyperliquid", venue.KindSpot).WithFeeRate(0.001)
	perp := venuetest.New("hyperliquid", venue.KindPerp).WithFeeRate(0.001)
	quote := venue.Quote{Bid: 2999.9, Ask: 3000.1}
	spot.List(ethInstrument, 1e9, venue.FundingRates{}, quote)
	perp.List(venue.Instrument{Symbol: "ETH", PriceTick: 0.1, SizeStep: 0.01, MinSize: 0.01}, 1e9,
		venue.FundingRates{Current: 0.0001, PeriodsPerDay: 24}, quote)
	spot.SetBalance("USDC", 10000)
	perp.SetBalance("USDC", 10000)
	return spot, perp
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("cloid-%d", n.Add(1)) }
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := state.NewMemory()
	_, perp := ethMarkets()
	executor := NewExecutor(store, zap.NewNop())

	ctx := context.Background()
	req := venue.OrderRequest{Symbol: "ETH", Side: venue.Sell, Size: 1, Price: 2990, ClientOrderID: "abc"}

	f1, err := executor.Place(ctx, perp, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f2, err := executor.Place(ctx, perp, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f1 != f2 {
		t.Fatalf("expected same fill, got %#v and %#v", f1, f2)
	}
	if got := perp.Calls("place_order"); got != 1 {
		t.Fatalf("expected 1 venue call, got %d", got)
	}

	executor2 := NewExecutor(store, zap.NewNop())
	f3, err := executor2.Place(ctx, perp, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f3 != f1 {
		t.Fatalf("expected stored fill %#v, got %#v", f1, f3)
	}
	if got := perp.Calls("place_order"); got != 1 {
		t.Fatalf("expected no venue call on restart, got %d", got)
	}
}

func TestExecutorDoesNotCacheFailures(t *testing.T) {
	_, perp := ethMarkets()
	executor := NewExecutor(state.NewMemory(), zap.NewNop())
	perp.FailNext("place_order", venue.ErrRejected)

	req := venue.OrderRequest{Symbol: "ETH", Side: venue.Sell, Size: 1, Price: 2990, ClientOrderID: "retry-me"}
	if _, err := executor.Place(context.Background(), perp, req); !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := executor.Place(context.Background(), perp, req); err != nil {
		t.Fatalf("expected second attempt to fill, got %v", err)
	}
}

func TestCrossPrice(t *testing.T) {
	q := venue.Quote{Bid: 100.0, Ask: 100.1}
	buy, err := CrossPrice(venue.Buy, q, 0.1, 5)
	if err != nil {
		t.Fatalf("buy price: %v", err)
	}
	if math.Abs(buy-100.6) > 1e-9 {
		t.Fatalf("expected 100.6, got %v", buy)
	}
	sell, err := CrossPrice(venue.Sell, q, 0.1, 5)
	if err != nil {
		t.Fatalf("sell price: %v", err)
	}
	if math.Abs(sell-99.5) > 1e-9 {
		t.Fatalf("expected 99.5, got %v", sell)
	}
	floor, _ := CrossPrice(venue.Sell, venue.Quote{Bid: 0.3, Ask: 0.4}, 0.1, 100)
	if floor != 0.1 {
		t.Fatalf("expected sell price floored at one tick, got %v", floor)
	}
	if _, err := CrossPrice(venue.Buy, venue.Quote{}, 0.1, 1); !errors.Is(err, venue.ErrDataUnavailable) {
		t.Fatalf("expected data unavailable for empty quote, got %v", err)
	}
}

func newTestCoordinator(store state.Store) *Coordinator {
	c := NewCoordinator(NewExecutor(store, zap.NewNop()), Options{CrossTicks: 10}, zap.NewNop())
	c.newID = sequentialIDs()
	return c
}

func TestOpenFillsBothLegsAtCoarserStep(t *testing.T) {
	spot, perp := ethMarkets()
	c := newTestCoordinator(state.NewMemory())
	perpInst := venue.Instrument{Symbol: "ETH", PriceTick: 0.1, SizeStep: 0.01, MinSize: 0.01}

	res, err := c.Open(context.Background(),
		Leg{Market: spot, Instrument: ethInstrument, Side: venue.Buy, Size: 0.2567},
		Leg{Market: perp, Instrument: perpInst, Side: venue.Sell, Size: 0.2567},
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if math.Abs(res.A.Fill.FilledSize-0.25) > 1e-12 || math.Abs(res.B.Fill.FilledSize-0.25) > 1e-12 {
		t.Fatalf("expected both legs at 0.25, got %v / %v", res.A.Fill.FilledSize, res.B.Fill.FilledSize)
	}
	spotOrders, perpOrders := spot.Orders(), perp.Orders()
	if len(spotOrders) != 1 || len(perpOrders) != 1 {
		t.Fatalf("expected one order per leg, got %d / %d", len(spotOrders), len(perpOrders))
	}
	if math.Abs(spotOrders[0].Price-3001.1) > 1e-6 {
		t.Fatalf("expected buy limit 3001.1, got %v", spotOrders[0].Price)
	}
	if math.Abs(perpOrders[0].Price-2998.9) > 1e-6 {
		t.Fatalf("expected sell limit 2998.9, got %v", perpOrders[0].Price)
	}
	if spotOrders[0].ClientOrderID == perpOrders[0].ClientOrderID || spotOrders[0].ClientOrderID == "" {
		t.Fatalf("expected distinct client ids, got %q and %q", spotOrders[0].ClientOrderID, perpOrders[0].ClientOrderID)
	}
}

func TestOpenPartialExecution(t *testing.T) {
	spot, perp := ethMarkets()
	perp.Reject("ETH", fmt.Errorf("%w: insufficient margin", venue.ErrRejected))
	c := newTestCoordinator(nil)

	res, err := c.Open(context.Background(),
		Leg{Market: spot, Instrument: ethInstrument, Side: venue.Buy, Size: 1},
		Leg{Market: perp, Instrument: ethInstrument, Side: venue.Sell, Size: 1},
	)
	var perr *PartialExecutionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected partial execution error, got %v", err)
	}
	if !perr.A.Filled() || perr.B.Filled() {
		t.Fatalf("expected only leg A filled: %#v", perr)
	}
	if !res.A.Filled() {
		t.Fatalf("result should carry the filled leg")
	}
	if len(perp.Orders()) != 1 {
		t.Fatalf("failed leg must not be resubmitted, got %d orders", len(perp.Orders()))
	}
}

func TestOpenBothLegsFail(t *testing.T) {
	spot, perp := ethMarkets()
	spot.Reject("ETH", venue.ErrRejected)
	perp.Reject("ETH", venue.ErrRejected)
	c := newTestCoordinator(nil)

	_, err := c.Open(context.Background(),
		Leg{Market: spot, Instrument: ethInstrument, Side: venue.Buy, Size: 1},
		Leg{Market: perp, Instrument: ethInstrument, Side: venue.Sell, Size: 1},
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *PartialExecutionError
	if errors.As(err, &perr) {
		t.Fatalf("nothing filled, expected a plain error")
	}
	if !errors.Is(err, venue.ErrRejected) {
		t.Fatalf("expected wrapped rejection, got %v", err)
	}
}

func TestOpenRejectsZeroSize(t *testing.T) {
	spot, perp := ethMarkets()
	c := newTestCoordinator(nil)
	_, err := c.Open(context.Background(),
		Leg{Market: spot, Instrument: ethInstrument, Side: venue.Buy, Size: 0.0004},
		Leg{Market: perp, Instrument: ethInstrument, Side: venue.Sell, Size: 0.0004},
	)
	if err == nil {
		t.Fatalf("expected size error")
	}
	if len(spot.Orders())+len(perp.Orders()) != 0 {
		t.Fatalf("no order should be sent")
	}
}

func TestOpenShortFillIsPartialExecution(t *testing.T) {
	spot, perp := ethMarkets()
	perp.FillRatio("ETH", 0.5)
	c := newTestCoordinator(nil)

	res, err := c.Open(context.Background(),
		Leg{Market: spot, Instrument: ethInstrument, Side: venue.Buy, Size: 10},
		Leg{Market: perp, Instrument: ethInstrument, Side: venue.Sell, Size: 10},
	)
	var perr *PartialExecutionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected partial execution for unequal fills, got %v", err)
	}
	if !perr.A.Complete() || perr.B.Complete() {
		t.Fatalf("expected leg A complete and leg B short: %#v", perr)
	}
	if math.Abs(res.A.Fill.FilledSize-10) > 1e-9 || math.Abs(res.B.Fill.FilledSize-5) > 1e-9 {
		t.Fatalf("expected fills 10 / 5, got %v / %v", res.A.Fill.FilledSize, res.B.Fill.FilledSize)
	}
	if len(perp.Orders()) != 1 {
		t.Fatalf("short leg must not be topped up, got %d orders", len(perp.Orders()))
	}
	if !strings.Contains(perr.Error(), "filled 5 of 10") {
		t.Fatalf("expected shortfall in message, got %q", perr.Error())
	}
}

func TestLegCompleteWithinStep(t *testing.T) {
	r := LegResult{Requested: 1, Step: 0.01, Fill: venue.Fill{FilledSize: 0.996}}
	if !r.Complete() {
		t.Fatalf("fill within half a step should be complete")
	}
	r.Fill.FilledSize = 0.99
	if r.Complete() {
		t.Fatalf("fill one step short should not be complete")
	}
}
