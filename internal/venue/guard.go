package venue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Policies struct {
	MarketData RetryPolicy
	Account    RetryPolicy
	Order      RetryPolicy
	// Timeout bounds every single attempt.
	Timeout time.Duration
}

// Guarded decorates a Market so every call passes the venue gate and is
// retried under the budget that matches its kind of call.
type Guarded struct {
	inner    Market
	gate     *Gate
	policies Policies
	log      *zap.Logger
}

var (
	_ Market = (*Guarded)(nil)
	_ Pricer = (*Guarded)(nil)
)

func Guard(inner Market, gate *Gate, policies Policies, log *zap.Logger) *Guarded {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guarded{inner: inner, gate: gate, policies: policies, log: log}
}

func (g *Guarded) Unwrap() Market { return g.inner }

func (g *Guarded) call(ctx context.Context, op string, policy RetryPolicy, fn func(context.Context) error) error {
	attempt := 0
	err := Retry(ctx, g.gate, policy, func(ctx context.Context) error {
		attempt++
		if g.policies.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.policies.Timeout)
			defer cancel()
		}
		err := fn(ctx)
		if err != nil && IsRetryable(err) {
			g.log.Debug("venue call retrying",
				zap.String("venue", g.inner.Venue()),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	return err
}

func (g *Guarded) Venue() string { return g.inner.Venue() }
func (g *Guarded) Kind() Kind    { return g.inner.Kind() }

func (g *Guarded) ListInstruments(ctx context.Context) ([]Instrument, error) {
	var out []Instrument
	err := g.call(ctx, "list_instruments", g.policies.MarketData, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListInstruments(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) Volume24h(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := g.call(ctx, "volume_24h", g.policies.MarketData, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Volume24h(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Guarded) FundingRates(ctx context.Context, symbol string, periods int) (FundingRates, error) {
	var out FundingRates
	err := g.call(ctx, "funding_rates", g.policies.MarketData, func(ctx context.Context) error {
		var err error
		out, err = g.inner.FundingRates(ctx, symbol, periods)
		return err
	})
	return out, err
}

func (g *Guarded) BestBidAsk(ctx context.Context, symbol string) (Quote, error) {
	var out Quote
	err := g.call(ctx, "best_bid_ask", g.policies.MarketData, func(ctx context.Context) error {
		var err error
		out, err = g.inner.BestBidAsk(ctx, symbol)
		return err
	})
	return out, err
}

func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	var out Fill
	err := g.call(ctx, "place_order", g.policies.Order, func(ctx context.Context) error {
		var err error
		out, err = g.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) OpenPosition(ctx context.Context, symbol string) (Position, bool, error) {
	var (
		out Position
		ok  bool
	)
	err := g.call(ctx, "open_position", g.policies.Account, func(ctx context.Context) error {
		var err error
		out, ok, err = g.inner.OpenPosition(ctx, symbol)
		return err
	})
	return out, ok, err
}

func (g *Guarded) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := g.call(ctx, "positions", g.policies.Account, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Positions(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) Balance(ctx context.Context, asset string) (Balance, error) {
	var out Balance
	err := g.call(ctx, "balance", g.policies.Account, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Balance(ctx, asset)
		return err
	})
	return out, err
}

func (g *Guarded) Balances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	err := g.call(ctx, "balances", g.policies.Account, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Balances(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) TransferBalance(ctx context.Context, from, to Wallet, amount float64) error {
	return g.call(ctx, "transfer", g.policies.Order, func(ctx context.Context) error {
		return g.inner.TransferBalance(ctx, from, to, amount)
	})
}

func (g *Guarded) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.call(ctx, "set_leverage", g.policies.Order, func(ctx context.Context) error {
		return g.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (g *Guarded) FundingPayments(ctx context.Context, symbol string, since time.Time) ([]FundingPayment, error) {
	var out []FundingPayment
	err := g.call(ctx, "funding_payments", g.policies.Account, func(ctx context.Context) error {
		var err error
		out, err = g.inner.FundingPayments(ctx, symbol, since)
		return err
	})
	return out, err
}

// Mid prices an asset through the inner market's Pricer when it has one and
// falls back to the book mid otherwise.
func (g *Guarded) Mid(ctx context.Context, asset string) (float64, error) {
	pricer, ok := g.inner.(Pricer)
	if !ok {
		q, err := g.BestBidAsk(ctx, asset)
		if err != nil {
			return 0, err
		}
		return q.Mid(), nil
	}
	var out float64
	err := g.call(ctx, "mid", g.policies.MarketData, func(ctx context.Context) error {
		var err error
		out, err = pricer.Mid(ctx, asset)
		return err
	})
	return out, err
}
