package hyperliquid

import (
	"context"
	"fmt"
	"time"

	"funding-rotation-bot/internal/venue"
)

// Perp is the account's perpetuals wallet.
type Perp struct {
	acct *Account
}

var (
	_ venue.Market = (*Perp)(nil)
	_ venue.Pricer = (*Perp)(nil)
)

const hourlyFunding = 24.0

func (p *Perp) Venue() string    { return VenueName }
func (p *Perp) Kind() venue.Kind { return venue.KindPerp }

func (p *Perp) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	assets, err := p.acct.perpAssets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]venue.Instrument, 0, len(assets))
	for _, a := range assets {
		px := refPrice(a.Mid, a.Mark)
		if px <= 0 {
			continue
		}
		step := sizeStep(a.SzDecimals)
		out = append(out, venue.Instrument{
			Symbol:      a.Name,
			PriceTick:   priceTick(px, a.SzDecimals, perpMaxDecimals),
			SizeStep:    step,
			MinSize:     minSize(px, step),
			MaxLeverage: a.MaxLeverage,
		})
	}
	return sortedInstruments(out), nil
}

func (p *Perp) Volume24h(ctx context.Context, symbol string) (float64, error) {
	a, err := p.acct.perpAsset(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return a.Volume, nil
}

func (p *Perp) FundingRates(ctx context.Context, symbol string, periods int) (venue.FundingRates, error) {
	a, err := p.acct.perpAsset(ctx, symbol)
	if err != nil {
		return venue.FundingRates{}, err
	}
	out := venue.FundingRates{Current: a.Funding, PeriodsPerDay: hourlyFunding}
	if periods <= 0 {
		return out, nil
	}
	// A few extra hours so a late settlement still leaves enough samples.
	since := p.acct.now().Add(-time.Duration(periods+3) * time.Hour)
	samples, err := p.acct.info.FundingHistory(ctx, symbol, since)
	if err != nil {
		return venue.FundingRates{}, err
	}
	rates, times := parseFundingHistory(samples, periods)
	out.History = rates
	out.PeriodsPerDay = venue.PeriodsPerDay(times, hourlyFunding)
	return out, nil
}

func (p *Perp) BestBidAsk(ctx context.Context, symbol string) (venue.Quote, error) {
	return p.acct.book(ctx, symbol)
}

func (p *Perp) Mid(ctx context.Context, symbol string) (float64, error) {
	return p.acct.mid(ctx, symbol)
}

func (p *Perp) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Fill, error) {
	a, err := p.acct.perpAsset(ctx, req.Symbol)
	if err != nil {
		return venue.Fill{}, err
	}
	return p.acct.place(ctx, a.Index, req)
}

func (p *Perp) OpenPosition(ctx context.Context, symbol string) (venue.Position, bool, error) {
	positions, err := p.Positions(ctx)
	if err != nil {
		return venue.Position{}, false, err
	}
	for _, pos := range positions {
		if pos.Symbol == symbol {
			return pos, true, nil
		}
	}
	return venue.Position{}, false, nil
}

func (p *Perp) Positions(ctx context.Context) ([]venue.Position, error) {
	state, err := p.acct.info.ClearinghouseState(ctx, p.acct.opts.User)
	if err != nil {
		return nil, err
	}
	return parsePerpPositions(state), nil
}

func (p *Perp) Balance(ctx context.Context, asset string) (venue.Balance, error) {
	if asset != p.acct.opts.QuoteAsset {
		return venue.Balance{Asset: asset}, nil
	}
	state, err := p.acct.info.ClearinghouseState(ctx, p.acct.opts.User)
	if err != nil {
		return venue.Balance{}, err
	}
	return venue.Balance{
		Asset:     asset,
		Total:     optFloat(state.MarginSummary.AccountValue),
		Available: optFloat(state.Withdrawable),
	}, nil
}

func (p *Perp) Balances(ctx context.Context) ([]venue.Balance, error) {
	b, err := p.Balance(ctx, p.acct.opts.QuoteAsset)
	if err != nil {
		return nil, err
	}
	return []venue.Balance{b}, nil
}

func (p *Perp) TransferBalance(ctx context.Context, from, to venue.Wallet, amount float64) error {
	return p.acct.transfer(ctx, from, to, amount)
}

func (p *Perp) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if p.acct.exchange == nil {
		return errReadOnly
	}
	a, err := p.acct.perpAsset(ctx, symbol)
	if err != nil {
		return err
	}
	if a.MaxLeverage > 0 && leverage > a.MaxLeverage {
		return fmt.Errorf("%w: leverage %d above %s max %d", venue.ErrRejected, leverage, symbol, a.MaxLeverage)
	}
	return p.acct.exchange.UpdateLeverage(ctx, a.Index, leverage)
}

func (p *Perp) FundingPayments(ctx context.Context, symbol string, since time.Time) ([]venue.FundingPayment, error) {
	entries, err := p.acct.info.UserFunding(ctx, p.acct.opts.User, since)
	if err != nil {
		return nil, err
	}
	return parseUserFunding(entries, symbol), nil
}
