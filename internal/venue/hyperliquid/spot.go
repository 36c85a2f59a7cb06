package hyperliquid

import (
	"context"
	"fmt"
	"time"

	"funding-rotation-bot/internal/venue"
)

// Spot is the account's spot wallet. Holdings of a base token are reported
// as long positions so the engine can treat both wallets alike.
type Spot struct {
	acct *Account
}

var (
	_ venue.Market = (*Spot)(nil)
	_ venue.Pricer = (*Spot)(nil)
)

func (s *Spot) Venue() string    { return VenueName }
func (s *Spot) Kind() venue.Kind { return venue.KindSpot }

func (s *Spot) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	assets, err := s.acct.spotAssets(ctx)
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
			Symbol:      a.Base,
			PriceTick:   priceTick(px, a.SzDecimals, spotMaxDecimals),
			SizeStep:    step,
			MinSize:     minSize(px, step),
			MaxLeverage: 1,
		})
	}
	return sortedInstruments(out), nil
}

func (s *Spot) Volume24h(ctx context.Context, symbol string) (float64, error) {
	a, err := s.acct.spotAsset(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return a.Volume, nil
}

// FundingRates is zero for spot: holding the token neither pays nor earns.
func (s *Spot) FundingRates(ctx context.Context, symbol string, periods int) (venue.FundingRates, error) {
	if _, err := s.acct.spotAsset(ctx, symbol); err != nil {
		return venue.FundingRates{}, err
	}
	return venue.FundingRates{}, nil
}

func (s *Spot) BestBidAsk(ctx context.Context, symbol string) (venue.Quote, error) {
	a, err := s.acct.spotAsset(ctx, symbol)
	if err != nil {
		return venue.Quote{}, err
	}
	return s.acct.book(ctx, a.Pair)
}

func (s *Spot) Mid(ctx context.Context, symbol string) (float64, error) {
	if symbol == s.acct.opts.QuoteAsset {
		return 1, nil
	}
	a, err := s.acct.spotAsset(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return s.acct.mid(ctx, a.Pair)
}

func (s *Spot) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Fill, error) {
	a, err := s.acct.spotAsset(ctx, req.Symbol)
	if err != nil {
		return venue.Fill{}, err
	}
	req.ReduceOnly = false
	return s.acct.place(ctx, spotAssetOffset+a.Index, req)
}

func (s *Spot) OpenPosition(ctx context.Context, symbol string) (venue.Position, bool, error) {
	positions, err := s.Positions(ctx)
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

func (s *Spot) Positions(ctx context.Context) ([]venue.Position, error) {
	state, err := s.acct.info.SpotClearinghouseState(ctx, s.acct.opts.User)
	if err != nil {
		return nil, err
	}
	var out []venue.Position
	for _, b := range state.Balances {
		total := optFloat(b.Total)
		if b.Coin == s.acct.opts.QuoteAsset || total <= 0 {
			continue
		}
		pos := venue.Position{Symbol: b.Coin, Size: total, Leverage: 1}
		if entryNtl := optFloat(b.EntryNtl); entryNtl > 0 {
			pos.EntryPrice = entryNtl / total
		}
		if mark, err := s.Mid(ctx, b.Coin); err == nil {
			pos.MarkPrice = mark
			if pos.EntryPrice > 0 {
				pos.UnrealizedPnL = total * (mark - pos.EntryPrice)
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

func (s *Spot) Balance(ctx context.Context, asset string) (venue.Balance, error) {
	balances, err := s.Balances(ctx)
	if err != nil {
		return venue.Balance{}, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b, nil
		}
	}
	return venue.Balance{Asset: asset}, nil
}

func (s *Spot) Balances(ctx context.Context) ([]venue.Balance, error) {
	state, err := s.acct.info.SpotClearinghouseState(ctx, s.acct.opts.User)
	if err != nil {
		return nil, err
	}
	return parseSpotBalances(state), nil
}

func (s *Spot) TransferBalance(ctx context.Context, from, to venue.Wallet, amount float64) error {
	return s.acct.transfer(ctx, from, to, amount)
}

func (s *Spot) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage == 1 {
		return nil
	}
	return fmt.Errorf("%w: spot %s cannot be leveraged", venue.ErrUnsupported, symbol)
}

func (s *Spot) FundingPayments(ctx context.Context, symbol string, since time.Time) ([]venue.FundingPayment, error) {
	return nil, nil
}
