package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

type Options struct {
	// User is the address whose balances and positions are read.
	User         string
	QuoteAsset   string
	TakerFeeRate float64
	// MetaTTL bounds how long cached universe and asset contexts are reused.
	MetaTTL time.Duration
	// MidMaxAge bounds how stale a streamed mid may be before REST is used.
	MidMaxAge time.Duration
}

// Account is one Hyperliquid account. Its spot and perp wallets are exposed
// as two venue.Market values sharing the same clients and caches.
type Account struct {
	info     *Client
	exchange *Exchange
	stream   *Stream
	opts     Options
	log      *zap.Logger

	mu      sync.Mutex
	perps   map[string]perpAsset
	perpsAt time.Time
	spots   map[string]spotAsset
	spotsAt time.Time
	now     func() time.Time
}

// NewAccount wires the adapters. exchange may be nil for read-only use and
// stream may be nil when no websocket feed is running.
func NewAccount(info *Client, exchange *Exchange, stream *Stream, opts Options, log *zap.Logger) *Account {
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDC"
	}
	if opts.MetaTTL <= 0 {
		opts.MetaTTL = 30 * time.Second
	}
	if opts.MidMaxAge <= 0 {
		opts.MidMaxAge = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{info: info, exchange: exchange, stream: stream, opts: opts, log: log, now: time.Now}
}

func (a *Account) Perp() *Perp { return &Perp{acct: a} }
func (a *Account) Spot() *Spot { return &Spot{acct: a} }

var errReadOnly = fmt.Errorf("%w: no signing key configured", venue.ErrUnsupported)

func (a *Account) perpAssets(ctx context.Context) (map[string]perpAsset, error) {
	a.mu.Lock()
	if a.perps != nil && a.now().Sub(a.perpsAt) < a.opts.MetaTTL {
		defer a.mu.Unlock()
		return a.perps, nil
	}
	a.mu.Unlock()
	meta, ctxs, err := a.info.PerpMeta(ctx)
	if err != nil {
		return nil, err
	}
	assets := parsePerpAssets(meta, ctxs)
	a.mu.Lock()
	a.perps = assets
	a.perpsAt = a.now()
	a.mu.Unlock()
	return assets, nil
}

func (a *Account) spotAssets(ctx context.Context) (map[string]spotAsset, error) {
	a.mu.Lock()
	if a.spots != nil && a.now().Sub(a.spotsAt) < a.opts.MetaTTL {
		defer a.mu.Unlock()
		return a.spots, nil
	}
	a.mu.Unlock()
	meta, ctxs, err := a.info.SpotMeta(ctx)
	if err != nil {
		return nil, err
	}
	assets := parseSpotAssets(meta, ctxs, a.opts.QuoteAsset)
	a.mu.Lock()
	a.spots = assets
	a.spotsAt = a.now()
	a.mu.Unlock()
	return assets, nil
}

func (a *Account) perpAsset(ctx context.Context, symbol string) (perpAsset, error) {
	assets, err := a.perpAssets(ctx)
	if err != nil {
		return perpAsset{}, err
	}
	asset, ok := assets[symbol]
	if !ok {
		return perpAsset{}, venue.DataUnavailable("perp %s not listed", symbol)
	}
	return asset, nil
}

func (a *Account) spotAsset(ctx context.Context, symbol string) (spotAsset, error) {
	assets, err := a.spotAssets(ctx)
	if err != nil {
		return spotAsset{}, err
	}
	asset, ok := assets[symbol]
	if !ok {
		return spotAsset{}, venue.DataUnavailable("spot %s not listed", symbol)
	}
	return asset, nil
}

// mid prefers the streamed cache and falls back to a REST snapshot.
func (a *Account) mid(ctx context.Context, coin string) (float64, error) {
	if px, ok := a.stream.Mid(coin, a.opts.MidMaxAge); ok {
		return px, nil
	}
	mids, err := a.info.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	px := optFloat(mids[coin])
	if px <= 0 {
		return 0, venue.DataUnavailable("no mid for %s", coin)
	}
	return px, nil
}

func (a *Account) book(ctx context.Context, coin string) (venue.Quote, error) {
	book, err := a.info.L2Book(ctx, coin)
	if err != nil {
		return venue.Quote{}, err
	}
	if book.Coin == "" {
		book.Coin = coin
	}
	return parseBook(book)
}

func (a *Account) place(ctx context.Context, asset int, req venue.OrderRequest) (venue.Fill, error) {
	if a.exchange == nil {
		return venue.Fill{}, errReadOnly
	}
	if req.Size <= 0 || req.Price <= 0 {
		return venue.Fill{}, fmt.Errorf("%w: size and price must be > 0", venue.ErrRejected)
	}
	cloid, err := cloidFromID(req.ClientOrderID)
	if err != nil {
		return venue.Fill{}, err
	}
	wire, err := limitOrder(asset, req.Side == venue.Buy, req.Size, wirePrice(req.Price), req.ReduceOnly, cloid)
	if err != nil {
		return venue.Fill{}, fmt.Errorf("%w: %v", venue.ErrRejected, err)
	}
	fill, err := a.exchange.Order(ctx, wire)
	if err != nil {
		return venue.Fill{}, err
	}
	if fill.FilledSize <= 0 {
		return fill, fmt.Errorf("%w: order %s did not fill", venue.ErrRejected, fill.OrderID)
	}
	fill.Fee = fill.FilledSize * fill.AvgPrice * a.opts.TakerFeeRate
	return fill, nil
}

func (a *Account) transfer(ctx context.Context, from, to venue.Wallet, amount float64) error {
	if a.exchange == nil {
		return errReadOnly
	}
	if from == to {
		return errors.New("transfer source and destination are the same wallet")
	}
	if amount <= 0 {
		return nil
	}
	return a.exchange.ClassTransfer(ctx, amount, to == venue.WalletPerp)
}

func sortedInstruments(in []venue.Instrument) []venue.Instrument {
	sort.Slice(in, func(i, j int) bool { return in[i].Symbol < in[j].Symbol })
	return in
}
