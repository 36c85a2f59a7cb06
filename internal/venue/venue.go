// Package venue defines the contract between the lifecycle engine and the
// trading venues it drives. Adapters parse their wire responses into the typed
// records below before any engine code sees them.
package venue

import (
	"context"
	"math"
	"time"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Kind string

const (
	KindSpot Kind = "spot"
	KindPerp Kind = "perp"
)

// Instrument is keyed by the underlying (e.g. "ETH") so listings from two
// markets can be intersected.
type Instrument struct {
	Symbol      string
	PriceTick   float64
	SizeStep    float64
	MinSize     float64
	MaxLeverage int
}

type FundingRates struct {
	Current float64
	// History is ordered oldest first.
	History       []float64
	PeriodsPerDay float64
}

type Quote struct {
	Bid float64
	Ask float64
}

func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// Position is a live venue position. Size is signed: positive is long.
type Position struct {
	Symbol        string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Size) * price
}

type OrderRequest struct {
	Symbol        string
	Side          Side
	Size          float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

type Fill struct {
	OrderID    string
	FilledSize float64
	AvgPrice   float64
	Fee        float64
}

type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

type FundingPayment struct {
	Symbol string
	Amount float64
	Rate   float64
	Time   time.Time
}

// Wallet names an account inside a venue that balances can move between.
type Wallet string

const (
	WalletSpot Wallet = "spot"
	WalletPerp Wallet = "perp"
)

// Market is one leg's market on one venue.
type Market interface {
	Venue() string
	Kind() Kind
	ListInstruments(ctx context.Context) ([]Instrument, error)
	Volume24h(ctx context.Context, symbol string) (float64, error)
	FundingRates(ctx context.Context, symbol string, periods int) (FundingRates, error)
	BestBidAsk(ctx context.Context, symbol string) (Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	// OpenPosition reports ok=false when nothing is held for symbol.
	OpenPosition(ctx context.Context, symbol string) (Position, bool, error)
	Positions(ctx context.Context) ([]Position, error)
	Balance(ctx context.Context, asset string) (Balance, error)
	Balances(ctx context.Context) ([]Balance, error)
	TransferBalance(ctx context.Context, from, to Wallet, amount float64) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	FundingPayments(ctx context.Context, symbol string, since time.Time) ([]FundingPayment, error)
}

// SameVenue reports whether both markets settle on one venue, which is what
// allows quote balance to move between their wallets.
func SameVenue(a, b Market) bool {
	return a != nil && b != nil && a.Venue() == b.Venue()
}

// Pricer is implemented by markets that can value a held asset without a
// book query.
type Pricer interface {
	Mid(ctx context.Context, asset string) (float64, error)
}
