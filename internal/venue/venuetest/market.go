// Package venuetest provides an in-memory venue.Market for tests.
package venuetest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"funding-rotation-bot/internal/venue"
)

type Transfer struct {
	From   venue.Wallet
	To     venue.Wallet
	Amount float64
}

// Market fills every order in full at the touch unless an error is queued or
// a FillRatio is set.
type Market struct {
	mu sync.Mutex

	name       string
	kind       venue.Kind
	quoteAsset string
	feeRate    float64

	instruments []venue.Instrument
	volumes     map[string]float64
	rates       map[string]venue.FundingRates
	quotes      map[string]venue.Quote
	held        map[string]venue.Position
	balances    map[string]venue.Balance
	payments    map[string][]venue.FundingPayment
	leverage    map[string]int
	rejects     map[string]error
	fillRatio   map[string]float64

	peer *Market

	orders    []venue.OrderRequest
	transfers []Transfer
	failures  map[string][]error
	calls     map[string]int
}

var (
	_ venue.Market = (*Market)(nil)
	_ venue.Pricer = (*Market)(nil)
)

func New(name string, kind venue.Kind) *Market {
	return &Market{
		name:       name,
		kind:       kind,
		quoteAsset: "USDC",
		volumes:    map[string]float64{},
		rates:      map[string]venue.FundingRates{},
		quotes:     map[string]venue.Quote{},
		held:       map[string]venue.Position{},
		balances:   map[string]venue.Balance{},
		payments:   map[string][]venue.FundingPayment{},
		leverage:   map[string]int{},
		rejects:    map[string]error{},
		fillRatio:  map[string]float64{},
		failures:   map[string][]error{},
		calls:      map[string]int{},
	}
}

func (m *Market) WithFeeRate(rate float64) *Market {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
	return m
}

// List registers a tradable instrument with its market data.
func (m *Market) List(in venue.Instrument, volume float64, rates venue.FundingRates, quote venue.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments = append(m.instruments, in)
	m.volumes[in.Symbol] = volume
	m.rates[in.Symbol] = rates
	m.quotes[in.Symbol] = quote
}

func (m *Market) SetQuote(symbol string, q venue.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = q
}

func (m *Market) SetRates(symbol string, r venue.FundingRates) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[symbol] = r
}

func (m *Market) SetPosition(p venue.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Size == 0 {
		delete(m.held, p.Symbol)
		return
	}
	m.held[p.Symbol] = p
}

func (m *Market) SetBalance(asset string, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = venue.Balance{Asset: asset, Total: total, Available: total}
}

func (m *Market) AddFundingPayment(p venue.FundingPayment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.Symbol] = append(m.payments[p.Symbol], p)
}

// Reject makes every order on symbol fail with err.
func (m *Market) Reject(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.rejects, symbol)
		return
	}
	m.rejects[symbol] = err
}

// FillRatio makes orders on symbol fill only ratio of their size, like an
// IOC order that meets thin liquidity. A ratio of 1 or more restores full
// fills.
func (m *Market) FillRatio(symbol string, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ratio >= 1 {
		delete(m.fillRatio, symbol)
		return
	}
	m.fillRatio[symbol] = ratio
}

// FailNext queues errors returned by the next calls to op before it
// succeeds again.
func (m *Market) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

func (m *Market) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Market) Orders() []venue.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]venue.OrderRequest(nil), m.orders...)
}

func (m *Market) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}

func (m *Market) LeverageOf(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverage[symbol]
}

// enter must be called with mu held.
func (m *Market) enter(op string) error {
	m.calls[op]++
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Market) Venue() string    { return m.name }
func (m *Market) Kind() venue.Kind { return m.kind }

func (m *Market) ListInstruments(ctx context.Context) ([]venue.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list_instruments"); err != nil {
		return nil, err
	}
	out := append([]venue.Instrument(nil), m.instruments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Market) Volume24h(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("volume"); err != nil {
		return 0, err
	}
	v, ok := m.volumes[symbol]
	if !ok {
		return 0, venue.DataUnavailable("no volume for %s", symbol)
	}
	return v, nil
}

func (m *Market) FundingRates(ctx context.Context, symbol string, periods int) (venue.FundingRates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("funding"); err != nil {
		return venue.FundingRates{}, err
	}
	r, ok := m.rates[symbol]
	if !ok {
		return venue.FundingRates{}, venue.DataUnavailable("no funding for %s", symbol)
	}
	if periods >= 0 && len(r.History) > periods {
		r.History = r.History[len(r.History)-periods:]
	}
	r.History = append([]float64(nil), r.History...)
	return r, nil
}

func (m *Market) BestBidAsk(ctx context.Context, symbol string) (venue.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("quote"); err != nil {
		return venue.Quote{}, err
	}
	q, ok := m.quotes[symbol]
	if !ok || !q.Valid() {
		return venue.Quote{}, venue.DataUnavailable("no quote for %s", symbol)
	}
	return q, nil
}

func (m *Market) Mid(ctx context.Context, asset string) (float64, error) {
	if asset == m.quoteAsset {
		return 1, nil
	}
	q, err := m.BestBidAsk(ctx, asset)
	if err != nil {
		return 0, err
	}
	return q.Mid(), nil
}

func (m *Market) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("place_order"); err != nil {
		return venue.Fill{}, err
	}
	m.orders = append(m.orders, req)
	if err, ok := m.rejects[req.Symbol]; ok {
		return venue.Fill{}, err
	}
	px := req.Price
	if q, ok := m.quotes[req.Symbol]; ok && q.Valid() {
		px = q.Ask
		if req.Side == venue.Sell {
			px = q.Bid
		}
	}
	size := req.Size
	if r, ok := m.fillRatio[req.Symbol]; ok {
		size *= r
	}
	signed := size
	if req.Side == venue.Sell {
		signed = -signed
	}
	pos := m.held[req.Symbol]
	if req.ReduceOnly && (pos.Size == 0 || math.Signbit(pos.Size) == math.Signbit(signed)) {
		return venue.Fill{}, fmt.Errorf("%w: reduce-only order would increase %s", venue.ErrRejected, req.Symbol)
	}
	if m.kind == venue.KindSpot && req.Side == venue.Sell && pos.Size+1e-12 < size {
		return venue.Fill{}, fmt.Errorf("%w: insufficient %s", venue.ErrRejected, req.Symbol)
	}
	next := pos.Size + signed
	switch {
	case math.Abs(next) < 1e-12:
		delete(m.held, req.Symbol)
	default:
		if pos.Size == 0 || math.Signbit(pos.Size) == math.Signbit(signed) {
			pos.EntryPrice = (math.Abs(pos.Size)*pos.EntryPrice + size*px) / math.Abs(next)
		}
		pos.Symbol = req.Symbol
		pos.Size = next
		pos.MarkPrice = px
		pos.Leverage = m.leverage[req.Symbol]
		if pos.Leverage == 0 {
			pos.Leverage = 1
		}
		m.held[req.Symbol] = pos
	}
	notional := size * px
	fee := notional * m.feeRate
	quote := m.balances[m.quoteAsset]
	quote.Asset = m.quoteAsset
	if m.kind == venue.KindSpot {
		if req.Side == venue.Buy {
			quote.Total -= notional
		} else {
			quote.Total += notional
		}
	}
	quote.Total -= fee
	quote.Available = quote.Total
	m.balances[m.quoteAsset] = quote
	return venue.Fill{
		OrderID:    fmt.Sprintf("%s-%d", m.name, len(m.orders)),
		FilledSize: size,
		AvgPrice:   px,
		Fee:        fee,
	}, nil
}

func (m *Market) OpenPosition(ctx context.Context, symbol string) (venue.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("open_position"); err != nil {
		return venue.Position{}, false, err
	}
	p, ok := m.held[symbol]
	return p, ok, nil
}

func (m *Market) Positions(ctx context.Context) ([]venue.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("positions"); err != nil {
		return nil, err
	}
	out := make([]venue.Position, 0, len(m.held))
	for _, p := range m.held {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Market) Balance(ctx context.Context, asset string) (venue.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("balance"); err != nil {
		return venue.Balance{}, err
	}
	b, ok := m.balances[asset]
	if !ok {
		return venue.Balance{Asset: asset}, nil
	}
	return b, nil
}

func (m *Market) Balances(ctx context.Context) ([]venue.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("balances"); err != nil {
		return nil, err
	}
	out := make([]venue.Balance, 0, len(m.balances)+len(m.held))
	for _, b := range m.balances {
		out = append(out, b)
	}
	if m.kind == venue.KindSpot {
		for _, p := range m.held {
			out = append(out, venue.Balance{Asset: p.Symbol, Total: p.Size, Available: p.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Link makes two fakes wallets of one account so transfers between them
// move quote balance.
func Link(a, b *Market) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func walletOf(kind venue.Kind) venue.Wallet {
	if kind == venue.KindSpot {
		return venue.WalletSpot
	}
	return venue.WalletPerp
}

func (m *Market) adjustQuote(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balances[m.quoteAsset]
	b.Asset = m.quoteAsset
	b.Total += delta
	b.Available = b.Total
	m.balances[m.quoteAsset] = b
}

func (m *Market) TransferBalance(ctx context.Context, from, to venue.Wallet, amount float64) error {
	m.mu.Lock()
	err := m.enter("transfer")
	if err == nil {
		m.transfers = append(m.transfers, Transfer{From: from, To: to, Amount: amount})
	}
	peer := m.peer
	m.mu.Unlock()
	if err != nil || peer == nil {
		return err
	}
	for _, w := range []*Market{m, peer} {
		switch walletOf(w.kind) {
		case from:
			w.adjustQuote(-amount)
		case to:
			w.adjustQuote(amount)
		}
	}
	return nil
}

func (m *Market) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("set_leverage"); err != nil {
		return err
	}
	if m.kind == venue.KindSpot && leverage != 1 {
		return fmt.Errorf("%w: spot leverage", venue.ErrUnsupported)
	}
	m.leverage[symbol] = leverage
	return nil
}

func (m *Market) FundingPayments(ctx context.Context, symbol string, since time.Time) ([]venue.FundingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("funding_payments"); err != nil {
		return nil, err
	}
	var out []venue.FundingPayment
	for _, p := range m.payments[symbol] {
		if !p.Time.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}
