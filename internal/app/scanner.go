package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pair is one hedgeable instrument as listed on each leg's market.
type Pair struct {
	A venue.Instrument
	B venue.Instrument
}

// Scanner collects a market snapshot for every hedgeable instrument and ranks
// them.
type Scanner struct {
	a, b        venue.Market
	params      strategy.ScanParams
	allow       map[string]bool
	concurrency int
	log         *zap.Logger
}

func NewScanner(a, b venue.Market, cfg config.StrategyConfig, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	var allow map[string]bool
	if len(cfg.Instruments) > 0 {
		allow = make(map[string]bool, len(cfg.Instruments))
		for _, sym := range cfg.Instruments {
			allow[strings.ToUpper(strings.TrimSpace(sym))] = true
		}
	}
	concurrency := cfg.ScanConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scanner{
		a:           a,
		b:           b,
		params:      strategy.ScanParamsFromConfig(cfg),
		allow:       allow,
		concurrency: concurrency,
		log:         log,
	}
}

// Pairs intersects both listings, narrowed to the configured instruments.
func (s *Scanner) Pairs(ctx context.Context) (map[string]Pair, error) {
	var listA, listB []venue.Instrument
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		listA, err = s.a.ListInstruments(gctx)
		if err != nil {
			return fmt.Errorf("list %s instruments: %w", s.a.Kind(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		listB, err = s.b.ListInstruments(gctx)
		if err != nil {
			return fmt.Errorf("list %s instruments: %w", s.b.Kind(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	bySymbol := make(map[string]venue.Instrument, len(listB))
	for _, in := range listB {
		bySymbol[in.Symbol] = in
	}
	out := make(map[string]Pair)
	for _, a := range listA {
		b, ok := bySymbol[a.Symbol]
		if !ok {
			continue
		}
		if s.allow != nil && !s.allow[strings.ToUpper(a.Symbol)] {
			continue
		}
		out[a.Symbol] = Pair{A: a, B: b}
	}
	return out, nil
}

// Snapshot never fails; missing inputs are carried in the snapshot's Err so
// the scanner rejects the instrument as data_unavailable.
func (s *Scanner) Snapshot(ctx context.Context, symbol string) strategy.MarketSnapshot {
	snap := strategy.MarketSnapshot{Instrument: symbol}
	periods := s.params.MAPeriods - 1
	var err error
	if snap.VolumeB, err = s.b.Volume24h(ctx, symbol); err != nil {
		snap.Err = fmt.Errorf("%s volume: %w", s.b.Kind(), err)
		return snap
	}
	if v, err := s.a.Volume24h(ctx, symbol); err == nil {
		snap.VolumeA = v
	}
	if snap.RatesB, err = s.b.FundingRates(ctx, symbol, periods); err != nil {
		snap.Err = fmt.Errorf("%s funding: %w", s.b.Kind(), err)
		return snap
	}
	if snap.RatesA, err = s.a.FundingRates(ctx, symbol, periods); err != nil {
		snap.Err = fmt.Errorf("%s funding: %w", s.a.Kind(), err)
		return snap
	}
	if snap.QuoteA, err = s.a.BestBidAsk(ctx, symbol); err != nil {
		snap.Err = fmt.Errorf("%s quote: %w", s.a.Kind(), err)
		return snap
	}
	if snap.QuoteB, err = s.b.BestBidAsk(ctx, symbol); err != nil {
		snap.Err = fmt.Errorf("%s quote: %w", s.b.Kind(), err)
	}
	return snap
}

// Scan snapshots every pair concurrently and ranks the result.
func (s *Scanner) Scan(ctx context.Context) (strategy.ScanResult, map[string]Pair, error) {
	pairs, err := s.Pairs(ctx)
	if err != nil {
		return strategy.ScanResult{}, nil, err
	}
	symbols := make([]string, 0, len(pairs))
	for sym := range pairs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	snaps := make([]strategy.MarketSnapshot, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			snaps[i] = s.Snapshot(gctx, sym)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return strategy.ScanResult{}, nil, err
	}
	result := strategy.Scan(s.params, snaps)
	s.log.Debug("scan complete",
		zap.Int("pairs", len(pairs)),
		zap.Int("eligible", len(result.Ranked)),
		zap.Int("rejected", len(result.Rejected)),
	)
	return result, pairs, nil
}
