package hyperliquid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"funding-rotation-bot/internal/venue"
)

const (
	perpMaxDecimals = 6
	spotMaxDecimals = 8
	spotAssetOffset = 10000
	// minOrderValue is the smallest order notional the venue accepts.
	minOrderValue = 10.0
)

type perpAsset struct {
	Name        string
	Index       int
	SzDecimals  int
	MaxLeverage int
	Funding     float64
	Mark        float64
	Mid         float64
	Volume      float64
}

type spotAsset struct {
	Base       string
	Pair       string
	Index      int
	SzDecimals int
	Mark       float64
	Mid        float64
	Volume     float64
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	return strconv.ParseFloat(s, 64)
}

// optFloat returns 0 for missing or malformed values; callers treat 0 as
// absent.
func optFloat(s string) float64 {
	v, err := parseFloat(s)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func parsePerpAssets(meta perpUniverse, ctxs []perpAssetCtx) map[string]perpAsset {
	out := make(map[string]perpAsset, len(meta.Universe))
	for i, u := range meta.Universe {
		if u.IsDelisted || u.Name == "" || i >= len(ctxs) {
			continue
		}
		c := ctxs[i]
		asset := perpAsset{
			Name:        u.Name,
			Index:       i,
			SzDecimals:  u.SzDecimals,
			MaxLeverage: u.MaxLeverage,
			Funding:     optFloat(c.Funding),
			Mark:        optFloat(c.MarkPx),
			Volume:      optFloat(c.DayNtlVlm),
		}
		if c.MidPx != nil {
			asset.Mid = optFloat(*c.MidPx)
		}
		out[u.Name] = asset
	}
	return out
}

// parseSpotAssets keys spot pairs by their base token so they line up with
// perp names. Only pairs quoted in quote are kept.
func parseSpotAssets(meta spotUniverse, ctxs []spotAssetCtx, quote string) map[string]spotAsset {
	tokens := make(map[int]struct {
		name string
		sz   int
	}, len(meta.Tokens))
	for _, t := range meta.Tokens {
		tokens[t.Index] = struct {
			name string
			sz   int
		}{t.Name, t.SzDecimals}
	}
	ctxByCoin := make(map[string]spotAssetCtx, len(ctxs))
	for _, c := range ctxs {
		ctxByCoin[c.Coin] = c
	}
	out := make(map[string]spotAsset, len(meta.Universe))
	for _, u := range meta.Universe {
		if len(u.Tokens) != 2 {
			continue
		}
		base, okBase := tokens[u.Tokens[0]]
		q, okQuote := tokens[u.Tokens[1]]
		if !okBase || !okQuote || !strings.EqualFold(q.name, quote) {
			continue
		}
		asset := spotAsset{Base: base.name, Pair: u.Name, Index: u.Index, SzDecimals: base.sz}
		if c, ok := ctxByCoin[u.Name]; ok {
			asset.Mark = optFloat(c.MarkPx)
			asset.Volume = optFloat(c.DayNtlVlm)
			if c.MidPx != nil {
				asset.Mid = optFloat(*c.MidPx)
			}
		}
		if prev, dup := out[base.name]; dup && prev.Volume >= asset.Volume {
			continue
		}
		out[base.name] = asset
	}
	return out
}

// priceTick approximates the venue price grid: five significant figures and
// at most maxDecimals-szDecimals decimals, with whole numbers always valid.
func priceTick(px float64, szDecimals, maxDecimals int) float64 {
	decimals := maxDecimals - szDecimals
	if decimals < 0 {
		decimals = 0
	}
	tick := math.Pow10(-decimals)
	if px > 0 {
		sig := math.Pow10(int(math.Floor(math.Log10(px))) - 4)
		if sig > tick {
			tick = sig
		}
	}
	if tick > 1 {
		tick = 1
	}
	return tick
}

func sizeStep(szDecimals int) float64 {
	return math.Pow10(-szDecimals)
}

func minSize(px, step float64) float64 {
	if px <= 0 || step <= 0 {
		return step
	}
	return math.Ceil(minOrderValue/px/step) * step
}

func refPrice(mid, mark float64) float64 {
	if mid > 0 {
		return mid
	}
	return mark
}

func parseBook(book l2Book) (venue.Quote, error) {
	if len(book.Levels) != 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return venue.Quote{}, venue.DataUnavailable("empty book for %s", book.Coin)
	}
	bid, err := parseFloat(book.Levels[0][0].Px)
	if err != nil {
		return venue.Quote{}, venue.DataUnavailable("bid for %s: %v", book.Coin, err)
	}
	ask, err := parseFloat(book.Levels[1][0].Px)
	if err != nil {
		return venue.Quote{}, venue.DataUnavailable("ask for %s: %v", book.Coin, err)
	}
	q := venue.Quote{Bid: bid, Ask: ask}
	if !q.Valid() {
		return venue.Quote{}, venue.DataUnavailable("crossed or empty quote for %s", book.Coin)
	}
	return q, nil
}

// parseFundingHistory keeps the newest limit samples, oldest first.
func parseFundingHistory(samples []fundingSample, limit int) ([]float64, []time.Time) {
	rates := make([]float64, 0, len(samples))
	times := make([]time.Time, 0, len(samples))
	for _, s := range samples {
		r, err := parseFloat(s.FundingRate)
		if err != nil {
			continue
		}
		rates = append(rates, r)
		times = append(times, time.UnixMilli(s.Time).UTC())
	}
	if limit >= 0 && len(rates) > limit {
		rates = rates[len(rates)-limit:]
	}
	return rates, times
}

func parsePerpPositions(state clearinghouseState) []venue.Position {
	out := make([]venue.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := optFloat(p.Szi)
		if size == 0 {
			continue
		}
		pos := venue.Position{
			Symbol:        p.Coin,
			Size:          size,
			EntryPrice:    optFloat(p.EntryPx),
			UnrealizedPnL: optFloat(p.UnrealizedPnl),
			Leverage:      p.Leverage.Value,
		}
		if value := optFloat(p.PositionValue); value > 0 {
			pos.MarkPrice = value / math.Abs(size)
		}
		out = append(out, pos)
	}
	return out
}

func parseSpotBalances(state spotClearinghouseState) []venue.Balance {
	out := make([]venue.Balance, 0, len(state.Balances))
	for _, b := range state.Balances {
		total := optFloat(b.Total)
		out = append(out, venue.Balance{Asset: b.Coin, Total: total, Available: total - optFloat(b.Hold)})
	}
	return out
}

func parseUserFunding(entries []userFundingEntry, symbol string) []venue.FundingPayment {
	var out []venue.FundingPayment
	for _, e := range entries {
		if e.Delta.Type != "" && e.Delta.Type != "funding" {
			continue
		}
		if symbol != "" && e.Delta.Coin != symbol {
			continue
		}
		out = append(out, venue.FundingPayment{
			Symbol: e.Delta.Coin,
			Amount: optFloat(e.Delta.USDC),
			Rate:   optFloat(e.Delta.FundingRate),
			Time:   time.UnixMilli(e.Time).UTC(),
		})
	}
	return out
}

// wirePrice trims float noise left by tick rounding before encoding.
func wirePrice(px float64) float64 {
	return math.Round(px*1e8) / 1e8
}
