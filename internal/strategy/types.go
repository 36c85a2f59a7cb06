package strategy

import (
	"time"

	"funding-rotation-bot/internal/venue"
)

// Leg is one side of the hedge as opened.
type Leg struct {
	Venue      string     `json:"venue"`
	Kind       venue.Kind `json:"kind"`
	Side       venue.Side `json:"side"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
}

// Position is the single paired position. Leverage, StopLoss, Capital and
// OpenedAt are fixed at open; the remaining fields are refreshed each tick.
type Position struct {
	Instrument      string    `json:"instrument"`
	Unlevered       Leg       `json:"unlevered"`
	Levered         Leg       `json:"levered"`
	Leverage        int       `json:"leverage"`
	Capital         float64   `json:"capital"`
	EntryFees       float64   `json:"entry_fees"`
	FundingReceived float64   `json:"funding_received"`
	OpenedAt        time.Time `json:"opened_at"`
	StopLoss        float64   `json:"stop_loss"`
	EntryAPR        float64   `json:"entry_apr"`

	Notional    float64   `json:"notional"`
	PnL         float64   `json:"pnl"`
	LeveredPnL  float64   `json:"levered_pnl"`
	CurrentAPR  float64   `json:"current_apr"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

func (p Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

type Rejection string

const (
	RejectDataUnavailable Rejection = "data_unavailable"
	RejectVolume          Rejection = "volume_below_floor"
	RejectRateSign        Rejection = "rate_sign"
	RejectSpread          Rejection = "spread_above_ceiling"
	RejectAPR             Rejection = "apr_below_minimum"
)

// MarketSnapshot is what the scanner needs for one instrument. A is the
// unleveraged long market, B the leveraged short perp.
type MarketSnapshot struct {
	Instrument string
	VolumeA    float64
	VolumeB    float64
	RatesA     venue.FundingRates
	RatesB     venue.FundingRates
	QuoteA     venue.Quote
	QuoteB     venue.Quote
	// Err is set when any input could not be collected.
	Err error
}

type Opportunity struct {
	Instrument    string
	VolumeA       float64
	VolumeB       float64
	RateDiff      float64
	HistoryA      []float64
	HistoryB      []float64
	MidA          float64
	MidB          float64
	SpreadPct     float64
	StabilizedAPR float64
	InstantAPR    float64
	Rejection     Rejection
	Detail        string
}

func (o Opportunity) Eligible() bool {
	return o.Rejection == ""
}
