// Package reconcile aligns the persisted strategy record with what the venues
// actually hold. It runs once at startup, before the first tick.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

type Action string

const (
	ActionUnchanged    Action = "unchanged"
	ActionErrorKept    Action = "error_kept"
	ActionCleared      Action = "cleared"
	ActionRediscovered Action = "rediscovered"
	ActionAdopted      Action = "adopted"
	ActionRefreshed    Action = "refreshed"
	ActionConflict     Action = "conflict"
)

// ConflictError means the venues hold something that is not a single clean
// hedge. The reconciler moves the strategy to ERROR for the operator.
type ConflictError struct {
	Reason string
	Legs   []venue.Position
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Legs))
	for _, p := range e.Legs {
		parts = append(parts, fmt.Sprintf("%s %.8g", p.Symbol, p.Size))
	}
	if len(parts) == 0 {
		return "reconciliation conflict: " + e.Reason
	}
	return fmt.Sprintf("reconciliation conflict: %s [%s]", e.Reason, strings.Join(parts, ", "))
}

type Options struct {
	Leverage             int
	MaintenanceMargin    float64
	StopLossBuffer       float64
	ImbalanceCriticalPct float64
	MinNotionalUSD       float64
	TakerFeeRate         float64
	// FundingLookback bounds the funding history read for a rediscovered
	// position.
	FundingLookback time.Duration
	Now             func() time.Time
}

type Outcome struct {
	Action Action
	// Event is applied to the record by the caller. It is zero for
	// ActionErrorKept.
	Event strategy.Event
}

type Reconciler struct {
	a, b venue.Market
	opts Options
	log  *zap.Logger
}

// New takes the unleveraged long market a and the leveraged short market b.
func New(a, b venue.Market, opts Options, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FundingLookback <= 0 {
		opts.FundingLookback = 24 * time.Hour
	}
	return &Reconciler{a: a, b: b, opts: opts, log: log}
}

type hedge struct {
	long  venue.Position
	short venue.Position
}

// Run decides how rec must change to match the venues. Venue reads that fail
// return a plain error; a *ConflictError comes back together with the ERROR
// outcome that records it.
func (r *Reconciler) Run(ctx context.Context, rec strategy.Record) (Outcome, error) {
	if rec.Phase == strategy.PhaseError {
		r.log.Warn("persisted state is ERROR, leaving it for the operator", zap.String("last_error", rec.LastError))
		return Outcome{Action: ActionErrorKept}, nil
	}
	longs, err := r.material(ctx, r.a)
	if err != nil {
		return Outcome{}, fmt.Errorf("read %s %s positions: %w", r.a.Venue(), r.a.Kind(), err)
	}
	shorts, err := r.material(ctx, r.b)
	if err != nil {
		return Outcome{}, fmt.Errorf("read %s %s positions: %w", r.b.Venue(), r.b.Kind(), err)
	}
	hedges, conflict := r.pair(longs, shorts, tracked(rec))
	now := r.opts.Now()

	if conflict != nil {
		out := Outcome{Action: ActionConflict, Event: strategy.Event{
			Kind:     strategy.EventReconciled,
			At:       now,
			Phase:    strategy.PhaseError,
			Position: rec.Position,
			Err:      conflict.Error(),
		}}
		return out, conflict
	}

	if len(hedges) == 0 {
		action := ActionUnchanged
		if rec.Position != nil || rec.Phase != strategy.PhaseNoPosition {
			action = ActionCleared
		}
		return Outcome{Action: action, Event: strategy.Event{
			Kind:  strategy.EventReconciled,
			At:    now,
			Phase: strategy.PhaseNoPosition,
		}}, nil
	}

	h := hedges[0]
	var (
		pos    *strategy.Position
		action Action
	)
	switch {
	case rec.Position == nil:
		action = ActionRediscovered
		pos, err = r.rediscover(ctx, h, now)
	case rec.Position.Instrument != h.short.Symbol:
		action = ActionAdopted
		pos, err = r.rediscover(ctx, h, now)
	default:
		action = ActionRefreshed
		pos, err = r.refresh(ctx, *rec.Position, h)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: action, Event: strategy.Event{
		Kind:     strategy.EventReconciled,
		At:       now,
		Phase:    strategy.PhaseHolding,
		Position: pos,
	}}, nil
}

// material drops dust legs.
func (r *Reconciler) material(ctx context.Context, m venue.Market) (map[string]venue.Position, error) {
	positions, err := m.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]venue.Position, len(positions))
	for _, p := range positions {
		if p.Size == 0 || p.Notional() < r.opts.MinNotionalUSD {
			continue
		}
		out[p.Symbol] = p
	}
	return out, nil
}

// tracked names the instruments the record holds or is opening.
func tracked(rec strategy.Record) map[string]bool {
	out := make(map[string]bool, 2)
	if rec.Position != nil && rec.Position.Instrument != "" {
		out[rec.Position.Instrument] = true
	}
	if rec.Pending != "" {
		out[rec.Pending] = true
	}
	return out
}

func (r *Reconciler) pair(longs, shorts map[string]venue.Position, tracked map[string]bool) ([]hedge, *ConflictError) {
	var (
		hedges  []hedge
		orphans []venue.Position
	)
	for sym, short := range shorts {
		long, ok := longs[sym]
		if !ok || short.Size >= 0 || long.Size <= 0 {
			orphans = append(orphans, short)
			continue
		}
		if imb := strategy.ImbalancePct(long.Size, short.Size); imb > r.opts.ImbalanceCriticalPct {
			return nil, &ConflictError{
				Reason: fmt.Sprintf("%s legs imbalanced by %.1f%%", sym, imb),
				Legs:   []venue.Position{long, short},
			}
		}
		hedges = append(hedges, hedge{long: long, short: short})
	}
	// Spot balances without a short are wallet inventory unless the record
	// tracks that instrument, in which case the short is gone. An unmatched
	// perp long is always exposure.
	for sym, long := range longs {
		if _, ok := shorts[sym]; ok {
			continue
		}
		if r.a.Kind() == venue.KindPerp || tracked[sym] {
			orphans = append(orphans, long)
		}
	}
	if len(orphans) > 0 {
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].Symbol < orphans[j].Symbol })
		return nil, &ConflictError{Reason: "unhedged leg on venue", Legs: orphans}
	}
	if len(hedges) > 1 {
		sort.Slice(hedges, func(i, j int) bool { return hedges[i].short.Symbol < hedges[j].short.Symbol })
		legs := make([]venue.Position, 0, 2*len(hedges))
		for _, h := range hedges {
			legs = append(legs, h.long, h.short)
		}
		return nil, &ConflictError{Reason: fmt.Sprintf("%d hedges open, expected at most one", len(hedges)), Legs: legs}
	}
	return hedges, nil
}

func (r *Reconciler) leverageOf(h hedge) int {
	if h.short.Leverage > 0 {
		return h.short.Leverage
	}
	return r.opts.Leverage
}

func (r *Reconciler) funding(ctx context.Context, symbol string, since time.Time) (total float64, first time.Time, err error) {
	markets := []venue.Market{r.b}
	if r.a.Kind() == venue.KindPerp {
		markets = append(markets, r.a)
	}
	for _, m := range markets {
		payments, err := m.FundingPayments(ctx, symbol, since)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("funding history %s: %w", symbol, err)
		}
		for _, p := range payments {
			total += p.Amount
			if first.IsZero() || p.Time.Before(first) {
				first = p.Time
			}
		}
	}
	return total, first, nil
}

func (r *Reconciler) legs(h hedge) (strategy.Leg, strategy.Leg) {
	long := strategy.Leg{
		Venue:      r.a.Venue(),
		Kind:       r.a.Kind(),
		Side:       venue.Buy,
		Quantity:   math.Abs(h.long.Size),
		EntryPrice: h.long.EntryPrice,
	}
	short := strategy.Leg{
		Venue:      r.b.Venue(),
		Kind:       r.b.Kind(),
		Side:       venue.Sell,
		Quantity:   math.Abs(h.short.Size),
		EntryPrice: h.short.EntryPrice,
	}
	return long, short
}

// rediscover builds a position from venue data alone. The open time is the
// first funding payment inside the lookback, so a second run over unchanged
// venues reads the same window.
func (r *Reconciler) rediscover(ctx context.Context, h hedge, now time.Time) (*strategy.Position, error) {
	lev := r.leverageOf(h)
	long, short := r.legs(h)
	total, first, err := r.funding(ctx, h.short.Symbol, now.Add(-r.opts.FundingLookback))
	if err != nil {
		return nil, err
	}
	opened := now
	if !first.IsZero() {
		opened = first
	}
	entryNotional := long.Quantity*long.EntryPrice + short.Quantity*short.EntryPrice
	notional := h.short.Notional()
	pos := &strategy.Position{
		Instrument:      h.short.Symbol,
		Unlevered:       long,
		Levered:         short,
		Leverage:        lev,
		Capital:         notional / strategy.UnleveredFraction(lev),
		EntryFees:       entryNotional * r.opts.TakerFeeRate,
		FundingReceived: total,
		OpenedAt:        opened,
		StopLoss:        strategy.StopLoss(lev, r.opts.MaintenanceMargin, r.opts.StopLossBuffer),
		Notional:        notional,
		LeveredPnL:      h.short.UnrealizedPnL,
	}
	r.log.Warn("rediscovered hedge on venue",
		zap.String("instrument", pos.Instrument),
		zap.Float64("quantity", short.Quantity),
		zap.Int("leverage", lev),
		zap.Float64("funding", total),
	)
	return pos, nil
}

func (r *Reconciler) refresh(ctx context.Context, persisted strategy.Position, h hedge) (*strategy.Position, error) {
	pos := persisted
	long, short := r.legs(h)
	pos.Unlevered.Quantity = long.Quantity
	pos.Levered.Quantity = short.Quantity
	if pos.Unlevered.EntryPrice == 0 {
		pos.Unlevered.EntryPrice = long.EntryPrice
	}
	if pos.Levered.EntryPrice == 0 {
		pos.Levered.EntryPrice = short.EntryPrice
	}
	if lev := r.leverageOf(h); lev != pos.Leverage {
		r.log.Warn("venue leverage differs from record",
			zap.String("instrument", pos.Instrument),
			zap.Int("record", pos.Leverage),
			zap.Int("venue", lev),
		)
		pos.Leverage = lev
		pos.StopLoss = strategy.StopLoss(lev, r.opts.MaintenanceMargin, r.opts.StopLossBuffer)
	}
	total, _, err := r.funding(ctx, pos.Instrument, pos.OpenedAt)
	if err != nil {
		return nil, err
	}
	pos.FundingReceived = math.Max(pos.FundingReceived, total)
	pos.Notional = h.short.Notional()
	pos.LeveredPnL = h.short.UnrealizedPnL
	return &pos, nil
}
