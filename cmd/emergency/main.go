// Command emergency flattens every leg the bot may hold and clears the
// persisted strategy state so a halted bot can resume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"funding-rotation-bot/internal/app"
	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/exec"
	"funding-rotation-bot/internal/logging"
	"funding-rotation-bot/internal/state"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/venue"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type target struct {
	market venue.Market
	inst   venue.Instrument
	pos    venue.Position
}

type outcome struct {
	target target
	result exec.LegResult
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	confirm := flag.Bool("yes", false, "place the closing orders; without it only the legs are listed")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		fatal(err)
	}
	defer store.Close()
	markets, err := app.BuildMarkets(ctx, cfg, store, log)
	if err != nil {
		fatal(err)
	}
	rec, _, err := state.LoadRecord(ctx, store)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("strategy phase: %s\n", rec.Phase)
	if rec.LastError != "" {
		fmt.Printf("last error: %s\n", rec.LastError)
	}

	targets, err := collect(ctx, markets.Unlevered, markets.Levered, rec, cfg.Risk.MinNotionalUSD)
	if err != nil {
		fatal(err)
	}
	printTargets(targets)
	if !*confirm {
		fmt.Println("dry run: pass -yes to close these legs")
		return
	}
	if markets.ReadOnly() {
		fatal(errors.New("FRB_PRIVATE_KEY is required to close positions"))
	}

	coord := exec.NewCoordinator(exec.NewExecutor(store, log), exec.Options{
		CrossTicks: cfg.Execution.CrossTicks,
		Timeout:    cfg.Execution.OrderTimeout,
	}, log)
	outcomes := closeAll(ctx, coord, targets)
	printOutcomes(outcomes)
	for _, o := range outcomes {
		if !o.result.Complete() {
			fatal(errors.New("some legs did not close in full; strategy state left unchanged"))
		}
	}

	ev := strategy.Event{Kind: strategy.EventReconciled, At: time.Now().UTC(), Phase: strategy.PhaseNoPosition}
	if rec.Phase == strategy.PhaseError {
		ev = strategy.Event{Kind: strategy.EventCleared, At: time.Now().UTC()}
	}
	next := strategy.Reduce(rec, ev)
	if err := state.SaveRecord(ctx, store, next); err != nil {
		fatal(fmt.Errorf("legs closed but state was not saved: %w", err))
	}
	log.Info("emergency close complete",
		zap.Int("legs", len(outcomes)),
		zap.String("phase", string(next.Phase)),
		zap.Int64("completed_cycles", next.CompletedCycles),
	)
	fmt.Printf("closed %d legs, strategy phase now %s\n", len(outcomes), next.Phase)
}

// collect returns every leveraged short, any perp leg on the unleveraged
// market, and spot holdings of instruments the bot trades. Other spot
// balances are wallet inventory and stay put.
func collect(ctx context.Context, a, b venue.Market, rec strategy.Record, dust float64) ([]target, error) {
	hedged := make(map[string]bool)
	if rec.Position != nil {
		hedged[rec.Position.Instrument] = true
	}
	var out []target
	for _, m := range []venue.Market{b, a} {
		positions, err := m.Positions(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s %s positions: %w", m.Venue(), m.Kind(), err)
		}
		listed, err := m.ListInstruments(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s %s instruments: %w", m.Venue(), m.Kind(), err)
		}
		bySymbol := make(map[string]venue.Instrument, len(listed))
		for _, in := range listed {
			bySymbol[in.Symbol] = in
		}
		for _, p := range positions {
			if p.Size == 0 || p.Notional() < dust {
				continue
			}
			if m == b {
				hedged[p.Symbol] = true
			} else if m.Kind() == venue.KindSpot && !hedged[p.Symbol] {
				continue
			}
			inst, ok := bySymbol[p.Symbol]
			if !ok {
				return nil, fmt.Errorf("%s is held on %s %s but not listed", p.Symbol, m.Venue(), m.Kind())
			}
			out = append(out, target{market: m, inst: inst, pos: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].pos.Symbol < out[j].pos.Symbol })
	return out, nil
}

// closeAll works through each market's legs in turn, with the two markets in
// parallel.
func closeAll(ctx context.Context, coord *exec.Coordinator, targets []target) []outcome {
	byMarket := make(map[venue.Market][]target)
	for _, t := range targets {
		byMarket[t.market] = append(byMarket[t.market], t)
	}
	var (
		mu  sync.Mutex
		out []outcome
		g   errgroup.Group
	)
	for m, list := range byMarket {
		g.Go(func() error {
			for _, t := range list {
				side := venue.Sell
				if t.pos.Size < 0 {
					side = venue.Buy
				}
				res := coord.PlaceLeg(ctx, exec.Leg{
					Market:     m,
					Instrument: t.inst,
					Side:       side,
					Size:       strategy.FloorToStep(math.Abs(t.pos.Size), t.inst.SizeStep),
					ReduceOnly: m.Kind() == venue.KindPerp,
				})
				mu.Lock()
				out = append(out, outcome{target: t, result: res})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(out, func(i, j int) bool { return out[i].target.pos.Symbol < out[j].target.pos.Symbol })
	return out
}

func printTargets(targets []target) {
	if len(targets) == 0 {
		fmt.Println("no open legs")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "Instrument", "Size", "Entry", "Mark", "Notional", "uPnL", "Lev")
	for _, t := range targets {
		_ = table.Append(
			string(t.market.Kind()),
			t.pos.Symbol,
			fmt.Sprintf("%.6g", t.pos.Size),
			fmt.Sprintf("%.6g", t.pos.EntryPrice),
			fmt.Sprintf("%.6g", t.pos.MarkPrice),
			fmt.Sprintf("$%.2f", t.pos.Notional()),
			fmt.Sprintf("$%.2f", t.pos.UnrealizedPnL),
			fmt.Sprintf("%dx", t.pos.Leverage),
		)
	}
	_ = table.Render()
}

func printOutcomes(outcomes []outcome) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Market", "Instrument", "Side", "Filled", "Avg Price", "Result")
	for _, o := range outcomes {
		result := "ok"
		switch {
		case o.result.Err != nil:
			result = o.result.Err.Error()
		case !o.result.Complete():
			result = fmt.Sprintf("short fill of %.6g", o.result.Requested)
		}
		_ = table.Append(
			string(o.target.market.Kind()),
			o.result.Symbol,
			string(o.result.Side),
			fmt.Sprintf("%.6g", o.result.Fill.FilledSize),
			fmt.Sprintf("%.6g", o.result.Fill.AvgPrice),
			result,
		)
	}
	_ = table.Render()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
