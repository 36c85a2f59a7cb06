// Command scan prints one ranked funding scan without trading.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funding-rotation-bot/internal/app"
	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/logging"
	"funding-rotation-bot/internal/strategy"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showRejected := flag.Bool("rejected", false, "also list rejected instruments")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall scan timeout")
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
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	markets, err := app.BuildMarkets(ctx, cfg, nil, log)
	if err != nil {
		fatal(err)
	}
	go func() {
		if err := markets.Stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("price stream stopped", zap.Error(err))
		}
	}()

	scanner := app.NewScanner(markets.Unlevered, markets.Levered, cfg.Strategy, log)
	result, pairs, err := scanner.Scan(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%d hedgeable instruments, %d eligible (min APR %.1f%%, leverage %dx)\n",
		len(pairs), len(result.Ranked), cfg.Strategy.MinAPR, cfg.Strategy.Leverage)

	printRanked(result.Ranked)
	if *showRejected {
		printRejected(result.Rejected)
	}
}

func printRanked(ranked []strategy.Opportunity) {
	if len(ranked) == 0 {
		fmt.Println("no eligible opportunity")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Instrument", "APR", "Instant APR", "Rate diff", "Volume B", "Spread")
	for i, o := range ranked {
		_ = table.Append(
			fmt.Sprintf("%d", i+1),
			o.Instrument,
			fmt.Sprintf("%.2f%%", o.StabilizedAPR),
			fmt.Sprintf("%.2f%%", o.InstantAPR),
			fmt.Sprintf("%.6f%%", o.RateDiff*100),
			fmt.Sprintf("$%.0f", o.VolumeB),
			fmt.Sprintf("%.3f%%", o.SpreadPct),
		)
	}
	_ = table.Render()
}

func printRejected(rejected []strategy.Opportunity) {
	if len(rejected) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Instrument", "Reason", "APR", "Instant APR", "Detail")
	for _, o := range rejected {
		_ = table.Append(
			o.Instrument,
			string(o.Rejection),
			fmt.Sprintf("%.2f%%", o.StabilizedAPR),
			fmt.Sprintf("%.2f%%", o.InstantAPR),
			o.Detail,
		)
	}
	_ = table.Render()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
