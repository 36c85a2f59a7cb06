// Package app runs the funding rotation loop: it reconciles persisted state
// with the venues at start, then on every tick scans, opens, refreshes and
// closes the single hedged position.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding-rotation-bot/internal/alerts"
	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/events"
	"funding-rotation-bot/internal/exec"
	"funding-rotation-bot/internal/metrics"
	"funding-rotation-bot/internal/reconcile"
	"funding-rotation-bot/internal/state"
	"funding-rotation-bot/internal/strategy"
	"funding-rotation-bot/internal/timescale"
	"funding-rotation-bot/internal/venue"

	"go.uber.org/zap"
)

type Notifier interface {
	Send(ctx context.Context, message string) error
}

// OperatorChannel carries operator commands in and replies out.
type OperatorChannel interface {
	Notifier
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

// Deps are the collaborators of an App. Only the two markets are required.
type Deps struct {
	Unlevered venue.Market
	Levered   venue.Market
	Store     state.Store
	Alerts    Notifier
	Operator  OperatorChannel
	Metrics   *metrics.Metrics
	Timescale *timescale.Writer
	Events    *events.Publisher
	Now       func() time.Time
	// Background tasks run for the lifetime of Run.
	Background []func(context.Context) error
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	a          venue.Market
	b          venue.Market
	store      state.Store
	machine    *strategy.Machine
	scanner    *Scanner
	coord      *exec.Coordinator
	alerts     Notifier
	operator   OperatorChannel
	metrics    *metrics.Metrics
	timescale  *timescale.Writer
	events     *events.Publisher
	now        func() time.Time
	exitParams strategy.ExitParams
	background []func(context.Context) error
	closers    []func() error

	// Only touched from the tick goroutine. pairs is the instrument set of
	// the last successful scan.
	errorAlerted bool
	pairs        map[string]Pair

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	lastScan       strategy.ScanResult
	lastScanAt     time.Time
	portfolio      portfolioView
}

type portfolioView struct {
	Value float64
	PnL   float64
	At    time.Time
}

// New wires the production stack: state store, Hyperliquid markets, alerts,
// metrics, timescale history and NATS events.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	ctx := context.Background()
	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	markets, err := BuildMarkets(ctx, cfg, store, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if markets.ReadOnly() {
		_ = store.Close()
		return nil, errors.New("FRB_PRIVATE_KEY is required to trade")
	}

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	publisher, err := events.Connect(cfg.Events, log)
	if err != nil {
		log.Warn("lifecycle events disabled", zap.Error(err))
		publisher = nil
	}

	deps := Deps{
		Unlevered:  markets.Unlevered,
		Levered:    markets.Levered,
		Store:      store,
		Alerts:     telegram,
		Metrics:    metrics.NewNoop(),
		Timescale:  writer,
		Events:     publisher,
		Background: []func(context.Context) error{markets.Stream.Run},
	}
	if cfg.Telegram.Enabled && cfg.Telegram.OperatorEnabled {
		deps.Operator = telegram
	}
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		deps.Metrics = prom.Metrics
		deps.Background = append(deps.Background, func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Path, prom.Handler(), log)
		})
	}
	application, err := NewWithDeps(cfg, deps, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	application.closers = append(application.closers,
		writer.Close,
		func() error { publisher.Close(); return nil },
		store.Close,
	)
	return application, nil
}

func NewWithDeps(cfg *config.Config, deps Deps, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if deps.Unlevered == nil || deps.Levered == nil {
		return nil, errors.New("both leg markets are required")
	}
	if deps.Levered.Kind() != venue.KindPerp {
		return nil, fmt.Errorf("leveraged leg must be a perp market, got %s", deps.Levered.Kind())
	}
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Store == nil {
		deps.Store = state.NewMemory()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	executor := exec.NewExecutor(deps.Store, log)
	coord := exec.NewCoordinator(executor, exec.Options{
		CrossTicks: cfg.Execution.CrossTicks,
		Timeout:    cfg.Execution.OrderTimeout,
	}, log)
	return &App{
		cfg:        cfg,
		log:        log,
		a:          deps.Unlevered,
		b:          deps.Levered,
		store:      deps.Store,
		machine:    strategy.NewMachine(strategy.NewRecord()),
		scanner:    NewScanner(deps.Unlevered, deps.Levered, cfg.Strategy, log),
		coord:      coord,
		alerts:     deps.Alerts,
		operator:   deps.Operator,
		metrics:    deps.Metrics,
		timescale:  deps.Timescale,
		events:     deps.Events,
		now:        deps.Now,
		exitParams: strategy.ExitParamsFromConfig(cfg),
		background: deps.Background,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()
	for _, task := range a.background {
		go func(task func(context.Context) error) {
			if err := task(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("background task stopped", zap.Error(err))
			}
		}(task)
	}

	rec, found, err := state.LoadRecord(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}
	a.machine.Replace(rec)
	a.log.Info("strategy state loaded",
		zap.Bool("found", found),
		zap.String("phase", string(rec.Phase)),
		zap.Int64("cycles", rec.Cycles),
		zap.Int64("completed_cycles", rec.CompletedCycles),
	)
	if err := a.reconcile(ctx); err != nil {
		return err
	}

	a.timescale.Start(ctx)
	a.startOperator(ctx)

	a.runTick(ctx)
	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.runTick(ctx)
		}
	}
}

func (a *App) shutdown() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.log.Warn("shutdown close failed", zap.Error(err))
		}
	}
}

func (a *App) runTick(ctx context.Context) {
	if err := a.tick(ctx); err != nil {
		a.metrics.TickFailures.Inc()
		a.log.Warn("strategy tick failed", zap.Error(err))
	}
}

// reconcile aligns the loaded record with the venues. A conflict moves the
// strategy to ERROR but does not stop the process; a failure to read the
// venues or persist the outcome does.
func (a *App) reconcile(ctx context.Context) error {
	r := reconcile.New(a.a, a.b, reconcile.Options{
		Leverage:             a.cfg.Strategy.Leverage,
		MaintenanceMargin:    a.cfg.Risk.MaintenanceMargin,
		StopLossBuffer:       a.cfg.Risk.StopLossBuffer,
		ImbalanceCriticalPct: a.cfg.Risk.ImbalanceCriticalPct,
		MinNotionalUSD:       a.cfg.Risk.MinNotionalUSD,
		TakerFeeRate:         a.cfg.Execution.TakerFeeRate,
		FundingLookback:      a.cfg.Strategy.MaxHold,
		Now:                  a.now,
	}, a.log)
	out, err := r.Run(ctx, a.machine.Snapshot())
	var conflict *reconcile.ConflictError
	switch {
	case errors.As(err, &conflict):
		a.metrics.ReconcileConflicts.Inc()
		a.log.Error("reconciliation conflict", zap.Error(conflict))
	case err != nil:
		return fmt.Errorf("reconcile: %w", err)
	}
	if out.Event.Kind == "" {
		a.log.Info("reconciliation skipped", zap.String("action", string(out.Action)))
		a.metrics.Phase.Set(string(a.machine.Snapshot().Phase))
		return nil
	}
	rec, err := a.apply(ctx, out.Event)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("action", string(out.Action)), zap.String("phase", string(rec.Phase))}
	if rec.Position != nil {
		fields = append(fields, zap.String("instrument", rec.Position.Instrument))
	}
	a.log.Info("reconciled with venues", fields...)

	switch {
	case conflict != nil:
		a.errorAlerted = true
		a.notify(ctx, "reconciliation conflict, trading halted: "+conflict.Error())
		a.publish(events.KindError, rec, rec.Position, "", conflict.Error())
	case out.Action != reconcile.ActionUnchanged:
		a.publish(events.KindReconciled, rec, rec.Position, string(out.Action), "")
	}
	return nil
}

// apply runs one reducer step and persists the result.
func (a *App) apply(ctx context.Context, ev strategy.Event) (strategy.Record, error) {
	if ev.At.IsZero() {
		ev.At = a.now().UTC()
	}
	before := a.machine.Snapshot().Phase
	if !strategy.CanApply(before, ev.Kind) {
		a.log.Warn("event ignored in phase", zap.String("event", string(ev.Kind)), zap.String("phase", string(before)))
	}
	rec := a.machine.Apply(ev)
	a.metrics.Phase.Set(string(rec.Phase))
	if err := state.SaveRecord(context.WithoutCancel(ctx), a.store, rec); err != nil {
		return rec, fmt.Errorf("persist state after %s: %w", ev.Kind, err)
	}
	return rec, nil
}

// step is apply for the trading loop, where a failed write is logged and the
// next reducer call persists again.
func (a *App) step(ctx context.Context, ev strategy.Event) strategy.Record {
	rec, err := a.apply(ctx, ev)
	if err != nil {
		a.log.Error("state persist failed", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
	return rec
}

func (a *App) tick(ctx context.Context) error {
	rec := a.machine.Snapshot()
	if rec.Phase == strategy.PhaseError {
		return a.watchError(ctx, rec)
	}
	a.step(ctx, strategy.Event{Kind: strategy.EventTicked})
	a.refreshPortfolio(ctx)

	scan, pairs, err := a.scanner.Scan(ctx)
	if err != nil {
		return a.tickWithoutScan(ctx, rec.Phase, fmt.Errorf("scan: %w", err))
	}
	a.pairs = pairs
	a.rememberScan(scan)
	defer a.recordSnapshot(scan)

	switch rec.Phase {
	case strategy.PhaseNoPosition:
		return a.enter(ctx, scan, pairs)
	case strategy.PhaseHolding:
		rotate, err := a.hold(ctx, scan, pairs)
		if err != nil || !rotate {
			return err
		}
		return a.enter(ctx, scan, pairs)
	case strategy.PhaseClosing:
		return a.resumeClose(ctx, pairs)
	default:
		return fmt.Errorf("unexpected phase %s at tick start", rec.Phase)
	}
}

// tickWithoutScan still runs the exit rules of an open position when the
// scan failed. With no ranking there is no rotation; the close uses the
// instruments of the last good scan.
func (a *App) tickWithoutScan(ctx context.Context, phase strategy.Phase, scanErr error) error {
	var err error
	switch phase {
	case strategy.PhaseHolding:
		_, err = a.hold(ctx, strategy.ScanResult{}, a.pairs)
	case strategy.PhaseClosing:
		err = a.resumeClose(ctx, a.pairs)
	}
	return errors.Join(scanErr, err)
}

// watchError waits for the emergency command to clear ERROR in the store,
// then resumes from whatever it wrote.
func (a *App) watchError(ctx context.Context, rec strategy.Record) error {
	stored, ok, err := state.LoadRecord(ctx, a.store)
	if err != nil {
		return fmt.Errorf("reload state: %w", err)
	}
	if ok && stored.Phase != strategy.PhaseError {
		a.machine.Replace(stored)
		a.errorAlerted = false
		a.metrics.Phase.Set(string(stored.Phase))
		a.log.Info("error state cleared, resuming", zap.String("phase", string(stored.Phase)))
		return nil
	}
	if !a.errorAlerted {
		a.errorAlerted = true
		a.notify(ctx, fmt.Sprintf("strategy in ERROR: %s\nclose the legs with the emergency command to resume", rec.LastError))
	}
	a.log.Warn("strategy in ERROR, waiting for operator", zap.String("last_error", rec.LastError))
	return nil
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) rememberScan(scan strategy.ScanResult) {
	a.opsMu.Lock()
	a.lastScan = scan
	a.lastScanAt = a.now()
	a.opsMu.Unlock()
	if best, ok := scan.Best(); ok {
		a.metrics.BestAPR.Set(best.StabilizedAPR)
	} else {
		a.metrics.BestAPR.Set(0)
	}
}
