// Package timescale keeps a time-series history of the strategy: one position
// snapshot per tick and one row per completed cycle. Writes are queued and
// dropped when the queue is full so the trading loop never blocks on the
// database.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-rotation-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type PositionSnapshot struct {
	Time            time.Time
	Phase           string
	Instrument      string
	Leverage        int
	QtyUnlevered    float64
	QtyLevered      float64
	NotionalUSD     float64
	CapitalUSD      float64
	FundingReceived float64
	PnL             float64
	LeveredPnL      float64
	CurrentAPR      float64
	BestInstrument  string
	BestAPR         float64
	PortfolioValue  float64
	PortfolioPnL    float64
}

type Cycle struct {
	ClosedAt        time.Time
	OpenedAt        time.Time
	Instrument      string
	Reason          string
	Leverage        int
	CapitalUSD      float64
	EntryAPR        float64
	FundingReceived float64
	EntryFees       float64
	ExitFees        float64
	RealizedPnL     float64
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	positions chan PositionSnapshot
	cycles    chan Cycle
	started   atomic.Bool
	dropPos   atomic.Uint64
	dropCycle atomic.Uint64
}

// New returns a nil writer when timescale is disabled; all methods accept a
// nil receiver.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		positions: make(chan PositionSnapshot, queueSize),
		cycles:    make(chan Cycle, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(cycle Cycle) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycle:
	default:
		if w.dropCycle.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

// Dropped reports how many snapshots and cycles were discarded.
func (w *Writer) Dropped() (positions, cycles uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPos.Load(), w.dropCycle.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		phase TEXT NOT NULL,
		instrument TEXT NOT NULL DEFAULT '',
		leverage INTEGER NOT NULL DEFAULT 0,
		qty_unlevered DOUBLE PRECISION NOT NULL DEFAULT 0,
		qty_levered DOUBLE PRECISION NOT NULL DEFAULT 0,
		notional_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		capital_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		funding_received DOUBLE PRECISION NOT NULL DEFAULT 0,
		pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		levered_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_apr DOUBLE PRECISION NOT NULL DEFAULT 0,
		best_instrument TEXT NOT NULL DEFAULT '',
		best_apr DOUBLE PRECISION NOT NULL DEFAULT 0,
		portfolio_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		portfolio_pnl DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		reason TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		capital_usd DOUBLE PRECISION NOT NULL,
		entry_apr DOUBLE PRECISION NOT NULL,
		funding_received DOUBLE PRECISION NOT NULL,
		entry_fees DOUBLE PRECISION NOT NULL,
		exit_fees DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL
	)`, w.table("cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"position_snapshots", "cycles"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, phase, instrument, leverage, qty_unlevered, qty_levered, notional_usd, capital_usd,
		funding_received, pnl, levered_pnl, current_apr, best_instrument, best_apr,
		portfolio_value, portfolio_pnl
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Phase,
		snap.Instrument,
		snap.Leverage,
		snap.QtyUnlevered,
		snap.QtyLevered,
		snap.NotionalUSD,
		snap.CapitalUSD,
		snap.FundingReceived,
		snap.PnL,
		snap.LeveredPnL,
		snap.CurrentAPR,
		snap.BestInstrument,
		snap.BestAPR,
		snap.PortfolioValue,
		snap.PortfolioPnL,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, c Cycle) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, opened_at, instrument, reason, leverage, capital_usd, entry_apr,
		funding_received, entry_fees, exit_fees, realized_pnl
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		c.ClosedAt,
		c.OpenedAt,
		c.Instrument,
		c.Reason,
		c.Leverage,
		c.CapitalUSD,
		c.EntryAPR,
		c.FundingReceived,
		c.EntryFees,
		c.ExitFees,
		c.RealizedPnL,
	); err != nil {
		w.log.Warn("timescale cycle insert failed", zap.String("instrument", c.Instrument), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
