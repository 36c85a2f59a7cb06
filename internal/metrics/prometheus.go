package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_rotation_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

// promStateGauge keeps exactly one label value at 1.
type promStateGauge struct {
	vec *prometheus.GaugeVec
}

func (p promStateGauge) Set(state string) {
	p.vec.Reset()
	p.vec.WithLabelValues(state).Set(1)
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	ordersPlaced       prometheus.Counter
	ordersFailed       prometheus.Counter
	positionsOpened    prometheus.Counter
	positionsClosed    *prometheus.CounterVec
	partialExecutions  prometheus.Counter
	reconcileConflicts prometheus.Counter
	tickFailures       prometheus.Counter
	phase              *prometheus.GaugeVec
	positionPnL        prometheus.Gauge
	fundingReceived    prometheus.Gauge
	portfolioValue     prometheus.Gauge
	portfolioPnL       prometheus.Gauge
	currentAPR         prometheus.Gauge
	bestAPR            prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:           prometheus.NewRegistry(),
		ordersPlaced:       counter("orders_placed_total", "Total number of leg orders that filled."),
		ordersFailed:       counter("orders_failed_total", "Total number of leg order failures."),
		positionsOpened:    counter("positions_opened_total", "Total number of hedged positions opened."),
		partialExecutions:  counter("partial_executions_total", "Total number of one-legged executions."),
		reconcileConflicts: counter("reconcile_conflicts_total", "Total number of startup reconciliation conflicts."),
		tickFailures:       counter("tick_failures_total", "Total number of strategy ticks that returned an error."),
		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "positions_closed_total",
			Help:      "Total number of positions closed, by exit reason.",
		}, []string{"reason"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "phase",
			Help:      "Current lifecycle phase (1 for the active phase).",
		}, []string{"phase"}),
		positionPnL:     gauge("position_pnl_usd", "Unrealized PnL of the open position net of fees."),
		fundingReceived: gauge("position_funding_usd", "Funding received by the open position."),
		portfolioValue:  gauge("portfolio_value_usd", "Marked value of both wallets."),
		portfolioPnL:    gauge("portfolio_pnl_usd", "Portfolio value minus the captured baseline."),
		currentAPR:      gauge("position_apr_pct", "Stabilized APR of the held instrument."),
		bestAPR:         gauge("best_apr_pct", "Stabilized APR of the top-ranked candidate."),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.positionsOpened, p.positionsClosed,
		p.partialExecutions, p.reconcileConflicts, p.tickFailures, p.phase,
		p.positionPnL, p.fundingReceived, p.portfolioValue, p.portfolioPnL,
		p.currentAPR, p.bestAPR,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:       promCounter{p.ordersPlaced},
		OrdersFailed:       promCounter{p.ordersFailed},
		PositionsOpened:    promCounter{p.positionsOpened},
		PositionsClosed:    promCounterVec{p.positionsClosed},
		PartialExecutions:  promCounter{p.partialExecutions},
		ReconcileConflicts: promCounter{p.reconcileConflicts},
		TickFailures:       promCounter{p.tickFailures},
		Phase:              promStateGauge{p.phase},
		PositionPnL:        p.positionPnL,
		FundingReceived:    p.fundingReceived,
		PortfolioValue:     p.portfolioValue,
		PortfolioPnL:       p.portfolioPnL,
		CurrentAPR:         p.currentAPR,
		BestAPR:            p.bestAPR,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
