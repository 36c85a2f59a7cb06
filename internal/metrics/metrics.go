package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// LabeledCounter counts per label value, e.g. close reasons.
type LabeledCounter interface {
	With(label string) Counter
}

// StateGauge exposes one active state out of a fixed set.
type StateGauge interface {
	Set(state string)
}

type Metrics struct {
	OrdersPlaced       Counter
	OrdersFailed       Counter
	PositionsOpened    Counter
	PositionsClosed    LabeledCounter
	PartialExecutions  Counter
	ReconcileConflicts Counter
	TickFailures       Counter

	Phase           StateGauge
	PositionPnL     Gauge
	FundingReceived Gauge
	PortfolioValue  Gauge
	PortfolioPnL    Gauge
	CurrentAPR      Gauge
	BestAPR         Gauge
}

type noop struct{}

func (noop) Inc() {}
func (noop) Set(float64) {}
func (noop) With(string) Counter { return noop{} }

type noopState struct{}

func (noopState) Set(string) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:       n,
		OrdersFailed:       n,
		PositionsOpened:    n,
		PositionsClosed:    n,
		PartialExecutions:  n,
		ReconcileConflicts: n,
		TickFailures:       n,
		Phase:              noopState{},
		PositionPnL:        n,
		FundingReceived:    n,
		PortfolioValue:     n,
		PortfolioPnL:       n,
		CurrentAPR:         n,
		BestAPR:            n,
	}
}
