package strategy

import (
	"fmt"
	"math"

	"funding-rotation-bot/internal/config"
	"funding-rotation-bot/internal/venue"
)

const stepEpsilon = 1e-9

// LeveredFraction is the share of capital posted as margin on the short leg.
func LeveredFraction(leverage int) float64 {
	return 1 / float64(leverage+1)
}

func UnleveredFraction(leverage int) float64 {
	l := float64(leverage)
	return l / (l + 1)
}

func SplitCapital(capital float64, leverage int) (unlevered, levered float64) {
	return capital * UnleveredFraction(leverage), capital * LeveredFraction(leverage)
}

// LiquidationDistance is the adverse price move, as a fraction of entry, that
// liquidates a short at the given leverage and maintenance margin.
func LiquidationDistance(leverage int, maintenanceMargin float64) float64 {
	l := float64(leverage)
	return (1+1/l)/(1+maintenanceMargin) - 1
}

// StopLoss is the short-leg PnL, as a fraction of total capital, at which the
// position is closed. It keeps buffer of price distance from liquidation and
// never goes above zero.
func StopLoss(leverage int, maintenanceMargin, buffer float64) float64 {
	dist := LiquidationDistance(leverage, maintenanceMargin) - buffer
	if dist <= 0 {
		return 0
	}
	return -dist * UnleveredFraction(leverage)
}

func CoarserStep(a, b float64) float64 {
	return math.Max(a, b)
}

func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+stepEpsilon) * step
}

type Sizing struct {
	Quantity float64
	// Notional is the target notional per leg.
	Notional float64
	AvgMid   float64
	Step     float64
	Eligible bool
	Reason   string
}

// SizeHedge sizes both legs to one quantity so the hedge is delta neutral.
func SizeHedge(capital float64, leverage int, instA, instB venue.Instrument, quoteA, quoteB venue.Quote) Sizing {
	s := Sizing{Notional: capital * UnleveredFraction(leverage)}
	midA, midB := quoteA.Mid(), quoteB.Mid()
	if midA <= 0 || midB <= 0 {
		s.Reason = "no valid mid price"
		return s
	}
	s.AvgMid = (midA + midB) / 2
	s.Step = CoarserStep(instA.SizeStep, instB.SizeStep)
	s.Quantity = FloorToStep(s.Notional/s.AvgMid, s.Step)
	minSize := math.Max(instA.MinSize, instB.MinSize)
	if s.Quantity <= 0 || s.Quantity+stepEpsilon < minSize {
		s.Reason = fmt.Sprintf("quantity %.8g below minimum size %.8g", s.Quantity, minSize)
		return s
	}
	s.Eligible = true
	return s
}

// ImbalancePct is |a-b|/a in percent, measured against the unleveraged leg.
func ImbalancePct(qtyA, qtyB float64) float64 {
	a, b := math.Abs(qtyA), math.Abs(qtyB)
	if a == 0 {
		if b == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(a-b) / a * 100
}

type HealthInput struct {
	Instrument   string
	Leverage     int
	QtyUnlevered float64
	QtyLevered   float64
	Notional     float64
}

type HealthReport struct {
	Warnings []string
	Critical []string
}

func (h HealthReport) Healthy() bool {
	return len(h.Critical) == 0
}

func CheckHealth(cfg config.RiskConfig, in HealthInput) HealthReport {
	var report HealthReport
	maxLev := cfg.MaxLeverage
	if maxLev <= 0 {
		maxLev = 3
	}
	if in.Leverage < 1 || in.Leverage > maxLev {
		report.Critical = append(report.Critical,
			fmt.Sprintf("%s: leverage %dx outside 1x-%dx", in.Instrument, in.Leverage, maxLev))
	}
	imbalance := ImbalancePct(in.QtyUnlevered, in.QtyLevered)
	switch {
	case imbalance > cfg.ImbalanceCriticalPct:
		report.Critical = append(report.Critical,
			fmt.Sprintf("%s: critical imbalance %.1f%% (>%.0f%%)", in.Instrument, imbalance, cfg.ImbalanceCriticalPct))
	case imbalance > cfg.ImbalanceWarnPct:
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s: imbalance %.1f%% (>%.0f%%)", in.Instrument, imbalance, cfg.ImbalanceWarnPct))
	}
	if cfg.MinNotionalUSD > 0 && in.Notional < cfg.MinNotionalUSD {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s: position value $%.2f below $%.2f", in.Instrument, in.Notional, cfg.MinNotionalUSD))
	}
	return report
}
