package strategy

import (
	"fmt"
	"time"

	"funding-rotation-bot/internal/config"
)

type ExitReason string

const (
	ExitStopLoss           ExitReason = "stop_loss"
	ExitFeeCoverage        ExitReason = "fee_coverage"
	ExitMaxHold            ExitReason = "max_hold"
	ExitRotationMargin     ExitReason = "rotation_margin"
	ExitRotationMultiplier ExitReason = "rotation_multiplier"
	ExitCriticalHealth     ExitReason = "critical_health"
)

type ExitParams struct {
	FeeCoverageMultiplier float64
	MaxHold               time.Duration
	Rotation              config.RotationConfig
	CloseOnCritical       bool
}

func ExitParamsFromConfig(cfg *config.Config) ExitParams {
	return ExitParams{
		FeeCoverageMultiplier: cfg.Strategy.FeeCoverageMultiplier,
		MaxHold:               cfg.Strategy.MaxHold,
		Rotation:              cfg.Rotation,
		CloseOnCritical:       cfg.Risk.CloseOnCriticalValue(),
	}
}

type ExitInput struct {
	Position Position
	// LeveredPnL is the venue-reported unrealized PnL of the short leg.
	LeveredPnL float64
	ExitFees   float64
	CurrentAPR float64
	// Best is the top ranked candidate of this tick's scan, if any.
	Best   *Opportunity
	Health HealthReport
	Now    time.Time
}

type ExitDecision struct {
	Close  bool
	Reason ExitReason
	Detail string
	// Target is the instrument a rotation moves to.
	Target string
}

// FeeCoverageThreshold is the funding needed before a position has paid for
// its round trip with margin.
func FeeCoverageThreshold(entryFees, exitFees, multiplier float64) float64 {
	return (entryFees + exitFees) * multiplier
}

// EvaluateExit applies the exit rules in priority order and returns the first
// that fires.
func EvaluateExit(params ExitParams, in ExitInput) ExitDecision {
	p := in.Position
	age := p.Age(in.Now)

	if p.Capital > 0 {
		frac := in.LeveredPnL / p.Capital
		if frac <= p.StopLoss {
			return ExitDecision{Close: true, Reason: ExitStopLoss,
				Detail: fmt.Sprintf("short leg PnL %.2f%% of capital at or below stop %.2f%%", frac*100, p.StopLoss*100)}
		}
	}

	threshold := FeeCoverageThreshold(p.EntryFees, in.ExitFees, params.FeeCoverageMultiplier)
	if p.FundingReceived >= threshold {
		return ExitDecision{Close: true, Reason: ExitFeeCoverage,
			Detail: fmt.Sprintf("funding $%.2f covers fees x%.2f ($%.2f)", p.FundingReceived, params.FeeCoverageMultiplier, threshold)}
	}

	if params.MaxHold > 0 && age >= params.MaxHold {
		return ExitDecision{Close: true, Reason: ExitMaxHold,
			Detail: fmt.Sprintf("held %s, max %s", age.Round(time.Minute), params.MaxHold)}
	}

	if d, ok := evaluateRotation(params.Rotation, p.Instrument, in.CurrentAPR, in.Best, age); ok {
		return d
	}

	if params.CloseOnCritical && !in.Health.Healthy() {
		return ExitDecision{Close: true, Reason: ExitCriticalHealth, Detail: in.Health.Critical[0]}
	}
	return ExitDecision{}
}

func evaluateRotation(cfg config.RotationConfig, current string, currentAPR float64, best *Opportunity, age time.Duration) (ExitDecision, bool) {
	if cfg.Disabled || best == nil || !best.Eligible() || best.Instrument == current {
		return ExitDecision{}, false
	}
	if age >= cfg.MinHold && best.StabilizedAPR-currentAPR >= cfg.MinImprovementAPR {
		return ExitDecision{Close: true, Reason: ExitRotationMargin, Target: best.Instrument,
			Detail: fmt.Sprintf("%s at %.2f%% beats %s at %.2f%% by %.2f points",
				best.Instrument, best.StabilizedAPR, current, currentAPR, best.StabilizedAPR-currentAPR)}, true
	}
	if !cfg.MultiplierDisabled && age >= cfg.MultiplierMinHold && currentAPR > 0 &&
		best.StabilizedAPR >= currentAPR*cfg.Multiplier {
		return ExitDecision{Close: true, Reason: ExitRotationMultiplier, Target: best.Instrument,
			Detail: fmt.Sprintf("%s at %.2f%% is %.1fx %s at %.2f%%",
				best.Instrument, best.StabilizedAPR, best.StabilizedAPR/currentAPR, current, currentAPR)}, true
	}
	return ExitDecision{}, false
}
