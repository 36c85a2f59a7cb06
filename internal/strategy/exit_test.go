package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"funding-rotation-bot/internal/config"
)

var exitNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testExitParams() ExitParams {
	return ExitParams{
		FeeCoverageMultiplier: 1.5,
		MaxHold:               24 * time.Hour,
		Rotation: config.RotationConfig{
			MinImprovementAPR: 10,
			MinHold:           4 * time.Hour,
			Multiplier:        2,
			MultiplierMinHold: 2 * time.Hour,
		},
		CloseOnCritical: true,
	}
}

func holding(age time.Duration) Position {
	return Position{
		Instrument: "X",
		Leverage:   3,
		Capital:    1000,
		EntryFees:  3,
		OpenedAt:   exitNow.Add(-age),
		StopLoss:   StopLoss(3, 0.005, 0.007),
	}
}

func TestFeeCoverage(t *testing.T) {
	assert.InDelta(t, 6.75, FeeCoverageThreshold(3, 1.5, 1.5), 1e-12)

	p := holding(time.Hour)
	p.FundingReceived = 9.3
	d := EvaluateExit(testExitParams(), ExitInput{Position: p, ExitFees: 1.5, Now: exitNow})
	assert.True(t, d.Close)
	assert.Equal(t, ExitFeeCoverage, d.Reason)

	p.FundingReceived = 6.0
	d = EvaluateExit(testExitParams(), ExitInput{Position: p, ExitFees: 1.5, Now: exitNow})
	assert.False(t, d.Close)
}

func TestStopLossTakesPriority(t *testing.T) {
	p := holding(30 * time.Hour)
	p.FundingReceived = 100
	d := EvaluateExit(testExitParams(), ExitInput{Position: p, LeveredPnL: -240, ExitFees: 1.5, Now: exitNow})
	assert.Equal(t, ExitStopLoss, d.Reason)

	d = EvaluateExit(testExitParams(), ExitInput{Position: p, LeveredPnL: -230, ExitFees: 1.5, Now: exitNow})
	assert.Equal(t, ExitFeeCoverage, d.Reason)
}

func TestMaxHold(t *testing.T) {
	d := EvaluateExit(testExitParams(), ExitInput{Position: holding(24 * time.Hour), Now: exitNow})
	assert.Equal(t, ExitMaxHold, d.Reason)

	d = EvaluateExit(testExitParams(), ExitInput{Position: holding(23 * time.Hour), Now: exitNow})
	assert.False(t, d.Close)
}

func TestRotationIgnoresSameInstrument(t *testing.T) {
	same := &Opportunity{Instrument: "X", StabilizedAPR: 25}
	d := EvaluateExit(testExitParams(), ExitInput{Position: holding(5 * time.Hour), CurrentAPR: 10, Best: same, Now: exitNow})
	assert.False(t, d.Close)

	other := &Opportunity{Instrument: "Y", StabilizedAPR: 25}
	d = EvaluateExit(testExitParams(), ExitInput{Position: holding(5 * time.Hour), CurrentAPR: 10, Best: other, Now: exitNow})
	assert.True(t, d.Close)
	assert.Equal(t, ExitRotationMargin, d.Reason)
	assert.Equal(t, "Y", d.Target)
}

func TestRotationWaitsForMinHold(t *testing.T) {
	other := &Opportunity{Instrument: "Y", StabilizedAPR: 25}

	d := EvaluateExit(testExitParams(), ExitInput{Position: holding(time.Hour), CurrentAPR: 10, Best: other, Now: exitNow})
	assert.False(t, d.Close)

	// the multiplier rule has the shorter hold
	d = EvaluateExit(testExitParams(), ExitInput{Position: holding(3 * time.Hour), CurrentAPR: 10, Best: other, Now: exitNow})
	assert.Equal(t, ExitRotationMultiplier, d.Reason)
}

func TestRotationMultiplierNeedsPositiveCurrent(t *testing.T) {
	params := testExitParams()
	params.Rotation.MinImprovementAPR = 1000
	other := &Opportunity{Instrument: "Y", StabilizedAPR: 25}
	d := EvaluateExit(params, ExitInput{Position: holding(3 * time.Hour), CurrentAPR: -5, Best: other, Now: exitNow})
	assert.False(t, d.Close)
}

func TestRotationDisabled(t *testing.T) {
	params := testExitParams()
	params.Rotation.Disabled = true
	other := &Opportunity{Instrument: "Y", StabilizedAPR: 80}
	d := EvaluateExit(params, ExitInput{Position: holding(10 * time.Hour), CurrentAPR: 10, Best: other, Now: exitNow})
	assert.False(t, d.Close)
}

func TestCriticalHealthClosesLast(t *testing.T) {
	health := HealthReport{Critical: []string{"X: critical imbalance 12.0% (>10%)"}}
	d := EvaluateExit(testExitParams(), ExitInput{Position: holding(time.Hour), Health: health, Now: exitNow})
	assert.Equal(t, ExitCriticalHealth, d.Reason)

	params := testExitParams()
	params.CloseOnCritical = false
	d = EvaluateExit(params, ExitInput{Position: holding(time.Hour), Health: health, Now: exitNow})
	assert.False(t, d.Close)
}
