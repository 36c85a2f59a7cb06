package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestReduceOpenAndClose(t *testing.T) {
	rec := NewRecord()
	rec = Reduce(rec, Event{Kind: EventOpenStarted, Instrument: "ETH", At: t0})
	require.Equal(t, PhaseOpening, rec.Phase)
	assert.Equal(t, "ETH", rec.Pending)

	pos := heldPosition()
	rec = Reduce(rec, Event{Kind: EventOpenFilled, Position: &pos, At: t0})
	require.Equal(t, PhaseHolding, rec.Phase)
	require.NotNil(t, rec.Position)
	assert.Equal(t, int64(1), rec.PositionsOpened)

	pos.Instrument = "mutated"
	assert.Equal(t, "ETH", rec.Position.Instrument)

	rec = Reduce(rec, Event{Kind: EventCloseStarted, Reason: string(ExitFeeCoverage)})
	require.Equal(t, PhaseClosing, rec.Phase)
	assert.Equal(t, "fee_coverage", rec.CloseReason)

	rec = Reduce(rec, Event{Kind: EventCloseFilled, RealizedPnL: 4.5})
	assert.Equal(t, PhaseNoPosition, rec.Phase)
	assert.Nil(t, rec.Position)
	assert.Equal(t, int64(1), rec.CompletedCycles)
	assert.Equal(t, int64(1), rec.PositionsClosed)
	assert.InDelta(t, 4.5, rec.RealizedPnL, 1e-12)
	assert.Empty(t, rec.CloseReason)
}

func TestReduceExternalCloseIsNotACompletedCycle(t *testing.T) {
	pos := heldPosition()
	rec := Record{Phase: PhaseHolding, Position: &pos}
	rec = Reduce(rec, Event{Kind: EventExternallyClosed})
	assert.Equal(t, PhaseNoPosition, rec.Phase)
	assert.Nil(t, rec.Position)
	assert.Equal(t, int64(0), rec.CompletedCycles)
	assert.Equal(t, int64(1), rec.PositionsClosed)
}

func TestReducePartialFillsGoToError(t *testing.T) {
	rec := Reduce(Record{Phase: PhaseOpening}, Event{Kind: EventOpenPartial, Err: "short leg rejected"})
	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "short leg rejected", rec.LastError)

	pos := heldPosition()
	rec = Reduce(Record{Phase: PhaseClosing, Position: &pos}, Event{Kind: EventClosePartial, Err: "spot leg failed"})
	assert.Equal(t, PhaseError, rec.Phase)
	assert.NotNil(t, rec.Position)

	// only the emergency clear leaves ERROR
	assert.Equal(t, PhaseError, Reduce(rec, Event{Kind: EventOpenStarted}).Phase)
	cleared := Reduce(rec, Event{Kind: EventCleared})
	assert.Equal(t, PhaseNoPosition, cleared.Phase)
	assert.Nil(t, cleared.Position)
	assert.Empty(t, cleared.LastError)
}

func TestReduceOpenAborted(t *testing.T) {
	rec := Reduce(Record{Phase: PhaseOpening, Pending: "ETH"}, Event{Kind: EventOpenAborted, Err: "both legs rejected"})
	assert.Equal(t, PhaseNoPosition, rec.Phase)
	assert.Empty(t, rec.Pending)
	assert.Equal(t, int64(0), rec.PositionsOpened)
}

func TestReduceIgnoresIllegalEvents(t *testing.T) {
	rec := NewRecord()
	assert.Equal(t, rec, Reduce(rec, Event{Kind: EventCloseFilled, RealizedPnL: 100}))
	assert.Equal(t, rec, Reduce(rec, Event{Kind: EventRefreshed}))
	assert.False(t, CanApply(PhaseHolding, EventOpenStarted))
	assert.True(t, CanApply(PhaseError, EventReconciled))
}

func TestRefreshKeepsFrozenFieldsAndFundingMonotone(t *testing.T) {
	pos := heldPosition()
	pos.StopLoss = -0.24
	rec := Record{Phase: PhaseHolding, Position: &pos}

	update := Position{
		Instrument:      "ETH",
		Leverage:        5,
		StopLoss:        -0.1,
		FundingReceived: 10,
		Notional:        3100,
		CurrentAPR:      40,
		Unlevered:       Leg{Quantity: 0.99},
		Levered:         Leg{Quantity: 1},
	}
	rec = Reduce(rec, Event{Kind: EventRefreshed, Position: &update})
	require.NotNil(t, rec.Position)
	assert.Equal(t, 3, rec.Position.Leverage)
	assert.Equal(t, -0.24, rec.Position.StopLoss)
	assert.Equal(t, 12.0, rec.Position.FundingReceived)
	assert.Equal(t, 3100.0, rec.Position.Notional)
	assert.Equal(t, 0.99, rec.Position.Unlevered.Quantity)
	assert.Equal(t, 3000.0, rec.Position.Unlevered.EntryPrice)

	update.FundingReceived = 15
	rec = Reduce(rec, Event{Kind: EventRefreshed, Position: &update})
	assert.Equal(t, 15.0, rec.Position.FundingReceived)
}

func TestReduceBaselineCapturedOnce(t *testing.T) {
	rec := Reduce(NewRecord(), Event{Kind: EventBaseline, Value: 1000, At: t0})
	require.True(t, rec.HasBaseline())
	rec = Reduce(rec, Event{Kind: EventBaseline, Value: 2000, At: t0.Add(time.Hour)})
	assert.Equal(t, 1000.0, rec.BaselineValue)
	assert.Equal(t, t0, rec.BaselineAt)
}

func TestReduceTickedCountsInAnyPhase(t *testing.T) {
	rec := Record{Phase: PhaseError}
	rec = Reduce(rec, Event{Kind: EventTicked})
	rec = Reduce(rec, Event{Kind: EventTicked})
	assert.Equal(t, int64(2), rec.Cycles)
	assert.Equal(t, PhaseError, rec.Phase)
}

func TestMachineSnapshotIsACopy(t *testing.T) {
	pos := heldPosition()
	m := NewMachine(Record{})
	m.Apply(Event{Kind: EventOpenStarted, Instrument: "ETH"})
	m.Apply(Event{Kind: EventOpenFilled, Position: &pos})

	snap := m.Snapshot()
	snap.Position.FundingReceived = 999
	assert.Equal(t, 12.0, m.Snapshot().Position.FundingReceived)
}
