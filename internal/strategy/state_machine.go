package strategy

import (
	"math"
	"sync"
	"time"
)

type Phase string

const (
	PhaseNoPosition Phase = "NO_POSITION"
	PhaseOpening    Phase = "OPENING"
	PhaseHolding    Phase = "HOLDING"
	PhaseClosing    Phase = "CLOSING"
	PhaseError      Phase = "ERROR"
)

type EventKind string

const (
	EventOpenStarted      EventKind = "OPEN_STARTED"
	EventOpenFilled       EventKind = "OPEN_FILLED"
	EventOpenPartial      EventKind = "OPEN_PARTIAL"
	EventOpenAborted      EventKind = "OPEN_ABORTED"
	EventRefreshed        EventKind = "REFRESHED"
	EventCloseStarted     EventKind = "CLOSE_STARTED"
	EventExternallyClosed EventKind = "EXTERNALLY_CLOSED"
	EventCloseFilled      EventKind = "CLOSE_FILLED"
	EventClosePartial     EventKind = "CLOSE_PARTIAL"
	EventCleared          EventKind = "CLEARED"
	EventReconciled       EventKind = "RECONCILED"
	EventTicked           EventKind = "TICKED"
	EventBaseline         EventKind = "BASELINE"
)

type Event struct {
	Kind EventKind
	At   time.Time
	// Instrument is the target of OpenStarted.
	Instrument string
	Position   *Position
	Reason     string
	Err        string
	// Phase is the reconciler's verdict for Reconciled.
	Phase       Phase
	RealizedPnL float64
	Value       float64
}

// Record is the persisted strategy state.
type Record struct {
	Phase           Phase     `json:"phase"`
	Position        *Position `json:"position,omitempty"`
	Pending         string    `json:"pending,omitempty"`
	CloseReason     string    `json:"close_reason,omitempty"`
	Cycles          int64     `json:"cycles"`
	CompletedCycles int64     `json:"completed_cycles"`
	PositionsOpened int64     `json:"positions_opened"`
	PositionsClosed int64     `json:"positions_closed"`
	RealizedPnL     float64   `json:"realized_pnl"`
	BaselineValue   float64   `json:"baseline_value"`
	BaselineAt      time.Time `json:"baseline_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func NewRecord() Record {
	return Record{Phase: PhaseNoPosition}
}

func (r Record) HasBaseline() bool {
	return !r.BaselineAt.IsZero()
}

// CanApply reports whether kind is a legal event in phase.
func CanApply(phase Phase, kind EventKind) bool {
	switch kind {
	case EventReconciled, EventTicked, EventBaseline:
		return true
	}
	switch phase {
	case PhaseNoPosition, "":
		return kind == EventOpenStarted
	case PhaseOpening:
		return kind == EventOpenFilled || kind == EventOpenPartial || kind == EventOpenAborted
	case PhaseHolding:
		return kind == EventRefreshed || kind == EventCloseStarted || kind == EventExternallyClosed
	case PhaseClosing:
		return kind == EventCloseFilled || kind == EventClosePartial
	case PhaseError:
		return kind == EventCleared
	}
	return false
}

// Reduce returns the state after ev. Events that are not legal in the current
// phase leave the state unchanged.
func Reduce(r Record, ev Event) Record {
	if r.Phase == "" {
		r.Phase = PhaseNoPosition
	}
	if !CanApply(r.Phase, ev.Kind) {
		return r
	}
	next := r
	if !ev.At.IsZero() {
		next.UpdatedAt = ev.At
	}
	switch ev.Kind {
	case EventTicked:
		next.Cycles++
	case EventBaseline:
		if !r.HasBaseline() {
			next.BaselineValue = ev.Value
			next.BaselineAt = ev.At
		}
	case EventOpenStarted:
		next.Phase = PhaseOpening
		next.Pending = ev.Instrument
		next.LastError = ""
	case EventOpenFilled:
		next.Phase = PhaseHolding
		next.Position = clonePosition(ev.Position)
		next.Pending = ""
		next.PositionsOpened++
	case EventOpenPartial:
		next.Phase = PhaseError
		next.Position = clonePosition(ev.Position)
		next.LastError = ev.Err
	case EventOpenAborted:
		next.Phase = PhaseNoPosition
		next.Pending = ""
		next.LastError = ev.Err
	case EventRefreshed:
		next.Position = refresh(r.Position, ev.Position)
	case EventCloseStarted:
		next.Phase = PhaseClosing
		next.CloseReason = ev.Reason
	case EventExternallyClosed:
		next.Phase = PhaseNoPosition
		next.Position = nil
		next.PositionsClosed++
	case EventCloseFilled:
		next.Phase = PhaseNoPosition
		next.Position = nil
		next.CloseReason = ""
		next.PositionsClosed++
		next.CompletedCycles++
		next.RealizedPnL += ev.RealizedPnL
	case EventClosePartial:
		next.Phase = PhaseError
		next.LastError = ev.Err
	case EventCleared:
		next.Phase = PhaseNoPosition
		next.Position = nil
		next.Pending = ""
		next.CloseReason = ""
		next.LastError = ""
	case EventReconciled:
		next.Phase = ev.Phase
		next.Position = clonePosition(ev.Position)
		next.Pending = ""
		next.CloseReason = ""
		next.LastError = ev.Err
	}
	return next
}

// refresh takes live values from update and keeps what is frozen at open.
// Funding received never decreases.
func refresh(current, update *Position) *Position {
	if current == nil {
		return clonePosition(update)
	}
	if update == nil {
		return clonePosition(current)
	}
	out := *current
	out.Unlevered.Quantity = update.Unlevered.Quantity
	out.Levered.Quantity = update.Levered.Quantity
	if out.Unlevered.EntryPrice == 0 {
		out.Unlevered.EntryPrice = update.Unlevered.EntryPrice
	}
	if out.Levered.EntryPrice == 0 {
		out.Levered.EntryPrice = update.Levered.EntryPrice
	}
	out.FundingReceived = math.Max(current.FundingReceived, update.FundingReceived)
	out.Notional = update.Notional
	out.PnL = update.PnL
	out.LeveredPnL = update.LeveredPnL
	out.CurrentAPR = update.CurrentAPR
	out.RefreshedAt = update.RefreshedAt
	return &out
}

func clonePosition(p *Position) *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Machine serialises reducer calls for the orchestrator and readers such as
// the operator.
type Machine struct {
	mu     sync.Mutex
	record Record
}

func NewMachine(rec Record) *Machine {
	if rec.Phase == "" {
		rec.Phase = PhaseNoPosition
	}
	return &Machine{record: rec}
}

func (m *Machine) Apply(ev Event) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = Reduce(m.record, ev)
	rec := m.record
	rec.Position = clonePosition(rec.Position)
	return rec
}

func (m *Machine) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record
	rec.Position = clonePosition(rec.Position)
	return rec
}

// Replace swaps in a record loaded from the store.
func (m *Machine) Replace(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Phase == "" {
		rec.Phase = PhaseNoPosition
	}
	m.record = rec
}
