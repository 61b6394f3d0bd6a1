// Package state implements the layered, observational state machine of
// §4.5: a base/printing/override triple reconstructed from serial
// chatter, with causal attribution of transitions to the commands that
// caused them.
package state

import (
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/xlog"
)

type Base string

const (
	Busy  Base = "BUSY"
	Idle  Base = "IDLE"
	Ready Base = "READY"
)

type Printing string

const (
	NoPrinting Printing = ""
	Printing_  Printing = "PRINTING"
	Paused     Printing = "PAUSED"
	Finished   Printing = "FINISHED"
	Stopped    Printing = "STOPPED"
)

type Override string

const (
	NoOverride Override = ""
	Attention  Override = "ATTENTION"
	Error      Override = "ERROR"
)

// External is the externally visible state: override ?? printing ?? base.
type External string

type Source string

const (
	SourceConnect Source = "CONNECT"
	SourceWUI     Source = "WUI"
	SourceSerial  Source = "SERIAL"
	SourceMarlin  Source = "MARLIN"
	SourceHW      Source = "HW"
	SourceUnknown Source = "UNKNOWN"
)

const errorReasonTimeout = 2 * time.Second
const stateHistorySize = 10

// Change is a planned transition reservation, per §3's "StateChange
// reservation": labelled with an optional command id, per-state
// attribution maps, a default source, a reason and a readiness flag.
type Change struct {
	CommandID     *int
	FromSources   map[External]Source
	ToSources     map[External]Source
	DefaultSource Source
	Reason        string
	Ready         bool
	consumed      bool
}

type Transition struct {
	From      External
	To        External
	CommandID *int
	Source    Source
	Reason    string
	Ready     bool
	At        time.Time
}

// Manager owns the base/printing/override triple and the single
// outstanding Change reservation. Per §3's ownership rule it is the
// exclusive writer of the externally visible state.
type Manager struct {
	mu sync.Mutex
	log *xlog.Logger

	base     Base
	printing Printing
	override Override

	history []Transition
	errorCount int

	fanErrorName          *string
	awaitingErrorReason   bool
	resumingFromFanError  bool
	believeNotPrinting    bool
	unsureWhetherPrinting bool
	promptCleanSheet      bool

	reservation *Change

	OnStateChanged func(Transition)
}

func NewManager() *Manager {
	return &Manager{
		log:                   xlog.For("state_manager"),
		base:                  Idle,
		unsureWhetherPrinting: true,
	}
}

// External returns override ?? printing ?? base, the spec's externally
// visible value.
func (m *Manager) External() External {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.externalLocked()
}

func (m *Manager) externalLocked() External {
	if m.override != NoOverride {
		return External(m.override)
	}
	if m.printing != NoPrinting {
		return External(m.printing)
	}
	return External(m.base)
}

// ExpectChange installs the single outstanding reservation. At most one
// reservation may be outstanding; installing a new one while one is
// active logs and overwrites it, per §4.5.
func (m *Manager) ExpectChange(c Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reservation != nil {
		m.log.Warningf("overriding an existing state-change reservation")
	}
	cc := c
	m.reservation = &cc
}

// StopExpectingChange drops any outstanding reservation without it
// having been consumed.
func (m *Manager) StopExpectingChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservation = nil
}

func (m *Manager) IsExpected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservation != nil
}

// attributeLocked resolves (commandID, source, reason, ready) for a
// from->to transition against the outstanding reservation, consuming
// it on first use, per §4.5's attribution rule: prefer from_state's
// source, else to_state's, else default_source.
func (m *Manager) attributeLocked(from, to External) (*int, Source, string, bool) {
	r := m.reservation
	if r == nil || r.consumed {
		return nil, SourceUnknown, "", false
	}
	var source Source
	found := false
	if s, ok := r.FromSources[from]; ok {
		source, found = s, true
	} else if s, ok := r.ToSources[to]; ok {
		source, found = s, true
	} else if r.DefaultSource != "" {
		source, found = r.DefaultSource, true
	}
	if !found {
		return nil, SourceUnknown, "", false
	}
	r.consumed = true
	m.reservation = nil
	return r.CommandID, source, r.Reason, r.Ready
}

// stateMayHaveChangedLocked appends to history and fires OnStateChanged
// if the externally visible state actually changed.
func (m *Manager) stateMayHaveChangedLocked(from External) {
	to := m.externalLocked()
	if to == from {
		return
	}
	m.believeNotPrinting = false
	commandID, source, reason, ready := m.attributeLocked(from, to)
	if source == SourceUnknown {
		source = SourceSerial
	}
	t := Transition{From: from, To: to, CommandID: commandID, Source: source, Reason: reason, Ready: ready, At: time.Now()}
	m.history = append(m.history, t)
	if len(m.history) > stateHistorySize {
		m.history = m.history[len(m.history)-stateHistorySize:]
	}
	cb := m.OnStateChanged
	m.mu.Unlock()
	if cb != nil {
		cb(t)
	}
	m.mu.Lock()
}

// History returns a copy of the bounded transition history.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// --- Transition methods; each matches one row of §4.5's summary table. ---

func (m *Manager) Busy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.base == Idle {
		m.base = Busy
	}
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) NotPrinting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Printing_ || m.printing == Paused {
		m.printing = NoPrinting
	}
	m.unsureWhetherPrinting = false
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) Printing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == NoPrinting || m.printing == Paused {
		m.printing = Printing_
	}
	m.unsureWhetherPrinting = false
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) Finished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Printing_ {
		m.printing = Finished
	}
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) Stopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Printing_ || m.printing == Paused {
		m.printing = Stopped
	}
	m.stateMayHaveChangedLocked(from)
}

// StoppedOrNotPrinting implements the two-strike CANCEL guard: the
// first CANCEL after a just-observed START is tolerated once, per
// §4.5's "False-start filter".
func (m *Manager) StoppedOrNotPrinting() {
	m.mu.Lock()
	if m.believeNotPrinting {
		m.believeNotPrinting = false
		from := m.externalLocked()
		if m.printing == Printing_ || m.printing == Paused {
			m.printing = Stopped
		} else {
			m.printing = NoPrinting
		}
		m.stateMayHaveChangedLocked(from)
		m.mu.Unlock()
		return
	}
	m.believeNotPrinting = true
	m.mu.Unlock()
}

func (m *Manager) Paused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Printing_ || m.printing == NoPrinting {
		m.printing = Paused
	}
	if m.fanErrorName != nil && m.printing == Paused {
		m.override = Attention
	}
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) Resumed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Paused {
		m.printing = Printing_
	}
	m.cancelFanErrorLocked()
	m.resumingFromFanError = false
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) Attention() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()

	if m.resumingFromFanError {
		m.reservation = &Change{
			ToSources: map[External]Source{External(Attention): SourceSerial},
			Reason:    "likely a false positive, ignoring",
		}
	}

	if m.printing != Finished && m.printing != Stopped {
		m.override = Attention
	}
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) ErrorState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	m.override = Error
	m.stateMayHaveChangedLocked(from)
}

// ErrorResolved should be called whenever the independent error-count
// aggregate changes; clears ERROR once the count returns to zero.
func (m *Manager) ErrorResolved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.override == Error && m.errorCount == 0 {
		from := m.externalLocked()
		m.override = NoOverride
		m.stateMayHaveChangedLocked(from)
	}
}

func (m *Manager) SetErrorCount(n int) {
	m.mu.Lock()
	m.errorCount = n
	m.mu.Unlock()
	if n > 0 {
		m.ErrorState()
	} else {
		m.ErrorResolved()
	}
}

// InstructionConfirmed reacts to every confirmed instruction: clears
// BUSY back to IDLE, and clears a stale FINISHED/STOPPED print state
// unless the configuration wants the "clean sheet" prompt kept up.
// It does nothing until Printing or NotPrinting has settled whether a
// print is running.
func (m *Manager) InstructionConfirmed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsureWhetherPrinting {
		return
	}
	from := m.externalLocked()
	if m.base == Busy {
		m.base = Idle
	}
	if !m.promptCleanSheet && (m.printing == Finished || m.printing == Stopped) {
		m.printing = NoPrinting
	}
	m.clearAttentionLocked()
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) clearAttentionLocked() {
	if m.override == Attention && m.fanErrorName == nil {
		m.override = NoOverride
	}
}

func (m *Manager) ClearAttention() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	m.clearAttentionLocked()
	m.stateMayHaveChangedLocked(from)
}

// PrinterReady clears a stale FINISHED/STOPPED print state. The
// transition is attributed from the outstanding reservation like any
// other; its Ready flag is not forced to true.
func (m *Manager) PrinterReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	if m.printing == Finished || m.printing == Stopped {
		m.printing = NoPrinting
	}
	m.stateMayHaveChangedLocked(from)
}

// --- Fan error sub-state, per §4.5. ---

func (m *Manager) FanError(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.externalLocked()
	m.fanErrorName = &name
	if m.printing != Printing_ && m.override != Error {
		m.override = Attention
	}
	m.stateMayHaveChangedLocked(from)
}

// FanRPMObserved clears the fan-error sub-state once the reported RPM
// exceeds what's expected for the commanded power.
func (m *Manager) FanRPMObserved(rpm, commandedPower float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fanErrorName == nil {
		return
	}
	if rpm <= commandedPower {
		return
	}
	m.fanErrorName = nil
	from := m.externalLocked()
	m.clearAttentionLocked()
	if m.printing == Paused {
		m.resumingFromFanError = true
	}
	m.stateMayHaveChangedLocked(from)
}

func (m *Manager) cancelFanErrorLocked() {
	m.fanErrorName = nil
}

// --- Error reason protocol, per §4.5. ---

// AwaitErrorReason spawns a timer that records "404 Reason not found"
// if no reason line arrives within errorReasonTimeout. A reason sent on
// the returned channel first cancels the timeout.
func (m *Manager) AwaitErrorReason() chan<- string {
	ch := make(chan string, 1)
	m.mu.Lock()
	m.awaitingErrorReason = true
	m.mu.Unlock()

	go func() {
		var reason string
		select {
		case reason = <-ch:
		case <-time.After(errorReasonTimeout):
			reason = "404 Reason not found"
		}
		m.mu.Lock()
		m.awaitingErrorReason = false
		if m.reservation == nil {
			m.reservation = &Change{}
		}
		m.reservation.Reason = reason
		m.mu.Unlock()
	}()
	return ch
}
