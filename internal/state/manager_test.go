package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExternalDefaultsToIdle(t *testing.T) {
	m := NewManager()
	assert.Equal(t, External(Idle), m.External())
}

func TestBusyThenInstructionConfirmedReturnsIdle(t *testing.T) {
	m := NewManager()
	m.NotPrinting() // settle the print status; confirmations are ignored until then
	m.Busy()
	assert.Equal(t, External(Busy), m.External())

	m.InstructionConfirmed()
	assert.Equal(t, External(Idle), m.External())
}

func TestPrintingLifecycle(t *testing.T) {
	m := NewManager()
	var transitions []Transition
	m.OnStateChanged = func(tr Transition) { transitions = append(transitions, tr) }

	m.Printing()
	assert.Equal(t, External(Printing_), m.External())

	m.Paused()
	assert.Equal(t, External(Paused), m.External())

	m.Resumed()
	assert.Equal(t, External(Printing_), m.External())

	m.Finished()
	assert.Equal(t, External(Finished), m.External())

	require := assert.New(t)
	require.GreaterOrEqual(len(transitions), 4)
}

func TestAttentionOverridesPrinting(t *testing.T) {
	m := NewManager()
	m.Printing()
	m.Attention()
	assert.Equal(t, External(Attention), m.External())
}

func TestErrorStateClearsOnlyWhenCountReturnsToZero(t *testing.T) {
	m := NewManager()
	m.SetErrorCount(2)
	assert.Equal(t, External(Error), m.External())

	m.ErrorResolved()
	assert.Equal(t, External(Error), m.External(), "should stay in ERROR while errorCount is nonzero")

	m.SetErrorCount(0)
	assert.Equal(t, External(Idle), m.External())
}

func TestStoppedOrNotPrintingTwoStrikeFilter(t *testing.T) {
	m := NewManager()
	m.Printing()

	m.StoppedOrNotPrinting()
	assert.Equal(t, External(Printing_), m.External(), "first CANCEL after a print start should be tolerated")

	m.StoppedOrNotPrinting()
	assert.Equal(t, External(Stopped), m.External(), "second CANCEL should actually stop the print")
}

func TestExpectChangeAttributesTransition(t *testing.T) {
	m := NewManager()
	var got Transition
	m.OnStateChanged = func(tr Transition) { got = tr }

	id := 7
	m.ExpectChange(Change{
		CommandID:     &id,
		ToSources:     map[External]Source{External(Attention): SourceConnect},
		DefaultSource: SourceConnect,
		Reason:        "requested by connect",
		Ready:         true,
	})
	m.Attention()

	assert.Equal(t, SourceConnect, got.Source)
	assert.Equal(t, "requested by connect", got.Reason)
	require_ := assert.New(t)
	require_.NotNil(got.CommandID)
	require_.Equal(id, *got.CommandID)
}

func TestAwaitErrorReasonTimesOutWithDefaultReason(t *testing.T) {
	m := NewManager()
	_ = m.AwaitErrorReason()

	time.Sleep(errorReasonTimeout + 50*time.Millisecond)

	m.mu.Lock()
	reason := ""
	if m.reservation != nil {
		reason = m.reservation.Reason
	}
	m.mu.Unlock()
	assert.Equal(t, "404 Reason not found", reason)
}
