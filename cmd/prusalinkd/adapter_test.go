package main

import (
	"path/filepath"
	"testing"

	"github.com/prusa3d/prusalink-go/internal/command"
	"github.com/prusa3d/prusalink-go/internal/fileprinter"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *commandAdapter {
	t.Helper()
	sm := state.NewManager()
	transport := serial.New("/dev/nonexistent", 115200, false, nil)
	dispatcher := serial.NewDispatcher()
	plannerFed := serial.NewPlannerFed()
	q := serial.NewQueue(transport, dispatcher, plannerFed)

	runner := command.New(&command.Context{State: sm})
	runner.Start()
	t.Cleanup(runner.Stop)

	printer := fileprinter.New(q, sm, filepath.Join(t.TempDir(), "checkpoint.json"))
	return &commandAdapter{runner: runner, printer: printer}
}

func TestSubmitStartPrintRelaysRejection(t *testing.T) {
	a := newTestAdapter(t)
	res := <-a.SubmitStartPrint("/gcodes/does-not-exist.gcode")
	assert.False(t, res.Accepted)
	require.Error(t, res.Err)
}

func TestSubmitStopPrintRelaysResult(t *testing.T) {
	a := newTestAdapter(t)
	res := <-a.SubmitStopPrint()
	assert.False(t, res.Accepted)
	require.Error(t, res.Err)
}

func TestRelayTranslatesCommandResultToHTTPAPIResult(t *testing.T) {
	in := make(chan command.Result, 1)
	in <- command.Result{Accepted: true, Message: "ok"}

	res := <-relay(in)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ok", res.Message)
}

func TestRelayTranslatesError(t *testing.T) {
	in := make(chan command.Result, 1)
	in <- command.Result{Accepted: false, Err: assert.AnError}

	res := <-relay(in)
	assert.False(t, res.Accepted)
	require.Error(t, res.Err)
}
