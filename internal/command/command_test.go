package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	startErr, stopErr, pauseErr, resumeErr error
}

func (f *fakeStreamer) StartPrint(path string) error  { return f.startErr }
func (f *fakeStreamer) StopPrint() error              { return f.stopErr }
func (f *fakeStreamer) PausePrint() error             { return f.pauseErr }
func (f *fakeStreamer) ResumePrint() error            { return f.resumeErr }

func newTestRunner() (*Runner, *state.Manager) {
	sm := state.NewManager()
	ctx := &Context{State: sm}
	r := New(ctx)
	r.Start()
	return r, sm
}

func TestRunnerExecutesSubmittedCommandsFIFO(t *testing.T) {
	r, _ := newTestRunner()
	defer r.Stop()

	var order []int
	done1 := r.Submit("one", func(ctx context.Context, c *Context) (string, error) {
		order = append(order, 1)
		return "ok", nil
	})
	done2 := r.Submit("two", func(ctx context.Context, c *Context) (string, error) {
		order = append(order, 2)
		return "ok", nil
	})

	res1 := <-done1
	res2 := <-done2
	assert.True(t, res1.Accepted)
	assert.True(t, res2.Accepted)
	assert.Equal(t, []int{1, 2}, order)
}

func TestRunnerStopInterruptsPendingCommands(t *testing.T) {
	r, _ := newTestRunner()
	blocker := make(chan struct{})
	doneBlocking := r.Submit("blocker", func(ctx context.Context, c *Context) (string, error) {
		<-blocker
		return "ok", nil
	})
	donePending := r.Submit("pending", func(ctx context.Context, c *Context) (string, error) {
		return "ok", nil
	})

	go r.Stop()
	time.Sleep(20 * time.Millisecond)
	close(blocker)

	<-doneBlocking
	res := <-donePending
	assert.ErrorIs(t, res.Err, ErrInterrupted)
}

func TestStartPrintRejectedStopsExpectation(t *testing.T) {
	r, sm := newTestRunner()
	defer r.Stop()

	streamer := &fakeStreamer{startErr: errors.New("no file")}
	ch := r.SubmitStartPrint(streamer, "/gcodes/test.gcode")
	res := <-ch

	assert.False(t, res.Accepted)
	var rej *ErrRejected
	assert.ErrorAs(t, res.Err, &rej)
	assert.False(t, sm.IsExpected())
}

func TestStopPrintAcceptedReportsMessage(t *testing.T) {
	r, _ := newTestRunner()
	defer r.Stop()

	ch := r.SubmitStopPrint(&fakeStreamer{})
	res := <-ch
	assert.True(t, res.Accepted)
	assert.Equal(t, "stopped", res.Message)
}

func TestTryUntilStateReturnsOnceTrue(t *testing.T) {
	var ok atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		ok.Store(true)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := TryUntilState(ctx, func() bool { return ok.Load() })
	assert.NoError(t, err)
}

func TestTryUntilStateContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := TryUntilState(ctx, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendAndWaitReturnsInterruptedWhenContextAlreadyCancelled(t *testing.T) {
	transport := serial.New("/dev/nonexistent", 115200, false, nil)
	dispatcher := serial.NewDispatcher()
	plannerFed := serial.NewPlannerFed()
	q := serial.NewQueue(transport, dispatcher, plannerFed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SendAndWait(ctx, q, "G28")
	require.ErrorIs(t, err, ErrInterrupted)
}
