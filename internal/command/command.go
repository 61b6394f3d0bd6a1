// Package command implements the command runner of §4.7: a
// single-consumer queue of externally triggered operations, each
// wrapped with a state-manager reservation so the resulting serial
// chatter is attributed back to the command that caused it.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// ErrInterrupted is returned when a command's instruction never got
// confirmed because the queue failed or the runner was stopped.
var ErrInterrupted = errors.New("command interrupted")

// ErrRejected wraps a command's own rejection reason.
type ErrRejected struct{ Reason string }

func (e *ErrRejected) Error() string { return fmt.Sprintf("rejected: %s", e.Reason) }

const (
	tryUntilTimeout = 15 * time.Second
	tryUntilPoll    = 200 * time.Millisecond
)

// Context is the dependency bundle every Command body receives,
// grounded on command.py's Command base class fields.
type Context struct {
	Queue   *serial.Queue
	State   *state.Manager
	Runner  *Runner
}

// Func is a command body. It returns a human-readable "accepted"
// message, or an error (ErrRejected for a clean rejection, anything
// else for a failure).
type Func func(ctx context.Context, c *Context) (string, error)

// Request is one submitted command.
type Request struct {
	ID       int
	Name     string
	Run      Func
	Reason   *int // reservation's command id, if the caller wants attribution
	Done     chan Result
}

// Result is delivered once a command finishes.
type Result struct {
	Accepted bool
	Message  string
	Err      error
}

// Runner drains a single FIFO queue of requests, one at a time,
// mirroring the original's single command-thread design: only one
// command body ever runs concurrently with serial traffic.
type Runner struct {
	log *xlog.Logger
	ctx *Context

	mu      sync.Mutex
	nextID  int
	queue   []*Request
	running bool
	current *Request

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func New(ctx *Context) *Runner {
	r := &Runner{
		log:  xlog.For("command_runner"),
		ctx:  ctx,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	ctx.Runner = r
	return r
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Submit enqueues a command body for execution and returns a channel
// that receives its result exactly once.
func (r *Runner) Submit(name string, run Func) <-chan Result {
	r.mu.Lock()
	r.nextID++
	req := &Request{ID: r.nextID, Name: name, Run: run, Done: make(chan Result, 1)}
	r.queue = append(r.queue, req)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return req.Done
}

// IsCurrent reports whether the currently running command (if any) is
// this id; used by long-running commands like print streaming to poll
// for cancellation.
func (r *Runner) IsCurrent(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.current.ID == id
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			r.drainWithInterrupted()
			return
		case <-r.wake:
		}
		r.drainOnce()
	}
}

func (r *Runner) drainOnce() {
	for {
		select {
		case <-r.quit:
			return
		default:
		}
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		req := r.queue[0]
		r.queue = r.queue[1:]
		r.current = req
		r.mu.Unlock()

		r.execute(req)

		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}
}

func (r *Runner) drainWithInterrupted() {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, req := range pending {
		req.Done <- Result{Err: ErrInterrupted}
	}
}

func (r *Runner) execute(req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), tryUntilTimeout*4)
	defer cancel()

	msg, err := r.runCatching(ctx, req)
	if err != nil {
		var rej *ErrRejected
		if errors.As(err, &rej) {
			r.log.Infof("command %s (%d) rejected: %s", req.Name, req.ID, rej.Reason)
		} else {
			r.log.Warningf("command %s (%d) failed: %v", req.Name, req.ID, err)
		}
		req.Done <- Result{Accepted: false, Err: err}
		return
	}
	r.log.Infof("command %s (%d) finished: %s", req.Name, req.ID, msg)
	req.Done <- Result{Accepted: true, Message: msg}
}

func (r *Runner) runCatching(ctx context.Context, req *Request) (msg string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command %s panicked: %v", req.Name, p)
		}
	}()
	return req.Run(ctx, r.ctx)
}

// SubmitStartPrint, SubmitStopPrint, SubmitPausePrint, SubmitResumePrint
// and SubmitGcode are thin convenience wrappers around Submit for the
// HTTP API, so callers don't need to import the Streamer/Func plumbing
// directly.
func (r *Runner) SubmitStartPrint(streamer Streamer, path string) <-chan Result {
	return r.Submit("start_print", StartPrint(streamer, path))
}

func (r *Runner) SubmitStopPrint(streamer Streamer) <-chan Result {
	return r.Submit("stop_print", StopPrint(streamer))
}

func (r *Runner) SubmitPausePrint(streamer Streamer) <-chan Result {
	return r.Submit("pause_print", PausePrint(streamer))
}

func (r *Runner) SubmitResumePrint(streamer Streamer) <-chan Result {
	return r.Submit("resume_print", ResumePrint(streamer))
}

func (r *Runner) SubmitGcode(line string) <-chan Result {
	return r.Submit("gcode", ExecuteGcode(line))
}

// TryUntilState blocks, polling at tryUntilPoll, until predicate
// reports true or tryUntilTimeout elapses, per §4.7's helper of the
// same name.
func TryUntilState(ctx context.Context, predicate func() bool) error {
	if predicate() {
		return nil
	}
	deadline := time.Now().Add(tryUntilTimeout)
	ticker := time.NewTicker(tryUntilPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if predicate() {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for state change")
			}
		}
	}
}

// SendAndWait enqueues a single non-checksummed instruction to the
// front of the serial queue and blocks until it is confirmed, failing
// with ErrInterrupted if it never is. Checksumming (message numbers,
// resend history) is reserved for the file printer's print stream.
func SendAndWait(ctx context.Context, q *serial.Queue, gcode string) error {
	instr := serial.NewInstruction(gcode, false)
	q.EnqueueOne(instr, true)
	if !waitOrCtx(ctx, instr) {
		return ErrInterrupted
	}
	return nil
}

func waitOrCtx(ctx context.Context, instr *serial.Instruction) bool {
	done := make(chan bool, 1)
	go func() { done <- instr.WaitForConfirmation(tryUntilTimeout) }()
	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}
