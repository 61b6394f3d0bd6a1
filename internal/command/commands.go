package command

import (
	"context"
	"fmt"

	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
)

// Streamer is the file printer's narrow interface: the print commands
// delegate the actual line-by-line work to it, so command does not
// import fileprinter directly.
type Streamer interface {
	StartPrint(path string) error
	StopPrint() error
	PausePrint() error
	ResumePrint() error
}

// StartPrint is §4.7's job-starting command: reserves a PRINTING
// transition attributed to this command, then hands off to the file
// printer.
func StartPrint(streamer Streamer, path string) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		id := 0
		c.State.ExpectChange(state.Change{
			CommandID:     &id,
			ToSources:     map[state.External]state.Source{"PRINTING": state.SourceConnect},
			DefaultSource: state.SourceConnect,
		})
		if err := streamer.StartPrint(path); err != nil {
			c.State.StopExpectingChange()
			return "", &ErrRejected{Reason: err.Error()}
		}
		err := TryUntilState(ctx, func() bool { return c.State.External() == "PRINTING" })
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("printing %s", path), nil
	}
}

func StopPrint(streamer Streamer) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		c.State.ExpectChange(state.Change{
			ToSources: map[state.External]state.Source{"STOPPED": state.SourceConnect},
		})
		if err := streamer.StopPrint(); err != nil {
			c.State.StopExpectingChange()
			return "", &ErrRejected{Reason: err.Error()}
		}
		return "stopped", nil
	}
}

func PausePrint(streamer Streamer) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		c.State.ExpectChange(state.Change{
			ToSources: map[state.External]state.Source{"PAUSED": state.SourceConnect},
		})
		if err := streamer.PausePrint(); err != nil {
			c.State.StopExpectingChange()
			return "", &ErrRejected{Reason: err.Error()}
		}
		err := TryUntilState(ctx, func() bool { return c.State.External() == "PAUSED" })
		if err != nil {
			return "", err
		}
		return "paused", nil
	}
}

func ResumePrint(streamer Streamer) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		c.State.ExpectChange(state.Change{
			ToSources: map[state.External]state.Source{"PRINTING": state.SourceConnect},
		})
		if err := streamer.ResumePrint(); err != nil {
			c.State.StopExpectingChange()
			return "", &ErrRejected{Reason: err.Error()}
		}
		return "resumed", nil
	}
}

// ExecuteGcode runs an arbitrary non-checksummed gcode line and waits
// for its confirmation, per §4.7.
func ExecuteGcode(line string) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		if err := SendAndWait(ctx, c.Queue, line); err != nil {
			return "", err
		}
		return "ok", nil
	}
}

// ResetPrinter pulses DTR to reboot the printer's MCU.
func ResetPrinter(transport *serial.Transport) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		transport.BlipDTR()
		return "reset", nil
	}
}

// SetReady clears a stale FINISHED/STOPPED print state through
// state.Manager.PrinterReady; CancelReady clears ATTENTION through
// state.Manager.ClearAttention. Neither sets the READY base state.
func SetReady() Func {
	return func(ctx context.Context, c *Context) (string, error) {
		c.State.PrinterReady()
		return "ready", nil
	}
}

func CancelReady() Func {
	return func(ctx context.Context, c *Context) (string, error) {
		c.State.ClearAttention()
		return "ready cancelled", nil
	}
}

// DisableResets/EnableResets toggle DTR-triggered hardware resets on
// port (re)open, per §4.1.
func DisableResets(transport *serial.Transport) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		transport.SetDTRResets(false)
		return "resets disabled", nil
	}
}

func EnableResets(transport *serial.Transport) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		transport.SetDTRResets(true)
		return "resets enabled", nil
	}
}

// LoadFilament/UnloadFilament run the printer's built-in
// filament change macros and wait for the motion to finish.
func LoadFilament() Func {
	return func(ctx context.Context, c *Context) (string, error) {
		if err := SendAndWait(ctx, c.Queue, "M701"); err != nil {
			return "", err
		}
		return "loaded", nil
	}
}

func UnloadFilament() Func {
	return func(ctx context.Context, c *Context) (string, error) {
		if err := SendAndWait(ctx, c.Queue, "M702"); err != nil {
			return "", err
		}
		return "unloaded", nil
	}
}

// PPRecovery resumes a print that was interrupted by a power panic,
// replaying the file printer's saved checkpoint.
type Recoverer interface {
	RecoverFromPowerPanic() error
}

func PPRecovery(r Recoverer) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		if err := r.RecoverFromPowerPanic(); err != nil {
			return "", &ErrRejected{Reason: err.Error()}
		}
		return "recovering", nil
	}
}

// RePrint restarts the most recently printed file from the beginning.
func RePrint(streamer Streamer, lastPath func() string) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		path := lastPath()
		if path == "" {
			return "", &ErrRejected{Reason: "no previous print"}
		}
		return StartPrint(streamer, path)(ctx, c)
	}
}

// JobInfo reports the current job id without touching the printer.
func JobInfo(jobID func() int) Func {
	return func(ctx context.Context, c *Context) (string, error) {
		return fmt.Sprintf("job %d", jobID()), nil
	}
}

// UpgradeLink is a placeholder accepted/rejected endpoint: actual
// package installation is out of scope, but Connect still expects a
// command it can dispatch and receive a FINISHED/REJECTED event for.
func UpgradeLink() Func {
	return func(ctx context.Context, c *Context) (string, error) {
		return "", &ErrRejected{Reason: "self-upgrade not supported by this build"}
	}
}
