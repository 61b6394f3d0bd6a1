package main

import (
	"github.com/prusa3d/prusalink-go/internal/command"
	"github.com/prusa3d/prusalink-go/internal/fileprinter"
	"github.com/prusa3d/prusalink-go/internal/httpapi"
)

// commandAdapter bridges command.Runner, whose print-related Submit*
// methods take an explicit Streamer and return <-chan command.Result,
// onto httpapi.CommandSubmitter's narrower shape (no Streamer argument,
// httpapi's own Result type). It lives here, in the package that
// already imports command, fileprinter and httpapi, so that neither
// command nor httpapi has to import the other.
type commandAdapter struct {
	runner  *command.Runner
	printer *fileprinter.Printer
}

func (a *commandAdapter) SubmitStartPrint(path string) <-chan httpapi.Result {
	return relay(a.runner.SubmitStartPrint(a.printer, path))
}

func (a *commandAdapter) SubmitStopPrint() <-chan httpapi.Result {
	return relay(a.runner.SubmitStopPrint(a.printer))
}

func (a *commandAdapter) SubmitPausePrint() <-chan httpapi.Result {
	return relay(a.runner.SubmitPausePrint(a.printer))
}

func (a *commandAdapter) SubmitResumePrint() <-chan httpapi.Result {
	return relay(a.runner.SubmitResumePrint(a.printer))
}

func (a *commandAdapter) SubmitGcode(line string) <-chan httpapi.Result {
	return relay(a.runner.SubmitGcode(line))
}

func relay(in <-chan command.Result) <-chan httpapi.Result {
	out := make(chan httpapi.Result, 1)
	go func() {
		res := <-in
		out <- httpapi.Result{Accepted: res.Accepted, Message: res.Message, Err: res.Err}
	}()
	return out
}
