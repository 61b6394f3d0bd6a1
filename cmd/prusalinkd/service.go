package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kardianos/service"
)

// program adapts run()'s blocking lifecycle to kardianos/service's
// Start/Stop contract, grounded on the pack's own service.go: Start
// kicks the real work off in a goroutine and returns immediately (the
// service manager expects that), Stop signals it to unwind and waits,
// with a timeout so a wedged shutdown doesn't hang the service manager.
type program struct {
	stop chan struct{}
	done chan struct{}
	exit int
}

func (p *program) Start(s service.Service) error {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.exit = run(p.stop)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
	}
	return nil
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        "prusalinkd",
		DisplayName: "PrusaLink",
		Description: "Connects a Prusa 3D printer's serial interface to Prusa Connect and the local network.",
		Arguments:   []string{"--service", "run"},
		Option: service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": 5,
		},
	}
}

// runAsService handles the --service install/uninstall/start/stop/run
// subcommands; "run" (what the installed unit actually invokes) blocks
// for the service manager the same way the foreground CLI path does.
func runAsService(cmd string) int {
	prg := &program{}
	svc, err := service.New(prg, serviceConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "service setup failed: %v\n", err)
		return 1
	}

	switch cmd {
	case "install":
		if err := svc.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "install failed: %v\n", err)
			return 1
		}
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "uninstall failed: %v\n", err)
			return 1
		}
	case "start":
		if err := svc.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
			return 1
		}
	case "stop":
		if err := svc.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "stop failed: %v\n", err)
			return 1
		}
	case "run":
		if err := svc.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "service run failed: %v\n", err)
			return 1
		}
		return prg.exit
	default:
		fmt.Fprintf(os.Stderr, "unknown --service command %q\n", cmd)
		return 2
	}
	return 0
}
