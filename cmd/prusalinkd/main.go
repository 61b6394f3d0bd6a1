// Command prusalinkd is the daemon entry point: it loads config,
// wires the serial transport through to the HTTP API, and blocks
// serving both until a signal arrives, following the teacher's
// main.go wiring style (flag parsing, signal-driven graceful shutdown,
// fatal-on-config-error).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prusa3d/prusalink-go/internal/command"
	"github.com/prusa3d/prusalink-go/internal/config"
	"github.com/prusa3d/prusalink-go/internal/connect"
	"github.com/prusa3d/prusalink-go/internal/database"
	"github.com/prusa3d/prusalink-go/internal/files"
	"github.com/prusa3d/prusalink-go/internal/fileprinter"
	"github.com/prusa3d/prusalink-go/internal/httpapi"
	"github.com/prusa3d/prusalink-go/internal/job"
	"github.com/prusa3d/prusalink-go/internal/lcd"
	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/polling"
	"github.com/prusa3d/prusalink-go/internal/profile"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/telemetry"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

var (
	configPath = flag.String("config", "/etc/prusalink/prusalink.conf", "path to the INI configuration file")
	foreground = flag.Bool("foreground", false, "run in the foreground instead of daemonizing")
	debug      = flag.Bool("debug", false, "set the default log level to debug")
	info       = flag.Bool("info", false, "set the default log level to info")
	pidFile    = flag.String("pidfile", "", "override the configured pid file path")
	address    = flag.String("address", "", "override the configured HTTP listen address")
	tcpPort    = flag.Int("tcp-port", 0, "override the configured HTTP listen port")
	serialPort = flag.String("serial-port", "", "override the configured serial device path")
	svcCommand = flag.String("service", "", "service control: install, uninstall, start, stop, run")
	logLevels  multiFlag
)

func main() {
	flag.Var(&logLevels, "L", "set a per-module log level, e.g. -L serial_queue=DEBUG (repeatable)")
	flag.Parse()

	if *svcCommand != "" {
		os.Exit(runAsService(*svcCommand))
	}
	os.Exit(run(nil))
}

// run executes the daemon's whole lifecycle. stop, if non-nil, is an
// additional shutdown trigger used by the kardianos/service wrapper in
// service.go; the CLI entry point above always passes nil and relies on
// the OS signal channel below instead.
func run(stop <-chan struct{}) int {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 2
	}
	if *address != "" {
		cfg.HTTP.Address = *address
	}
	if *tcpPort != 0 {
		cfg.HTTP.Port = *tcpPort
	}
	if *serialPort != "" {
		cfg.Printer.Port = *serialPort
	}
	if *pidFile != "" {
		cfg.Daemon.PidFile = *pidFile
	}
	_ = foreground // daemonizing (fork/detach) is out of scope; systemd handles it

	defaultLevel := xlog.LevelInfo
	switch {
	case *debug:
		defaultLevel = xlog.LevelDebug
	case *info:
		defaultLevel = xlog.LevelInfo
	}
	xlog.SetDefaultLevel(defaultLevel)
	for module, levelName := range cfg.LogLevels {
		xlog.SetLevel(module, xlog.ParseLevel(levelName))
	}
	for _, kv := range logLevels {
		module, levelName, ok := splitKV(kv)
		if ok {
			xlog.SetLevel(module, xlog.ParseLevel(levelName))
		}
	}

	log := xlog.For("main")
	log.Infof("prusalinkd starting, serial=%s@%d http=%s", cfg.Printer.Port, cfg.Printer.Baudrate, cfg.ListenAddr())

	if err := writePidFile(cfg.Daemon.PidFile); err != nil {
		log.Warningf("could not write pid file: %v", err)
	}

	m := model.New()
	sm := state.NewManager()
	dispatcher := serial.NewDispatcher()
	plannerFed := serial.NewPlannerFed()

	db, err := database.New(filepath.Join(cfg.Daemon.DataDir, "database"))
	if err != nil {
		log.Errorf("database init failed: %v", err)
		return 1
	}
	if th, ok := db.PlannerFedThresholdMillis(); ok {
		plannerFed.SetThreshold(time.Duration(th) * time.Millisecond)
	}

	printerProfile, err := profile.Load(filepath.Join(cfg.Daemon.DataDir, "printer.yaml"))
	if err != nil {
		log.Warningf("loading printer profile: %v", err)
		printerProfile = &profile.Profile{}
	}
	log.Infof("printer identity: type=%s name=%q location=%q", printerProfile.Type, printerProfile.Name, printerProfile.Location)

	transport := serial.New(cfg.Printer.Port, cfg.Printer.Baudrate, isPiUART(cfg.Printer.Port), dispatcher.Dispatch)
	queue := serial.NewQueue(transport, dispatcher, plannerFed)

	fm, err := files.NewManager(cfg.Printer.Directories)
	if err != nil {
		log.Errorf("file manager init failed: %v", err)
		return 1
	}

	printer := fileprinter.New(queue, sm, cfg.Daemon.PowerPanicFile)

	jobs := job.New(cfg.Daemon.JobFile, filepath.Join(cfg.Daemon.DataDir, "history.json"), func(id int) error {
		return command.SendAndWait(context.Background(), queue, job.FormatEEPROMCommand(id))
	})
	sm.OnStateChanged = func(tr state.Transition) {
		filePath, connectPath := printer.CurrentFile()
		jobs.StateChanged(tr, filePath, connectPath)
	}

	carousel := lcd.New(db)
	priorJobSM := sm.OnStateChanged
	sm.OnStateChanged = func(tr state.Transition) {
		priorJobSM(tr)
		updateCarouselForTransition(carousel, tr)
	}

	cmdCtx := &command.Context{Queue: queue, State: sm}
	runner := command.New(cmdCtx)

	connectClient := connect.New(cfg.Connect.BaseURL(), cfg.Connect.Token)
	connectClient.SetLCDSignal(func(ok bool, status int) {
		if ok {
			carousel.Clear("connect")
			return
		}
		carousel.Set("connect", "Connect unreachable", lcd.PriorityConnectError, 0)
	})
	gatherer := telemetry.NewGatherer(m, sm, dispatcher)
	_ = gatherer
	passer := telemetry.NewPasser(m, sm, connectClient)

	pollCatalog := polling.New(queue, dispatcher, m)

	submitter := &commandAdapter{runner: runner, printer: printer}
	api := httpapi.New(cfg.ListenAddr(), m, sm, jobs, fm, db, submitter, printerProfile)
	priorSM := sm.OnStateChanged
	sm.OnStateChanged = func(tr state.Transition) {
		priorSM(tr)
		api.BroadcastState(tr)
	}

	transport.Start()
	queue.Start()
	telemetry.Arm(queue)
	pollCatalog.Start()
	passer.Start()
	runner.Start()

	thresholdDone := make(chan struct{})
	go persistPlannerFedThreshold(plannerFed, db, thresholdDone)
	defer close(thresholdDone)

	if cfg.HTTP.LinkInfo {
		stopDiscovery, err := registerDiscovery(cfg.HTTP.Port)
		if err != nil {
			log.Warningf("mdns registration failed: %v", err)
		} else {
			defer stopDiscovery()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %v, shutting down", sig)
	case err := <-errCh:
		log.Errorf("http api stopped: %v", err)
	case <-stop:
		log.Infof("service stop requested, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)
	runner.Stop()
	passer.Stop()
	pollCatalog.Stop()
	queue.Stop()
	transport.Stop()

	removePidFile(cfg.Daemon.PidFile)
	return 0
}

// persistPlannerFedThreshold periodically writes the is-planner-fed
// estimator's dynamically adapted threshold back to the database so a
// restart resumes with the learned value instead of the built-in
// default.
func persistPlannerFedThreshold(pf *serial.PlannerFed, db *database.Database, done <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	var last time.Duration
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if cur := pf.Threshold(); cur != last {
				_ = db.SetPlannerFedThresholdMillis(float64(cur / time.Millisecond))
				last = cur
			}
		}
	}
}

func isPiUART(port string) bool {
	return port == "/dev/ttyAMA0" || port == "/dev/serial0"
}

// updateCarouselForTransition keeps the LCD's "state" line in sync with
// the external state machine: ATTENTION/ERROR surface the transition's
// Reason, anything else clears the line.
func updateCarouselForTransition(carousel *lcd.Carousel, tr state.Transition) {
	switch tr.To {
	case "ATTENTION", "ERROR":
		reason := tr.Reason
		if reason == "" {
			reason = string(tr.To)
		}
		carousel.Set("state", reason, lcd.PriorityAttention, 0)
	default:
		carousel.Clear("state")
	}
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removePidFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
