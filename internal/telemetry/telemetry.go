// Package telemetry implements the gatherer and passer of §4.9: arms
// the printer's autoreport, parses the resulting lines, filters out
// sub-threshold jitter, and paces outbound sends to Connect based on
// print state and queue depth.
package telemetry

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

const (
	autoreportArm = "M155 S2 C7"
	jitterThreshold = 0.5 // degrees C, const.py JITTER_THRESHOLD

	idleInterval     = 250 * time.Millisecond
	printingInterval = 1 * time.Second
	sleepingInterval = 5 * time.Second
	sleepAfter       = 180 * time.Second

	connectQueueDropThreshold = 4
)

var tempLine = regexp.MustCompile(`^T:([\d.]+) */([\d.]+) B:([\d.]+) */([\d.]+)`)
var posLine = regexp.MustCompile(`^X:([\-\d.]+) Y:([\-\d.]+) Z:([\-\d.]+) E:([\-\d.]+)`)
var fanLine = regexp.MustCompile(`^E0:(\d+) *RPM PRN1:(\d+) *RPM`)
var m73Line = regexp.MustCompile(`^M73 *P(\d+)(?: *R(\d+))?`)

// Sender delivers one telemetry snapshot to Connect. Send reports
// nothing back; the passer drops a snapshot instead of sending it when
// QueueDepth reaches connectQueueDropThreshold.
type Sender interface {
	QueueDepth() int
	Send(model.Telemetry)
}

// Gatherer arms autoreport and feeds parsed lines into the shared
// model, applying the jitter filter before anything downstream sees a
// new value.
type Gatherer struct {
	model *model.Model
	state *state.Manager
	log   *xlog.Logger

	mu          sync.Mutex
	lastNozzle  float64
	lastBed     float64
	haveLast    bool
}

func NewGatherer(m *model.Model, sm *state.Manager, dispatcher *serial.Dispatcher) *Gatherer {
	g := &Gatherer{model: m, state: sm, log: xlog.For("telemetry")}
	dispatcher.Register(tempLine, 10, g.onTemp)
	dispatcher.Register(posLine, 10, g.onPos)
	dispatcher.Register(fanLine, 10, g.onFan)
	dispatcher.Register(m73Line, 10, g.onM73)
	return g
}

// Arm enqueues the autoreport-arming gcode once, typically right after
// the serial link becomes ready.
func Arm(q *serial.Queue) {
	q.EnqueueOne(serial.NewInstruction(autoreportArm, false), true)
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (g *Gatherer) onTemp(line string, m []string) {
	nozzle, _ := strconv.ParseFloat(m[1], 64)
	targetNozzle, _ := strconv.ParseFloat(m[2], 64)
	bed, _ := strconv.ParseFloat(m[3], 64)
	targetBed, _ := strconv.ParseFloat(m[4], 64)

	g.mu.Lock()
	skip := g.haveLast &&
		absDiff(nozzle, g.lastNozzle) < jitterThreshold &&
		absDiff(bed, g.lastBed) < jitterThreshold
	g.lastNozzle, g.lastBed, g.haveLast = nozzle, bed, true
	g.mu.Unlock()
	if skip {
		return
	}

	t := g.model.GetTelemetry()
	t.TempNozzle = &nozzle
	t.TempBed = &bed
	t.TargetNozzle = &targetNozzle
	t.TargetBed = &targetBed
	g.model.SetTelemetry(t)
}

func (g *Gatherer) onPos(line string, m []string) {
	t := g.model.GetTelemetry()
	t.PosX = parseFloat(m[1])
	t.PosY = parseFloat(m[2])
	t.PosZ = parseFloat(m[3])
	t.PosE = parseFloat(m[4])
	g.model.SetTelemetry(t)
}

func (g *Gatherer) onFan(line string, m []string) {
	extruder, _ := strconv.ParseFloat(m[1], 64)
	print_, _ := strconv.ParseFloat(m[2], 64)
	t := g.model.GetTelemetry()
	t.FanExtruderRPM = &extruder
	t.FanPrintRPM = &print_
	g.model.SetTelemetry(t)
	g.state.FanRPMObserved(extruder, 0)
}

func (g *Gatherer) onM73(line string, m []string) {
	progress, _ := strconv.ParseFloat(m[1], 64)
	t := g.model.GetTelemetry()
	t.Progress = &progress
	if m[2] != "" {
		remaining, _ := strconv.ParseFloat(m[2], 64)
		remainingSec := remaining * 60
		t.RemainingSeconds = &remainingSec
	}
	g.model.SetTelemetry(t)
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Passer sends a state-appropriate, rate-adapted slice of the shared
// model out to Connect, per §4.9.
type Passer struct {
	model  *model.Model
	state  *state.Manager
	sender Sender
	log    *xlog.Logger

	quit chan struct{}
	wg   sync.WaitGroup

	lastActivity time.Time
}

func NewPasser(m *model.Model, sm *state.Manager, sender Sender) *Passer {
	return &Passer{
		model:        m,
		state:        sm,
		sender:       sender,
		log:          xlog.For("telemetry_passer"),
		quit:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

func (p *Passer) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *Passer) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// NoteActivity resets the idle timer that drives the 180s sleeping
// threshold, per const.py TELEMETRY_SLEEP_AFTER.
func (p *Passer) NoteActivity() { p.lastActivity = time.Now() }

func (p *Passer) interval() time.Duration {
	ext := p.state.External()
	switch ext {
	case "PRINTING":
		return printingInterval
	default:
		if time.Since(p.lastActivity) > sleepAfter {
			return sleepingInterval
		}
		return idleInterval
	}
}

func (p *Passer) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-time.After(p.interval()):
		}

		if p.sender.QueueDepth() >= connectQueueDropThreshold {
			p.log.Warningf("connect send queue backed up (%d items), dropping telemetry", p.sender.QueueDepth())
			continue
		}
		t := p.suppressedForState(p.model.GetTelemetry())
		p.sender.Send(t)
	}
}

// suppressedForState blanks fields that don't apply to the current
// external state, e.g. no progress/remaining time while idle.
func (p *Passer) suppressedForState(t model.Telemetry) model.Telemetry {
	t.State = string(p.state.External())
	if t.State != "PRINTING" && t.State != "PAUSED" {
		t.Progress = nil
		t.PrintingSeconds = nil
		t.RemainingSeconds = nil
	}
	return t
}
