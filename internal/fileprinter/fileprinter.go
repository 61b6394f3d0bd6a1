// Package fileprinter implements line-by-line checksummed gcode
// streaming (§4.10): pause/resume, a power-panic checkpoint file so a
// print can resume after an unplanned restart, and M73 detection via
// the gcode scan pass.
package fileprinter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prusa3d/prusalink-go/internal/gcode"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// Checkpoint is the power-panic recovery record, per §4.10.
type Checkpoint struct {
	MessageNumber uint32  `json:"message_number"`
	GcodeNumber   int     `json:"gcode_number"`
	FilePath      string  `json:"file_path"`
	ConnectPath   string  `json:"connect_path"`
	TargetNozzle  float64 `json:"target_nozzle"`
	TargetBed     float64 `json:"target_bed"`
}

// Printer streams one gcode file line by line through the serial
// queue, tracking progress against the total line count from an
// up-front gcode.Scan pass.
type Printer struct {
	queue *serial.Queue
	state *state.Manager
	log   *xlog.Logger

	checkpointPath string

	mu          sync.Mutex
	filePath    string
	connectPath string
	lines       []string
	lineIndex   int
	meta        gcode.Metadata
	paused      atomic.Bool
	cancelled   atomic.Bool
	active      atomic.Bool

	done chan struct{}
}

func New(queue *serial.Queue, sm *state.Manager, checkpointPath string) *Printer {
	return &Printer{
		queue:          queue,
		state:          sm,
		log:            xlog.For("file_printer"),
		checkpointPath: checkpointPath,
	}
}

// StartPrint loads filePath and streams it in a background goroutine.
func (p *Printer) StartPrint(filePath string) error {
	return p.startFrom(filePath, filePath, 0)
}

func (p *Printer) startFrom(filePath, connectPath string, fromLine int) error {
	if p.active.Load() {
		return fmt.Errorf("already printing")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filePath, err)
	}
	meta := gcode.Scan(data)
	lines := splitLines(string(data))

	p.mu.Lock()
	p.filePath = filePath
	p.connectPath = connectPath
	p.lines = lines
	p.lineIndex = fromLine
	p.meta = meta
	p.mu.Unlock()

	p.cancelled.Store(false)
	p.paused.Store(false)
	p.active.Store(true)
	p.done = make(chan struct{})

	p.state.Printing()
	go p.stream()
	return nil
}

func splitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	raw := strings.Split(content, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, ";") {
			continue
		}
		if idx := strings.IndexByte(trimmed, ';'); idx >= 0 {
			trimmed = strings.TrimSpace(trimmed[:idx])
		}
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

const statsEvery = 100 // const.py STATS_EVERY
const pausePollInterval = 200 * time.Millisecond
const confirmPollInterval = 2 * time.Second

func (p *Printer) stream() {
	defer func() {
		p.active.Store(false)
		close(p.done)
	}()

	for {
		if p.cancelled.Load() {
			p.state.Stopped()
			return
		}
		if p.paused.Load() {
			time.Sleep(pausePollInterval)
			continue
		}

		p.mu.Lock()
		if p.lineIndex >= len(p.lines) {
			p.mu.Unlock()
			break
		}
		line := p.lines[p.lineIndex]
		idx := p.lineIndex
		p.lineIndex++
		total := len(p.lines)
		p.mu.Unlock()

		instr := serial.NewInstruction(line, true)
		p.queue.EnqueueOne(instr, false)
		confirmed := false
		for !confirmed && !p.cancelled.Load() {
			confirmed = instr.WaitForConfirmation(confirmPollInterval)
		}
		if !confirmed {
			p.state.Stopped()
			return
		}

		if idx%statsEvery == 0 {
			p.saveCheckpoint(idx)
			p.log.Debugf("print %s: line %d/%d", p.filePath, idx, total)
		}
	}

	p.removeCheckpoint()
	p.state.Finished()
}

// StopPrint cancels the in-flight print and flushes the serial queue.
func (p *Printer) StopPrint() error {
	if !p.active.Load() {
		return fmt.Errorf("not printing")
	}
	p.cancelled.Store(true)
	p.queue.FlushPrintQueue()
	return nil
}

// PausePrint halts line submission without losing queue position.
func (p *Printer) PausePrint() error {
	if !p.active.Load() {
		return fmt.Errorf("not printing")
	}
	p.paused.Store(true)
	p.state.Paused()
	return nil
}

// ResumePrint resumes line submission after a pause.
func (p *Printer) ResumePrint() error {
	if !p.active.Load() {
		return fmt.Errorf("not printing")
	}
	p.paused.Store(false)
	p.state.Resumed()
	return nil
}

// IsPrinting reports whether a stream goroutine is active.
func (p *Printer) IsPrinting() bool { return p.active.Load() }

func (p *Printer) saveCheckpoint(lineIdx int) {
	if p.checkpointPath == "" {
		return
	}
	p.mu.Lock()
	cp := Checkpoint{
		GcodeNumber: lineIdx,
		FilePath:    p.filePath,
		ConnectPath: p.connectPath,
	}
	p.mu.Unlock()
	data, err := json.Marshal(cp)
	if err != nil {
		return
	}
	_ = os.WriteFile(p.checkpointPath, data, 0o644)
}

func (p *Printer) removeCheckpoint() {
	if p.checkpointPath == "" {
		return
	}
	_ = os.Remove(p.checkpointPath)
}

// RecoverFromPowerPanic reloads the last checkpoint and resumes the
// print at the saved line, per §4.10's PPRecovery command.
func (p *Printer) RecoverFromPowerPanic() error {
	if p.checkpointPath == "" {
		return fmt.Errorf("no checkpoint configured")
	}
	f, err := os.Open(p.checkpointPath)
	if err != nil {
		return fmt.Errorf("no power panic checkpoint: %w", err)
	}
	defer f.Close()

	var cp Checkpoint
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&cp); err != nil {
		return fmt.Errorf("corrupt checkpoint: %w", err)
	}
	return p.startFrom(cp.FilePath, cp.ConnectPath, cp.GcodeNumber)
}

// Progress returns (currentLine, totalLines, estimatedSeconds).
func (p *Printer) Progress() (int, int, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineIndex, len(p.lines), p.meta.EstimatedTime
}

// CurrentFile returns the path and Connect-relative path of whatever
// file is (or was last) streaming, for the job tracker's history
// records.
func (p *Printer) CurrentFile() (filePath, connectPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filePath, p.connectPath
}
