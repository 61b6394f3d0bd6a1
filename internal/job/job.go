// Package job implements the job-id lifecycle of §4.6: a numeric job id
// survives power loss via EEPROM persistence, transitions through
// IDLE -> ONGOING (printing) -> ENDING -> IDLE, and a supplementary history
// ledger (grounded on the teacher's history.Manager) records completed
// jobs for the HTTP API.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/state"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// Phase is the job tracker's lifecycle phase: IDLE, ONGOING or ENDING.
// PhaseStarting is defined but the tracker never enters it; a new job
// goes straight to PhaseOngoing.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseOngoing
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "STARTING"
	case PhaseOngoing:
		return "ONGOING"
	case PhaseEnding:
		return "ENDING"
	default:
		return "IDLE"
	}
}

// EEPROMWriter is the one-instruction side effect of entering a new
// job: the FormatEEPROMCommand line ("D3 Ax0D05 C4 X.. X.. X00 X00")
// written through the serial queue. Kept
// as an injected function so job does not depend on the serial package
// directly.
type EEPROMWriter func(jobID int) error

// Status summarizes a completed or in-flight job for the history ledger
// and the HTTP API, grounded on the teacher's history.Job.
type Status string

const (
	StatusPrinting  Status = "PRINTING"
	StatusFinished  Status = "FINISHED"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
)

// Record is one entry in the persisted job history.
type Record struct {
	JobID        int       `json:"job_id"`
	FileName     string    `json:"file_name"`
	FilePath     string    `json:"file_path"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	PrintSeconds float64   `json:"print_seconds"`
}

const maxHistoryRecords = 30 // const.py HISTORY_LENGTH

// Tracker owns the current job id and its lifecycle phase.
type Tracker struct {
	mu sync.Mutex
	log *xlog.Logger

	jobID     int
	phase     Phase
	startedAt time.Time
	fileName  string
	filePath  string

	jobFile   string
	writeEEPROM EEPROMWriter

	history     []Record
	historyFile string

	OnJobIDChanged func(id int)
}

// New loads the persisted job id (or starts at 0) and any saved
// history ledger.
func New(jobFile, historyFile string, writeEEPROM EEPROMWriter) *Tracker {
	t := &Tracker{
		log:         xlog.For("job"),
		jobFile:     jobFile,
		historyFile: historyFile,
		writeEEPROM: writeEEPROM,
	}
	t.jobID = t.loadJobID()
	t.history = t.loadHistory()
	return t
}

func (t *Tracker) loadJobID() int {
	data, err := os.ReadFile(t.jobFile)
	if err != nil {
		return 0
	}
	var v struct {
		JobID int `json:"job_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		t.log.Warningf("corrupt job id file %s: %v", t.jobFile, err)
		return 0
	}
	return v.JobID
}

func (t *Tracker) persistJobID() {
	if t.jobFile == "" {
		return
	}
	data, _ := json.Marshal(struct {
		JobID int `json:"job_id"`
	}{t.jobID})
	if err := os.MkdirAll(filepath.Dir(t.jobFile), 0o755); err != nil {
		t.log.Warningf("mkdir for job file: %v", err)
		return
	}
	if err := os.WriteFile(t.jobFile, data, 0o644); err != nil {
		t.log.Warningf("persist job id: %v", err)
	}
}

// JobID returns the current job id.
func (t *Tracker) JobID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// StateChanged is the job tracker's input hook, grounded on job.py's
// state_changed(command_id): wired to state.Manager.OnStateChanged.
func (t *Tracker) StateChanged(tr state.Transition, fileName, filePath string) {
	printingStarting := isPrintingStart(tr.From, tr.To)
	printingEnding := isPrintingEnd(tr.From, tr.To)

	t.mu.Lock()
	switch {
	case printingStarting:
		t.beginJobLocked(fileName, filePath)
	case printingEnding:
		t.endJobLocked(statusFor(tr.To))
	}
	phase := t.phase
	t.mu.Unlock()

	if phase == PhaseEnding {
		// ENDING is a single tick: immediately fall back to idle so the
		// next printing-start transition begins a fresh job.
		t.mu.Lock()
		t.phase = PhaseIdle
		t.mu.Unlock()
	}
}

// External-state string values, mirrored from state.Printing/Override
// since External itself carries no named constants.
const (
	externalPrinting  state.External = "PRINTING"
	externalPaused    state.External = "PAUSED"
	externalFinished  state.External = "FINISHED"
	externalStopped   state.External = "STOPPED"
	externalAttention state.External = "ATTENTION"
	externalError     state.External = "ERROR"
)

func isPrintingStart(from, to state.External) bool {
	return to == externalPrinting && from != externalPaused
}

func isPrintingEnd(from, to state.External) bool {
	wasPrinting := from == externalPrinting || from == externalPaused
	stillPrinting := to == externalPrinting || to == externalPaused
	return wasPrinting && !stillPrinting
}

func statusFor(to state.External) Status {
	switch to {
	case externalFinished:
		return StatusFinished
	case externalStopped:
		return StatusStopped
	case externalAttention, externalError:
		return StatusError
	default:
		return StatusStopped
	}
}

func (t *Tracker) beginJobLocked(fileName, filePath string) {
	t.jobID++
	t.phase = PhaseOngoing
	t.startedAt = time.Now()
	t.fileName = fileName
	t.filePath = filePath
	t.persistJobID()

	if t.writeEEPROM != nil {
		if err := t.writeEEPROM(t.jobID); err != nil {
			t.log.Warningf("eeprom write for job %d failed: %v", t.jobID, err)
		}
	}
	if t.OnJobIDChanged != nil {
		t.OnJobIDChanged(t.jobID)
	}
	t.log.Infof("job %d started: %s", t.jobID, t.fileName)
}

func (t *Tracker) endJobLocked(status Status) {
	if t.phase == PhaseIdle {
		return
	}
	t.phase = PhaseEnding
	rec := Record{
		JobID:        t.jobID,
		FileName:     t.fileName,
		FilePath:     t.filePath,
		Status:       status,
		StartedAt:    t.startedAt,
		EndedAt:      time.Now(),
		PrintSeconds: time.Since(t.startedAt).Seconds(),
	}
	t.history = append(t.history, rec)
	if len(t.history) > maxHistoryRecords {
		t.history = t.history[len(t.history)-maxHistoryRecords:]
	}
	t.saveHistory()
	t.log.Infof("job %d ended: %s", t.jobID, status)
}

// History returns a copy of the persisted job ledger, most recent last.
func (t *Tracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) loadHistory() []Record {
	if t.historyFile == "" {
		return nil
	}
	data, err := os.ReadFile(t.historyFile)
	if err != nil {
		return nil
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		t.log.Warningf("corrupt history file %s: %v", t.historyFile, err)
		return nil
	}
	return recs
}

func (t *Tracker) saveHistory() {
	if t.historyFile == "" {
		return
	}
	data, err := json.MarshalIndent(t.history, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.historyFile), 0o755); err != nil {
		t.log.Warningf("mkdir for history file: %v", err)
		return
	}
	if err := os.WriteFile(t.historyFile, data, 0o644); err != nil {
		t.log.Warningf("persist history: %v", err)
	}
}

// FormatEEPROMCommand builds the D3 write gcode line for a job id,
// matching the protocol documented in §4.6.
func FormatEEPROMCommand(jobID int) string {
	lo := byte(jobID & 0xff)
	hi := byte((jobID >> 8) & 0xff)
	return fmt.Sprintf("D3 Ax0D05 C4 X%02x X%02x X00 X00", lo, hi)
}
