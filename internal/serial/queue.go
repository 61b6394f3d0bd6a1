package serial

import (
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prusa3d/prusalink-go/internal/xlog"
)

const (
	historyLength        = 30
	rxSize               = 128
	maxMessageNumber     = (1 << 31) - 1
	serialQueueTimeout   = 25 * time.Second
	stallCheckInterval   = 1 * time.Second
	quitInterval         = 200 * time.Millisecond
)

var (
	confirmationRegex = regexp.MustCompile(`^ok`)
	resendRegex       = regexp.MustCompile(`^Resend:\s*(\d+)`)
	m110Regex         = regexp.MustCompile(`^M110(?:\s+N(-?\d+))?`)
	busyRegex         = regexp.MustCompile(`^echo:busy:`)
	attentionRegex    = regexp.MustCompile(`(?i)^Error:`)
	heatingRegex      = regexp.MustCompile(`^(T:|ok T:)`)
)

type historyEntry struct {
	number uint32
	data   []byte
}

// Queue is the checksummed serial submission queue described in §4.3:
// it orders instructions, assigns message numbers, builds wire lines,
// and owns confirmation, resend, RX-yeet recovery and stall detection.
type Queue struct {
	transport  *Transport
	dispatcher *Dispatcher
	plannerFed *PlannerFed
	log        *xlog.Logger

	mu              sync.Mutex
	ordinary        []*Instruction
	priority        []*Instruction
	recoveryList    []*Instruction // stack; push newest-first, pop gives oldest-first
	current         *Instruction
	rxYeetSlot      *Instruction
	workedAroundM10 bool
	history         []historyEntry
	messageNumber   uint32
	blocked         bool
	closed          bool
	failed          bool

	sendEvent chan struct{}
	quit      chan struct{}
	quitOnce  sync.Once
	wg        sync.WaitGroup

	lastEventOn  atomic.Int64 // unix nano
	stuckCounter atomic.Int32

	OnQueueFailed       func()
	OnInstructionSent   func(*Instruction)
	OnInstructionDone   func(*Instruction)
	OnMessageNumChanged func(uint32)
}

// NewQueue wires a queue to its transport, dispatcher and planner-fed
// estimator. Start must be called to launch the sender and watchdog.
func NewQueue(transport *Transport, dispatcher *Dispatcher, plannerFed *PlannerFed) *Queue {
	q := &Queue{
		transport:  transport,
		dispatcher: dispatcher,
		plannerFed: plannerFed,
		log:        xlog.For("serial_queue"),
		sendEvent:  make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
	q.lastEventOn.Store(time.Now().UnixNano())

	dispatcher.Register(confirmationRegex, ConfirmationPriority, q.handleConfirmation)
	dispatcher.Register(resendRegex, ConfirmationPriority, q.handleResend)
	dispatcher.Register(busyRegex, 100, q.handleRenewTimeout)
	dispatcher.Register(attentionRegex, 100, q.handleRenewTimeout)
	dispatcher.Register(heatingRegex, 100, q.handleRenewTimeout)

	return q
}

func (q *Queue) Start() {
	q.wg.Add(2)
	go q.senderLoop()
	go q.watchdogLoop()
}

func (q *Queue) Stop() {
	q.quitOnce.Do(func() { close(q.quit) })
	q.wg.Wait()
}

func (q *Queue) wake() {
	select {
	case q.sendEvent <- struct{}{}:
	default:
	}
}

// EnqueueOne adds instr to the ordinary or priority queue, per §4.3's
// ordering contract: priority items precede all unsent ordinary items.
func (q *Queue) EnqueueOne(instr *Instruction, toFront bool) {
	q.mu.Lock()
	if toFront {
		q.priority = append(q.priority, instr)
	} else {
		q.ordinary = append(q.ordinary, instr)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) EnqueueList(instrs []*Instruction, toFront bool) {
	q.mu.Lock()
	if toFront {
		q.priority = append(q.priority, instrs...)
	} else {
		q.ordinary = append(q.ordinary, instrs...)
	}
	q.mu.Unlock()
	q.wake()
}

// IsEmpty reports whether no instruction is queued or in flight.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current == nil && len(q.ordinary) == 0 && len(q.priority) == 0 &&
		len(q.recoveryList) == 0 && q.rxYeetSlot == nil
}

// BlockSending pauses the sender without dropping the queue.
func (q *Queue) BlockSending() {
	q.mu.Lock()
	q.blocked = true
	q.mu.Unlock()
}

// UnblockSending resumes the sender.
func (q *Queue) UnblockSending() {
	q.mu.Lock()
	q.blocked = false
	q.mu.Unlock()
	q.wake()
}

// FlushPrintQueue removes every checksummed (print-origin) instruction
// from the queues and force-confirms the in-flight one, per §4.3.
func (q *Queue) FlushPrintQueue() {
	q.mu.Lock()
	keep := q.priority[:0]
	for _, instr := range q.priority {
		if !instr.ToChecksum {
			keep = append(keep, instr)
		}
	}
	q.priority = keep
	keepOrdinary := q.ordinary[:0]
	for _, instr := range q.ordinary {
		if !instr.ToChecksum {
			keepOrdinary = append(keepOrdinary, instr)
		}
	}
	q.ordinary = keepOrdinary
	q.recoveryList = nil
	current := q.current
	q.mu.Unlock()

	if current != nil {
		current.Confirm(true)
		q.clearCurrent(current)
	}
}

// ResetMessageNumber enqueues "M110 N0" on the priority queue (behind
// any priority items already waiting), per §4.3's M110/message-number
// reset rule.
func (q *Queue) ResetMessageNumber() {
	q.EnqueueOne(NewInstruction("M110 N0", false), true)
}

func (q *Queue) senderLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-q.sendEvent:
		case <-time.After(quitInterval):
		}
		q.tryWriting()
	}
}

func (q *Queue) tryWriting() {
	q.mu.Lock()
	if q.blocked || q.closed || q.current != nil {
		q.mu.Unlock()
		return
	}
	instr := q.pickNextLocked()
	if instr == nil {
		q.mu.Unlock()
		return
	}
	q.current = instr
	q.mu.Unlock()

	q.send(instr)
}

// pickNextLocked implements the priority order from §4.3. Caller holds
// q.mu.
func (q *Queue) pickNextLocked() *Instruction {
	if q.rxYeetSlot != nil {
		instr := q.rxYeetSlot
		q.rxYeetSlot = nil
		return instr
	}
	if n := len(q.recoveryList); n > 0 {
		instr := q.recoveryList[n-1]
		q.recoveryList = q.recoveryList[:n-1]
		return instr
	}

	candidate, fromPriority := q.peekCandidateLocked()
	if candidate == nil {
		return nil
	}

	if m110Regex.MatchString(candidate.Message) && !q.workedAroundM10 {
		q.workedAroundM10 = true
		return NewInstruction("M400", false)
	}

	if fromPriority {
		q.priority = q.priority[1:]
	} else {
		q.ordinary = q.ordinary[1:]
		q.plannerFed.MarkConsumed()
	}
	return candidate
}

// peekCandidateLocked returns (without removing) the next priority or
// ordinary instruction, observing the planner-fed backpressure rule:
// unless the planner is believed full and the ordinary deque is
// non-empty, priority wins.
func (q *Queue) peekCandidateLocked() (*Instruction, bool) {
	stealOrdinary := q.plannerFed.IsFed() && len(q.ordinary) > 0
	if !stealOrdinary && len(q.priority) > 0 {
		return q.priority[0], true
	}
	if len(q.ordinary) > 0 {
		return q.ordinary[0], false
	}
	if len(q.priority) > 0 {
		return q.priority[0], true
	}
	return nil, false
}

func (q *Queue) send(instr *Instruction) {
	var data []byte
	if instr.ToChecksum {
		q.mu.Lock()
		q.messageNumber++
		if q.messageNumber > maxMessageNumber {
			q.messageNumber = 0
		}
		number := q.messageNumber
		q.mu.Unlock()

		data = instr.FillData(number)
		if len(data) > rxSize {
			q.log.Warningf("instruction %q exceeds RX buffer size (%d > %d)", instr.Message, len(data), rxSize)
		}
		q.recordHistory(number, data)
	} else {
		data = instr.FillData(0)
	}

	for _, re := range instr.CaptureRegexps() {
		re := re
		q.dispatcher.Register(re, float64(time.Now().UnixNano()), func(line string, m []string) {
			instr.OutputCaptured(line, m)
		})
	}

	if err := q.transport.Write(data); err != nil {
		q.log.Warningf("write failed for %q: %v, will retry", instr.Message, err)
		return
	}
	instr.Sent()
	q.renewTimeout(true)

	if m110Regex.MatchString(instr.Message) {
		q.handleM110Sent(instr.Message)
	}

	if q.OnInstructionSent != nil {
		q.OnInstructionSent(instr)
	}
}

func (q *Queue) handleM110Sent(message string) {
	number := uint32(0)
	if m := m110Regex.FindStringSubmatch(message); m != nil && m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 {
			number = uint32(n)
		}
	}
	q.mu.Lock()
	q.messageNumber = number
	q.history = nil
	q.workedAroundM10 = false
	q.mu.Unlock()
	if q.OnMessageNumChanged != nil {
		q.OnMessageNumChanged(number)
	}
}

func (q *Queue) recordHistory(number uint32, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history = append(q.history, historyEntry{number: number, data: append([]byte(nil), data...)})
	if len(q.history) > historyLength {
		q.history = q.history[len(q.history)-historyLength:]
	}
}

func (q *Queue) teardownCapture(instr *Instruction) {
	for _, re := range instr.CaptureRegexps() {
		q.dispatcher.Unregister(re)
	}
}

func (q *Queue) clearCurrent(instr *Instruction) {
	q.mu.Lock()
	if q.current == instr {
		q.current = nil
	}
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) handleConfirmation(line string, match []string) {
	q.mu.Lock()
	instr := q.current
	q.mu.Unlock()

	if instr == nil || !instr.IsSent() {
		q.log.Warningf("got confirmation %q with nothing in flight", line)
		return
	}

	if !instr.Confirm(false) {
		q.log.Warningf("instruction %q refused confirmation", instr.Message)
		return
	}

	q.teardownCapture(instr)
	if instr.ToChecksum {
		q.plannerFed.ProcessValue(instr.TimeToConfirm)
	}
	q.clearCurrent(instr)
	if q.OnInstructionDone != nil {
		q.OnInstructionDone(instr)
	}
}

func (q *Queue) handleResend(line string, match []string) {
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return
	}
	number := uint32(n)

	q.mu.Lock()
	current := q.current
	if uint32(number) > q.messageNumber {
		q.mu.Unlock()
		q.worstCaseScenario()
		return
	}

	if current != nil && !current.ToChecksum {
		q.mu.Unlock()
		q.rxGotYeeted()
		q.mu.Lock()
	}

	// Build recovery list from history[number..] oldest-last so LIFO
	// pop order is oldest-first, per §4.3's resend handling.
	var toResend []historyEntry
	for _, h := range q.history {
		if h.number >= number {
			toResend = append(toResend, h)
		}
	}
	if len(toResend) == 0 {
		q.mu.Unlock()
		q.worstCaseScenario()
		return
	}
	q.recoveryList = nil
	for i := len(toResend) - 1; i >= 0; i-- {
		h := toResend[i]
		instr := NewInstruction(messageFromWire(h.data), true)
		instr.FillData(h.number)
		q.recoveryList = append(q.recoveryList, instr)
	}
	q.mu.Unlock()
	q.wake()
}

// messageFromWire extracts the original gcode text back out of a
// previously built "N<num> <msg> *<chk>\n" wire line, for rebuilding a
// resend instruction with the same payload.
func messageFromWire(data []byte) string {
	s := string(data)
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	start := 0
	for start < len(s) && s[start] != ' ' {
		start++
	}
	start++
	end := len(s)
	if idx := lastIndexByte(s, '*'); idx > start {
		end = idx - 1
	}
	if start >= end || start > len(s) {
		return s
	}
	return s[start:end]
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// rxGotYeeted moves the current instruction into the RX-yeet slot and
// re-enters the send path immediately, per §4.3.
func (q *Queue) rxGotYeeted() {
	q.mu.Lock()
	instr := q.current
	q.current = nil
	q.mu.Unlock()

	if instr == nil {
		return
	}
	q.teardownCapture(instr)
	instr.Reset()

	q.mu.Lock()
	q.rxYeetSlot = instr
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) worstCaseScenario() {
	q.mu.Lock()
	q.failed = true
	q.mu.Unlock()
	q.log.Errorf("resend requested for a message never sent, queue failed")
	if q.OnQueueFailed != nil {
		q.OnQueueFailed()
	}
}

func (q *Queue) handleRenewTimeout(line string, match []string) {
	q.renewTimeout(false)
}

func (q *Queue) renewTimeout(unstuck bool) {
	q.lastEventOn.Store(time.Now().UnixNano())
	if unstuck {
		q.stuckCounter.Store(0)
	}
}

func (q *Queue) currentDelay() time.Duration {
	q.mu.Lock()
	idle := q.current == nil
	q.mu.Unlock()
	if idle {
		return 0
	}
	return time.Since(time.Unix(0, q.lastEventOn.Load()))
}

// watchdogLoop implements the stall detector from §4.3: every second,
// checks whether the in-flight instruction has exceeded the timeout;
// on a third consecutive strike it closes the transport to force a
// full reconnect (the boundary is ">2" on the counter as already
// incremented for this strike, so the third strike is the one that
// closes — see spec.md §9's documented quirk).
func (q *Queue) watchdogLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
		}

		if q.currentDelay() <= serialQueueTimeout {
			continue
		}

		count := q.stuckCounter.Add(1)
		q.log.Warningf("serial queue stuck (strike %d)", count)
		q.rxGotYeeted()
		q.renewTimeout(false)

		if count > 2 {
			q.log.Errorf("serial queue stuck after %d strikes, closing transport", count)
			q.transport.ForceReopen()
			q.stuckCounter.Store(0)
		}
	}
}
