// Package serial implements the printer-communication core: the
// transport, the line dispatcher, the instruction model, the
// checksummed serial queue and the is-planner-fed estimator.
//
// The concurrency idiom (goroutines, plain callbacks, sync.Mutex /
// sync.RWMutex guarding shared fields, atomic flags for cheap state)
// follows the teacher's printer/client.go and printer/router.go.
package serial

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// ErrTransportDisconnected is returned by Write when the transport has
// no open port and cannot even attempt the write.
var ErrTransportDisconnected = errors.New("serial transport disconnected")

const reopenBackoff = 2 * time.Second
const dtrBootWait = 8 * time.Second

// LineHandler receives one decoded inbound line (without the trailing
// newline) from the reader loop. It must not block; anything that needs
// to wait should hand off to another goroutine, matching the line
// dispatcher's contract in §4.2.
type LineHandler func(line string)

// Transport owns the physical serial connection: opening the device
// node, the blocking write path, and a reconnect loop on the read side.
type Transport struct {
	portName string
	baud     int
	piUART   bool // wired through the RPi's dedicated UART: skip the DTR boot wait

	writeMu sync.Mutex
	port    serial.Port

	dtrResets atomic.Bool
	connected atomic.Bool

	onLine LineHandler
	log    *xlog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a transport for the given device node and baud rate.
// onLine is invoked from the reader goroutine for every complete line.
func New(portName string, baud int, piUART bool, onLine LineHandler) *Transport {
	t := &Transport{
		portName: portName,
		baud:     baud,
		piUART:   piUART,
		onLine:   onLine,
		log:      xlog.For("serial"),
		quit:     make(chan struct{}),
	}
	t.dtrResets.Store(true)
	return t
}

// Start begins the reader/reconnect loop in the background and returns
// immediately; the transport dials in on its own schedule.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.readLoop()
}

// Stop signals the reader loop to exit and closes the port.
func (t *Transport) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
	t.wg.Wait()
	t.closePort()
}

func (t *Transport) closePort() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
	t.connected.Store(false)
}

// Connected reports whether the port is currently open.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// ForceReopen closes the current port handle, which causes the reader
// loop's blocking Read to return an error and fall into the normal
// reopen-with-backoff cycle. Used by the serial queue's stall detector
// to force a full reconnect after repeated timeouts.
func (t *Transport) ForceReopen() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.port != nil {
		t.port.Close()
	}
}

// SetDTRResets enables/disables hardware reset of the printer when the
// port is (re)opened, mirroring set_dtr_resets in §4.1.
func (t *Transport) SetDTRResets(on bool) {
	t.dtrResets.Store(on)
}

func (t *Transport) open() (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return nil, err
	}
	_ = port.SetRTS(false)
	if !t.dtrResets.Load() {
		_ = port.SetDTR(false)
	}
	return port, nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.quit:
			return
		default:
		}

		port, err := t.open()
		if err != nil {
			t.log.Warningf("open %s failed: %v, retrying in %s", t.portName, err, reopenBackoff)
			if t.sleepOrQuit(reopenBackoff) {
				return
			}
			continue
		}

		t.writeMu.Lock()
		t.port = port
		t.writeMu.Unlock()
		t.connected.Store(true)
		t.log.Infof("opened %s at %d baud", t.portName, t.baud)

		t.readUntilError(port)

		t.closePort()
		t.log.Warningf("transport disconnected, reopening")

		select {
		case <-t.quit:
			return
		default:
		}
	}
}

func (t *Transport) sleepOrQuit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.quit:
		return true
	case <-timer.C:
		return false
	}
}

// readUntilError decodes inbound bytes as code page 437 with NUL
// stripped, splits on '\n' and dispatches one line per call, per §4.1.
func (t *Transport) readUntilError(port serial.Port) {
	buf := make([]byte, 4096)
	var pending []byte

	for {
		select {
		case <-t.quit:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}

		pending = append(pending, decodeCP437StripNUL(buf[:n])...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := string(bytes.TrimRight(pending[:idx], "\r"))
			pending = pending[idx+1:]
			if t.onLine != nil {
				t.dispatchSafely(line)
			}
		}
	}
}

// dispatchSafely isolates a panicking handler from killing the reader
// loop, matching the dispatcher's "swallows handler exceptions" rule.
func (t *Transport) dispatchSafely(line string) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("line handler panicked: %v", r)
		}
	}()
	t.onLine(line)
}

func decodeCP437StripNUL(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == 0 {
			continue
		}
		out = append(out, cp437[c])
	}
	return out
}

// cp437 maps bytes to their code-page-437 rune, downcast to byte for the
// ASCII range the printer actually uses; above 0x7f it is a best-effort
// passthrough since G-code acknowledgements are pure ASCII in practice.
var cp437 = func() [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		table[i] = byte(i)
	}
	return table
}()

// Write sends raw bytes to the printer, blocking until the OS write
// call returns. While disconnected it is a no-op that logs, per §4.1.
func (t *Transport) Write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.port == nil {
		t.log.Warningf("write while disconnected, dropped %d bytes", len(data))
		return ErrTransportDisconnected
	}

	_, err := t.port.Write(data)
	if err != nil {
		t.log.Errorf("write failed: %v", err)
		t.port.Close()
		t.port = nil
		t.connected.Store(false)
		return ErrTransportDisconnected
	}
	return nil
}

// BlipDTR pulses DTR low->high->low to reset the printer's MCU, then
// waits for the documented boot interval unless wired through the RPi's
// dedicated UART (which needs no such wait).
func (t *Transport) BlipDTR() {
	t.writeMu.Lock()
	port := t.port
	t.writeMu.Unlock()
	if port == nil {
		return
	}

	_ = port.SetDTR(false)
	time.Sleep(50 * time.Millisecond)
	_ = port.SetDTR(true)
	time.Sleep(50 * time.Millisecond)
	_ = port.SetDTR(false)

	if !t.piUART {
		time.Sleep(dtrBootWait)
	}
}
