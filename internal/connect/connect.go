// Package connect implements the Connect client of §4.11: periodic
// telemetry POSTs, event POSTs, and command parsing from the
// telemetry response, grounded on the original's ConnectCommunication
// (requests.Session + Printer-Token header) but expressed with Go's
// net/http and exponential backoff the way the teacher's printer
// client retries router calls.
package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// EventType enumerates the event names POSTed to /p/events, per §4.11.
type EventType string

const (
	EventInfo            EventType = "INFO"
	EventStateChanged    EventType = "STATE_CHANGED"
	EventJobInfo         EventType = "JOB_INFO"
	EventMediumInserted  EventType = "MEDIUM_INSERTED"
	EventMediumEjected   EventType = "MEDIUM_EJECTED"
	EventTransferStarted EventType = "TRANSFER_STARTED"
	EventTransferFinished EventType = "TRANSFER_FINISHED"
	EventAccepted        EventType = "ACCEPTED"
	EventRejected        EventType = "REJECTED"
	EventFinished        EventType = "FINISHED"
	EventFailed          EventType = "FAILED"
)

// Event is one dict-serializable payload posted to /p/events, mirroring
// the original's Event/Dictable pattern.
type Event struct {
	Event     EventType              `json:"event"`
	CommandID *int                   `json:"command_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// CommandHandler processes a command delivered in a telemetry response,
// identified by the Command-Id header and either an application/json
// or text/x.gcode body.
type CommandHandler func(commandID int, contentType string, body []byte)

// Client is the outbound half of the Connect protocol: it owns the HTTP
// session, the Printer-Token header and the backoff state.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	log        *xlog.Logger

	mu          sync.Mutex
	sendQueue   []model.Telemetry
	backoff     time.Duration
	lastLCDSignal func(ok bool, status int)

	OnCommand CommandHandler
}

func New(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
		log:        xlog.For("connect"),
		backoff:    minBackoff,
	}
}

// SetLCDSignal wires a callback invoked after every request so the LCD
// carousel can surface connectivity trouble on 4xx/5xx.
func (c *Client) SetLCDSignal(fn func(ok bool, status int)) {
	c.mu.Lock()
	c.lastLCDSignal = fn
	c.mu.Unlock()
}

// QueueDepth reports how many telemetry snapshots are waiting to be
// sent, used by the telemetry passer's backpressure check.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sendQueue)
}

// Send enqueues a telemetry snapshot and flushes the whole send queue
// synchronously, in the caller's goroutine.
func (c *Client) Send(t model.Telemetry) {
	c.mu.Lock()
	c.sendQueue = append(c.sendQueue, t)
	queued := append([]model.Telemetry(nil), c.sendQueue...)
	c.sendQueue = nil
	c.mu.Unlock()

	for _, snap := range queued {
		c.sendTelemetry(snap)
	}
}

func (c *Client) sendTelemetry(t model.Telemetry) {
	body, err := json.Marshal(telemetryWire(t))
	if err != nil {
		return
	}
	c.post("/p/telemetry", "application/json", body)
}

// SendEvent POSTs one event to /p/events.
func (c *Client) SendEvent(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.post("/p/events", "application/json", body)
}

func (c *Client) post(path, contentType string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Printer-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warningf("connect POST %s failed: %v", path, err)
		c.signalLCD(false, 0)
		c.growBackoff()
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.signalLCD(ok, resp.StatusCode)
	if !ok {
		c.growBackoff()
		return
	}
	c.resetBackoff()

	if cmdID := resp.Header.Get("Command-Id"); cmdID != "" && c.OnCommand != nil {
		if id, err := strconv.Atoi(cmdID); err == nil {
			respBody, _ := io.ReadAll(resp.Body)
			c.OnCommand(id, resp.Header.Get("Content-Type"), respBody)
		}
	}
}

func (c *Client) signalLCD(ok bool, status int) {
	c.mu.Lock()
	fn := c.lastLCDSignal
	c.mu.Unlock()
	if fn != nil {
		fn(ok, status)
	}
}

func (c *Client) growBackoff() {
	c.mu.Lock()
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	d := c.backoff
	c.mu.Unlock()
	time.Sleep(d)
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = minBackoff
	c.mu.Unlock()
}

// SendInfo posts one-shot printer identity info on connect/reconnect.
func (c *Client) SendInfo(ctx context.Context, info map[string]interface{}) {
	body, err := json.Marshal(info)
	if err != nil {
		return
	}
	c.post("/p/info", "application/json", body)
}

func telemetryWire(t model.Telemetry) map[string]interface{} {
	w := map[string]interface{}{"state": t.State}
	setIf(w, "temp_nozzle", t.TempNozzle)
	setIf(w, "temp_bed", t.TempBed)
	setIf(w, "target_nozzle", t.TargetNozzle)
	setIf(w, "target_bed", t.TargetBed)
	setIf(w, "axis_x", t.PosX)
	setIf(w, "axis_y", t.PosY)
	setIf(w, "axis_z", t.PosZ)
	setIf(w, "progress", t.Progress)
	setIf(w, "speed", t.SpeedMult)
	setIf(w, "flow", t.FlowMult)
	setIf(w, "time_printing", t.PrintingSeconds)
	setIf(w, "time_estimated", t.RemainingSeconds)
	return w
}

func setIf(m map[string]interface{}, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}
