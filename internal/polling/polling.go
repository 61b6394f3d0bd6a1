// Package polling wires the generic itemupdater.Updater to the actual
// values this daemon tracks: printer identity (firmware version, serial
// number, printer type), nozzle diameter and the speed/flow
// multipliers, each fetched by sending a gcode and waiting for the
// printer's own reply to confirm it. Grounded on polling_items.py's
// SelfSufficientItem subclasses, one Item per tracked value, using the
// FAST and VERY_SLOW intervals.
package polling

import (
	"regexp"
	"strconv"
	"time"

	"github.com/prusa3d/prusalink-go/internal/itemupdater"
	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/prusa3d/prusalink-go/internal/xlog"
)

const (
	fastPollInterval     = 1 * time.Second
	verySlowPollInterval = 30 * time.Second

	matchTimeout = 15 * time.Second
)

var (
	firmwareVersionRegex = regexp.MustCompile(`^PRUSA Fir\s*(?P<version>\S+)`)
	nozzleDiameterRegex  = regexp.MustCompile(`^(?P<size>[\d.]+)\s*$`)
	printerTypeRegex     = regexp.MustCompile(`^(?P<code>\d+)\s*$`)
	percentRegex         = regexp.MustCompile(`^(?:Flow|Speed)?\s*(?:factor at )?(?P<percent>\d+)\s*%`)
	serialNumberRegex    = regexp.MustCompile(`^(?P<sn>CZPX\S+)`)
)

// Catalog holds every polled item this daemon tracks, each backed by a
// gcode round trip instead of an in-memory computation.
type Catalog struct {
	log     *xlog.Logger
	updater *itemupdater.Updater
	queue   *serial.Queue

	FirmwareVersion *itemupdater.Item
	SerialNumber    *itemupdater.Item
	PrinterType     *itemupdater.Item
	NozzleDiameter  *itemupdater.Item
	SpeedMultiplier *itemupdater.Item
	FlowMultiplier  *itemupdater.Item
}

// New builds the fixed catalog and registers every item with a fresh
// itemupdater.Updater. dispatcher is taken for parity with the rest of
// the wiring even though items only need the queue to send gcode and
// read back captures off the instruction itself.
func New(queue *serial.Queue, dispatcher *serial.Dispatcher, m *model.Model) *Catalog {
	c := &Catalog{
		log:     xlog.For("polling"),
		updater: itemupdater.New(),
		queue:   queue,
	}

	c.FirmwareVersion = c.matchableItem("firmware_version", 0, "PRUSA Fir", firmwareVersionRegex, nil)
	c.SerialNumber = c.matchableItem("serial_number", 0, "PRUSA SN", serialNumberRegex, nil)
	c.PrinterType = c.matchableItem("printer_type", 0, "M862.2 Q", printerTypeRegex, nil)
	c.NozzleDiameter = c.matchableItem("nozzle_diameter", 0, "M862.1 Q", nozzleDiameterRegex, func(s string) (interface{}, error) {
		return strconv.ParseFloat(s, 64)
	})
	c.SpeedMultiplier = c.matchableItem("speed_multiplier", fastPollInterval, "M220", percentRegex, func(s string) (interface{}, error) {
		return strconv.ParseFloat(s, 64)
	})
	c.FlowMultiplier = c.matchableItem("flow_multiplier", fastPollInterval, "M221", percentRegex, func(s string) (interface{}, error) {
		return strconv.ParseFloat(s, 64)
	})

	for _, item := range []*itemupdater.Item{
		c.FirmwareVersion, c.SerialNumber, c.PrinterType,
		c.NozzleDiameter, c.SpeedMultiplier, c.FlowMultiplier,
	} {
		if err := c.updater.AddItem(item); err != nil {
			c.log.Warningf("registering %s: %v", item.Name, err)
		}
	}
	_ = m // reserved for items that will eventually write straight into the telemetry model
	return c
}

// matchableItem builds an Item whose Gather sends gcode to the front of
// the queue and extracts its value from the first capture group of
// pattern, per the original's do_matchable helper.
func (c *Catalog) matchableItem(name string, interval time.Duration, gcode string, pattern *regexp.Regexp, parse func(string) (interface{}, error)) *itemupdater.Item {
	return &itemupdater.Item{
		Name:     name,
		Interval: interval,
		Gather: func() (interface{}, error) {
			instr := serial.NewMandatoryMatchable(gcode, false, pattern)
			c.queue.EnqueueOne(instr, true)
			if !instr.WaitForConfirmation(matchTimeout) {
				return nil, errTimedOut(name)
			}
			raw := firstCapture(instr, pattern)
			if parse != nil {
				return parse(raw)
			}
			return raw, nil
		},
		OnValidationErr: func(err error) {
			c.log.Warningf("%s: %v", name, err)
		},
	}
}

func firstCapture(instr *serial.Instruction, pattern *regexp.Regexp) string {
	for _, line := range instr.Matches() {
		if m := pattern.FindStringSubmatch(line); m != nil {
			for i, name := range pattern.SubexpNames() {
				if name != "" && i < len(m) {
					return m[i]
				}
			}
			return m[0]
		}
	}
	return ""
}

type timeoutError string

func (e timeoutError) Error() string { return string(e) }

func errTimedOut(name string) error {
	return timeoutError(name + ": timed out waiting for a reply")
}

// Start arms slow/very-slow invalidation for the items that need it and
// starts the updater's worker goroutines. Fast items already carry
// their own Interval and self-reschedule.
func (c *Catalog) Start() {
	c.updater.Start()
	for _, item := range []*itemupdater.Item{c.FirmwareVersion, c.SerialNumber, c.PrinterType, c.NozzleDiameter} {
		_ = c.updater.ScheduleInvalidation(item, verySlowPollInterval, true)
	}
	for _, item := range []*itemupdater.Item{c.SpeedMultiplier, c.FlowMultiplier} {
		c.updater.Invalidate(item)
		_ = c.updater.ScheduleInvalidation(item, 0, true)
	}
}

func (c *Catalog) Stop() {
	c.updater.Stop()
}
