package serial

import (
	"math"
	"regexp"
	"sort"
	"sync"

	"github.com/prusa3d/prusalink-go/internal/xlog"
)

// ConfirmationPriority is the fixed highest priority (math.MaxFloat64,
// the largest finite float64) reserved for the ok/confirmation regex,
// per §4.2.
const ConfirmationPriority = math.MaxFloat64

// LineMatchHandler is invoked with the full line and the regex match
// when its pattern wins priority for that line.
type LineMatchHandler func(line string, match []string)

type registration struct {
	pattern  *regexp.Regexp
	priority float64
	handlers []LineMatchHandler
}

// Dispatcher holds a priority-ordered set of (regex, handlers, priority)
// triples and, for every inbound line, invokes the handlers of the
// first matching regex in descending priority order, per §4.2.
type Dispatcher struct {
	mu   sync.Mutex
	regs []*registration
	log  *xlog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{log: xlog.For("dispatcher")}
}

// Register adds a handler for pattern at priority. Registering the same
// pattern text twice raises the priority to the greater of the two and
// unions the handler sets, per §4.2.
func (d *Dispatcher) Register(pattern *regexp.Regexp, priority float64, handler LineMatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.regs {
		if r.pattern.String() == pattern.String() {
			if priority > r.priority {
				r.priority = priority
			}
			r.handlers = append(r.handlers, handler)
			d.resort()
			return
		}
	}

	d.regs = append(d.regs, &registration{
		pattern:  pattern,
		priority: priority,
		handlers: []LineMatchHandler{handler},
	})
	d.resort()
}

// Unregister removes every handler registered for pattern. Used by the
// serial queue to deregister an instruction's capture regexes once it
// has been confirmed or reset.
func (d *Dispatcher) Unregister(pattern *regexp.Regexp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.regs[:0]
	for _, r := range d.regs {
		if r.pattern.String() != pattern.String() {
			out = append(out, r)
		}
	}
	d.regs = out
}

func (d *Dispatcher) resort() {
	sort.SliceStable(d.regs, func(i, j int) bool {
		return d.regs[i].priority > d.regs[j].priority
	})
}

// Dispatch matches line against the registered patterns in descending
// priority order and invokes only the handlers of the first match. It
// never panics out to the caller: handler exceptions are swallowed and
// logged, per §4.2.
func (d *Dispatcher) Dispatch(line string) {
	d.mu.Lock()
	regsCopy := make([]*registration, len(d.regs))
	copy(regsCopy, d.regs)
	d.mu.Unlock()

	for _, r := range regsCopy {
		m := r.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, h := range r.handlers {
			d.invokeSafely(h, line, m)
		}
		return
	}
}

func (d *Dispatcher) invokeSafely(h LineMatchHandler, line string, m []string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("handler panicked on line %q: %v", line, r)
		}
	}()
	h(line, m)
}
