// Package lcd implements the [SUPPLEMENT] status carousel of
// SPEC_FULL.md §4.12: a priority-ordered rotation of status lines,
// normally destined for the printer's physical display. This daemon
// doesn't drive real LCD hardware; the lines are kept in memory and
// read through Current and Next, and the local HTTP API does not
// expose them.
package lcd

import (
	"sort"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/database"
)

// Line is one carousel entry; higher Priority wins ties, lower sorts
// first when priorities match (insertion order is preserved via seq).
type Line struct {
	Key      string
	Text     string
	Priority int
	seq      int
	expires  time.Time
}

// Carousel rotates through its current lines, skipping ones an
// operator has acknowledged via the acknowledged-errors store.
type Carousel struct {
	mu    sync.Mutex
	lines map[string]*Line
	seq   int
	pos   int

	db *database.Database
}

func New(db *database.Database) *Carousel {
	return &Carousel{lines: map[string]*Line{}, db: db}
}

// Set installs or replaces a line by key; ttl of 0 means "until
// explicitly cleared".
func (c *Carousel) Set(key, text string, priority int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	l := &Line{Key: key, Text: text, Priority: priority, seq: c.seq}
	if ttl > 0 {
		l.expires = time.Now().Add(ttl)
	}
	c.lines[key] = l
}

// Clear removes a line by key.
func (c *Carousel) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lines, key)
}

// Acknowledge dismisses an error line permanently (persisted via the
// shared database) so it won't resurface after a restart.
func (c *Carousel) Acknowledge(key string) {
	c.mu.Lock()
	text := ""
	if l, ok := c.lines[key]; ok {
		text = l.Text
		delete(c.lines, key)
	}
	c.mu.Unlock()
	if text != "" && c.db != nil {
		_ = c.db.AcknowledgeLCDError(text)
	}
}

// Current returns the sorted, non-expired, non-acknowledged lines,
// highest priority first.
func (c *Carousel) Current() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var acknowledged map[string]bool
	if c.db != nil {
		acknowledged = map[string]bool{}
		for _, t := range c.db.AcknowledgedLCDErrors() {
			acknowledged[t] = true
		}
	}

	out := make([]Line, 0, len(c.lines))
	for k, l := range c.lines {
		if !l.expires.IsZero() && now.After(l.expires) {
			delete(c.lines, k)
			continue
		}
		if acknowledged[l.Text] {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Next advances the rotation and returns the line to display, or
// ("", false) if the carousel is empty.
func (c *Carousel) Next() (string, bool) {
	lines := c.Current()
	if len(lines) == 0 {
		return "", false
	}
	c.mu.Lock()
	c.pos = (c.pos + 1) % len(lines)
	idx := c.pos
	c.mu.Unlock()
	return lines[idx].Text, true
}

// Priority bands, highest first, mirroring the LCD's documented
// ordering: connectivity trouble outranks routine status.
const (
	PriorityConnectError = 100
	PriorityFanError     = 90
	PriorityAttention    = 80
	PriorityJobStatus    = 50
	PriorityIdle         = 10
)
