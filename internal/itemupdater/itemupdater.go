// Package itemupdater implements the generic polling/invalidation/
// timeout scheduler described in §4.8: a WatchedItem has at most one
// outstanding timer of each kind, and cancellation is lazy — the
// stored fire time is pushed to "infinity" so the worker discards the
// stale entry when it eventually pops.
package itemupdater

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prusa3d/prusalink-go/internal/xlog"
)

const defaultOnFailInterval = 5 * time.Second

var (
	ErrAlreadyRegistered = errors.New("item already registered")
	ErrNotTracked        = errors.New("item is not tracked by this updater")
	ErrNoInterval        = errors.New("no interval given and item has no default")
)

// GatherFunc fetches a fresh value; WriteFunc commits an accepted
// value; ValidateFunc rejects implausible values.
type GatherFunc func() (interface{}, error)
type WriteFunc func(interface{})
type ValidateFunc func(interface{}) bool

// Item is the generic polled value of §3's "WatchedItem".
type Item struct {
	Name           string
	Interval       time.Duration // 0 means "no periodic invalidation"
	Timeout        time.Duration // 0 means "no timeout"
	OnFailInterval time.Duration

	Gather   GatherFunc
	Write    WriteFunc
	Validate ValidateFunc

	OnBecameValid   func()
	OnBecameInvalid func()
	OnTimedOut      func()
	OnValidationErr func(error)

	mu          sync.Mutex
	value       interface{}
	valid       bool
	disabled    bool
	scheduled   bool
	invalidateAt time.Time
	timesOutAt   time.Time
}

// Group aggregates items and fires OnBecameValid only when every
// member is valid.
type Group struct {
	mu    sync.Mutex
	items map[string]*Item
	valid bool

	OnBecameValid   func()
	OnBecameInvalid func()
}

func NewGroup() *Group {
	return &Group{items: map[string]*Item{}}
}

func (g *Group) Add(item *Item) { g.mu.Lock(); g.items[item.Name] = item; g.mu.Unlock() }

func (g *Group) notify(itemValid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	all := true
	for _, it := range g.items {
		if !it.IsValid() {
			all = false
			break
		}
	}
	if all && !g.valid {
		g.valid = true
		if g.OnBecameValid != nil {
			g.OnBecameValid()
		}
	} else if !all && g.valid {
		g.valid = false
		if g.OnBecameInvalid != nil {
			g.OnBecameInvalid()
		}
	}
}

func (i *Item) IsValid() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.valid
}

func (i *Item) Value() interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

// --- priority queue plumbing, one per timer kind ---

type timerEntry struct {
	at   time.Time
	item *Item
	gen  uint64 // unused; the workers detect stale entries by comparing at with the item's invalidateAt/timesOutAt
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Updater runs three worker goroutines (refresh, invalidate, timeout)
// over three priority queues, per §4.8.
type Updater struct {
	log *xlog.Logger

	mu       sync.Mutex
	items    map[string]*Item
	refreshQ []*Item // FIFO work queue, not time-ordered

	invalidateH timerHeap
	timeoutH    timerHeap

	refreshCh chan struct{}
	quit      chan struct{}
	wg        sync.WaitGroup
}

func New() *Updater {
	return &Updater{
		log:       xlog.For("item_updater"),
		items:     map[string]*Item{},
		refreshCh: make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

func (u *Updater) Start() {
	u.wg.Add(3)
	go u.refresher()
	go u.invalidationWorker()
	go u.timeoutWorker()
}

func (u *Updater) Stop() {
	close(u.quit)
	u.wg.Wait()
}

// AddItem registers item with the updater. Adding the same name twice
// is refused with an error wrapping ErrAlreadyRegistered.
func (u *Updater) AddItem(item *Item) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.items[item.Name]; exists {
		return fmt.Errorf("%s: %w", item.Name, ErrAlreadyRegistered)
	}
	if item.OnFailInterval == 0 {
		item.OnFailInterval = defaultOnFailInterval
	}
	u.items[item.Name] = item
	return nil
}

func (u *Updater) validate(name string) error {
	if _, ok := u.items[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotTracked)
	}
	return nil
}

// Invalidate marks item invalid immediately and schedules a refresh if
// one isn't already scheduled, per §4.8.
func (u *Updater) Invalidate(item *Item) {
	item.mu.Lock()
	wasValid := item.valid
	item.valid = false
	item.invalidateAt = farFuture()
	alreadyScheduled := item.scheduled
	if !alreadyScheduled {
		item.scheduled = true
	}
	item.mu.Unlock()

	if wasValid && item.OnBecameInvalid != nil {
		item.OnBecameInvalid()
	}
	if !alreadyScheduled {
		u.enqueueRefresh(item)
	}
}

func (u *Updater) enqueueRefresh(item *Item) {
	u.mu.Lock()
	u.refreshQ = append(u.refreshQ, item)
	u.mu.Unlock()
	select {
	case u.refreshCh <- struct{}{}:
	default:
	}
}

// Disable cancels any scheduled invalidation/timeout for item.
func (u *Updater) Disable(item *Item) {
	item.mu.Lock()
	item.disabled = true
	item.invalidateAt = farFuture()
	item.timesOutAt = farFuture()
	item.mu.Unlock()
}

func (u *Updater) Enable(item *Item) {
	item.mu.Lock()
	item.disabled = false
	item.mu.Unlock()
	u.Invalidate(item)
}

// ScheduleInvalidation pushes (invalidateAt, item) onto the
// invalidation heap; interval overrides item.Interval for this one
// scheduling, or 0 to use item.Interval. Returns ErrNoInterval if
// neither is available, matching the source's raised AttributeError.
func (u *Updater) ScheduleInvalidation(item *Item, interval time.Duration, reschedule bool) error {
	item.mu.Lock()
	if item.disabled {
		item.mu.Unlock()
		return nil
	}
	if !reschedule && !item.invalidateAt.IsZero() && item.invalidateAt.Before(farFuture()) {
		item.mu.Unlock()
		return nil
	}
	iv := interval
	if iv == 0 {
		iv = item.Interval
	}
	if iv == 0 {
		item.mu.Unlock()
		return ErrNoInterval
	}
	at := time.Now().Add(iv)
	item.invalidateAt = at
	item.mu.Unlock()

	u.mu.Lock()
	heap.Push(&u.invalidateH, timerEntry{at: at, item: item})
	u.mu.Unlock()
	return nil
}

// CancelScheduledInvalidation lazily cancels by pushing invalidateAt to
// infinity; the worker discards the stale heap entry on fire.
func (u *Updater) CancelScheduledInvalidation(item *Item) {
	item.mu.Lock()
	item.invalidateAt = farFuture()
	item.mu.Unlock()
}

func (u *Updater) scheduleTimeout(item *Item) {
	if item.Timeout == 0 {
		return
	}
	at := time.Now().Add(item.Timeout)
	item.mu.Lock()
	item.timesOutAt = at
	item.mu.Unlock()

	u.mu.Lock()
	heap.Push(&u.timeoutH, timerEntry{at: at, item: item})
	u.mu.Unlock()
}

// SetValue validates and commits a freshly gathered value, or
// reschedules a failure retry, per §4.8.
func (u *Updater) SetValue(item *Item, value interface{}) {
	if item.Validate != nil && !item.Validate(value) {
		if item.OnValidationErr != nil {
			item.OnValidationErr(fmt.Errorf("validation refused value for %s", item.Name))
		}
		if !item.IsValid() {
			u.scheduleFailureRetry(item)
		}
		return
	}
	u.setValueLocked(item, value)
}

func (u *Updater) setValueLocked(item *Item, value interface{}) {
	item.mu.Lock()
	item.value = value
	wasValid := item.valid
	item.valid = true
	item.scheduled = false
	item.mu.Unlock()

	if item.Write != nil {
		item.Write(value)
	}
	if !wasValid && item.OnBecameValid != nil {
		item.OnBecameValid()
	}
	u.scheduleTimeout(item)
}

func (u *Updater) scheduleFailureRetry(item *Item) {
	iv := item.OnFailInterval
	if iv == 0 {
		iv = defaultOnFailInterval
	}
	item.mu.Lock()
	item.scheduled = true
	item.mu.Unlock()
	time.AfterFunc(iv, func() { u.enqueueRefresh(item) })
}

func farFuture() time.Time {
	return time.Unix(1<<62, 0)
}

func (u *Updater) refresher() {
	defer u.wg.Done()
	for {
		select {
		case <-u.quit:
			return
		case <-u.refreshCh:
		case <-time.After(200 * time.Millisecond):
		}
		u.drainRefreshQueue()
	}
}

func (u *Updater) drainRefreshQueue() {
	for {
		u.mu.Lock()
		if len(u.refreshQ) == 0 {
			u.mu.Unlock()
			return
		}
		item := u.refreshQ[0]
		u.refreshQ = u.refreshQ[1:]
		u.mu.Unlock()

		u.gather(item)
	}
}

func (u *Updater) gather(item *Item) {
	item.mu.Lock()
	disabled := item.disabled
	item.mu.Unlock()
	if disabled {
		return
	}
	if item.Gather == nil {
		return
	}
	value, err := item.Gather()
	if err != nil {
		if item.OnValidationErr != nil {
			item.OnValidationErr(err)
		}
		if !item.IsValid() {
			u.scheduleFailureRetry(item)
		}
		return
	}
	u.SetValue(item, value)
}

func (u *Updater) invalidationWorker() {
	defer u.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-u.quit:
			return
		case <-ticker.C:
		}
		now := time.Now()
		for {
			u.mu.Lock()
			if len(u.invalidateH) == 0 || u.invalidateH[0].at.After(now) {
				u.mu.Unlock()
				break
			}
			entry := heap.Pop(&u.invalidateH).(timerEntry)
			u.mu.Unlock()

			entry.item.mu.Lock()
			stale := !entry.item.invalidateAt.Equal(entry.at)
			entry.item.mu.Unlock()
			if stale {
				continue
			}
			u.Invalidate(entry.item)
			u.ScheduleInvalidation(entry.item, 0, true)
		}
	}
}

func (u *Updater) timeoutWorker() {
	defer u.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-u.quit:
			return
		case <-ticker.C:
		}
		now := time.Now()
		for {
			u.mu.Lock()
			if len(u.timeoutH) == 0 || u.timeoutH[0].at.After(now) {
				u.mu.Unlock()
				break
			}
			entry := heap.Pop(&u.timeoutH).(timerEntry)
			u.mu.Unlock()

			entry.item.mu.Lock()
			stale := !entry.item.timesOutAt.Equal(entry.at)
			entry.item.mu.Unlock()
			if stale {
				continue
			}
			if entry.item.OnTimedOut != nil {
				entry.item.OnTimedOut()
			}
		}
	}
}
