// ABOUTME: TTL- and size-bounded window of recently seen message IDs.
// ABOUTME: Expired entries are pruned lazily from the oldest end on every call.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-a2a/internal/clock"
)

// Defaults used by transports.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 4096
)

type entry struct {
	id   string
	seen time.Time
}

// Window is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a Window. A nil clock means the real clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Seen reports whether id was already recorded inside the TTL, and records
// it if not. Check and record happen under one lock. Empty IDs are never
// considered duplicates.
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	w.pruneLocked(now)

	if _, ok := w.index[id]; ok {
		return true
	}

	if w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[id] = w.order.PushBack(&entry{id: id, seen: now})
	return false
}

// Len returns the number of IDs currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.clock.Now())
	return w.order.Len()
}

// pruneLocked drops expired entries. Entries are appended in time order,
// so it stops at the first live one. Must be called with mu held.
func (w *Window) pruneLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.seen) < w.ttl {
			return
		}
		w.removeLocked(front)
	}
}

// removeLocked must be called with mu held.
func (w *Window) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	w.order.Remove(elem)
	delete(w.index, e.id)
}
