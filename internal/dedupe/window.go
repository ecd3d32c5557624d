// ABOUTME: Bounded TTL window of already-applied message ids.
// ABOUTME: Rejects duplicate deliveries from overlapping channels and redelivery.

package dedupe

import (
	"container/list"
	"time"
)

// Defaults sized for a single open conversation: exact-duplicate delivery
// is only a near-term risk, so the window stays small.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 2048
)

type entry struct {
	appliedAt time.Time
	elem      *list.Element
}

// Window remembers which server message ids have already been applied to a
// timeline. It is bounded both by age and by size; the oldest ids are
// evicted first. Window is not safe for concurrent use — all access happens
// on the session event loop.
type Window struct {
	seen    map[string]*entry
	order   *list.List // ids in application order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewWindow creates a window with the given TTL and size bound. Zero values
// select the defaults.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether id was applied within the window.
func (w *Window) Seen(id string) bool {
	e, ok := w.seen[id]
	if !ok {
		return false
	}
	return w.now().Sub(e.appliedAt) < w.ttl
}

// Record marks id as applied. Expired and over-capacity entries are evicted
// on the way in, so memory stays bounded without a background sweeper.
func (w *Window) Record(id string) {
	now := w.now()

	if e, ok := w.seen[id]; ok {
		e.appliedAt = now
		w.order.MoveToBack(e.elem)
		return
	}

	w.pruneExpired(now)
	for len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	elem := w.order.PushBack(id)
	w.seen[id] = &entry{appliedAt: now, elem: elem}
}

// SeenAndRecord reports whether id was already applied and, if not, records
// it. Duplicate checks and marking must be one step so a frame delivered on
// two channels in the same loop iteration cannot pass twice.
func (w *Window) SeenAndRecord(id string) bool {
	if w.Seen(id) {
		return true
	}
	w.Record(id)
	return false
}

// Len returns the number of ids currently held, counting expired entries
// not yet pruned.
func (w *Window) Len() int {
	return len(w.seen)
}

func (w *Window) pruneExpired(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id := front.Value.(string)
		if now.Sub(w.seen[id].appliedAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, id)
	}
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, id)
}
