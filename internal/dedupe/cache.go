// ABOUTME: Time-bounded window of recently seen message IDs.
// ABOUTME: Used by the gateway connection to drop re-delivered message events.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Key identifies one message as seen by one bot account.
type Key struct {
	SelfID    int64
	MessageID int64
}

type entry struct {
	key  Key
	seen time.Time
}

// Window remembers message keys for a fixed TTL, holding at most maxSize of
// them. Oldest keys are evicted first.
type Window struct {
	mu      sync.Mutex
	index   map[Key]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a window and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize < 1 {
		maxSize = 1
	}
	w := &Window{
		index:   make(map[Key]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen records key and reports whether it was already inside the window.
// Checking and recording happen under one lock so two concurrent deliveries
// of the same message cannot both pass.
func (w *Window) Seen(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if elem, ok := w.index[key]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.seen) < w.ttl {
			return true
		}
		// Expired: treat as new and refresh.
		e.seen = now
		w.order.MoveToBack(elem)
		return false
	}

	if len(w.index) >= w.maxSize {
		w.evictOldest()
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seen: now})
	return false
}

// Len returns the number of keys currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// evictOldest drops the front of the list. Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*entry).key)
}

func (w *Window) sweepLoop() {
	interval := w.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep removes expired keys. The list is ordered by last sighting, so it
// stops at the first live entry.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.seen) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.index, e.key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
