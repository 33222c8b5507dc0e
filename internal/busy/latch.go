// ABOUTME: Single-resource busy latch guarding an exclusive long-running backend
// ABOUTME: Non-blocking test-and-set acquisition with scoped, guaranteed release

package busy

import "sync/atomic"

// Latch is a one-holder flag. The zero value is unlocked and ready to use.
// Contention is expected: a failed acquisition has no side effects and
// never queues.
type Latch struct {
	held atomic.Bool
}

// TryAcquire takes the latch if it is free. Returns false immediately when
// it is already held.
func (l *Latch) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the latch.
func (l *Latch) Release() {
	l.held.Store(false)
}

// Held reports whether the latch is currently taken.
func (l *Latch) Held() bool {
	return l.held.Load()
}

// Do runs fn while holding the latch. Returns false without running fn when
// the latch is already held. The latch is released on every exit path of
// fn, including a panic.
func (l *Latch) Do(fn func()) bool {
	if !l.TryAcquire() {
		return false
	}
	defer l.Release()
	fn()
	return true
}
