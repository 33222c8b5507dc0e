// ABOUTME: Serial executor running tasks one at a time in submission order
// ABOUTME: Layers ordering over another Executor without blocking the submitter

package workpool

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Serial runs its tasks one after another, in the order Go was called, on
// an underlying Executor. Go only queues; it does not wait for earlier
// tasks, unless the underlying executor itself runs on the caller.
type Serial struct {
	exec    Executor
	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewSerial returns a Serial on top of exec.
func NewSerial(exec Executor) *Serial {
	return &Serial{exec: exec}
}

// Go queues task behind every task queued before it.
func (s *Serial) Go(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Go(s.drain)
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(task)
	}
}

func (s *Serial) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("serial task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

var _ Executor = (*Serial)(nil)
