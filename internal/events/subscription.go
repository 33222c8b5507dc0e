// ABOUTME: Subscriptions binding a handler to a stream view on an explicit executor
// ABOUTME: Bounded per-subscriber serial queue, contained handler failures, completion on source close

package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nekotori/neko-bridge/internal/metrics"
	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/workpool"
)

// DefaultQueueSize bounds the events waiting for one subscriber.
const DefaultQueueSize = 256

// Option tunes a subscription.
type Option func(*options)

type options struct {
	name      string
	queueSize int
	logger    *slog.Logger
}

// WithName labels the subscription in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Subscription is a live handler attachment.
type Subscription struct {
	src    Source
	id     string
	exec   workpool.Executor
	max    int
	logger *slog.Logger

	mu        sync.Mutex
	queue     []func()
	running   bool
	stopped   bool
	completed bool
	err       error
	done      chan struct{}
	doneOnce  sync.Once
}

// Subscribe attaches handler to the view. Matching events are handled one
// at a time, in arrival order, on exec. A handler error or panic is logged
// and does not end the subscription. The subscription completes when the
// source closes, or on Unsubscribe.
func (s *Stream[T]) Subscribe(exec workpool.Executor, handler func(T) error, opts ...Option) *Subscription {
	o := options{queueSize: DefaultQueueSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "subscription")
	if o.name != "" {
		logger = logger.With("subscription", o.name)
	}

	sub := &Subscription{
		src:    s.src,
		exec:   exec,
		max:    o.queueSize,
		logger: logger,
		done:   make(chan struct{}),
	}

	accept, preds := s.accept, s.preds
	deliver := func(ev T) {
		for _, pred := range preds {
			if !pred(ev) {
				return
			}
		}
		metrics.EventsDelivered.Inc()
		if err := handler(ev); err != nil {
			metrics.HandlerErrors.Inc()
			logger.Warn("handler failed", "kind", ev.Kind().String(), "error", err)
		}
	}

	sub.id = s.src.Listen(onebot.Listener{
		OnEvent: func(raw onebot.Event) {
			ev, ok := accept(raw)
			if !ok {
				return
			}
			sub.enqueue(func() { deliver(ev) })
		},
		OnClose: sub.complete,
	})
	return sub
}

// Done is closed once the subscription has completed and its queue has
// drained.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the source's terminal error, or nil after an orderly close or
// Unsubscribe. Only meaningful once Done is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe detaches the handler. Queued events are discarded; a handler
// already running finishes.
func (s *Subscription) Unsubscribe() {
	s.src.Unlisten(s.id)

	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.complete(nil)
}

func (s *Subscription) enqueue(task func()) {
	s.mu.Lock()
	if s.stopped || s.completed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		s.mu.Unlock()
		metrics.EventsOverflowed.Inc()
		s.logger.Warn("subscriber queue full, dropping event", "queue_size", s.max)
		return
	}
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.exec.Go(s.drain)
}

// drain runs queued tasks until the queue is empty. At most one drain runs
// per subscription, which keeps delivery serial.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.running = false
			s.queue = nil
			finish := s.completed
			s.mu.Unlock()
			if finish {
				s.closeDone()
			}
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(task)
	}
}

func (s *Subscription) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.Inc()
			s.logger.Error("handler panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

// complete records the terminal error. Done closes now if nothing is
// draining, otherwise once the drain finishes.
func (s *Subscription) complete(err error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.err = err
	running := s.running
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("subscription ended by source", "error", err)
	}
	if !running {
		s.closeDone()
	}
}

func (s *Subscription) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
