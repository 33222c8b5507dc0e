// ABOUTME: Bounded worker pool used as the execution context for handlers and chat requests
// ABOUTME: Fixed worker count, bounded task queue; Go never runs work on the calling goroutine

package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nekotori/neko-bridge/internal/metrics"
)

// ErrQueueFull is returned by TrySubmit when every queue slot is taken.
var ErrQueueFull = errors.New("work queue full")

// ErrClosed is returned when submitting to a pool that has been closed.
var ErrClosed = errors.New("work pool closed")

// Executor runs a task somewhere. Implementations decide where: a pool
// worker, the calling goroutine, etc.
type Executor interface {
	Go(task func())
}

type inline struct{}

func (inline) Go(task func()) { task() }

// Inline runs every task synchronously on the calling goroutine.
var Inline Executor = inline{}

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	group  *errgroup.Group
	logger *slog.Logger
}

// New starts a pool with the given number of workers and queue capacity.
// Pass nil logger for default.
func New(workers, queue int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		tasks:  make(chan func(), queue),
		done:   make(chan struct{}),
		group:  &errgroup.Group{},
		logger: logger.With("component", "workpool"),
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.done:
			// Drain whatever was queued before Close.
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return nil
				}
			}
		}
	}
}

// run executes a task, containing any panic so the worker survives.
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Submit queues a task, blocking until a slot frees up or ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.isClosed() {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking. Returns ErrQueueFull when the
// queue has no free slot.
func (p *Pool) TrySubmit(task func()) error {
	if p.isClosed() {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Go queues a task and returns without running it. When the queue is full
// a spare goroutine waits for a slot; once the pool is closed the task gets
// a goroutine of its own. Callers such as a connection read loop are never
// borrowed to run work.
func (p *Pool) Go(task func()) {
	err := p.TrySubmit(task)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrQueueFull) {
		go p.run(task)
		return
	}

	metrics.PoolOverflow.Inc()
	p.logger.Debug("queue full, waiting for a slot")
	go func() {
		if err := p.Submit(context.Background(), task); err != nil {
			p.run(task)
		}
	}()
}

// Close stops accepting tasks and waits for the workers to finish what was
// already queued. Tasks racing with Close may be dropped. It is safe to call
// multiple times.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.done)
	})
	_ = p.group.Wait()
}

var _ Executor = (*Pool)(nil)
