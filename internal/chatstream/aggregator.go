// ABOUTME: Streaming response aggregator cutting backend deltas into dispatchable lines
// ABOUTME: Refusal-line suppression, exactly-once completion flush, single fallback on failure

package chatstream

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nekotori/neko-bridge/internal/metrics"
	"github.com/nekotori/neko-bridge/internal/workpool"
)

const (
	DefaultRefusalMarker = "我无法给到"
	DefaultFallbackText  = "抱歉似乎我的核心模块出现了异常，请稍后再试试和我聊天"
)

// Submitter queues work without blocking. *workpool.Pool satisfies it.
type Submitter interface {
	TrySubmit(task func()) error
}

// Options tunes an Aggregator. Zero values take the defaults.
type Options struct {
	// RefusalMarker suppresses any line containing it.
	RefusalMarker string
	// FallbackText is dispatched once when a request fails.
	FallbackText string
	// Timeout bounds a whole request, from open to last delta.
	Timeout time.Duration
	// Ordered delivers one request's lines to its callback one at a time,
	// in dispatch order. They still run on the unit executor, so a slow
	// callback never holds up reading the stream.
	Ordered bool
}

// Aggregator runs streamed chat requests and dispatches their lines.
type Aggregator struct {
	backend Backend
	pool    Submitter
	units   workpool.Executor
	opts    Options
	logger  *slog.Logger
}

// NewAggregator creates an aggregator. Requests run on pool; each line is
// handed to its callback on units. Pass nil logger for default.
func NewAggregator(backend Backend, pool Submitter, units workpool.Executor, opts Options, logger *slog.Logger) *Aggregator {
	if opts.RefusalMarker == "" {
		opts.RefusalMarker = DefaultRefusalMarker
	}
	if opts.FallbackText == "" {
		opts.FallbackText = DefaultFallbackText
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		backend: backend,
		pool:    pool,
		units:   units,
		opts:    opts,
		logger:  logger.With("component", "chatstream"),
	}
}

// Submit queues req on the pool and returns without waiting. onUnit
// receives every complete line, then either the trimmed leftover text
// (possibly empty, and blanked if it holds the refusal marker) exactly once, or the fallback text exactly once.
// Returns workpool.ErrQueueFull when the pool has no room.
func (a *Aggregator) Submit(ctx context.Context, req Request, onUnit func(string)) error {
	err := a.pool.TrySubmit(func() {
		_ = a.Stream(ctx, req, onUnit)
	})
	if err != nil {
		metrics.ChatRequests.WithLabelValues(metrics.OutcomeRejected).Inc()
		return fmt.Errorf("queueing chat request: %w", err)
	}
	return nil
}

// Stream runs req on the calling goroutine with the same dispatch contract
// as Submit. It returns the failure that triggered the fallback, or nil.
func (a *Aggregator) Stream(ctx context.Context, req Request, onUnit func(string)) error {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	units := a.units
	if a.opts.Ordered {
		units = workpool.NewSerial(units)
	}
	emit := func(unit string) {
		units.Go(func() { a.deliver(unit, onUnit) })
	}

	src, err := a.backend.Open(ctx, req)
	if err != nil {
		a.fail(err, emit)
		return err
	}
	defer src.Close()

	var buf string
	for src.Next() {
		buf = a.flush(buf+src.Delta(), emit)
	}
	if err := src.Err(); err != nil {
		a.fail(err, emit)
		return err
	}

	last := strings.TrimSpace(buf)
	if strings.Contains(last, a.opts.RefusalMarker) {
		a.logger.Debug("suppressing refusal line")
		last = ""
	}
	a.dispatch(last, emit)
	metrics.ChatRequests.WithLabelValues(metrics.OutcomeCompleted).Inc()
	return nil
}

// flush dispatches every complete line in buf and returns what is left.
// A line containing the refusal marker is dropped and ends this flush; the
// rest waits for the next delta.
func (a *Aggregator) flush(buf string, emit func(string)) string {
	for {
		line, rest, found := strings.Cut(buf, "\n")
		if !found {
			return buf
		}
		if strings.Contains(line, a.opts.RefusalMarker) {
			a.logger.Debug("suppressing refusal line")
			return rest
		}
		buf = rest
		if unit := strings.TrimSpace(line); unit != "" {
			a.dispatch(unit, emit)
		}
	}
}

func (a *Aggregator) fail(err error, emit func(string)) {
	a.logger.Warn("chat request failed, sending fallback", "error", err)
	metrics.ChatRequests.WithLabelValues(metrics.OutcomeFallback).Inc()
	emit(a.opts.FallbackText)
}

func (a *Aggregator) dispatch(unit string, emit func(string)) {
	metrics.ChatUnits.Inc()
	emit(unit)
}

func (a *Aggregator) deliver(unit string, onUnit func(string)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("line callback panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	onUnit(unit)
}
