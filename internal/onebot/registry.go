// ABOUTME: Listener registry fanning decoded events out to every attached consumer
// ABOUTME: Snapshot under read lock, call outside it, terminal error delivered once on close

package onebot

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Listener receives every event published on a registry, then exactly one
// close notification. Callbacks run on the publishing goroutine and should
// hand work off rather than block.
type Listener struct {
	OnEvent func(Event)
	// OnClose receives the terminal error, or nil for an orderly shutdown.
	OnClose func(err error)
}

// Registry tracks attached listeners. Publish must be called from a single
// goroutine so that each listener sees events in arrival order.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	closed    bool
	err       error
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		listeners: make(map[string]Listener),
		logger:    logger.With("component", "registry"),
	}
}

// Listen attaches l and returns its id. Listening on a closed registry
// delivers the terminal error right away.
func (r *Registry) Listen(l Listener) string {
	id := uuid.NewString()

	r.mu.Lock()
	if r.closed {
		err := r.err
		r.mu.Unlock()
		if l.OnClose != nil {
			r.safeCall(id, func() { l.OnClose(err) })
		}
		return id
	}
	r.listeners[id] = l
	r.mu.Unlock()

	r.logger.Debug("listener added", "listener_id", id)
	return id
}

// ListenMessages attaches a listener that only sees message events.
func (r *Registry) ListenMessages(onMessage func(*MessageEvent), onClose func(err error)) string {
	return r.Listen(Listener{
		OnEvent: func(ev Event) {
			if m, ok := ev.(*MessageEvent); ok {
				onMessage(m)
			}
		},
		OnClose: onClose,
	})
}

// Unlisten detaches a listener. It receives no close notification.
func (r *Registry) Unlisten(id string) {
	r.mu.Lock()
	_, ok := r.listeners[id]
	delete(r.listeners, id)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("listener removed", "listener_id", id)
	}
}

// Len returns the number of attached listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Publish hands ev to every attached listener. A panicking listener is
// logged and does not affect the others.
func (r *Registry) Publish(ev Event) {
	r.mu.RLock()
	if r.closed || len(r.listeners) == 0 {
		r.mu.RUnlock()
		return
	}
	ids := make([]string, 0, len(r.listeners))
	targets := make([]Listener, 0, len(r.listeners))
	for id, l := range r.listeners {
		ids = append(ids, id)
		targets = append(targets, l)
	}
	r.mu.RUnlock()

	for i, l := range targets {
		if l.OnEvent == nil {
			continue
		}
		r.safeCall(ids[i], func() { l.OnEvent(ev) })
	}
}

// Close detaches every listener and hands each the terminal error. Later
// calls are no-ops.
func (r *Registry) Close(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	targets := r.listeners
	r.listeners = make(map[string]Listener)
	r.mu.Unlock()

	for id, l := range targets {
		if l.OnClose == nil {
			continue
		}
		r.safeCall(id, func() { l.OnClose(err) })
	}

	r.logger.Debug("registry closed", "listeners", len(targets), "error", err)
}

func (r *Registry) safeCall(id string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener panicked",
				"listener_id", id,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
