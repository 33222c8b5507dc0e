// ABOUTME: Immutable event stream views with variant narrowing and predicate filters
// ABOUTME: Message streams add command, mention and sender-identity filters

package events

import (
	"slices"
	"strings"

	"github.com/nekotori/neko-bridge/internal/onebot"
)

// Source is a feed of gateway events that listeners can attach to.
// *onebot.Conn and *onebot.Registry satisfy it.
type Source interface {
	Listen(l onebot.Listener) string
	Unlisten(id string)
}

// Stream is a filtered view of a Source yielding events of type T.
type Stream[T onebot.Event] struct {
	src Source
	// accept narrows the raw event to T. It runs on the source's read loop
	// and must stay cheap.
	accept func(onebot.Event) (T, bool)
	// preds run on the subscriber's executor, in attachment order.
	preds []func(T) bool
}

// All returns the unfiltered stream of every event src produces.
func All(src Source) *Stream[onebot.Event] {
	return &Stream[onebot.Event]{
		src:    src,
		accept: func(ev onebot.Event) (onebot.Event, bool) { return ev, true },
	}
}

// Filter returns a view that additionally requires pred. The receiver is
// not modified.
func (s *Stream[T]) Filter(pred func(T) bool) *Stream[T] {
	return &Stream[T]{
		src:    s.src,
		accept: s.accept,
		preds:  append(slices.Clone(s.preds), pred),
	}
}

// OfKind returns a view that keeps only events whose runtime kind is
// exactly kind. Unlike Messages, KindMessage here matches only messages of
// unknown scope.
func (s *Stream[T]) OfKind(kind onebot.Kind) *Stream[T] {
	accept := s.accept
	return &Stream[T]{
		src: s.src,
		accept: func(ev onebot.Event) (T, bool) {
			if ev.Kind() != kind {
				var zero T
				return zero, false
			}
			return accept(ev)
		},
		preds: slices.Clone(s.preds),
	}
}

// MessageStream is a stream of message events with message-specific filters.
type MessageStream struct {
	*Stream[*onebot.MessageEvent]
}

// Messages returns the message events of src whose kind is selected by
// kind. KindMessage selects every message variant.
func Messages(src Source, kind onebot.Kind) MessageStream {
	return MessageStream{&Stream[*onebot.MessageEvent]{
		src: src,
		accept: func(ev onebot.Event) (*onebot.MessageEvent, bool) {
			m, ok := ev.(*onebot.MessageEvent)
			if !ok || !kind.Includes(m.Kind()) {
				return nil, false
			}
			return m, true
		},
	}}
}

// Filter returns a view that additionally requires pred.
func (s MessageStream) Filter(pred func(*onebot.MessageEvent) bool) MessageStream {
	return MessageStream{s.Stream.Filter(pred)}
}

// OfKind returns a view restricted to exactly kind.
func (s MessageStream) OfKind(kind onebot.Kind) MessageStream {
	return MessageStream{s.Stream.OfKind(kind)}
}

// OnIdentity keeps messages whose sender satisfies pred.
func (s MessageStream) OnIdentity(pred func(onebot.Sender) bool) MessageStream {
	return s.Filter(func(m *onebot.MessageEvent) bool { return pred(m.Sender) })
}

// OnCommand keeps messages whose text contains "-<name> ".
func (s MessageStream) OnCommand(name string) MessageStream {
	return s.Filter(CommandPredicate(name))
}

// OnMention keeps messages that mention the receiving bot.
func (s MessageStream) OnMention() MessageStream {
	return s.Filter((*onebot.MessageEvent).MentionsSelf)
}

// CommandPredicate reports whether a message carries the "-<name> " token.
// The raw message text is used; when the gateway omits it the plain text of
// the segments stands in.
func CommandPredicate(name string) func(*onebot.MessageEvent) bool {
	token := "-" + name + " "
	return func(m *onebot.MessageEvent) bool {
		text := m.RawMessage
		if text == "" {
			text = onebot.PlainText(m.Message)
		}
		return strings.Contains(text, token)
	}
}
