// ABOUTME: Event envelope and the closed set of event variants decoded from gateway frames
// ABOUTME: Message, meta (lifecycle/heartbeat) and other events, each bound to its connection

package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// Post types carried in the post_type field of inbound frames.
const (
	PostMessage   = "message"
	PostMetaEvent = "meta_event"
	PostNotice    = "notice"
	PostRequest   = "request"
)

// Message scopes carried in the message_type field.
const (
	MessageGroup   = "group"
	MessagePrivate = "private"
)

// ErrNoClient is returned when an event is used to talk back to the
// gateway but was never bound to a connection.
var ErrNoClient = errors.New("event is not bound to a gateway connection")

// ErrNoReplyTarget is returned when replying to a message whose scope is
// neither group nor private.
var ErrNoReplyTarget = errors.New("message has no reply target")

// Kind is the variant tag decided once, at decode time.
type Kind uint8

const (
	KindOther Kind = iota
	KindMeta
	// KindMessage is a message whose scope is neither group nor private.
	// As a selector it also stands for the whole message family.
	KindMessage
	KindGroupMessage
	KindPrivateMessage
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindMessage:
		return "message"
	case KindGroupMessage:
		return "group_message"
	case KindPrivateMessage:
		return "private_message"
	default:
		return "other"
	}
}

// IsMessage reports whether k is one of the message variants.
func (k Kind) IsMessage() bool {
	return k == KindMessage || k == KindGroupMessage || k == KindPrivateMessage
}

// Includes reports whether an event of kind other satisfies selector k.
// KindMessage selects every message variant; every other kind selects only
// itself.
func (k Kind) Includes(other Kind) bool {
	if k == KindMessage {
		return other.IsMessage()
	}
	return k == other
}

// Client is the slice of the gateway connection that events may use to talk
// back while they are being handled.
type Client interface {
	Send(action string, params any) error
	SendGroupMessage(groupID int64, segments []Segment) error
	SendPrivateMessage(userID int64, segments []Segment) error
	GetMessage(ctx context.Context, messageID int64) (*MessageEvent, error)
}

// Event is one decoded inbound frame. The set of implementations is closed:
// *MessageEvent, *MetaEvent and *OtherEvent.
type Event interface {
	Kind() Kind
	Header() *Envelope
	bind(c Client)
}

// Envelope holds the fields every inbound frame carries.
type Envelope struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`
	SubType  string `json:"sub_type,omitempty"`

	// client is a lookup handle to the connection that produced the event.
	// Use it only while handling the event; do not store it.
	client Client
}

// Header returns the envelope itself.
func (e *Envelope) Header() *Envelope { return e }

// Client returns the connection the event arrived on, or nil.
func (e *Envelope) Client() Client { return e.client }

func (e *Envelope) bind(c Client) { e.client = c }

// Sender describes who sent a message. Role is only present in groups.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// DisplayName prefers the group card over the nickname.
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// MessageEvent is a chat message, in a group or a private conversation.
type MessageEvent struct {
	Envelope
	MessageType   string    `json:"message_type"`
	MessageID     int64     `json:"message_id"`
	MessageSeq    int64     `json:"message_seq,omitempty"`
	RealID        int64     `json:"real_id,omitempty"`
	UserID        int64     `json:"user_id"`
	Sender        Sender    `json:"sender"`
	RawMessage    string    `json:"raw_message"`
	Font          int       `json:"font,omitempty"`
	Message       []Segment `json:"message"`
	MessageFormat string    `json:"message_format,omitempty"`
	GroupID       *int64    `json:"group_id,omitempty"`
	TargetID      *int64    `json:"target_id,omitempty"`

	kind Kind
}

// UnmarshalJSON also accepts the string message format, turning the whole
// message into a single text segment.
func (m *MessageEvent) UnmarshalJSON(b []byte) error {
	type plain MessageEvent
	aux := struct {
		*plain
		Message json.RawMessage `json:"message"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	m.Message = nil
	if len(aux.Message) == 0 || string(aux.Message) == "null" {
		return nil
	}
	if aux.Message[0] == '"' {
		var text string
		if err := json.Unmarshal(aux.Message, &text); err != nil {
			return err
		}
		m.Message = []Segment{{Type: SegmentText, Data: map[string]string{"text": text}}}
		return nil
	}
	return json.Unmarshal(aux.Message, &m.Message)
}

// Kind returns the message variant.
func (m *MessageEvent) Kind() Kind { return m.kind }

// Group returns the group id, if the message was sent in a group.
func (m *MessageEvent) Group() (int64, bool) {
	if m.GroupID == nil {
		return 0, false
	}
	return *m.GroupID, true
}

// Mentions reports whether any at segment targets userID.
func (m *MessageEvent) Mentions(userID int64) bool {
	target := strconv.FormatInt(userID, 10)
	for _, s := range m.Message {
		if s.Type == SegmentAt && s.Target() == target {
			return true
		}
	}
	return false
}

// MentionsSelf reports whether the message mentions the receiving bot.
func (m *MessageEvent) MentionsSelf() bool {
	return m.Mentions(m.SelfID)
}

// Reply sends segments back to where the message came from: the group for
// group messages, the sender for private ones.
func (m *MessageEvent) Reply(segments []Segment) error {
	if m.client == nil {
		return ErrNoClient
	}
	switch m.kind {
	case KindGroupMessage:
		if gid, ok := m.Group(); ok {
			return m.client.SendGroupMessage(gid, segments)
		}
	case KindPrivateMessage:
		return m.client.SendPrivateMessage(m.UserID, segments)
	}
	return ErrNoReplyTarget
}

// Expand returns the message segments with every reply marker replaced by
// the quoted message's segments. It blocks on a gateway round-trip per
// reply.
func (m *MessageEvent) Expand(ctx context.Context) ([]Segment, error) {
	if m.client == nil {
		return nil, ErrNoClient
	}
	return ExpandReplies(ctx, m.client, m.Message)
}

// MetaEvent is a gateway lifecycle or heartbeat notification.
type MetaEvent struct {
	Envelope
	MetaEventType string          `json:"meta_event_type"`
	Interval      int64           `json:"interval,omitempty"`
	Status        json.RawMessage `json:"status,omitempty"`
}

// Kind returns KindMeta.
func (m *MetaEvent) Kind() Kind { return KindMeta }

// OtherEvent is any frame that is neither a message nor a meta event
// (notices, requests, unmatched action responses). Raw keeps the frame.
type OtherEvent struct {
	Envelope
	Raw json.RawMessage `json:"-"`
}

// Kind returns KindOther.
func (o *OtherEvent) Kind() Kind { return KindOther }

var (
	_ Event = (*MessageEvent)(nil)
	_ Event = (*MetaEvent)(nil)
	_ Event = (*OtherEvent)(nil)
)
