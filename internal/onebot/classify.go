// ABOUTME: Classifier turning raw gateway frames into exactly one event variant
// ABOUTME: Branches on post_type then message_type, and binds the connection back-reference

package onebot

import (
	"encoding/json"
	"fmt"
)

// DecodeError reports an inbound frame that could not be decoded. The frame
// is dropped; the connection is unaffected.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %d-byte frame: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// peek holds the routing fields read before the full decode.
type peek struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	Echo        json.RawMessage `json:"echo"`
}

func peekFrame(frame []byte) (peek, error) {
	var p peek
	if err := json.Unmarshal(frame, &p); err != nil {
		return p, &DecodeError{Size: len(frame), Err: err}
	}
	return p, nil
}

// Decode classifies a frame and binds the resulting event to c (which may be
// nil). Every frame that parses as a JSON object yields exactly one event.
func Decode(frame []byte, c Client) (Event, error) {
	p, err := peekFrame(frame)
	if err != nil {
		return nil, err
	}
	return decodeAs(p, frame, c)
}

func decodeAs(p peek, frame []byte, c Client) (Event, error) {
	var ev Event
	switch p.PostType {
	case PostMessage:
		m, err := decodeMessage(frame)
		if err != nil {
			return nil, &DecodeError{Size: len(frame), Err: err}
		}
		ev = m
	case PostMetaEvent:
		var m MetaEvent
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, &DecodeError{Size: len(frame), Err: err}
		}
		ev = &m
	default:
		o := OtherEvent{Raw: append(json.RawMessage(nil), frame...)}
		if err := json.Unmarshal(frame, &o.Envelope); err != nil {
			return nil, &DecodeError{Size: len(frame), Err: err}
		}
		ev = &o
	}

	ev.bind(c)
	return ev, nil
}

// decodeMessage decodes a full message object and picks its variant from
// the message scope.
func decodeMessage(data []byte) (*MessageEvent, error) {
	var m MessageEvent
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	switch m.MessageType {
	case MessageGroup:
		m.kind = KindGroupMessage
	case MessagePrivate:
		m.kind = KindPrivateMessage
	default:
		m.kind = KindMessage
	}
	return &m, nil
}
