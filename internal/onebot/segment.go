// ABOUTME: Message segment model shared by inbound parsing and outbound composition
// ABOUTME: Tagged payloads (text, image, at, reply, record) plus the ordered segment builder

package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SegmentType tags a Segment's payload.
type SegmentType string

const (
	SegmentText   SegmentType = "text"
	SegmentImage  SegmentType = "image"
	SegmentAt     SegmentType = "at"
	SegmentReply  SegmentType = "reply"
	SegmentRecord SegmentType = "record"
)

// Segment is one tagged content unit within a message. Order within a
// message is meaningful and is preserved everywhere.
type Segment struct {
	Type SegmentType       `json:"type"`
	Data map[string]string `json:"data"`
}

// UnmarshalJSON accepts gateway payloads whose data values are not all
// strings (numeric qq ids, integer sub_type, ...). Scalars are stringified;
// nested values are kept as their raw JSON text.
func (s *Segment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type SegmentType                `json:"type"`
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	s.Type = raw.Type
	s.Data = make(map[string]string, len(raw.Data))
	for k, v := range raw.Data {
		str, err := stringify(v)
		if err != nil {
			return fmt.Errorf("segment %s field %q: %w", raw.Type, k, err)
		}
		s.Data[k] = str
	}
	return nil
}

func stringify(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	if v[0] != '"' {
		// number, bool, object or array: keep the JSON text
		return string(v), nil
	}
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		return "", err
	}
	return str, nil
}

// Get returns a data field, or "" when absent.
func (s Segment) Get(key string) string {
	return s.Data[key]
}

// Text returns the text of a text segment.
func (s Segment) Text() string { return s.Get("text") }

// URL returns the url of an image segment.
func (s Segment) URL() string { return s.Get("url") }

// Target returns the qq id an at segment mentions ("all" for @everyone).
func (s Segment) Target() string { return s.Get("qq") }

// ID returns the message id a reply segment references.
func (s Segment) ID() string { return s.Get("id") }

// Builder accumulates an ordered list of outbound segments.
type Builder struct {
	segments []Segment
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) add(t SegmentType, key, value string) *Builder {
	b.segments = append(b.segments, Segment{Type: t, Data: map[string]string{key: value}})
	return b
}

// Text appends plain text.
func (b *Builder) Text(text string) *Builder {
	return b.add(SegmentText, "text", text)
}

// Image appends an image by URL. file:// URIs point at local files on the
// gateway host.
func (b *Builder) Image(url string) *Builder {
	return b.add(SegmentImage, "url", url)
}

// Record appends a voice clip by file URI.
func (b *Builder) Record(file string) *Builder {
	return b.add(SegmentRecord, "file", file)
}

// At appends a mention of a user.
func (b *Builder) At(userID int64) *Builder {
	return b.AtString(strconv.FormatInt(userID, 10))
}

// AtString appends a mention of a user by their textual id, e.g. "all".
func (b *Builder) AtString(qq string) *Builder {
	return b.add(SegmentAt, "qq", qq)
}

// Reply appends a quote of an earlier message.
func (b *Builder) Reply(messageID int64) *Builder {
	return b.add(SegmentReply, "id", strconv.FormatInt(messageID, 10))
}

// Len returns the number of segments added so far.
func (b *Builder) Len() int {
	return len(b.segments)
}

// Build returns the segments in the order they were added. The Builder may
// keep being used; later additions do not affect the returned slice.
func (b *Builder) Build() []Segment {
	out := make([]Segment, len(b.segments))
	copy(out, b.segments)
	return out
}

// ImageURLs returns the url of every image segment, in order.
func ImageURLs(segments []Segment) []string {
	var urls []string
	for _, s := range segments {
		if s.Type == SegmentImage && s.URL() != "" {
			urls = append(urls, s.URL())
		}
	}
	return urls
}

// PlainText concatenates the text segments.
func PlainText(segments []Segment) string {
	var sb strings.Builder
	for _, s := range segments {
		if s.Type == SegmentText {
			sb.WriteString(s.Text())
		}
	}
	return sb.String()
}
