// ABOUTME: Reply expansion replacing quoted-message markers with the quoted content
// ABOUTME: One synchronous gateway lookup per reply segment, order preserved

package onebot

import (
	"context"
	"fmt"
	"strconv"
)

// MessageLookup fetches a previously seen message by id.
type MessageLookup interface {
	GetMessage(ctx context.Context, messageID int64) (*MessageEvent, error)
}

// ExpandReplies returns a new segment list in which every reply segment is
// replaced, in place, by the segments of the message it quotes. Quoted
// messages are spliced as-is; replies inside them are not followed. The
// input slice is not modified.
func ExpandReplies(ctx context.Context, lookup MessageLookup, segments []Segment) ([]Segment, error) {
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		if s.Type != SegmentReply {
			out = append(out, s)
			continue
		}

		id, err := strconv.ParseInt(s.ID(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reply segment id %q: %w", s.ID(), err)
		}
		quoted, err := lookup.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("looking up replied message %d: %w", id, err)
		}
		out = append(out, quoted.Message...)
	}
	return out, nil
}
