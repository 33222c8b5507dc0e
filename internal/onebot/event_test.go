// ABOUTME: Tests for message event helpers: reply routing and reply expansion
// ABOUTME: Uses a recording client in place of a live gateway connection

package onebot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	scope    string
	target   int64
	segments []Segment
}

type recordingClient struct {
	mu       sync.Mutex
	sent     []sentMessage
	messages map[int64]*MessageEvent
	lookups  []int64
}

func (c *recordingClient) Send(action string, params any) error { return nil }

func (c *recordingClient) SendGroupMessage(groupID int64, segments []Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{MessageGroup, groupID, segments})
	return nil
}

func (c *recordingClient) SendPrivateMessage(userID int64, segments []Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{MessagePrivate, userID, segments})
	return nil
}

func (c *recordingClient) GetMessage(_ context.Context, id int64) (*MessageEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups = append(c.lookups, id)
	m, ok := c.messages[id]
	if !ok {
		return nil, errors.New("no such message")
	}
	return m, nil
}

func decodeMessageFrame(t *testing.T, frame string, c Client) *MessageEvent {
	t.Helper()
	ev, err := Decode([]byte(frame), c)
	require.NoError(t, err)
	m, ok := ev.(*MessageEvent)
	require.True(t, ok)
	return m
}

func TestReply_RoutesByScope(t *testing.T) {
	c := &recordingClient{}

	group := decodeMessageFrame(t, groupFrame, c)
	require.NoError(t, group.Reply(NewBuilder().Text("g").Build()))

	private := decodeMessageFrame(t, `{"post_type":"message","message_type":"private","user_id":7,"message":[]}`, c)
	require.NoError(t, private.Reply(NewBuilder().Text("p").Build()))

	require.Len(t, c.sent, 2)
	assert.Equal(t, sentMessage{MessageGroup, 555, NewBuilder().Text("g").Build()}, c.sent[0])
	assert.Equal(t, sentMessage{MessagePrivate, 7, NewBuilder().Text("p").Build()}, c.sent[1])
}

func TestReply_Errors(t *testing.T) {
	unbound := decodeMessageFrame(t, groupFrame, nil)
	assert.ErrorIs(t, unbound.Reply(nil), ErrNoClient)

	guild := decodeMessageFrame(t, `{"post_type":"message","message_type":"guild","message":[]}`, &recordingClient{})
	assert.ErrorIs(t, guild.Reply(nil), ErrNoReplyTarget)
}

func TestExpandReplies_SplicesInOrder(t *testing.T) {
	c := &recordingClient{messages: map[int64]*MessageEvent{
		10: {Message: NewBuilder().Image("http://quoted/1.png").Text("first").Build()},
		20: {Message: NewBuilder().Text("second").Build()},
	}}
	input := NewBuilder().Reply(10).Text(" -bnn make it blue ").Reply(20).Build()

	out, err := ExpandReplies(t.Context(), c, input)
	require.NoError(t, err)

	assert.Equal(t, NewBuilder().
		Image("http://quoted/1.png").
		Text("first").
		Text(" -bnn make it blue ").
		Text("second").
		Build(), out)
	assert.Equal(t, []int64{10, 20}, c.lookups)
	assert.Equal(t, SegmentReply, input[0].Type, "input must not be modified")
}

func TestExpandReplies_NoReplies(t *testing.T) {
	c := &recordingClient{}
	input := NewBuilder().Text("a").Image("http://x").Build()

	out, err := ExpandReplies(t.Context(), c, input)
	require.NoError(t, err)
	assert.Equal(t, input, out)
	assert.Empty(t, c.lookups)
}

func TestExpandReplies_LookupFailure(t *testing.T) {
	c := &recordingClient{}
	_, err := ExpandReplies(t.Context(), c, NewBuilder().Reply(99).Build())
	assert.ErrorContains(t, err, "looking up replied message 99")

	_, err = ExpandReplies(t.Context(), c, []Segment{{Type: SegmentReply, Data: map[string]string{"id": "x"}}})
	assert.ErrorContains(t, err, `reply segment id "x"`)
}

func TestMessageEvent_Expand(t *testing.T) {
	c := &recordingClient{messages: map[int64]*MessageEvent{
		5: {Message: NewBuilder().Image("http://q").Build()},
	}}
	m := decodeMessageFrame(t,
		`{"post_type":"message","message_type":"group","group_id":1,"message":[{"type":"reply","data":{"id":"5"}},{"type":"text","data":{"text":"-bnn x"}}]}`, c)

	out, err := m.Expand(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://q"}, ImageURLs(out))

	_, err = decodeMessageFrame(t, groupFrame, nil).Expand(t.Context())
	assert.ErrorIs(t, err, ErrNoClient)
}
