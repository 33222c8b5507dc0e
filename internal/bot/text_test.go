// ABOUTME: Tests for prompt cleanup, addressed-line parsing and reply actions
// ABOUTME: Table cases cover CQ codes, asides and malformed action arrays

package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nekotori/neko-bridge/internal/onebot"
)

func TestSimplifyText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"[CQ:at,qq=42] 你好", "你好"},
		{"喵（摇尾巴）喵", "喵喵"},
		{"[a]x[b]", "x"},
		{"（一）中（二）", "中"},
		{"  [only]  ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SimplifyText(tc.in), tc.in)
	}
}

func TestParseAddressed(t *testing.T) {
	cases := []struct {
		line string
		uid  int64
		text string
		ok   bool
	}{
		{"@123#你好", 123, "你好", true},
		{"@ 123 #hi", 123, "hi", true},
		{"456:在吗", 456, "在吗", true},
		{"@abc#hi", 0, "", false},
		{"@123 no hash", 0, "", false},
		{"time 12:30", 0, "", false},
		{"plain", 0, "", false},
	}
	for _, tc := range cases {
		uid, text, ok := ParseAddressed(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.uid, uid, tc.line)
		assert.Equal(t, tc.text, text, tc.line)
	}
}

func TestReplySegments(t *testing.T) {
	assert.Equal(t, onebot.NewBuilder().At(9).Text("hi").Build(), replySegments("9:hi"))
	assert.Equal(t, onebot.NewBuilder().Text("just text").Build(), replySegments("just text"))
}

func TestParseActions(t *testing.T) {
	actions, ok := ParseActions(` [{"type":"chat","content":"a"},{"type":"audio","content":"b","targetUser":"5"}]`)
	assert.True(t, ok)
	assert.Equal(t, []Action{
		{Type: ActionChat, Content: "a"},
		{Type: ActionAudio, Content: "b", TargetUser: "5"},
	}, actions)

	_, ok = ParseActions("[not json")
	assert.False(t, ok)
	_, ok = ParseActions("hello [1]")
	assert.False(t, ok)
}

func TestStripCommand(t *testing.T) {
	assert.Equal(t, "a cat", stripCommand("-bnn a cat", "bnn"))
	assert.Equal(t, "x\ny", stripCommand("x\n-bnn y", "bnn"))
}
