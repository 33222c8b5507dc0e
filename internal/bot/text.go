// ABOUTME: Text helpers for prompts and replies
// ABOUTME: CQ-code stripping, addressed-line parsing and structured reply actions

package bot

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/nekotori/neko-bridge/internal/onebot"
)

var (
	bracketed = regexp.MustCompile(`\[[^\]]*\]`)
	asides    = regexp.MustCompile(`（[^）]*）`)
	numbered  = regexp.MustCompile(`(?s)^(\d+):(.*)$`)
)

// SimplifyText removes [...] blocks (CQ codes, stage directions) and
// full-width parenthesised asides, then trims.
func SimplifyText(s string) string {
	s = bracketed.ReplaceAllString(s, "")
	s = asides.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// stripCommand removes every "-name" token, and the space after it, from s.
func stripCommand(s, name string) string {
	s = strings.ReplaceAll(s, "-"+name+" ", "")
	return strings.TrimSpace(strings.ReplaceAll(s, "-"+name, ""))
}

// ParseAddressed recognises a reply line aimed at one user, written either
// "@<qq>#<text>" or "<qq>:<text>".
func ParseAddressed(line string) (userID int64, text string, ok bool) {
	if rest, found := strings.CutPrefix(line, "@"); found {
		id, msg, found := strings.Cut(rest, "#")
		if !found {
			return 0, "", false
		}
		uid, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return 0, "", false
		}
		return uid, msg, true
	}
	if m := numbered.FindStringSubmatch(line); m != nil {
		uid, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, "", false
		}
		return uid, m[2], true
	}
	return 0, "", false
}

// replySegments renders a chat line for a group, mentioning the addressed
// user when the line names one.
func replySegments(line string) []onebot.Segment {
	if uid, text, ok := ParseAddressed(line); ok {
		return onebot.NewBuilder().At(uid).Text(text).Build()
	}
	return onebot.NewBuilder().Text(line).Build()
}

// Action kinds a chat line may carry.
const (
	ActionChat  = "chat"
	ActionAudio = "audio"
	ActionImage = "image"
)

// Action is one entry of a structured chat line.
type Action struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	TargetUser string `json:"targetUser,omitempty"`
}

// ParseActions decodes a line holding a JSON array of actions. Lines that
// are not such an array report false and are sent as plain text.
func ParseActions(line string) ([]Action, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return nil, false
	}
	var actions []Action
	if err := json.Unmarshal([]byte(line), &actions); err != nil {
		return nil, false
	}
	return actions, true
}

// joinTexts joins the text segments with newlines.
func joinTexts(segments []onebot.Segment) string {
	var parts []string
	for _, s := range segments {
		if s.Type == onebot.SegmentText {
			parts = append(parts, s.Text())
		}
	}
	return strings.Join(parts, "\n")
}
