// ABOUTME: Mention and private chat through the streaming chat backend
// ABOUTME: Builds the prompt from stored turns and sends each streamed line back as it arrives

package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nekotori/neko-bridge/internal/chatstream"
	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/store"
)

const drawHint = "画图请使用-bnn + 提示词 指令哦"

// privateGroup is the conversation key used for private chats.
const privateGroup int64 = 0

func (b *Bot) groupChat(m *onebot.MessageEvent) error {
	gid, _ := m.Group()
	ctx := b.context()
	g, err := b.store.EnsureGroup(ctx, gid, "")
	if err != nil {
		return fmt.Errorf("ensuring group %d: %w", gid, err)
	}
	if g.Blacklisted {
		return nil
	}

	req, err := b.chatRequest(ctx, gid, m.UserID, SimplifyText(m.RawMessage))
	if err != nil {
		return err
	}
	r := &responder{bot: b, event: m, groupID: gid, group: true, voice: g.VoiceChat}
	return b.chat.Submit(ctx, req, r.unit)
}

func (b *Bot) privateChat(m *onebot.MessageEvent) error {
	ctx := b.context()
	text := SimplifyText(m.RawMessage)
	if text == "" {
		return nil
	}
	turn := &store.Turn{
		GroupID: privateGroup,
		UserID:  m.UserID,
		Role:    store.RoleUser,
		Message: text,
		Time:    eventTime(m),
	}
	if err := b.store.SaveTurn(ctx, turn); err != nil {
		return fmt.Errorf("saving user turn: %w", err)
	}

	req, err := b.chatRequest(ctx, privateGroup, m.UserID, text)
	if err != nil {
		return err
	}
	r := &responder{bot: b, event: m, groupID: privateGroup}
	return b.chat.Submit(ctx, req, r.unit)
}

// chatRequest builds the prompt from the newest stored turns of the
// conversation. text is appended unless it is already the last turn.
func (b *Bot) chatRequest(ctx context.Context, groupID, userID int64, text string) (chatstream.Request, error) {
	turns, err := b.store.RecentTurns(ctx, groupID, userID, b.opts.HistoryLimit)
	if err != nil {
		return chatstream.Request{}, fmt.Errorf("loading conversation: %w", err)
	}

	msgs := make([]chatstream.Message, 0, len(turns)+1)
	for _, t := range turns {
		content := SimplifyText(t.Message)
		if content == "" {
			continue
		}
		role := chatstream.RoleUser
		if t.Role == store.RoleAssistant {
			role = chatstream.RoleAssistant
		}
		msgs = append(msgs, chatstream.Message{Role: role, Content: content})
	}
	if text != "" && (len(turns) == 0 || turns[len(turns)-1].Message != text) {
		msgs = append(msgs, chatstream.Message{Role: chatstream.RoleUser, Content: text})
	}
	return chatstream.Request{System: b.opts.SystemPrompt, Messages: msgs}, nil
}

// responder sends the lines of one chat response back to where the
// triggering message came from.
type responder struct {
	bot     *Bot
	event   *onebot.MessageEvent
	groupID int64
	group   bool
	voice   bool
}

func (r *responder) unit(line string) {
	if line == "" {
		return
	}
	actions, ok := ParseActions(line)
	if !ok {
		actions = []Action{{Type: ActionChat, Content: line}}
	}
	for _, a := range actions {
		if err := r.act(a); err != nil {
			r.bot.logger.Warn("sending chat reply", "type", a.Type, "user_id", r.event.UserID, "error", err)
		}
	}
	r.remember(line)
}

func (r *responder) act(a Action) error {
	switch a.Type {
	case ActionChat:
		if r.voice && r.bot.speaker != nil {
			return r.speak(a.Content)
		}
		return r.event.Reply(r.text(a))
	case ActionAudio:
		if r.bot.speaker == nil {
			return r.event.Reply(r.text(a))
		}
		return r.speak(a.Content)
	case ActionImage:
		return r.event.Reply(onebot.NewBuilder().Text(drawHint).Build())
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// text renders a chat action. Group replies mention the addressed user.
func (r *responder) text(a Action) []onebot.Segment {
	if !r.group {
		return onebot.NewBuilder().Text(a.Content).Build()
	}
	if uid, err := strconv.ParseInt(a.TargetUser, 10, 64); err == nil && uid > 0 {
		return onebot.NewBuilder().At(uid).Text(a.Content).Build()
	}
	return replySegments(a.Content)
}

func (r *responder) speak(text string) error {
	file, err := r.bot.speaker.Speak(r.bot.context(), text)
	if err != nil {
		return fmt.Errorf("synthesising speech: %w", err)
	}
	return r.event.Reply(onebot.NewBuilder().Record(file).Build())
}

func (r *responder) remember(line string) {
	turn := &store.Turn{
		GroupID: r.groupID,
		UserID:  r.event.UserID,
		Role:    store.RoleAssistant,
		Message: line,
		Time:    time.Now().UTC(),
	}
	if err := r.bot.store.SaveTurn(r.bot.context(), turn); err != nil {
		r.bot.logger.Warn("saving assistant turn", "user_id", r.event.UserID, "error", err)
	}
}
