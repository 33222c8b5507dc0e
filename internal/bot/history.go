// ABOUTME: Group message recorder
// ABOUTME: Stores every group message and creates the group row on first sight

package bot

import (
	"fmt"
	"time"

	"github.com/nekotori/neko-bridge/internal/onebot"
	"github.com/nekotori/neko-bridge/internal/store"
)

func (b *Bot) recordHistory(m *onebot.MessageEvent) error {
	gid, ok := m.Group()
	if !ok {
		return nil
	}
	ctx := b.context()
	at := eventTime(m)

	if _, err := b.store.EnsureGroup(ctx, gid, ""); err != nil {
		return fmt.Errorf("ensuring group %d: %w", gid, err)
	}
	rec := &store.ChatRecord{
		GroupID: gid,
		UserID:  m.UserID,
		Message: m.RawMessage,
		Time:    at,
	}
	if err := b.store.SaveChat(ctx, rec); err != nil {
		return fmt.Errorf("saving chat record: %w", err)
	}

	text := SimplifyText(m.RawMessage)
	if text == "" {
		return nil
	}
	turn := &store.Turn{
		GroupID: gid,
		UserID:  m.UserID,
		Role:    store.RoleUser,
		Message: text,
		Time:    at,
	}
	if err := b.store.SaveTurn(ctx, turn); err != nil {
		return fmt.Errorf("saving user turn: %w", err)
	}
	return nil
}

func eventTime(m *onebot.MessageEvent) time.Time {
	if m.Time > 0 {
		return time.Unix(m.Time, 0).UTC()
	}
	return time.Now().UTC()
}
