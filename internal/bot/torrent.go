// ABOUTME: Magnet download and torrent listing handlers
// ABOUTME: Magnet links posted in a group are queued; -btlist reports queue progress

package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nekotori/neko-bridge/internal/onebot"
)

const (
	magnetAdded  = "添加下载成功"
	magnetFailed = "添加下载失败"
	noTorrents   = "当前没有下载任务"
)

func isMagnet(m *onebot.MessageEvent) bool {
	return strings.HasPrefix(strings.TrimSpace(m.RawMessage), "magnet:?")
}

func (b *Bot) addMagnet(m *onebot.MessageEvent) error {
	link, err := ParseMagnet(m.RawMessage)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return m.Reply(onebot.NewBuilder().Text(magnetFailed + ": " + verr.Reason).Build())
		}
		return err
	}
	if err := b.torrents.AddMagnet(b.context(), link, b.opts.TorrentCategory); err != nil {
		b.logger.Warn("adding magnet", "group_id", groupOf(m), "error", err)
		return m.Reply(onebot.NewBuilder().Text(magnetFailed).Build())
	}
	return m.Reply(onebot.NewBuilder().Text(magnetAdded).Build())
}

func (b *Bot) listTorrents(m *onebot.MessageEvent) error {
	torrents, err := b.torrents.List(b.context())
	if err != nil {
		return fmt.Errorf("listing torrents: %w", err)
	}
	text := FormatTorrents(torrents)
	if text == "" {
		text = noTorrents
	}
	return m.Reply(onebot.NewBuilder().Text(text).Build())
}
