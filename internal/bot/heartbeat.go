// ABOUTME: Gateway heartbeat and lifecycle monitor
// ABOUTME: Logs meta events narrowed from the raw event stream

package bot

import "github.com/nekotori/neko-bridge/internal/onebot"

func (b *Bot) heartbeat(ev onebot.Event) error {
	meta, ok := ev.(*onebot.MetaEvent)
	if !ok {
		return nil
	}
	switch meta.MetaEventType {
	case "lifecycle":
		b.logger.Info("gateway lifecycle", "self_id", meta.SelfID, "sub_type", meta.SubType)
	default:
		b.logger.Debug("gateway meta event", "type", meta.MetaEventType, "interval_ms", meta.Interval)
	}
	return nil
}
