// ABOUTME: Image generation (-bnn) and local diffusion (-sd) handlers
// ABOUTME: Generation spends group credits; diffusion runs one job at a time behind a busy latch

package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nekotori/neko-bridge/internal/metrics"
	"github.com/nekotori/neko-bridge/internal/onebot"
)

const (
	drawStarted     = "图像生成中，请稍后"
	drawFailed      = "图像生成失败"
	drawDoneFormat  = "图像生成完成，耗时%d秒，等待图像上传中"
	diffusionBusy   = "抱歉，SD模型正在处理中，请稍后再试"
	diffusionFailed = "SD图像生成失败"
)

// canDraw keeps messages from groups with the draw feature and credit left.
func (b *Bot) canDraw(m *onebot.MessageEvent) bool {
	g, ok := b.group(m)
	return ok && g.HasFeature(FeatureDraw) && g.Credits > 0
}

func (b *Bot) draw(m *onebot.MessageEvent) error {
	ctx := b.context()
	segments, err := m.Expand(ctx)
	if err != nil {
		b.logger.Warn("expanding replies", "message_id", m.MessageID, "error", err)
		segments = m.Message
	}
	prompt := stripCommand(joinTexts(segments), FeatureDraw)
	urls := onebot.ImageURLs(segments)

	if err := m.Reply(onebot.NewBuilder().Text(drawStarted).Build()); err != nil {
		return fmt.Errorf("sending draw notice: %w", err)
	}
	start := time.Now()
	image, err := b.generate(ctx, prompt, urls)
	if err != nil {
		b.logger.Warn("generating image", "group_id", groupOf(m), "error", err)
		return m.Reply(onebot.NewBuilder().Text(drawFailed).Build())
	}

	elapsed := int(time.Since(start) / time.Second)
	if err := m.Reply(onebot.NewBuilder().Text(fmt.Sprintf(drawDoneFormat, elapsed)).Build()); err != nil {
		return fmt.Errorf("sending draw result: %w", err)
	}
	if err := m.Reply(onebot.NewBuilder().At(m.UserID).Image(image).Build()); err != nil {
		return fmt.Errorf("sending image: %w", err)
	}
	return b.spendCredit(ctx, m)
}

func (b *Bot) generate(ctx context.Context, prompt string, urls []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.DrawMaxWait)
	defer cancel()
	task, err := b.images.Generate(ctx, prompt, urls)
	if err != nil {
		return "", fmt.Errorf("starting generation: %w", err)
	}
	image, err := b.images.Wait(ctx, task)
	if err != nil {
		return "", fmt.Errorf("waiting for task %s: %w", task, err)
	}
	if image == "" {
		return "", fmt.Errorf("task %s returned no image", task)
	}
	return image, nil
}

func (b *Bot) spendCredit(ctx context.Context, m *onebot.MessageEvent) error {
	g, ok := b.group(m)
	if !ok {
		return nil
	}
	if g.Credits > 0 {
		g.Credits--
	}
	if err := b.store.SaveGroup(ctx, g); err != nil {
		return fmt.Errorf("saving credits for group %d: %w", g.GroupID, err)
	}
	return nil
}

// diffuse claims the single diffusion slot and runs the job on the
// executor, so a second request arriving mid-job is turned away.
func (b *Bot) diffuse(m *onebot.MessageEvent) error {
	if !b.diffusing.TryAcquire() {
		metrics.BusyRejections.WithLabelValues("diffusion").Inc()
		b.logger.Debug("diffusion busy", "group_id", groupOf(m))
		return m.Reply(onebot.NewBuilder().Text(diffusionBusy).Build())
	}

	b.exec.Go(func() {
		defer b.diffusing.Release()
		if err := b.runDiffusion(m); err != nil {
			b.logger.Warn("diffusion reply failed", "group_id", groupOf(m), "error", err)
		}
	})
	return nil
}

func (b *Bot) runDiffusion(m *onebot.MessageEvent) error {
	prompt := stripCommand(SimplifyText(m.RawMessage), FeatureDiffusion)
	nsfw := strings.Contains(prompt, "nsfw")
	progress := func(status string) {
		if err := m.Reply(onebot.NewBuilder().Text(status).Build()); err != nil {
			b.logger.Warn("sending diffusion progress", "error", err)
		}
	}

	path, err := b.diffuser.Draw(b.context(), prompt, nsfw, progress)
	if err != nil {
		b.logger.Warn("diffusion failed", "group_id", groupOf(m), "error", err)
		return m.Reply(onebot.NewBuilder().Text(diffusionFailed).Build())
	}
	return m.Reply(onebot.NewBuilder().Image(fileURI(path)).Build())
}

// fileURI turns a local path into the file URI the gateway accepts.
func fileURI(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file:///" + strings.TrimPrefix(filepath.ToSlash(path), "/")
}

func groupOf(m *onebot.MessageEvent) int64 {
	gid, _ := m.Group()
	return gid
}
