// ABOUTME: Interfaces for the external services the bot drives, plus their value types
// ABOUTME: Image generation, diffusion, text-to-speech and torrent management

package bot

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ImageGenerator is a task-based image generation service.
type ImageGenerator interface {
	// Generate starts a job and returns its task id.
	Generate(ctx context.Context, prompt string, imageURLs []string) (string, error)
	// Wait blocks until the task finishes and returns the result image URL.
	Wait(ctx context.Context, taskID string) (string, error)
}

// Diffuser renders images on a local diffusion backend that can only run
// one job at a time.
type Diffuser interface {
	// Draw renders prompt and returns the path of the image file.
	// onProgress receives human-readable status lines while it works.
	Draw(ctx context.Context, prompt string, nsfw bool, onProgress func(string)) (string, error)
}

// Speaker turns text into a voice clip and returns its file URI.
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// TorrentClient manages a download queue.
type TorrentClient interface {
	AddMagnet(ctx context.Context, magnet, category string) error
	List(ctx context.Context) ([]Torrent, error)
}

// etaInfinity is how the torrent client reports an unknown ETA.
const etaInfinity = 8640000 * time.Second

// Torrent is one entry of the download queue.
type Torrent struct {
	Name string
	// Progress is in [0, 1].
	Progress      float64
	State         string
	DownloadSpeed int64 // bytes per second
	Size          int64 // bytes
	ETA           time.Duration
}

// ValidationError reports malformed user input for an outbound request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseMagnet checks that s is a magnet link carrying a BitTorrent info
// hash and returns it trimmed.
func ParseMagnet(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "magnet:?") {
		return "", &ValidationError{Field: "magnet", Reason: "must start with magnet:?"}
	}
	q, err := url.ParseQuery(strings.TrimPrefix(s, "magnet:?"))
	if err != nil {
		return "", &ValidationError{Field: "magnet", Reason: err.Error()}
	}
	for _, xt := range q["xt"] {
		if strings.HasPrefix(strings.ToLower(xt), "urn:btih:") && len(xt) > len("urn:btih:") {
			return s, nil
		}
	}
	return "", &ValidationError{Field: "magnet", Reason: "missing xt=urn:btih info hash"}
}

// FormatTorrents renders the queue for a chat message.
func FormatTorrents(torrents []Torrent) string {
	var sb strings.Builder
	for _, t := range torrents {
		fmt.Fprintf(&sb, "\n--- %s ---", t.Name)
		fmt.Fprintf(&sb, "\n进度: %.2f%%", t.Progress*100)
		fmt.Fprintf(&sb, "\n状态: %s", t.State)
		fmt.Fprintf(&sb, "\n下载速度: %s/s", formatBytes(t.DownloadSpeed))
		fmt.Fprintf(&sb, "\n大小: %s", formatBytes(t.Size))
		fmt.Fprintf(&sb, "\nETA: %s", formatETA(t.ETA))
	}
	return strings.TrimSpace(sb.String())
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 5; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatETA(d time.Duration) string {
	if d >= etaInfinity {
		return "∞"
	}
	if d <= 0 {
		return "完成"
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
