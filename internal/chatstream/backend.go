// ABOUTME: Chat backend contract: requests, delta sources and upstream errors
// ABOUTME: Format selection between the OpenAI-compatible and NDJSON backends

package chatstream

import (
	"context"
	"fmt"
	"net/http"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes one streamed completion.
type Request struct {
	// Model overrides the backend's default model when set.
	Model    string
	System   string
	Messages []Message
}

// messages returns the system prompt, if any, followed by the turns.
func (r Request) messages() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.System != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.System})
	}
	return append(out, r.Messages...)
}

// Source yields the text deltas of one streamed completion. Next returns
// false once the stream has ended; Err then tells completion (nil) from
// failure.
type Source interface {
	Next() bool
	Delta() string
	Err() error
	Close() error
}

// Backend opens streamed completions.
type Backend interface {
	Open(ctx context.Context, req Request) (Source, error)
}

// UpstreamError is a failure reported by, or on the way to, the chat
// backend. StatusCode is zero when no HTTP status was received.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat backend returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chat backend: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Wire formats.
const (
	FormatOpenAI = "openai"
	FormatOllama = "ollama"
)

// BackendOptions selects and configures a backend.
type BackendOptions struct {
	Format  string
	BaseURL string
	APIKey  string
	Model   string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewBackend builds the backend for opts.Format.
func NewBackend(opts BackendOptions) (Backend, error) {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	switch opts.Format {
	case FormatOpenAI:
		return NewOpenAIBackend(opts.BaseURL, opts.APIKey, opts.Model, hc), nil
	case FormatOllama:
		return NewOllamaBackend(opts.BaseURL, opts.Model, hc), nil
	default:
		return nil, fmt.Errorf("unknown chat format %q", opts.Format)
	}
}
