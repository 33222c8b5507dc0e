// ABOUTME: OpenAI-compatible streaming backend (server-sent events, [DONE] sentinel)
// ABOUTME: Reads choices[0].delta.content from each chunk via openai-go

package chatstream

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
)

// OpenAIBackend streams from any OpenAI-compatible chat completions
// endpoint.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIBackend creates a backend rooted at baseURL (for example
// "https://api.openai.com/v1/"). Retries are disabled: a failed request
// falls back immediately.
func NewOpenAIBackend(baseURL, apiKey, model string, httpClient *http.Client) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Open starts a streamed completion. HTTP failures surface from the
// returned Source's Err.
func (b *OpenAIBackend) Open(ctx context.Context, req Request) (Source, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range req.messages() {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	})
	return &openAISource{stream: stream}, nil
}

type openAISource struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	delta  string
}

func (s *openAISource) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		s.delta = chunk.Choices[0].Delta.Content
		return true
	}
	return false
}

func (s *openAISource) Delta() string { return s.delta }

func (s *openAISource) Err() error {
	err := s.stream.Err()
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return &UpstreamError{Err: err}
}

func (s *openAISource) Close() error { return s.stream.Close() }
