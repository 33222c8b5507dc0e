// ABOUTME: Ollama-style streaming backend: newline-delimited JSON objects over HTTP
// ABOUTME: Reads message.content from each object and stops at done=true

package chatstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxLineSize = 1 << 20

// OllamaBackend streams from an Ollama /api/chat endpoint.
type OllamaBackend struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaBackend creates a backend for the server at baseURL.
func NewOllamaBackend(baseURL, model string, client *http.Client) *OllamaBackend {
	return &OllamaBackend{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/chat",
		model:    model,
		client:   client,
	}
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Open posts the request and returns a Source over the response lines. A
// non-2xx status is returned here as *UpstreamError.
func (b *OllamaBackend) Open(ctx context.Context, req Request) (Source, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	body, err := json.Marshal(ollamaRequest{Model: model, Messages: req.messages(), Stream: true})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &ollamaSource{body: resp.Body, scanner: scanner}, nil
}

type ollamaSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	delta   string
	done    bool
	err     error
}

func (s *ollamaSource) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.err = &UpstreamError{Err: fmt.Errorf("malformed stream line: %w", err)}
			return false
		}
		if chunk.Error != "" {
			s.err = &UpstreamError{Err: errors.New(chunk.Error)}
			return false
		}
		s.delta = chunk.Message.Content
		s.done = chunk.Done
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = &UpstreamError{Err: err}
	}
	// A body that ends without done=true is treated as complete.
	s.done = true
	return false
}

func (s *ollamaSource) Delta() string { return s.delta }

func (s *ollamaSource) Err() error { return s.err }

func (s *ollamaSource) Close() error { return s.body.Close() }
