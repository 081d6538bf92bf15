package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is a single completion call against one role.
type Request struct {
	Role   Role
	System string
	// Messages is the conversational context, oldest first. Entries
	// alternate user and assistant text as seen by the role.
	Messages []Message
}

// Message is one turn of provider-visible context.
type Message struct {
	From string // "user" or "assistant"
	Text string
}

// Response is the raw provider output before sanitization.
type Response struct {
	Text string
}

// Provider executes completions against one LLM endpoint. Probe is a
// cheap liveness check used by the health loop and must not consume
// completion quota.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Probe(ctx context.Context) error
}

// HTTPProvider speaks an OpenAI-compatible chat completions API.
type HTTPProvider struct {
	name    string
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPProvider(name, url, apiKey, model string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		url:     strings.TrimRight(url, "/"),
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (Response, error) {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := "user"
		if m.From == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}

	body, err := json.Marshal(chatRequest{Model: p.model, Messages: msgs})
	if err != nil {
		return Response{}, fmt.Errorf("llm %s: encode request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("llm %s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("llm %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("llm %s: read response: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("llm %s: status %d: %s", p.name, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("llm %s: decode response: %w", p.name, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return Response{}, fmt.Errorf("llm %s: empty completion", p.name)
	}
	return Response{Text: parsed.Choices[0].Message.Content}, nil
}

// Probe lists models as a liveness check. Any HTTP response counts as
// alive; only transport failures mark the provider down.
func (p *HTTPProvider) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/models", nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm %s: probe: %w", p.name, err)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("llm %s: probe status %d", p.name, resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
