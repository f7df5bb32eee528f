package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aichatd/internal/providers"
	"aichatd/internal/sse"
)

const DefaultModel = "gpt-4o"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "openai" }

func (c *Client) Stream(ctx context.Context, messages []providers.Message, params providers.Params) (<-chan providers.Event, error) {
	body, err := buildPayload(messages, params)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, providers.ClassifyStatus(resp.StatusCode, retryAfter(resp))
	}

	events := make(chan providers.Event, providers.EventBuffer)
	go c.consume(ctx, resp.Body, messages, events)
	return events, nil
}

func buildPayload(messages []providers.Message, params providers.Params) ([]byte, error) {
	model := params.Model
	if model == "" {
		model = DefaultModel
	}

	msgs := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	payload := map[string]any{
		"model":          model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if params.MaxTokens > 0 {
		payload["max_tokens"] = params.MaxTokens
	}
	if params.Temperature > 0 {
		payload["temperature"] = params.Temperature
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, messages []providers.Message, events chan<- providers.Event) {
	defer close(events)
	defer body.Close()

	var (
		totalTokens int
		accumulated strings.Builder
		filtered    bool
	)

	sc := sse.NewScanner(body)
	for {
		data, err := sc.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, providers.Event{Err: fmt.Errorf("%w: read stream: %v", providers.ErrUnavailable, err)})
			return
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			send(ctx, events, providers.Event{Err: &providers.ContentError{Reason: chunk.Error.Message}})
			return
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
			totalTokens = chunk.Usage.TotalTokens
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason == "content_filter" {
				filtered = true
			}
			if choice.Delta.Content == "" {
				continue
			}
			accumulated.WriteString(choice.Delta.Content)
			if !send(ctx, events, providers.Event{Delta: choice.Delta.Content}) {
				return
			}
		}
	}

	if filtered {
		send(ctx, events, providers.Event{Err: &providers.ContentError{Reason: "output blocked by content filter"}})
		return
	}
	if accumulated.Len() == 0 {
		send(ctx, events, providers.Event{Err: providers.ErrEmptyStream})
		return
	}
	if totalTokens == 0 {
		totalTokens = providers.EstimateMessageTokens(messages) + providers.EstimateTokens(accumulated.String())
	}
	send(ctx, events, providers.Event{Done: true, TokensUsed: totalTokens})
}

func send(ctx context.Context, events chan<- providers.Event, ev providers.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
