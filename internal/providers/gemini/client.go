package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aichatd/internal/providers"
	"aichatd/internal/sse"
)

const DefaultModel = "gemini-2.0-flash"

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
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "gemini" }

func (c *Client) Stream(ctx context.Context, messages []providers.Message, params providers.Params) (<-chan providers.Event, error) {
	model := params.Model
	if model == "" {
		model = DefaultModel
	}

	body, err := buildPayload(messages, params)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), url.PathEscape(model), url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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
	// Gemini has no system role in contents; system prompts go through
	// systemInstruction and assistant turns use role "model".
	var system string
	contents := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case providers.RoleSystem:
			system = m.Content
			continue
		case providers.RoleAssistant:
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": m.Content}},
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]string{{"text": m.Content}},
			})
		}
	}

	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": system}},
		}
	}
	genCfg := map[string]any{}
	if params.Temperature > 0 {
		genCfg["temperature"] = params.Temperature
	}
	if params.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = params.MaxTokens
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate content payload: %w", err)
	}
	return b, nil
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
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

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			send(ctx, events, providers.Event{Err: &providers.ContentError{Reason: chunk.Error.Message}})
			return
		}
		if chunk.UsageMetadata != nil && chunk.UsageMetadata.TotalTokenCount > 0 {
			totalTokens = chunk.UsageMetadata.TotalTokenCount
		}
		for _, cand := range chunk.Candidates {
			switch cand.FinishReason {
			case "SAFETY", "RECITATION", "PROHIBITED_CONTENT":
				send(ctx, events, providers.Event{Err: &providers.ContentError{Reason: "output blocked: " + cand.FinishReason}})
				return
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				accumulated.WriteString(part.Text)
				if !send(ctx, events, providers.Event{Delta: part.Text}) {
					return
				}
			}
		}
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
