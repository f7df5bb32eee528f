package anthropic

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

const (
	DefaultModel = "claude-sonnet-4-20250514"

	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

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
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "claude" }

func (c *Client) Stream(ctx context.Context, messages []providers.Message, params providers.Params) (<-chan providers.Event, error) {
	body, err := buildPayload(messages, params)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
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
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := ""
	msgs := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	payload := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if params.Temperature > 0 {
		payload["temperature"] = params.Temperature
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

type streamFrame struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, messages []providers.Message, events chan<- providers.Event) {
	defer close(events)
	defer body.Close()

	var (
		inputTokens  int
		outputTokens int
		accumulated  strings.Builder
		sawDelta     bool
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

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "message_start":
			inputTokens = frame.Message.Usage.InputTokens
		case "content_block_delta":
			if frame.Delta.Type != "text_delta" || frame.Delta.Text == "" {
				continue
			}
			sawDelta = true
			accumulated.WriteString(frame.Delta.Text)
			if !send(ctx, events, providers.Event{Delta: frame.Delta.Text}) {
				return
			}
		case "message_delta":
			if frame.Usage.OutputTokens > 0 {
				outputTokens = frame.Usage.OutputTokens
			}
		case "error":
			send(ctx, events, providers.Event{Err: classifyFrameError(frame.Error.Type, frame.Error.Message)})
			return
		case "message_stop":
			tokens := inputTokens + outputTokens
			if tokens == 0 {
				tokens = providers.EstimateMessageTokens(messages) + providers.EstimateTokens(accumulated.String())
			}
			send(ctx, events, providers.Event{Done: true, TokensUsed: tokens})
			return
		}
	}

	if !sawDelta {
		send(ctx, events, providers.Event{Err: providers.ErrEmptyStream})
		return
	}
	// Stream ended without message_stop: treat what we have as complete
	// but estimate the usage ourselves.
	tokens := providers.EstimateMessageTokens(messages) + providers.EstimateTokens(accumulated.String())
	send(ctx, events, providers.Event{Done: true, TokensUsed: tokens})
}

// classifyFrameError maps a mid-stream error frame onto the adapter error
// taxonomy. Overload and server faults are transient availability
// problems, not content refusals.
func classifyFrameError(errType, message string) error {
	switch errType {
	case "overloaded_error", "api_error":
		return fmt.Errorf("%w: %s", providers.ErrUnavailable, message)
	case "rate_limit_error":
		return &providers.RateLimitedError{}
	default:
		return &providers.ContentError{Reason: message}
	}
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
