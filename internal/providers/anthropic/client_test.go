package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"aichatd/internal/providers"
)

func TestBuildPayloadExtractsSystemPrompt(t *testing.T) {
	body, err := buildPayload([]providers.Message{
		{Role: providers.RoleSystem, Content: "be concise"},
		{Role: providers.RoleUser, Content: "hello"},
	}, providers.Params{Model: "claude-sonnet-4-20250514", MaxTokens: 128})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["system"] != "be concise" {
		t.Fatalf("expected system prompt, got %#v", payload["system"])
	}
	if payload["stream"] != true {
		t.Fatalf("expected stream=true, got %#v", payload["stream"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 non-system message, got %#v", payload["messages"])
	}
}

func TestStreamDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: message_start\n" +
				"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10}}}\n\n" +
				"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n" +
				"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n" +
				"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n\n" +
				"data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key"})
	events, err := c.Stream(context.Background(), []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	}, providers.Params{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var deltas []string
	var terminal providers.Event
	for ev := range events {
		if ev.Delta != "" {
			deltas = append(deltas, ev.Delta)
			continue
		}
		terminal = ev
	}

	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("unexpected deltas %v", deltas)
	}
	if !terminal.Done || terminal.TokensUsed != 15 {
		t.Fatalf("unexpected terminal event %+v", terminal)
	}
}

func TestStreamErrorFrameContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n" +
				"data: {\"type\":\"error\",\"error\":{\"type\":\"invalid_request_error\",\"message\":\"output filtered\"}}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	events, err := c.Stream(context.Background(), []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	}, providers.Params{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var terminal providers.Event
	for ev := range events {
		terminal = ev
	}
	if terminal.Err == nil || !providers.IsContentError(terminal.Err) {
		t.Fatalf("expected content error, got %+v", terminal)
	}
}

func TestStreamErrorFrameOverloaded(t *testing.T) {
	// Overload mid-stream is transient unavailability, not a content
	// refusal.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	events, err := c.Stream(context.Background(), []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	}, providers.Params{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var terminal providers.Event
	for ev := range events {
		terminal = ev
	}
	if terminal.Err == nil || !errors.Is(terminal.Err, providers.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %+v", terminal)
	}
}

func TestStreamErrorFrameRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"type\":\"error\",\"error\":{\"type\":\"rate_limit_error\",\"message\":\"slow down\"}}\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	events, err := c.Stream(context.Background(), []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	}, providers.Params{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var terminal providers.Event
	for ev := range events {
		terminal = ev
	}
	if terminal.Err == nil || !providers.IsRateLimited(terminal.Err) {
		t.Fatalf("expected rate limited error, got %+v", terminal)
	}
}

func TestStreamRateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Stream(context.Background(), []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	}, providers.Params{})
	if !providers.IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}
