package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"aichatd/internal/providers"
	"aichatd/internal/session"
	"aichatd/internal/sse"
	"aichatd/internal/storage"
	"aichatd/internal/usage"
)

type scriptedProvider struct {
	events []providers.Event
}

func (p *scriptedProvider) Name() string { return "claude" }

func (p *scriptedProvider) Stream(_ context.Context, _ []providers.Message, _ providers.Params) (<-chan providers.Event, error) {
	ch := make(chan providers.Event, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
}

func newTestEnv(t *testing.T, events []providers.Event) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := usage.NewLedger(store, rdb, zerolog.Nop())
	orch := session.New(session.Config{
		Store:  store,
		Ledger: ledger,
		BuildProvider: func(string) (providers.Provider, error) {
			return &scriptedProvider{events: events}, nil
		},
		Logger: zerolog.Nop(),
	})

	svc := NewService(Config{
		Store:  store,
		Ledger: ledger,
		Orch:   orch,
		Auth:   DevAuthenticator{},
		Logger: zerolog.Nop(),
	})
	mux := http.NewServeMux()
	svc.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) request(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, e.srv.URL+path, nil)
	} else {
		req, err = http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func helloEvents() []providers.Event {
	return []providers.Event{
		{Delta: "Hel"},
		{Delta: "lo "},
		{Delta: "there"},
		{Done: true, TokensUsed: 42},
	}
}

func TestChatRequiresAuth(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodPost, "/v1/chat", "", `{"provider":"claude","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodPost, "/v1/chat", "u1",
		`{"provider":"claude","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := sse.NewReader(resp.Body)
	var conversationID, full string
	var done *sse.DoneEvent
	for {
		ev, err := reader.Next()
		if err != nil {
			break
		}
		switch {
		case ev.Conversation != nil:
			conversationID = ev.Conversation.ConversationID
		case ev.Delta != nil:
			full += ev.Delta.Content
		case ev.Done != nil:
			done = ev.Done
		case ev.Err != nil:
			t.Fatalf("unexpected error event %+v", ev.Err)
		}
	}

	if conversationID == "" {
		t.Fatalf("expected conversation_id event for a new conversation")
	}
	if full != "Hello there" {
		t.Fatalf("unexpected streamed text %q", full)
	}
	if done == nil || done.TokensUsed != 42 {
		t.Fatalf("unexpected terminal event %+v", done)
	}

	// The turn is durable: both messages readable, usage counted.
	resp = env.request(t, http.MethodGet, "/v1/conversations/"+conversationID+"/messages", "u1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages: expected 200, got %d", resp.StatusCode)
	}
	var msgBody struct {
		Messages []messageResponse `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msgBody); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgBody.Messages))
	}
	if msgBody.Messages[0].Role != "user" || msgBody.Messages[1].Content != "Hello there" {
		t.Fatalf("unexpected messages %+v", msgBody.Messages)
	}

	resp = env.request(t, http.MethodGet, "/v1/usage", "u1", "")
	defer resp.Body.Close()
	var usageBody usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&usageBody); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usageBody.TokensUsed != 42 || usageBody.Tier != "free" {
		t.Fatalf("unexpected usage %+v", usageBody)
	}
}

func TestChatRejectsNonStreaming(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodPost, "/v1/chat", "u1",
		`{"provider":"claude","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestChatValidationErrorsAreJSON(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodPost, "/v1/chat", "u1",
		`{"provider":"grok","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != "VALIDATION" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestChatQuotaDeniedInBand(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	// Burn through the free tier before the request.
	inserted, err := env.store.InsertUsageRecord(context.Background(), storage.UsageRecord{
		UserID:         "u1",
		ConversationID: "conv-seed",
		Provider:       "claude",
		Model:          "m",
		TokensUsed:     100_000,
		IdempotencyKey: "seed",
	})
	if err != nil || !inserted {
		t.Fatalf("seed usage: inserted=%v err=%v", inserted, err)
	}

	resp := env.request(t, http.MethodPost, "/v1/chat", "u1",
		`{"provider":"claude","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	// The stream is already open when the quota verdict lands, so the
	// denial arrives as a terminal event, not a status code.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := sse.NewReader(resp.Body)
	ev, err := reader.Next()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Err == nil || ev.Err.Code != session.CodeQuotaExceeded || ev.Err.Error != "quota exceeded" {
		t.Fatalf("expected quota exceeded event, got %+v", ev)
	}
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodPost, "/v1/chat", "u1",
		`{"provider":"claude","messages":[{"role":"user","content":"hi"}]}`)

	// Consume the stream so the turn finalizes.
	reader := sse.NewReader(resp.Body)
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
	}
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/v1/conversations", "u1", "")
	defer resp.Body.Close()
	var body struct {
		Conversations []conversationResponse `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(body.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(body.Conversations))
	}
	if body.Conversations[0].Title != "New Conversation" || body.Conversations[0].Provider != "claude" {
		t.Fatalf("unexpected conversation %+v", body.Conversations[0])
	}

	// Another user sees nothing.
	resp = env.request(t, http.MethodGet, "/v1/conversations", "u2", "")
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(body.Conversations) != 0 {
		t.Fatalf("expected no conversations for another user, got %d", len(body.Conversations))
	}
}

func TestListMessagesUnknownConversation(t *testing.T) {
	env := newTestEnv(t, helloEvents())

	resp := env.request(t, http.MethodGet, "/v1/conversations/nope/messages", "u1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHMACAuthenticator(t *testing.T) {
	a := NewHMACAuthenticator("test-secret")

	token := a.SignToken("u1")
	userID, err := a.Verify(context.Background(), token)
	if err != nil || userID != "u1" {
		t.Fatalf("verify signed token: user=%q err=%v", userID, err)
	}

	if _, err := a.Verify(context.Background(), "u1.deadbeef"); err == nil {
		t.Fatalf("expected forged token rejected")
	}
	if _, err := a.Verify(context.Background(), "no-separator"); err == nil {
		t.Fatalf("expected malformed token rejected")
	}

	other := NewHMACAuthenticator("other-secret")
	if _, err := other.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected token from different secret rejected")
	}
}
