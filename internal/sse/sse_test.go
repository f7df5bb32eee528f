package sse

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteEvent(DeltaEvent{Content: "Hel"}); err != nil {
		t.Fatalf("write delta: %v", err)
	}
	if err := w.WriteEvent(DoneEvent{Done: true, TokensUsed: 42}); err != nil {
		t.Fatalf("write done: %v", err)
	}

	got := buf.String()
	want := "data: {\"content\":\"Hel\"}\n\ndata: {\"done\":true,\"tokens_used\":42}\n\n"
	if got != want {
		t.Fatalf("unexpected framing:\n got %q\nwant %q", got, want)
	}
}

func TestScannerSkipsNonDataLines(t *testing.T) {
	input := ": keep-alive\n" +
		"data: {\"content\":\"a\"}\n\n" +
		"event: something\n" +
		"garbage line\n" +
		"data: {\"content\":\"b\"}\n\n"

	sc := NewScanner(strings.NewReader(input))

	first, err := sc.Next()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if string(first) != `{"content":"a"}` {
		t.Fatalf("unexpected first payload %q", first)
	}

	second, err := sc.Next()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(second) != `{"content":"b"}` {
		t.Fatalf("unexpected second payload %q", second)
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderDecodesEventShapes(t *testing.T) {
	input := "data: {\"conversation_id\":\"conv-1\"}\n\n" +
		"data: {\"content\":\"Hel\"}\n\n" +
		"data: not-json\n\n" +
		"data: {\"content\":\"lo\"}\n\n" +
		"data: {\"done\":true,\"tokens_used\":7}\n\n"

	r := NewReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil || ev.Conversation == nil || ev.Conversation.ConversationID != "conv-1" {
		t.Fatalf("expected conversation event, got %+v err=%v", ev, err)
	}

	ev, err = r.Next()
	if err != nil || ev.Delta == nil || ev.Delta.Content != "Hel" {
		t.Fatalf("expected first delta, got %+v err=%v", ev, err)
	}

	// The malformed payload is skipped, not fatal.
	ev, err = r.Next()
	if err != nil || ev.Delta == nil || ev.Delta.Content != "lo" {
		t.Fatalf("expected second delta, got %+v err=%v", ev, err)
	}

	ev, err = r.Next()
	if err != nil || ev.Done == nil || ev.Done.TokensUsed != 7 {
		t.Fatalf("expected done event, got %+v err=%v", ev, err)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderErrorEvent(t *testing.T) {
	input := "data: {\"error\":\"quota exceeded\",\"code\":\"QUOTA_EXCEEDED\"}\n\n"
	r := NewReader(strings.NewReader(input))

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Err == nil || ev.Err.Code != "QUOTA_EXCEEDED" {
		t.Fatalf("expected error event, got %+v", ev)
	}
}
