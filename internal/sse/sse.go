// Package sse implements the wire framing between the session orchestrator
// and chat clients: newline-delimited `data: <json>` events over a
// text/event-stream response. The same tolerant line scanner is reused to
// parse upstream provider streams.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const dataPrefix = "data: "

// DeltaEvent carries one additive content fragment, never a full
// replacement.
type DeltaEvent struct {
	Content string `json:"content"`
}

// ConversationEvent announces the identifier of a conversation created
// during this turn. Emitted at most once, before any delta that depends
// on it.
type ConversationEvent struct {
	ConversationID string `json:"conversation_id"`
}

// DoneEvent is the successful terminal event.
type DoneEvent struct {
	Done       bool `json:"done"`
	TokensUsed int  `json:"tokens_used"`
}

// ErrorEvent is the failed terminal event.
type ErrorEvent struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Writer frames events onto an io.Writer, flushing after each one when the
// underlying writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// PrepareResponse sets the response headers for an event stream. Must be
// called before the first event.
func PrepareResponse(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *Writer) WriteEvent(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Scanner yields raw `data: ` payloads from an event stream, skipping
// blank separators, comments and any other line that does not carry data.
// Malformed lines never abort the stream.
type Scanner struct {
	sc  *bufio.Scanner
	err error
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Scanner{sc: sc}
}

// Next returns the next data payload, or io.EOF when the stream ends.
func (s *Scanner) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 {
			continue
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	if err := s.sc.Err(); err != nil {
		s.err = err
		return nil, err
	}
	s.err = io.EOF
	return nil, io.EOF
}

// Decoded is the union of the recognized payload shapes, exactly one of
// which is set per event.
type Decoded struct {
	Delta        *DeltaEvent
	Conversation *ConversationEvent
	Done         *DoneEvent
	Err          *ErrorEvent
}

// Reader decodes the chat wire protocol from an event stream.
type Reader struct {
	sc *Scanner
}

func NewReader(r io.Reader) *Reader {
	return &Reader{sc: NewScanner(r)}
}

// Next returns the next decoded event, or io.EOF at end of stream.
// Payloads that are not valid JSON objects are skipped.
func (r *Reader) Next() (Decoded, error) {
	for {
		data, err := r.sc.Next()
		if err != nil {
			return Decoded{}, err
		}

		var raw struct {
			Content        *string `json:"content"`
			ConversationID *string `json:"conversation_id"`
			Done           *bool   `json:"done"`
			TokensUsed     int     `json:"tokens_used"`
			Error          *string `json:"error"`
			Code           string  `json:"code"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		switch {
		case raw.Error != nil:
			return Decoded{Err: &ErrorEvent{Error: *raw.Error, Code: raw.Code}}, nil
		case raw.Done != nil && *raw.Done:
			return Decoded{Done: &DoneEvent{Done: true, TokensUsed: raw.TokensUsed}}, nil
		case raw.ConversationID != nil:
			return Decoded{Conversation: &ConversationEvent{ConversationID: *raw.ConversationID}}, nil
		case raw.Content != nil:
			return Decoded{Delta: &DeltaEvent{Content: *raw.Content}}, nil
		default:
			continue
		}
	}
}
