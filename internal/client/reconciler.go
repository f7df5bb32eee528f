// Package client maintains the transcript a chat UI renders: optimistic
// entries appear immediately on submission, stream deltas accumulate into
// a single in-flight assistant entry, and on completion the optimistic
// state is superseded by a reload of durable rows. Durable data always
// wins; temporary identifiers never survive reconciliation.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"aichatd/internal/sse"
)

var (
	ErrTurnInFlight  = errors.New("a turn is already in flight")
	ErrStreamActive  = errors.New("a stream is active; abandon it first")
	ErrStreamDropped = errors.New("connection lost before terminal event")
)

type Entry struct {
	ID        string
	Role      string
	Content   string
	Pending   bool
	Failed    bool
	Cancelled bool
}

// Message is a durable message row as reported by the persistence
// collaborator.
type Message struct {
	ID      string
	Role    string
	Content string
}

// Loader reloads the durable transcript after a terminal success event.
type Loader interface {
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Transcript is the ordered message list for one conversation view. All
// mutation goes through the documented methods; there is no ambient
// shared state.
type Transcript struct {
	mu              sync.Mutex
	entries         []Entry
	userTempID      string
	assistantTempID string
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Begin appends the optimistic user message and an empty in-flight
// assistant message, before any network activity. The returned IDs are
// temporary: they identify optimistic entries only and are replaced on
// reconciliation.
func (t *Transcript) Begin(userText string) (userTempID, assistantTempID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.assistantTempID != "" {
		return "", "", ErrTurnInFlight
	}

	t.userTempID = "tmp-" + uuid.NewString()
	t.assistantTempID = "tmp-" + uuid.NewString()
	t.entries = append(t.entries,
		Entry{ID: t.userTempID, Role: "user", Content: userText, Pending: true},
		Entry{ID: t.assistantTempID, Role: "assistant", Pending: true},
	)
	return t.userTempID, t.assistantTempID, nil
}

// ApplyDelta folds one additive fragment into the in-flight assistant
// entry. The entry is updated in place with the accumulated text so far;
// a delta never creates a second assistant entry.
func (t *Transcript) ApplyDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].ID == t.assistantTempID {
			t.entries[i].Content += delta
			return
		}
	}
}

// Finish marks the in-flight pair terminal; the entries stay optimistic
// until Reconcile replaces them with durable rows.
func (t *Transcript) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearInFlight(func(e *Entry) { e.Pending = false })
}

// Fail marks the turn failed. The assistant entry is removed when it
// never produced text, otherwise marked failed; the user entry is always
// retained so the input is not lost.
func (t *Transcript) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.ID == t.assistantTempID && e.Content == "" {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	t.clearInFlight(func(e *Entry) {
		e.Pending = false
		if e.Role == "assistant" {
			e.Failed = true
		}
	})
}

// Cancel ends the turn after a deliberate abandon. Text already flushed
// stays visible as a cancelled message; it was never persisted
// server-side.
func (t *Transcript) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearInFlight(func(e *Entry) {
		e.Pending = false
		if e.Role == "assistant" {
			e.Cancelled = true
		}
	})
}

func (t *Transcript) clearInFlight(mark func(*Entry)) {
	for i := range t.entries {
		if t.entries[i].ID == t.userTempID || t.entries[i].ID == t.assistantTempID {
			mark(&t.entries[i])
		}
	}
	t.userTempID = ""
	t.assistantTempID = ""
}

// Reconcile replaces the transcript with the durable rows. Durable data
// wins over anything optimistic.
func (t *Transcript) Reconcile(durable []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Entry, 0, len(durable))
	for _, m := range durable {
		entries = append(entries, Entry{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	t.entries = entries
	t.userTempID = ""
	t.assistantTempID = ""
}

// Entries returns a snapshot of the transcript in render order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Session scopes chat state to the active view: the selected provider,
// the conversation identity, and at most one in-flight stream.
type Session struct {
	mu             sync.Mutex
	transcript     *Transcript
	loader         Loader
	conversationID string
	provider       string
	streaming      bool
	body           io.Closer
	deferredNav    string
}

func NewSession(loader Loader, provider string) *Session {
	return &Session{
		transcript: NewTranscript(),
		loader:     loader,
		provider:   provider,
	}
}

func (s *Session) Transcript() *Transcript { return s.transcript }

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// SwitchProvider changes the backend for subsequent turns. Refused while
// a stream is active: switching never cancels a stream silently.
func (s *Session) SwitchProvider(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return ErrStreamActive
	}
	s.provider = provider
	return nil
}

// Open navigates to another conversation. Refused while a stream is
// active; callers must Abandon first.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return ErrStreamActive
	}
	s.conversationID = conversationID
	s.mu.Unlock()

	durable, err := s.loader.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	s.transcript.Reconcile(durable)
	return nil
}

// Abandon closes the in-flight connection, which is the only cancellation
// signal the protocol has. Flushed text stays visible as cancelled.
func (s *Session) Abandon() {
	s.mu.Lock()
	body := s.body
	s.body = nil
	streaming := s.streaming
	s.streaming = false
	s.deferredNav = ""
	s.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	if streaming {
		s.transcript.Cancel()
	}
}

// Stream consumes one turn's event stream into the transcript. body is
// the open event-stream response; Stream takes ownership and closes it.
// On terminal success the durable transcript is reloaded and any deferred
// conversation adoption is applied; mid-stream navigation would abort the
// connection, so it waits for the terminal event.
func (s *Session) Stream(ctx context.Context, body io.ReadCloser) (tokensUsed int, err error) {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		_ = body.Close()
		return 0, ErrStreamActive
	}
	s.streaming = true
	s.body = body
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.streaming = false
		s.body = nil
		s.mu.Unlock()
		_ = body.Close()
	}()

	reader := sse.NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Transport drop without terminal event: distinguishable
				// from a failure the server reported.
				s.transcript.Fail()
				return 0, ErrStreamDropped
			}
			s.transcript.Fail()
			return 0, fmt.Errorf("read stream: %w", err)
		}

		switch {
		case ev.Delta != nil:
			s.transcript.ApplyDelta(ev.Delta.Content)

		case ev.Conversation != nil:
			s.mu.Lock()
			if s.conversationID == "" {
				s.deferredNav = ev.Conversation.ConversationID
			}
			s.mu.Unlock()

		case ev.Err != nil:
			s.transcript.Fail()
			return 0, fmt.Errorf("%s (%s)", ev.Err.Error, ev.Err.Code)

		case ev.Done != nil:
			s.transcript.Finish()
			s.mu.Lock()
			if s.deferredNav != "" {
				s.conversationID = s.deferredNav
				s.deferredNav = ""
			}
			conversationID := s.conversationID
			s.mu.Unlock()

			if conversationID != "" {
				durable, err := s.loader.ListMessages(ctx, conversationID)
				if err != nil {
					// The turn succeeded; the stale optimistic view is
					// better than reporting failure.
					return ev.Done.TokensUsed, nil
				}
				s.transcript.Reconcile(durable)
			}
			return ev.Done.TokensUsed, nil
		}
	}
}
