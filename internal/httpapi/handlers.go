// Package httpapi exposes the chat service over HTTP: the streaming chat
// endpoint, conversation reads, and the usage snapshot.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"aichatd/internal/providers"
	"aichatd/internal/session"
	"aichatd/internal/sse"
	"aichatd/internal/storage"
	"aichatd/internal/usage"
)

type Service struct {
	store  *storage.Store
	ledger *usage.Ledger
	orch   *session.Orchestrator
	auth   Authenticator
	logger zerolog.Logger
	now    func() time.Time
}

type Config struct {
	Store  *storage.Store
	Ledger *usage.Ledger
	Orch   *session.Orchestrator
	Auth   Authenticator
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		orch:   cfg.Orch,
		auth:   cfg.Auth,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", s.withAuth(s.handleChat))
	mux.HandleFunc("GET /v1/conversations", s.withAuth(s.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.withAuth(s.handleListMessages))
	mux.HandleFunc("GET /v1/usage", s.withAuth(s.handleUsage))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Service) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		userID, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}
		next(w, r, userID)
	}
}

type chatRequest struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []wireMessage `json:"messages"`
	Provider       string        `json:"provider"`
	Model          string        `json:"model"`
	Stream         *bool         `json:"stream"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "VALIDATION")
		return
	}
	if req.Stream != nil && !*req.Stream {
		writeError(w, http.StatusBadRequest, "only streaming responses are supported", "VALIDATION")
		return
	}

	messages := make([]providers.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, providers.Message{Role: providers.Role(m.Role), Content: m.Content})
	}

	sess, err := s.orch.Begin(r.Context(), session.Turn{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Messages:       messages,
		Provider:       req.Provider,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		var verr *session.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Msg, "VALIDATION")
		case errors.Is(err, session.ErrTurnActive):
			writeError(w, http.StatusConflict, err.Error(), "TURN_IN_PROGRESS")
		default:
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to begin turn")
			writeError(w, http.StatusInternalServerError, "failed to begin turn", "INTERNAL")
		}
		return
	}

	// From here on, errors travel in-band as terminal events; the
	// response is already an event stream.
	sse.PrepareResponse(w)
	w.WriteHeader(http.StatusOK)

	sess.Run(r.Context(), sinkFunc(sse.NewWriter(w).WriteEvent))
}

type sinkFunc func(v any) error

func (f sinkFunc) Send(v any) error { return f(v) }

func (s *Service) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	conversations, err := s.store.ListConversations(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list conversations")
		writeError(w, http.StatusInternalServerError, "failed to retrieve conversations", "INTERNAL")
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationResponse{
			ID:        c.ID,
			Title:     c.Title,
			Provider:  c.Provider,
			Model:     c.Model,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	conversationID := r.PathValue("id")

	if _, err := s.store.GetConversation(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found", "NOT_FOUND")
			return
		}
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to load conversation")
		writeError(w, http.StatusInternalServerError, "failed to retrieve messages", "INTERNAL")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to list messages")
		writeError(w, http.StatusInternalServerError, "failed to retrieve messages", "INTERNAL")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			TokensUsed:     m.TokensUsed,
			CreatedAt:      m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request, userID string) {
	snap, err := s.ledger.Snapshot(r.Context(), userID, s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load usage snapshot")
		writeError(w, http.StatusInternalServerError, "failed to retrieve usage", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		Tier:            snap.Tier,
		TokensLimit:     snap.Limit,
		TokensUsed:      snap.Used,
		TokensRemaining: snap.Remaining,
		PercentUsed:     snap.Percent(),
	})
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokensUsed     *int      `json:"tokens_used"`
	CreatedAt      time.Time `json:"created_at"`
}

type usageResponse struct {
	Tier            string  `json:"tier"`
	TokensLimit     int64   `json:"tokens_limit"`
	TokensUsed      int64   `json:"tokens_used"`
	TokensRemaining int64   `json:"tokens_remaining"`
	PercentUsed     float64 `json:"percent_used"`
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail, code string) {
	writeJSON(w, status, map[string]string{"detail": detail, "code": code})
}
