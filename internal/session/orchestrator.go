// Package session owns one streaming chat turn end to end: quota
// reservation, provider invocation, delta forwarding, and the final
// persist-and-commit step.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aichatd/internal/metrics"
	"aichatd/internal/providers"
	"aichatd/internal/providers/registry"
	"aichatd/internal/queue"
	"aichatd/internal/sse"
	"aichatd/internal/storage"
	"aichatd/internal/usage"
)

type State string

const (
	StateIdle          State = "idle"
	StateQuotaChecking State = "quota_checking"
	StateStreaming     State = "streaming"
	StateFinalizing    State = "finalizing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal event error codes on the wire.
const (
	CodeQuotaExceeded        = "QUOTA_EXCEEDED"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeProviderRateLimited  = "PROVIDER_RATE_LIMITED"
	CodeProviderContentError = "PROVIDER_CONTENT_ERROR"
	CodeTurnTimeout          = "TURN_TIMEOUT"
	CodeInternal             = "INTERNAL"
)

// ErrTurnActive rejects a second concurrent submission on a conversation;
// two streams never interleave into one transcript.
var ErrTurnActive = errors.New("turn in progress for this conversation")

// ValidationError rejects bad input before any side effect.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Store is the persistence collaborator. Conversation, message and usage
// rows are owned by it; the orchestrator only references them by ID.
type Store interface {
	GetConversation(ctx context.Context, id, userID string) (storage.Conversation, error)
	AppendTurn(ctx context.Context, t storage.Turn) error
}

type Ledger interface {
	Reserve(ctx context.Context, userID string, estimated int, now time.Time) (usage.Decision, error)
	Commit(ctx context.Context, c usage.Commit, now time.Time) error
	Release(ctx context.Context, userID string, estimated int, now time.Time)
}

// Reconciler accepts jobs for finalization work that failed after the
// stream already succeeded.
type Reconciler interface {
	Enqueue(ctx context.Context, job queue.ReconcileJob) (string, error)
}

// ProviderFactory builds the backend for an explicit provider kind.
type ProviderFactory func(kind string) (providers.Provider, error)

// EventSink receives wire events in emission order. Send blocks until the
// client consumed the event, which is the backpressure point of the whole
// pipeline.
type EventSink interface {
	Send(v any) error
}

// Turn is one validated user submission.
type Turn struct {
	UserID         string
	ConversationID string
	Messages       []providers.Message
	Provider       string
	Model          string
	Temperature    float64
	MaxTokens      int
}

type Result struct {
	State          State
	ConversationID string
	TokensUsed     int
	Err            error
}

type Config struct {
	Store         Store
	Ledger        Ledger
	Reconciler    Reconciler
	BuildProvider ProviderFactory
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	TurnTimeout   time.Duration
	Now           func() time.Time
}

type Orchestrator struct {
	store         Store
	ledger        Ledger
	reconciler    Reconciler
	buildProvider ProviderFactory
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	turnTimeout   time.Duration
	now           func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 3 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		reconciler:    cfg.Reconciler,
		buildProvider: cfg.BuildProvider,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		turnTimeout:   cfg.TurnTimeout,
		now:           cfg.Now,
	}
}

// StreamSession is the ephemeral state of one turn. It is created by
// Begin, owned exclusively by the orchestrator, and destroyed when Run
// returns; it never outlives the request.
type StreamSession struct {
	orch      *Orchestrator
	turn      Turn
	conv      storage.Conversation
	newConv   bool
	nonce     string
	estimated int
	state     State
	text      strings.Builder
	released  bool
}

// Begin validates the turn and acquires the conversation's single-flight
// slot. Errors here are surfaced synchronously; no bytes have been
// streamed and no side effects taken. On success the caller must invoke
// Run exactly once.
func (o *Orchestrator) Begin(ctx context.Context, turn Turn) (*StreamSession, error) {
	if turn.UserID == "" {
		return nil, validationf("user identity is required")
	}
	if len(turn.Messages) == 0 {
		return nil, validationf("messages must not be empty")
	}
	last := turn.Messages[len(turn.Messages)-1]
	if last.Role != providers.RoleUser || strings.TrimSpace(last.Content) == "" {
		return nil, validationf("last message must be a non-empty user message")
	}
	if !registry.Known(turn.Provider) {
		return nil, validationf("unknown provider %q", turn.Provider)
	}
	if turn.Model == "" {
		turn.Model = registry.DefaultModel(turn.Provider)
	}

	sess := &StreamSession{
		orch:  o,
		turn:  turn,
		nonce: uuid.NewString(),
		state: StateIdle,
	}

	if turn.ConversationID == "" {
		// The identifier is minted now so it can be announced before the
		// first delta; the row itself is only written at finalize, so a
		// cancelled turn leaves nothing behind.
		sess.newConv = true
		sess.conv = storage.Conversation{
			ID:       uuid.NewString(),
			UserID:   turn.UserID,
			Title:    "New Conversation",
			Provider: turn.Provider,
			Model:    turn.Model,
		}
	} else {
		conv, err := o.store.GetConversation(ctx, turn.ConversationID, turn.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, validationf("conversation %s not found", turn.ConversationID)
			}
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		sess.conv = conv
	}

	if !o.acquire(sess.conv.ID) {
		return nil, ErrTurnActive
	}
	return sess, nil
}

func (o *Orchestrator) acquire(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = make(map[string]struct{})
	}
	if _, busy := o.active[conversationID]; busy {
		return false
	}
	o.active[conversationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	delete(o.active, conversationID)
	o.mu.Unlock()
}

// Run drives the turn through the state machine, forwarding every
// provider delta to the sink in arrival order. Every exit path emits
// exactly one terminal event unless the transport itself is gone.
func (s *StreamSession) Run(ctx context.Context, sink EventSink) Result {
	o := s.orch
	defer o.release(s.conv.ID)

	log := o.logger.With().
		Str("user_id", s.turn.UserID).
		Str("conversation_id", s.conv.ID).
		Str("provider", s.turn.Provider).
		Str("nonce", s.nonce).
		Logger()

	o.metrics.StreamsStarted.Inc()
	now := o.now().UTC()

	s.state = StateQuotaChecking
	s.estimated = providers.EstimateRequestTokens(s.turn.Messages, s.turn.MaxTokens)
	decision, err := o.ledger.Reserve(ctx, s.turn.UserID, s.estimated, now)
	if err != nil {
		return s.fail(sink, log, CodeInternal, fmt.Errorf("reserve quota: %w", err))
	}
	if !decision.Allowed {
		o.metrics.QuotaDenied.Inc()
		log.Info().Int64("used", decision.Used).Int64("limit", decision.Limit).Msg("turn denied by quota")
		s.state = StateFailed
		_ = sink.Send(sse.ErrorEvent{Error: "quota exceeded", Code: CodeQuotaExceeded})
		return Result{State: StateFailed, ConversationID: s.conv.ID, Err: errors.New(decision.Reason)}
	}

	provider, err := o.buildProvider(s.turn.Provider)
	if err != nil {
		s.releaseReservation(log)
		return s.fail(sink, log, CodeProviderUnavailable, err)
	}

	reqCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	if s.newConv {
		if err := sink.Send(sse.ConversationEvent{ConversationID: s.conv.ID}); err != nil {
			s.releaseReservation(log)
			return s.cancelled(log, err)
		}
	}

	s.state = StateStreaming
	events, err := provider.Stream(ctx, s.turn.Messages, providers.Params{
		Model:       s.turn.Model,
		MaxTokens:   s.turn.MaxTokens,
		Temperature: s.turn.Temperature,
	})
	if err != nil {
		s.releaseReservation(log)
		return s.fail(sink, log, classify(err), err)
	}

	tokensUsed := 0
loop:
	for {
		select {
		case <-ctx.Done():
			s.releaseReservation(log)
			// A timed-out turn still has a live client; it must learn the
			// stream is over from a terminal event, not a dropped
			// connection. On disconnect the transport is gone and there is
			// nobody to tell.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && reqCtx.Err() == nil {
				_ = sink.Send(sse.ErrorEvent{Error: "turn timed out", Code: CodeTurnTimeout})
			}
			return s.cancelled(log, ctx.Err())
		case ev, ok := <-events:
			switch {
			case !ok:
				// Closed without a terminal event; the adapter contract
				// says this cannot happen, treat it as a provider fault.
				s.releaseReservation(log)
				return s.fail(sink, log, CodeProviderUnavailable, providers.ErrEmptyStream)
			case ev.Err != nil:
				s.releaseReservation(log)
				return s.fail(sink, log, classify(ev.Err), ev.Err)
			case ev.Done:
				tokensUsed = ev.TokensUsed
				break loop
			default:
				s.text.WriteString(ev.Delta)
				if err := sink.Send(sse.DeltaEvent{Content: ev.Delta}); err != nil {
					s.releaseReservation(log)
					return s.cancelled(log, err)
				}
			}
		}
	}

	s.state = StateFinalizing
	s.finalize(ctx, log, tokensUsed)

	s.state = StateCompleted
	o.metrics.StreamsCompleted.Inc()
	o.metrics.TokensUsed.Add(float64(tokensUsed))
	_ = sink.Send(sse.DoneEvent{Done: true, TokensUsed: tokensUsed})
	log.Info().Int("tokens_used", tokensUsed).Msg("turn completed")
	return Result{State: StateCompleted, ConversationID: s.conv.ID, TokensUsed: tokensUsed}
}

// finalize persists the transcript and commits usage. The stream already
// succeeded, so failures here are never reflected back to the user; they
// are logged and queued for asynchronous reconciliation instead.
func (s *StreamSession) finalize(ctx context.Context, log zerolog.Logger, tokensUsed int) {
	o := s.orch
	now := o.now().UTC()

	userText := s.turn.Messages[len(s.turn.Messages)-1].Content
	assistantText := s.text.String()
	userMsgID := uuid.NewString()
	assistantMsgID := uuid.NewString()
	tokens := tokensUsed

	turn := storage.Turn{
		Conversation:    s.conv,
		NewConversation: s.newConv,
		UserMessage: storage.ChatMessage{
			ID:             userMsgID,
			ConversationID: s.conv.ID,
			Role:           string(providers.RoleUser),
			Content:        userText,
		},
		AssistantMsg: storage.ChatMessage{
			ID:             assistantMsgID,
			ConversationID: s.conv.ID,
			Role:           string(providers.RoleAssistant),
			Content:        assistantText,
			TokensUsed:     &tokens,
		},
	}

	// The commit key is derived from the turn's durable identifiers, so a
	// replayed commit can never double-bill.
	idemKey := s.conv.ID + ":" + assistantMsgID

	job := queue.ReconcileJob{
		UserID:             s.turn.UserID,
		ConversationID:     s.conv.ID,
		NewConversation:    s.newConv,
		Provider:           s.turn.Provider,
		Model:              s.turn.Model,
		UserMessageID:      userMsgID,
		UserText:           userText,
		AssistantMessageID: assistantMsgID,
		AssistantText:      assistantText,
		TokensUsed:         tokensUsed,
		IdempotencyKey:     idemKey,
	}

	if err := o.store.AppendTurn(ctx, turn); err != nil {
		log.Error().Err(err).Msg("persist turn failed, queueing reconciliation")
		s.releaseReservation(log)
		job.Kind = queue.KindPersistTurn
		s.enqueueReconcile(ctx, log, job)
		return
	}

	if err := o.ledger.Commit(ctx, usage.Commit{
		UserID:          s.turn.UserID,
		ConversationID:  s.conv.ID,
		Provider:        s.turn.Provider,
		Model:           s.turn.Model,
		TokensUsed:      tokensUsed,
		EstimatedTokens: s.estimated,
		IdempotencyKey:  idemKey,
	}, now); err != nil {
		log.Error().Err(err).Msg("usage commit failed, queueing reconciliation")
		s.releaseReservation(log)
		job.Kind = queue.KindCommitUsage
		s.enqueueReconcile(ctx, log, job)
	}
	s.released = true
}

func (s *StreamSession) enqueueReconcile(ctx context.Context, log zerolog.Logger, job queue.ReconcileJob) {
	if s.orch.reconciler == nil {
		log.Error().Str("kind", job.Kind).Msg("no reconciler configured, finalization work lost")
		return
	}
	if _, err := s.orch.reconciler.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Str("kind", job.Kind).Msg("failed to enqueue reconciliation job")
		return
	}
	s.orch.metrics.ReconcileQueued.Inc()
	s.released = true
}

func (s *StreamSession) releaseReservation(log zerolog.Logger) {
	if s.released || s.estimated <= 0 {
		return
	}
	s.released = true
	// Request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.orch.ledger.Release(ctx, s.turn.UserID, s.estimated, s.orch.now().UTC())
	log.Debug().Int("estimated_tokens", s.estimated).Msg("quota reservation released")
}

func (s *StreamSession) fail(sink EventSink, log zerolog.Logger, code string, err error) Result {
	s.state = StateFailed
	s.orch.metrics.StreamsFailed.Inc()
	log.Error().Err(err).Str("code", code).Msg("turn failed")
	_ = sink.Send(sse.ErrorEvent{Error: err.Error(), Code: code})
	return Result{State: StateFailed, ConversationID: s.conv.ID, Err: err}
}

// cancelled handles client disconnect and turn timeout. The transport is
// the cancellation mechanism, so there is no terminal event to send;
// nothing is persisted and no usage is committed.
func (s *StreamSession) cancelled(log zerolog.Logger, err error) Result {
	s.state = StateCancelled
	s.orch.metrics.StreamsCancelled.Inc()
	log.Info().AnErr("cause", err).Int("flushed_bytes", s.text.Len()).Msg("turn cancelled")
	return Result{State: StateCancelled, ConversationID: s.conv.ID, Err: err}
}

func classify(err error) string {
	switch {
	case providers.IsRateLimited(err):
		return CodeProviderRateLimited
	case providers.IsContentError(err):
		return CodeProviderContentError
	case errors.Is(err, providers.ErrUnavailable), errors.Is(err, providers.ErrEmptyStream):
		return CodeProviderUnavailable
	default:
		return CodeInternal
	}
}
