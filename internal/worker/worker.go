// Package worker drains the reconciliation queue: finalization steps that
// failed after a stream already completed are replayed here until the
// transcript and the usage record are both durable.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aichatd/internal/metrics"
	"aichatd/internal/queue"
	"aichatd/internal/storage"
	"aichatd/internal/usage"
)

type Worker struct {
	store         *storage.Store
	ledger        *usage.Ledger
	queue         *queue.StreamQueue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Ledger        *usage.Ledger
	Queue         *queue.StreamQueue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ReconcileDone.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.ReconcileFailed.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("reconcile job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
				}
				continue
			}

			// Out of retries. The job payload is logged in full so the
			// turn can still be reconciled by hand.
			log.Error().
				Str("job_id", msg.Job.JobID).
				Str("kind", msg.Job.Kind).
				Str("user_id", msg.Job.UserID).
				Str("conversation_id", msg.Job.ConversationID).
				Int("tokens_used", msg.Job.TokensUsed).
				Msg("reconcile job exhausted retries")
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
			}
		}
	}
}

// processJob replays the finalization of one turn. Both steps are
// idempotent: message rows insert on fixed IDs and the usage commit keys
// on the turn's idempotency key, so a job observed twice converges on the
// same state.
func (w *Worker) processJob(ctx context.Context, job queue.ReconcileJob) error {
	if job.Kind == queue.KindPersistTurn {
		tokens := job.TokensUsed
		turn := storage.Turn{
			Conversation: storage.Conversation{
				ID:       job.ConversationID,
				UserID:   job.UserID,
				Title:    "New Conversation",
				Provider: job.Provider,
				Model:    job.Model,
			},
			NewConversation: job.NewConversation,
			UserMessage: storage.ChatMessage{
				ID:             job.UserMessageID,
				ConversationID: job.ConversationID,
				Role:           "user",
				Content:        job.UserText,
			},
			AssistantMsg: storage.ChatMessage{
				ID:             job.AssistantMessageID,
				ConversationID: job.ConversationID,
				Role:           "assistant",
				Content:        job.AssistantText,
				TokensUsed:     &tokens,
			},
		}
		if err := w.store.AppendTurn(ctx, turn); err != nil {
			return fmt.Errorf("replay persist turn: %w", err)
		}
	}

	err := w.ledger.Commit(ctx, usage.Commit{
		UserID:         job.UserID,
		ConversationID: job.ConversationID,
		Provider:       job.Provider,
		Model:          job.Model,
		TokensUsed:     job.TokensUsed,
		IdempotencyKey: job.IdempotencyKey,
	}, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replay usage commit: %w", err)
	}
	return nil
}
