package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *StreamQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewStreamQueue(rdb, "test:reconcile", "workers", "w1", 10*time.Millisecond)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q
}

func TestEnqueueReadAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := ReconcileJob{
		Kind:               KindPersistTurn,
		UserID:             "u1",
		ConversationID:     "conv-1",
		NewConversation:    true,
		Provider:           "claude",
		Model:              "m",
		UserMessageID:      "um-1",
		UserText:           "hi",
		AssistantMessageID: "am-1",
		AssistantText:      "Hello there",
		TokensUsed:         42,
		IdempotencyKey:     "conv-1:am-1",
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.Kind != KindPersistTurn || got.AssistantText != "Hello there" || got.TokensUsed != 42 {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.JobID == "" || got.EnqueuedAt.IsZero() {
		t.Fatalf("expected job id and timestamp filled on enqueue, got %+v", got)
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msgs, err = q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty stream after ack, got %d", len(msgs))
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("second ensure group: %v", err)
	}
}

func TestReadSkipsMalformedPayloads(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": "not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if _, err := q.Enqueue(ctx, ReconcileJob{Kind: KindCommitUsage, UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.Kind != KindCommitUsage {
		t.Fatalf("expected only the valid job, got %+v", msgs)
	}
}
