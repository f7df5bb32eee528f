package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) CreateConversation(ctx context.Context, c Conversation) error {
	q := s.sql.Insert("conversations").
		Columns("id", "user_id", "title", "provider", "model").
		Values(c.ID, c.UserID, c.Title, c.Provider, c.Model).
		Suffix("ON CONFLICT(id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation only if it belongs to userID.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "provider", "model", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.UserID, &c.Title, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "provider", "model", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// AppendMessage writes one message row. Message IDs are minted by the
// caller, so replays are no-ops.
func (s *Store) AppendMessage(ctx context.Context, m ChatMessage) error {
	sqlStr, args, err := s.insertMessageQuery(m).ToSql()
	if err != nil {
		return fmt.Errorf("build append message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// insertMessageQuery appends a message at the next position in its
// conversation. created_at has only second resolution, so ordering rides
// on the monotonic seq column; within a transaction the subquery sees the
// rows inserted before it.
func (s *Store) insertMessageQuery(m ChatMessage) sq.InsertBuilder {
	return s.sql.Insert("messages").
		Columns("id", "conversation_id", "seq", "role", "content", "tokens_used").
		Values(m.ID, m.ConversationID,
			sq.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?)", m.ConversationID),
			m.Role, m.Content, m.TokensUsed).
		Suffix("ON CONFLICT(id) DO NOTHING")
}

// AppendTurn persists a completed turn in one transaction: the
// conversation row when the turn created it, then the user and assistant
// messages. A conversation and its first message pair become visible
// atomically. Every statement is idempotent under replay.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.NewConversation {
		q := s.sql.Insert("conversations").
			Columns("id", "user_id", "title", "provider", "model").
			Values(t.Conversation.ID, t.Conversation.UserID, t.Conversation.Title, t.Conversation.Provider, t.Conversation.Model).
			Suffix("ON CONFLICT(id) DO NOTHING")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build turn conversation query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert turn conversation: %w", err)
		}
	}

	for _, m := range []ChatMessage{t.UserMessage, t.AssistantMsg} {
		sqlStr, args, err := s.insertMessageQuery(m).ToSql()
		if err != nil {
			return fmt.Errorf("build turn message query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert turn message: %w", err)
		}
	}

	touch := s.sql.Update("conversations").
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": t.Conversation.ID})
	sqlStr, args, err := touch.ToSql()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn tx: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "tokens_used", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		var tokens sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if tokens.Valid {
			v := int(tokens.Int64)
			m.TokensUsed = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// InsertUsageRecord appends one usage row. The unique idempotency key makes
// retried commits no-ops; inserted reports whether this call created the
// row.
func (s *Store) InsertUsageRecord(ctx context.Context, r UsageRecord) (inserted bool, err error) {
	q := s.sql.Insert("usage_records").
		Columns("user_id", "conversation_id", "provider", "model", "tokens_used", "cost_usd", "idempotency_key").
		Values(r.UserID, r.ConversationID, r.Provider, r.Model, r.TokensUsed, r.CostUSD, r.IdempotencyKey).
		Suffix("ON CONFLICT(idempotency_key) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build usage insert query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert usage record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// SumUsageSince totals the tokens a user consumed since the given instant,
// typically the start of the billing month.
func (s *Store) SumUsageSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	q := s.sql.Select("COALESCE(SUM(tokens_used), 0)").
		From("usage_records").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build usage sum query: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// GetUserTier returns the user's subscription tier, defaulting to "free"
// when no profile row exists.
func (s *Store) GetUserTier(ctx context.Context, userID string) (string, error) {
	q := s.sql.Select("tier").From("user_profiles").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build user tier query: %w", err)
	}

	var tier string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&tier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "free", nil
		}
		return "", fmt.Errorf("get user tier: %w", err)
	}
	return tier, nil
}
