package storage

import "time"

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Provider  string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage rows are immutable once written; streaming accumulates text
// in memory and only the frozen final content reaches this table.
type ChatMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	TokensUsed     *int
	CreatedAt      time.Time
}

type UsageRecord struct {
	ID             int64
	UserID         string
	ConversationID string
	Provider       string
	Model          string
	TokensUsed     int
	CostUSD        float64
	IdempotencyKey string
	CreatedAt      time.Time
}

// Turn is the atomic unit written when a stream finalizes: the user
// message, the completed assistant message, and the conversation row
// itself when the turn created it.
type Turn struct {
	Conversation    Conversation
	NewConversation bool
	UserMessage     ChatMessage
	AssistantMsg    ChatMessage
}
