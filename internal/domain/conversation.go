package domain

import "time"

// Conversation is the persisted, append-only history of one chat.
type Conversation struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages"`
	ModelID        string        `json:"model_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ExpiresAt      time.Time     `json:"expires_at"`

	// Version is the store version the record was read at. Zero means the
	// record has never been written.
	Version int64 `json:"-"`
}
