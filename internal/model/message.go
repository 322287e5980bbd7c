package model

import "time"

// Message is a single chat message in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	InsertedAt     time.Time `json:"inserted_at"`
}

// HistoryRequest is the payload of a fetch_messages push.
// Before is a message id; only messages older than it are returned.
type HistoryRequest struct {
	Limit  int     `json:"limit"`
	Before *string `json:"before"`
}

// DefaultHistoryLimit is used when a history request carries no positive limit.
const DefaultHistoryLimit = 20

// User is an account known to the chat server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"inserted_at"`
}
