package model

import "time"

// Conversation is a chat room as the server describes it.
type Conversation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"inserted_at"`
}

// CreateConversationRequest is the payload of a create_conversation push.
type CreateConversationRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	CreatorID    string   `json:"-"`
}

// Validate validates the create conversation request.
func (r *CreateConversationRequest) Validate() error {
	if r.Name == "" {
		return ErrNameRequired
	}
	return nil
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
