package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/chatclient/internal/model"
)

// ConversationRepository provides data access for conversations and their participants.
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts a conversation. The creator is always the first participant
// and duplicate participants are dropped.
func (r *ConversationRepository) Create(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	conv := &model.Conversation{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Participants: uniqueParticipants(req.CreatorID, req.Participants),
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, name, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Name, conv.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	for i, userID := range conv.Participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, position) VALUES (?, ?, ?)`,
			conv.ID, userID, i,
		); err != nil {
			return nil, fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return conv, nil
}

// GetByID retrieves a conversation with its participants.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Name, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	if conv.Participants, err = r.participants(ctx, id); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListByUser retrieves the conversations userID takes part in, oldest first.
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]*model.Conversation, error) {
	query := `
		SELECT c.id, c.name, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at ASC, c.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		conv := &model.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.Name, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	rows.Close()

	for _, conv := range convs {
		if conv.Participants, err = r.participants(ctx, conv.ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (r *ConversationRepository) participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY position`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	participants := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}

func uniqueParticipants(creatorID string, participants []string) []string {
	seen := make(map[string]bool, len(participants)+1)
	out := make([]string, 0, len(participants)+1)
	for _, id := range append([]string{creatorID}, participants...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
