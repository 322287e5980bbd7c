package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/chatclient/internal/model"
)

// MessageRepository provides data access for messages and read receipts.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create appends a message to a conversation.
func (r *MessageRepository) Create(ctx context.Context, conversationID, userID, content string) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		InsertedAt:     time.Now().UTC(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to allocate message sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, seq, conversation_id, user_id, content, inserted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, seq, msg.ConversationID, msg.UserID, msg.Content, msg.InsertedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// List returns up to limit messages of a conversation in chronological
// order. With before set, only messages older than that message are
// considered; otherwise the latest ones are returned.
func (r *MessageRepository) List(ctx context.Context, conversationID string, limit int, before *string) ([]*model.Message, error) {
	if limit <= 0 {
		limit = model.DefaultHistoryLimit
	}

	upper := int64(-1)
	if before != nil {
		err := r.db.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE id = ? AND conversation_id = ?`, *before, conversationID,
		).Scan(&upper)
		if err == sql.ErrNoRows {
			return nil, model.ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cursor: %w", err)
		}
	}

	query := `
		SELECT id, conversation_id, user_id, content, inserted_at
		FROM (
			SELECT id, seq, conversation_id, user_id, content, inserted_at
			FROM messages
			WHERE conversation_id = ? AND (? < 0 OR seq < ?)
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, upper, upper, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*model.Message{}
	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Content, &msg.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// MarkRead records that userID read the given messages of a conversation.
// Unknown ids and messages already read are skipped. It returns how many
// receipts were added.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	marked := 0
	for _, id := range messageIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
			SELECT id, ?, ? FROM messages WHERE id = ? AND conversation_id = ?
		`, userID, now, id, conversationID)
		if err != nil {
			return 0, fmt.Errorf("failed to mark message read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count read receipts: %w", err)
		}
		marked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit read receipts: %w", err)
	}
	return marked, nil
}

// ReadBy returns the ids of users who read messageID.
func (r *MessageRepository) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY user_id`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list read receipts: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan read receipt: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
