package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boostchat/internal/models"
)

// CreateConversation inserts a conversation with its participant slots.
// Participants must contain at least two distinct identities; order is kept.
func (s *Store) CreateConversation(ctx context.Context, participants []string, contextKind, contextKey string) (*models.Conversation, error) {
	distinct := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		distinct = append(distinct, p)
	}
	if len(distinct) < 2 {
		return nil, ErrInvalidParticipants
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (status, context_kind, context_key, created_at) VALUES (?, ?, ?, ?)`,
		models.ConversationOpen, contextKind, contextKey, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	for i, p := range distinct {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, position) VALUES (?, ?, ?)`,
			id, p, i,
		); err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation: %w", err)
	}

	return &models.Conversation{
		ID:           id,
		Participants: distinct,
		Status:       models.ConversationOpen,
		ContextKind:  contextKind,
		ContextKey:   contextKey,
		CreatedAt:    now,
	}, nil
}

// GetConversation loads a conversation with its participants in slot order.
func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, context_kind, context_key, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Status, &conv.ContextKind, &conv.ContextKey, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
	}
	return &conv, rows.Err()
}

// AddParticipant appends an identity to the conversation's participant set.
// Adding an existing participant is a no-op.
func (s *Store) AddParticipant(ctx context.Context, conversationID int64, userID string) error {
	if userID == "" {
		return errors.New("user id required")
	}
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_participants WHERE conversation_id = ?`,
		conversationID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("participant position: %w", err)
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("participant lookup: %w", err)
	}
	if exists > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, position) VALUES (?, ?, ?)`,
		conversationID, userID, next,
	); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant drops an identity's slot. Used to retire placeholder
// participants once a real identity takes over.
func (s *Store) RemoveParticipant(ctx context.Context, conversationID int64, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// AppendMessage persists a message. Timestamps are server-assigned and
// clamped so created_at never decreases within a conversation; ties fall back
// to id order.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, sender, body string, attachments []string) (*models.Message, error) {
	var status models.ConversationStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM conversations WHERE id = ?`, conversationID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if status == models.ConversationClosed {
		return nil, ErrConversationClosed
	}

	// Read the latest timestamp from the declared column; sqlite does not
	// convert aggregate expressions back into time values.
	now := time.Now().UTC()
	var last time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		conversationID,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First message in the conversation.
	case err != nil:
		return nil, fmt.Errorf("last message time: %w", err)
	case now.Before(last):
		now = last
	}

	if attachments == nil {
		attachments = []string{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, body, attachments, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, sender, body, string(encoded), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	msg := &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      now,
	}
	if len(attachments) > 0 {
		msg.Attachments = attachments
	}
	return msg, nil
}

// ListMessages returns messages ordered by created_at then id ascending.
// afterID is a cursor (0 means from the beginning); limit caps the page
// (0 means no cap).
func (s *Store) ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]*models.Message, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrConversationNotFound
	}

	query := `SELECT id, conversation_id, sender, body, attachments, created_at
		FROM messages WHERE conversation_id = ? AND id > ?
		ORDER BY created_at ASC, id ASC`
	args := []any{conversationID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var encoded string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &encoded, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var attachments []string
		if err := json.Unmarshal([]byte(encoded), &attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		if len(attachments) > 0 {
			m.Attachments = attachments
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CloseConversation sets status to closed. Idempotent; closing a closed
// conversation succeeds.
func (s *Store) CloseConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ? WHERE id = ?`,
		models.ConversationClosed, id,
	)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}
