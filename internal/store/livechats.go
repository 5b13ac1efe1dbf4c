package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"boostchat/internal/models"
)

// CreateLiveChat inserts a live chat in the waiting state, pointing at an
// already-created backing conversation.
func (s *Store) CreateLiveChat(ctx context.Context, requester, subject string, conversationID int64) (*models.LiveChat, error) {
	if requester == "" {
		return nil, errors.New("requester is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO live_chats (requester, subject, conversation_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		requester, subject, conversationID, models.LiveChatWaiting, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create live chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("live chat id: %w", err)
	}
	return &models.LiveChat{
		ID:             id,
		Requester:      requester,
		Subject:        subject,
		ConversationID: conversationID,
		Status:         models.LiveChatWaiting,
		CreatedAt:      now,
	}, nil
}

// GetLiveChat loads one live chat.
func (s *Store) GetLiveChat(ctx context.Context, id int64) (*models.LiveChat, error) {
	chat, err := scanLiveChat(s.db.QueryRowContext(ctx,
		`SELECT id, requester, subject, assigned_agent, conversation_id, status, created_at, closed_at
		FROM live_chats WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLiveChatNotFound
		}
		return nil, fmt.Errorf("get live chat: %w", err)
	}
	return chat, nil
}

// AssignLiveChat claims a waiting chat for the agent. The check-and-set is a
// single UPDATE guarded on status, so concurrent claimants race on the
// database row and exactly one wins; the loser sees ErrAlreadyAssigned.
func (s *Store) AssignLiveChat(ctx context.Context, id int64, agentID string) (*models.LiveChat, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE live_chats SET assigned_agent = ?, status = ? WHERE id = ? AND status = ?`,
		agentID, models.LiveChatInProgress, id, models.LiveChatWaiting,
	)
	if err != nil {
		return nil, fmt.Errorf("assign live chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("assign rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetLiveChat(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyAssigned
	}
	return s.GetLiveChat(ctx, id)
}

// CloseLiveChat marks the chat closed. Idempotent for already-closed chats.
func (s *Store) CloseLiveChat(ctx context.Context, id int64) (*models.LiveChat, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE live_chats SET status = ?, closed_at = ? WHERE id = ? AND status != ?`,
		models.LiveChatClosed, now, id, models.LiveChatClosed,
	); err != nil {
		return nil, fmt.Errorf("close live chat: %w", err)
	}
	return s.GetLiveChat(ctx, id)
}

// ListLiveChats returns every live chat, newest first. Agent queue view.
func (s *Store) ListLiveChats(ctx context.Context) ([]*models.LiveChat, error) {
	return s.queryLiveChats(ctx,
		`SELECT id, requester, subject, assigned_agent, conversation_id, status, created_at, closed_at
		FROM live_chats ORDER BY created_at DESC, id DESC`)
}

// ListLiveChatsByRequester returns the requester's own chats, newest first.
func (s *Store) ListLiveChatsByRequester(ctx context.Context, requester string) ([]*models.LiveChat, error) {
	return s.queryLiveChats(ctx,
		`SELECT id, requester, subject, assigned_agent, conversation_id, status, created_at, closed_at
		FROM live_chats WHERE requester = ? ORDER BY created_at DESC, id DESC`, requester)
}

// ListWaitingLiveChats returns the unclaimed queue, oldest first.
func (s *Store) ListWaitingLiveChats(ctx context.Context) ([]*models.LiveChat, error) {
	return s.queryLiveChats(ctx,
		`SELECT id, requester, subject, assigned_agent, conversation_id, status, created_at, closed_at
		FROM live_chats WHERE status = ? ORDER BY created_at ASC, id ASC`, string(models.LiveChatWaiting))
}

func (s *Store) queryLiveChats(ctx context.Context, query string, args ...any) ([]*models.LiveChat, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list live chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.LiveChat
	for rows.Next() {
		chat, err := scanLiveChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan live chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiveChat(row rowScanner) (*models.LiveChat, error) {
	var chat models.LiveChat
	var agent sql.NullString
	var closedAt sql.NullTime
	if err := row.Scan(&chat.ID, &chat.Requester, &chat.Subject, &agent,
		&chat.ConversationID, &chat.Status, &chat.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	if agent.Valid {
		chat.AssignedAgent = agent.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		chat.ClosedAt = &t
	}
	return &chat, nil
}
