package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"corpuschat/internal/models"
)

const defaultConversationTitle = "New conversation"

// CreateConversation starts an empty conversation for a profile.
func (s *Store) CreateConversation(ctx context.Context, tenantID, profileID int64, title string) (*models.Conversation, error) {
	if tenantID <= 0 || profileID <= 0 {
		return nil, errors.New("tenant_id and profile_id are required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (tenant_id, profile_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		tenantID, profileID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		TenantID:  tenantID,
		ProfileID: profileID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetConversation returns sql.ErrNoRows unless the conversation is owned by the profile.
func (s *Store) GetConversation(ctx context.Context, tenantID, profileID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, profile_id, title, created_at, updated_at
		 FROM conversations WHERE id = ? AND tenant_id = ? AND profile_id = ?`,
		conversationID, tenantID, profileID,
	).Scan(&c.ID, &c.TenantID, &c.ProfileID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns a profile's conversations by last activity.
func (s *Store) ListConversations(ctx context.Context, tenantID, profileID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, profile_id, title, created_at, updated_at FROM conversations
		 WHERE tenant_id = ? AND profile_id = ? ORDER BY updated_at DESC, id DESC`,
		tenantID, profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ProfileID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// DeleteConversation removes a conversation together with its messages.
func (s *Store) DeleteConversation(ctx context.Context, tenantID, profileID, conversationID int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND tenant_id = ? AND profile_id = ?`,
		conversationID, tenantID, profileID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (s *Store) touchConversation(ctx context.Context, conversationID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, s.now(), conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
