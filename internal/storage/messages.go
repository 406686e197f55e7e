package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"corpuschat/internal/models"
)

const messageColumns = `m.id, m.tenant_id, m.conversation_id, m.role, m.kind, m.content, m.sources,
	m.model, m.retrieval_mode, m.rerank, m.prioritize_recent, m.created_at`

// CreateMessage appends a row to a conversation. Sources are kept only for
// assistant messages.
func (s *Store) CreateMessage(ctx context.Context, tenantID, conversationID int64, msg models.NewMessage) (*models.Message, error) {
	return s.insertMessage(ctx, tenantID, conversationID, msg, nil)
}

// CreateGroundingMessage inserts the conversation's grounding system message.
// When one already exists the existing row is returned with created=false.
func (s *Store) CreateGroundingMessage(ctx context.Context, tenantID, conversationID int64, content string) (*models.Message, bool, error) {
	msg := models.NewMessage{
		Role:    models.RoleSystem,
		Kind:    models.KindGrounding,
		Content: &content,
	}
	created, err := s.insertMessage(ctx, tenantID, conversationID, msg, &conversationID)
	if err == nil {
		return created, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	existing, err := s.groundingMessage(ctx, tenantID, conversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) insertMessage(ctx context.Context, tenantID, conversationID int64, msg models.NewMessage, grounding *int64) (*models.Message, error) {
	if tenantID <= 0 || conversationID <= 0 {
		return nil, errors.New("tenant_id and conversation_id are required")
	}
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}
	sources := msg.Sources
	if msg.Role != models.RoleAssistant || sources == nil {
		sources = []models.Source{}
	}
	rawSources, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	var content sql.NullString
	if msg.Content != nil {
		content = sql.NullString{String: *msg.Content, Valid: true}
	}
	var groundingCol sql.NullInt64
	if grounding != nil {
		groundingCol = sql.NullInt64{Int64: *grounding, Valid: true}
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (tenant_id, conversation_id, role, kind, content, sources, model,
			retrieval_mode, rerank, prioritize_recent, grounding_conversation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID, conversationID, string(msg.Role), string(msg.Kind), content, string(rawSources), msg.Model,
		string(msg.Flags.Mode), msg.Flags.Rerank, msg.Flags.PrioritizeRecent, groundingCol, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if err := s.touchConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	out := &models.Message{
		ID:             id,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Role:           msg.Role,
		Kind:           msg.Kind,
		Sources:        sources,
		Model:          msg.Model,
		Flags:          msg.Flags,
		CreatedAt:      now,
	}
	if msg.Content != nil {
		text := *msg.Content
		out.Content = &text
	}
	return out, nil
}

// UpdateMessageContent fills in a finished assistant message. It returns
// sql.ErrNoRows when the message is not an assistant message of a
// conversation owned by the profile.
func (s *Store) UpdateMessageContent(ctx context.Context, tenantID, profileID, conversationID, messageID int64, content, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, model = ?
		 WHERE id = ? AND tenant_id = ? AND conversation_id = ? AND role = ?
		   AND conversation_id IN (SELECT id FROM conversations WHERE id = ? AND tenant_id = ? AND profile_id = ?)`,
		content, model,
		messageID, tenantID, conversationID, string(models.RoleAssistant),
		conversationID, tenantID, profileID,
	)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		// MySQL reports zero affected rows when the values are unchanged.
		msg, err := s.GetMessage(ctx, tenantID, profileID, conversationID, messageID)
		if err != nil {
			return err
		}
		if msg.Role != models.RoleAssistant {
			return sql.ErrNoRows
		}
	}
	return nil
}

// ListMessages returns the conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, tenantID, profileID, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.conversation_id = ? AND m.tenant_id = ? AND c.tenant_id = ? AND c.profile_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		conversationID, tenantID, tenantID, profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessage returns one message of a conversation owned by the profile.
func (s *Store) GetMessage(ctx context.Context, tenantID, profileID, conversationID, messageID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.id = ? AND m.conversation_id = ? AND m.tenant_id = ? AND c.tenant_id = ? AND c.profile_id = ?`,
		messageID, conversationID, tenantID, tenantID, profileID,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	return m, nil
}

// HasMessages reports whether the conversation has any message yet.
func (s *Store) HasMessages(ctx context.Context, tenantID, conversationID int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE conversation_id = ? AND tenant_id = ?)`,
		conversationID, tenantID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check messages: %w", err)
	}
	return exists, nil
}

// CountStalePlaceholders counts assistant messages created before cutoff
// that never received content.
func (s *Store) CountStalePlaceholders(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE role = ? AND content IS NULL AND created_at < ?`,
		string(models.RoleAssistant), cutoff.UTC(),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale placeholders: %w", err)
	}
	return n, nil
}

func (s *Store) groundingMessage(ctx context.Context, tenantID, conversationID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.grounding_conversation_id = ? AND m.tenant_id = ?`,
		conversationID, tenantID,
	)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m          models.Message
		role, kind string
		mode       string
		content    sql.NullString
		rawSources string
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &role, &kind, &content, &rawSources,
		&m.Model, &mode, &m.Flags.Rerank, &m.Flags.PrioritizeRecent, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Role = models.Role(role)
	m.Kind = models.MessageKind(kind)
	m.Flags.Mode = models.RetrievalMode(mode)
	if content.Valid {
		text := content.String
		m.Content = &text
	}
	m.Sources = []models.Source{}
	if rawSources != "" {
		if err := json.Unmarshal([]byte(rawSources), &m.Sources); err != nil {
			return nil, fmt.Errorf("decode sources of message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}
