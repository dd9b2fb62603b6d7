package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// ---- Conversations ----

// CreateConversation inserts a conversation and its members. The owner is
// always a member. Call it inside Tx when atomicity matters.
func (s *baseProvider) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if !conv.HasMember(conv.OwnerID) {
		conv.MemberIDs = append([]uuid.UUID{conv.OwnerID}, conv.MemberIDs...)
	}
	if err := conv.Validate(); err != nil {
		return fmt.Errorf("datastore: create conversation: %w", err)
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := s.ExecContext(ctx,
		"INSERT INTO conversations (id, title, owner_id, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.Title, conv.OwnerID, formatDBTime(now)); err != nil {
		return fmt.Errorf("datastore: create conversation: %w", err)
	}
	conv.CreatedAt = now
	return s.AddConversationMembers(ctx, conv.ID, conv.MemberIDs)
}

// AddConversationMembers adds users to a conversation. Existing members are ignored.
func (s *baseProvider) AddConversationMembers(ctx context.Context, id uuid.UUID, userIDs []uuid.UUID) error {
	for _, uid := range userIDs {
		if _, err := s.ExecContext(ctx,
			"INSERT OR IGNORE INTO conversation_members (conversation_id, user_id) VALUES (?, ?)", id, uid); err != nil {
			return fmt.Errorf("datastore: add conversation member: %w", err)
		}
	}
	return nil
}

// GetConversation retrieves a conversation with its member ids. Returns (nil, nil) if not found.
func (s *baseProvider) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var createdAt string
	err := s.QueryRowContext(ctx, "SELECT id, title, owner_id, created_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.Title, &conv.OwnerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get conversation: %w", err)
	}
	if conv.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: get conversation: %w", err)
	}
	conv.MemberIDs, err = s.queryIDs(ctx, "list conversation members",
		"SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY joined_at, user_id", id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationIDsFor returns every conversation userID participates in.
func (s *baseProvider) ListConversationIDsFor(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.queryIDs(ctx, "list conversations",
		"SELECT conversation_id FROM conversation_members WHERE user_id = ? ORDER BY joined_at, conversation_id", userID)
}

// ---- Messages ----

func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, sender_id, body, created_at) VALUES (?, ?, ?, ?)",
		message.ConversationID, message.SenderID, message.Body, formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = now

	return nil
}

// GetMessage retrieves a message by id. Returns (nil, nil) if not found.
func (s *baseProvider) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	var createdAt string
	err := s.QueryRowContext(ctx, "SELECT id, conversation_id, sender_id, body, created_at FROM messages WHERE id = ?", id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get message: %w", err)
	}
	if m.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, fmt.Errorf("datastore: get message: %w", err)
	}
	return &m, nil
}

func (s *baseProvider) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, body, created_at
		FROM messages
		WHERE (? IS NULL OR conversation_id = ?)
		AND (? IS NULL OR sender_id = ?)
		ORDER BY id DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`

	var conv, sender uuid.NullUUID
	if filters.ConversationID != nil {
		conv = uuid.NullUUID{UUID: *filters.ConversationID, Valid: true}
	}
	if filters.SenderID != nil {
		sender = uuid.NullUUID{UUID: *filters.SenderID, Valid: true}
	}

	rows, err := s.QueryContext(ctx, query,
		conv, conv,
		sender, sender,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *baseProvider) DeleteMessage(ctx context.Context, messageID int64) error {
	res, err := s.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("datastore: delete message: %w", err)
	}
	return requireAffected(res, "delete message")
}
