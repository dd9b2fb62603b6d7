package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxConversationTitleLength = 64
	MaxConversationMembers     = 256
)

var ErrConversationTitleEmpty = errors.New("conversation title must not be empty")
var ErrConversationTitleTooLong = errors.New("conversation title too long")
var ErrConversationTooManyMembers = errors.New("conversation has too many members")

// Conversation is a private multi-user chat.
type Conversation struct {
	ID        uuid.UUID   `json:"id"`
	Title     string      `json:"title"`
	OwnerID   uuid.UUID   `json:"owner_id"`
	MemberIDs []uuid.UUID `json:"member_ids"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate checks the title and member count.
func (c *Conversation) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return ErrConversationTitleEmpty
	} else if utf8.RuneCountInString(c.Title) > MaxConversationTitleLength {
		return ErrConversationTitleTooLong
	}
	if len(c.MemberIDs) > MaxConversationMembers {
		return ErrConversationTooManyMembers
	}
	return nil
}

// HasMember reports whether id participates in the conversation.
func (c *Conversation) HasMember(id uuid.UUID) bool {
	for _, m := range c.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// OtherMembers returns every member except id.
func (c *Conversation) OtherMembers(id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.MemberIDs))
	for _, m := range c.MemberIDs {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}
