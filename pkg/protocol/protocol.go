// Package protocol defines the JSON frames pushed over live sockets.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// MaxFrameSize is the largest frame Encode produces (64KB).
const MaxFrameSize = 65536

// NotificationType names a notification frame. Category notifications reuse
// the category name.
type NotificationType string

const (
	NotifyConversationAdded   NotificationType = "addedToConversation"
	NotifyConversationMessage NotificationType = "conversationMessage"
	NotifyAnnouncement        NotificationType = NotificationType(model.NotifyAnnouncement)
	NotifyMention             NotificationType = NotificationType(model.NotifyMention)
	NotifyAlertWord           NotificationType = NotificationType(model.NotifyAlertWord)
	NotifyModeration          NotificationType = NotificationType(model.NotifyModeration)
)

// Notification is the account-wide socket frame: {type, info, contentID}.
type Notification struct {
	Type      NotificationType `json:"type"`
	Info      string           `json:"info"`
	ContentID string           `json:"contentID"`
}

// NotificationFor maps a ledger category to its socket frame.
func NotificationFor(category model.NotificationCategory, contentID, info string) Notification {
	t := NotificationType(category)
	if category == model.NotifyConversationMsg {
		t = NotifyConversationMessage
	}
	return Notification{Type: t, Info: info, ContentID: contentID}
}

// ConversationEventKind names a conversation socket frame.
type ConversationEventKind string

const (
	EventMessage ConversationEventKind = "message"
	EventDeleted ConversationEventKind = "deleted"
	EventJoined  ConversationEventKind = "joined"
)

// MessageData is a posted message as seen by conversation sockets.
type MessageData struct {
	ID        int64     `json:"id"`
	SenderID  uuid.UUID `json:"senderID"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessageData builds the frame payload for a stored message.
func NewMessageData(m *model.Message, author string) *MessageData {
	return &MessageData{ID: m.ID, SenderID: m.SenderID, Author: author, Body: m.Body, CreatedAt: m.CreatedAt}
}

// ConversationEvent is the conversation-scoped socket frame.
type ConversationEvent struct {
	Kind           ConversationEventKind `json:"kind"`
	ConversationID uuid.UUID             `json:"conversationID"`
	Message        *MessageData          `json:"message,omitempty"`
	MessageID      int64                 `json:"messageID,omitempty"`
	UserID         *uuid.UUID            `json:"userID,omitempty"`
}

// Encode serializes a frame once for fan-out.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", len(data))
	}
	return data, nil
}

// Decode parses a frame produced by Encode.
func Decode(data []byte, v any) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d bytes", len(data))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return nil
}
