// Package notify turns application events into counter updates and live
// socket pushes.
//
// Counter writes made as a side effect of another action are logged and
// dropped on failure; the action itself has already succeeded. Reads used to
// answer a client propagate their errors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/ledger"
	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/protocol"
	"github.com/NicolasHaas/seawire/pkg/registry"
)

// Dependencies wires the hub to the core services.
type Dependencies struct {
	Ledger              *ledger.Ledger
	UserSockets         *registry.Registry[uuid.UUID]
	ConversationSockets *registry.Registry[uuid.UUID]
	Cache               *identity.Cache
	Logger              *slog.Logger
}

// Hub combines ledger mutations with registry broadcasts.
type Hub struct {
	ledger *ledger.Ledger
	users  *registry.Registry[uuid.UUID]
	convs  *registry.Registry[uuid.UUID]
	cache  *identity.Cache
	logger *slog.Logger
}

func New(deps Dependencies) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ledger: deps.Ledger,
		users:  deps.UserSockets,
		convs:  deps.ConversationSockets,
		cache:  deps.Cache,
		logger: logger,
	}
}

func (h *Hub) sideEffect(op string, err error, attrs ...any) {
	if err != nil {
		h.logger.Warn("counter update failed", append([]any{"op", op, "err", err}, attrs...)...)
	}
}

// hidesContentFrom builds a filter that skips sockets whose owner blocks or
// mutes sender, or has a mute word matching body.
func (h *Hub) hidesContentFrom(sender uuid.UUID, body string) registry.Filter {
	return func(c *registry.Connection) bool {
		owner := h.cache.LookupByID(c.UserID)
		if owner == nil {
			return true
		}
		if owner.Excludes(sender) {
			return false
		}
		return c.UserID == sender || !owner.MatchesMuteWord(body)
	}
}

func (h *Hub) push(keys []uuid.UUID, v any, filter registry.Filter, reg *registry.Registry[uuid.UUID]) {
	if len(keys) == 0 {
		return
	}
	frame, err := protocol.Encode(v)
	if err != nil {
		h.logger.Error("encode frame", "err", err)
		return
	}
	if filter == nil {
		reg.Broadcast(keys, frame)
		return
	}
	reg.BroadcastFunc(keys, frame, filter)
}

// Notify records one produced notification per recipient and pushes the
// frame to their account sockets.
func (h *Hub) Notify(ctx context.Context, recipients []uuid.UUID, category model.NotificationCategory, contentID, info string) {
	h.sideEffect("record produced", h.ledger.RecordProducedFor(ctx, recipients, category), "category", category)
	h.push(recipients, protocol.NotificationFor(category, contentID, info), nil, h.users)
}

// AddedToConversation flags conv as unviewed for each added user and tells
// their sockets.
func (h *Hub) AddedToConversation(ctx context.Context, conv *model.Conversation, added []uuid.UUID) {
	for _, id := range added {
		h.sideEffect("mark added", h.ledger.MarkConversationAdded(ctx, id, conv.ID), "user", id, "conversation", conv.ID)
	}
	h.push(added, protocol.Notification{
		Type:      protocol.NotifyConversationAdded,
		Info:      conv.Title,
		ContentID: conv.ID.String(),
	}, nil, h.users)
	for _, id := range added {
		uid := id
		h.push([]uuid.UUID{conv.ID}, protocol.ConversationEvent{
			Kind:           protocol.EventJoined,
			ConversationID: conv.ID,
			UserID:         &uid,
		}, nil, h.convs)
	}
}

// ConversationPosted updates unread counters for a new message and pushes it.
// The sender's own counter is cleared; every other member gains one unread.
func (h *Hub) ConversationPosted(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	sender := msg.SenderID
	others := conv.OtherMembers(sender)

	h.sideEffect("mark read", h.ledger.MarkConversationRead(ctx, sender, conv.ID), "user", sender)
	for _, id := range others {
		h.sideEffect("increment unread", h.ledger.IncrementConversationUnread(ctx, id, conv.ID, 1),
			"user", id, "conversation", conv.ID)
	}
	h.sideEffect("record produced", h.ledger.RecordProducedFor(ctx, others, model.NotifyConversationMsg))

	var author string
	if rec := h.cache.LookupByID(sender); rec != nil {
		author = rec.Username()
	}
	filter := h.hidesContentFrom(sender, msg.Body)
	h.push([]uuid.UUID{conv.ID}, protocol.ConversationEvent{
		Kind:           protocol.EventMessage,
		ConversationID: conv.ID,
		Message:        protocol.NewMessageData(msg, author),
	}, filter, h.convs)
	h.push(others, protocol.Notification{
		Type:      protocol.NotifyConversationMessage,
		Info:      fmt.Sprintf("%s posted in %s", author, conv.Title),
		ContentID: conv.ID.String(),
	}, filter, h.users)

	if mentioned := h.mentions(conv, msg); len(mentioned) > 0 {
		h.Notify(ctx, mentioned, model.NotifyMention, strconv.FormatInt(msg.ID, 10), "@"+author)
	}
	if alerted := h.alertWordMatches(conv, msg); len(alerted) > 0 {
		h.Notify(ctx, alerted, model.NotifyAlertWord, strconv.FormatInt(msg.ID, 10), conv.Title)
	}
}

// alertWordMatches returns the other members with an alert word in the
// message body. Members hiding the message for any reason are skipped.
func (h *Hub) alertWordMatches(conv *model.Conversation, msg *model.Message) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range conv.OtherMembers(msg.SenderID) {
		rec := h.cache.LookupByID(id)
		if rec == nil || rec.Excludes(msg.SenderID) || rec.MatchesMuteWord(msg.Body) {
			continue
		}
		if rec.MatchesAlertWord(msg.Body) {
			out = append(out, id)
		}
	}
	return out
}

// mentions returns the members other than the sender named as @username in
// the message body, excluding anyone who hides the sender.
func (h *Hub) mentions(conv *model.Conversation, msg *model.Message) []uuid.UUID {
	if !strings.Contains(msg.Body, "@") {
		return nil
	}
	named := make(map[string]struct{})
	for _, word := range strings.Fields(msg.Body) {
		if name, ok := strings.CutPrefix(word, "@"); ok {
			name = strings.TrimRight(name, ".,:;!?")
			named[strings.ToLower(name)] = struct{}{}
		}
	}
	var out []uuid.UUID
	for _, id := range conv.OtherMembers(msg.SenderID) {
		rec := h.cache.LookupByID(id)
		if rec == nil || rec.Excludes(msg.SenderID) {
			continue
		}
		if _, ok := named[strings.ToLower(rec.Username())]; ok {
			out = append(out, id)
		}
	}
	return out
}

// MessageDeleted takes one unread away from every other member still holding
// unread messages and tells the conversation sockets.
func (h *Hub) MessageDeleted(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	for _, id := range conv.OtherMembers(msg.SenderID) {
		h.sideEffect("retract unread", h.ledger.RetractConversationUnread(ctx, id, conv.ID),
			"user", id, "conversation", conv.ID)
	}
	h.push([]uuid.UUID{conv.ID}, protocol.ConversationEvent{
		Kind:           protocol.EventDeleted,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	}, nil, h.convs)
}

// ConversationViewed marks conv fully read for userID.
func (h *Hub) ConversationViewed(ctx context.Context, userID, conversationID uuid.UUID) error {
	return h.ledger.MarkConversationRead(ctx, userID, conversationID)
}

// CategoryViewed marks every notification of category as seen.
func (h *Hub) CategoryViewed(ctx context.Context, userID uuid.UUID, category model.NotificationCategory) error {
	return h.ledger.RecordSeen(ctx, userID, category)
}

// Summary is the unread state returned to clients.
type Summary struct {
	Unread        map[model.NotificationCategory]int64 `json:"unread"`
	Conversations ledger.ConversationSummary           `json:"conversations"`
}

// Summary reads a user's unread state.
func (h *Hub) Summary(ctx context.Context, userID uuid.UUID) (Summary, error) {
	counts, err := h.ledger.UnreadCounts(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	convs, err := h.ledger.UnreadConversationSummary(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Unread: counts, Conversations: convs}, nil
}

// Logout closes every live socket of userID in both registries. Each close is
// attempted independently.
func (h *Hub) Logout(userID uuid.UUID) (int, error) {
	n1, err1 := h.users.CloseAllFor(userID)
	n2, err2 := h.convs.CloseAllFor(userID)
	err := errors.Join(err1, err2)
	if err != nil {
		h.logger.Warn("logout close errors", "user", userID, "err", err)
	}
	return n1 + n2, err
}
