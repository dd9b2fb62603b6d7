package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/protocol"
	"github.com/NicolasHaas/seawire/pkg/rbac"
)

var errBlockedMember = errors.New("cannot add a blocked user")

type conversationView struct {
	*model.Conversation
	State  string `json:"state"`
	Unread int64  `json:"unread"`
}

type createConversationRequest struct {
	Title   string      `json:"title" binding:"required"`
	Members []uuid.UUID `json:"members"`
}

type membersRequest struct {
	Members []uuid.UUID `json:"members" binding:"required"`
}

type postRequest struct {
	Text string `json:"text" binding:"required"`
}

// checkInvitees verifies every id names a user that does not block, and is
// not blocked by, the inviter.
func (s *Server) checkInvitees(inviter *identity.Record, ids []uuid.UUID) error {
	for _, id := range ids {
		rec := s.cache.LookupByID(id)
		if rec == nil {
			return fmt.Errorf("%w: user %s", errNotFound, id)
		}
		if inviter.IsBlocked(id) {
			return fmt.Errorf("%w: %s", errBlockedMember, id)
		}
	}
	return nil
}

// loadConversation resolves :id to a conversation the caller belongs to.
// Non-members get the same 404 as a missing conversation.
func (s *Server) loadConversation(c *gin.Context) (*model.Conversation, bool) {
	id, ok := s.pathID(c)
	if !ok {
		return nil, false
	}
	conv, err := s.store.NonTx().GetConversation(c.Request.Context(), id)
	if err != nil {
		s.failErr(c, err)
		return nil, false
	}
	if conv == nil || !conv.HasMember(caller(c).ID()) {
		s.fail(c, http.StatusNotFound, errNotFound)
		return nil, false
	}
	return conv, true
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	rec := caller(c)
	if !s.requireContentCreator(c, rec) {
		return
	}
	var req createConversationRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.checkInvitees(rec, req.Members); err != nil {
		s.failErr(c, err)
		return
	}

	ctx := c.Request.Context()
	conv := &model.Conversation{Title: req.Title, OwnerID: rec.ID(), MemberIDs: req.Members}
	if err := s.createConversation(ctx, conv); err != nil {
		s.failErr(c, err)
		return
	}
	s.metrics.ConversationsCreated.Add(1)
	s.hub.AddedToConversation(ctx, conv, conv.OtherMembers(rec.ID()))
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) createConversation(ctx context.Context, conv *model.Conversation) error {
	tx, err := s.store.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Server) handleJoinedConversations(c *gin.Context) {
	me := caller(c).ID()
	ctx := c.Request.Context()
	st := s.store.NonTx()

	ids, err := st.ListConversationIDsFor(ctx, me)
	if err != nil {
		s.failErr(c, err)
		return
	}
	states, err := s.ledger.ConversationStates(ctx, me)
	if err != nil {
		s.failErr(c, err)
		return
	}
	views := make([]conversationView, 0, len(ids))
	for _, id := range ids {
		conv, err := st.GetConversation(ctx, id)
		if err != nil {
			s.failErr(c, err)
			return
		}
		if conv == nil {
			continue
		}
		state := states[id] // missing means read
		views = append(views, conversationView{Conversation: conv, State: state.Kind.String(), Unread: state.Unread})
	}
	c.JSON(http.StatusOK, views)
}

// handleGetConversation returns the conversation with its recent messages and
// marks it read for the caller. Messages from hidden users are omitted.
func (s *Server) handleGetConversation(c *gin.Context) {
	conv, ok := s.loadConversation(c)
	if !ok {
		return
	}
	rec := caller(c)
	ctx := c.Request.Context()

	msgs, err := s.store.NonTx().ListMessages(ctx, model.MessageFilters{ConversationID: &conv.ID})
	if err != nil {
		s.failErr(c, err)
		return
	}
	out := make([]*protocol.MessageData, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if rec.Excludes(m.SenderID) {
			continue
		}
		out = append(out, protocol.NewMessageData(m, s.username(m.SenderID)))
	}

	if err := s.hub.ConversationViewed(ctx, rec.ID(), conv.ID); err != nil {
		s.logger.Warn("mark conversation read failed", "user", rec.ID(), "conversation", conv.ID, "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "messages": out})
}

func (s *Server) username(id uuid.UUID) string {
	if rec := s.cache.LookupByID(id); rec != nil {
		return rec.Username()
	}
	return ""
}

func (s *Server) handlePostMessage(c *gin.Context) {
	conv, ok := s.loadConversation(c)
	if !ok {
		return
	}
	rec := caller(c)
	if !s.requireContentCreator(c, rec) {
		return
	}
	var req postRequest
	if !s.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	msg := &model.Message{ConversationID: conv.ID, SenderID: rec.ID(), Body: req.Text}
	if err := s.store.NonTx().CreateMessage(ctx, msg); err != nil {
		s.failErr(c, err)
		return
	}
	s.metrics.MessagesPosted.Add(1)
	s.hub.ConversationPosted(ctx, conv, msg)
	c.JSON(http.StatusCreated, protocol.NewMessageData(msg, rec.Username()))
}

func (s *Server) handleAddMembers(c *gin.Context) {
	conv, ok := s.loadConversation(c)
	if !ok {
		return
	}
	rec := caller(c)
	if conv.OwnerID != rec.ID() {
		s.fail(c, http.StatusForbidden, errors.New("only the owner can add members"))
		return
	}
	var req membersRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.checkInvitees(rec, req.Members); err != nil {
		s.failErr(c, err)
		return
	}

	var added []uuid.UUID
	for _, id := range req.Members {
		if !conv.HasMember(id) {
			added = append(added, id)
			conv.MemberIDs = append(conv.MemberIDs, id)
		}
	}
	if err := conv.Validate(); err != nil {
		s.failErr(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.store.NonTx().AddConversationMembers(ctx, conv.ID, added); err != nil {
		s.failErr(c, err)
		return
	}
	s.hub.AddedToConversation(ctx, conv, added)
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	conv, ok := s.loadConversation(c)
	if !ok {
		return
	}
	if err := s.hub.ConversationViewed(c.Request.Context(), caller(c).ID(), conv.ID); err != nil {
		s.failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, errors.New("invalid message id"))
		return
	}
	rec := caller(c)
	ctx := c.Request.Context()
	st := s.store.NonTx()

	msg, err := st.GetMessage(ctx, id)
	if err != nil {
		s.failErr(c, err)
		return
	}
	if msg == nil {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	conv, err := st.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.failErr(c, err)
		return
	}
	if conv == nil || !conv.HasMember(rec.ID()) {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	if msg.SenderID != rec.ID() && !rbac.Allowed(rec.AccessLevel(), rbac.PermModerate) {
		s.fail(c, http.StatusForbidden, rbac.ErrPermissionDenied)
		return
	}

	if err := st.DeleteMessage(ctx, id); err != nil {
		s.failErr(c, err)
		return
	}
	s.hub.MessageDeleted(ctx, conv, msg)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleConversationSocket(c *gin.Context) {
	if !s.settings.Get().ConversationSocketsEnabled {
		s.fail(c, http.StatusServiceUnavailable, errSocketsDisabled)
		return
	}
	conv, ok := s.loadConversation(c)
	if !ok {
		return
	}
	if !s.requirePermission(c, rbac.PermOpenSocket) || !s.socketSlotAvailable(c) {
		return
	}
	s.serveSocket(c, s.convs, conv.ID, conv.ID)
}
