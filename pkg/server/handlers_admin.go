package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/rbac"
)

func (s *Server) handleGetSettings(c *gin.Context) {
	if !s.requirePermission(c, rbac.PermManageSettings) {
		return
	}
	c.JSON(http.StatusOK, s.settings.Get().Values())
}

// handleUpdateSettings applies the given keys atomically and persists the
// result to the counter store.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	if !s.requirePermission(c, rbac.PermManageSettings) {
		return
	}
	var values map[string]string
	if !s.bindJSON(c, &values) {
		return
	}
	updated, err := s.settings.Set(values)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.settings.Save(c.Request.Context(), s.kv); err != nil {
		s.failErr(c, err)
		return
	}
	s.logger.Info("settings updated", "by", caller(c).ID(), "keys", len(values))
	c.JSON(http.StatusOK, updated.Values())
}

type accessRequest struct {
	AccessLevel     string     `json:"accessLevel" binding:"required"`
	QuarantineUntil *time.Time `json:"quarantineUntil"`
}

// handleSetAccess changes a user's access level and sends the user a
// moderation notice. Banning also ends every session and socket of the user.
func (s *Server) handleSetAccess(c *gin.Context) {
	if !s.requirePermission(c, rbac.PermManageUsers) {
		return
	}
	target, ok := s.lookupTarget(c)
	if !ok {
		return
	}
	var req accessRequest
	if !s.bindJSON(c, &req) {
		return
	}
	level, err := model.ParseAccessLevel(req.AccessLevel)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	actor := caller(c)
	if !actor.AccessLevel().AtLeast(level) || !actor.AccessLevel().AtLeast(target.AccessLevel()) {
		s.fail(c, http.StatusForbidden, errors.New("cannot manage a user above your own access level"))
		return
	}

	ctx := c.Request.Context()
	st := s.store.NonTx()
	if err := st.UpdateAccessLevel(ctx, target.ID(), level); err != nil {
		s.failErr(c, err)
		return
	}
	if err := st.SetQuarantine(ctx, target.ID(), req.QuarantineUntil); err != nil {
		s.failErr(c, err)
		return
	}
	if level == model.AccessBanned {
		if err := st.ClearToken(ctx, target.ID()); err != nil {
			s.failErr(c, err)
			return
		}
	}
	if err := s.refresh(ctx, target.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	s.hub.Notify(ctx, []uuid.UUID{target.ID()}, model.NotifyModeration, target.ID().String(),
		"access level changed to "+level.String())
	if level == model.AccessBanned {
		s.sessions.RemoveUser(target.ID())
		_, _ = s.hub.Logout(target.ID())
	}
	s.logger.Info("access level changed", "by", actor.ID(), "user", target.ID(), "level", level)

	updated, err := s.cache.MustLookupByID(target.ID())
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserView(updated))
}

func (s *Server) handleAddRole(c *gin.Context) {
	s.changeRole(c, true)
}

func (s *Server) handleRemoveRole(c *gin.Context) {
	s.changeRole(c, false)
}

// changeRole edits a role tag and answers with the refreshed user.
func (s *Server) changeRole(c *gin.Context, add bool) {
	if !s.requirePermission(c, rbac.PermManageUsers) {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if s.cache.LookupByID(id) == nil {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	role, err := model.ParseRoleTag(c.Param("role"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	if add {
		err = s.store.NonTx().AddRole(ctx, id, role)
	} else {
		err = s.store.NonTx().RemoveRole(ctx, id, role)
	}
	if err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, id); err != nil {
		s.failErr(c, err)
		return
	}
	updated, err := s.cache.MustLookupByID(id)
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserView(updated))
}

// handleResetCounters drops every unread counter of a user, leaving all
// conversations read.
func (s *Server) handleResetCounters(c *gin.Context) {
	if !s.requirePermission(c, rbac.PermManageUsers) {
		return
	}
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	if s.cache.LookupByID(id) == nil {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	if err := s.ledger.ResetUser(c.Request.Context(), id); err != nil {
		s.failErr(c, err)
		return
	}
	s.logger.Info("counters reset", "by", caller(c).ID(), "user", id)
	c.Status(http.StatusNoContent)
}

type announcementRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleAnnounce sends an announcement notification to every user.
func (s *Server) handleAnnounce(c *gin.Context) {
	if !s.requirePermission(c, rbac.PermManageUsers) {
		return
	}
	var req announcementRequest
	if !s.bindJSON(c, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.fail(c, http.StatusBadRequest, errors.New("announcement text must not be empty"))
		return
	}
	id := uuid.New()
	recipients := s.cache.IDs()
	s.hub.Notify(c.Request.Context(), recipients, model.NotifyAnnouncement, id.String(), text)
	s.logger.Info("announcement sent", "by", caller(c).ID(), "id", id, "recipients", len(recipients))
	c.JSON(http.StatusCreated, gin.H{"id": id, "recipients": len(recipients)})
}
