package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/rbac"
)

var (
	errSocketsDisabled = errors.New("sockets are disabled")
	errTooManySockets  = errors.New("too many open sockets")
)

func (s *Server) handleGlobalNotifications(c *gin.Context) {
	rec := caller(c)
	ctx := c.Request.Context()
	sum, err := s.hub.Summary(ctx, rec.ID())
	if err != nil {
		s.failErr(c, err)
		return
	}
	s.touchPresence(ctx, rec.ID())
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleCategoryViewed(c *gin.Context) {
	category, err := model.ParseNotificationCategory(c.Param("category"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.hub.CategoryViewed(c.Request.Context(), caller(c).ID(), category); err != nil {
		s.failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNotificationSocket(c *gin.Context) {
	if !s.settings.Get().NotificationSocketsEnabled {
		s.fail(c, http.StatusServiceUnavailable, errSocketsDisabled)
		return
	}
	if !s.requirePermission(c, rbac.PermOpenSocket) || !s.socketSlotAvailable(c) {
		return
	}
	userID := caller(c).ID()
	s.serveSocket(c, s.users, userID, uuid.Nil)
}
