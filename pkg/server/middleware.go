package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/rbac"
)

// SessionCookie names the cookie holding a browser session id.
const SessionCookie = "seawire_session"

const identityKey = "seawire.identity"

var (
	errUnauthorized = errors.New("unauthorized")
	errAccessDenied = errors.New("access level does not permit login")
	errNotFound     = errors.New("not found")
)

// requestLogger logs each request through slog and records its latency.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, c.Request.Method, strconv.Itoa(status), elapsed)
		s.logger.Debug("request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"elapsed", elapsed,
		)
	}
}

// requireAuth resolves the caller from a bearer token or session cookie.
func (s *Server) requireAuth(c *gin.Context) {
	var rec *identity.Record
	if token := bearerToken(c); token != "" {
		rec = s.cache.LookupByToken(token)
	} else if raw, err := c.Cookie(SessionCookie); err == nil {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.fail(c, http.StatusUnauthorized, errUnauthorized)
			return
		}
		sess := s.sessions.Get(id)
		if sess == nil {
			s.fail(c, http.StatusUnauthorized, errUnauthorized)
			return
		}
		// A live session for a user the cache does not hold is a server bug.
		rec, err = s.cache.MustLookupByID(sess.UserID)
		if err != nil {
			s.metrics.CacheMisses.Add(1)
			s.fail(c, http.StatusInternalServerError, err)
			return
		}
	}
	if rec == nil {
		s.metrics.FailedAuths.Add(1)
		s.fail(c, http.StatusUnauthorized, errUnauthorized)
		return
	}
	if err := s.checkLoginAllowed(rec); err != nil {
		s.fail(c, http.StatusForbidden, err)
		return
	}
	c.Set(identityKey, rec)
	c.Next()
}

func (s *Server) checkLoginAllowed(rec *identity.Record) error {
	if err := rbac.RequirePermission(rec.AccessLevel(), rbac.PermLogin); err != nil {
		return err
	}
	if !rec.AccessLevel().AtLeast(s.settings.Get().MinAccessLevel) {
		return errAccessDenied
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// caller returns the record stored by requireAuth.
func caller(c *gin.Context) *identity.Record {
	return c.MustGet(identityKey).(*identity.Record)
}

// requireContentCreator rejects callers who may not post.
func (s *Server) requireContentCreator(c *gin.Context, rec *identity.Record) bool {
	if err := rbac.RequirePermission(rec.AccessLevel(), rbac.PermCreateContent); err != nil {
		s.fail(c, http.StatusForbidden, err)
		return false
	}
	if rec.IsQuarantined(time.Now()) {
		s.fail(c, http.StatusForbidden, errors.New("account is quarantined"))
		return false
	}
	return true
}

func (s *Server) requirePermission(c *gin.Context, perm rbac.Permission) bool {
	if err := rbac.RequirePermission(caller(c).AccessLevel(), perm); err != nil {
		s.fail(c, http.StatusForbidden, err)
		return false
	}
	return true
}

// fail aborts the request with a JSON error body. Server errors are logged and
// their detail withheld from the client.
func (s *Server) fail(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", c.FullPath(), "err", err)
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// failErr maps err onto a status code.
func (s *Server) failErr(c *gin.Context, err error) {
	s.fail(c, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rbac.ErrPermissionDenied):
		return http.StatusForbidden
	// identity.ErrNotFound means a cache refresh raced a deleted user; it stays a 500
	case errors.Is(err, datastore.ErrNotFound), errors.Is(err, errNotFound):
		return http.StatusNotFound
	case isValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var validationErrors = []error{
	model.ErrUsernameEmpty,
	model.ErrUsernameTooLong,
	model.ErrUsernameInvalidChars,
	model.ErrDisplayNameTooLong,
	model.ErrPronounsTooLong,
	model.ErrWordInvalid,
	model.ErrSelfReference,
	model.ErrInvalidPassword,
	model.ErrConversationTitleEmpty,
	model.ErrConversationTitleTooLong,
	model.ErrConversationTooManyMembers,
	model.ErrInvalidAccessLevel,
	model.ErrInvalidRoleTag,
	model.ErrMessageBodyTooLong,
	model.ErrMessageBodyEmpty,
	model.ErrUnknownCategory,
	errBlockedMember,
}

func isValidationError(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// pathID parses the :id route parameter as a uuid.
func (s *Server) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, errors.New("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

// bindJSON decodes the request body, failing with 400.
func (s *Server) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return false
	}
	return true
}
