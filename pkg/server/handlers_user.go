package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/crypto"
	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/model"
)

const minPasswordLength = 6

var errUsernameTaken = errors.New("username already taken")

type userView struct {
	ID          uuid.UUID         `json:"userID"`
	Username    string            `json:"username"`
	DisplayName string            `json:"displayName"`
	Pronouns    string            `json:"pronouns"`
	AvatarRef   string            `json:"avatarRef"`
	AccessLevel model.AccessLevel `json:"accessLevel"`
	Roles       []model.RoleTag   `json:"roles,omitempty"`
	LastSeen    *time.Time        `json:"lastSeen,omitempty"`
	Online      bool              `json:"online"`
}

func newUserView(rec *identity.Record) userView {
	return userView{
		ID:          rec.ID(),
		Username:    rec.Username(),
		DisplayName: rec.DisplayName(),
		Pronouns:    rec.Pronouns(),
		AvatarRef:   rec.AvatarRef(),
		AccessLevel: rec.AccessLevel(),
		Roles:       rec.Roles(),
	}
}

type loginResponse struct {
	UserID uuid.UUID `json:"userID"`
	Token  string    `json:"token"`
}

// refresh rebuilds cache records after a datastore write. It must finish
// before the handler responds so the next request sees the change.
func (s *Server) refresh(ctx context.Context, ids ...uuid.UUID) error {
	s.metrics.CacheRefreshes.Add(int64(len(ids)))
	var err error
	if len(ids) == 1 {
		_, err = s.cache.Refresh(ctx, ids[0])
	} else {
		err = s.cache.RefreshMany(ctx, ids)
	}
	if err != nil {
		s.metrics.CacheRefreshFailure.Add(1)
	}
	return err
}

func (s *Server) touchPresence(ctx context.Context, userID uuid.UUID) {
	if err := s.ledger.TouchPresence(ctx, userID, s.settings.Get().PresenceTTL); err != nil {
		s.logger.Warn("touch presence failed", "user", userID, "err", err)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		s.fail(c, http.StatusUnauthorized, errUnauthorized)
		return
	}
	ctx := c.Request.Context()

	user, err := s.store.NonTx().GetUserByUsername(ctx, username)
	if err != nil {
		s.failErr(c, err)
		return
	}
	if user == nil || crypto.VerifyPassword(password, user.PasswordSalt, user.PasswordHash) != nil {
		s.metrics.FailedAuths.Add(1)
		s.fail(c, http.StatusUnauthorized, errUnauthorized)
		return
	}
	rec, err := s.cache.MustLookupByID(user.ID)
	if err != nil {
		s.metrics.CacheMisses.Add(1)
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.checkLoginAllowed(rec); err != nil {
		s.fail(c, http.StatusForbidden, err)
		return
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.store.NonTx().SetTokenHash(ctx, user.ID, crypto.HashToken(token)); err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, user.ID); err != nil {
		s.failErr(c, err)
		return
	}

	sess := s.sessions.Create(user.ID)
	c.SetCookie(SessionCookie, sess.ID.String(), 0, "/", "", false, true)
	s.metrics.SuccessfulAuths.Add(1)
	s.touchPresence(ctx, user.ID)
	s.logger.Info("user logged in", "user", user.ID, "username", user.Username)
	c.JSON(http.StatusOK, loginResponse{UserID: user.ID, Token: token})
}

func (s *Server) handleLogout(c *gin.Context) {
	rec := caller(c)
	ctx := c.Request.Context()

	if err := s.store.NonTx().ClearToken(ctx, rec.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, rec.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	s.sessions.RemoveUser(rec.ID())
	closed, _ := s.hub.Logout(rec.ID())
	s.logger.Info("user logged out", "user", rec.ID(), "sockets_closed", closed)

	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

type createUserRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if !s.bindJSON(c, &req) {
		return
	}
	rec, err := s.createAccount(c.Request.Context(), req, nil, model.AccessVerified)
	if err != nil {
		s.failAccount(c, err)
		return
	}
	c.JSON(http.StatusCreated, newUserView(rec))
}

// handleAddSubAccount creates an account in the caller's account family.
func (s *Server) handleAddSubAccount(c *gin.Context) {
	parent := caller(c)
	if parent.IsQuarantined(time.Now()) {
		s.fail(c, http.StatusForbidden, errors.New("account is quarantined"))
		return
	}
	var req createUserRequest
	if !s.bindJSON(c, &req) {
		return
	}
	root := parent.RootID()
	rec, err := s.createAccount(c.Request.Context(), req, &root, parent.AccessLevel())
	if err != nil {
		s.failAccount(c, err)
		return
	}
	c.JSON(http.StatusCreated, newUserView(rec))
}

func (s *Server) failAccount(c *gin.Context, err error) {
	if errors.Is(err, errUsernameTaken) {
		s.fail(c, http.StatusConflict, err)
		return
	}
	s.failErr(c, err)
}

// createAccount stores a new user and installs its cache record before
// returning, so the account can log in immediately.
func (s *Server) createAccount(ctx context.Context, req createUserRequest, parent *uuid.UUID, level model.AccessLevel) (*identity.Record, error) {
	if err := model.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalidPassword, minPasswordLength)
	}
	if s.cache.LookupByUsername(req.Username) != nil {
		return nil, errUsernameTaken
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	user := &model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		AccessLevel:  level,
		ParentID:     parent,
		PasswordSalt: salt,
		PasswordHash: crypto.HashPassword(req.Password, salt),
	}
	st := s.store.NonTx()
	if err := st.CreateUser(ctx, user); err != nil {
		if existing, _ := st.GetUserByUsername(ctx, req.Username); existing != nil {
			return nil, errUsernameTaken
		}
		return nil, err
	}
	if err := s.refresh(ctx, user.ID); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user", user.ID, "username", user.Username, "parent", parent)
	return s.cache.MustLookupByID(user.ID)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	rec := caller(c)
	var req model.ProfileUpdate
	if !s.bindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.store.NonTx().UpdateProfile(ctx, rec.ID(), req); err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, rec.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	updated, err := s.cache.MustLookupByID(rec.ID())
	if err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserView(updated))
}

type passwordRequest struct {
	Current string `json:"currentPassword" binding:"required"`
	New     string `json:"newPassword" binding:"required"`
}

// handleChangePassword replaces the caller's password. Existing tokens and
// sessions stay valid.
func (s *Server) handleChangePassword(c *gin.Context) {
	rec := caller(c)
	var req passwordRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if len(req.New) < minPasswordLength {
		s.failErr(c, fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalidPassword, minPasswordLength))
		return
	}
	ctx := c.Request.Context()
	st := s.store.NonTx()
	user, err := st.GetUserByID(ctx, rec.ID())
	if err != nil {
		s.failErr(c, err)
		return
	}
	if user == nil {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	if crypto.VerifyPassword(req.Current, user.PasswordSalt, user.PasswordHash) != nil {
		s.metrics.FailedAuths.Add(1)
		s.fail(c, http.StatusUnauthorized, errUnauthorized)
		return
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		s.failErr(c, err)
		return
	}
	if err := st.SetPassword(ctx, rec.ID(), crypto.HashPassword(req.New, salt), salt); err != nil {
		s.failErr(c, err)
		return
	}
	s.logger.Info("password changed", "user", rec.ID())
	c.Status(http.StatusNoContent)
}

type wordsRequest struct {
	Words []string `json:"words"`
}

// bindWords reads a word list, normalizes it and drops duplicates.
func (s *Server) bindWords(c *gin.Context, limit int, kind string) ([]string, bool) {
	var req wordsRequest
	if !s.bindJSON(c, &req) {
		return nil, false
	}
	if len(req.Words) > limit {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("at most %d %s words", limit, kind))
		return nil, false
	}
	words := make([]string, 0, len(req.Words))
	for _, w := range req.Words {
		norm, err := model.NormalizeWord(w)
		if err != nil {
			s.fail(c, http.StatusBadRequest, err)
			return nil, false
		}
		if !slices.Contains(words, norm) {
			words = append(words, norm)
		}
	}
	return words, true
}

func (s *Server) handleSetMuteWords(c *gin.Context) {
	rec := caller(c)
	words, ok := s.bindWords(c, s.settings.Get().MaxMuteWords, "mute")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.NonTx().SetMuteWords(ctx, rec.ID(), words); err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, rec.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muteWords": words})
}

func (s *Server) handleSetAlertWords(c *gin.Context) {
	rec := caller(c)
	words, ok := s.bindWords(c, s.settings.Get().MaxAlertWords, "alert")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.NonTx().SetAlertWords(ctx, rec.ID(), words); err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, rec.ID()); err != nil {
		s.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alertWords": words})
}

func (s *Server) handleGetUser(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	target := s.cache.LookupByID(id)
	if target == nil || caller(c).IsBlocked(id) {
		s.fail(c, http.StatusNotFound, errNotFound)
		return
	}
	view := newUserView(target)
	view.Online = s.users.HasAny(id)
	seen, online, err := s.ledger.LastSeen(c.Request.Context(), id)
	if err != nil {
		s.logger.Warn("last seen lookup failed", "user", id, "err", err)
	} else if online {
		view.LastSeen = &seen
	}
	c.JSON(http.StatusOK, view)
}

// lookupTarget resolves :id to a cached user other than the caller.
func (s *Server) lookupTarget(c *gin.Context) (*identity.Record, bool) {
	id, ok := s.pathID(c)
	if !ok {
		return nil, false
	}
	if id == caller(c).ID() {
		s.fail(c, http.StatusBadRequest, model.ErrSelfReference)
		return nil, false
	}
	target := s.cache.LookupByID(id)
	if target == nil {
		s.fail(c, http.StatusNotFound, errNotFound)
		return nil, false
	}
	return target, true
}

func (s *Server) handleBlock(c *gin.Context) {
	s.changeBlock(c, true)
}

func (s *Server) handleUnblock(c *gin.Context) {
	s.changeBlock(c, false)
}

// changeBlock updates a block and refreshes both account families, since a
// block hides every account of each family from the other.
func (s *Server) changeBlock(c *gin.Context, block bool) {
	target, ok := s.lookupTarget(c)
	if !ok {
		return
	}
	me := caller(c).ID()
	ctx := c.Request.Context()
	st := s.store.NonTx()

	// families before the change; a removed block must still refresh both
	mine, err := st.AccountFamily(ctx, me)
	if err != nil {
		s.failErr(c, err)
		return
	}
	theirs, err := st.AccountFamily(ctx, target.ID())
	if err != nil {
		s.failErr(c, err)
		return
	}

	if block {
		err = st.AddBlock(ctx, me, target.ID())
	} else {
		err = st.RemoveBlock(ctx, me, target.ID())
	}
	if err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, append(mine, theirs...)...); err != nil {
		s.failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMute(c *gin.Context) {
	s.changeMute(c, true)
}

func (s *Server) handleUnmute(c *gin.Context) {
	s.changeMute(c, false)
}

func (s *Server) changeMute(c *gin.Context, mute bool) {
	target, ok := s.lookupTarget(c)
	if !ok {
		return
	}
	me := caller(c).ID()
	ctx := c.Request.Context()

	var err error
	if mute {
		err = s.store.NonTx().AddMute(ctx, me, target.ID())
	} else {
		err = s.store.NonTx().RemoveMute(ctx, me, target.ID())
	}
	if err != nil {
		s.failErr(c, err)
		return
	}
	if err := s.refresh(ctx, me); err != nil {
		s.failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
