// Package server implements the seawire HTTP and websocket server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/ledger"
	"github.com/NicolasHaas/seawire/pkg/logging"
	"github.com/NicolasHaas/seawire/pkg/metrics"
	"github.com/NicolasHaas/seawire/pkg/notify"
	"github.com/NicolasHaas/seawire/pkg/registry"
	"github.com/NicolasHaas/seawire/pkg/settings"
	"github.com/NicolasHaas/seawire/pkg/version"
)

// Server is the main seawire server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	store    datastore.DataProviderFactory
	kv       ledger.HashStore
	ledger   *ledger.Ledger
	cache    *identity.Cache
	users    *registry.Registry[uuid.UUID] // account-wide sockets by user id
	convs    *registry.Registry[uuid.UUID] // conversation sockets by conversation id
	hub      *notify.Hub
	settings *settings.Holder
	sessions *SessionManager
	metrics  *metrics.Metrics
	engine   *gin.Engine
	httpSrv  *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance. When deps.Ledger is nil the counter
// store is opened from cfg.LedgerURL.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: missing store dependency")
	}
	logger := logging.Component(logging.Server)

	kv := deps.Ledger
	if kv == nil {
		var err error
		kv, err = ledger.Open(cfg.LedgerURL, logging.Component(logging.Ledger))
		if err != nil {
			return nil, err
		}
	}

	m := metrics.New()
	regDeps := registry.Dependencies{Logger: logging.Component(logging.Registry), Metrics: m}
	st := deps.Store.NonTx()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  deps.Store,
		kv:     kv,
		ledger: ledger.New(kv, ledger.WithSentinel(cfg.ConversationAddedSentinel), ledger.WithMetrics(m)),
		cache: identity.NewCache(identity.Config{Concurrency: cfg.RefreshConcurrency}, identity.Dependencies{
			Source: st,
			Blocks: st,
			Logger: logging.Component(logging.Identity),
		}),
		users:    registry.NewUserRegistry(regDeps),
		convs:    registry.NewConversationRegistry(regDeps),
		settings: settings.NewHolder(settings.Defaults(), logging.Component(logging.Settings)),
		sessions: NewSessionManager(),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.hub = notify.New(notify.Dependencies{
		Ledger:              s.ledger,
		UserSockets:         s.users,
		ConversationSockets: s.convs,
		Cache:               s.cache,
		Logger:              logging.Component(logging.Notify),
	})
	m.SetGauges(s.cache.Len, func() int { return s.users.Count() + s.convs.Count() })
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Cache returns the identity cache.
func (s *Server) Cache() *identity.Cache {
	return s.cache
}

// Settings returns the runtime settings holder.
func (s *Server) Settings() *settings.Holder {
	return s.settings
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get(), "users": s.cache.Len()})
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api/v3")
	api.POST("/auth/login", s.handleLogin)
	api.POST("/user/create", s.handleCreateUser)

	authed := api.Group("", s.requireAuth)
	authed.POST("/auth/logout", s.handleLogout)

	authed.POST("/user/add", s.handleAddSubAccount)
	authed.POST("/user/profile", s.handleUpdateProfile)
	authed.POST("/user/password", s.handleChangePassword)
	authed.POST("/user/mutewords", s.handleSetMuteWords)
	authed.POST("/user/alertwords", s.handleSetAlertWords)
	authed.GET("/users/:id", s.handleGetUser)
	authed.POST("/users/:id/block", s.handleBlock)
	authed.POST("/users/:id/unblock", s.handleUnblock)
	authed.POST("/users/:id/mute", s.handleMute)
	authed.POST("/users/:id/unmute", s.handleUnmute)

	authed.GET("/notification/global", s.handleGlobalNotifications)
	authed.POST("/notification/:category/viewed", s.handleCategoryViewed)
	authed.GET("/notification/socket", s.handleNotificationSocket)

	authed.POST("/fez/create", s.handleCreateConversation)
	authed.GET("/fez/joined", s.handleJoinedConversations)
	authed.GET("/fez/:id", s.handleGetConversation)
	authed.POST("/fez/:id/post", s.handlePostMessage)
	authed.POST("/fez/:id/members", s.handleAddMembers)
	authed.POST("/fez/:id/read", s.handleMarkRead)
	authed.DELETE("/fez/post/:id", s.handleDeleteMessage)
	authed.GET("/fez/:id/socket", s.handleConversationSocket)

	authed.GET("/admin/settings", s.handleGetSettings)
	authed.POST("/admin/settings", s.handleUpdateSettings)
	authed.POST("/admin/announcements", s.handleAnnounce)
	authed.POST("/admin/users/:id/access", s.handleSetAccess)
	authed.POST("/admin/users/:id/reset", s.handleResetCounters)
	authed.POST("/admin/users/:id/roles/:role", s.handleAddRole)
	authed.DELETE("/admin/users/:id/roles/:role", s.handleRemoveRole)

	return r
}
