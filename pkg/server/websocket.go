package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/seawire/pkg/protocol"
	"github.com/NicolasHaas/seawire/pkg/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts a gorilla connection to registry.Conn. gorilla allows one
// concurrent writer, and broadcasts send from many goroutines.
type wsConn struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
}

func newWSConn(ws *websocket.Conn, timeout time.Duration) *wsConn {
	return &wsConn{ws: ws, timeout: timeout}
}

func (w *wsConn) Send(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.ws.WriteMessage(websocket.TextMessage, msg)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.ws.Close()
}

// serveSocket upgrades the request, registers the connection under key and
// reads until the client disconnects. Client frames are ignored.
func (s *Server) serveSocket(c *gin.Context, reg *registry.Registry[uuid.UUID], key, conversationID uuid.UUID) {
	userID := caller(c).ID()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user", userID, "err", err)
		return
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	conn := registry.NewConnection(userID, conversationID, newWSConn(ws, s.cfg.SocketWriteTimeout))
	reg.Store(conn, key)
	s.touchPresence(c.Request.Context(), userID)
	s.logger.Debug("socket opened", "conn", conn.ID, "user", userID, "conversation", conversationID)

	defer func() {
		reg.Remove(conn, key)
		_ = ws.Close()
		s.logger.Debug("socket closed", "conn", conn.ID, "user", userID)
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// socketSlotAvailable enforces the per-user socket limit across both registries.
func (s *Server) socketSlotAvailable(c *gin.Context) bool {
	userID := caller(c).ID()
	open := len(s.users.ListFor(userID))
	// conversation sockets are keyed by conversation, so sum this user's across their conversations
	open += s.conversationSocketsOf(userID)
	if limit := s.settings.Get().MaxSocketsPerUser; open >= limit {
		s.fail(c, http.StatusTooManyRequests, errTooManySockets)
		return false
	}
	return true
}

func (s *Server) conversationSocketsOf(userID uuid.UUID) int {
	ids, err := s.store.NonTx().ListConversationIDsFor(s.ctx, userID)
	if err != nil {
		s.logger.Warn("list conversations failed", "user", userID, "err", err)
		return 0
	}
	n := 0
	for _, c := range s.convs.ListForAny(ids) {
		if c.UserID == userID {
			n++
		}
	}
	return n
}
