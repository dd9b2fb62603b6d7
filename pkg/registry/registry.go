// Package registry tracks live client connections and fans messages out to them.
//
// Two instances run per process: one keyed by user id for account-wide
// notifications and one keyed by conversation id for live chat updates.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/seawire/pkg/metrics"
)

// Conn is the transport handle of an authenticated live connection.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Connection is one open client socket.
type Connection struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	ConversationID uuid.UUID // uuid.Nil for account-wide sockets
	Conn           Conn
}

// NewConnection wraps conn with a fresh connection id.
func NewConnection(userID, conversationID uuid.UUID, conn Conn) *Connection {
	return &Connection{ID: uuid.New(), UserID: userID, ConversationID: conversationID, Conn: conn}
}

// Filter decides per connection whether a broadcast reaches it.
type Filter func(*Connection) bool

// Config controls a registry instance.
type Config[K comparable] struct {
	// Name labels log lines, e.g. "user" or "conversation".
	Name string
	// OwnerKey maps a user id to the group holding that user's sockets. When
	// nil, CloseAllFor scans every group.
	OwnerKey func(userID uuid.UUID) K
}

// Dependencies holds optional collaborators.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Registry maps group keys to their live connections. A connection appears in
// exactly one group, exactly once.
type Registry[K comparable] struct {
	mu     sync.Mutex
	groups map[K][]*Connection

	name     string
	ownerKey func(uuid.UUID) K
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates an empty registry.
func New[K comparable](cfg Config[K], deps Dependencies) *Registry[K] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[K]{
		groups:   make(map[K][]*Connection),
		name:     cfg.Name,
		ownerKey: cfg.OwnerKey,
		logger:   logger.With("registry", cfg.Name),
		metrics:  deps.Metrics,
	}
}

// NewUserRegistry returns a registry grouped by the owning user id.
func NewUserRegistry(deps Dependencies) *Registry[uuid.UUID] {
	return New(Config[uuid.UUID]{
		Name:     "user",
		OwnerKey: func(id uuid.UUID) uuid.UUID { return id },
	}, deps)
}

// NewConversationRegistry returns a registry grouped by conversation id.
func NewConversationRegistry(deps Dependencies) *Registry[uuid.UUID] {
	return New(Config[uuid.UUID]{Name: "conversation"}, deps)
}

// Store appends c to the group for key. Storing the same connection twice is a no-op.
func (r *Registry[K]) Store(c *Connection, key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group := r.groups[key]
	if slices.ContainsFunc(group, func(x *Connection) bool { return x.ID == c.ID }) {
		return
	}
	r.groups[key] = append(group, c)
	if r.metrics != nil {
		r.metrics.SocketsOpened.Add(1)
	}
}

// Remove drops the connection with c's id from the group for key.
// It does not close the connection.
func (r *Registry[K]) Remove(c *Connection, key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c.ID, key)
}

func (r *Registry[K]) removeLocked(id uuid.UUID, key K) bool {
	group := r.groups[key]
	i := slices.IndexFunc(group, func(x *Connection) bool { return x.ID == id })
	if i < 0 {
		return false
	}
	group = slices.Delete(group, i, i+1)
	if len(group) == 0 {
		delete(r.groups, key)
	} else {
		r.groups[key] = group
	}
	if r.metrics != nil {
		r.metrics.SocketsClosed.Add(1)
	}
	return true
}

// ListFor returns a snapshot of the connections in one group.
func (r *Registry[K]) ListFor(key K) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.groups[key])
}

// ListForAny flattens the connections of several groups. Repeated keys are
// resolved once.
func (r *Registry[K]) ListForAny(keys []K) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(keys)
}

func (r *Registry[K]) collectLocked(keys []K) []*Connection {
	var out []*Connection
	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r.groups[k]...)
	}
	return out
}

func (r *Registry[K]) HasAny(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[key]) > 0
}

// Count returns the number of live connections across all groups.
func (r *Registry[K]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.groups {
		n += len(g)
	}
	return n
}

// Broadcast sends msg to every connection in the given groups. See BroadcastFunc.
func (r *Registry[K]) Broadcast(keys []K, msg []byte) int {
	return r.BroadcastFunc(keys, msg, nil)
}

// BroadcastFunc snapshots the target connections under the lock, then sends
// msg to each one that passes filter on its own goroutine. Send failures are
// logged and dropped; a failing connection stays registered until the
// transport reports a disconnect. It returns the number of sends started.
func (r *Registry[K]) BroadcastFunc(keys []K, msg []byte, filter Filter) int {
	r.mu.Lock()
	targets := r.collectLocked(keys)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.BroadcastMessages.Add(1)
	}

	sent := 0
	for _, c := range targets {
		if filter != nil && !filter(c) {
			continue
		}
		sent++
		go r.send(c, msg)
	}
	return sent
}

func (r *Registry[K]) send(c *Connection, msg []byte) {
	if r.metrics != nil {
		r.metrics.SendsAttempted.Add(1)
	}
	if err := c.Conn.Send(msg); err != nil {
		if r.metrics != nil {
			r.metrics.SendFailures.Add(1)
		}
		r.logger.Debug("send failed", "conn", c.ID, "user", c.UserID, "err", err)
	}
}

// CloseAllFor closes and removes every connection owned by userID. Each close
// is attempted independently; failures are joined into the returned error.
func (r *Registry[K]) CloseAllFor(userID uuid.UUID) (int, error) {
	r.mu.Lock()
	var victims []*Connection
	if r.ownerKey != nil {
		key := r.ownerKey(userID)
		for _, c := range r.groups[key] {
			if c.UserID == userID {
				victims = append(victims, c)
			}
		}
		for _, c := range victims {
			r.removeLocked(c.ID, key)
		}
	} else {
		// No owner index: scan every group.
		type hit struct {
			key K
			c   *Connection
		}
		var hits []hit
		for key, group := range r.groups {
			for _, c := range group {
				if c.UserID == userID {
					hits = append(hits, hit{key, c})
				}
			}
		}
		for _, h := range hits {
			r.removeLocked(h.c.ID, h.key)
			victims = append(victims, h.c)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range victims {
		if err := c.Conn.Close(); err != nil {
			errs = append(errs, err)
			r.logger.Warn("close failed", "conn", c.ID, "user", userID, "err", err)
		}
	}
	return len(victims), errors.Join(errs...)
}

// CloseAll closes and removes every connection. Used on shutdown.
func (r *Registry[K]) CloseAll() int {
	r.mu.Lock()
	var victims []*Connection
	for key, group := range r.groups {
		victims = append(victims, group...)
		delete(r.groups, key)
	}
	if r.metrics != nil {
		r.metrics.SocketsClosed.Add(int64(len(victims)))
	}
	r.mu.Unlock()

	for _, c := range victims {
		if err := c.Conn.Close(); err != nil {
			r.logger.Debug("close failed", "conn", c.ID, "err", err)
		}
	}
	return len(victims)
}
