package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/seawire/pkg/crypto"
	"github.com/NicolasHaas/seawire/pkg/model"
)

// ErrNotFound is returned by Refresh when the user no longer exists in the store.
var ErrNotFound = errors.New("identity: user not found")

// ErrCacheIncomplete signals that a user accepted by authentication is missing
// from the cache. The cache always holds every account, so this is a server fault.
var ErrCacheIncomplete = errors.New("identity: cache missing authenticated user")

// DefaultConcurrency bounds parallel record builds during Load and RefreshMany.
const DefaultConcurrency = 16

// Source provides the stored identity attributes of users.
type Source interface {
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	UserIdentity(ctx context.Context, id uuid.UUID) (*model.UserIdentity, error)
}

// BlockResolver returns the full bidirectional block set of a user, expanded
// across parent and sub-accounts.
type BlockResolver interface {
	ResolveBlockSet(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Config controls cache loading behaviour.
type Config struct {
	Concurrency int
}

// Dependencies holds the collaborators used to build records.
type Dependencies struct {
	Source Source
	Blocks BlockResolver
	Logger *slog.Logger
}

// Cache indexes identity records by id, lower-cased username and token hash.
// All three maps share one lock and are always mutually consistent.
type Cache struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*Record
	byUsername map[string]*Record
	byToken    map[string]*Record

	source      Source
	blocks      BlockResolver
	concurrency int
	logger      *slog.Logger
}

// NewCache creates an empty cache. Call Load before serving requests.
func NewCache(cfg Config, deps Dependencies) *Cache {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		byID:        make(map[uuid.UUID]*Record),
		byUsername:  make(map[string]*Record),
		byToken:     make(map[string]*Record),
		source:      deps.Source,
		blocks:      deps.Blocks,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

func usernameKey(name string) string {
	return strings.ToLower(name)
}

// Replace swaps the entire index for the given records in one critical section.
func (c *Cache) Replace(records []*Record) {
	byID := make(map[uuid.UUID]*Record, len(records))
	byUsername := make(map[string]*Record, len(records))
	byToken := make(map[string]*Record)
	for _, r := range records {
		byID[r.id] = r
		byUsername[usernameKey(r.username)] = r
		if r.tokenHash != "" {
			byToken[r.tokenHash] = r
		}
	}

	c.mu.Lock()
	c.byID, c.byUsername, c.byToken = byID, byUsername, byToken
	c.mu.Unlock()
}

// Load builds a record for every user in the store and replaces the index.
// An error leaves the previous index untouched.
func (c *Cache) Load(ctx context.Context) error {
	ids, err := c.source.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("identity: load: %w", err)
	}
	records, err := c.buildMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("identity: load: %w", err)
	}
	c.Replace(records)
	c.logger.Info("identity cache loaded", "users", len(records))
	return nil
}

func (c *Cache) LookupByID(id uuid.UUID) *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// LookupByUsername matches case-insensitively.
func (c *Cache) LookupByUsername(name string) *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byUsername[usernameKey(name)]
}

// LookupByToken hashes the raw bearer token and looks up its owner.
func (c *Cache) LookupByToken(token string) *Record {
	if token == "" {
		return nil
	}
	hash := crypto.HashToken(token)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byToken[hash]
}

// MustLookupByID is LookupByID for callers that already authenticated id.
func (c *Cache) MustLookupByID(id uuid.UUID) (*Record, error) {
	if r := c.LookupByID(id); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrCacheIncomplete, id)
}

// Len returns the number of cached users.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// IDs returns the id of every cached user in no particular order.
func (c *Cache) IDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	return ids
}

// Upsert installs r, dropping any alias of the record it replaces.
func (c *Cache) Upsert(r *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(r)
}

func (c *Cache) upsertLocked(r *Record) {
	if old, ok := c.byID[r.id]; ok {
		if key := usernameKey(old.username); c.byUsername[key] == old {
			delete(c.byUsername, key)
		}
		if old.tokenHash != "" && c.byToken[old.tokenHash] == old {
			delete(c.byToken, old.tokenHash)
		}
	}
	c.byID[r.id] = r
	c.byUsername[usernameKey(r.username)] = r
	if r.tokenHash != "" {
		c.byToken[r.tokenHash] = r
	}
}

// Refresh rebuilds one record from the store and installs it. The store is
// read before the lock is taken.
func (c *Cache) Refresh(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := c.build(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Upsert(r)
	return r, nil
}

// RefreshMany rebuilds the given records in parallel, then installs all of
// them in one critical section. Nothing is installed if any build fails.
func (c *Cache) RefreshMany(ctx context.Context, ids []uuid.UUID) error {
	records, err := c.buildMany(ctx, ids)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.upsertLocked(r)
	}
	return nil
}

func (c *Cache) build(ctx context.Context, id uuid.UUID) (*Record, error) {
	ident, err := c.source.UserIdentity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("identity: build %s: %w", id, err)
	}
	if ident == nil {
		return nil, fmt.Errorf("identity: build %s: %w", id, ErrNotFound)
	}
	blocked, err := c.blocks.ResolveBlockSet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve blocks %s: %w", id, err)
	}
	return NewRecord(ident, blocked), nil
}

func (c *Cache) buildMany(ctx context.Context, ids []uuid.UUID) ([]*Record, error) {
	records := make([]*Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			r, err := c.build(gctx, id)
			if err != nil {
				return err
			}
			records[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
