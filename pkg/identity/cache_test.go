package identity_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/crypto"
	"github.com/NicolasHaas/seawire/pkg/datastore"
	"github.com/NicolasHaas/seawire/pkg/identity"
	"github.com/NicolasHaas/seawire/pkg/model"
)

// fakeSource serves identities from memory.
type fakeSource struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*model.UserIdentity
	blocks map[uuid.UUID][]uuid.UUID
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		users:  make(map[uuid.UUID]*model.UserIdentity),
		blocks: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeSource) add(username, token string) *model.UserIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	ident := &model.UserIdentity{
		User: model.User{ID: uuid.New(), Username: username, AccessLevel: model.AccessVerified},
	}
	if token != "" {
		ident.TokenHash = crypto.HashToken(token)
	}
	f.users[ident.User.ID] = ident
	return ident
}

func (f *fakeSource) ListUserIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]uuid.UUID, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) UserIdentity(_ context.Context, id uuid.UUID) (*model.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ident, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *ident
	return &cp, nil
}

func (f *fakeSource) ResolveBlockSet(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[id], nil
}

func newCache(src *fakeSource) *identity.Cache {
	return identity.NewCache(identity.Config{Concurrency: 4}, identity.Dependencies{Source: src, Blocks: src})
}

func record(username, token string) *identity.Record {
	ident := &model.UserIdentity{User: model.User{ID: uuid.New(), Username: username}}
	if token != "" {
		ident.TokenHash = crypto.HashToken(token)
	}
	return identity.NewRecord(ident, nil)
}

func TestUpsertAliasConsistency(t *testing.T) {
	t.Parallel()

	c := newCache(newFakeSource())
	r := record("Alice", "tok-1")
	c.Upsert(r)

	assert.Same(t, r, c.LookupByID(r.ID()))
	assert.Same(t, r, c.LookupByUsername("alice"))
	assert.Same(t, r, c.LookupByUsername("ALICE"))
	assert.Same(t, r, c.LookupByToken("tok-1"))

	r2 := r.WithUsername("alicia").WithTokenHash(crypto.HashToken("tok-2"))
	c.Upsert(r2)

	assert.Same(t, r2, c.LookupByID(r.ID()))
	assert.Nil(t, c.LookupByUsername("alice"), "old username alias must be gone")
	assert.Same(t, r2, c.LookupByUsername("alicia"))
	assert.Nil(t, c.LookupByToken("tok-1"), "old token alias must be gone")
	assert.Same(t, r2, c.LookupByToken("tok-2"))
	assert.Equal(t, 1, c.Len())

	loggedOut := r2.WithTokenHash("")
	c.Upsert(loggedOut)
	assert.Nil(t, c.LookupByToken("tok-2"))
	assert.Nil(t, c.LookupByToken(""))
}

func TestLookupMissing(t *testing.T) {
	t.Parallel()

	c := newCache(newFakeSource())

	tests := map[string]func() *identity.Record{
		"by_id":       func() *identity.Record { return c.LookupByID(uuid.New()) },
		"by_username": func() *identity.Record { return c.LookupByUsername("nobody") },
		"by_token":    func() *identity.Record { return c.LookupByToken("nothing") },
	}
	for name, lookup := range tests {
		t.Run(name, func(t *testing.T) {
			if got := lookup(); got != nil {
				t.Errorf("lookup returned %+v, want nil", got)
			}
		})
	}

	_, err := c.MustLookupByID(uuid.New())
	assert.ErrorIs(t, err, identity.ErrCacheIncomplete)
}

func TestConcurrentUpsertsDistinctIDs(t *testing.T) {
	t.Parallel()

	const n = 200
	c := newCache(newFakeSource())
	records := make([]*identity.Record, n)
	for i := range records {
		records[i] = record(fmt.Sprintf("user%d", i), fmt.Sprintf("token%d", i))
	}

	var wg sync.WaitGroup
	for _, r := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Upsert(r)
		}()
	}
	wg.Wait()

	require.Equal(t, n, c.Len())
	for i, r := range records {
		assert.Same(t, r, c.LookupByID(r.ID()))
		assert.Same(t, r, c.LookupByUsername(fmt.Sprintf("USER%d", i)))
		assert.Same(t, r, c.LookupByToken(fmt.Sprintf("token%d", i)))
	}
}

func TestReplaceDropsPreviousIndex(t *testing.T) {
	t.Parallel()

	c := newCache(newFakeSource())
	old := record("old", "old-token")
	c.Upsert(old)

	fresh := []*identity.Record{record("a", "ta"), record("b", "")}
	c.Replace(fresh)

	assert.Equal(t, 2, c.Len())
	assert.Nil(t, c.LookupByID(old.ID()))
	assert.Nil(t, c.LookupByUsername("old"))
	assert.Nil(t, c.LookupByToken("old-token"))
	assert.Same(t, fresh[0], c.LookupByToken("ta"))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := src.add("alice", "ta")
	b := src.add("bob", "")
	src.blocks[a.User.ID] = []uuid.UUID{b.User.ID}

	c := newCache(src)
	require.NoError(t, c.Load(context.Background()))

	require.Equal(t, 2, c.Len())
	got := c.LookupByToken("ta")
	require.NotNil(t, got)
	assert.Equal(t, a.User.ID, got.ID())
	assert.True(t, got.IsBlocked(b.User.ID))
	assert.False(t, c.LookupByUsername("bob").HasToken())
}

func TestLoadFailureKeepsIndex(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.add("alice", "")
	c := newCache(src)
	require.NoError(t, c.Load(context.Background()))

	src.err = errors.New("store unreachable")
	err := c.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := src.add("alice", "t1")
	c := newCache(src)
	require.NoError(t, c.Load(context.Background()))

	src.mu.Lock()
	src.users[a.User.ID].User.Username = "alicia"
	src.users[a.User.ID].TokenHash = crypto.HashToken("t2")
	src.users[a.User.ID].MuteWords = []string{"spoiler"}
	src.mu.Unlock()

	r, err := c.Refresh(context.Background(), a.User.ID)
	require.NoError(t, err)
	assert.Same(t, r, c.LookupByUsername("alicia"))
	assert.Nil(t, c.LookupByUsername("alice"))
	assert.Nil(t, c.LookupByToken("t1"))
	assert.Same(t, r, c.LookupByToken("t2"))
	if diff := cmp.Diff([]string{"spoiler"}, r.MuteWords()); diff != "" {
		t.Errorf("MuteWords mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Refresh(context.Background(), uuid.New())
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestRefreshMany(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		ids = append(ids, src.add(fmt.Sprintf("user%d", i), "").User.ID)
	}
	c := newCache(src)

	require.NoError(t, c.RefreshMany(context.Background(), ids))
	assert.Equal(t, 20, c.Len())

	err := c.RefreshMany(context.Background(), append(ids, uuid.New()))
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestIDs(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := src.add("alice", "")
	b := src.add("bob", "")
	c := newCache(src)
	assert.Empty(t, c.IDs())
	require.NoError(t, c.Load(context.Background()))

	assert.ElementsMatch(t, []uuid.UUID{a.User.ID, b.User.ID}, c.IDs())
}

func TestRecordIsolation(t *testing.T) {
	t.Parallel()

	muted := uuid.New()
	ident := &model.UserIdentity{
		User:       model.User{ID: uuid.New(), Username: "alice"},
		Roles:      []model.RoleTag{model.RoleShutternaut},
		MutedIDs:   []uuid.UUID{muted},
		MuteWords:  []string{"ducks"},
		AlertWords: []string{"geese"},
	}
	r := identity.NewRecord(ident, nil)

	ident.MuteWords[0] = "changed"
	ident.Roles[0] = model.RoleKaraokeManager
	words := r.MuteWords()
	words[0] = "mutated"

	assert.Equal(t, []string{"ducks"}, r.MuteWords())
	assert.True(t, r.HasRole(model.RoleShutternaut))
	assert.True(t, r.Excludes(muted))
	assert.True(t, r.MatchesMuteWord("I love DUCKS"))
	assert.False(t, r.MatchesMuteWord("geese"))
	assert.True(t, r.MatchesAlertWord("Geese ahead"))
	assert.False(t, r.WithAlertWords(nil).MatchesAlertWord("geese"))
	assert.Equal(t, []string{"geese"}, r.AlertWords())

	r2 := r.WithMuted(nil)
	assert.False(t, r2.IsMuted(muted))
	assert.True(t, r.IsMuted(muted), "With* must not touch the original")
}

func TestLoadFromDatastore(t *testing.T) {
	t.Parallel()

	store, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	ds := store.NonTx()
	parent := &model.User{Username: "parent", AccessLevel: model.AccessVerified}
	require.NoError(t, ds.CreateUser(ctx, parent))
	sub := &model.User{Username: "sub", AccessLevel: model.AccessVerified, ParentID: &parent.ID}
	require.NoError(t, ds.CreateUser(ctx, sub))
	other := &model.User{Username: "other", AccessLevel: model.AccessVerified}
	require.NoError(t, ds.CreateUser(ctx, other))
	require.NoError(t, ds.AddBlock(ctx, other.ID, parent.ID))
	require.NoError(t, ds.SetTokenHash(ctx, sub.ID, crypto.HashToken("sub-token")))

	c := identity.NewCache(identity.Config{}, identity.Dependencies{Source: ds, Blocks: ds})
	require.NoError(t, c.Load(ctx))

	got := c.LookupByToken("sub-token")
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID())
	assert.Equal(t, parent.ID, got.RootID())
	assert.True(t, got.IsBlocked(other.ID), "block on parent propagates to sub-account")
	assert.True(t, c.LookupByID(other.ID).IsBlocked(sub.ID))
}
