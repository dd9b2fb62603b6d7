package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/ledger"
	"github.com/NicolasHaas/seawire/pkg/metrics"
	"github.com/NicolasHaas/seawire/pkg/model"
)

// backends returns a constructor per HashStore implementation.
func backends() map[string]func(t *testing.T) ledger.HashStore {
	return map[string]func(t *testing.T) ledger.HashStore{
		"redis": func(t *testing.T) ledger.HashStore {
			mr := miniredis.RunT(t)
			store := ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"badger": func(t *testing.T) ledger.HashStore {
			cfg := ledger.DefaultBadgerConfig()
			cfg.InMemory = true
			cfg.SyncWrites = false
			store, err := ledger.OpenBadger(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l *ledger.Ledger)) {
	t.Helper()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, ledger.New(open(t)))
		})
	}
}

func TestHashStoreSemantics(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			_, err := s.HGet(ctx, "h", "missing")
			assert.ErrorIs(t, err, ledger.ErrNil)

			v, err := s.HIncrBy(ctx, "h", "n", 5)
			require.NoError(t, err)
			assert.Equal(t, int64(5), v)
			v, err = s.HIncrBy(ctx, "h", "n", -7)
			require.NoError(t, err)
			assert.Equal(t, int64(-2), v)

			require.NoError(t, s.HSet(ctx, "h", "name", "value"))
			require.NoError(t, s.HSet(ctx, "other", "name", "x"))
			all, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"n": "-2", "name": "value"}, all)

			require.NoError(t, s.HDel(ctx, "h", "n"))
			_, err = s.HGet(ctx, "h", "n")
			assert.ErrorIs(t, err, ledger.ErrNil)

			require.NoError(t, s.Del(ctx, "h"))
			all, err = s.HGetAll(ctx, "h")
			require.NoError(t, err)
			assert.Empty(t, all)
			got, err := s.HGet(ctx, "other", "name")
			require.NoError(t, err)
			assert.Equal(t, "x", got, "Del must not touch other hashes")

			require.NoError(t, s.SetEx(ctx, "k", "v", time.Minute))
			got, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", got)
			_, err = s.Get(ctx, "nope")
			assert.ErrorIs(t, err, ledger.ErrNil)
		})
	}
}

func TestProducedSeen(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		u := uuid.New()

		n, err := l.UnreadCount(ctx, u, model.NotifyMention)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, l.RecordSeen(ctx, u, model.NotifyMention), "seen before anything produced")
		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyMention, 1))
		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyMention, 2))
		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyAnnouncement, 1))

		n, err = l.UnreadCount(ctx, u, model.NotifyMention)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		require.NoError(t, l.RecordSeen(ctx, u, model.NotifyMention))
		n, err = l.UnreadCount(ctx, u, model.NotifyMention)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyMention, 1))
		counts, err := l.UnreadCounts(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[model.NotifyMention])
		assert.Equal(t, int64(1), counts[model.NotifyAnnouncement])
		assert.Zero(t, counts[model.NotifyModeration])
		assert.Len(t, counts, len(model.NotificationCategories()))
	})
}

func TestUnreadNeverNegative(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		u := uuid.New()

		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyAlertWord, 4))
		require.NoError(t, l.RecordSeen(ctx, u, model.NotifyAlertWord))
		// A content deletion can push produced below seen.
		require.NoError(t, l.RecordProduced(ctx, u, model.NotifyAlertWord, -2))

		n, err := l.UnreadCount(ctx, u, model.NotifyAlertWord)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestConversationSentinel(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		u, c := uuid.New(), uuid.New()

		require.NoError(t, l.MarkConversationAdded(ctx, u, c))
		st, err := l.ConversationState(ctx, u, c)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateAddedUnviewed, st.Kind)

		require.NoError(t, l.IncrementConversationUnread(ctx, u, c, 1))
		st, err = l.ConversationState(ctx, u, c)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateAddedUnviewed, Unread: 1}, st)

		// From zero, plain increments are a literal unread count.
		fresh := uuid.New()
		for range 3 {
			require.NoError(t, l.IncrementConversationUnread(ctx, u, fresh, 1))
		}
		st, err = l.ConversationState(ctx, u, fresh)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateUnread, Unread: 3}, st)

		summary, err := l.UnreadConversationSummary(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationSummary{AddedUnviewed: 1, HasUnread: 1}, summary)
	})
}

func TestReadClearsState(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		a, c := uuid.New(), uuid.New()

		for range 3 {
			require.NoError(t, l.IncrementConversationUnread(ctx, a, c, 1))
		}
		st, err := l.ConversationState(ctx, a, c)
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.Unread)

		require.NoError(t, l.MarkConversationRead(ctx, a, c))
		st, err = l.ConversationState(ctx, a, c)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateRead, st.Kind)

		states, err := l.ConversationStates(ctx, a)
		require.NoError(t, err)
		assert.NotContains(t, states, c)
		summary, err := l.UnreadConversationSummary(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationSummary{}, summary)

		require.NoError(t, l.IncrementConversationUnread(ctx, a, c, 1))
		st, err = l.ConversationState(ctx, a, c)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateUnread, Unread: 1}, st, "resets to 1, not 4")
	})
}

func TestAddedVersusUnreadClassification(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		b := uuid.New()
		added, chatty := uuid.New(), uuid.New()

		require.NoError(t, l.MarkConversationAdded(ctx, b, added))
		require.NoError(t, l.IncrementConversationUnread(ctx, b, chatty, 1))
		require.NoError(t, l.IncrementConversationUnread(ctx, b, chatty, 1))

		states, err := l.ConversationStates(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateAddedUnviewed, states[added].Kind)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateUnread, Unread: 2}, states[chatty])
	})
}

func TestNegativeConversationCountReadsAsRead(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		u, c := uuid.New(), uuid.New()

		require.NoError(t, l.IncrementConversationUnread(ctx, u, c, -1))
		st, err := l.ConversationState(ctx, u, c)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateRead, st.Kind)
	})
}

func TestCustomSentinel(t *testing.T) {
	t.Parallel()

	store := backends()["redis"](t)
	l := ledger.New(store, ledger.WithSentinel(50))
	ctx := context.Background()
	u, c := uuid.New(), uuid.New()

	require.NoError(t, l.MarkConversationAdded(ctx, u, c))
	raw, err := store.HGet(ctx, "unreadconvs:"+u.String(), c.String())
	require.NoError(t, err)
	assert.Equal(t, "50", raw, "stored value stays a plain integer")
	assert.Equal(t, ledger.StateUnread, l.Classify(49).Kind)
	assert.Equal(t, ledger.StateAddedUnviewed, l.Classify(50).Kind)
}

func TestPresenceAndReset(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	l := ledger.New(store)
	ctx := context.Background()
	u := uuid.New()

	_, ok, err := l.LastSeen(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.TouchPresence(ctx, u, time.Minute))
	seen, ok, err := l.LastSeen(ctx, u)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), seen, 5*time.Second)

	mr.FastForward(2 * time.Minute)
	_, ok, err = l.LastSeen(ctx, u)
	require.NoError(t, err)
	assert.False(t, ok, "presence expires")

	require.NoError(t, l.RecordProduced(ctx, u, model.NotifyMention, 2))
	require.NoError(t, l.MarkConversationAdded(ctx, u, uuid.New()))
	require.NoError(t, l.ResetUser(ctx, u))
	counts, err := l.UnreadCounts(ctx, u)
	require.NoError(t, err)
	assert.Zero(t, counts[model.NotifyMention])
	summary, err := l.UnreadConversationSummary(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, ledger.ConversationSummary{}, summary)
}

func TestTransportErrorsCounted(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { _ = store.Close() })
	m := metrics.New()
	l := ledger.New(store, ledger.WithMetrics(m))
	ctx := context.Background()
	u := uuid.New()

	require.NoError(t, l.RecordProduced(ctx, u, model.NotifyMention, 1))

	mr.SetError("ERR injected failure")
	err := l.IncrementConversationUnread(ctx, u, uuid.New(), 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrNil))
	_, err = l.UnreadConversationSummary(ctx, u)
	require.Error(t, err)

	assert.Equal(t, int64(2), m.LedgerWrites.Load())
	assert.Equal(t, int64(1), m.LedgerWriteErrors.Load())
	assert.Equal(t, int64(1), m.LedgerReadErrors.Load())
}

func TestOpen(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	tests := map[string]struct {
		url       string
		expectErr bool
	}{
		"redis":        {url: "redis://" + mr.Addr() + "/0"},
		"badger_mem":   {url: "badger://memory"},
		"badger_path":  {url: "badger://" + t.TempDir()},
		"unsupported":  {url: "memcached://localhost", expectErr: true},
		"unreachable":  {url: "redis://127.0.0.1:1/0", expectErr: true},
		"badger_empty": {url: "badger://", expectErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := ledger.Open(tc.url, nil)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = store.Close() }()

			l := ledger.New(store)
			require.NoError(t, l.RecordProduced(context.Background(), uuid.New(), model.NotifyMention, 1))
		})
	}
}

func TestRetractConversationUnread(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger) {
		ctx := context.Background()
		u := uuid.New()

		unread := uuid.New()
		for range 2 {
			require.NoError(t, l.IncrementConversationUnread(ctx, u, unread, 1))
		}
		require.NoError(t, l.RetractConversationUnread(ctx, u, unread))
		st, err := l.ConversationState(ctx, u, unread)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateUnread, Unread: 1}, st)
		require.NoError(t, l.RetractConversationUnread(ctx, u, unread))
		st, err = l.ConversationState(ctx, u, unread)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateRead, st.Kind)

		// read conversations stay read, so the next message counts as one
		read := uuid.New()
		require.NoError(t, l.RetractConversationUnread(ctx, u, read))
		require.NoError(t, l.IncrementConversationUnread(ctx, u, read, 1))
		st, err = l.ConversationState(ctx, u, read)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateUnread, Unread: 1}, st)

		added := uuid.New()
		require.NoError(t, l.MarkConversationAdded(ctx, u, added))
		require.NoError(t, l.RetractConversationUnread(ctx, u, added))
		st, err = l.ConversationState(ctx, u, added)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationState{Kind: ledger.StateAddedUnviewed}, st)

		summary, err := l.UnreadConversationSummary(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, ledger.ConversationSummary{AddedUnviewed: 1, HasUnread: 1}, summary)
	})
}
