package registry_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/metrics"
	"github.com/NicolasHaas/seawire/pkg/registry"
)

type fakeConn struct {
	mu       sync.Mutex
	received [][]byte
	sendErr  error
	closeErr error
	closed   atomic.Bool
	block    chan struct{} // when non-nil, Send waits on it
}

func (f *fakeConn) Send(msg []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return f.sendErr
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newConn(user, conv uuid.UUID) (*registry.Connection, *fakeConn) {
	fc := &fakeConn{}
	return registry.NewConnection(user, conv, fc), fc
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	r := registry.NewUserRegistry(registry.Dependencies{})
	k1, k2 := uuid.New(), uuid.New()
	c1, _ := newConn(k1, uuid.Nil)
	c2, _ := newConn(k2, uuid.Nil)

	r.Store(c1, k1)
	r.Store(c1, k1)
	r.Store(c2, k2)

	assert.Equal(t, []*registry.Connection{c1}, r.ListFor(k1), "stored exactly once")
	assert.True(t, r.HasAny(k1))
	assert.Equal(t, 2, r.Count())

	r.Remove(c1, k1)
	assert.Empty(t, r.ListFor(k1))
	assert.False(t, r.HasAny(k1))
	assert.Equal(t, []*registry.Connection{c2}, r.ListFor(k2), "other group untouched")

	r.Remove(c1, k1)
	r.Remove(c2, k1)
	assert.Equal(t, 1, r.Count())
}

func TestListForAny(t *testing.T) {
	t.Parallel()

	r := registry.NewConversationRegistry(registry.Dependencies{})
	user := uuid.New()
	convA, convB, convC := uuid.New(), uuid.New(), uuid.New()
	a, _ := newConn(user, convA)
	b, _ := newConn(user, convB)
	c, _ := newConn(user, convC)
	r.Store(a, convA)
	r.Store(b, convB)
	r.Store(c, convC)

	got := r.ListForAny([]uuid.UUID{convA, convB, convA})
	assert.ElementsMatch(t, []*registry.Connection{a, b}, got)
}

func TestBroadcastTargeting(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := registry.NewUserRegistry(registry.Dependencies{Metrics: m})
	k1, k2, k3 := uuid.New(), uuid.New(), uuid.New()

	in1a, f1a := newConn(k1, uuid.Nil)
	in1b, f1b := newConn(k1, uuid.Nil)
	in2, f2 := newConn(k2, uuid.Nil)
	out, fout := newConn(k3, uuid.Nil)
	r.Store(in1a, k1)
	r.Store(in1b, k1)
	r.Store(in2, k2)
	r.Store(out, k3)

	n := r.Broadcast([]uuid.UUID{k1, k2}, []byte(`{"type":"test"}`))
	require.Equal(t, 3, n)

	require.Eventually(t, func() bool {
		return f1a.count() == 1 && f1b.count() == 1 && f2.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, fout.count())
	assert.Equal(t, int64(3), m.SendsAttempted.Load())
}

func TestBroadcastFuncFilter(t *testing.T) {
	t.Parallel()

	r := registry.NewConversationRegistry(registry.Dependencies{})
	conv := uuid.New()
	blocker := uuid.New()
	keep, fkeep := newConn(uuid.New(), conv)
	skip, fskip := newConn(blocker, conv)
	r.Store(keep, conv)
	r.Store(skip, conv)

	n := r.BroadcastFunc([]uuid.UUID{conv}, []byte("m"), func(c *registry.Connection) bool {
		return c.UserID != blocker
	})
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return fkeep.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fskip.count())
}

func TestBroadcastSlowConnectionDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := registry.NewUserRegistry(registry.Dependencies{Metrics: m})
	k := uuid.New()

	slow := &fakeConn{block: make(chan struct{})}
	r.Store(registry.NewConnection(k, uuid.Nil, slow), k)
	failing := &fakeConn{sendErr: errors.New("broken pipe")}
	r.Store(registry.NewConnection(k, uuid.Nil, failing), k)
	ok, fok := newConn(k, uuid.Nil)
	r.Store(ok, k)

	r.Broadcast([]uuid.UUID{k}, []byte("x"))
	require.Eventually(t, func() bool { return fok.count() == 1 && failing.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.SendFailures.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, r.Count(), "send failure does not unregister")
	close(slow.block)
}

func TestCloseAllFor(t *testing.T) {
	t.Parallel()

	type tcase struct {
		newRegistry func() *registry.Registry[uuid.UUID]
		keyFor      func(user, conv uuid.UUID) uuid.UUID
	}

	tests := map[string]tcase{
		"user_keyed": {
			newRegistry: func() *registry.Registry[uuid.UUID] { return registry.NewUserRegistry(registry.Dependencies{}) },
			keyFor:      func(user, _ uuid.UUID) uuid.UUID { return user },
		},
		"conversation_keyed_scan": {
			newRegistry: func() *registry.Registry[uuid.UUID] {
				return registry.NewConversationRegistry(registry.Dependencies{})
			},
			keyFor: func(_, conv uuid.UUID) uuid.UUID { return conv },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := tc.newRegistry()
			target, other := uuid.New(), uuid.New()
			convA, convB := uuid.New(), uuid.New()

			var targetConns []*fakeConn
			for _, conv := range []uuid.UUID{convA, convB} {
				c, fc := newConn(target, conv)
				r.Store(c, tc.keyFor(target, conv))
				targetConns = append(targetConns, fc)
			}
			// First close fails; the second must still be attempted.
			targetConns[0].closeErr = errors.New("already gone")

			bystander, fby := newConn(other, convA)
			r.Store(bystander, tc.keyFor(other, convA))

			n, err := r.CloseAllFor(target)
			assert.Equal(t, 2, n)
			assert.Error(t, err)
			for _, fc := range targetConns {
				assert.True(t, fc.closed.Load())
			}
			assert.False(t, fby.closed.Load())
			assert.Equal(t, 1, r.Count())
			assert.Equal(t, []*registry.Connection{bystander}, r.ListFor(tc.keyFor(other, convA)))

			n, err = r.CloseAllFor(target)
			assert.Zero(t, n)
			assert.NoError(t, err)
		})
	}
}

func TestConcurrentStoreRemove(t *testing.T) {
	t.Parallel()

	r := registry.NewUserRegistry(registry.Dependencies{})
	key := uuid.New()
	const n = 100

	conns := make([]*registry.Connection, n)
	for i := range conns {
		conns[i], _ = newConn(key, uuid.Nil)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Store(c, key)
			r.Broadcast([]uuid.UUID{key}, []byte("ping"))
		}()
	}
	wg.Wait()
	require.Equal(t, n, r.Count())

	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(c, key)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Count())
	assert.False(t, r.HasAny(key))
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := registry.NewConversationRegistry(registry.Dependencies{Metrics: m})
	convA, convB := uuid.New(), uuid.New()
	c1, f1 := newConn(uuid.New(), convA)
	c2, f2 := newConn(uuid.New(), convB)
	f2.closeErr = errors.New("gone")
	r.Store(c1, convA)
	r.Store(c2, convB)

	assert.Equal(t, 2, r.CloseAll())
	assert.True(t, f1.closed.Load())
	assert.True(t, f2.closed.Load())
	assert.Zero(t, r.Count())
	assert.Equal(t, int64(2), m.SocketsClosed.Load())
}
