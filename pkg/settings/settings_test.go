package settings_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/ledger"
	"github.com/NicolasHaas/seawire/pkg/model"
	"github.com/NicolasHaas/seawire/pkg/settings"
)

func TestApply(t *testing.T) {
	t.Parallel()

	type tcase struct {
		values    map[string]string
		expectErr error
		check     func(t *testing.T, s settings.Settings)
	}

	tests := map[string]tcase{
		"valid_values": {
			values: map[string]string{
				"minAccessLevel":    "verified",
				"maxSocketsPerUser": "3",
				"presenceTTL":       "90s",
			},
			check: func(t *testing.T, s settings.Settings) {
				assert.Equal(t, model.AccessVerified, s.MinAccessLevel)
				assert.Equal(t, 3, s.MaxSocketsPerUser)
				assert.Equal(t, 90*time.Second, s.PresenceTTL)
			},
		},
		"unknown_key": {
			values:    map[string]string{"colour": "blue"},
			expectErr: settings.ErrUnknownKey,
		},
		"bad_bool": {
			values: map[string]string{"notificationSocketsEnabled": "maybe"},
		},
		"non_positive": {
			values: map[string]string{"maxMuteWords": "0"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := settings.Defaults().Apply(tc.values)
			if tc.check == nil {
				require.Error(t, err)
				if tc.expectErr != nil {
					assert.ErrorIs(t, err, tc.expectErr)
				}
				return
			}
			require.NoError(t, err)
			tc.check(t, got)
		})
	}
}

func TestValuesCoverEveryKey(t *testing.T) {
	t.Parallel()

	values := settings.Defaults().Values()
	assert.Len(t, values, len(settings.Keys()))
	for _, k := range settings.Keys() {
		assert.Contains(t, values, k)
	}

	back, err := settings.Settings{}.Apply(values)
	require.NoError(t, err)
	assert.Equal(t, settings.Defaults(), back)
}

func TestHolderSetIsAllOrNothing(t *testing.T) {
	t.Parallel()

	h := settings.NewHolder(settings.Defaults(), nil)
	_, err := h.Set(map[string]string{"maxSocketsPerUser": "4", "maxMuteWords": "-1"})
	require.Error(t, err)
	assert.Equal(t, settings.Defaults(), h.Get())
}

func TestHolderConcurrentUpdates(t *testing.T) {
	t.Parallel()

	h := settings.NewHolder(settings.Settings{}, nil)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Update(func(s *settings.Settings) { s.MaxSocketsPerUser++ })
			_ = h.Get()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, h.Get().MaxSocketsPerUser)
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	store := ledger.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	h := settings.NewHolder(settings.Defaults(), nil)
	h.Update(func(s *settings.Settings) {
		s.ConversationSocketsEnabled = false
		s.MaxMuteWords = 5
	})
	require.NoError(t, h.Save(ctx, store))
	require.NoError(t, store.HSet(ctx, settings.StoreKey, "retiredSetting", "x"))

	fresh := settings.NewHolder(settings.Defaults(), nil)
	require.NoError(t, fresh.Load(ctx, store))
	assert.Equal(t, h.Get(), fresh.Get())
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxSocketsPerUser: 2\nnotificationSocketsEnabled: false\n"), 0o600))

	h := settings.NewHolder(settings.Defaults(), nil)
	require.NoError(t, h.LoadFile(path))
	assert.Equal(t, 2, h.Get().MaxSocketsPerUser)
	assert.False(t, h.Get().NotificationSocketsEnabled)

	require.NoError(t, os.WriteFile(path, []byte("maxSocketsPerUser: [1, 2]\n"), 0o600))
	assert.Error(t, h.LoadFile(path))

	require.NoError(t, os.WriteFile(path, []byte("unknownThing: 1\n"), 0o600))
	assert.True(t, errors.Is(h.LoadFile(path), settings.ErrUnknownKey))
}

func TestWatchReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxMuteWords: 1\n"), 0o600))

	h := settings.NewHolder(settings.Defaults(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan settings.Settings, 16)
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx, path, func(s settings.Settings) { changed <- s }) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("maxMuteWords: 7\n"), 0o600)
		select {
		case s := <-changed:
			return s.MaxMuteWords == 7
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 7, h.Get().MaxMuteWords)
}
