// Package settings holds runtime-adjustable server settings.
//
// The current Settings value is an immutable snapshot behind an atomic
// pointer. Updates copy the snapshot, modify the copy and swap it in under a
// single mutex, so readers never lock.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/seawire/pkg/model"
)

// ErrUnknownKey is returned for a settings key that does not exist.
var ErrUnknownKey = errors.New("settings: unknown key")

// StoreKey is the hash holding persisted settings.
const StoreKey = "settings"

// Settings is one snapshot of all runtime settings.
type Settings struct {
	MinAccessLevel             model.AccessLevel // lowest level allowed to log in
	NotificationSocketsEnabled bool
	ConversationSocketsEnabled bool
	MaxSocketsPerUser          int
	PresenceTTL                time.Duration
	MaxMuteWords               int
	MaxAlertWords              int
}

// Defaults returns the settings a fresh install starts with.
func Defaults() Settings {
	return Settings{
		MinAccessLevel:             model.AccessUnverified,
		NotificationSocketsEnabled: true,
		ConversationSocketsEnabled: true,
		MaxSocketsPerUser:          10,
		PresenceTTL:                5 * time.Minute,
		MaxMuteWords:               32,
		MaxAlertWords:              16,
	}
}

// field binds one persisted key to its accessor pair.
type field struct {
	key string
	get func(*Settings) string
	set func(*Settings, string) error
}

var fields = []field{
	{
		key: "minAccessLevel",
		get: func(s *Settings) string { return s.MinAccessLevel.String() },
		set: func(s *Settings, v string) error {
			lvl, err := model.ParseAccessLevel(v)
			if err != nil {
				return err
			}
			s.MinAccessLevel = lvl
			return nil
		},
	},
	{
		key: "notificationSocketsEnabled",
		get: func(s *Settings) string { return strconv.FormatBool(s.NotificationSocketsEnabled) },
		set: func(s *Settings, v string) (err error) {
			s.NotificationSocketsEnabled, err = strconv.ParseBool(v)
			return err
		},
	},
	{
		key: "conversationSocketsEnabled",
		get: func(s *Settings) string { return strconv.FormatBool(s.ConversationSocketsEnabled) },
		set: func(s *Settings, v string) (err error) {
			s.ConversationSocketsEnabled, err = strconv.ParseBool(v)
			return err
		},
	},
	{
		key: "maxSocketsPerUser",
		get: func(s *Settings) string { return strconv.Itoa(s.MaxSocketsPerUser) },
		set: func(s *Settings, v string) error { return setPositiveInt(&s.MaxSocketsPerUser, v) },
	},
	{
		key: "presenceTTL",
		get: func(s *Settings) string { return s.PresenceTTL.String() },
		set: func(s *Settings, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			if d <= 0 {
				return errors.New("must be positive")
			}
			s.PresenceTTL = d
			return nil
		},
	},
	{
		key: "maxMuteWords",
		get: func(s *Settings) string { return strconv.Itoa(s.MaxMuteWords) },
		set: func(s *Settings, v string) error { return setPositiveInt(&s.MaxMuteWords, v) },
	},
	{
		key: "maxAlertWords",
		get: func(s *Settings) string { return strconv.Itoa(s.MaxAlertWords) },
		set: func(s *Settings, v string) error { return setPositiveInt(&s.MaxAlertWords, v) },
	},
}

func setPositiveInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	if n <= 0 {
		return errors.New("must be positive")
	}
	*dst = n
	return nil
}

func lookupField(key string) (field, bool) {
	for _, f := range fields {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

// Keys returns every settings key in declaration order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// Values renders s as key/value strings.
func (s Settings) Values() map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.key] = f.get(&s)
	}
	return out
}

// Apply returns a copy of s with every given value set. Unknown keys and
// invalid values fail the whole call.
func (s Settings) Apply(values map[string]string) (Settings, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, ok := lookupField(k)
		if !ok {
			return s, fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
		if err := f.set(&s, values[k]); err != nil {
			return s, fmt.Errorf("settings: %s: %w", k, err)
		}
	}
	return s, nil
}

// HashStore is the subset of the counter store used for persistence.
type HashStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
}

// Holder owns the current settings snapshot.
type Holder struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Settings]
	logger  *slog.Logger
}

// NewHolder creates a holder with initial as the first snapshot.
func NewHolder(initial Settings, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Holder{logger: logger}
	h.current.Store(&initial)
	return h
}

// Get returns the current snapshot by value.
func (h *Holder) Get() Settings {
	return *h.current.Load()
}

// Update applies fn to a copy of the current snapshot and installs it.
func (h *Holder) Update(fn func(*Settings)) Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := *h.current.Load()
	fn(&next)
	h.current.Store(&next)
	return next
}

// Replace installs s as the current snapshot.
func (h *Holder) Replace(s Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current.Store(&s)
}

// Set validates and applies key/value strings atomically.
func (h *Holder) Set(values map[string]string) (Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next, err := h.current.Load().Apply(values)
	if err != nil {
		return Settings{}, err
	}
	h.current.Store(&next)
	return next, nil
}

// Save writes every setting to the store.
func (h *Holder) Save(ctx context.Context, store HashStore) error {
	for k, v := range h.Get().Values() {
		if err := store.HSet(ctx, StoreKey, k, v); err != nil {
			return fmt.Errorf("settings: save %s: %w", k, err)
		}
	}
	return nil
}

// Load overlays persisted values onto the current snapshot. Keys written by
// other versions are ignored.
func (h *Holder) Load(ctx context.Context, store HashStore) error {
	stored, err := store.HGetAll(ctx, StoreKey)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	known := make(map[string]string, len(stored))
	for k, v := range stored {
		if _, ok := lookupField(k); ok {
			known[k] = v
		} else {
			h.logger.Warn("ignoring unknown stored setting", "key", k)
		}
	}
	_, err = h.Set(known)
	return err
}

// LoadFile overlays a YAML mapping of key: value onto the current snapshot.
func (h *Holder) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("settings: read %s: %w", path, err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("settings: parse %s: %w", path, err)
	}
	values := make(map[string]string, len(doc))
	for k, n := range doc {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("settings: %s: value must be a scalar", k)
		}
		values[k] = n.Value
	}
	if _, err := h.Set(values); err != nil {
		return err
	}
	h.logger.Info("settings loaded", "path", path, "keys", len(values))
	return nil
}

// Watch reloads path whenever it changes until ctx is cancelled. The parent
// directory is watched so editors that replace the file are handled.
// onChange, if non-nil, runs after each successful reload.
func (h *Holder) Watch(ctx context.Context, path string, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("settings: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := h.LoadFile(path); err != nil {
				h.logger.Warn("settings reload failed", "path", path, "err", err)
				continue
			}
			if onChange != nil {
				onChange(h.Get())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("settings watcher error", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}
