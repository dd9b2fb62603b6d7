package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures an embedded Badger store.
type BadgerConfig struct {
	Path       string // ignored when InMemory
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger // nil disables Badger's internal logging

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults for a file-backed store.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// maxConflictRetries bounds optimistic retries of read-modify-write updates.
const maxConflictRetries = 16

// BadgerStore implements HashStore on an embedded Badger database. Hash
// fields are stored as individual keys under a per-hash prefix.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// OpenBadger opens a Badger database with cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("ledger: badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("ledger: create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %w", err)
	}
	s := NewBadgerStore(db, cfg.Logger)
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.startGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// NewBadgerStore wraps an open database. Close closes it.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

func hashPrefix(key string) []byte {
	return []byte("h:" + key + "\x00")
}

func hashFieldKey(key, field string) []byte {
	return append(hashPrefix(key), field...)
}

func stringKey(key string) []byte {
	return []byte("s:" + key)
}

func readValue(txn *badger.Txn, k []byte) (string, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func badgerErr(op string, err error) error {
	if errors.Is(err, ErrNil) {
		return ErrNil
	}
	return fmt.Errorf("ledger: badger %s: %w", op, err)
}

// update retries fn on transaction conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) HGet(ctx context.Context, key, field string) (string, error) {
	var v string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readValue(txn, hashFieldKey(key, field))
		return err
	})
	if err != nil {
		return "", badgerErr("hget", err)
	}
	return v, nil
}

func (s *BadgerStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := hashPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			field := bytes.TrimPrefix(item.Key(), prefix)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(field)] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, badgerErr("hgetall", err)
	}
	return out, nil
}

func (s *BadgerStore) HSet(ctx context.Context, key, field, value string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(hashFieldKey(key, field), []byte(value))
	})
	if err != nil {
		return badgerErr("hset", err)
	}
	return nil
}

// HIncrBy treats a missing field as zero, like Redis.
func (s *BadgerStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	k := hashFieldKey(key, field)
	var result int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		raw, err := readValue(txn, k)
		var cur int64
		switch {
		case errors.Is(err, ErrNil):
		case err != nil:
			return err
		default:
			if cur, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("hash value is not an integer: %w", err)
			}
		}
		result = cur + delta
		return txn.Set(k, []byte(strconv.FormatInt(result, 10)))
	})
	if err != nil {
		return 0, badgerErr("hincrby", err)
	}
	return result, nil
}

func (s *BadgerStore) HDel(ctx context.Context, key string, fields ...string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, f := range fields {
			if err := txn.Delete(hashFieldKey(key, f)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return badgerErr("hdel", err)
	}
	return nil
}

// Del removes whole hashes and string keys.
func (s *BadgerStore) Del(ctx context.Context, keys ...string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(stringKey(key)); err != nil {
				return err
			}
			prefix := hashPrefix(key)
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			var doomed [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, k := range doomed {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return badgerErr("del", err)
	}
	return nil
}

func (s *BadgerStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(stringKey(key), []byte(value)).WithTTL(ttl))
	})
	if err != nil {
		return badgerErr("setex", err)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = readValue(txn, stringKey(key))
		return err
	})
	if err != nil {
		return "", badgerErr("get", err)
	}
	return v, nil
}

// Close stops value log GC and closes the database.
func (s *BadgerStore) Close() error {
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
	})
	return s.db.Close()
}

func (s *BadgerStore) startGC(interval time.Duration, ratio float64) {
	s.stopGC = make(chan struct{})
	s.gcDone = make(chan struct{})
	go func() {
		defer close(s.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopGC:
				return
			case <-ticker.C:
				// ErrNoRewrite means nothing to collect.
				if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("badger value log GC error", "err", err)
				}
			}
		}
	}()
}
