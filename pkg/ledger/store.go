package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNil is returned when a key or hash field does not exist.
var ErrNil = errors.New("ledger: nil")

// HashStore is the key/field surface the ledger needs. It mirrors the Redis
// hash and string commands of the same names.
type HashStore interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
	Del(ctx context.Context, keys ...string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Close() error
}

// Open connects to the store named by rawURL:
//
//	redis://[user:pass@]host:port/db   remote Redis
//	badger:///var/lib/seawire/ledger   embedded Badger at a path
//	badger://memory                    embedded in-memory Badger
func Open(rawURL string, logger *slog.Logger) (HashStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ledger: ping redis: %w", err)
		}
		return NewRedisStore(client), nil
	case "badger":
		cfg := DefaultBadgerConfig()
		cfg.Logger = logger
		if u.Host == "memory" {
			cfg.InMemory = true
			cfg.SyncWrites = false
		} else {
			cfg.Path = u.Path
		}
		return OpenBadger(cfg)
	default:
		return nil, fmt.Errorf("ledger: unsupported store scheme %q", u.Scheme)
	}
}
