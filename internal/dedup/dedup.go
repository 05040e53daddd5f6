// Package dedup provides a fast seen-set in front of the datastore's
// uniqueness constraint.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind distinguishes posts from comments in the seen-set.
type Kind string

// Seen-set kinds.
const (
	KindItem    Kind = "item"
	KindComment Kind = "comment"
)

// Cache remembers external ids that are already persisted. A cache miss is
// never authoritative: the datastore's unique key remains the source of truth.
type Cache interface {
	Seen(ctx context.Context, kind Kind, source, externalID string) (bool, error)
	Mark(ctx context.Context, kind Kind, source, externalID string) error
}

// Nop is a Cache that never reports anything as seen.
type Nop struct{}

// Seen always reports false.
func (Nop) Seen(context.Context, Kind, string, string) (bool, error) { return false, nil }

// Mark does nothing.
func (Nop) Mark(context.Context, Kind, string, string) error { return nil }

type setClient interface {
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
}

// Redis keeps one Redis set per kind and source.
type Redis struct {
	client setClient
	prefix string
}

// RedisConfig holds connection settings for the seen-set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedis(rdb), nil
}

func newRedis(client setClient) *Redis {
	return &Redis{client: client, prefix: "mention_radar:seen"}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if c, ok := r.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

// Seen reports whether externalID was marked for kind and source.
func (r *Redis) Seen(ctx context.Context, kind Kind, source, externalID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key(kind, source), externalID).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

// Mark records externalID for kind and source.
func (r *Redis) Mark(ctx context.Context, kind Kind, source, externalID string) error {
	if err := r.client.SAdd(ctx, r.key(kind, source), externalID).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (r *Redis) key(kind Kind, source string) string {
	return r.prefix + ":" + string(kind) + ":" + source
}
